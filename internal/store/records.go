package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/mxf/pkg/models"
)

// Records wraps a KV with typed accessors for the core's persisted
// entities. Every record is one JSON value under a prefixed key.
type Records struct {
	kv KV
}

// NewRecords wraps kv.
func NewRecords(kv KV) *Records {
	return &Records{kv: kv}
}

// KV exposes the underlying store.
func (r *Records) KV() KV { return r.kv }

func (r *Records) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return r.kv.Put(ctx, key, data)
}

func (r *Records) getJSON(ctx context.Context, key string, v any) error {
	data, err := r.kv.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// PutChannel persists a channel record.
func (r *Records) PutChannel(ctx context.Context, c *models.Channel) error {
	return r.putJSON(ctx, PrefixChannel+c.ID, c)
}

// GetChannel loads a channel record.
func (r *Records) GetChannel(ctx context.Context, id string) (*models.Channel, error) {
	var c models.Channel
	if err := r.getJSON(ctx, PrefixChannel+id, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// DeleteChannel removes a channel record.
func (r *Records) DeleteChannel(ctx context.Context, id string) error {
	return r.kv.Delete(ctx, PrefixChannel+id)
}

// ListChannels returns all channel records.
func (r *Records) ListChannels(ctx context.Context) ([]*models.Channel, error) {
	keys, err := r.kv.ListByPrefix(ctx, PrefixChannel)
	if err != nil {
		return nil, err
	}
	var channels []*models.Channel
	for _, key := range keys {
		var c models.Channel
		if err := r.getJSON(ctx, key, &c); err != nil {
			return nil, err
		}
		channels = append(channels, &c)
	}
	return channels, nil
}

// PutAgent persists an agent record.
func (r *Records) PutAgent(ctx context.Context, a *models.Agent) error {
	return r.putJSON(ctx, PrefixAgent+a.ID, a)
}

// GetAgent loads an agent record.
func (r *Records) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	var a models.Agent
	if err := r.getJSON(ctx, PrefixAgent+id, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// DeleteAgent removes an agent record.
func (r *Records) DeleteAgent(ctx context.Context, id string) error {
	return r.kv.Delete(ctx, PrefixAgent+id)
}

// ListAgents returns all agent records, optionally filtered by channel.
func (r *Records) ListAgents(ctx context.Context, channelID string) ([]*models.Agent, error) {
	keys, err := r.kv.ListByPrefix(ctx, PrefixAgent)
	if err != nil {
		return nil, err
	}
	var agents []*models.Agent
	for _, key := range keys {
		var a models.Agent
		if err := r.getJSON(ctx, key, &a); err != nil {
			return nil, err
		}
		if channelID != "" && a.ChannelID != channelID {
			continue
		}
		agents = append(agents, &a)
	}
	return agents, nil
}

// PutTask persists a task record.
func (r *Records) PutTask(ctx context.Context, t *models.Task) error {
	return r.putJSON(ctx, PrefixTask+t.ID, t)
}

// GetTask loads a task record.
func (r *Records) GetTask(ctx context.Context, id string) (*models.Task, error) {
	var t models.Task
	if err := r.getJSON(ctx, PrefixTask+id, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// PutKey persists a channel key record.
func (r *Records) PutKey(ctx context.Context, k *models.ChannelKey) error {
	return r.putJSON(ctx, PrefixKey+k.KeyID, k)
}

// GetKey loads a channel key record.
func (r *Records) GetKey(ctx context.Context, keyID string) (*models.ChannelKey, error) {
	var k models.ChannelKey
	if err := r.getJSON(ctx, PrefixKey+keyID, &k); err != nil {
		return nil, err
	}
	return &k, nil
}

// ListKeys returns all keys issued for a channel.
func (r *Records) ListKeys(ctx context.Context, channelID string) ([]*models.ChannelKey, error) {
	keys, err := r.kv.ListByPrefix(ctx, PrefixKey)
	if err != nil {
		return nil, err
	}
	var out []*models.ChannelKey
	for _, key := range keys {
		var k models.ChannelKey
		if err := r.getJSON(ctx, key, &k); err != nil {
			return nil, err
		}
		if channelID != "" && k.ChannelID != channelID {
			continue
		}
		out = append(out, &k)
	}
	return out, nil
}

// PutActionLog persists a truncated action-log excerpt for an agent.
func (r *Records) PutActionLog(ctx context.Context, agentID string, entries []models.ActionEntry) error {
	return r.putJSON(ctx, PrefixActions+agentID, entries)
}

// GetActionLog loads the persisted action-log excerpt for an agent.
func (r *Records) GetActionLog(ctx context.Context, agentID string) ([]models.ActionEntry, error) {
	var entries []models.ActionEntry
	if err := r.getJSON(ctx, PrefixActions+agentID, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}
