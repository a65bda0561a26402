package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/mxf/pkg/models"
)

// kvContract exercises the KV semantics shared by every backend.
func kvContract(t *testing.T, kv KV) {
	ctx := context.Background()

	_, err := kv.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, kv.Put(ctx, "a/1", []byte("one")))
	require.NoError(t, kv.Put(ctx, "a/2", []byte("two")))
	require.NoError(t, kv.Put(ctx, "b/1", []byte("three")))

	got, err := kv.Get(ctx, "a/1")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), got)

	// Put replaces.
	require.NoError(t, kv.Put(ctx, "a/1", []byte("uno")))
	got, err = kv.Get(ctx, "a/1")
	require.NoError(t, err)
	assert.Equal(t, []byte("uno"), got)

	keys, err := kv.ListByPrefix(ctx, "a/")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/1", "a/2"}, keys)

	keys, err = kv.ListByPrefix(ctx, "c/")
	require.NoError(t, err)
	assert.Empty(t, keys)

	// Deleting a missing key is not an error.
	require.NoError(t, kv.Delete(ctx, "a/1"))
	require.NoError(t, kv.Delete(ctx, "a/1"))
	_, err = kv.Get(ctx, "a/1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryKV(t *testing.T) {
	kv := NewMemoryKV()
	defer kv.Close()
	kvContract(t, kv)
}

func TestSQLiteKV(t *testing.T) {
	kv, err := OpenSQLite(filepath.Join(t.TempDir(), "mxf.db"))
	require.NoError(t, err)
	defer kv.Close()
	kvContract(t, kv)
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mxf.db")
	ctx := context.Background()

	kv, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, kv.Put(ctx, "channel/chan-1", []byte(`{"id":"chan-1"}`)))
	require.NoError(t, kv.Close())

	kv, err = OpenSQLite(path)
	require.NoError(t, err)
	defer kv.Close()
	got, err := kv.Get(ctx, "channel/chan-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"chan-1"}`, string(got))
}

func TestMemoryKVCopiesValues(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()

	value := []byte("original")
	require.NoError(t, kv.Put(ctx, "k", value))
	value[0] = 'X'

	got, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), got)

	// Mutating a returned value does not poison the store.
	got[0] = 'Y'
	again, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), again)
}

func TestRecordsRoundTrip(t *testing.T) {
	r := NewRecords(NewMemoryKV())
	ctx := context.Background()

	channel := &models.Channel{ID: "chan-1", Name: "c", Members: []string{"agent-1"}}
	require.NoError(t, r.PutChannel(ctx, channel))
	gotChannel, err := r.GetChannel(ctx, "chan-1")
	require.NoError(t, err)
	assert.Equal(t, channel.Members, gotChannel.Members)

	agent := &models.Agent{
		ID:        "agent-1",
		Name:      "A",
		ChannelID: "chan-1",
		LLM:       models.LLMConfig{Provider: "anthropic", Model: "m"},
	}
	require.NoError(t, r.PutAgent(ctx, agent))
	gotAgent, err := r.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", gotAgent.LLM.Provider)

	task := &models.Task{ID: "task-1", ChannelID: "chan-1", Title: "t", Status: models.TaskAssigned}
	require.NoError(t, r.PutTask(ctx, task))
	gotTask, err := r.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskAssigned, gotTask.Status)

	key := &models.ChannelKey{KeyID: "key-1", ChannelID: "chan-1", SecretHash: "abc"}
	require.NoError(t, r.PutKey(ctx, key))
	gotKey, err := r.GetKey(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, "abc", gotKey.SecretHash)
}

func TestListChannelsAndAgents(t *testing.T) {
	r := NewRecords(NewMemoryKV())
	ctx := context.Background()

	require.NoError(t, r.PutChannel(ctx, &models.Channel{ID: "chan-1", Name: "one"}))
	require.NoError(t, r.PutChannel(ctx, &models.Channel{ID: "chan-2", Name: "two"}))
	channels, err := r.ListChannels(ctx)
	require.NoError(t, err)
	assert.Len(t, channels, 2)

	require.NoError(t, r.PutAgent(ctx, &models.Agent{ID: "a1", ChannelID: "chan-1"}))
	require.NoError(t, r.PutAgent(ctx, &models.Agent{ID: "a2", ChannelID: "chan-2"}))
	agents, err := r.ListAgents(ctx, "chan-1")
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "a1", agents[0].ID)

	all, err := r.ListAgents(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestListKeysFiltersByChannel(t *testing.T) {
	r := NewRecords(NewMemoryKV())
	ctx := context.Background()

	require.NoError(t, r.PutKey(ctx, &models.ChannelKey{KeyID: "k1", ChannelID: "chan-1"}))
	require.NoError(t, r.PutKey(ctx, &models.ChannelKey{KeyID: "k2", ChannelID: "chan-2"}))

	keys, err := r.ListKeys(ctx, "chan-1")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "k1", keys[0].KeyID)
}

func TestActionLogRoundTrip(t *testing.T) {
	r := NewRecords(NewMemoryKV())
	ctx := context.Background()

	entries := []models.ActionEntry{
		{Tool: "web_search", Description: "searched"},
		{Tool: "task_complete", Description: "finished"},
	}
	require.NoError(t, r.PutActionLog(ctx, "agent-1", entries))
	got, err := r.GetActionLog(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "web_search", got[0].Tool)

	_, err = r.GetActionLog(ctx, "never-seen")
	assert.ErrorIs(t, err, ErrNotFound)
}
