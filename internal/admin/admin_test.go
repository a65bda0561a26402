package admin

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/mxf/internal/hub"
	"github.com/haasonsaas/mxf/internal/store"
	"github.com/haasonsaas/mxf/pkg/models"
)

func newTestService(t *testing.T) (*Service, *hub.Hub, *store.Records) {
	t.Helper()
	records := store.NewRecords(store.NewMemoryKV())
	h := hub.New(nil, nil, records, nil)
	svc := New(nil, Config{
		AdminToken:    "sesame",
		SessionSecret: []byte("0123456789abcdef0123456789abcdef"),
		SessionTTL:    time.Minute,
	}, records, h, nil)
	return svc, h, records
}

func TestAuthorize(t *testing.T) {
	svc, _, _ := newTestService(t)
	require.NoError(t, svc.Authorize("sesame"))
	assert.ErrorIs(t, svc.Authorize("wrong"), ErrUnauthorized)
	assert.ErrorIs(t, svc.Authorize(""), ErrUnauthorized)

	// An unset token refuses everything rather than allowing everything.
	unset := New(nil, Config{}, nil, nil, nil)
	assert.ErrorIs(t, unset.Authorize(""), ErrUnauthorized)
}

func TestCreateChannelRegistersWithHub(t *testing.T) {
	svc, h, records := newTestService(t)
	ctx := context.Background()

	channel, err := svc.CreateChannel(ctx, ChannelSpec{
		ID:           "chan-1",
		Name:         "research",
		AllowedTools: []string{"task_complete"},
	})
	require.NoError(t, err)
	assert.Equal(t, "chan-1", channel.ID)

	_, ok := h.Channel("chan-1")
	assert.True(t, ok)
	persisted, err := records.GetChannel(ctx, "chan-1")
	require.NoError(t, err)
	assert.Equal(t, "research", persisted.Name)

	_, err = svc.CreateChannel(ctx, ChannelSpec{ID: "chan-1", Name: "again"})
	assert.ErrorIs(t, err, ErrChannelExists)

	_, err = svc.CreateChannel(ctx, ChannelSpec{})
	assert.Error(t, err)
}

func TestCreateChannelGeneratesID(t *testing.T) {
	svc, _, _ := newTestService(t)
	channel, err := svc.CreateChannel(context.Background(), ChannelSpec{Name: "auto-id"})
	require.NoError(t, err)
	assert.NotEmpty(t, channel.ID)
}

func TestDeleteChannelCreateAgain(t *testing.T) {
	svc, h, records := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateChannel(ctx, ChannelSpec{ID: "chan-1", Name: "v1"})
	require.NoError(t, err)
	issued, err := svc.IssueKey(ctx, "chan-1")
	require.NoError(t, err)
	_, err = svc.RegisterAgent(ctx, AgentSpec{
		ID:        "agent-1",
		Name:      "A",
		ChannelID: "chan-1",
	})
	require.NoError(t, err)

	require.NoError(t, svc.DeleteChannel(ctx, "chan-1"))

	_, ok := h.Channel("chan-1")
	assert.False(t, ok)
	_, err = records.GetChannel(ctx, "chan-1")
	assert.Error(t, err)
	_, err = records.GetAgent(ctx, "agent-1")
	assert.Error(t, err)

	// Keys of the deleted channel are revoked.
	key, err := records.GetKey(ctx, issued.KeyID)
	require.NoError(t, err)
	assert.True(t, key.Revoked)

	// The ID is free again; delete-then-create is a fresh channel.
	fresh, err := svc.CreateChannel(ctx, ChannelSpec{ID: "chan-1", Name: "v2"})
	require.NoError(t, err)
	assert.Empty(t, fresh.Members)

	assert.ErrorIs(t, svc.DeleteChannel(ctx, "never-existed"), ErrChannelNotFound)
}

func TestDeleteChannelCancelsLiveTasks(t *testing.T) {
	svc, h, records := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateChannel(ctx, ChannelSpec{ID: "chan-1", Name: "busy"})
	require.NoError(t, err)
	_, err = svc.RegisterAgent(ctx, AgentSpec{ID: "agent-1", Name: "A", ChannelID: "chan-1"})
	require.NoError(t, err)

	task, err := h.CreateTask(ctx, hub.TaskSpec{
		ChannelID:        "chan-1",
		Title:            "in flight",
		AssignedAgentIDs: []string{"agent-1"},
	})
	require.NoError(t, err)

	require.NoError(t, svc.DeleteChannel(ctx, "chan-1"))

	got, err := records.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCancelled, got.Status)
	assert.Equal(t, "channel deleted", got.Result.Reason)
}

func TestIssueKeyStoresOnlyHash(t *testing.T) {
	svc, _, records := newTestService(t)
	ctx := context.Background()
	_, err := svc.CreateChannel(ctx, ChannelSpec{ID: "chan-1", Name: "c"})
	require.NoError(t, err)

	issued, err := svc.IssueKey(ctx, "chan-1")
	require.NoError(t, err)
	assert.NotEmpty(t, issued.SecretKey)

	stored, err := records.GetKey(ctx, issued.KeyID)
	require.NoError(t, err)
	assert.NotEqual(t, issued.SecretKey, stored.SecretHash)
	assert.Equal(t, hashSecret(issued.SecretKey), stored.SecretHash)

	_, err = svc.IssueKey(ctx, "missing")
	assert.ErrorIs(t, err, ErrChannelNotFound)
}

func TestRevokeKeyIsIdempotent(t *testing.T) {
	svc, _, records := newTestService(t)
	ctx := context.Background()
	_, err := svc.CreateChannel(ctx, ChannelSpec{ID: "chan-1", Name: "c"})
	require.NoError(t, err)
	issued, err := svc.IssueKey(ctx, "chan-1")
	require.NoError(t, err)

	require.NoError(t, svc.RevokeKey(ctx, issued.KeyID))
	require.NoError(t, svc.RevokeKey(ctx, issued.KeyID))
	key, err := records.GetKey(ctx, issued.KeyID)
	require.NoError(t, err)
	assert.True(t, key.Revoked)

	assert.Error(t, svc.RevokeKey(ctx, "missing"))
}

func TestRegisterAgentClipsToolsToChannel(t *testing.T) {
	svc, h, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.CreateChannel(ctx, ChannelSpec{
		ID:           "chan-1",
		Name:         "c",
		AllowedTools: []string{"task_complete", "messaging_send"},
	})
	require.NoError(t, err)

	agent, err := svc.RegisterAgent(ctx, AgentSpec{
		ID:           "agent-1",
		Name:         "A",
		ChannelID:    "chan-1",
		AllowedTools: []string{"task_complete", "exec_shell"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"task_complete"}, agent.AllowedTools)

	channel, ok := h.Channel("chan-1")
	require.True(t, ok)
	assert.True(t, channel.HasMember("agent-1"))

	_, err = svc.RegisterAgent(ctx, AgentSpec{Name: "B", ChannelID: "missing"})
	assert.ErrorIs(t, err, ErrChannelNotFound)
	_, err = svc.RegisterAgent(ctx, AgentSpec{ChannelID: "chan-1"})
	assert.Error(t, err)
}

func TestRegisterMCPServerReplacesInPlace(t *testing.T) {
	svc, h, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.CreateChannel(ctx, ChannelSpec{ID: "chan-1", Name: "c"})
	require.NoError(t, err)

	spec := models.MCPServerSpec{ID: "srv-1", Command: "tool-server"}
	require.NoError(t, svc.RegisterMCPServer(ctx, "chan-1", spec))

	spec.Args = []string{"--verbose"}
	require.NoError(t, svc.RegisterMCPServer(ctx, "chan-1", spec))

	channel, _ := h.Channel("chan-1")
	require.Len(t, channel.MCPServers, 1)
	assert.Equal(t, []string{"--verbose"}, channel.MCPServers[0].Args)

	require.NoError(t, svc.UnregisterMCPServer(ctx, "chan-1", "srv-1"))
	channel, _ = h.Channel("chan-1")
	assert.Empty(t, channel.MCPServers)

	assert.Error(t, svc.RegisterMCPServer(ctx, "chan-1", models.MCPServerSpec{ID: "srv-2"}))
	assert.ErrorIs(t, svc.RegisterMCPServer(ctx, "missing", spec), ErrChannelNotFound)
}

func TestRegistrationLeavesChannelSnapshotsUntouched(t *testing.T) {
	svc, h, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.CreateChannel(ctx, ChannelSpec{
		ID:           "chan-1",
		Name:         "c",
		AllowedTools: []string{"task_complete"},
	})
	require.NoError(t, err)

	before, ok := h.Channel("chan-1")
	require.True(t, ok)

	_, err = svc.RegisterAgent(ctx, AgentSpec{ID: "agent-1", Name: "A", ChannelID: "chan-1"})
	require.NoError(t, err)
	require.NoError(t, svc.RegisterMCPServer(ctx, "chan-1",
		models.MCPServerSpec{ID: "srv-1", Command: "tool-server"}))

	// Mutation swaps in a fresh record; the earlier snapshot is free to
	// read concurrently and never changes.
	assert.Empty(t, before.Members)
	assert.Empty(t, before.MCPServers)

	after, _ := h.Channel("chan-1")
	assert.NotSame(t, before, after)
	assert.True(t, after.HasMember("agent-1"))
	require.Len(t, after.MCPServers, 1)

	require.NoError(t, svc.UnregisterMCPServer(ctx, "chan-1", "srv-1"))
	assert.Len(t, after.MCPServers, 1)
	final, _ := h.Channel("chan-1")
	assert.Empty(t, final.MCPServers)
}

func TestRecoverReloadsPersistedChannels(t *testing.T) {
	svc, _, records := newTestService(t)
	ctx := context.Background()
	_, err := svc.CreateChannel(ctx, ChannelSpec{ID: "chan-1", Name: "survivor"})
	require.NoError(t, err)

	// Simulate a restart: fresh hub over the same records.
	h2 := hub.New(nil, nil, records, nil)
	svc2 := New(nil, Config{AdminToken: "sesame", SessionSecret: []byte("secret")}, records, h2, nil)
	require.NoError(t, svc2.Recover(ctx))

	channel, ok := h2.Channel("chan-1")
	require.True(t, ok)
	assert.Equal(t, "survivor", channel.Name)
}

func TestAuthenticateMintsVerifiableToken(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.CreateChannel(ctx, ChannelSpec{ID: "chan-1", Name: "c"})
	require.NoError(t, err)
	issued, err := svc.IssueKey(ctx, "chan-1")
	require.NoError(t, err)

	token, err := svc.Authenticate(ctx, "chan-1", issued.KeyID, issued.SecretKey)
	require.NoError(t, err)

	claims, err := svc.VerifySession(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "chan-1", claims.ChannelID)
	assert.Equal(t, issued.KeyID, claims.KeyID)
}

func TestAuthenticateFailuresAreUniform(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.CreateChannel(ctx, ChannelSpec{ID: "chan-1", Name: "c"})
	require.NoError(t, err)
	_, err = svc.CreateChannel(ctx, ChannelSpec{ID: "chan-2", Name: "other"})
	require.NoError(t, err)
	issued, err := svc.IssueKey(ctx, "chan-1")
	require.NoError(t, err)

	cases := []struct {
		name      string
		channelID string
		keyID     string
		secret    string
	}{
		{"unknown key", "chan-1", "no-such-key", issued.SecretKey},
		{"wrong secret", "chan-1", issued.KeyID, "deadbeef"},
		{"wrong channel", "chan-2", issued.KeyID, issued.SecretKey},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Authenticate(ctx, tc.channelID, tc.keyID, tc.secret)
			assert.ErrorIs(t, err, ErrInvalidCredentials)
		})
	}
}

func TestVerifySessionRejectsRevokedKey(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.CreateChannel(ctx, ChannelSpec{ID: "chan-1", Name: "c"})
	require.NoError(t, err)
	issued, err := svc.IssueKey(ctx, "chan-1")
	require.NoError(t, err)
	token, err := svc.Authenticate(ctx, "chan-1", issued.KeyID, issued.SecretKey)
	require.NoError(t, err)

	require.NoError(t, svc.RevokeKey(ctx, issued.KeyID))

	_, err = svc.VerifySession(ctx, token)
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	// Raw credentials are refused too.
	_, err = svc.Authenticate(ctx, "chan-1", issued.KeyID, issued.SecretKey)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestVerifySessionRejectsForgedAndExpiredTokens(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.CreateChannel(ctx, ChannelSpec{ID: "chan-1", Name: "c"})
	require.NoError(t, err)
	issued, err := svc.IssueKey(ctx, "chan-1")
	require.NoError(t, err)

	_, err = svc.VerifySession(ctx, "not-a-token")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	// A token signed with a different secret fails validation.
	forger := New(nil, Config{
		AdminToken:    "sesame",
		SessionSecret: []byte("another-secret-entirely-32-bytes"),
	}, svc.records, svc.hub, nil)
	forged, err := forger.Authenticate(ctx, "chan-1", issued.KeyID, issued.SecretKey)
	require.NoError(t, err)
	_, err = svc.VerifySession(ctx, forged)
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	// An expired token fails validation.
	expiring := New(nil, Config{
		AdminToken:    "sesame",
		SessionSecret: svc.cfg.SessionSecret,
		SessionTTL:    time.Millisecond,
	}, svc.records, svc.hub, nil)
	shortLived, err := expiring.Authenticate(ctx, "chan-1", issued.KeyID, issued.SecretKey)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = svc.VerifySession(ctx, shortLived)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}
