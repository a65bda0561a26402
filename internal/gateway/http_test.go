package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/mxf/internal/admin"
	"github.com/haasonsaas/mxf/internal/hub"
	"github.com/haasonsaas/mxf/internal/store"
	"github.com/haasonsaas/mxf/internal/userinput"
	"github.com/haasonsaas/mxf/pkg/models"
)

const testAdminToken = "test-admin-token"

type apiHarness struct {
	t       *testing.T
	handler http.Handler
	hub     *hub.Hub
	bridge  *userinput.Bridge
	admin   *admin.Service
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	records := store.NewRecords(store.NewMemoryKV())
	h := hub.New(nil, nil, records, nil)
	bridge := userinput.New(nil, nil, h)
	adminSvc := admin.New(nil, admin.Config{
		AdminToken:    testAdminToken,
		SessionSecret: []byte("0123456789abcdef0123456789abcdef"),
		SessionTTL:    time.Minute,
	}, records, h, nil)

	s := NewServer(nil, Config{}, adminSvc, h, records, bridge, nil, nil, nil)
	return &apiHarness{
		t:       t,
		handler: s.routes(),
		hub:     h,
		bridge:  bridge,
		admin:   adminSvc,
	}
}

func (a *apiHarness) do(method, path, token string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(a.t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func (a *apiHarness) createChannel(id string) {
	a.t.Helper()
	rec := a.do(http.MethodPost, "/api/admin/channels", testAdminToken, admin.ChannelSpec{
		ID:   id,
		Name: "test channel",
	})
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (a *apiHarness) registerAgent(channelID, agentID string) {
	a.t.Helper()
	rec := a.do(http.MethodPost, "/api/admin/channels/"+channelID+"/agents", testAdminToken, admin.AgentSpec{
		ID:   agentID,
		Name: "agent " + agentID,
	})
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestHealthz(t *testing.T) {
	a := newAPIHarness(t)
	rec := a.do(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	decodeResponse(t, rec, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestAdminRoutesRequireToken(t *testing.T) {
	a := newAPIHarness(t)

	rec := a.do(http.MethodPost, "/api/admin/channels", "", admin.ChannelSpec{Name: "x"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = a.do(http.MethodPost, "/api/admin/channels", "wrong-token", admin.ChannelSpec{Name: "x"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChannelLifecycleOverHTTP(t *testing.T) {
	a := newAPIHarness(t)
	a.createChannel("chan-1")

	// Duplicate IDs conflict.
	rec := a.do(http.MethodPost, "/api/admin/channels", testAdminToken, admin.ChannelSpec{
		ID:   "chan-1",
		Name: "again",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = a.do(http.MethodDelete, "/api/admin/channels/chan-1", testAdminToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(http.MethodDelete, "/api/admin/channels/chan-1", testAdminToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestKeyIssuanceAndSessionAuth(t *testing.T) {
	a := newAPIHarness(t)
	a.createChannel("chan-1")

	rec := a.do(http.MethodPost, "/api/admin/channels/chan-1/keys", testAdminToken, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var issued admin.IssuedKey
	decodeResponse(t, rec, &issued)
	assert.NotEmpty(t, issued.SecretKey)

	// Listings never expose secret material.
	rec = a.do(http.MethodGet, "/api/admin/channels/chan-1/keys", testAdminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), issued.SecretKey)
	assert.NotContains(t, rec.Body.String(), "secret_hash")
	assert.Contains(t, rec.Body.String(), issued.KeyID)

	rec = a.do(http.MethodPost, "/api/auth/session", "", map[string]string{
		"channel_id": "chan-1",
		"key_id":     issued.KeyID,
		"secret_key": issued.SecretKey,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var session map[string]string
	decodeResponse(t, rec, &session)
	assert.NotEmpty(t, session["token"])

	rec = a.do(http.MethodPost, "/api/auth/session", "", map[string]string{
		"channel_id": "chan-1",
		"key_id":     issued.KeyID,
		"secret_key": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = a.do(http.MethodDelete, "/api/admin/keys/"+issued.KeyID, testAdminToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(http.MethodPost, "/api/auth/session", "", map[string]string{
		"channel_id": "chan-1",
		"key_id":     issued.KeyID,
		"secret_key": issued.SecretKey,
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTaskEndpoints(t *testing.T) {
	a := newAPIHarness(t)
	a.createChannel("chan-1")
	a.registerAgent("chan-1", "agent-1")

	// Validation failures are 400s.
	rec := a.do(http.MethodPost, "/api/tasks", "", hub.TaskSpec{
		ChannelID: "chan-1",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Unknown channels are 404s.
	rec = a.do(http.MethodPost, "/api/tasks", "", hub.TaskSpec{
		ChannelID:        "missing",
		Title:            "t",
		AssignedAgentIDs: []string{"agent-1"},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(http.MethodPost, "/api/tasks", "", hub.TaskSpec{
		ChannelID:        "chan-1",
		Title:            "do the thing",
		AssignedAgentIDs: []string{"agent-1"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created map[string]string
	decodeResponse(t, rec, &created)
	taskID := created["task_id"]
	require.NotEmpty(t, taskID)

	rec = a.do(http.MethodGet, "/api/tasks/"+taskID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var task models.Task
	decodeResponse(t, rec, &task)
	assert.Equal(t, "do the thing", task.Title)

	rec = a.do(http.MethodPost, "/api/tasks/"+taskID+"/cancel", "", map[string]string{"reason": "changed my mind"})
	assert.Equal(t, http.StatusOK, rec.Code)

	// Cancelling a terminal task conflicts.
	rec = a.do(http.MethodPost, "/api/tasks/"+taskID+"/cancel", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = a.do(http.MethodGet, "/api/tasks/never-made", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInputEndpoints(t *testing.T) {
	a := newAPIHarness(t)

	id, err := a.bridge.AskAsync(&models.UserInputRequest{
		AgentID: "agent-1",
		Type:    models.InputText,
		Prompt:  "which color?",
	})
	require.NoError(t, err)

	rec := a.do(http.MethodGet, "/api/inputs", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "which color?")

	rec = a.do(http.MethodPost, "/api/inputs/"+id+"/respond", "", map[string]any{"value": "blue"})
	assert.Equal(t, http.StatusOK, rec.Code)

	// Double-responding conflicts; unknown requests are 404s.
	rec = a.do(http.MethodPost, "/api/inputs/"+id+"/respond", "", map[string]any{"value": "red"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = a.do(http.MethodPost, "/api/inputs/unknown/respond", "", map[string]any{"value": "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = a.do(http.MethodPost, "/api/inputs/"+id+"/cancel", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	got, ok := a.bridge.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, models.RequestResponded, got.State)
	assert.JSONEq(t, `"blue"`, string(got.Value))
}

func TestUnknownFieldsRejected(t *testing.T) {
	a := newAPIHarness(t)
	rec := a.do(http.MethodPost, "/api/tasks", "", map[string]any{
		"channel_id": "chan-1",
		"title":      "t",
		"surprise":   true,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMCPStatusWithoutAdapter(t *testing.T) {
	a := newAPIHarness(t)
	rec := a.do(http.MethodGet, "/api/admin/mcp-servers", testAdminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	decodeResponse(t, rec, &body)
	assert.Empty(t, body["servers"])
}

func TestRegisterAgentUnknownChannel(t *testing.T) {
	a := newAPIHarness(t)
	rec := a.do(http.MethodPost, "/api/admin/channels/missing/agents", testAdminToken, admin.AgentSpec{Name: "A"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
