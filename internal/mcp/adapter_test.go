package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/mxf/internal/tools"
	"github.com/haasonsaas/mxf/pkg/models"
)

func TestValidateCommand(t *testing.T) {
	cases := []struct {
		name    string
		command string
		workDir string
		args    []string
		wantErr string
	}{
		{name: "valid", command: "npx", args: []string{"-y", "@modelcontextprotocol/server-filesystem", "/tmp/data"}},
		{name: "valid with spaces in args", command: "python3", args: []string{"-c", "print('hello world')"}},
		{name: "empty command", wantErr: "command is required"},
		{name: "traversal in command", command: "../../bin/sh", wantErr: "path traversal"},
		{name: "traversal in workdir", command: "npx", workDir: "../outside", wantErr: "path traversal"},
		{name: "command substitution", command: "npx", args: []string{"$(rm -rf /)"}, wantErr: "shell metacharacters"},
		{name: "chaining", command: "npx", args: []string{"a && b"}, wantErr: "shell metacharacters"},
		{name: "pipe", command: "npx", args: []string{"cat|sh"}, wantErr: "shell metacharacters"},
		{name: "redirect", command: "npx", args: []string{"> /etc/passwd"}, wantErr: "shell metacharacters"},
		{name: "newline", command: "npx", args: []string{"a\nb"}, wantErr: "shell metacharacters"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateCommand(tc.command, tc.workDir, tc.args)
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestNextBackoff(t *testing.T) {
	assert.Equal(t, 2*time.Second, nextBackoff(time.Second))
	assert.Equal(t, 32*time.Second, nextBackoff(16*time.Second))
	// The delay is capped.
	assert.Equal(t, maxBackoff, nextBackoff(40*time.Second))
	assert.Equal(t, maxBackoff, nextBackoff(maxBackoff))
}

func TestEqualStrings(t *testing.T) {
	assert.True(t, equalStrings(nil, nil))
	assert.True(t, equalStrings([]string{"a", "b"}, []string{"a", "b"}))
	assert.False(t, equalStrings([]string{"a"}, []string{"a", "b"}))
	assert.False(t, equalStrings([]string{"a", "b"}, []string{"a", "c"}))
}

func TestToolCallResultText(t *testing.T) {
	result := &ToolCallResult{Content: []ToolResultContent{
		{Type: "text", Text: "part one"},
		{Type: "image", Data: "base64..."},
		{Type: "text", Text: " part two"},
	}}
	assert.Equal(t, "part one part two", result.Text())

	empty := &ToolCallResult{}
	assert.Equal(t, "", empty.Text())
}

func TestJSONRPCErrorMessage(t *testing.T) {
	err := &jsonrpcError{Code: -32601, Message: "method not found"}
	assert.Equal(t, "mcp: server error -32601: method not found", err.Error())
}

func TestTransportRejectsCallsBeforeStart(t *testing.T) {
	transport := NewStdioTransport(TransportOptions{Command: "true"})

	_, err := transport.Call(context.Background(), "tools/list", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")

	err = transport.Notify("notifications/initialized", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")
}

func TestRegisterRejectsInvalidSpec(t *testing.T) {
	a := NewAdapter(nil, nil, tools.NewRegistry(nil), nil)
	defer a.Close()

	err := a.Register(context.Background(), "chan-1", models.MCPServerSpec{
		ID:      "fs",
		Command: "../escape",
	})
	require.Error(t, err)
	assert.Empty(t, a.Status())
}

func TestRegisterAfterCloseFails(t *testing.T) {
	a := NewAdapter(nil, nil, tools.NewRegistry(nil), nil)
	a.Close()

	err := a.Register(context.Background(), "chan-1", models.MCPServerSpec{
		ID:      "fs",
		Command: "npx",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed")
}

func TestBridgedToolFailsFastWhileServerDown(t *testing.T) {
	a := NewAdapter(nil, nil, tools.NewRegistry(nil), nil)
	defer a.Close()

	s := &supervised{
		key:    serverKey{channelID: "chan-1", serverID: "fs"},
		spec:   models.MCPServerSpec{ID: "fs", Command: "npx"},
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	bridged := a.bridgedTool(s, &Tool{
		Name:        "read_file",
		Description: "reads a file",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	})

	desc := bridged.Descriptor()
	assert.Equal(t, "read_file", desc.Name)
	assert.Equal(t, models.OriginChannelMCP, desc.Origin)
	assert.Equal(t, "fs", desc.ProviderID)

	result := bridged.Execute(context.Background(), &tools.Invocation{
		CallID: "c1",
		Args:   json.RawMessage(`{}`),
	})
	require.False(t, result.OK())
	assert.Equal(t, models.KindProviderUnavailable, result.Kind)
	assert.Contains(t, result.Detail, "server is down")
}

func TestStatusSortsByChannelThenServer(t *testing.T) {
	a := NewAdapter(nil, nil, tools.NewRegistry(nil), nil)
	defer a.Close()

	for _, key := range []serverKey{
		{channelID: "chan-b", serverID: "s1"},
		{channelID: "chan-a", serverID: "s2"},
		{channelID: "chan-a", serverID: "s1"},
	} {
		done := make(chan struct{})
		close(done) // no supervisor is running for these entries
		a.mu.Lock()
		a.servers[key] = &supervised{
			key:    key,
			stopCh: make(chan struct{}),
			done:   done,
		}
		a.mu.Unlock()
	}

	status := a.Status()
	require.Len(t, status, 3)
	assert.Equal(t, "chan-a", status[0].ChannelID)
	assert.Equal(t, "s1", status[0].ServerID)
	assert.Equal(t, "s2", status[1].ServerID)
	assert.Equal(t, "chan-b", status[2].ChannelID)
	assert.False(t, status[0].Connected)
}
