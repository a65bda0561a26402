// Package mcp manages external tool servers as supervised child
// processes speaking line-delimited JSON-RPC 2.0 on stdin/stdout.
// Servers are keyed by (channelID, serverID); the tools they announce
// are bridged into the tool registry scoped to that channel.
package mcp

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
)

// protocolVersion is the MCP protocol revision this client speaks.
const protocolVersion = "2024-11-05"

// Tool is a tool announced by a server via tools/list.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ToolCallResult is the result of tools/call.
type ToolCallResult struct {
	Content []ToolResultContent `json:"content"`
	IsError bool                `json:"isError,omitempty"`
}

// ToolResultContent is one piece of content inside a tool result.
type ToolResultContent struct {
	Type     string `json:"type"` // text | image | resource
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Text concatenates the text parts of the result.
func (r *ToolCallResult) Text() string {
	var b strings.Builder
	for _, c := range r.Content {
		if c.Type == "text" {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

// ServerInfo identifies the server, returned from initialize.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the result of the initialize handshake.
type InitializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
	ServerInfo      ServerInfo      `json:"serverInfo"`
}

// ListToolsResult is the result of tools/list.
type ListToolsResult struct {
	Tools []*Tool `json:"tools"`
}

// CallToolParams are the parameters of tools/call.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// JSON-RPC 2.0 envelope types.

type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonrpcNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

type jsonrpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *jsonrpcError) Error() string {
	return fmt.Sprintf("mcp: server error %d: %s", e.Code, e.Message)
}

// ValidateCommand rejects commands and arguments that look like shell
// injection or path traversal. Server specs come from the admin API, so
// this is a guard against misconfiguration rather than an attacker.
func ValidateCommand(command, workDir string, args []string) error {
	if command == "" {
		return fmt.Errorf("command is required")
	}
	if strings.Contains(filepath.Clean(command), "..") {
		return fmt.Errorf("command contains path traversal: %q", command)
	}
	if workDir != "" && strings.Contains(filepath.Clean(workDir), "..") {
		return fmt.Errorf("workdir contains path traversal: %q", workDir)
	}
	for i, arg := range args {
		if containsShellMetachars(arg) {
			return fmt.Errorf("arg[%d] contains shell metacharacters: %q", i, arg)
		}
	}
	return nil
}

func containsShellMetachars(s string) bool {
	// Only the patterns that suggest command chaining. Spaces and
	// quotes are common in legitimate args.
	patterns := []string{"$(", "${", "`", "&&", "||", ";", "|", ">", "<", "\n", "\r"}
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
