package llm

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/mxf/pkg/models"
)

// embeddedCall is the fallback tool-call shape some models emit inside
// assistant text when native tool use is unavailable:
//
//	{"tool": "<name>", "args": {...}}
//
// At most one embedded call per message is recognized.
type embeddedCall struct {
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args"`
}

// Parse normalizes a provider response: native tool calls are carried
// through, and when none are present the assistant text is scanned for
// one embedded-JSON tool call. Extracted calls receive generated ids.
func Parse(resp *Response) *ParsedResponse {
	parsed := &ParsedResponse{
		Reasoning: resp.Reasoning,
		Text:      resp.Text,
	}

	if len(resp.ToolCalls) > 0 {
		parsed.ToolCalls = make([]models.ToolCall, len(resp.ToolCalls))
		copy(parsed.ToolCalls, resp.ToolCalls)
		for i := range parsed.ToolCalls {
			if parsed.ToolCalls[i].ID == "" {
				parsed.ToolCalls[i].ID = uuid.NewString()
			}
		}
		return parsed
	}

	call, rest, ok := extractEmbedded(resp.Text)
	if !ok {
		return parsed
	}
	args := call.Args
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	parsed.Text = rest
	parsed.ToolCalls = []models.ToolCall{{
		ID:   uuid.NewString(),
		Name: call.Tool,
		Args: args,
	}}
	return parsed
}

// extractEmbedded finds the first JSON object in text that decodes to an
// embedded call, returning the call and the text with the object
// removed.
func extractEmbedded(text string) (embeddedCall, string, bool) {
	for start := 0; start < len(text); start++ {
		if text[start] != '{' {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(text[start:]))
		var call embeddedCall
		if err := dec.Decode(&call); err != nil || call.Tool == "" {
			continue
		}
		end := start + int(dec.InputOffset())
		rest := strings.TrimSpace(text[:start] + text[end:])
		return call, rest, true
	}
	return embeddedCall{}, text, false
}
