package prompt

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/mxf/internal/tools"
	"github.com/haasonsaas/mxf/pkg/models"
)

// Defaults for the bounded prompt blocks.
const (
	DefaultMaxActions         = 20
	DefaultMaxChannelActivity = 5
)

// Inputs is everything the assembler needs for one LLM request. The
// assembler is deterministic over Inputs: equal inputs produce
// byte-identical prompts, so provider-side prefix caches stay warm
// between iterations.
type Inputs struct {
	AgentID      string
	AgentName    string
	SystemPrompt string

	Task  *models.Task
	Turns []models.ConversationTurn

	// Actions is the newest-first action log excerpt.
	Actions []models.ActionEntry

	// ChannelActivity is a digest of recent channel-wide action
	// summaries.
	ChannelActivity []string

	Tools []models.ToolDescriptor

	// MaxActions and MaxChannelActivity bound their blocks. Zero means
	// the defaults (20 and 5).
	MaxActions         int
	MaxChannelActivity int
}

// Prompt is the assembled request handed to the LLM gateway: a stable
// system block, the filtered tool catalog, and the conversation turns in
// order.
type Prompt struct {
	System   string
	Tools    []models.ToolDescriptor
	Messages []models.ConversationTurn
}

// Decorator rewrites assembler inputs before assembly. Decorators run in
// registration order; with none registered, output matches the base
// layout exactly. Compaction and knowledge-graph integrations hook in
// here.
type Decorator func(*Inputs)

// Assembler builds deterministic prompts from agent state.
type Assembler struct {
	decorators []Decorator
}

// NewAssembler creates an assembler with the given decorator chain.
func NewAssembler(decorators ...Decorator) *Assembler {
	return &Assembler{decorators: decorators}
}

// Use appends a decorator to the chain.
func (a *Assembler) Use(d Decorator) {
	a.decorators = append(a.decorators, d)
}

// Assemble produces the ordered prompt sequence: system block, tool
// catalog, recent actions, channel activity, task block, then the
// conversation turns.
func (a *Assembler) Assemble(in Inputs) Prompt {
	for _, d := range a.decorators {
		d(&in)
	}
	if in.MaxActions <= 0 {
		in.MaxActions = DefaultMaxActions
	}
	if in.MaxChannelActivity <= 0 {
		in.MaxChannelActivity = DefaultMaxChannelActivity
	}

	var b strings.Builder

	// System block: identity plus behavior prompt.
	fmt.Fprintf(&b, "You are %s (agent id: %s).\n", in.AgentName, in.AgentID)
	if in.SystemPrompt != "" {
		b.WriteString(in.SystemPrompt)
		if !strings.HasSuffix(in.SystemPrompt, "\n") {
			b.WriteByte('\n')
		}
	}

	// Tool catalog block.
	if len(in.Tools) > 0 {
		b.WriteString("\n## Available tools\n")
		for _, t := range in.Tools {
			fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
			if len(t.InputSchema) > 0 {
				fmt.Fprintf(&b, "  schema: %s\n", string(t.InputSchema))
			}
		}
	}

	// Recent-actions block, newest first.
	actions := in.Actions
	if len(actions) > in.MaxActions {
		actions = actions[:in.MaxActions]
	}
	if len(actions) > 0 {
		b.WriteString("\n## Your recent actions (newest first)\n")
		for _, entry := range actions {
			fmt.Fprintf(&b, "- %s\n", tools.Describe(entry.Tool, entry))
		}
	}

	// Channel-activity block.
	activity := in.ChannelActivity
	if len(activity) > in.MaxChannelActivity {
		activity = activity[:in.MaxChannelActivity]
	}
	if len(activity) > 0 {
		b.WriteString("\n## Recent channel activity\n")
		for _, line := range activity {
			fmt.Fprintf(&b, "- %s\n", line)
		}
	}

	// Task block.
	if in.Task != nil {
		b.WriteString("\n## Current task\n")
		fmt.Fprintf(&b, "%s\n", in.Task.Title)
		if in.Task.Description != "" {
			fmt.Fprintf(&b, "%s\n", in.Task.Description)
		}
	}

	messages := make([]models.ConversationTurn, len(in.Turns))
	copy(messages, in.Turns)

	return Prompt{
		System:   b.String(),
		Tools:    in.Tools,
		Messages: messages,
	}
}
