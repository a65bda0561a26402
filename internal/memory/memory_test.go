package memory

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/mxf/pkg/models"
)

func TestAppendEvictsByTurnCount(t *testing.T) {
	m := New(Config{MaxTurns: 3})
	for i := 0; i < 5; i++ {
		m.Append(models.ConversationTurn{
			Role:    models.RoleUser,
			Content: fmt.Sprintf("turn %d", i),
		})
	}
	turns := m.Turns()
	require.Len(t, turns, 3)
	assert.Equal(t, "turn 2", turns[0].Content)
	assert.Equal(t, "turn 4", turns[2].Content)
}

func TestAppendEvictsByTokenBudget(t *testing.T) {
	// ~100 tokens per turn at 4 bytes/token.
	big := strings.Repeat("x", 400)
	m := New(Config{MaxTurns: 50, MaxTokens: 250})
	for i := 0; i < 4; i++ {
		m.Append(models.ConversationTurn{Role: models.RoleUser, Content: big})
	}
	assert.LessOrEqual(t, m.Len(), 2)
}

func TestEvictionKeepsToolCallPairsTogether(t *testing.T) {
	m := New(Config{MaxTurns: 2})
	m.Append(models.ConversationTurn{
		Role:      models.RoleAssistant,
		ToolCalls: []models.ToolCall{{ID: "c1", Name: "lookup"}},
	})
	m.Append(models.ConversationTurn{
		Role:        models.RoleToolResult,
		ToolResults: []models.ToolResult{{ToolCallID: "c1", Content: "ok"}},
	})
	m.Append(models.ConversationTurn{Role: models.RoleUser, Content: "next"})

	turns := m.Turns()
	// The call/result pair is evicted together, never leaving an
	// orphaned result at the head.
	require.Len(t, turns, 1)
	assert.Equal(t, models.RoleUser, turns[0].Role)
}

func TestClearIsIdempotentAndKeepsLogs(t *testing.T) {
	m := New(Config{})
	m.Append(models.ConversationTurn{Role: models.RoleUser, Content: "hello"})
	m.RecordAction(models.ActionEntry{Tool: "lookup"})
	m.RecordReasoning(models.ReasoningEntry{Content: "thinking"})

	m.Clear()
	m.Clear()

	assert.Zero(t, m.Len())
	assert.Len(t, m.RecentActions(0), 1)
	assert.Len(t, m.Reasoning(), 1)
}

func TestActionLogIsNewestFirstAndBounded(t *testing.T) {
	m := New(Config{MaxActions: 3})
	for i := 0; i < 5; i++ {
		m.RecordAction(models.ActionEntry{Tool: fmt.Sprintf("tool-%d", i)})
	}
	actions := m.RecentActions(0)
	require.Len(t, actions, 3)
	assert.Equal(t, "tool-4", actions[0].Tool)
	assert.Equal(t, "tool-2", actions[2].Tool)

	limited := m.RecentActions(2)
	require.Len(t, limited, 2)
	assert.Equal(t, "tool-4", limited[0].Tool)
}

func TestReasoningLogPrunesByAge(t *testing.T) {
	m := New(Config{ReasoningAge: time.Minute})
	now := time.Now()
	m.now = func() time.Time { return now }

	m.RecordReasoning(models.ReasoningEntry{Content: "old", Timestamp: now.Add(-2 * time.Minute)})
	m.RecordReasoning(models.ReasoningEntry{Content: "fresh"})

	entries := m.Reasoning()
	require.Len(t, entries, 1)
	assert.Equal(t, "fresh", entries[0].Content)
}

func TestReasoningLogBoundedByCount(t *testing.T) {
	m := New(Config{MaxReasoning: 2})
	for i := 0; i < 4; i++ {
		m.RecordReasoning(models.ReasoningEntry{Content: fmt.Sprintf("r%d", i)})
	}
	entries := m.Reasoning()
	require.Len(t, entries, 2)
	assert.Equal(t, "r2", entries[0].Content)
	assert.Equal(t, "r3", entries[1].Content)
}
