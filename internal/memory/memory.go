package memory

import (
	"sync"
	"time"

	"github.com/haasonsaas/mxf/pkg/models"
)

// Defaults for the per-agent conversation window and side-logs.
const (
	DefaultMaxTurns     = 50
	DefaultMaxTokens    = 8000
	DefaultMaxActions   = 100
	DefaultMaxReasoning = 50
	DefaultReasoningAge = time.Hour
	approxBytesPerToken = 4
)

// Config bounds a ConversationMemory.
type Config struct {
	// MaxTurns caps the turn deque. Zero means DefaultMaxTurns.
	MaxTurns int

	// MaxTokens caps the approximate token footprint of the deque.
	// Whichever bound binds first triggers eviction. Zero means
	// DefaultMaxTokens.
	MaxTokens int

	// MaxActions caps the action log ring. Zero means
	// DefaultMaxActions.
	MaxActions int

	// MaxReasoning caps the reasoning log. Zero means
	// DefaultMaxReasoning.
	MaxReasoning int

	// ReasoningAge drops reasoning entries older than this window.
	// Zero means DefaultReasoningAge.
	ReasoningAge time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxTurns <= 0 {
		c.MaxTurns = DefaultMaxTurns
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.MaxActions <= 0 {
		c.MaxActions = DefaultMaxActions
	}
	if c.MaxReasoning <= 0 {
		c.MaxReasoning = DefaultMaxReasoning
	}
	if c.ReasoningAge <= 0 {
		c.ReasoningAge = DefaultReasoningAge
	}
	return c
}

// ConversationMemory is the per-agent sliding window of conversation
// turns plus two bounded side-logs. Turns are cleared between game turns;
// the side-logs persist across clears so later prompts keep a record of
// what the agent did.
type ConversationMemory struct {
	mu        sync.Mutex
	cfg       Config
	turns     []models.ConversationTurn
	actions   []models.ActionEntry // newest first
	reasoning []models.ReasoningEntry
	now       func() time.Time
}

// New creates a ConversationMemory with the given bounds.
func New(cfg Config) *ConversationMemory {
	return &ConversationMemory{
		cfg: cfg.withDefaults(),
		now: time.Now,
	}
}

// estimateTokens approximates the token footprint of a turn. Four bytes
// per token tracks close enough for windowing purposes.
func estimateTokens(t models.ConversationTurn) int {
	n := len(t.Content)
	for _, tc := range t.ToolCalls {
		n += len(tc.Name) + len(tc.Args)
	}
	for _, tr := range t.ToolResults {
		n += len(tr.Content)
	}
	tokens := n / approxBytesPerToken
	if tokens == 0 {
		tokens = 1
	}
	return tokens
}

// Append adds a turn, evicting the oldest turns when either the turn
// count or the approximate token budget would be exceeded. A turn that
// opens a tool-call/tool-result pair is evicted together with its
// resolution so providers never see an orphaned half.
func (m *ConversationMemory) Append(turn models.ConversationTurn) {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = m.now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.turns = append(m.turns, turn)
	m.evictLocked()
}

func (m *ConversationMemory) evictLocked() {
	for len(m.turns) > m.cfg.MaxTurns || m.tokensLocked() > m.cfg.MaxTokens {
		if len(m.turns) == 0 {
			return
		}
		drop := 1
		// Keep tool-call/tool-result pairs together.
		if len(m.turns) > 1 && len(m.turns[0].ToolCalls) > 0 && len(m.turns[1].ToolResults) > 0 {
			drop = 2
		}
		if drop >= len(m.turns) {
			m.turns = nil
			return
		}
		m.turns = m.turns[drop:]
	}
}

func (m *ConversationMemory) tokensLocked() int {
	total := 0
	for _, t := range m.turns {
		total += estimateTokens(t)
	}
	return total
}

// Turns returns a copy of the current window in order.
func (m *ConversationMemory) Turns() []models.ConversationTurn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ConversationTurn, len(m.turns))
	copy(out, m.turns)
	return out
}

// Len returns the number of turns in the window.
func (m *ConversationMemory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.turns)
}

// Clear empties the turn window. The action and reasoning logs persist.
// Clear is idempotent and safe while a session is active; the in-flight
// prompt is unaffected.
func (m *ConversationMemory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = nil
}

// RecordAction prepends an entry to the action log ring.
func (m *ConversationMemory) RecordAction(entry models.ActionEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = m.now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = append([]models.ActionEntry{entry}, m.actions...)
	if len(m.actions) > m.cfg.MaxActions {
		m.actions = m.actions[:m.cfg.MaxActions]
	}
}

// RecentActions returns up to limit entries, newest first. A limit of
// zero or less returns the whole log.
func (m *ConversationMemory) RecentActions(limit int) []models.ActionEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.actions)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]models.ActionEntry, n)
	copy(out, m.actions[:n])
	return out
}

// RecordReasoning appends a reasoning entry, pruning entries outside the
// time window and beyond the count bound.
func (m *ConversationMemory) RecordReasoning(entry models.ReasoningEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = m.now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reasoning = append(m.reasoning, entry)
	m.pruneReasoningLocked()
}

func (m *ConversationMemory) pruneReasoningLocked() {
	cutoff := m.now().Add(-m.cfg.ReasoningAge)
	kept := m.reasoning[:0]
	for _, e := range m.reasoning {
		if e.Timestamp.After(cutoff) {
			kept = append(kept, e)
		}
	}
	m.reasoning = kept
	if len(m.reasoning) > m.cfg.MaxReasoning {
		m.reasoning = m.reasoning[len(m.reasoning)-m.cfg.MaxReasoning:]
	}
}

// Reasoning returns the current reasoning window in order.
func (m *ConversationMemory) Reasoning() []models.ReasoningEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneReasoningLocked()
	out := make([]models.ReasoningEntry, len(m.reasoning))
	copy(out, m.reasoning)
	return out
}
