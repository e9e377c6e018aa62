// Package contextmgr builds and shapes per-request conversation state and
// keeps short-term agent memory.
package contextmgr

import (
	"time"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// Message is one immutable conversation turn.
type Message struct {
	ID        string         `json:"id,omitempty"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	AgentID   string         `json:"agentId,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// StudentProfile is the read-only learner record used to seed a context.
type StudentProfile struct {
	UserID           string `json:"userId"`
	DisplayName      string `json:"displayName,omitempty"`
	GradeLevel       string `json:"gradeLevel,omitempty"`
	PreferredDialect string `json:"preferredDialect,omitempty"`
	LearningStyle    string `json:"learningStyle,omitempty"`
	Language         string `json:"language,omitempty"`
}

// AgentContext is the state a single request carries through agents. It is a
// value: the With* methods return modified copies and never touch the
// receiver's history or maps.
type AgentContext struct {
	UserID    string             `json:"userId"`
	Profile   *StudentProfile    `json:"studentProfile,omitempty"`
	Dialect   string             `json:"preferredDialect,omitempty"`
	History   []Message          `json:"conversationHistory"`
	Topic     string             `json:"currentTopic,omitempty"`
	Mastery   map[string]float64 `json:"masteryLevels,omitempty"`
	SessionID string             `json:"sessionId"`
	Timestamp time.Time          `json:"timestamp"`
	Metadata  map[string]any     `json:"metadata,omitempty"`
}

// WithMessage returns a copy of c with m appended to the history.
func (c AgentContext) WithMessage(m Message) AgentContext {
	h := make([]Message, len(c.History), len(c.History)+1)
	copy(h, c.History)
	c.History = append(h, m)
	return c
}

// WithHistory returns a copy of c with its history replaced.
func (c AgentContext) WithHistory(h []Message) AgentContext {
	c.History = append([]Message(nil), h...)
	return c
}

// WithMastery returns a copy of c with the given mastery levels.
func (c AgentContext) WithMastery(m map[string]float64) AgentContext {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	c.Mastery = out
	return c
}

// WithMetadata returns a copy of c with key set in its metadata.
func (c AgentContext) WithMetadata(key string, value any) AgentContext {
	md := make(map[string]any, len(c.Metadata)+1)
	for k, v := range c.Metadata {
		md[k] = v
	}
	md[key] = value
	c.Metadata = md
	return c
}

// LastUserMessage returns the most recent user turn.
func (c AgentContext) LastUserMessage() (Message, bool) {
	for i := len(c.History) - 1; i >= 0; i-- {
		if c.History[i].Role == RoleUser {
			return c.History[i], true
		}
	}
	return Message{}, false
}

// MemoryEntry is one value an agent remembers about a user.
type MemoryEntry struct {
	UserID    string     `json:"userId"`
	AgentID   string     `json:"agentId"`
	Key       string     `json:"key"`
	Value     any        `json:"value"`
	Timestamp time.Time  `json:"timestamp"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Expired reports whether the entry has passed its expiry at now.
func (e MemoryEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// Config holds context manager settings.
type Config struct {
	MaxHistory      int           // messages kept by TrimHistory (0 = unlimited)
	MaxTokens       int           // history token budget before compaction
	MemoryTTL       time.Duration // default expiry for memory entries (0 = none)
	MaxMemoryPerKey int           // entries kept per (user, agent) (0 = unlimited)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxHistory:      20,
		MaxTokens:       8000,
		MemoryTTL:       7 * 24 * time.Hour,
		MaxMemoryPerKey: 50,
	}
}
