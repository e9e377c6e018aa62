package contextmgr

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/maestro/internal/provider"
	"go.uber.org/zap"
)

// Manager builds and compacts agent contexts and owns the memory store.
type Manager struct {
	config Config
	router *provider.Router
	memory *MemoryStore
	logger *zap.Logger
	now    func() time.Time
}

// NewManager creates a context manager. router is used for history
// summarization and may be nil, in which case compaction only trims.
func NewManager(cfg Config, router *provider.Router, memory *MemoryStore, logger *zap.Logger) *Manager {
	def := DefaultConfig()
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if memory == nil {
		memory = NewMemoryStore(cfg, nil, logger)
	}
	return &Manager{
		config: cfg,
		router: router,
		memory: memory,
		logger: logger,
		now:    time.Now,
	}
}

// Config returns the manager's settings.
func (m *Manager) Config() Config { return m.config }

// Memory returns the manager's memory store.
func (m *Manager) Memory() *MemoryStore { return m.memory }

// BuildContext creates the context for a new request: history plus the
// new user message. The dialect comes from the conversation when detectable
// and from the profile otherwise.
func (m *Manager) BuildContext(userID, input string, profile *StudentProfile, history []Message, sessionID string) AgentContext {
	now := m.now()
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	c := AgentContext{
		UserID:    userID,
		Profile:   profile,
		SessionID: sessionID,
		Timestamp: now,
	}.WithHistory(history).WithMessage(Message{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Content:   input,
		Timestamp: now,
	})

	c.Dialect = DetectDialect(c.History)
	if c.Dialect == "" && profile != nil {
		c.Dialect = profile.PreferredDialect
	}
	c.Topic = DetectTopic(c.History)
	return c
}

// TrimHistory returns at most max of the most recent messages. System
// messages always survive regardless of position; max <= 0 keeps everything.
func TrimHistory(history []Message, max int) []Message {
	if max <= 0 || len(history) <= max {
		return append([]Message(nil), history...)
	}
	system := 0
	for _, msg := range history {
		if msg.Role == RoleSystem {
			system++
		}
	}
	keep := max - system
	if keep < 0 {
		keep = 0
	}

	// Walk backwards so the newest non-system turns win.
	kept := make([]bool, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		switch {
		case history[i].Role == RoleSystem:
			kept[i] = true
		case keep > 0:
			kept[i] = true
			keep--
		}
	}
	out := make([]Message, 0, max)
	for i, msg := range history {
		if kept[i] {
			out = append(out, msg)
		}
	}
	return out
}

// Speaker labels used by FormatHistory.
var (
	LabelUser   = "الطالب"
	LabelSystem = "النظام"
	LabelAgent  = "المعلم"
)

// FormatHistory renders turns as "label: content", one per line.
func FormatHistory(history []Message) string {
	var b strings.Builder
	for i, msg := range history {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %s", speakerLabel(msg), msg.Content)
	}
	return b.String()
}

func speakerLabel(msg Message) string {
	switch msg.Role {
	case RoleUser:
		return LabelUser
	case RoleSystem:
		return LabelSystem
	default:
		if msg.AgentID != "" {
			return msg.AgentID
		}
		return LabelAgent
	}
}

// EstimateTokens is a rough four-bytes-per-token estimate.
func EstimateTokens(s string) int {
	return len(s) / 4
}

// IsContextTooLarge reports whether the formatted history exceeds maxTokens.
func IsContextTooLarge(c AgentContext, maxTokens int) bool {
	return EstimateTokens(FormatHistory(c.History)) > maxTokens
}

// Compact shrinks c's history until it fits the token budget. The older
// half of the conversation is summarized through the cheap model tier; if
// that fails, it is dropped instead. System messages are kept.
func (m *Manager) Compact(ctx context.Context, c AgentContext) AgentContext {
	for IsContextTooLarge(c, m.config.MaxTokens) {
		var system, turns []Message
		for _, msg := range c.History {
			if msg.Role == RoleSystem {
				system = append(system, msg)
			} else {
				turns = append(turns, msg)
			}
		}
		if len(turns) <= 2 {
			return c
		}

		cut := len(turns) / 2
		old, recent := turns[:cut], turns[cut:]
		next := append([]Message(nil), system...)

		summary, err := m.summarize(ctx, FormatHistory(old))
		if err != nil {
			m.logger.Warn("history summarization failed, truncating",
				zap.String("session", c.SessionID), zap.Error(err))
		} else {
			next = append(next, Message{
				ID:        uuid.NewString(),
				Role:      RoleSystem,
				Content:   "[ملخص المحادثة السابقة]\n" + summary,
				Timestamp: old[len(old)-1].Timestamp,
			})
		}
		c = c.WithHistory(append(next, recent...))
		m.logger.Debug("compacted history",
			zap.String("session", c.SessionID),
			zap.Int("dropped", len(old)),
			zap.Bool("summarized", err == nil))
	}
	return c
}

func (m *Manager) summarize(ctx context.Context, text string) (string, error) {
	if m.router == nil {
		return "", fmt.Errorf("no router available for summarization")
	}
	resp, err := m.router.Route(ctx, provider.TierCheap, &provider.ChatRequest{
		System: "Summarize the tutoring conversation concisely. Keep the problem being solved, " +
			"what the student already understood, and any open questions.",
		Messages:  []provider.Message{{Role: "user", Content: text}},
		MaxTokens: 512,
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Content) == "" {
		return "", fmt.Errorf("empty summary")
	}
	return resp.Content, nil
}
