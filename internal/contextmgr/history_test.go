package contextmgr

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nidhogg/maestro/internal/provider"
	"github.com/nidhogg/maestro/internal/provider/providertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func msgs(roles ...Role) []Message {
	out := make([]Message, len(roles))
	for i, r := range roles {
		out[i] = Message{Role: r, Content: string(r) + "-" + string(rune('a'+i))}
	}
	return out
}

func TestBuildContextAppendsUserMessage(t *testing.T) {
	m := NewManager(DefaultConfig(), nil, nil, zap.NewNop())
	history := msgs(RoleUser, RoleAgent)

	c := m.BuildContext("u1", "كيف أحل المعادلة", nil, history, "")
	require.Len(t, c.History, 3)
	last := c.History[2]
	assert.Equal(t, RoleUser, last.Role)
	assert.Equal(t, "كيف أحل المعادلة", last.Content)
	assert.False(t, last.Timestamp.IsZero())
	assert.NotEmpty(t, c.SessionID)
	assert.Len(t, history, 2, "caller history must not grow")

	c2 := m.BuildContext("u1", "hi", nil, nil, "s-1")
	assert.Equal(t, "s-1", c2.SessionID)
	assert.Len(t, c2.History, 1)
}

func TestBuildContextDialectFallback(t *testing.T) {
	m := NewManager(DefaultConfig(), nil, nil, zap.NewNop())
	profile := &StudentProfile{UserID: "u1", PreferredDialect: DialectGulf}

	c := m.BuildContext("u1", "اشرح لي الكسور", profile, nil, "")
	assert.Equal(t, DialectGulf, c.Dialect)

	c = m.BuildContext("u1", "عايز افهم الكسور ازاي", profile, nil, "")
	assert.Equal(t, DialectEgyptian, c.Dialect)
}

func TestTrimHistoryKeepsSystemAndIsIdempotent(t *testing.T) {
	history := msgs(RoleSystem, RoleUser, RoleAgent, RoleUser, RoleSystem, RoleAgent, RoleUser)

	trimmed := TrimHistory(history, 4)
	require.Len(t, trimmed, 4)
	assert.Equal(t, history[0], trimmed[0])
	assert.Equal(t, history[4], trimmed[1])
	assert.Equal(t, history[5], trimmed[2])
	assert.Equal(t, history[6], trimmed[3])

	assert.Equal(t, trimmed, TrimHistory(trimmed, 4))

	// More system messages than the limit: all of them survive.
	onlySystem := TrimHistory(history, 1)
	assert.Equal(t, []Message{history[0], history[4]}, onlySystem)
	assert.Equal(t, onlySystem, TrimHistory(onlySystem, 1))

	assert.Equal(t, history, TrimHistory(history, 0))
}

func TestFormatHistory(t *testing.T) {
	history := []Message{
		{Role: RoleSystem, Content: "be kind"},
		{Role: RoleUser, Content: "what is 2+2"},
		{Role: RoleAgent, AgentID: "narrator", Content: "4"},
		{Role: RoleAgent, Content: "anything else?"},
	}
	want := LabelSystem + ": be kind\n" + LabelUser + ": what is 2+2\nnarrator: 4\n" + LabelAgent + ": anything else?"
	assert.Equal(t, want, FormatHistory(history))
}

func TestIsContextTooLarge(t *testing.T) {
	c := AgentContext{History: []Message{{Role: RoleUser, Content: strings.Repeat("a", 400)}}}
	assert.False(t, IsContextTooLarge(c, 200))
	assert.True(t, IsContextTooLarge(c, 50))
}

func TestCompactSummarizesOldHalf(t *testing.T) {
	fake := providertest.New("p", func(_ context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		return &provider.ChatResponse{Content: "short summary"}, nil
	})
	router := providertest.Router(fake, provider.NewRouter(zap.NewNop()))
	m := NewManager(Config{MaxTokens: 80}, router, nil, zap.NewNop())

	c := AgentContext{SessionID: "s"}
	for i := 0; i < 8; i++ {
		c = c.WithMessage(Message{Role: RoleUser, Content: strings.Repeat("x", 40)})
	}
	out := m.Compact(context.Background(), c)

	assert.False(t, IsContextTooLarge(out, 80))
	require.NotEmpty(t, out.History)
	assert.Equal(t, RoleSystem, out.History[0].Role)
	assert.Contains(t, out.History[0].Content, "short summary")
	assert.Len(t, c.History, 8, "input context must not change")
	assert.NotEmpty(t, fake.Requests())
}

func TestCompactTruncatesWhenSummaryFails(t *testing.T) {
	fake := providertest.New("p", func(context.Context, *provider.ChatRequest) (*provider.ChatResponse, error) {
		return nil, errors.New("down")
	})
	router := providertest.Router(fake, provider.NewRouter(zap.NewNop()))
	m := NewManager(Config{MaxTokens: 30}, router, nil, zap.NewNop())

	c := AgentContext{}
	for i := 0; i < 8; i++ {
		c = c.WithMessage(Message{Role: RoleUser, Content: strings.Repeat("y", 40)})
	}
	out := m.Compact(context.Background(), c)
	assert.Less(t, len(out.History), 8)
	for _, msg := range out.History {
		assert.Equal(t, RoleUser, msg.Role)
	}
}

func TestWithMessageDoesNotAlias(t *testing.T) {
	base := AgentContext{History: make([]Message, 1, 10)}
	a := base.WithMessage(Message{Content: "a"})
	b := base.WithMessage(Message{Content: "b"})
	assert.Equal(t, "a", a.History[1].Content)
	assert.Equal(t, "b", b.History[1].Content)
	assert.Len(t, base.History, 1)
}

func TestLastUserMessage(t *testing.T) {
	c := AgentContext{History: []Message{
		{Role: RoleUser, Content: "first", Timestamp: time.Unix(1, 0)},
		{Role: RoleAgent, Content: "reply"},
	}}
	m, ok := c.LastUserMessage()
	require.True(t, ok)
	assert.Equal(t, "first", m.Content)
}
