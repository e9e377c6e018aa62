package agent

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nidhogg/maestro/internal/contextmgr"
	"github.com/nidhogg/maestro/internal/provider"
	"github.com/nidhogg/maestro/internal/ratelimit"
	"github.com/nidhogg/maestro/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubAgent struct {
	cfg   Config
	calls atomic.Int32
	fn    func(ctx context.Context, input string, c contextmgr.AgentContext) (*Response, error)
}

func (s *stubAgent) Config() Config { return s.cfg }

func (s *stubAgent) Execute(ctx context.Context, input string, c contextmgr.AgentContext, _ Options) (*Response, error) {
	s.calls.Add(1)
	return s.fn(ctx, input, c)
}

func okAgent(id string, caps ...Capability) *stubAgent {
	return &stubAgent{
		cfg: Config{ID: id, DisplayName: strings.ToUpper(id), Tier: TierContent, DefaultModel: provider.TierCheap, Capabilities: caps},
		fn: func(_ context.Context, input string, _ contextmgr.AgentContext) (*Response, error) {
			return &Response{Content: "answer to " + input, ModelTier: provider.TierCheap, TokensUsed: Tokens{Input: 10, Output: 5}}, nil
		},
	}
}

func testPipeline(limiters *ratelimit.Set) (*Pipeline, *contextmgr.Manager) {
	mgr := contextmgr.NewManager(contextmgr.DefaultConfig(), nil, nil, zap.NewNop())
	exec := retry.New(retry.Config{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 2}, Retryable, zap.NewNop())
	return NewPipeline(mgr, limiters, exec, zap.NewNop()), mgr
}

func TestSanitize(t *testing.T) {
	got, err := Sanitize("  hello    there \t friend  ")
	require.NoError(t, err)
	assert.Equal(t, "hello there friend", got)

	got, err = Sanitize("look:\n\n\n```\nx  =  1\n```")
	require.NoError(t, err)
	assert.Equal(t, "look:\n```\nx = 1\n```", got)

	got, err = Sanitize(strings.Repeat("ب", MaxInputLength+50))
	require.NoError(t, err)
	assert.Equal(t, MaxInputLength, len([]rune(got)))

	_, err = Sanitize(" \n\t ")
	assert.Error(t, err)
}

func TestPipelineRejectsEmptyInputWithoutCalling(t *testing.T) {
	p, _ := testPipeline(nil)
	a := okAgent("narrator")

	_, err := p.Run(context.Background(), a, "   ", contextmgr.AgentContext{UserID: "u"}, Options{})
	require.Error(t, err)
	assert.Equal(t, KindInvalidInput, KindOf(err))
	var ae *Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "narrator", ae.AgentID)
	assert.Equal(t, int32(0), a.calls.Load())
}

func TestPipelineRejectsBadOptions(t *testing.T) {
	p, _ := testPipeline(nil)
	a := okAgent("narrator")
	high := 1.5

	for _, opts := range []Options{
		{Tier: "ultra"},
		{Complexity: &high},
		{MaxTokens: -1},
	} {
		_, err := p.Run(context.Background(), a, "hello", contextmgr.AgentContext{UserID: "u"}, opts)
		assert.Equal(t, KindInvalidInput, KindOf(err), "options %+v", opts)
	}
	assert.Equal(t, int32(0), a.calls.Load())

	assert.NoError(t, Options{Tier: provider.TierCapable, MaxTokens: 200}.Validate())
}

func TestPipelineRetriesTransientErrors(t *testing.T) {
	p, _ := testPipeline(nil)
	a := okAgent("narrator")
	inner := a.fn
	a.fn = func(ctx context.Context, input string, c contextmgr.AgentContext) (*Response, error) {
		if a.calls.Load() < 3 {
			return nil, errors.New("503 from provider")
		}
		return inner(ctx, input, c)
	}

	resp, err := p.Run(context.Background(), a, "explain fractions", contextmgr.AgentContext{UserID: "u"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "answer to explain fractions", resp.Content)
	assert.Equal(t, int32(3), a.calls.Load())
}

func TestPipelineExhaustedRetriesIsModelError(t *testing.T) {
	p, _ := testPipeline(nil)
	a := okAgent("narrator")
	a.fn = func(context.Context, string, contextmgr.AgentContext) (*Response, error) {
		return nil, errors.New("provider down")
	}

	_, err := p.Run(context.Background(), a, "hi", contextmgr.AgentContext{}, Options{})
	require.Error(t, err)
	assert.Equal(t, KindModelError, KindOf(err))
	assert.Equal(t, int32(3), a.calls.Load())
}

func TestPipelineDoesNotRetryInvalidInput(t *testing.T) {
	p, _ := testPipeline(nil)
	a := okAgent("narrator")
	a.fn = func(context.Context, string, contextmgr.AgentContext) (*Response, error) {
		return nil, NewError("", KindInvalidInput, errors.New("unsupported language"))
	}

	_, err := p.Run(context.Background(), a, "hi", contextmgr.AgentContext{}, Options{})
	assert.Equal(t, KindInvalidInput, KindOf(err))
	assert.Equal(t, int32(1), a.calls.Load())
}

func TestPipelineSoftValidation(t *testing.T) {
	p, _ := testPipeline(nil)
	a := okAgent("narrator")
	a.fn = func(context.Context, string, contextmgr.AgentContext) (*Response, error) {
		return &Response{Content: "  ", TokensUsed: Tokens{Input: -1}}, nil
	}

	resp, err := p.Run(context.Background(), a, "hi", contextmgr.AgentContext{}, Options{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"empty content", "negative token count"}, resp.ValidationIssues)
	require.NotNil(t, resp.Confidence)
	assert.InDelta(t, 0.6, *resp.Confidence, 1e-9)
}

func TestPipelineFillsResponseAndMemory(t *testing.T) {
	p, mgr := testPipeline(nil)
	a := okAgent("narrator")

	resp, err := p.Run(context.Background(), a, "  what   is pi ", contextmgr.AgentContext{UserID: "u1", SessionID: "s1"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "narrator", resp.AgentID)
	assert.Equal(t, "NARRATOR", resp.AgentName)
	assert.Equal(t, "answer to what is pi", resp.Content)
	assert.False(t, resp.Timestamp.IsZero())
	require.NotNil(t, resp.Confidence)
	assert.Equal(t, 1.0, *resp.Confidence)

	trace, ok := resp.Metadata["pipeline"].(*Trace)
	require.True(t, ok)
	var steps []StepType
	for _, s := range trace.Steps {
		steps = append(steps, s.Type)
	}
	assert.Equal(t, []StepType{StepSanitize, StepExecute, StepValidate, StepMemory}, steps)

	entries, err := mgr.GetMemory(context.Background(), "u1", "narrator", KeyLastInteraction)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	value := entries[0].Value.(map[string]any)
	assert.Equal(t, "what is pi", value["input"])
	assert.Equal(t, "s1", value["sessionId"])
}

func TestPipelineUsesRateLimiter(t *testing.T) {
	limiters := ratelimit.NewSet(func(string, int, time.Duration) ratelimit.Limiter {
		return ratelimit.NewWindow(1, 80*time.Millisecond)
	})
	p, _ := testPipeline(limiters)
	a := okAgent("narrator")
	a.cfg.MaxRequestsPerMinute = 1

	start := time.Now()
	for i := 0; i < 2; i++ {
		_, err := p.Run(context.Background(), a, "hi", contextmgr.AgentContext{}, Options{})
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestPipelineRateLimitTimeout(t *testing.T) {
	limiters := ratelimit.NewSet(func(string, int, time.Duration) ratelimit.Limiter {
		return ratelimit.NewWindow(1, time.Hour)
	})
	p, _ := testPipeline(limiters)
	a := okAgent("narrator")
	a.cfg.MaxRequestsPerMinute = 1

	_, err := p.Run(context.Background(), a, "hi", contextmgr.AgentContext{}, Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Run(ctx, a, "hi", contextmgr.AgentContext{}, Options{})
	assert.Equal(t, KindTimeout, KindOf(err))
}

func TestPipelineStreamRequiresStreamer(t *testing.T) {
	p, _ := testPipeline(nil)
	_, err := p.Stream(context.Background(), okAgent("narrator"), "hi", contextmgr.AgentContext{}, Options{})
	assert.Equal(t, KindInvalidInput, KindOf(err))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	require.NoError(t, r.Register(okAgent("visualizer", CapVisualize)))
	require.NoError(t, r.Register(okAgent("narrator", CapExplain, CapTranslate)))
	wb := okAgent("wellbeing", CapWellbeing)
	wb.cfg.Tier = TierSupport
	require.NoError(t, r.Register(wb))

	err := r.Register(okAgent("narrator"))
	assert.ErrorIs(t, err, ErrDuplicateAgent)

	got, ok := r.Get("narrator")
	require.True(t, ok)
	assert.Equal(t, "narrator", got.Config().ID)
	_, ok = r.Get("simulator")
	assert.False(t, ok)

	assert.Equal(t, []string{"narrator", "visualizer", "wellbeing"}, r.IDs())
	assert.Len(t, r.ByCapability(CapTranslate), 1)
	assert.Len(t, r.ByTier(TierSupport), 1)
	assert.Len(t, r.ByTier(TierContent), 2)

	assert.True(t, r.Unregister("visualizer"))
	assert.False(t, r.Unregister("visualizer"))
	r.Clear()
	assert.Empty(t, r.All())
}

func TestSelectTier(t *testing.T) {
	assert.Equal(t, provider.TierCapable, SelectTier(provider.TierBalanced, TierContent, 0.85))
	assert.Equal(t, provider.TierCapable, SelectTier(provider.TierCapable, TierContent, 1))
	assert.Equal(t, provider.TierCheap, SelectTier(provider.TierBalanced, TierContent, 0.2))
	assert.Equal(t, provider.TierCheap, SelectTier(provider.TierCheap, TierContent, 0))
	assert.Equal(t, provider.TierBalanced, SelectTier(provider.TierBalanced, TierOrchestration, 0.1))
	assert.Equal(t, provider.TierBalanced, SelectTier(provider.TierBalanced, TierLearning, 0.5))

	pinned := ModelTierFor(Config{DefaultModel: provider.TierCheap}, Options{Tier: provider.TierCapable}, 0)
	assert.Equal(t, provider.TierCapable, pinned)
	low := 0.1
	assert.Equal(t, provider.TierCheap,
		ModelTierFor(Config{DefaultModel: provider.TierBalanced}, Options{Complexity: &low}, 0.9))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindTimeout, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindUnknown, KindOf(errors.New("x")))
	assert.Equal(t, KindRateLimit, KindOf(NewError("a", KindRateLimit, errors.New("x"))))
	assert.False(t, Retryable(NewError("a", KindContextTooLarge, errors.New("x"))))
	assert.True(t, Retryable(errors.New("connection reset")))
}
