package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/nidhogg/maestro/internal/contextmgr"
	"github.com/nidhogg/maestro/internal/provider"
	"github.com/nidhogg/maestro/internal/ratelimit"
	"github.com/nidhogg/maestro/internal/retry"
	"go.uber.org/zap"
)

// MaxInputLength is the rune limit Sanitize truncates to.
const MaxInputLength = 4000

// Memory key written after every successful call.
const KeyLastInteraction = "last_interaction"

// Pipeline drives every agent through the same steps: sanitize, rate
// limit, execute with retry, validate, remember.
type Pipeline struct {
	contexts *contextmgr.Manager
	limiters *ratelimit.Set
	retry    *retry.Executor
	logger   *zap.Logger
}

// NewPipeline creates a pipeline. limiters may be nil to disable rate limiting.
func NewPipeline(contexts *contextmgr.Manager, limiters *ratelimit.Set, exec *retry.Executor, logger *zap.Logger) *Pipeline {
	if exec == nil {
		exec = retry.New(retry.DefaultConfig(), Retryable, logger)
	}
	return &Pipeline{
		contexts: contexts,
		limiters: limiters,
		retry:    exec,
		logger:   logger,
	}
}

// Contexts returns the pipeline's context manager.
func (p *Pipeline) Contexts() *contextmgr.Manager { return p.contexts }

// Sanitize trims input, collapses whitespace runs and truncates to
// MaxInputLength runes. A run containing a line break collapses to one
// newline so code blocks keep their lines.
func Sanitize(input string) (string, error) {
	var b strings.Builder
	b.Grow(len(input))
	pending, newline := false, false
	for _, r := range strings.TrimSpace(input) {
		if unicode.IsSpace(r) {
			pending = true
			newline = newline || r == '\n'
			continue
		}
		if pending {
			if newline {
				b.WriteByte('\n')
			} else {
				b.WriteByte(' ')
			}
			pending, newline = false, false
		}
		b.WriteRune(r)
	}
	out := b.String()
	if out == "" {
		return "", errors.New("input is empty")
	}
	if utf8.RuneCountInString(out) > MaxInputLength {
		out = string([]rune(out)[:MaxInputLength])
	}
	return out, nil
}

// Run executes a through the full pipeline. Validation problems lower the
// confidence and are listed on the response; they never fail the call.
func (p *Pipeline) Run(ctx context.Context, a Agent, input string, c contextmgr.AgentContext, opts Options) (*Response, error) {
	cfg := a.Config()
	start := time.Now()
	trace := newTrace(cfg.ID, c.SessionID)
	if err := opts.Validate(); err != nil {
		return nil, NewError(cfg.ID, KindInvalidInput, err)
	}

	clean, c, err := p.prepare(ctx, cfg, input, c, trace)
	if err != nil {
		p.logger.Warn("agent rejected request", zap.String("agent", cfg.ID), zap.Error(err))
		return nil, err
	}

	step := time.Now()
	resp, err := retry.Do(ctx, p.retry, cfg.ID, func(ctx context.Context) (*Response, error) {
		return a.Execute(ctx, clean, c, opts)
	})
	if err != nil {
		ae := asAgentError(cfg.ID, err)
		p.logger.Error("agent execution failed",
			zap.String("agent", cfg.ID),
			zap.String("kind", string(ae.Kind)),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return nil, ae
	}
	if resp == nil {
		return nil, NewError(cfg.ID, KindUnknown, errors.New("agent returned no response"))
	}
	trace.mark(StepExecute, string(resp.ModelTier), step)

	resp.AgentID = cfg.ID
	if resp.AgentName == "" {
		resp.AgentName = cfg.DisplayName
	}
	if resp.Timestamp.IsZero() {
		resp.Timestamp = time.Now()
	}
	if resp.DurationMs == 0 {
		resp.DurationMs = time.Since(start).Milliseconds()
	}

	step = time.Now()
	p.validate(a, clean, c, resp)
	trace.mark(StepValidate, fmt.Sprintf("%d issue(s)", len(resp.ValidationIssues)), step)

	step = time.Now()
	p.remember(ctx, a, clean, c, resp)
	trace.mark(StepMemory, KeyLastInteraction, step)

	trace.Duration = time.Since(start)
	resp.SetMeta("pipeline", trace)

	p.logger.Info("agent completed",
		zap.String("agent", cfg.ID),
		zap.String("session", c.SessionID),
		zap.String("model_tier", string(resp.ModelTier)),
		zap.Int("input_tokens", resp.TokensUsed.Input),
		zap.Int("output_tokens", resp.TokensUsed.Output),
		zap.Int("cached_tokens", resp.TokensUsed.Cached),
		zap.Float64("cost_usd", resp.CostUSD),
		zap.Int64("duration_ms", resp.DurationMs),
		zap.Float64("confidence", *resp.Confidence))
	return resp, nil
}

// Stream runs the pre-execution steps and then streams a's answer. Streams
// are not retried once opened and skip validation and memory.
func (p *Pipeline) Stream(ctx context.Context, a Agent, input string, c contextmgr.AgentContext, opts Options) (<-chan *provider.StreamChunk, error) {
	cfg := a.Config()
	s, ok := a.(Streamer)
	if !ok {
		return nil, NewError(cfg.ID, KindInvalidInput, errors.New("agent does not support streaming"))
	}
	if err := opts.Validate(); err != nil {
		return nil, NewError(cfg.ID, KindInvalidInput, err)
	}
	clean, c, err := p.prepare(ctx, cfg, input, c, newTrace(cfg.ID, c.SessionID))
	if err != nil {
		return nil, err
	}
	ch, err := retry.Do(ctx, p.retry, cfg.ID+"/stream", func(ctx context.Context) (<-chan *provider.StreamChunk, error) {
		return s.Stream(ctx, clean, c, opts)
	})
	if err != nil {
		return nil, asAgentError(cfg.ID, err)
	}
	return ch, nil
}

// prepare sanitizes input, waits for a rate limit slot and compacts the
// context when it is over budget.
func (p *Pipeline) prepare(ctx context.Context, cfg Config, input string, c contextmgr.AgentContext, trace *Trace) (string, contextmgr.AgentContext, error) {
	step := time.Now()
	clean, err := Sanitize(input)
	if err != nil {
		return "", c, NewError(cfg.ID, KindInvalidInput, err)
	}
	trace.mark(StepSanitize, fmt.Sprintf("%d runes", utf8.RuneCountInString(clean)), step)

	if p.limiters != nil {
		if lim := p.limiters.PerMinute(cfg.ID, cfg.MaxRequestsPerMinute); lim != nil {
			step = time.Now()
			if err := lim.Acquire(ctx); err != nil {
				kind := KindRateLimit
				if errors.Is(err, context.DeadlineExceeded) {
					kind = KindTimeout
				}
				return "", c, NewError(cfg.ID, kind, err)
			}
			trace.mark(StepRateLimit, "acquired", step)
		}
	}

	if p.contexts != nil {
		budget := p.contexts.Config().MaxTokens
		if contextmgr.IsContextTooLarge(c, budget) {
			step = time.Now()
			c = p.contexts.Compact(ctx, c)
			if contextmgr.IsContextTooLarge(c, budget) {
				return "", c, NewError(cfg.ID, KindContextTooLarge,
					fmt.Errorf("history exceeds %d tokens after compaction", budget))
			}
			trace.mark(StepCompact, fmt.Sprintf("%d messages", len(c.History)), step)
		}
	}
	return clean, c, nil
}

func (p *Pipeline) validate(a Agent, input string, c contextmgr.AgentContext, r *Response) {
	var issues []string
	if strings.TrimSpace(r.Content) == "" {
		issues = append(issues, "empty content")
	}
	if r.TokensUsed.Input < 0 || r.TokensUsed.Output < 0 || r.TokensUsed.Cached < 0 {
		issues = append(issues, "negative token count")
	}
	if r.CostUSD < 0 {
		issues = append(issues, "negative cost")
	}
	if r.DurationMs < 0 {
		issues = append(issues, "negative duration")
	}
	if v, ok := a.(Validator); ok {
		issues = append(issues, v.Validate(input, c, r)...)
	}

	conf := 1.0
	if r.Confidence != nil {
		conf = *r.Confidence
	}
	conf -= 0.2 * float64(len(issues))
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	r.Confidence = &conf
	r.ValidationIssues = append(r.ValidationIssues, issues...)

	if len(issues) > 0 {
		p.logger.Warn("agent output failed validation",
			zap.String("agent", r.AgentID),
			zap.Strings("issues", issues),
			zap.Float64("confidence", conf))
	}
}

func (p *Pipeline) remember(ctx context.Context, a Agent, input string, c contextmgr.AgentContext, r *Response) {
	if p.contexts == nil || c.UserID == "" {
		return
	}
	err := p.contexts.StoreMemory(ctx, contextmgr.MemoryEntry{
		UserID:  c.UserID,
		AgentID: r.AgentID,
		Key:     KeyLastInteraction,
		Value: map[string]any{
			"input":     input,
			"output":    excerpt(r.Content, 500),
			"modelTier": r.ModelTier,
			"sessionId": c.SessionID,
		},
	})
	if err != nil {
		p.logger.Warn("storing last interaction failed", zap.String("agent", r.AgentID), zap.Error(err))
	}
	if h, ok := a.(Rememberer); ok {
		if err := h.Remember(ctx, p.contexts, input, c, r); err != nil {
			p.logger.Warn("agent memory hook failed", zap.String("agent", r.AgentID), zap.Error(err))
		}
	}
}

func excerpt(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max]) + "..."
}
