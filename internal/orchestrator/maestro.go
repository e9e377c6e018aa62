// Package orchestrator routes student requests to agents and merges their
// answers.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/maestro/internal/agent"
	"github.com/nidhogg/maestro/internal/contextmgr"
	"github.com/nidhogg/maestro/internal/cost"
	"github.com/nidhogg/maestro/internal/provider"
	"go.uber.org/zap"
)

// SessionLogger persists the agent-session log.
type SessionLogger interface {
	LogAgentSession(ctx context.Context, userID string, rec agent.SessionRecord) error
}

// ProfileSource reads learner data used to seed a context.
type ProfileSource interface {
	GetStudentProfile(ctx context.Context, userID string) (*contextmgr.StudentProfile, error)
	GetMastery(ctx context.Context, userID string) (map[string]float64, error)
}

// HistoryStore persists conversation turns per session.
type HistoryStore interface {
	LoadHistory(ctx context.Context, sessionID string, limit int) ([]contextmgr.Message, error)
	AppendHistory(ctx context.Context, sessionID, userID string, msgs ...contextmgr.Message) error
}

// Maestro is the orchestrator: it analyzes each request, picks agents and
// a strategy, runs them and annotates the merged answer with its trace.
// It keeps no per-request state between calls.
type Maestro struct {
	cfg      Config
	registry *agent.Registry
	pipeline *agent.Pipeline
	router   *provider.Router
	rules    []Rule
	self     *selfAgent

	sessions SessionLogger
	profiles ProfileSource
	history  HistoryStore
	bus      *TraceBus
	logger   *zap.Logger
}

// New creates a Maestro.
func New(cfg Config, registry *agent.Registry, pipeline *agent.Pipeline, router *provider.Router, prices cost.Table, logger *zap.Logger) *Maestro {
	def := DefaultConfig()
	if cfg.SelectionTier == "" {
		cfg.SelectionTier = def.SelectionTier
	}
	if cfg.DefaultTier == "" {
		cfg.DefaultTier = def.DefaultTier
	}
	if cfg.ParallelLimit <= 0 {
		cfg.ParallelLimit = def.ParallelLimit
	}
	return &Maestro{
		cfg:      cfg,
		registry: registry,
		pipeline: pipeline,
		router:   router,
		rules:    DefaultRules,
		self:     newSelfAgent(cfg.DefaultTier, router, prices, logger),
		logger:   logger,
	}
}

// SetSessionLogger enables the agent-session log.
func (m *Maestro) SetSessionLogger(l SessionLogger) { m.sessions = l }

// SetProfileSource enables profile and mastery read-through.
func (m *Maestro) SetProfileSource(p ProfileSource) { m.profiles = p }

// SetHistoryStore enables server-side conversation history.
func (m *Maestro) SetHistoryStore(h HistoryStore) { m.history = h }

// SetTraceBus publishes every trace to the bus.
func (m *Maestro) SetTraceBus(b *TraceBus) { m.bus = b }

// SetRules replaces the fallback routing table.
func (m *Maestro) SetRules(rules []Rule) { m.rules = rules }

// Registry returns the agent registry.
func (m *Maestro) Registry() *agent.Registry { return m.registry }

// Handle runs one student turn end to end.
func (m *Maestro) Handle(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	if strings.TrimSpace(req.UserID) == "" {
		return nil, agent.NewError(SelfID, agent.KindInvalidInput, errors.New("userId is required"))
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, agent.NewError(SelfID, agent.KindInvalidInput, errors.New("message is required"))
	}
	if err := req.Options.Validate(); err != nil {
		return nil, agent.NewError(SelfID, agent.KindInvalidInput, err)
	}

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	c := m.buildContext(ctx, req)
	analysis := Analyze(req.Message, c)
	trace := &Trace{
		RequestID:  uuid.NewString(),
		UserID:     req.UserID,
		SessionID:  c.SessionID,
		Complexity: analysis.Complexity,
		Intent:     analysis.Intent,
		Dialect:    analysis.Dialect,
		Topic:      analysis.Topic,
		Timestamp:  start,
	}

	plan := m.selectPlan(ctx, req.Message, c, analysis, trace)
	trace.SelectedAgents = plan.AgentIDs
	trace.Strategy = plan.Strategy
	trace.Reasoning = plan.Reason
	trace.SelectionSource = plan.Source
	trace.Confidence = plan.Confidence

	m.logger.Info("request analyzed",
		zap.String("request", trace.RequestID),
		zap.String("user", req.UserID),
		zap.String("intent", string(analysis.Intent)),
		zap.Float64("complexity", analysis.Complexity),
		zap.Strings("agents", plan.AgentIDs),
		zap.String("strategy", string(plan.Strategy)),
		zap.String("source", plan.Source))

	resp, after, err := m.execute(ctx, plan, req.Message, c, req.Options, trace)
	trace.DurationMs = time.Since(start).Milliseconds()
	// Branches dropped by the deadline leave a partial answer behind.
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = m.timeoutError(ctx, SelfID)
	}
	if err != nil {
		m.logger.Warn("request failed",
			zap.String("request", trace.RequestID),
			zap.Int64("duration_ms", trace.DurationMs),
			zap.Error(err))
		m.publish(trace)
		return nil, err
	}

	resp.SetMeta("orchestration", trace)
	m.persistTurn(ctx, req, c, resp)
	m.publish(trace)

	m.logger.Info("request completed",
		zap.String("request", trace.RequestID),
		zap.String("agent", resp.AgentID),
		zap.Int("input_tokens", resp.TokensUsed.Input),
		zap.Int("output_tokens", resp.TokensUsed.Output),
		zap.Float64("cost_usd", resp.CostUSD),
		zap.Int64("duration_ms", trace.DurationMs))
	return &Result{Response: resp, Trace: trace, Context: after}, nil
}

// RunAgent runs a single agent's pipeline without routing.
func (m *Maestro) RunAgent(ctx context.Context, agentID string, req Request) (*agent.Response, error) {
	a, ok := m.registry.Get(agentID)
	if !ok {
		return nil, fmt.Errorf("%s: %w", agentID, agent.ErrAgentNotFound)
	}
	if strings.TrimSpace(req.UserID) == "" {
		return nil, agent.NewError(agentID, agent.KindInvalidInput, errors.New("userId is required"))
	}
	if err := req.Options.Validate(); err != nil {
		return nil, agent.NewError(agentID, agent.KindInvalidInput, err)
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	c := m.buildContext(ctx, req)
	resp, err := m.pipeline.Run(ctx, a, req.Message, c, req.Options)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = m.timeoutError(ctx, agentID)
	}
	if err != nil {
		return nil, err
	}
	m.persistTurn(ctx, req, c, resp)
	m.logSession(ctx, c, req.Message, resp)
	return resp, nil
}

// StreamAgent streams a single agent's answer. The request timeout covers
// the whole stream; a stream cut by it ends with a timeout chunk. Completed
// streams are logged to the agent-session log without token counts, which
// providers do not report on streams.
func (m *Maestro) StreamAgent(ctx context.Context, agentID string, req Request) (<-chan *provider.StreamChunk, error) {
	a, ok := m.registry.Get(agentID)
	if !ok {
		return nil, fmt.Errorf("%s: %w", agentID, agent.ErrAgentNotFound)
	}
	if strings.TrimSpace(req.UserID) == "" {
		return nil, agent.NewError(agentID, agent.KindInvalidInput, errors.New("userId is required"))
	}
	if err := req.Options.Validate(); err != nil {
		return nil, agent.NewError(agentID, agent.KindInvalidInput, err)
	}

	start := time.Now()
	sctx, cancel := m.withTimeout(ctx)
	c := m.buildContext(sctx, req)
	src, err := m.pipeline.Stream(sctx, a, req.Message, c, req.Options)
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan *provider.StreamChunk, 16)
	go func() {
		defer close(out)
		defer cancel()

		var (
			content strings.Builder
			last    *provider.StreamChunk
		)
	forward:
		for chunk := range src {
			if sctx.Err() != nil {
				break
			}
			content.WriteString(chunk.Content)
			select {
			case out <- chunk:
			case <-sctx.Done():
				break forward
			}
			if chunk.Done {
				last = chunk
				break
			}
		}
		// Providers keep sending until they notice cancellation.
		go func() {
			for range src {
			}
		}()

		if last == nil {
			if errors.Is(sctx.Err(), context.DeadlineExceeded) {
				select {
				case out <- &provider.StreamChunk{Done: true, Err: m.timeoutError(sctx, agentID)}:
				case <-ctx.Done():
				}
			}
			return
		}
		if last.Err != nil {
			return
		}

		cfg := a.Config()
		resp := &agent.Response{
			AgentID:    agentID,
			AgentName:  cfg.DisplayName,
			Content:    content.String(),
			ModelTier:  agent.ModelTierFor(cfg, req.Options, contextmgr.CalculateComplexity(req.Message, c)),
			DurationMs: time.Since(start).Milliseconds(),
			Timestamp:  time.Now(),
		}
		resp.SetMeta("streamed", true)
		m.persistTurn(ctx, req, c, resp)
		m.logSession(ctx, c, req.Message, resp)
	}()
	return out, nil
}

// withTimeout applies the configured request timeout, if any.
func (m *Maestro) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.cfg.Timeout)
}

func (m *Maestro) timeoutError(ctx context.Context, agentID string) error {
	if m.cfg.Timeout <= 0 {
		return agent.NewError(agentID, agent.KindTimeout, ctx.Err())
	}
	return agent.NewError(agentID, agent.KindTimeout, fmt.Errorf("request exceeded %s: %w", m.cfg.Timeout, ctx.Err()))
}

// buildContext assembles the request context, reading the profile, mastery
// and stored history when the caller did not supply them.
func (m *Maestro) buildContext(ctx context.Context, req Request) contextmgr.AgentContext {
	profile := req.Profile
	var mastery map[string]float64
	if m.profiles != nil {
		if profile == nil {
			p, err := m.profiles.GetStudentProfile(ctx, req.UserID)
			if err != nil {
				m.logger.Debug("no student profile", zap.String("user", req.UserID), zap.Error(err))
			} else {
				profile = p
			}
		}
		ms, err := m.profiles.GetMastery(ctx, req.UserID)
		if err != nil {
			m.logger.Debug("no mastery data", zap.String("user", req.UserID), zap.Error(err))
		}
		mastery = ms
	}

	history := req.History
	if history == nil && req.SessionID != "" && m.history != nil {
		h, err := m.history.LoadHistory(ctx, req.SessionID, m.pipeline.Contexts().Config().MaxHistory)
		if err != nil {
			m.logger.Warn("loading history failed", zap.String("session", req.SessionID), zap.Error(err))
		}
		history = h
	}

	mgr := m.pipeline.Contexts()
	history = contextmgr.TrimHistory(history, mgr.Config().MaxHistory)
	c := mgr.BuildContext(req.UserID, req.Message, profile, history, req.SessionID)
	if req.Dialect != "" {
		c.Dialect = req.Dialect
	}
	if len(mastery) > 0 {
		c = c.WithMastery(mastery)
	}
	return c
}

// selectPlan tries LLM selection and falls back to the rule table.
func (m *Maestro) selectPlan(ctx context.Context, input string, c contextmgr.AgentContext, a Analysis, trace *Trace) Plan {
	if m.cfg.UseLLMSelection && m.router != nil {
		plan, used, err := m.selectWithLLM(ctx, input, c, a)
		trace.SelectionTokens = used
		if err == nil {
			return plan
		}
		m.logger.Info("llm selection unavailable, using rules", zap.Error(err))
	}
	return PlanByRules(m.rules, a)
}

func (m *Maestro) persistTurn(ctx context.Context, req Request, c contextmgr.AgentContext, resp *agent.Response) {
	if m.history == nil || req.History != nil {
		return
	}
	user, _ := c.LastUserMessage()
	reply := contextmgr.Message{
		ID:        uuid.NewString(),
		Role:      contextmgr.RoleAgent,
		Content:   resp.Content,
		AgentID:   resp.AgentID,
		Timestamp: time.Now(),
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.history.AppendHistory(ctx, c.SessionID, c.UserID, user, reply); err != nil {
		m.logger.Warn("saving history failed", zap.String("session", c.SessionID), zap.Error(err))
	}
}

func (m *Maestro) logSession(ctx context.Context, c contextmgr.AgentContext, input string, resp *agent.Response) {
	if m.sessions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	rec := agent.NewSessionRecord(c.UserID, c.SessionID, input, resp)
	if err := m.sessions.LogAgentSession(ctx, c.UserID, rec); err != nil {
		m.logger.Warn("agent session log failed", zap.String("agent", resp.AgentID), zap.Error(err))
	}
}

func (m *Maestro) publish(trace *Trace) {
	if m.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.bus.Publish(ctx, trace); err != nil {
		m.logger.Warn("trace publish failed", zap.String("request", trace.RequestID), zap.Error(err))
	}
}
