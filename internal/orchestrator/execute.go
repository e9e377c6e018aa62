package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nidhogg/maestro/internal/agent"
	"github.com/nidhogg/maestro/internal/contextmgr"
	"github.com/nidhogg/maestro/internal/provider"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Separators between merged agent outputs.
const (
	sequentialSeparator = "\n\n"
	parallelSeparator   = "\n\n---\n\n"
)

// step is one resolved plan entry: a registered agent, or Maestro itself
// standing in for a missing one.
type step struct {
	id      string
	agent   agent.Agent
	missing bool
}

func (m *Maestro) resolve(ids []string) []step {
	steps := make([]step, 0, len(ids))
	for _, id := range ids {
		if a, ok := m.registry.Get(id); ok {
			steps = append(steps, step{id: id, agent: a})
			continue
		}
		steps = append(steps, step{id: id, agent: m.self, missing: true})
	}
	return steps
}

// execute runs plan and returns the merged response and the context with
// every agent's output appended in completion order.
func (m *Maestro) execute(ctx context.Context, plan Plan, input string, c contextmgr.AgentContext, opts agent.Options, trace *Trace) (*agent.Response, contextmgr.AgentContext, error) {
	steps := m.resolve(plan.AgentIDs)
	for _, s := range steps {
		if s.missing {
			trace.MissingAgents = append(trace.MissingAgents, s.id)
			m.logger.Warn("selected agent not registered, answering directly", zap.String("agent", s.id))
		}
	}

	switch {
	case len(steps) == 0:
		return nil, c, agent.NewError(SelfID, agent.KindUnknown, errors.New("plan selects no agents"))
	case plan.Strategy == StrategyParallel && len(steps) > 1:
		return m.runParallel(ctx, steps, input, c, opts, trace)
	case plan.Strategy == StrategySequential && len(steps) > 1:
		return m.runSequential(ctx, steps, input, c, opts, trace)
	}
	return m.runSingle(ctx, steps[0], input, c, opts, trace)
}

// runStep invokes one agent through the pipeline and records the outcome.
func (m *Maestro) runStep(ctx context.Context, s step, input string, c contextmgr.AgentContext, opts agent.Options) (*agent.Response, StepResult, error) {
	start := time.Now()
	if s.missing {
		c = c.WithMetadata(missingAgentKey, s.id)
	}
	resp, err := m.pipeline.Run(ctx, s.agent, input, c, opts)
	res := StepResult{AgentID: s.id, DurationMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = StepFailed
		res.Error = err.Error()
		res.ErrorKind = agent.KindOf(err)
		return nil, res, err
	}
	if s.missing {
		res.Status = StepMissing
		resp.SetMeta("missingAgent", s.id)
		resp.SetMeta("specialistUnavailable", true)
	} else {
		res.Status = StepDone
	}
	res.TokensUsed = resp.TokensUsed
	res.CostUSD = resp.CostUSD
	m.logSession(ctx, c, input, resp)
	return resp, res, nil
}

func appendOutput(c contextmgr.AgentContext, resp *agent.Response) contextmgr.AgentContext {
	return c.WithMessage(contextmgr.Message{
		Role:      contextmgr.RoleAgent,
		Content:   resp.Content,
		AgentID:   resp.AgentID,
		Timestamp: resp.Timestamp,
	})
}

func (m *Maestro) runSingle(ctx context.Context, s step, input string, c contextmgr.AgentContext, opts agent.Options, trace *Trace) (*agent.Response, contextmgr.AgentContext, error) {
	resp, res, err := m.runStep(ctx, s, input, c, opts)
	trace.Steps = append(trace.Steps, res)
	if err != nil {
		return nil, c, err
	}
	c = appendOutput(c, resp)

	h := resp.Handoff
	if h == nil || !m.cfg.FollowHandoffs || h.TargetAgentID == s.id {
		return resp, c, nil
	}
	target, ok := m.registry.Get(h.TargetAgentID)
	if !ok {
		m.logger.Info("ignoring handoff to unknown agent", zap.String("from", s.id), zap.String("to", h.TargetAgentID))
		return resp, c, nil
	}

	trace.Handoff = h
	next, res, err := m.runStep(ctx, step{id: h.TargetAgentID, agent: target}, input, c, opts)
	trace.Steps = append(trace.Steps, res)
	if err != nil {
		// The first answer is complete on its own; a failed follow-up only loses the extra part.
		m.logger.Warn("handoff target failed", zap.String("to", h.TargetAgentID), zap.Error(err))
		return resp, c, nil
	}
	c = appendOutput(c, next)
	return merge([]*agent.Response{resp, next}, sequentialSeparator), c, nil
}

// runSequential runs steps in order. Each agent sees the previous agents'
// outputs as the latest messages. Any failure fails the request.
func (m *Maestro) runSequential(ctx context.Context, steps []step, input string, c contextmgr.AgentContext, opts agent.Options, trace *Trace) (*agent.Response, contextmgr.AgentContext, error) {
	responses := make([]*agent.Response, 0, len(steps))
	for _, s := range steps {
		resp, res, err := m.runStep(ctx, s, input, c, opts)
		trace.Steps = append(trace.Steps, res)
		if err != nil {
			return nil, c, err
		}
		responses = append(responses, resp)
		c = appendOutput(c, resp)
	}
	return merge(responses, sequentialSeparator), c, nil
}

// runParallel runs every step against the same context and waits for all.
// Failed branches are dropped; only when every branch fails is it an error.
func (m *Maestro) runParallel(ctx context.Context, steps []step, input string, c contextmgr.AgentContext, opts agent.Options, trace *Trace) (*agent.Response, contextmgr.AgentContext, error) {
	var (
		g         errgroup.Group
		mu        sync.Mutex
		responses = make([]*agent.Response, len(steps))
		results   = make([]StepResult, len(steps))
		errs      = make([]error, len(steps))
		completed []*agent.Response
	)
	g.SetLimit(m.cfg.ParallelLimit)
	for i, s := range steps {
		g.Go(func() error {
			resp, res, err := m.runStep(ctx, s, input, c, opts)
			results[i], responses[i], errs[i] = res, resp, err
			if err == nil {
				mu.Lock()
				completed = append(completed, resp)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	trace.Steps = append(trace.Steps, results...)

	var ok []*agent.Response
	for i, r := range responses {
		if r != nil {
			ok = append(ok, r)
			continue
		}
		m.logger.Warn("parallel branch failed, dropping it",
			zap.String("agent", steps[i].id), zap.Error(errs[i]))
	}
	if len(ok) == 0 {
		return nil, c, allFailed(errs)
	}

	for _, r := range completed {
		c = appendOutput(c, r)
	}
	return merge(ok, parallelSeparator), c, nil
}

// allFailed combines branch errors, keeping a kind when all branches agree.
func allFailed(errs []error) error {
	kind := agent.KindOf(errs[0])
	for _, err := range errs[1:] {
		if agent.KindOf(err) != kind {
			kind = agent.KindModelError
			break
		}
	}
	return agent.NewError(SelfID, kind, fmt.Errorf("all parallel agents failed: %w", multierr.Combine(errs...)))
}

// merge combines several responses in plan order. A single response is
// returned as is.
func merge(responses []*agent.Response, sep string) *agent.Response {
	if len(responses) == 1 {
		return responses[0]
	}
	out := &agent.Response{
		AgentID:   SelfID,
		AgentName: "Maestro",
		Timestamp: time.Now(),
	}
	var (
		contents []string
		ids      []string
		conf     = 1.0
	)
	for _, r := range responses {
		contents = append(contents, r.Content)
		ids = append(ids, r.AgentID)
		out.TokensUsed = out.TokensUsed.Add(r.TokensUsed)
		out.CostUSD += r.CostUSD
		out.DurationMs += r.DurationMs
		if r.ModelTier.Rank() > out.ModelTier.Rank() {
			out.ModelTier = r.ModelTier
		}
		out.Visualizations = append(out.Visualizations, r.Visualizations...)
		out.StructuredQuestions = append(out.StructuredQuestions, r.StructuredQuestions...)
		for _, issue := range r.ValidationIssues {
			out.ValidationIssues = append(out.ValidationIssues, r.AgentID+": "+issue)
		}
		if r.Confidence != nil && *r.Confidence < conf {
			conf = *r.Confidence
		}
		if r.Handoff != nil && out.Handoff == nil {
			out.Handoff = r.Handoff
		}
		if missing, ok := r.Metadata["missingAgent"]; ok {
			out.SetMeta("missingAgent", missing)
			out.SetMeta("specialistUnavailable", true)
		}
	}
	out.Content = strings.Join(contents, sep)
	out.Confidence = &conf
	out.SetMeta("agents", ids)
	parts := make([]*agent.Response, len(responses))
	copy(parts, responses)
	out.SetMeta("parts", parts)
	if out.ModelTier == "" {
		out.ModelTier = provider.TierCheap
	}
	return out
}
