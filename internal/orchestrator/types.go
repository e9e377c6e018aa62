package orchestrator

import (
	"time"

	"github.com/nidhogg/maestro/internal/agent"
	"github.com/nidhogg/maestro/internal/contextmgr"
	"github.com/nidhogg/maestro/internal/provider"
)

// Intent is the closed set of request kinds Maestro recognizes.
type Intent string

const (
	IntentExplain   Intent = "explain"
	IntentVisualize Intent = "visualize"
	IntentPractice  Intent = "practice"
	IntentSolve     Intent = "solve"
	IntentResearch  Intent = "research"
	IntentAssess    Intent = "assess"
	IntentReview    Intent = "review"
	IntentCreate    Intent = "create"
	IntentDebug     Intent = "debug"
	IntentTranslate Intent = "translate"
	IntentWellbeing Intent = "wellbeing"
	IntentGeneral   Intent = "general"
)

// Strategy is the execution topology for a plan.
type Strategy string

const (
	StrategySingle     Strategy = "single"
	StrategySequential Strategy = "sequential"
	StrategyParallel   Strategy = "parallel"
)

func validStrategy(s Strategy) bool {
	return s == StrategySingle || s == StrategySequential || s == StrategyParallel
}

// StepStatus tracks how one agent step ended.
type StepStatus string

const (
	StepDone    StepStatus = "done"
	StepFailed  StepStatus = "failed"
	StepMissing StepStatus = "missing"
)

// Selection sources recorded in the trace.
const (
	SourceLLM   = "llm"
	SourceRules = "rules"
)

// SelfID is the agent ID Maestro answers under.
const SelfID = "maestro"

// Analysis is what Maestro learned about a request before routing it.
type Analysis struct {
	Complexity         float64 `json:"complexity"`
	Intent             Intent  `json:"intent"`
	Dialect            string  `json:"dialect,omitempty"`
	Topic              string  `json:"topic,omitempty"`
	NeedsVisualization bool    `json:"needsVisualization"`
	NeedsSimulation    bool    `json:"needsSimulation"`
}

// Plan is the selected agents and how to run them.
type Plan struct {
	AgentIDs   []string `json:"agentIds"`
	Strategy   Strategy `json:"strategy"`
	Reason     string   `json:"reason"`
	Confidence float64  `json:"confidence"`
	Source     string   `json:"source"`
}

// StepResult records one agent invocation within a request.
type StepResult struct {
	AgentID    string          `json:"agentId"`
	Status     StepStatus      `json:"status"`
	Error      string          `json:"error,omitempty"`
	ErrorKind  agent.ErrorKind `json:"errorKind,omitempty"`
	TokensUsed agent.Tokens    `json:"tokensUsed"`
	CostUSD    float64         `json:"costUsd"`
	DurationMs int64           `json:"durationMs"`
}

// Trace is Maestro's reasoning record, attached to every response.
type Trace struct {
	RequestID       string         `json:"requestId"`
	UserID          string         `json:"userId"`
	SessionID       string         `json:"sessionId"`
	Complexity      float64        `json:"complexity"`
	Intent          Intent         `json:"intent"`
	Dialect         string         `json:"dialect,omitempty"`
	Topic           string         `json:"topic,omitempty"`
	SelectedAgents  []string       `json:"selectedAgents"`
	Strategy        Strategy       `json:"strategy"`
	Reasoning       string         `json:"reasoning"`
	SelectionSource string         `json:"selectionSource"`
	Confidence      float64        `json:"confidence"`
	SelectionTokens agent.Tokens   `json:"selectionTokens"`
	MissingAgents   []string       `json:"missingAgents,omitempty"`
	Handoff         *agent.Handoff `json:"handoff,omitempty"`
	Steps           []StepResult   `json:"steps"`
	DurationMs      int64          `json:"durationMs"`
	Timestamp       time.Time      `json:"timestamp"`
}

// Request is one student turn handed to Maestro.
type Request struct {
	UserID    string                     `json:"userId"`
	Message   string                     `json:"message"`
	SessionID string                     `json:"sessionId,omitempty"`
	Dialect   string                     `json:"dialect,omitempty"`
	History   []contextmgr.Message       `json:"history,omitempty"`
	Profile   *contextmgr.StudentProfile `json:"profile,omitempty"`
	Options   agent.Options              `json:"options,omitempty"`
}

// Result is Maestro's answer plus the state after the turn.
type Result struct {
	Response *agent.Response         `json:"response"`
	Trace    *Trace                  `json:"trace"`
	Context  contextmgr.AgentContext `json:"-"`
}

// Config holds orchestrator settings.
type Config struct {
	SelectionTier   provider.ModelTier `json:"selection_tier"`
	DefaultTier     provider.ModelTier `json:"default_tier"`
	Timeout         time.Duration      `json:"timeout"`
	ParallelLimit   int                `json:"parallel_limit"`
	UseLLMSelection bool               `json:"use_llm_selection"`
	MinConfidence   float64            `json:"min_confidence"`
	FollowHandoffs  bool               `json:"follow_handoffs"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		SelectionTier:   provider.TierCheap,
		DefaultTier:     provider.TierBalanced,
		Timeout:         90 * time.Second,
		ParallelLimit:   4,
		UseLLMSelection: true,
		MinConfidence:   0.5,
		FollowHandoffs:  true,
	}
}
