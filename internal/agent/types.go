// Package agent defines tutoring agents, the shared execution pipeline that
// drives them and the registry that holds them.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nidhogg/maestro/internal/contextmgr"
	"github.com/nidhogg/maestro/internal/provider"
)

// Tier groups agents by role in the product.
type Tier string

const (
	TierOrchestration Tier = "orchestration"
	TierContent       Tier = "content"
	TierLearning      Tier = "learning"
	TierSupport       Tier = "support"
)

// Capability tags what kind of request an agent can serve.
type Capability string

const (
	CapExplain     Capability = "explain"
	CapVisualize   Capability = "visualize"
	CapPractice    Capability = "practice"
	CapSolve       Capability = "solve"
	CapResearch    Capability = "research"
	CapAssess      Capability = "assess"
	CapReview      Capability = "review"
	CapCreate      Capability = "create"
	CapDebug       Capability = "debug"
	CapTranslate   Capability = "translate"
	CapWellbeing   Capability = "wellbeing"
	CapSimulate    Capability = "simulate"
	CapOrchestrate Capability = "orchestrate"
)

// Config is an agent's static definition, fixed at registration.
type Config struct {
	ID                     string             `json:"id"`
	Variant                Kind               `json:"variant,omitempty"` // defaults to ID
	DisplayName            string             `json:"displayName"`
	LocalizedName          string             `json:"localizedName,omitempty"`
	Tier                   Tier               `json:"tier"`
	DefaultModel           provider.ModelTier `json:"defaultModel"`
	SystemPrompt           string             `json:"systemPrompt,omitempty"`
	Capabilities           []Capability       `json:"capabilities"`
	Temperature            float64            `json:"temperature"`
	MaxTokens              int                `json:"maxTokens"`
	MaxRequestsPerMinute   int                `json:"maxRequestsPerMinute,omitempty"`
	ConversationMemorySize int                `json:"conversationMemorySize,omitempty"`
}

// Has reports whether the agent declares capability c.
func (c Config) Has(capability Capability) bool {
	for _, x := range c.Capabilities {
		if x == capability {
			return true
		}
	}
	return false
}

// Tokens counts model tokens. Input includes Cached.
type Tokens struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Cached int `json:"cached"`
}

// Add returns the element-wise sum.
func (t Tokens) Add(o Tokens) Tokens {
	return Tokens{Input: t.Input + o.Input, Output: t.Output + o.Output, Cached: t.Cached + o.Cached}
}

// Handoff asks the orchestrator to pass the conversation to another agent.
type Handoff struct {
	TargetAgentID string `json:"targetAgentId"`
	Reason        string `json:"reason"`
}

// Visualization is a chart or diagram spec for the front end to render.
type Visualization struct {
	Type  string          `json:"type"`
	Title string          `json:"title,omitempty"`
	Spec  json.RawMessage `json:"spec"`
}

// Question is a generated practice question.
type Question struct {
	ID         string   `json:"id"`
	Prompt     string   `json:"prompt"`
	Answer     string   `json:"answer"`
	Choices    []string `json:"choices,omitempty"`
	Hint       string   `json:"hint,omitempty"`
	Difficulty string   `json:"difficulty,omitempty"`
}

// Response is the result of one agent invocation.
type Response struct {
	Content             string             `json:"content"`
	AgentID             string             `json:"agentId"`
	AgentName           string             `json:"agentName"`
	ModelTier           provider.ModelTier `json:"modelTier"`
	TokensUsed          Tokens             `json:"tokensUsed"`
	CostUSD             float64            `json:"costUsd"`
	DurationMs          int64              `json:"durationMs"`
	Timestamp           time.Time          `json:"timestamp"`
	Visualizations      []Visualization    `json:"visualizations,omitempty"`
	StructuredQuestions []Question         `json:"structuredQuestions,omitempty"`
	Confidence          *float64           `json:"confidence,omitempty"`
	ValidationIssues    []string           `json:"validationIssues,omitempty"`
	Handoff             *Handoff           `json:"handoff,omitempty"`
	Metadata            map[string]any     `json:"metadata,omitempty"`
}

// SetMeta sets a metadata key, allocating the map when needed.
func (r *Response) SetMeta(key string, v any) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]any)
	}
	r.Metadata[key] = v
}

// Options tune a single invocation.
type Options struct {
	// Tier pins the model tier, bypassing complexity-based selection.
	Tier provider.ModelTier `json:"tier,omitempty"`
	// Complexity overrides the score computed from the input.
	Complexity  *float64 `json:"complexity,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"maxTokens,omitempty"`
}

// Validate rejects options a caller cannot legally send.
func (o Options) Validate() error {
	if o.Tier != "" {
		if _, err := provider.ParseTier(string(o.Tier)); err != nil {
			return err
		}
	}
	if o.Complexity != nil && (*o.Complexity < 0 || *o.Complexity > 1) {
		return errors.New("complexity must be between 0 and 1")
	}
	if o.MaxTokens < 0 {
		return errors.New("maxTokens must not be negative")
	}
	return nil
}

// Agent is one tutoring capability. Execute performs a single model call;
// callers go through Pipeline.Run rather than calling it directly.
type Agent interface {
	Config() Config
	Execute(ctx context.Context, input string, c contextmgr.AgentContext, opts Options) (*Response, error)
}

// Validator is implemented by agents with output checks beyond the
// structural ones. Returned strings are validation issues.
type Validator interface {
	Validate(input string, c contextmgr.AgentContext, r *Response) []string
}

// Rememberer is implemented by agents that store extra memory after a call.
type Rememberer interface {
	Remember(ctx context.Context, mem *contextmgr.Manager, input string, c contextmgr.AgentContext, r *Response) error
}

// Streamer is implemented by agents that can stream their answer.
type Streamer interface {
	Stream(ctx context.Context, input string, c contextmgr.AgentContext, opts Options) (<-chan *provider.StreamChunk, error)
}
