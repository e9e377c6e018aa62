package provider

import (
	"context"
	"fmt"
	"time"
)

// Provider defines the interface for LLM providers.
type Provider interface {
	ID() string
	Name() string
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	ChatStream(ctx context.Context, req *ChatRequest) (<-chan *StreamChunk, error)
	HealthCheck(ctx context.Context) error
}

// ModelTier is a price/quality class of model. Agents declare a tier and the
// router resolves it to a concrete provider model.
type ModelTier string

const (
	TierCheap    ModelTier = "cheap"
	TierBalanced ModelTier = "balanced"
	TierCapable  ModelTier = "capable"
)

// Tiers lists all tiers from cheapest to most capable.
var Tiers = []ModelTier{TierCheap, TierBalanced, TierCapable}

// ParseTier validates a tier name.
func ParseTier(s string) (ModelTier, error) {
	for _, t := range Tiers {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown model tier %q", s)
}

// Rank returns the tier's position in Tiers.
func (t ModelTier) Rank() int {
	for i, tt := range Tiers {
		if tt == t {
			return i
		}
	}
	return -1
}

// ChatRequest represents a request to an LLM provider.
type ChatRequest struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Tools       []Tool    `json:"tools,omitempty"`
	ToolChoice  string    `json:"tool_choice,omitempty"` // auto|none|required|<tool name>
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // user|assistant
	Content string `json:"content"`
}

// ChatResponse represents a response from an LLM provider.
type ChatResponse struct {
	ID           string     `json:"id"`
	Model        string     `json:"model"`
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason"`
	Usage        Usage      `json:"usage"`
}

// StreamChunk represents a streaming response chunk.
type StreamChunk struct {
	Content      string `json:"content,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Done         bool   `json:"done"`
	Err          error  `json:"-"`
}

// Usage tracks token consumption. Cached counts input tokens served from the
// provider's prompt cache; they are included in Input.
type Usage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Cached int `json:"cached"`
}

// Tool defines a function the model may call. Parameters is a JSON schema object.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolCall is the model's request to call a tool. Arguments is raw JSON and
// must be validated by the caller before use.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ProviderConfig holds configuration for a provider instance.
type ProviderConfig struct {
	ID       string        `json:"id"`
	Type     string        `json:"type"`
	Name     string        `json:"name"`
	Endpoint string        `json:"endpoint"`
	APIKey   string        `json:"api_key"`
	Timeout  time.Duration `json:"timeout,omitempty"`
}

// Binding maps a model tier onto a provider model.
type Binding struct {
	ProviderID string `json:"provider_id"`
	Model      string `json:"model"`
}
