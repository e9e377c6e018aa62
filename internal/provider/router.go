package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ErrUnboundTier reports a model tier with no provider model bound to it.
var ErrUnboundTier = errors.New("no model bound to tier")

// Router manages multiple LLM providers and routes requests by model tier.
type Router struct {
	providers map[string]Provider
	bindings  map[ModelTier]Binding   // tier -> primary provider model
	fallbacks map[ModelTier][]Binding // tier -> fallback chain
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewRouter creates a new provider router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		providers: make(map[string]Provider),
		bindings:  make(map[ModelTier]Binding),
		fallbacks: make(map[ModelTier][]Binding),
		logger:    logger,
	}
}

// Register adds a provider to the router.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
	r.logger.Info("registered provider", zap.String("id", p.ID()), zap.String("name", p.Name()))
}

// Bind associates a model tier with a provider model.
func (r *Router) Bind(tier ModelTier, b Binding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[tier] = b
}

// SetFallbacks configures fallback provider models for a tier.
func (r *Router) SetFallbacks(tier ModelTier, chain []Binding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[tier] = chain
}

// Model returns the model name a tier currently resolves to.
func (r *Router) Model(tier ModelTier) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bindings[tier].Model
}

// Route sends a chat request through the provider bound to tier, walking the
// fallback chain when the primary fails. req is not modified.
func (r *Router) Route(ctx context.Context, tier ModelTier, req *ChatRequest) (*ChatResponse, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	primary, binding, err := r.getProvider(tier)
	if err != nil {
		return nil, err
	}

	resp, err := primary.Chat(ctx, withModel(req, binding.Model))
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}
	r.logger.Warn("primary provider failed, trying fallbacks",
		zap.String("tier", string(tier)), zap.String("provider", primary.ID()), zap.Error(err))

	for _, fb := range r.fallbacks[tier] {
		p, ok := r.providers[fb.ProviderID]
		if !ok {
			continue
		}
		resp, err = p.Chat(ctx, withModel(req, fb.Model))
		if err == nil {
			return resp, nil
		}
		r.logger.Warn("fallback provider failed", zap.String("provider", fb.ProviderID), zap.Error(err))
	}

	return nil, fmt.Errorf("all providers failed for tier %s: %w", tier, err)
}

// RouteStream sends a streaming chat request to the tier's primary provider.
func (r *Router) RouteStream(ctx context.Context, tier ModelTier, req *ChatRequest) (<-chan *StreamChunk, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	primary, binding, err := r.getProvider(tier)
	if err != nil {
		return nil, err
	}
	return primary.ChatStream(ctx, withModel(req, binding.Model))
}

// getProvider resolves the provider bound to tier. An unbound tier is an
// error; requests never go out without a model.
func (r *Router) getProvider(tier ModelTier) (Provider, Binding, error) {
	b, ok := r.bindings[tier]
	if !ok || b.Model == "" {
		return nil, Binding{}, fmt.Errorf("%w: %q", ErrUnboundTier, tier)
	}
	p, ok := r.providers[b.ProviderID]
	if !ok {
		return nil, Binding{}, fmt.Errorf("tier %s: provider %q not registered", tier, b.ProviderID)
	}
	return p, b, nil
}

// Providers returns the registered providers sorted by ID.
func (r *Router) Providers() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID() < result[j].ID() })
	return result
}

func withModel(req *ChatRequest, model string) *ChatRequest {
	out := *req
	if model != "" {
		out.Model = model
	}
	return &out
}
