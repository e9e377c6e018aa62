// Package providertest offers an in-memory provider.Provider for tests.
package providertest

import (
	"context"
	"strings"
	"sync"

	"github.com/nidhogg/maestro/internal/provider"
)

// ChatFunc answers one chat request.
type ChatFunc func(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error)

// Fake is a scripted provider. Requests are recorded in arrival order.
type Fake struct {
	id   string
	chat ChatFunc

	mu       sync.Mutex
	requests []*provider.ChatRequest
}

// New creates a Fake that answers every request with fn.
func New(id string, fn ChatFunc) *Fake {
	return &Fake{id: id, chat: fn}
}

// Echo creates a Fake that replies with "<prefix>: <last user message>".
func Echo(id, prefix string) *Fake {
	return New(id, func(_ context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		last := ""
		if n := len(req.Messages); n > 0 {
			last = req.Messages[n-1].Content
		}
		return &provider.ChatResponse{
			Model:   req.Model,
			Content: prefix + ": " + last,
			Usage:   provider.Usage{Input: 100, Output: 50},
		}, nil
	})
}

func (f *Fake) ID() string   { return f.id }
func (f *Fake) Name() string { return "fake " + f.id }

// Chat records the request and delegates to the scripted function.
func (f *Fake) Chat(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	f.mu.Lock()
	cp := *req
	f.requests = append(f.requests, &cp)
	f.mu.Unlock()
	return f.chat(ctx, req)
}

// ChatStream replays the Chat answer word by word.
func (f *Fake) ChatStream(ctx context.Context, req *provider.ChatRequest) (<-chan *provider.StreamChunk, error) {
	resp, err := f.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	ch := make(chan *provider.StreamChunk, 8)
	go func() {
		defer close(ch)
		for i, w := range strings.Fields(resp.Content) {
			if i > 0 {
				w = " " + w
			}
			select {
			case ch <- &provider.StreamChunk{Content: w}:
			case <-ctx.Done():
				return
			}
		}
		ch <- &provider.StreamChunk{Done: true}
	}()
	return ch, nil
}

func (f *Fake) HealthCheck(context.Context) error { return nil }

// Requests returns a snapshot of the recorded requests.
func (f *Fake) Requests() []*provider.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*provider.ChatRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

// Router returns a router with f registered and every tier bound to it.
func Router(f *Fake, r *provider.Router) *provider.Router {
	r.Register(f)
	for _, t := range provider.Tiers {
		r.Bind(t, provider.Binding{ProviderID: f.ID(), Model: string(t) + "-model"})
	}
	return r
}
