package agent

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Registry is the directory of live agents. Reads are safe to run
// concurrently with each other and with the rare writes.
type Registry struct {
	agents map[string]Agent
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		agents: make(map[string]Agent),
		logger: logger,
	}
}

// Register adds an agent. IDs must be unique.
func (r *Registry) Register(a Agent) error {
	cfg := a.Config()
	if cfg.ID == "" {
		return fmt.Errorf("register agent: empty id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[cfg.ID]; ok {
		return fmt.Errorf("register %s: %w", cfg.ID, ErrDuplicateAgent)
	}
	r.agents[cfg.ID] = a
	r.logger.Info("registered agent",
		zap.String("id", cfg.ID),
		zap.String("tier", string(cfg.Tier)),
		zap.String("model", string(cfg.DefaultModel)))
	return nil
}

// Get returns an agent by ID.
func (r *Registry) Get(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// All returns every agent sorted by ID.
func (r *Registry) All() []Agent {
	return r.filter(func(Config) bool { return true })
}

// ByCapability returns agents declaring capability c, sorted by ID.
func (r *Registry) ByCapability(c Capability) []Agent {
	return r.filter(func(cfg Config) bool { return cfg.Has(c) })
}

// ByTier returns agents in tier t, sorted by ID.
func (r *Registry) ByTier(t Tier) []Agent {
	return r.filter(func(cfg Config) bool { return cfg.Tier == t })
}

// IDs returns the registered IDs in sorted order.
func (r *Registry) IDs() []string {
	all := r.All()
	ids := make([]string, len(all))
	for i, a := range all {
		ids[i] = a.Config().ID
	}
	return ids
}

// Unregister removes an agent and reports whether it was present.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.agents[id]
	delete(r.agents, id)
	return ok
}

// Clear removes every agent.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = make(map[string]Agent)
}

func (r *Registry) filter(keep func(Config) bool) []Agent {
	r.mu.RLock()
	result := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		if keep(a.Config()) {
			result = append(result, a)
		}
	}
	r.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool {
		return result[i].Config().ID < result[j].Config().ID
	})
	return result
}
