// Package cost prices model calls by tier and token counts.
package cost

import (
	"fmt"

	"github.com/nidhogg/maestro/internal/provider"
)

// Rates are USD prices per million tokens.
type Rates struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
	Cached float64 `json:"cached"`
}

// Table maps each model tier to its rates.
type Table map[provider.ModelTier]Rates

// DefaultTable returns list prices for the three tiers.
func DefaultTable() Table {
	return Table{
		provider.TierCheap:    {Input: 0.15, Output: 0.60, Cached: 0.075},
		provider.TierBalanced: {Input: 3.00, Output: 15.00, Cached: 0.30},
		provider.TierCapable:  {Input: 15.00, Output: 75.00, Cached: 1.50},
	}
}

// Merge returns a copy of t with the given tiers replaced.
func (t Table) Merge(overrides Table) Table {
	out := make(Table, len(t))
	for k, v := range t {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// Cost returns the USD cost of a call. input counts uncached prompt tokens,
// cached counts prompt tokens served from the provider cache.
// It panics on a tier missing from the table.
func (t Table) Cost(tier provider.ModelTier, input, output, cached int) float64 {
	r, ok := t[tier]
	if !ok {
		panic(fmt.Sprintf("cost: no pricing for model tier %q", tier))
	}
	return (float64(input)*r.Input + float64(output)*r.Output + float64(cached)*r.Cached) / 1e6
}

// ForUsage prices a provider usage record, where Usage.Input includes cached tokens.
func (t Table) ForUsage(tier provider.ModelTier, u provider.Usage) float64 {
	uncached := u.Input - u.Cached
	if uncached < 0 {
		uncached = 0
	}
	return t.Cost(tier, uncached, u.Output, u.Cached)
}
