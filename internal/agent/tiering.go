package agent

import (
	"github.com/nidhogg/maestro/internal/provider"
)

// Complexity thresholds for moving an agent off its default model tier.
const (
	PromoteAbove = 0.8
	DemoteBelow  = 0.3
)

// SelectTier picks the model tier for a call. Hard requests move one tier
// up, easy ones one tier down. Orchestration agents are never demoted.
func SelectTier(def provider.ModelTier, tier Tier, complexity float64) provider.ModelTier {
	rank := def.Rank()
	if rank < 0 {
		return def
	}
	switch {
	case complexity >= PromoteAbove && rank < len(provider.Tiers)-1:
		rank++
	case complexity <= DemoteBelow && rank > 0 && tier != TierOrchestration:
		rank--
	}
	return provider.Tiers[rank]
}

// ModelTierFor resolves the tier for one invocation of cfg.
func ModelTierFor(cfg Config, opts Options, complexity float64) provider.ModelTier {
	if opts.Tier != "" {
		return opts.Tier
	}
	if opts.Complexity != nil {
		complexity = *opts.Complexity
	}
	return SelectTier(cfg.DefaultModel, cfg.Tier, complexity)
}
