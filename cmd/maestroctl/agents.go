package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/nidhogg/maestro/internal/agent"
	"github.com/nidhogg/maestro/internal/app"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	agentsCapability string
	agentsTier       string
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List registered agents",
	RunE:  runAgents,
}

func init() {
	agentsCmd.Flags().StringVar(&agentsCapability, "capability", "", "only agents with this capability")
	agentsCmd.Flags().StringVar(&agentsTier, "tier", "", "only agents in this tier")
}

func runAgents(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// Listing needs no backends.
	cfg.Database.Postgres.DSN = ""
	cfg.Database.Redis.URL = ""
	cfg.Memory.Persist = false
	cfg.RateLimit.Backend = "memory"

	a, err := app.Build(cmd.Context(), cfg, zap.NewNop())
	if err != nil {
		return fmt.Errorf("wire maestro: %w", err)
	}
	defer a.Close()

	var agents []agent.Agent
	switch {
	case agentsCapability != "":
		agents = a.Registry.ByCapability(agent.Capability(agentsCapability))
	case agentsTier != "":
		agents = a.Registry.ByTier(agent.Tier(agentsTier))
	default:
		agents = a.Registry.All()
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTIER\tMODEL\tCAPABILITIES")
	for _, ag := range agents {
		c := ag.Config()
		caps := make([]string, len(c.Capabilities))
		for i, cp := range c.Capabilities {
			caps[i] = string(cp)
		}
		name := c.DisplayName
		if c.LocalizedName != "" {
			name += " / " + c.LocalizedName
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", c.ID, name, c.Tier, c.DefaultModel, strings.Join(caps, ","))
	}
	return w.Flush()
}
