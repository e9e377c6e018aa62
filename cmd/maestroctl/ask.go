package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nidhogg/maestro/internal/app"
	"github.com/nidhogg/maestro/internal/orchestrator"
	"github.com/spf13/cobra"
)

var (
	askUser    string
	askSession string
	askDialect string
	askAgent   string
	askJSON    bool
	askTrace   bool
)

var askCmd = &cobra.Command{
	Use:   "ask <message>",
	Short: "Send one message through Maestro",
	Long: `Send one student message through the full pipeline and print the answer.

With --agent the message goes straight to that agent, skipping routing.
With --trace the routing decision is printed after the answer.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVarP(&askUser, "user", "u", "cli-user", "student user id")
	askCmd.Flags().StringVarP(&askSession, "session", "s", "", "session id (history is kept when a database is configured)")
	askCmd.Flags().StringVarP(&askDialect, "dialect", "d", "", "force a reply dialect")
	askCmd.Flags().StringVarP(&askAgent, "agent", "a", "", "run a single agent instead of routing")
	askCmd.Flags().BoolVar(&askJSON, "json", false, "print the raw JSON result")
	askCmd.Flags().BoolVar(&askTrace, "trace", false, "print the orchestration trace")
}

func runAsk(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger()
	defer logger.Sync()

	ctx := cmd.Context()
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("wire maestro: %w", err)
	}
	defer a.Close()

	req := orchestrator.Request{
		UserID:    askUser,
		Message:   strings.Join(args, " "),
		SessionID: askSession,
		Dialect:   askDialect,
	}
	out := cmd.OutOrStdout()

	if askAgent != "" {
		resp, err := a.Maestro.RunAgent(ctx, askAgent, req)
		if err != nil {
			return err
		}
		if askJSON {
			return printJSON(cmd, resp)
		}
		fmt.Fprintf(out, "[%s] %s\n", resp.AgentID, resp.Content)
		fmt.Fprintf(out, "\n%d in / %d out tokens, $%.5f, %dms\n",
			resp.TokensUsed.Input, resp.TokensUsed.Output, resp.CostUSD, resp.DurationMs)
		return nil
	}

	res, err := a.Maestro.Handle(ctx, req)
	if err != nil {
		return err
	}
	if askJSON {
		return printJSON(cmd, res)
	}
	fmt.Fprintf(out, "[%s] %s\n", res.Response.AgentID, res.Response.Content)
	fmt.Fprintf(out, "\n%d in / %d out tokens, $%.5f, %dms\n",
		res.Response.TokensUsed.Input, res.Response.TokensUsed.Output, res.Response.CostUSD, res.Trace.DurationMs)
	if askTrace {
		t := res.Trace
		fmt.Fprintf(out, "\nintent:     %s (complexity %.2f)\n", t.Intent, t.Complexity)
		fmt.Fprintf(out, "agents:     %s (%s, via %s)\n", strings.Join(t.SelectedAgents, ", "), t.Strategy, t.SelectionSource)
		fmt.Fprintf(out, "reasoning:  %s\n", t.Reasoning)
		if len(t.MissingAgents) > 0 {
			fmt.Fprintf(out, "missing:    %s\n", strings.Join(t.MissingAgents, ", "))
		}
		for _, s := range t.Steps {
			fmt.Fprintf(out, "  - %-12s %-8s %5dms", s.AgentID, s.Status, s.DurationMs)
			if s.Error != "" {
				fmt.Fprintf(out, "  %s", s.Error)
			}
			fmt.Fprintln(out)
		}
	}
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
