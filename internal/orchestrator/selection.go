package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nidhogg/maestro/internal/agent"
	"github.com/nidhogg/maestro/internal/contextmgr"
	"github.com/nidhogg/maestro/internal/provider"
)

const selectTool = "select_agents"

var selectAgentsTool = provider.Tool{
	Name:        selectTool,
	Description: "Choose which tutoring agents should answer the student and how to run them.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"agent_ids": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"minItems":    1,
				"maxItems":    3,
				"description": "Agent IDs in execution order.",
			},
			"strategy": map[string]any{
				"type": "string",
				"enum": []string{string(StrategySingle), string(StrategySequential), string(StrategyParallel)},
			},
			"reason":     map[string]any{"type": "string"},
			"confidence": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
		},
		"required": []string{"agent_ids", "reason", "confidence"},
	},
}

// selectionArgs is the untrusted payload of a select_agents call.
type selectionArgs struct {
	AgentIDs   []string `json:"agent_ids"`
	Strategy   Strategy `json:"strategy"`
	Reason     string   `json:"reason"`
	Confidence *float64 `json:"confidence"`
}

// selectWithLLM asks the selection model to choose agents. Any malformed
// or unknown answer is an error so the caller can fall back to rules.
func (m *Maestro) selectWithLLM(ctx context.Context, input string, c contextmgr.AgentContext, a Analysis) (Plan, agent.Tokens, error) {
	agents := m.registry.All()
	if len(agents) == 0 {
		return Plan{}, agent.Tokens{}, fmt.Errorf("no agents registered")
	}

	var catalog strings.Builder
	known := make(map[string]bool, len(agents))
	for _, ag := range agents {
		cfg := ag.Config()
		known[cfg.ID] = true
		caps := make([]string, len(cfg.Capabilities))
		for i, cp := range cfg.Capabilities {
			caps[i] = string(cp)
		}
		fmt.Fprintf(&catalog, "- %s (%s): %s\n", cfg.ID, cfg.DisplayName, strings.Join(caps, ", "))
	}

	history := contextmgr.FormatHistory(contextmgr.TrimHistory(c.History, 6))
	prompt := fmt.Sprintf("Available agents:\n%s\nDetected intent: %s\nComplexity: %.2f\n\nRecent conversation:\n%s\n\nStudent message:\n%s",
		catalog.String(), a.Intent, a.Complexity, history, input)

	resp, err := m.router.Route(ctx, m.cfg.SelectionTier, &provider.ChatRequest{
		System: "You are Maestro, the lead tutor routing a student's request to specialist agents. " +
			"Pick the fewest agents that fully answer it. Use sequential when a later agent needs an earlier " +
			"agent's output, parallel when their work is independent.",
		Messages:    []provider.Message{{Role: "user", Content: prompt}},
		Tools:       []provider.Tool{selectAgentsTool},
		ToolChoice:  selectTool,
		Temperature: 0,
		MaxTokens:   512,
	})
	if err != nil {
		return Plan{}, agent.Tokens{}, fmt.Errorf("selection call: %w", err)
	}
	used := agent.Tokens{Input: resp.Usage.Input, Output: resp.Usage.Output, Cached: resp.Usage.Cached}

	for _, call := range resp.ToolCalls {
		if call.Name != selectTool {
			continue
		}
		plan, err := parseSelection(call.Arguments, known)
		if err != nil {
			return Plan{}, used, err
		}
		if plan.Confidence < m.cfg.MinConfidence {
			return Plan{}, used, fmt.Errorf("selection confidence %.2f below %.2f", plan.Confidence, m.cfg.MinConfidence)
		}
		return plan, used, nil
	}
	return Plan{}, used, fmt.Errorf("model made no %s call", selectTool)
}

// parseSelection validates a select_agents payload against the known IDs.
func parseSelection(raw string, known map[string]bool) (Plan, error) {
	var args selectionArgs
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return Plan{}, fmt.Errorf("decode selection: %w", err)
	}
	if len(args.AgentIDs) == 0 {
		return Plan{}, fmt.Errorf("selection names no agents")
	}
	if args.Confidence == nil || *args.Confidence < 0 || *args.Confidence > 1 {
		return Plan{}, fmt.Errorf("selection confidence missing or out of range")
	}
	seen := make(map[string]bool, len(args.AgentIDs))
	ids := make([]string, 0, len(args.AgentIDs))
	for _, id := range args.AgentIDs {
		if !known[id] {
			return Plan{}, fmt.Errorf("selection names unknown agent %q", id)
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	strategy := args.Strategy
	switch {
	case len(ids) == 1:
		strategy = StrategySingle
	case !validStrategy(strategy) || strategy == StrategySingle:
		strategy = StrategySequential
	}
	return Plan{
		AgentIDs:   ids,
		Strategy:   strategy,
		Reason:     strings.TrimSpace(args.Reason),
		Confidence: *args.Confidence,
		Source:     SourceLLM,
	}, nil
}
