package orchestrator

import (
	"context"
	"fmt"

	"github.com/nidhogg/maestro/internal/agent"
	"github.com/nidhogg/maestro/internal/contextmgr"
	"github.com/nidhogg/maestro/internal/cost"
	"github.com/nidhogg/maestro/internal/provider"
	"go.uber.org/zap"
)

// missingAgentKey marks a context in which Maestro answers for an agent
// that is not registered.
const missingAgentKey = "missingAgent"

const selfPrompt = `You are Maestro, the lead tutor of an Arabic-first learning platform.
Answer the student directly, clearly and kindly. Prefer short explanations
with one worked example. Never invent facts you are unsure about.`

// selfAgent lets Maestro answer on its own when a selected specialist is
// not available. It is never registered.
type selfAgent struct {
	*agent.Specialist
}

func newSelfAgent(tier provider.ModelTier, router *provider.Router, prices cost.Table, logger *zap.Logger) *selfAgent {
	cfg := agent.Config{
		ID:                     SelfID,
		DisplayName:            "Maestro",
		LocalizedName:          "المايسترو",
		Tier:                   agent.TierOrchestration,
		DefaultModel:           tier,
		SystemPrompt:           selfPrompt,
		Capabilities:           []agent.Capability{agent.CapOrchestrate, agent.CapExplain},
		Temperature:            0.5,
		MaxTokens:              2048,
		ConversationMemorySize: 10,
	}
	return &selfAgent{Specialist: agent.NewSpecialist(agent.KindNarrator, cfg, router, prices, logger)}
}

// Execute answers input, telling the model which specialist it stands in
// for when the context carries one.
func (s *selfAgent) Execute(ctx context.Context, input string, c contextmgr.AgentContext, opts agent.Options) (*agent.Response, error) {
	if id, ok := c.Metadata[missingAgentKey].(string); ok && id != "" {
		c = c.WithMessage(contextmgr.Message{
			Role: contextmgr.RoleSystem,
			Content: fmt.Sprintf("The %q specialist is unavailable right now. Answer the request yourself "+
				"as well as you can and mention briefly that a specialised answer was not possible.", id),
		})
	}
	return s.Specialist.Execute(ctx, input, c, opts)
}
