package agent

import (
	"fmt"

	"github.com/nidhogg/maestro/internal/cost"
	"github.com/nidhogg/maestro/internal/provider"
	"go.uber.org/zap"
)

// DefaultConfigs returns the built-in specialist definitions.
func DefaultConfigs() []Config {
	return []Config{
		{
			ID: "narrator", DisplayName: "Narrator", LocalizedName: "الراوي",
			Tier: TierContent, DefaultModel: provider.TierBalanced,
			Capabilities: []Capability{CapExplain, CapTranslate},
			Temperature:  0.7, MaxTokens: 2048, MaxRequestsPerMinute: 60, ConversationMemorySize: 10,
			SystemPrompt: "You explain concepts to school students with clear stories and everyday examples. " +
				"Build on what the student already knows and end with one check-for-understanding question.",
		},
		{
			ID: "visualizer", DisplayName: "Visualizer", LocalizedName: "الرسّام",
			Tier: TierContent, DefaultModel: provider.TierBalanced,
			Capabilities: []Capability{CapVisualize},
			Temperature:  0.3, MaxTokens: 2048, MaxRequestsPerMinute: 30, ConversationMemorySize: 6,
			SystemPrompt: "You turn math and science ideas into visualizations. For every figure emit a ```json block " +
				`with "type" (function_plot, bar_chart, diagram, geometry), "title" and the data needed to draw it, ` +
				"followed by a short explanation of what the figure shows.",
		},
		{
			ID: "decomposer", DisplayName: "Problem Decomposer", LocalizedName: "مفكك المسائل",
			Tier: TierLearning, DefaultModel: provider.TierBalanced,
			Capabilities: []Capability{CapSolve},
			Temperature:  0.2, MaxTokens: 3072, MaxRequestsPerMinute: 30, ConversationMemorySize: 10,
			SystemPrompt: "You solve problems step by step. Write each step as a numbered line (1. 2. 3.) " +
				"stating what is done and why, then give the final answer on its own line.",
		},
		{
			ID: "practice", DisplayName: "Practice Coach", LocalizedName: "مدرب التمارين",
			Tier: TierLearning, DefaultModel: provider.TierCheap,
			Capabilities: []Capability{CapPractice, CapCreate},
			Temperature:  0.8, MaxTokens: 2048, MaxRequestsPerMinute: 30, ConversationMemorySize: 6,
			SystemPrompt: "You write practice questions matched to the student's level. Return them as a ```json array " +
				`of objects with "prompt", "answer", optional "choices", "hint" and "difficulty".`,
		},
		{
			ID: "assessor", DisplayName: "Assessor", LocalizedName: "المقيّم",
			Tier: TierLearning, DefaultModel: provider.TierBalanced,
			Capabilities: []Capability{CapAssess, CapReview},
			Temperature:  0.1, MaxTokens: 1536, MaxRequestsPerMinute: 30, ConversationMemorySize: 10,
			SystemPrompt: "You assess the student's answer or work. Start with a line 'score: <n>/<max>', " +
				"then list what is correct, what is wrong and how to fix it.",
		},
		{
			ID: "researcher", DisplayName: "Researcher", LocalizedName: "الباحث",
			Tier: TierContent, DefaultModel: provider.TierCapable,
			Capabilities: []Capability{CapResearch},
			Temperature:  0.4, MaxTokens: 3072, MaxRequestsPerMinute: 20, ConversationMemorySize: 6,
			SystemPrompt: "You research questions that need background knowledge. Summarize findings for a student " +
				"and finish with a 'Sources:' list.",
		},
		{
			ID: "debugger", DisplayName: "Code Debugger", LocalizedName: "مصحح الأكواد",
			Tier: TierSupport, DefaultModel: provider.TierBalanced,
			Capabilities: []Capability{CapDebug},
			Temperature:  0.2, MaxTokens: 2048, MaxRequestsPerMinute: 30, ConversationMemorySize: 8,
			SystemPrompt: "You help students find bugs in their code. Point at the faulty line, explain the cause " +
				"and show the corrected code in a fenced block.",
		},
		{
			ID: "wellbeing", DisplayName: "Wellbeing Companion", LocalizedName: "رفيق الدعم",
			Tier: TierSupport, DefaultModel: provider.TierCheap,
			Capabilities: []Capability{CapWellbeing},
			Temperature:  0.5, MaxTokens: 1024, MaxRequestsPerMinute: 30, ConversationMemorySize: 10,
			SystemPrompt: "You support students who feel stressed, tired or discouraged. Be warm and brief, " +
				"never judge or grade, and suggest one small next step.",
		},
	}
}

// Build creates the specialist for cfg. The variant defaults to the ID.
func Build(cfg Config, router *provider.Router, prices cost.Table, logger *zap.Logger) (*Specialist, error) {
	kind := cfg.Variant
	if kind == "" {
		kind = Kind(cfg.ID)
	}
	for _, k := range Kinds {
		if k == kind {
			if cfg.DefaultModel.Rank() < 0 {
				return nil, fmt.Errorf("agent %s: unknown model tier %q", cfg.ID, cfg.DefaultModel)
			}
			return NewSpecialist(kind, cfg, router, prices, logger), nil
		}
	}
	return nil, fmt.Errorf("agent %s: unknown variant %q", cfg.ID, kind)
}

// RegisterAll builds and registers a specialist for every config.
func RegisterAll(reg *Registry, cfgs []Config, router *provider.Router, prices cost.Table, logger *zap.Logger) error {
	for _, cfg := range cfgs {
		s, err := Build(cfg, router, prices, logger)
		if err != nil {
			return err
		}
		if err := reg.Register(s); err != nil {
			return err
		}
	}
	return nil
}
