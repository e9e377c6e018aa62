package orchestrator

// Rule maps an analyzed request to a plan when no LLM selection is used.
type Rule struct {
	Name     string
	Match    func(a Analysis) bool
	AgentIDs []string
	Strategy Strategy
}

func intentIs(i Intent) func(Analysis) bool {
	return func(a Analysis) bool { return a.Intent == i }
}

// DefaultRules is the fallback routing table, checked in order.
var DefaultRules = []Rule{
	{
		Name:     "simulation requested",
		Match:    func(a Analysis) bool { return a.NeedsSimulation && a.Intent != IntentWellbeing },
		AgentIDs: []string{"simulator"},
		Strategy: StrategySingle,
	},
	{Name: "wellbeing", Match: intentIs(IntentWellbeing), AgentIDs: []string{"wellbeing"}, Strategy: StrategySingle},
	{Name: "debug", Match: intentIs(IntentDebug), AgentIDs: []string{"debugger"}, Strategy: StrategySingle},
	{
		Name:     "complex problem: decompose then draw",
		Match:    func(a Analysis) bool { return a.Intent == IntentSolve && a.Complexity > 0.6 },
		AgentIDs: []string{"decomposer", "visualizer"},
		Strategy: StrategySequential,
	},
	{Name: "solve", Match: intentIs(IntentSolve), AgentIDs: []string{"decomposer"}, Strategy: StrategySingle},
	{
		Name:     "explanation with a visual",
		Match:    func(a Analysis) bool { return a.Intent == IntentExplain && a.NeedsVisualization },
		AgentIDs: []string{"narrator", "visualizer"},
		Strategy: StrategySequential,
	},
	{
		Name:     "deep explanation with background",
		Match:    func(a Analysis) bool { return a.Intent == IntentExplain && a.Complexity > 0.7 },
		AgentIDs: []string{"narrator", "researcher"},
		Strategy: StrategyParallel,
	},
	{Name: "explain", Match: intentIs(IntentExplain), AgentIDs: []string{"narrator"}, Strategy: StrategySingle},
	{Name: "visualize", Match: intentIs(IntentVisualize), AgentIDs: []string{"visualizer"}, Strategy: StrategySingle},
	{Name: "practice", Match: intentIs(IntentPractice), AgentIDs: []string{"practice"}, Strategy: StrategySingle},
	{Name: "create", Match: intentIs(IntentCreate), AgentIDs: []string{"practice"}, Strategy: StrategySingle},
	{Name: "assess", Match: intentIs(IntentAssess), AgentIDs: []string{"assessor"}, Strategy: StrategySingle},
	{
		Name:     "review: feedback and fresh practice",
		Match:    intentIs(IntentReview),
		AgentIDs: []string{"assessor", "practice"},
		Strategy: StrategyParallel,
	},
	{Name: "research", Match: intentIs(IntentResearch), AgentIDs: []string{"researcher"}, Strategy: StrategySingle},
	{Name: "translate", Match: intentIs(IntentTranslate), AgentIDs: []string{"narrator"}, Strategy: StrategySingle},
}

// fallbackPlan is used when no rule matches.
var fallbackPlan = Plan{
	AgentIDs: []string{"narrator"},
	Strategy: StrategySingle,
	Reason:   "rule: general",
}

// PlanByRules returns the first matching rule's plan.
func PlanByRules(rules []Rule, a Analysis) Plan {
	for _, r := range rules {
		if r.Match(a) {
			return Plan{
				AgentIDs:   append([]string(nil), r.AgentIDs...),
				Strategy:   r.Strategy,
				Reason:     "rule: " + r.Name,
				Confidence: 1,
				Source:     SourceRules,
			}
		}
	}
	p := fallbackPlan
	p.AgentIDs = append([]string(nil), fallbackPlan.AgentIDs...)
	p.Confidence = 1
	p.Source = SourceRules
	return p
}
