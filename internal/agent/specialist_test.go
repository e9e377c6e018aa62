package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/nidhogg/maestro/internal/contextmgr"
	"github.com/nidhogg/maestro/internal/cost"
	"github.com/nidhogg/maestro/internal/provider"
	"github.com/nidhogg/maestro/internal/provider/providertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func specialistWith(t *testing.T, id, reply string) (*Specialist, *providertest.Fake) {
	t.Helper()
	fake := providertest.New("fake", func(_ context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		return &provider.ChatResponse{Model: req.Model, Content: reply, Usage: provider.Usage{Input: 1000, Output: 200, Cached: 400}}, nil
	})
	router := providertest.Router(fake, provider.NewRouter(zap.NewNop()))
	for _, cfg := range DefaultConfigs() {
		if cfg.ID == id {
			s, err := Build(cfg, router, cost.DefaultTable(), zap.NewNop())
			require.NoError(t, err)
			return s, fake
		}
	}
	t.Fatalf("no default config for %s", id)
	return nil, nil
}

func TestSpecialistUsageAndCost(t *testing.T) {
	s, fake := specialistWith(t, "narrator", "Fractions are parts of a whole.")
	resp, err := s.Execute(context.Background(), "what are fractions", contextmgr.AgentContext{}, Options{})
	require.NoError(t, err)

	assert.Equal(t, provider.TierBalanced, resp.ModelTier)
	assert.Equal(t, Tokens{Input: 1000, Output: 200, Cached: 400}, resp.TokensUsed)
	assert.InDelta(t, cost.DefaultTable().Cost(provider.TierBalanced, 600, 200, 400), resp.CostUSD, 1e-12)
	assert.Equal(t, "balanced-model", resp.Metadata["model"])

	reqs := fake.Requests()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].System, "You explain concepts")
	assert.Equal(t, 0.7, reqs[0].Temperature)
}

func TestSpecialistMessagesReplaceCurrentTurn(t *testing.T) {
	s, fake := specialistWith(t, "visualizer", "ok")
	c := contextmgr.AgentContext{Dialect: "egyptian", History: []contextmgr.Message{
		{Role: contextmgr.RoleSystem, Content: "standing rule"},
		{Role: contextmgr.RoleUser, Content: "raw   input"},
		{Role: contextmgr.RoleAgent, AgentID: "decomposer", Content: "1. step"},
	}}
	_, err := s.Execute(context.Background(), "draw it", c, Options{})
	require.NoError(t, err)

	req := fake.Requests()[0]
	assert.Contains(t, req.System, "standing rule")
	assert.Contains(t, req.System, "egyptian")
	require.Len(t, req.Messages, 3)
	assert.Equal(t, provider.Message{Role: "user", Content: "raw   input"}, req.Messages[0])
	assert.Equal(t, provider.Message{Role: "assistant", Content: "[decomposer] 1. step"}, req.Messages[1])
	assert.Equal(t, provider.Message{Role: "user", Content: "draw it"}, req.Messages[2])
}

func TestSpecialistPinnedTier(t *testing.T) {
	s, fake := specialistWith(t, "narrator", "ok")
	resp, err := s.Execute(context.Background(), "hi", contextmgr.AgentContext{}, Options{Tier: provider.TierCapable})
	require.NoError(t, err)
	assert.Equal(t, provider.TierCapable, resp.ModelTier)
	assert.Equal(t, "capable-model", fake.Requests()[0].Model)
}

func TestHandoffMarker(t *testing.T) {
	s, _ := specialistWith(t, "narrator", "This needs a drawing. [[handoff:visualizer|student asked for a graph]]")
	resp, err := s.Execute(context.Background(), "explain", contextmgr.AgentContext{}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "This needs a drawing.", resp.Content)
	require.NotNil(t, resp.Handoff)
	assert.Equal(t, "visualizer", resp.Handoff.TargetAgentID)
	assert.Equal(t, "student asked for a graph", resp.Handoff.Reason)
}

func TestVisualizerParsesSpecs(t *testing.T) {
	reply := "Here is the parabola:\n```json\n{\"type\":\"function_plot\",\"title\":\"y=x^2\",\"expr\":\"x^2\"}\n```\nand a broken one\n```json\n{nope\n```"
	s, _ := specialistWith(t, "visualizer", reply)
	resp, err := s.Execute(context.Background(), "ارسم دالة تربيعية", contextmgr.AgentContext{}, Options{})
	require.NoError(t, err)
	require.Len(t, resp.Visualizations, 1)
	assert.Equal(t, "function_plot", resp.Visualizations[0].Type)
	assert.Equal(t, "y=x^2", resp.Visualizations[0].Title)
	assert.Empty(t, s.Validate("ارسم دالة تربيعية", contextmgr.AgentContext{}, resp))

	empty := &Response{Content: "no figure"}
	assert.Len(t, s.Validate("ارسم دالة", contextmgr.AgentContext{}, empty), 1)
	assert.Empty(t, s.Validate("what is a parabola", contextmgr.AgentContext{}, empty))
}

func TestDecomposerSteps(t *testing.T) {
	s, _ := specialistWith(t, "decomposer", "1. Move 3 to the right side.\n2) Divide by 2.\nAnswer: x = 2")
	resp, err := s.Execute(context.Background(), "2x + 3 = 7", contextmgr.AgentContext{}, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"Move 3 to the right side.", "Divide by 2."}, resp.Metadata["steps"])
	assert.Empty(t, s.Validate("", contextmgr.AgentContext{}, resp))

	assert.Equal(t, []string{"expected at least two solution steps"},
		s.Validate("", contextmgr.AgentContext{}, &Response{Content: "x = 2"}))
}

func TestPracticeQuestions(t *testing.T) {
	reply := "```json\n[{\"prompt\":\"2+2?\",\"answer\":\"4\"},{\"prompt\":\"3*3?\",\"answer\":\"\"}]\n```"
	s, _ := specialistWith(t, "practice", reply)
	resp, err := s.Execute(context.Background(), "give me practice", contextmgr.AgentContext{}, Options{})
	require.NoError(t, err)
	require.Len(t, resp.StructuredQuestions, 2)
	assert.NotEmpty(t, resp.StructuredQuestions[0].ID)
	assert.Equal(t, []string{"question 2 is missing a prompt or answer"},
		s.Validate("", contextmgr.AgentContext{}, resp))
}

func TestParseScore(t *testing.T) {
	cases := map[string]float64{
		"score: 7/10\nGood work":   0.7,
		"Score: 85":                0.85,
		"الدرجة: 0.5":              0.5,
		"score: 12/10 overachiever": 1,
	}
	for text, want := range cases {
		got, ok := parseScore(text)
		require.True(t, ok, text)
		assert.InDelta(t, want, got, 1e-9, text)
	}
	_, ok := parseScore("no score here")
	assert.False(t, ok)
}

func TestWellbeingValidationAndMemory(t *testing.T) {
	s, _ := specialistWith(t, "wellbeing", "That sounds hard. Take a short break.")
	mgr := contextmgr.NewManager(contextmgr.DefaultConfig(), nil, nil, zap.NewNop())
	c := contextmgr.AgentContext{UserID: "u"}

	resp, err := s.Execute(context.Background(), "I am so tired and stressed", c, Options{})
	require.NoError(t, err)
	assert.Empty(t, s.Validate("", c, resp))
	assert.NotEmpty(t, s.Validate("", c, &Response{Content: "Your grade will improve"}))

	require.NoError(t, s.Remember(context.Background(), mgr, "I am so tired and stressed", c, resp))
	got, ok, err := mgr.Memory().Latest(context.Background(), "u", "wellbeing", "last_mood")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "anxious", got.Value)
}

func TestBuildRejectsUnknownVariant(t *testing.T) {
	_, err := Build(Config{ID: "simulator", DefaultModel: provider.TierCheap}, nil, cost.DefaultTable(), zap.NewNop())
	assert.Error(t, err)

	_, err = Build(Config{ID: "x", Variant: KindNarrator, DefaultModel: "huge"}, nil, cost.DefaultTable(), zap.NewNop())
	assert.Error(t, err)
}

func TestRegisterAllDefaults(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	require.NoError(t, RegisterAll(r, DefaultConfigs(), provider.NewRouter(zap.NewNop()), cost.DefaultTable(), zap.NewNop()))
	assert.Len(t, r.All(), len(Kinds))
	_, ok := r.Get("simulator")
	assert.False(t, ok)
}

func TestLoadPrompt(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "narrator"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "narrator", "SYSTEM.md"), []byte("custom prompt\n"), 0o644))

	cfgs := ApplyPromptDir(DefaultConfigs(), dir)
	for _, c := range cfgs {
		if c.ID == "narrator" {
			assert.Equal(t, "custom prompt", c.SystemPrompt)
		} else {
			assert.NotEqual(t, "custom prompt", c.SystemPrompt)
		}
	}
	assert.Empty(t, LoadPrompt("", "narrator"))
}
