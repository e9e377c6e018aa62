package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/maestro/internal/contextmgr"
	"github.com/nidhogg/maestro/internal/cost"
	"github.com/nidhogg/maestro/internal/provider"
	"go.uber.org/zap"
)

// Kind is the closed set of specialist variants.
type Kind string

const (
	KindNarrator   Kind = "narrator"
	KindVisualizer Kind = "visualizer"
	KindDecomposer Kind = "decomposer"
	KindPractice   Kind = "practice"
	KindAssessor   Kind = "assessor"
	KindResearcher Kind = "researcher"
	KindDebugger   Kind = "debugger"
	KindWellbeing  Kind = "wellbeing"
)

// Kinds lists every specialist variant.
var Kinds = []Kind{
	KindNarrator, KindVisualizer, KindDecomposer, KindPractice,
	KindAssessor, KindResearcher, KindDebugger, KindWellbeing,
}

// Specialist is a model-backed agent. Variants share the call path and
// differ in prompt, tier and how output is parsed, validated and remembered.
type Specialist struct {
	cfg    Config
	kind   Kind
	router *provider.Router
	prices cost.Table
	logger *zap.Logger
}

// NewSpecialist creates a specialist of kind with cfg.
func NewSpecialist(kind Kind, cfg Config, router *provider.Router, prices cost.Table, logger *zap.Logger) *Specialist {
	return &Specialist{
		cfg:    cfg,
		kind:   kind,
		router: router,
		prices: prices,
		logger: logger.With(zap.String("agent", cfg.ID)),
	}
}

// Config returns the specialist's static configuration.
func (s *Specialist) Config() Config { return s.cfg }

// Kind returns the specialist's variant.
func (s *Specialist) Kind() Kind { return s.kind }

// Execute makes one model call and parses the result.
func (s *Specialist) Execute(ctx context.Context, input string, c contextmgr.AgentContext, opts Options) (*Response, error) {
	start := time.Now()
	tier := ModelTierFor(s.cfg, opts, contextmgr.CalculateComplexity(input, c))

	resp, err := s.router.Route(ctx, tier, s.request(input, c, opts))
	if err != nil {
		return nil, err
	}

	out := &Response{
		AgentName:  s.cfg.DisplayName,
		ModelTier:  tier,
		TokensUsed: Tokens{Input: resp.Usage.Input, Output: resp.Usage.Output, Cached: resp.Usage.Cached},
		CostUSD:    s.prices.ForUsage(tier, resp.Usage),
		Timestamp:  time.Now(),
	}
	out.Content, out.Handoff = extractHandoff(resp.Content)
	out.SetMeta("model", resp.Model)
	s.parse(out)
	out.DurationMs = time.Since(start).Milliseconds()
	return out, nil
}

// Stream streams the answer for input from the agent's model.
func (s *Specialist) Stream(ctx context.Context, input string, c contextmgr.AgentContext, opts Options) (<-chan *provider.StreamChunk, error) {
	tier := ModelTierFor(s.cfg, opts, contextmgr.CalculateComplexity(input, c))
	return s.router.RouteStream(ctx, tier, s.request(input, c, opts))
}

func (s *Specialist) request(input string, c contextmgr.AgentContext, opts Options) *provider.ChatRequest {
	req := &provider.ChatRequest{
		System:      s.systemPrompt(c),
		Messages:    s.messages(input, c),
		Temperature: s.cfg.Temperature,
		MaxTokens:   s.cfg.MaxTokens,
	}
	if opts.Temperature != nil {
		req.Temperature = *opts.Temperature
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	return req
}

func (s *Specialist) systemPrompt(c contextmgr.AgentContext) string {
	var b strings.Builder
	b.WriteString(s.cfg.SystemPrompt)
	if c.Dialect != "" {
		fmt.Fprintf(&b, "\n\nReply in the student's dialect: %s.", c.Dialect)
	}
	if p := c.Profile; p != nil {
		if p.GradeLevel != "" {
			fmt.Fprintf(&b, "\nStudent grade level: %s.", p.GradeLevel)
		}
		if p.LearningStyle != "" {
			fmt.Fprintf(&b, "\nPreferred learning style: %s.", p.LearningStyle)
		}
	}
	if c.Topic != "" {
		fmt.Fprintf(&b, "\nCurrent topic: %s.", c.Topic)
	}
	if len(c.Mastery) > 0 {
		data, _ := json.Marshal(c.Mastery)
		fmt.Fprintf(&b, "\nMastery by knowledge component (0-1): %s", data)
	}
	for _, m := range c.History {
		if m.Role == contextmgr.RoleSystem {
			b.WriteString("\n\n")
			b.WriteString(m.Content)
		}
	}
	return b.String()
}

// messages converts the conversation into provider turns ending with the
// sanitized input as the last user message.
func (s *Specialist) messages(input string, c contextmgr.AgentContext) []provider.Message {
	history := contextmgr.TrimHistory(c.History, s.cfg.ConversationMemorySize)
	msgs := make([]provider.Message, 0, len(history)+1)
	for _, m := range history {
		switch m.Role {
		case contextmgr.RoleUser:
			msgs = append(msgs, provider.Message{Role: "user", Content: m.Content})
		case contextmgr.RoleAgent:
			content := m.Content
			if m.AgentID != "" && m.AgentID != s.cfg.ID {
				content = fmt.Sprintf("[%s] %s", m.AgentID, content)
			}
			msgs = append(msgs, provider.Message{Role: "assistant", Content: content})
		}
	}
	if n := len(msgs); n > 0 && msgs[n-1].Role == "user" {
		msgs[n-1].Content = input
		return msgs
	}
	return append(msgs, provider.Message{Role: "user", Content: input})
}

var (
	handoffMarker = regexp.MustCompile(`\[\[handoff:([A-Za-z0-9_-]+)\|([^\]]*)\]\]`)
	jsonFence     = regexp.MustCompile("(?s)```json\\s*\\n(.*?)```")
	numberedStep  = regexp.MustCompile(`(?m)^\s*(\d+)[.)]\s+(.+)$`)
	scoreLine     = regexp.MustCompile(`(?im)^\s*(?:score|الدرجة)\s*[:：]\s*(\d+(?:\.\d+)?)\s*(?:/\s*(\d+(?:\.\d+)?))?`)
)

// extractHandoff strips the first handoff marker from content.
func extractHandoff(content string) (string, *Handoff) {
	m := handoffMarker.FindStringSubmatch(content)
	if m == nil {
		return content, nil
	}
	cleaned := strings.TrimSpace(handoffMarker.ReplaceAllString(content, ""))
	return cleaned, &Handoff{TargetAgentID: m[1], Reason: strings.TrimSpace(m[2])}
}

func (s *Specialist) parse(r *Response) {
	switch s.kind {
	case KindVisualizer:
		for _, m := range jsonFence.FindAllStringSubmatch(r.Content, -1) {
			var head struct {
				Type  string `json:"type"`
				Title string `json:"title"`
			}
			raw := strings.TrimSpace(m[1])
			if err := json.Unmarshal([]byte(raw), &head); err != nil {
				s.logger.Debug("skipping malformed visualization", zap.Error(err))
				continue
			}
			r.Visualizations = append(r.Visualizations, Visualization{
				Type:  head.Type,
				Title: head.Title,
				Spec:  json.RawMessage(raw),
			})
		}
	case KindDecomposer:
		var steps []string
		for _, m := range numberedStep.FindAllStringSubmatch(r.Content, -1) {
			steps = append(steps, strings.TrimSpace(m[2]))
		}
		if len(steps) > 0 {
			r.SetMeta("steps", steps)
		}
	case KindPractice:
		r.StructuredQuestions = parseQuestions(r.Content)
	case KindAssessor:
		if score, ok := parseScore(r.Content); ok {
			r.SetMeta("score", score)
		}
	}
}

func parseQuestions(content string) []Question {
	raw := ""
	if m := jsonFence.FindStringSubmatch(content); m != nil {
		raw = m[1]
	} else if i, j := strings.Index(content, "["), strings.LastIndex(content, "]"); i >= 0 && j > i {
		raw = content[i : j+1]
	}
	if raw == "" {
		return nil
	}
	var qs []Question
	if err := json.Unmarshal([]byte(raw), &qs); err != nil {
		return nil
	}
	for i := range qs {
		if qs[i].ID == "" {
			qs[i].ID = uuid.NewString()
		}
	}
	return qs
}

// parseScore reads a "score: x" or "score: x/max" line, normalized to [0, 1].
func parseScore(content string) (float64, bool) {
	m := scoreLine.FindStringSubmatch(content)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	max := 100.0
	if m[2] != "" {
		if d, err := strconv.ParseFloat(m[2], 64); err == nil && d > 0 {
			max = d
		}
	} else if v <= 1 {
		max = 1
	}
	score := v / max
	if score > 1 {
		score = 1
	}
	return score, true
}

var (
	drawWords   = []string{"ارسم", "رسم", "draw", "plot", "graph", "chart", "diagram", "مخطط", "منحنى"}
	gradeWords  = []string{"grade", "score", "fail", "درجة", "علامة", "راسب", "الدرجة"}
	sourceWords = []string{"http://", "https://", "source:", "sources:", "المصدر", "المراجع"}
	moodWords   = map[string][]string{
		"tired":    {"tired", "exhausted", "متعب", "تعبان", "مرهق"},
		"anxious":  {"anxious", "stressed", "worried", "قلق", "متوتر", "خايف"},
		"sad":      {"sad", "upset", "حزين", "زعلان"},
		"positive": {"happy", "excited", "سعيد", "مبسوط", "متحمس"},
	}
)

func containsAny(text string, words []string) bool {
	lower := strings.ToLower(text)
	for _, w := range words {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// Validate applies the variant's output checks.
func (s *Specialist) Validate(input string, _ contextmgr.AgentContext, r *Response) []string {
	var issues []string
	switch s.kind {
	case KindVisualizer:
		if len(r.Visualizations) == 0 && containsAny(input, drawWords) {
			issues = append(issues, "drawing requested but no visualization spec was produced")
		}
	case KindDecomposer:
		steps, _ := r.Metadata["steps"].([]string)
		if len(steps) < 2 {
			issues = append(issues, "expected at least two solution steps")
		}
	case KindPractice:
		if len(r.StructuredQuestions) == 0 {
			issues = append(issues, "no structured questions parsed")
		}
		for i, q := range r.StructuredQuestions {
			if strings.TrimSpace(q.Prompt) == "" || strings.TrimSpace(q.Answer) == "" {
				issues = append(issues, fmt.Sprintf("question %d is missing a prompt or answer", i+1))
			}
		}
	case KindAssessor:
		if _, ok := r.Metadata["score"]; !ok {
			issues = append(issues, "missing score line")
		}
	case KindResearcher:
		if !containsAny(r.Content, sourceWords) {
			issues = append(issues, "no sources cited")
		}
	case KindDebugger:
		if strings.Contains(input, "```") && !strings.Contains(r.Content, "```") {
			issues = append(issues, "code was submitted but the answer shows no code")
		}
	case KindWellbeing:
		if containsAny(r.Content, gradeWords) {
			issues = append(issues, "wellbeing reply uses grading language")
		}
	}
	return issues
}

// Remember stores the variant's extra memory entries.
func (s *Specialist) Remember(ctx context.Context, mem *contextmgr.Manager, input string, c contextmgr.AgentContext, r *Response) error {
	entry := contextmgr.MemoryEntry{UserID: c.UserID, AgentID: s.cfg.ID}
	switch s.kind {
	case KindDecomposer:
		entry.Key, entry.Value = "last_problem", input
	case KindPractice:
		if len(r.StructuredQuestions) == 0 {
			return nil
		}
		ids := make([]string, len(r.StructuredQuestions))
		for i, q := range r.StructuredQuestions {
			ids[i] = q.ID
		}
		entry.Key, entry.Value = "last_questions", ids
	case KindAssessor:
		score, ok := r.Metadata["score"]
		if !ok {
			return nil
		}
		entry.Key, entry.Value = "last_score", score
	case KindWellbeing:
		mood := detectMood(input)
		if mood == "" {
			return nil
		}
		entry.Key, entry.Value = "last_mood", mood
	default:
		return nil
	}
	return mem.StoreMemory(ctx, entry)
}

func detectMood(input string) string {
	for _, mood := range []string{"anxious", "tired", "sad", "positive"} {
		if containsAny(input, moodWords[mood]) {
			return mood
		}
	}
	return ""
}
