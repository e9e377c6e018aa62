package orchestrator

import (
	"strings"
	"unicode"

	"github.com/nidhogg/maestro/internal/contextmgr"
)

type intentRule struct {
	intent   Intent
	keywords []string
}

// intentRules are checked in order and the first hit wins. Keywords match
// whole words or phrases; a trailing * matches any word with that prefix.
var intentRules = []intentRule{
	{IntentWellbeing, []string{
		"stressed", "anxious", "overwhelmed", "give up", "burned out", "exhausted", "depressed",
		"متعب", "تعبان", "قلق*", "متوتر", "خايف", "زهقت", "محبط*", "مكتئب", "ضغط نفسي",
	}},
	{IntentDebug, []string{
		"debug*", "bug", "bugs", "error", "exception", "stack trace", "not working", "doesn't work", "traceback",
		"خطأ في الكود", "الكود لا يعمل", "مشكلة في الكود", "ايرور",
	}},
	{IntentExplain, []string{
		"explain*", "what is", "what are", "why", "how does", "how do", "meaning of", "tell me about",
		"اشرح*", "وضح*", "فسر*", "ما هو", "ما هي", "ما معنى", "لماذا", "ليش", "ليه", "كيف يعمل", "يعني ايه",
	}},
	{IntentVisualize, []string{
		"draw", "plot", "graph", "sketch", "visualize", "visualise", "chart", "diagram",
		"ارسم*", "رسم", "مخطط", "منحنى", "شكل بياني", "تمثيل بياني",
	}},
	{IntentPractice, []string{
		"practice", "exercise*", "quiz", "drill", "test me", "questions",
		"تمرين", "تمارين", "تدرب*", "اختبرني", "أسئلة", "اسئلة", "مسائل",
	}},
	{IntentSolve, []string{
		"solve", "calculate", "compute", "find", "evaluate the", "simplify",
		"حل", "احسب", "أوجد", "اوجد", "جد", "بسط",
	}},
	{IntentResearch, []string{
		"research", "sources", "history of", "who discovered", "who invented", "look up",
		"ابحث", "بحث", "مصادر", "من اكتشف", "من اخترع", "تاريخ",
	}},
	{IntentAssess, []string{
		"grade", "assess*", "check my answer", "is this correct", "is my answer", "mark my",
		"قيم*", "قيّم*", "صحح*", "هل اجابتي", "هل إجابتي", "هل حلي",
	}},
	{IntentReview, []string{
		"review", "revise", "revision", "summarize", "summary", "recap",
		"راجع*", "مراجعة", "لخص*", "ملخص",
	}},
	{IntentCreate, []string{
		"create", "write", "generate", "compose", "design", "make a",
		"اكتب*", "أنشئ", "انشئ", "صمم*", "ألف*", "اصنع",
	}},
	{IntentTranslate, []string{
		"translate*", "translation", "in english", "in arabic",
		"ترجم*", "ترجمة", "بالإنجليزي", "بالانجليزي", "بالإنجليزية", "بالعربي",
	}},
}

var (
	visualKeywords = []string{
		"draw", "plot", "graph", "chart", "diagram", "visual*", "picture", "figure",
		"ارسم*", "رسم", "مخطط", "منحنى", "شكل", "صورة", "بالرسم",
	}
	simulationKeywords = []string{
		"simulate", "simulation", "simulator", "virtual lab", "experiment",
		"محاكاة", "حاكي", "تجربة افتراضية", "مختبر افتراضي",
	}
)

// DetectIntent classifies input by keyword rules, defaulting to general.
func DetectIntent(input string) Intent {
	text := normalize(input)
	for _, r := range intentRules {
		if matchAny(text, r.keywords) {
			return r.intent
		}
	}
	return IntentGeneral
}

// Analyze scores and classifies a request.
func Analyze(input string, c contextmgr.AgentContext) Analysis {
	text := normalize(input)
	return Analysis{
		Complexity:         contextmgr.CalculateComplexity(input, c),
		Intent:             DetectIntent(input),
		Dialect:            c.Dialect,
		Topic:              c.Topic,
		NeedsVisualization: matchAny(text, visualKeywords),
		NeedsSimulation:    matchAny(text, simulationKeywords),
	}
}

// normalize lowercases text into space-separated words padded with spaces.
// Each word is also added without a leading conjunction (و or ف) so
// "وارسم" still matches "ارسم".
func normalize(s string) string {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\'' && !unicode.Is(unicode.Mn, r)
	})
	var b strings.Builder
	b.WriteByte(' ')
	for _, w := range words {
		b.WriteString(w)
		b.WriteByte(' ')
	}
	for _, w := range words {
		for _, p := range []string{"و", "ف"} {
			if rest := strings.TrimPrefix(w, p); rest != w && len([]rune(rest)) > 2 {
				b.WriteString(rest)
				b.WriteByte(' ')
			}
		}
	}
	return b.String()
}

func matchAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if stem, ok := strings.CutSuffix(kw, "*"); ok {
			if strings.Contains(text, " "+stem) {
				return true
			}
			continue
		}
		if strings.Contains(text, " "+kw+" ") {
			return true
		}
	}
	return false
}
