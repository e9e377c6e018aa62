package contextmgr

import (
	"regexp"
	"strings"
	"unicode"
)

// Dialect names returned by DetectDialect.
const (
	DialectEgyptian  = "egyptian"
	DialectGulf      = "gulf"
	DialectLevantine = "levantine"
	DialectMaghrebi  = "maghrebi"
)

type keywordSet struct {
	name  string
	words []string
}

// Checked in order; the first dialect with a hit wins.
var dialectKeywords = []keywordSet{
	{DialectEgyptian, []string{"ازاي", "إزاي", "عايز", "عايزة", "كده", "دلوقتي", "ليه", "فين", "مش", "بتاع"}},
	{DialectGulf, []string{"شلون", "وايد", "ابغى", "أبغى", "الحين", "زين", "ودي", "شنو"}},
	{DialectLevantine, []string{"شو", "كيفك", "هلق", "هلأ", "بدي", "منيح", "هيك", "ليش"}},
	{DialectMaghrebi, []string{"بزاف", "واش", "كيفاش", "دابا", "بغيت", "علاش", "مزيان"}},
}

var topicKeywords = []keywordSet{
	{"calculus", []string{"derivative", "integral", "limit", "مشتقة", "تفاضل", "تكامل", "نهاية"}},
	{"algebra", []string{"equation", "quadratic", "polynomial", "معادلة", "تربيعية", "جبر", "كثيرة"}},
	{"geometry", []string{"triangle", "angle", "circle", "area", "مثلث", "زاوية", "دائرة", "مساحة", "هندسة"}},
	{"physics", []string{"force", "velocity", "acceleration", "energy", "قوة", "سرعة", "تسارع", "طاقة", "فيزياء"}},
	{"chemistry", []string{"molecule", "reaction", "atom", "جزيء", "تفاعل", "ذرة", "كيمياء"}},
	{"programming", []string{"python", "code", "algorithm", "loop", "برمجة", "كود", "خوارزمية"}},
}

// recentTurns is how many messages dialect and topic detection look at.
const recentTurns = 3

// DetectDialect scans the last few turns for dialect keywords. It returns ""
// when nothing matches so callers can fall back to a profile default.
// Dialect markers are short words, so only whole tokens count.
func DetectDialect(history []Message) string {
	words := make(map[string]bool)
	for _, msg := range recent(history) {
		for _, w := range tokenize(msg.Content) {
			words[w] = true
		}
	}
	for _, set := range dialectKeywords {
		for _, kw := range set.words {
			if words[kw] {
				return set.name
			}
		}
	}
	return ""
}

// DetectTopic scans the last few turns for subject keywords. Subject terms
// match inside longer words so prefixed forms like "المعادلة" count.
func DetectTopic(history []Message) string {
	var b strings.Builder
	for _, msg := range recent(history) {
		b.WriteString(strings.ToLower(msg.Content))
		b.WriteByte('\n')
	}
	text := b.String()
	for _, set := range topicKeywords {
		for _, kw := range set.words {
			if strings.Contains(text, kw) {
				return set.name
			}
		}
	}
	return ""
}

func recent(history []Message) []Message {
	if len(history) > recentTurns {
		return history[len(history)-recentTurns:]
	}
	return history
}

// tokenize lowercases s and splits it on anything that is not a letter or digit.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.Is(unicode.Mn, r)
	})
}

var technicalTerms = []string{
	"معادلة", "مشتقة", "تكامل", "مصفوفة", "خوارزمية", "برهان", "نظرية", "لوغاريتم", "متجه",
	"equation", "derivative", "integral", "matrix", "algorithm", "theorem", "proof",
	"logarithm", "vector", "polynomial", "recursion",
}

var mathDelimiters = regexp.MustCompile(`\$\$|\$[^$\n]+\$|\\\(|\\\[`)

// CalculateComplexity scores how demanding a request is, in [0, 1].
// Starting from 0.5: +0.2 above 100 words (+0.1 above 50), +0.15 for a
// technical term, +0.1 when the conversation is deeper than 10 turns and
// +0.1 for code fences or math delimiters.
func CalculateComplexity(input string, c AgentContext) float64 {
	score := 0.5

	switch words := len(strings.Fields(input)); {
	case words > 100:
		score += 0.2
	case words > 50:
		score += 0.1
	}

	lower := strings.ToLower(input)
	for _, term := range technicalTerms {
		if strings.Contains(lower, term) {
			score += 0.15
			break
		}
	}

	if len(c.History) > 10 {
		score += 0.1
	}

	if strings.Contains(input, "```") || mathDelimiters.MatchString(input) {
		score += 0.1
	}

	switch {
	case score > 1:
		return 1
	case score < 0:
		return 0
	}
	return score
}
