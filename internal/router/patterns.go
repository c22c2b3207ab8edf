package router

import (
	"regexp"
	"slices"
	"sort"
	"strings"
	"unicode"
)

var (
	resetPattern = regexp.MustCompile(`(?i)^\s*/?(?:reset|restart|start\s+over|start\s+again|new\s+analysis)\s*[.!]*\s*$`)

	affirmativePattern = regexp.MustCompile(`(?i)^\s*(?:yes|y|yeah|yep|yup|sure|ok|okay|proceed|go\s+ahead|continue|do\s+it|confirm(?:ed)?|let'?s\s+go|sounds\s+good)(?:\s*,?\s*please)?\s*[.!]*\s*$`)

	negativePattern = regexp.MustCompile(`(?i)^\s*(?:no|n|nope|not\s+now|not\s+yet|stop|cancel|wait|hold\s+on|later)(?:\s*,?\s*thanks?)?\s*[.!]*\s*$`)

	slashToolPattern = regexp.MustCompile(`^\s*/([A-Za-z0-9_\-]+)\b`)
)

// patternRule pairs a compiled regex with the decision it implies.
// Rules are evaluated in order and the first match wins.
type patternRule struct {
	regex      *regexp.Regexp
	kind       Kind
	intent     Intent
	confidence float64
	name       string
}

func buildPatternRules() []*patternRule {
	return []*patternRule{
		{
			name:       "data_intake",
			regex:      regexp.MustCompile(`(?i)\b(?:upload(?:ed)?|load|ingest|import|attach(?:ed)?)\b.*\b(?:data|file|csv|xlsx?|dataset|spreadsheet)\b`),
			kind:       KindContinueWorkflow,
			intent:     IntentAdvance,
			confidence: 0.7,
		},
		{
			name:       "next_step",
			regex:      regexp.MustCompile(`(?i)\b(?:next\s+step|move\s+on|run\s+(?:the\s+)?(?:analysis|stage|pipeline)|analy[sz]e\s+(?:it|this|my|the)|compute\s+(?:the\s+)?metrics)\b`),
			kind:       KindContinueWorkflow,
			intent:     IntentAdvance,
			confidence: 0.65,
		},
		{
			name:       "question",
			regex:      regexp.MustCompile(`(?i)(?:^\s*(?:what|why|how|who|when|where|which|can\s+you|could\s+you|explain|tell\s+me|describe)\b|\?\s*$)`),
			kind:       KindGeneralChat,
			confidence: 0.6,
		},
	}
}

// PatternMatcher is the deterministic secondary tier used by the pattern
// fallback policy.
type PatternMatcher struct {
	rules []*patternRule
}

// NewPatternMatcher creates a matcher with the built-in rule table.
func NewPatternMatcher() *PatternMatcher {
	return &PatternMatcher{rules: buildPatternRules()}
}

// Match returns a decision and true when a tool name or rule matches.
// Tool names are tried first, longest name first, so "risk_report" wins over "risk".
func (p *PatternMatcher) Match(message string, catalog Catalog) (Decision, bool) {
	if tool, ok := matchToolName(message, catalog); ok {
		return Decision{
			Kind:       KindInvokeTool,
			Tool:       tool,
			Confidence: 0.7,
			Reason:     "message names tool " + tool,
		}, true
	}

	for _, rule := range p.rules {
		if rule.regex.MatchString(message) {
			return Decision{
				Kind:       rule.kind,
				Intent:     rule.intent,
				Confidence: rule.confidence,
				Reason:     "pattern " + rule.name,
			}, true
		}
	}
	return Decision{}, false
}

// matchToolName looks for a catalog name in the message, either verbatim or
// with underscores read as spaces, on whole-word boundaries.
func matchToolName(message string, catalog Catalog) (string, bool) {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) > len(names[j])
		}
		return names[i] < names[j]
	})

	words := strings.FieldsFunc(strings.ToLower(message), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '-'
	})
	for _, name := range names {
		lower := strings.ToLower(name)
		if containsRun(words, []string{lower}) || containsRun(words, strings.FieldsFunc(lower, isUnderscore)) {
			return name, true
		}
	}
	return "", false
}

func isUnderscore(r rune) bool { return r == '_' }

// containsRun reports whether want appears as consecutive elements of words.
func containsRun(words, want []string) bool {
	if len(want) == 0 || len(want) > len(words) {
		return false
	}
	for i := 0; i+len(want) <= len(words); i++ {
		if slices.Equal(words[i:i+len(want)], want) {
			return true
		}
	}
	return false
}
