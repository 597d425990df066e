package classify

import (
	"regexp"
	"strings"
	"time"

	"github.com/foremanhq/foreman/internal/policy"
)

type TaskType string

const (
	TypeBugFix        TaskType = "bug-fix"
	TypeFeature       TaskType = "feature"
	TypeRefactor      TaskType = "refactor"
	TypeDocumentation TaskType = "documentation"
	TypeTest          TaskType = "test"
	TypeInvestigation TaskType = "investigation"
	TypeOther         TaskType = "other"
)

type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// WorkItem is the per-event view of an issue handed to classification.
// It is derived from the webhook payload, consumed once, never persisted.
type WorkItem struct {
	IssueID      string
	Title        string
	Description  string
	Labels       []string
	PriorityHint string
	ReceivedAt   time.Time
}

// Classification is the classifier's verdict. Immutable once produced.
type Classification struct {
	Type         TaskType
	Complexity   Complexity
	Priority     Priority
	Score        float64
	Confidence   float64
	CrossCutting bool
	// MultiPart is set when the description carries an explicit itemized
	// checklist, the only signal that may unlock the SPLIT strategy.
	MultiPart bool
}

// confidenceFloor is returned for empty or unrecognizable input so the
// decision engine always receives a usable verdict.
const confidenceFloor = 0.3

// typeOrder breaks vocabulary-match ties; earlier wins.
var typeOrder = []TaskType{
	TypeBugFix, TypeFeature, TypeRefactor, TypeTest,
	TypeDocumentation, TypeInvestigation,
}

var baseVocabulary = map[TaskType][]string{
	TypeBugFix:        {"fix", "bug", "error", "broken", "crash", "regression", "failure", "wrong"},
	TypeFeature:       {"implement", "add", "support", "introduce", "create", "new", "enable"},
	TypeRefactor:      {"refactor", "cleanup", "clean up", "restructure", "simplify", "extract", "rename"},
	TypeTest:          {"test", "coverage", "flaky", "assertion", "spec"},
	TypeDocumentation: {"document", "docs", "readme", "changelog", "comment", "guide"},
	TypeInvestigation: {"investigate", "debug", "analyze", "why", "reproduce", "profile"},
}

var baseCrossCutting = []string{
	"migration", "breaking", "architecture", "cross-cutting",
	"real-time", "persistence", "concurrency", "security", "schema",
}

var simpleSignals = []string{"typo", "trivial", "simple", "minor", "one-liner", "small"}

// fileMentionPattern matches path-ish or backticked code references, a
// rough proxy for the affected surface named in the description.
var fileMentionPattern = regexp.MustCompile("(?:[\\w./-]+\\.(?:go|ts|js|py|rs|java|sql|ya?ml|json|md))|`[^`]+`")

// checklistPattern matches one itemized checklist or enumeration entry.
var checklistPattern = regexp.MustCompile(`(?m)^\s*(?:[-*]\s+\[[ xX]?\]|\d+[.)]\s+\S)`)

// Classify derives a task type, complexity tier, priority and confidence
// from the work item's text. It never fails: unparseable input degrades to
// type "other" at floor confidence.
func Classify(item WorkItem, p policy.Policy) Classification {
	text := strings.ToLower(item.Title + "\n" + item.Description)
	trimmed := strings.TrimSpace(text)

	c := Classification{
		Type:       TypeOther,
		Complexity: ComplexitySimple,
		Priority:   derivePriority(item),
		Confidence: confidenceFloor,
	}
	if trimmed == "" {
		c.Score = 1
		return c
	}

	taskType, matches := matchType(text, p.Vocabulary)
	c.Type = taskType

	crossHits := countHits(text, merge(baseCrossCutting, p.CrossCutting))
	c.CrossCutting = crossHits > 0
	c.MultiPart = len(checklistPattern.FindAllString(item.Description, -1)) >= 3

	c.Score = complexityScore(item, c.Priority, crossHits, text)
	switch {
	case c.Score < p.SimpleMax:
		c.Complexity = ComplexitySimple
	case c.Score <= p.MediumMax:
		c.Complexity = ComplexityMedium
	default:
		c.Complexity = ComplexityComplex
	}

	if matches > 0 {
		c.Confidence = 0.45 + 0.1*float64(min(matches, 5))
	}
	// Conflicting signals: "simple" wording on a sprawling description.
	if countHits(text, simpleSignals) > 0 && len(item.Description) > 800 {
		c.Confidence -= 0.15
	}
	c.Confidence = clamp(c.Confidence, confidenceFloor, 0.95)
	return c
}

func matchType(text string, extra map[string][]string) (TaskType, int) {
	best, bestHits := TypeOther, 0
	for _, tt := range typeOrder {
		vocab := merge(baseVocabulary[tt], extra[string(tt)])
		hits := countHits(text, vocab)
		if hits > bestHits {
			best, bestHits = tt, hits
		}
	}
	return best, bestHits
}

func complexityScore(item WorkItem, prio Priority, crossHits int, text string) float64 {
	score := 2.0

	// Affected surface: text volume plus explicit file/module references.
	score += minf(float64(len(item.Description))/180, 3)
	score += minf(0.5*float64(len(fileMentionPattern.FindAllString(item.Description, -1))), 1.5)

	// Cross-cutting keywords dominate the scale.
	score += minf(2*float64(crossHits), 4)

	switch prio {
	case PriorityMedium:
		score += 0.5
	case PriorityHigh:
		score += 1
	case PriorityCritical:
		score += 2
	}

	if countHits(text, simpleSignals) > 0 {
		score -= 1
	}
	return maxf(score, 1)
}

func derivePriority(item WorkItem) Priority {
	hint := strings.ToLower(item.PriorityHint)
	for _, label := range item.Labels {
		hint += " " + strings.ToLower(label)
	}
	switch {
	case strings.Contains(hint, "critical") || strings.Contains(hint, "urgent"):
		return PriorityCritical
	case strings.Contains(hint, "high"):
		return PriorityHigh
	case strings.Contains(hint, "low"):
		return PriorityLow
	default:
		return PriorityMedium
	}
}

func countHits(text string, words []string) int {
	hits := 0
	for _, w := range words {
		if w != "" && strings.Contains(text, w) {
			hits++
		}
	}
	return hits
}

func merge(base, extra []string) []string {
	if len(extra) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(extra))
	out = append(out, base...)
	out = append(out, extra...)
	return out
}

func clamp(v, lo, hi float64) float64 {
	return maxf(lo, minf(v, hi))
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
