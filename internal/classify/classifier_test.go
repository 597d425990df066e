package classify

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/foremanhq/foreman/internal/policy"
)

func testPolicy() policy.Policy {
	return policy.Policy{
		DelegationThreshold: 6,
		MaxConcurrency:      8,
		SimpleMax:           4,
		MediumMax:           7,
	}
}

func TestClassify_TypeDetection(t *testing.T) {
	tests := []struct {
		name     string
		title    string
		desc     string
		expected TaskType
	}{
		{
			name:     "bug fix",
			title:    "Fix crash on empty input",
			desc:     "The parser crashes when the input is empty.",
			expected: TypeBugFix,
		},
		{
			name:     "feature",
			title:    "Add CSV export",
			desc:     "Support exporting the report as CSV.",
			expected: TypeFeature,
		},
		{
			name:     "refactor",
			title:    "Refactor the storage layer",
			desc:     "Extract the retry logic and simplify the interface.",
			expected: TypeRefactor,
		},
		{
			name:     "documentation",
			title:    "Update the README",
			desc:     "The docs still mention the old config format.",
			expected: TypeDocumentation,
		},
		{
			name:     "investigation",
			title:    "Investigate slow startup",
			desc:     "Profile the boot path and analyze why it takes 30s.",
			expected: TypeInvestigation,
		},
		{
			name:     "unrecognizable falls back to other",
			title:    "zzz",
			desc:     "qqq",
			expected: TypeOther,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Classify(WorkItem{Title: tt.title, Description: tt.desc}, testPolicy())
			assert.Equal(t, tt.expected, c.Type)
		})
	}
}

func TestClassify_TrivialFixIsSimple(t *testing.T) {
	c := Classify(WorkItem{
		Title:       "Fix typo in login error message",
		Description: "The message says 'sucessful'. One-liner.",
	}, testPolicy())

	assert.Equal(t, TypeBugFix, c.Type)
	assert.Equal(t, ComplexitySimple, c.Complexity)
	assert.Less(t, c.Score, 4.0)
	assert.False(t, c.CrossCutting)
}

func TestClassify_CrossCuttingFeatureIsComplex(t *testing.T) {
	c := Classify(WorkItem{
		Title: "Implement real-time chat",
		Description: "Add real-time chat with websocket transport, message " +
			"persistence and a schema migration for the history table. " +
			"Touches the api gateway, the session service and the frontend.",
		PriorityHint: "high",
	}, testPolicy())

	assert.Equal(t, TypeFeature, c.Type)
	assert.Equal(t, ComplexityComplex, c.Complexity)
	assert.Greater(t, c.Score, 7.0)
	assert.True(t, c.CrossCutting)
}

func TestClassify_EmptyInput(t *testing.T) {
	c := Classify(WorkItem{}, testPolicy())

	assert.Equal(t, TypeOther, c.Type)
	assert.Equal(t, ComplexitySimple, c.Complexity)
	assert.Equal(t, 0.3, c.Confidence)
	assert.False(t, c.MultiPart)
}

func TestClassify_ConfidenceBounds(t *testing.T) {
	items := []WorkItem{
		{},
		{Title: "Fix bug", Description: "error crash broken regression failure wrong"},
		{Title: "Simple typo fix", Description: strings.Repeat("long context about the system. ", 40)},
	}
	for _, item := range items {
		c := Classify(item, testPolicy())
		assert.GreaterOrEqual(t, c.Confidence, 0.3)
		assert.LessOrEqual(t, c.Confidence, 0.95)
	}
}

func TestClassify_ConflictingSignalsLowerConfidence(t *testing.T) {
	long := strings.Repeat("The subsystem interacts with several components. ", 20)

	plain := Classify(WorkItem{Title: "Fix the scheduler bug", Description: long}, testPolicy())
	conflicted := Classify(WorkItem{Title: "Fix the trivial scheduler bug", Description: long}, testPolicy())

	assert.Less(t, conflicted.Confidence, plain.Confidence)
}

func TestClassify_MultiPartDetection(t *testing.T) {
	tests := []struct {
		name     string
		desc     string
		expected bool
	}{
		{
			name:     "checklist with three items",
			desc:     "Plan:\n- [ ] extract interface\n- [ ] port callers\n- [x] delete old code",
			expected: true,
		},
		{
			name:     "numbered list with three items",
			desc:     "1. write schema\n2. write migration\n3. backfill data",
			expected: true,
		},
		{
			name:     "two items is not multi-part",
			desc:     "- [ ] first\n- [ ] second",
			expected: false,
		},
		{
			name:     "prose only",
			desc:     "Just do the thing, no list here.",
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Classify(WorkItem{Title: "Refactor pipeline", Description: tt.desc}, testPolicy())
			assert.Equal(t, tt.expected, c.MultiPart)
		})
	}
}

func TestClassify_PriorityDerivation(t *testing.T) {
	tests := []struct {
		name     string
		hint     string
		labels   []string
		expected Priority
	}{
		{"explicit critical", "critical", nil, PriorityCritical},
		{"urgent label", "", []string{"urgent"}, PriorityCritical},
		{"high hint", "high", nil, PriorityHigh},
		{"low label", "", []string{"low"}, PriorityLow},
		{"default medium", "", nil, PriorityMedium},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Classify(WorkItem{
				Title:        "Fix something",
				Description:  "details",
				Labels:       tt.labels,
				PriorityHint: tt.hint,
			}, testPolicy())
			assert.Equal(t, tt.expected, c.Priority)
		})
	}
}

func TestClassify_PolicyVocabularyExtension(t *testing.T) {
	p := testPolicy()
	p.Vocabulary = map[string][]string{
		"investigation": {"gremlin"},
	}

	c := Classify(WorkItem{Title: "Chase the gremlin", Description: "It vanishes under strace."}, p)
	assert.Equal(t, TypeInvestigation, c.Type)
}

func TestClassify_Deterministic(t *testing.T) {
	item := WorkItem{
		Title:        "Implement audit log",
		Description:  "Add an append-only audit log with persistence.\n- [ ] schema\n- [ ] writer\n- [ ] reader",
		PriorityHint: "high",
	}
	first := Classify(item, testPolicy())
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Classify(item, testPolicy()))
	}
}
