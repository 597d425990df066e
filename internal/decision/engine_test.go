package decision

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/foremanhq/foreman/internal/classify"
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

func TestDecide_BelowThreshold(t *testing.T) {
	c := classify.Classification{
		Type:       classify.TypeBugFix,
		Complexity: classify.ComplexitySimple,
		Score:      2.5,
	}

	d := Decide(c, 0, testPolicy())

	assert.False(t, d.ShouldDelegate)
	assert.Equal(t, StrategyNone, d.Strategy)
	assert.Equal(t, "score 2.5 below threshold 6", d.Reason)
}

func TestDecide_AtThresholdDelegates(t *testing.T) {
	c := classify.Classification{
		Type:       classify.TypeBugFix,
		Complexity: classify.ComplexityMedium,
		Score:      6,
	}

	d := Decide(c, 0, testPolicy())

	assert.True(t, d.ShouldDelegate)
	assert.NotEqual(t, StrategyNone, d.Strategy)
}

func TestDecide_ThresholdMonotonic(t *testing.T) {
	// Raising the score never flips a delegate verdict back to no-delegate.
	c := classify.Classification{Type: classify.TypeFeature, Complexity: classify.ComplexityMedium}
	delegated := false
	for score := 0.0; score <= 12; score += 0.5 {
		c.Score = score
		d := Decide(c, 0, testPolicy())
		if delegated {
			assert.True(t, d.ShouldDelegate, "score %v regressed to no-delegate", score)
		}
		delegated = delegated || d.ShouldDelegate
	}
	assert.True(t, delegated)
}

func TestDecide_AtCapacity(t *testing.T) {
	c := classify.Classification{
		Type:       classify.TypeFeature,
		Complexity: classify.ComplexityMedium,
		Score:      9,
	}

	d := Decide(c, 8, testPolicy())

	assert.False(t, d.ShouldDelegate)
	assert.Equal(t, StrategyNone, d.Strategy)
	assert.Equal(t, "at capacity: 8 of 8 sessions in flight", d.Reason)
}

func TestDecide_StrategySelection(t *testing.T) {
	tests := []struct {
		name     string
		c        classify.Classification
		expected Strategy
	}{
		{
			name: "simple bug fix goes direct",
			c: classify.Classification{
				Type: classify.TypeBugFix, Complexity: classify.ComplexityMedium, Score: 6,
			},
			expected: StrategyDirect,
		},
		{
			name: "documentation goes direct",
			c: classify.Classification{
				Type: classify.TypeDocumentation, Complexity: classify.ComplexitySimple, Score: 6,
			},
			expected: StrategyDirect,
		},
		{
			name: "feature requires review",
			c: classify.Classification{
				Type: classify.TypeFeature, Complexity: classify.ComplexityMedium, Score: 6,
			},
			expected: StrategyReviewFirst,
		},
		{
			name: "cross-cutting bug fix requires review",
			c: classify.Classification{
				Type: classify.TypeBugFix, Complexity: classify.ComplexityMedium, Score: 6,
				CrossCutting: true,
			},
			expected: StrategyReviewFirst,
		},
		{
			name: "complex work requires review",
			c: classify.Classification{
				Type: classify.TypeRefactor, Complexity: classify.ComplexityComplex, Score: 9,
			},
			expected: StrategyReviewFirst,
		},
		{
			name: "complex multi-part work splits",
			c: classify.Classification{
				Type: classify.TypeRefactor, Complexity: classify.ComplexityComplex, Score: 9,
				MultiPart: true,
			},
			expected: StrategySplit,
		},
		{
			name: "multi-part without complex does not split",
			c: classify.Classification{
				Type: classify.TypeRefactor, Complexity: classify.ComplexityMedium, Score: 6,
				MultiPart: true,
			},
			expected: StrategyReviewFirst,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(tt.c, 0, testPolicy())
			assert.True(t, d.ShouldDelegate)
			assert.Equal(t, tt.expected, d.Strategy)
		})
	}
}

func TestDecide_NeverSelectsParallel(t *testing.T) {
	types := []classify.TaskType{
		classify.TypeBugFix, classify.TypeFeature, classify.TypeRefactor,
		classify.TypeTest, classify.TypeDocumentation, classify.TypeInvestigation, classify.TypeOther,
	}
	complexities := []classify.Complexity{
		classify.ComplexitySimple, classify.ComplexityMedium, classify.ComplexityComplex,
	}
	for _, tt := range types {
		for _, cx := range complexities {
			for _, multi := range []bool{false, true} {
				d := Decide(classify.Classification{
					Type: tt, Complexity: cx, Score: 10, MultiPart: multi, CrossCutting: multi,
				}, 0, testPolicy())
				assert.NotEqual(t, StrategyParallel, d.Strategy)
			}
		}
	}
}

func TestDecide_DurationEstimate(t *testing.T) {
	tests := []struct {
		complexity classify.Complexity
		expected   time.Duration
	}{
		{classify.ComplexitySimple, 15 * time.Minute},
		{classify.ComplexityMedium, 45 * time.Minute},
		{classify.ComplexityComplex, 2 * time.Hour},
	}
	for _, tt := range tests {
		d := Decide(classify.Classification{
			Type: classify.TypeFeature, Complexity: tt.complexity, Score: 8,
		}, 0, testPolicy())
		assert.Equal(t, tt.expected, d.EstimatedDuration)
	}
}
