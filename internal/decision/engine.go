package decision

import (
	"fmt"
	"time"

	"github.com/foremanhq/foreman/internal/classify"
	"github.com/foremanhq/foreman/internal/policy"
)

type Strategy string

const (
	StrategyNone        Strategy = "NONE"
	StrategyDirect      Strategy = "DIRECT"
	StrategyReviewFirst Strategy = "REVIEW_FIRST"
	StrategySplit       Strategy = "SPLIT"
	StrategyParallel    Strategy = "PARALLEL"
)

// Decision is the delegation verdict for one work item. Produced once,
// never mutated.
type Decision struct {
	ShouldDelegate    bool
	Strategy          Strategy
	Reason            string
	EstimatedDuration time.Duration
}

// Decide applies the threshold policy over a classification and the current
// in-flight session count. Pure: no side effects, deterministic.
func Decide(c classify.Classification, inFlight int, p policy.Policy) Decision {
	if c.Score < p.DelegationThreshold {
		return Decision{
			ShouldDelegate: false,
			Strategy:       StrategyNone,
			Reason: fmt.Sprintf("score %s below threshold %s",
				trimFloat(c.Score), trimFloat(p.DelegationThreshold)),
		}
	}

	if inFlight >= p.MaxConcurrency {
		return Decision{
			ShouldDelegate: false,
			Strategy:       StrategyNone,
			Reason: fmt.Sprintf("at capacity: %d of %d sessions in flight",
				inFlight, p.MaxConcurrency),
		}
	}

	return Decision{
		ShouldDelegate:    true,
		Strategy:          selectStrategy(c),
		Reason:            fmt.Sprintf("score %s at or above threshold %s", trimFloat(c.Score), trimFloat(p.DelegationThreshold)),
		EstimatedDuration: estimateDuration(c.Complexity),
	}
}

// selectStrategy picks the delegation mode. SPLIT requires an explicit
// multi-part signal; PARALLEL is reserved and never self-selected.
func selectStrategy(c classify.Classification) Strategy {
	if c.MultiPart && c.Complexity == classify.ComplexityComplex {
		return StrategySplit
	}
	if c.Complexity == classify.ComplexityComplex || c.CrossCutting {
		return StrategyReviewFirst
	}
	switch c.Type {
	case classify.TypeBugFix, classify.TypeTest, classify.TypeDocumentation:
		return StrategyDirect
	default:
		return StrategyReviewFirst
	}
}

func estimateDuration(c classify.Complexity) time.Duration {
	switch c {
	case classify.ComplexitySimple:
		return 15 * time.Minute
	case classify.ComplexityMedium:
		return 45 * time.Minute
	default:
		return 2 * time.Hour
	}
}

// trimFloat renders a score without trailing zeros ("3", "6.5").
func trimFloat(f float64) string {
	s := fmt.Sprintf("%.1f", f)
	if len(s) > 2 && s[len(s)-2:] == ".0" {
		return s[:len(s)-2]
	}
	return s
}
