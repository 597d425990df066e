package policy

import (
	"fmt"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/foremanhq/foreman/internal/config"
)

// Policy holds the tunable delegation constants: the complexity score
// cutoff, the concurrency cap, the score bands separating the complexity
// tiers, and optional vocabulary extensions for the classifier.
type Policy struct {
	DelegationThreshold float64 `yaml:"delegation_threshold"`
	MaxConcurrency      int     `yaml:"max_concurrency"`

	// Score bands: score < SimpleMax is simple, score <= MediumMax is
	// medium, anything above is complex.
	SimpleMax float64 `yaml:"simple_max"`
	MediumMax float64 `yaml:"medium_max"`

	// Extra keywords merged into the classifier's built-in vocabularies,
	// keyed by task type name.
	Vocabulary map[string][]string `yaml:"vocabulary"`

	// Extra cross-cutting keywords merged into the built-in set.
	CrossCutting []string `yaml:"cross_cutting"`
}

// Default returns the compiled-in policy, seeded from env configuration.
func Default(env *config.PolicyEnv) Policy {
	return Policy{
		DelegationThreshold: env.Threshold,
		MaxConcurrency:      env.MaxConcurrency,
		SimpleMax:           4,
		MediumMax:           7,
	}
}

// Load reads a policy file and fills unset numeric fields from defaults.
func Load(path string, defaults Policy) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to read policy file: %w", err)
	}
	p := defaults
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("failed to parse policy file %s: %w", path, err)
	}
	if p.DelegationThreshold <= 0 {
		p.DelegationThreshold = defaults.DelegationThreshold
	}
	if p.MaxConcurrency <= 0 {
		p.MaxConcurrency = defaults.MaxConcurrency
	}
	if p.SimpleMax <= 0 {
		p.SimpleMax = defaults.SimpleMax
	}
	if p.MediumMax <= p.SimpleMax {
		p.MediumMax = defaults.MediumMax
	}
	return p, nil
}

// Store hands out the current policy snapshot. Swaps are atomic; readers
// never see a half-updated policy.
type Store struct {
	current atomic.Pointer[Policy]
}

func NewStore(p Policy) *Store {
	s := &Store{}
	s.current.Store(&p)
	return s
}

func (s *Store) Current() Policy {
	return *s.current.Load()
}

func (s *Store) Swap(p Policy) {
	s.current.Store(&p)
}
