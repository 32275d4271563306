package library

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"triagebot/internal/domain"
)

// Seed is the YAML shape of a library seed file: the initial scenarios and
// any manually curated context rules.
type Seed struct {
	Scenarios []domain.Scenario    `yaml:"scenarios"`
	Rules     []domain.ContextRule `yaml:"rules"`
}

func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse seed yaml: %w", err)
	}
	for i := range seed.Scenarios {
		sc := &seed.Scenarios[i]
		if sc.ID == "" || sc.Title == "" {
			return nil, fmt.Errorf("%w: seed scenario %d missing id or title", domain.ErrValidation, i)
		}
		if !domain.ValidSize(sc.Expected.Size) ||
			!domain.ValidComplexity(sc.Expected.Complexity) ||
			!domain.ValidType(sc.Expected.Type) {
			return nil, fmt.Errorf("%w: seed scenario %s has invalid expected classification %s/%s/%s",
				domain.ErrValidation, sc.ID, sc.Expected.Size, sc.Expected.Complexity, sc.Expected.Type)
		}
		sc.AccuracyScore = 100
		sc.Version = 1
	}
	for i := range seed.Rules {
		r := &seed.Rules[i]
		if r.ID == "" {
			return nil, fmt.Errorf("%w: seed rule %d missing id", domain.ErrValidation, i)
		}
		if err := r.Trigger.Validate(); err != nil {
			return nil, fmt.Errorf("seed rule %s: %w", r.ID, err)
		}
		if r.Confidence < 0 || r.Confidence > 1 {
			return nil, fmt.Errorf("%w: seed rule %s confidence %f out of [0,1]", domain.ErrValidation, r.ID, r.Confidence)
		}
		if r.Source == "" {
			r.Source = domain.RuleSourceManual
		}
		r.Active = true
	}
	return &seed, nil
}

// ApplySeed commits the seed file as a configuration version when the
// library is still empty. A populated library ignores the seed.
func (s *Store) ApplySeed(path string) error {
	if path == "" {
		return nil
	}
	if len(s.Snapshot().Scenarios) > 0 {
		return nil
	}
	seed, err := LoadSeed(path)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.Commit(func(snap *domain.Snapshot) (string, error) {
		snap.Scenarios = append(snap.Scenarios, seed.Scenarios...)
		for _, r := range seed.Rules {
			r.CreatedAt = now
			snap.Rules = append(snap.Rules, r)
		}
		return fmt.Sprintf("seed library from %s: %d scenarios, %d rules", path, len(seed.Scenarios), len(seed.Rules)), nil
	})
	return err
}
