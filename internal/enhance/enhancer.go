// Package enhance merges the caller's base context with scenario context
// requirements and any triggered context rules.
package enhance

import (
	"log"

	"triagebot/internal/domain"
	"triagebot/internal/library"
)

type Enhancer struct {
	lib *library.Store
}

func New(lib *library.Store) *Enhancer {
	return &Enhancer{lib: lib}
}

// Enhanced is the merged context plus the ordered rule audit trail.
type Enhanced struct {
	Context        map[string]string
	AppliedRuleIDs []string
}

// Enhance merges in fixed priority order: base context is never
// overwritten; the scenario fills only missing keys; rules run in
// priority order and may overwrite earlier rule additions but never base
// keys. scenario may be nil (ambiguous/no-match paths apply no scenario
// context).
func (e *Enhancer) Enhance(description string, base map[string]string, scenario *domain.Scenario) Enhanced {
	merged := make(map[string]string, len(base))
	baseKeys := make(map[string]bool, len(base))
	for k, v := range base {
		merged[k] = v
		baseKeys[k] = true
	}

	if scenario != nil {
		for k, v := range scenario.ContextReqs {
			if _, exists := merged[k]; !exists {
				merged[k] = v
			}
		}
	}

	var applied []string
	for _, rule := range e.lib.ActiveRules() {
		if !rule.Trigger.Matches(description) {
			continue
		}
		for k, v := range rule.Additions {
			if baseKeys[k] {
				continue
			}
			merged[k] = v
		}
		applied = append(applied, rule.ID)
	}
	if len(applied) > 0 {
		log.Printf("enhancer applied rules=%d ids=%v", len(applied), applied)
		e.lib.RuleApplied(applied)
	}
	return Enhanced{Context: merged, AppliedRuleIDs: applied}
}
