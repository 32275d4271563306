package learn

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"triagebot/internal/domain"
	"triagebot/internal/storage/sqlite"
)

// insertClassifiedApplied is insertClassified plus the audit trail of
// rules that fired on the call.
func insertClassifiedApplied(t *testing.T, db *sql.DB, id, description, scenarioID string, values domain.Expected, ruleIDs []string) {
	t.Helper()
	rec := domain.ClassificationRecord{
		ID:                id,
		Description:       description,
		MatchedScenarioID: scenarioID,
		MatchOutcome:      domain.MatchMatched,
		AppliedRuleIDs:    ruleIDs,
		CreatedAt:         time.Now().UTC(),
	}
	for _, dim := range domain.Dimensions() {
		rec.Result.SetDimension(dim, domain.DimensionResult{Value: values.Value(dim), Confidence: 0.9, Reasoning: "r"})
	}
	if err := sqlite.InsertClassification(db, rec); err != nil {
		t.Fatalf("InsertClassification failed: %v", err)
	}
}

func TestDeepOptimizerMergesDuplicateScenarios(t *testing.T) {
	db, lib := newLearnFixture(t)
	expected := domain.Expected{Size: "L", Complexity: "High", Type: "Migration"}
	if _, err := lib.Commit(func(snap *domain.Snapshot) (string, error) {
		snap.Scenarios = append(snap.Scenarios,
			domain.Scenario{ID: "mig-a", Title: "Billing database schema migration",
				Examples: []string{"Migrate billing schema to postgres"}, Expected: expected, Version: 1},
			domain.Scenario{ID: "mig-b", Title: "Billing database schema migration",
				Examples: []string{"Migrate billing schema to postgres"}, Expected: expected, Version: 1},
			domain.Scenario{ID: "bug-login", Title: "Login redirect bug",
				Examples: []string{"Fix the login redirect loop"},
				Expected: domain.Expected{Size: "S", Complexity: "Low", Type: "Bug"}, Version: 1},
		)
		return "seed", nil
	}); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	// Both duplicates need feedback history behind them before a merge.
	seq := int64(0)
	for _, scenarioID := range []string{"mig-a", "mig-b"} {
		for i := 0; i < 3; i++ {
			seq++
			id := fmt.Sprintf("c-%s-%d", scenarioID, i)
			insertClassified(t, db, id, "Migrate billing schema to postgres", scenarioID, expected)
			insertFB(t, db, seq, id, domain.FeedbackAccept, nil)
		}
	}

	opt := NewDeepOptimizer(db, lib, nil, 50, 0.85, 2, 0.3)
	if err := opt.Run(context.Background(), 50); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var survivorSeen, loserRetired bool
	for _, sc := range lib.Snapshot().Scenarios {
		switch sc.ID {
		case "mig-a":
			survivorSeen = !sc.Retired
		case "mig-b":
			loserRetired = sc.Retired
		case "bug-login":
			if sc.Retired || sc.FlaggedForReview {
				t.Fatalf("unrelated scenario touched: %+v", sc)
			}
		}
	}
	if !survivorSeen || !loserRetired {
		t.Fatalf("merge should keep mig-a and retire mig-b (lowest id survives)")
	}
}

func TestDeepOptimizerFlagsConflictingScenarios(t *testing.T) {
	db, lib := newLearnFixture(t)
	if _, err := lib.Commit(func(snap *domain.Snapshot) (string, error) {
		snap.Scenarios = append(snap.Scenarios,
			domain.Scenario{ID: "mig-a", Title: "Billing database schema migration",
				Examples: []string{"Migrate billing schema to postgres"},
				Expected: domain.Expected{Size: "L", Complexity: "High", Type: "Migration"}, Version: 1},
			domain.Scenario{ID: "mig-b", Title: "Billing database schema migration",
				Examples: []string{"Migrate billing schema to postgres"},
				Expected: domain.Expected{Size: "S", Complexity: "Low", Type: "Bug"}, Version: 1},
		)
		return "seed", nil
	}); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	opt := NewDeepOptimizer(db, lib, nil, 50, 0.85, 2, 0.3)
	if err := opt.Run(context.Background(), 50); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	for _, id := range []string{"mig-a", "mig-b"} {
		sc, ok := lib.GetScenario(id)
		if !ok {
			t.Fatalf("scenario %s missing", id)
		}
		if sc.Retired {
			t.Fatalf("conflicting scenarios must not be auto-merged: %s retired", id)
		}
		if !sc.FlaggedForReview {
			t.Fatalf("conflicting scenario %s not flagged for review", id)
		}
	}
}

func TestDeepOptimizerPrunesStalePatternRules(t *testing.T) {
	db, lib := newLearnFixture(t)
	if _, err := lib.Commit(func(snap *domain.Snapshot) (string, error) {
		snap.Rules = append(snap.Rules,
			domain.ContextRule{ID: "stale-pattern", Source: domain.RuleSourcePattern, Active: true,
				Trigger:   domain.Condition{Kind: domain.CondKeyword, Keywords: []string{"billing"}},
				Additions: map[string]string{"size_hint": "L"}, CreatedAt: time.Now().UTC()},
			domain.ContextRule{ID: "used-pattern", Source: domain.RuleSourcePattern, Active: true,
				Trigger:   domain.Condition{Kind: domain.CondKeyword, Keywords: []string{"schema"}},
				Additions: map[string]string{"size_hint": "M"}, CreatedAt: time.Now().UTC()},
			domain.ContextRule{ID: "manual", Source: domain.RuleSourceManual, Active: true,
				Trigger:   domain.Condition{Kind: domain.CondKeyword, Keywords: []string{"oauth"}},
				Additions: map[string]string{"auth_hint": "check providers"}, CreatedAt: time.Now().UTC()},
		)
		return "seed rules", nil
	}); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if err := sqlite.IncrementRuleApplied(db, []string{"used-pattern"}); err != nil {
		t.Fatalf("IncrementRuleApplied failed: %v", err)
	}

	opt := NewDeepOptimizer(db, lib, nil, 50, 0.85, 2, 0.3)
	if err := opt.Run(context.Background(), 50); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	rules := lib.ActiveRules()
	ids := make(map[string]bool, len(rules))
	for _, r := range rules {
		ids[r.ID] = true
	}
	if ids["stale-pattern"] {
		t.Fatalf("never-applied pattern rule survived pruning")
	}
	if !ids["used-pattern"] {
		t.Fatalf("applied pattern rule was pruned")
	}
	// Manual rules are operator-owned regardless of activity.
	if !ids["manual"] {
		t.Fatalf("manual rule was pruned")
	}

	// The rolling window restarts after consolidation.
	counts, err := lib.RuleAppliedCounts()
	if err != nil {
		t.Fatalf("RuleAppliedCounts failed: %v", err)
	}
	if counts["used-pattern"] != 0 {
		t.Fatalf("applied counters not reset: %v", counts)
	}
}

func TestDeepOptimizerDemotesIneffectiveRules(t *testing.T) {
	db, lib := newLearnFixture(t)
	if _, err := lib.Commit(func(snap *domain.Snapshot) (string, error) {
		snap.Rules = append(snap.Rules,
			domain.ContextRule{ID: "harmful-pattern", Source: domain.RuleSourcePattern, Active: true,
				Trigger:   domain.Condition{Kind: domain.CondKeyword, Keywords: []string{"billing"}},
				Additions: map[string]string{"size_hint": "XS"}, CreatedAt: time.Now().UTC()},
			domain.ContextRule{ID: "helpful-pattern", Source: domain.RuleSourcePattern, Active: true,
				Trigger:   domain.Condition{Kind: domain.CondKeyword, Keywords: []string{"schema"}},
				Additions: map[string]string{"size_hint": "M"}, CreatedAt: time.Now().UTC()},
		)
		return "seed rules", nil
	}); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	// Every classification the harmful rule touched came back edited; the
	// helpful rule's classifications were all accepted.
	expected := domain.Expected{Size: "M", Complexity: "Medium", Type: "Feature"}
	for i := 0; i < 3; i++ {
		badID := fmt.Sprintf("cls-bad-%d", i)
		insertClassifiedApplied(t, db, badID, fmt.Sprintf("Fix billing invoice rounding case %d", i), "bill-fix", expected, []string{"harmful-pattern"})
		insertFB(t, db, int64(i+1), badID, domain.FeedbackEdit, map[string]string{"size": "L"})

		goodID := fmt.Sprintf("cls-good-%d", i)
		insertClassifiedApplied(t, db, goodID, fmt.Sprintf("Migrate schema for orders table %d", i), "mig-schema", expected, []string{"helpful-pattern"})
		insertFB(t, db, int64(i+4), goodID, domain.FeedbackAccept, nil)
	}
	// Both rules fired this window, so neither is stale.
	if err := sqlite.IncrementRuleApplied(db, []string{"harmful-pattern", "helpful-pattern"}); err != nil {
		t.Fatalf("IncrementRuleApplied failed: %v", err)
	}

	opt := NewDeepOptimizer(db, lib, nil, 50, 0.85, 3, 0.6)
	if err := opt.Run(context.Background(), 50); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	active := make(map[string]bool)
	for _, r := range lib.ActiveRules() {
		active[r.ID] = true
	}
	if active["harmful-pattern"] {
		t.Fatalf("rule corrected on every application is still active")
	}
	if !active["helpful-pattern"] {
		t.Fatalf("rule with clean feedback was demoted")
	}

	// Demotion deactivates; the rule stays inspectable in the snapshot.
	var kept bool
	for _, r := range lib.Snapshot().Rules {
		if r.ID == "harmful-pattern" {
			kept = true
			if r.Active {
				t.Fatalf("demoted rule still marked active in snapshot")
			}
		}
	}
	if !kept {
		t.Fatalf("demoted rule was deleted instead of deactivated")
	}
}

func TestDeepOptimizerCreatesScenarioFromUnmatchedCluster(t *testing.T) {
	db, lib := newLearnFixture(t)
	triple := domain.Expected{Size: "M", Complexity: "Medium", Type: "Infrastructure"}
	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("c-%d", i)
		insertClassified(t, db, id, fmt.Sprintf("Provision terraform workspace number %d", i), "", triple)
		insertFB(t, db, int64(i), id, domain.FeedbackAccept, nil)
	}

	opt := NewDeepOptimizer(db, lib, nil, 50, 0.85, 2, 0.3)
	if err := opt.Run(context.Background(), 50); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var created *domain.Scenario
	for _, sc := range lib.ActiveScenarios() {
		if sc.DomainTag == "learned" {
			created = &sc
			break
		}
	}
	if created == nil {
		t.Fatalf("expected a scenario created from the unmatched cluster, scenarios=%+v", lib.ActiveScenarios())
	}
	if created.Expected != triple {
		t.Fatalf("created scenario expectations = %+v, want %+v", created.Expected, triple)
	}
	if len(created.Examples) != 3 {
		t.Fatalf("created scenario examples = %d, want 3", len(created.Examples))
	}
}

func TestDeepOptimizerClaimIsIdempotent(t *testing.T) {
	db, lib := newLearnFixture(t)
	if _, err := lib.Commit(func(snap *domain.Snapshot) (string, error) {
		snap.Rules = append(snap.Rules, domain.ContextRule{
			ID: "stale", Source: domain.RuleSourcePattern, Active: true,
			Trigger:   domain.Condition{Kind: domain.CondKeyword, Keywords: []string{"billing"}},
			Additions: map[string]string{"size_hint": "L"},
		})
		return "seed", nil
	}); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	opt := NewDeepOptimizer(db, lib, nil, 50, 0.85, 2, 0.3)
	if err := opt.Run(context.Background(), 50); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	after := lib.Version()
	if err := opt.Run(context.Background(), 50); err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if lib.Version() != after {
		t.Fatalf("duplicate deep run committed: version %d -> %d", after, lib.Version())
	}
}
