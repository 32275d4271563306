// Package library holds the scenario library and context rules as
// copy-on-write versioned snapshots. Readers take an immutable snapshot
// reference and never lock; all structural change goes through the version
// manager. Per-scenario usage and accuracy counters live outside the
// snapshot under fine-grained locks.
package library

import (
	"database/sql"
	"log"
	"sort"
	"sync"
	"sync/atomic"

	"triagebot/internal/domain"
	"triagebot/internal/storage/sqlite"
)

type scenarioStats struct {
	mu           sync.Mutex
	usageCount   int64
	accuracy     float64
	rejectStreak int
	flagged      bool
}

// Store is the in-memory view over the persisted library.
type Store struct {
	db   *sql.DB
	snap atomic.Pointer[domain.Snapshot]

	statsMu sync.Mutex
	stats   map[string]*scenarioStats

	// optMu is the single global optimization lock: analyzer runs,
	// optimizer runs and every configuration commit serialize on it.
	optMu   sync.Mutex
	version atomic.Int64
}

// Load builds a Store from the database. When no configuration version
// exists yet, the current scenario/rule tables become version 1.
func Load(db *sql.DB) (*Store, error) {
	s := &Store{db: db, stats: make(map[string]*scenarioStats)}

	latest, ok, err := sqlite.LatestVersion(db)
	if err != nil {
		return nil, err
	}
	var snap domain.Snapshot
	if ok {
		snap = latest.Snapshot
		s.version.Store(latest.VersionID)
	} else {
		scenarios, err := sqlite.ListScenarios(db, false)
		if err != nil {
			return nil, err
		}
		rules, err := sqlite.ListRules(db, false)
		if err != nil {
			return nil, err
		}
		snap = domain.Snapshot{Scenarios: scenarios, Rules: rules, PromptTemplates: map[string]string{}}
		s.version.Store(0)
	}
	valid := snap.Rules[:0]
	for i := range snap.Rules {
		if err := snap.Rules[i].Trigger.Validate(); err != nil {
			log.Printf("library dropping rule with invalid trigger id=%s err=%v", snap.Rules[i].ID, err)
			continue
		}
		valid = append(valid, snap.Rules[i])
	}
	snap.Rules = valid
	s.snap.Store(&snap)

	// Seed live counters from the persisted scenario rows; the snapshot
	// may carry stale counts from the commit that created it.
	persisted, err := sqlite.ListScenarios(db, true)
	if err != nil {
		return nil, err
	}
	for _, sc := range persisted {
		s.stats[sc.ID] = &scenarioStats{
			usageCount: sc.UsageCount,
			accuracy:   sc.AccuracyScore,
			flagged:    sc.FlaggedForReview,
		}
	}
	return s, nil
}

// Snapshot returns the active immutable snapshot.
func (s *Store) Snapshot() *domain.Snapshot {
	return s.snap.Load()
}

// Version returns the active configuration version id.
func (s *Store) Version() int64 {
	return s.version.Load()
}

// ActiveScenarios returns non-retired scenarios with live counters merged
// in, ordered by id.
func (s *Store) ActiveScenarios() []domain.Scenario {
	snap := s.snap.Load()
	out := make([]domain.Scenario, 0, len(snap.Scenarios))
	for _, sc := range snap.Scenarios {
		if sc.Retired {
			continue
		}
		usage, accuracy, flagged := s.scenarioCounters(sc.ID)
		sc.UsageCount = usage
		sc.AccuracyScore = accuracy
		sc.FlaggedForReview = sc.FlaggedForReview || flagged
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActiveRules returns active rules in priority order.
func (s *Store) ActiveRules() []domain.ContextRule {
	snap := s.snap.Load()
	out := make([]domain.ContextRule, 0, len(snap.Rules))
	for _, r := range snap.Rules {
		if r.Active {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) GetScenario(id string) (domain.Scenario, bool) {
	for _, sc := range s.snap.Load().Scenarios {
		if sc.ID == id && !sc.Retired {
			usage, accuracy, flagged := s.scenarioCounters(id)
			sc.UsageCount = usage
			sc.AccuracyScore = accuracy
			sc.FlaggedForReview = sc.FlaggedForReview || flagged
			return sc, true
		}
	}
	return domain.Scenario{}, false
}

func (s *Store) statsFor(id string) *scenarioStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	st, ok := s.stats[id]
	if !ok {
		st = &scenarioStats{accuracy: 100}
		s.stats[id] = st
	}
	return st
}

func (s *Store) scenarioCounters(id string) (usage int64, accuracy float64, flagged bool) {
	st := s.statsFor(id)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.usageCount, st.accuracy, st.flagged
}

// RecordUsage bumps a matched scenario's usage counter under its own lock
// and persists the increment.
func (s *Store) RecordUsage(id string) {
	st := s.statsFor(id)
	st.mu.Lock()
	st.usageCount++
	st.mu.Unlock()
	if err := sqlite.IncrementScenarioUsage(s.db, id); err != nil {
		log.Printf("library usage persist failed scenario=%s err=%v", id, err)
	}
}

// rejectStreakLimit is how many consecutive rejects force a scenario
// below the review threshold regardless of where the EMA sits.
const rejectStreakLimit = 3

// UpdateAccuracy folds a feedback observation (0-100 per dimension
// average) into the scenario's EMA accuracy. reject extends the reject
// streak; three consecutive rejects push the accuracy below the review
// threshold outright. The low-accuracy review flag latches once set.
// Returns the new accuracy and whether the scenario is now flagged.
func (s *Store) UpdateAccuracy(id string, observation float64, reject bool, emaWeight, flagBelow float64) (float64, bool) {
	st := s.statsFor(id)
	st.mu.Lock()
	st.accuracy = emaWeight*st.accuracy + (1-emaWeight)*observation
	if reject {
		st.rejectStreak++
	} else {
		st.rejectStreak = 0
	}
	if st.rejectStreak >= rejectStreakLimit && st.accuracy >= flagBelow {
		st.accuracy = flagBelow - 1
	}
	if st.accuracy < flagBelow {
		st.flagged = true
	}
	accuracy, flagged := st.accuracy, st.flagged
	st.mu.Unlock()

	if err := sqlite.UpdateScenarioAccuracy(s.db, id, accuracy, flagged); err != nil {
		log.Printf("library accuracy persist failed scenario=%s err=%v", id, err)
	}
	return accuracy, flagged
}

// RuleApplied persists applied_count increments for rules that fired.
func (s *Store) RuleApplied(ids []string) {
	if len(ids) == 0 {
		return
	}
	if err := sqlite.IncrementRuleApplied(s.db, ids); err != nil {
		log.Printf("library rule-applied persist failed err=%v", err)
	}
}

// RuleAppliedCounts reads the persisted applied counters, keyed by rule id.
func (s *Store) RuleAppliedCounts() (map[string]int64, error) {
	rules, err := sqlite.ListRules(s.db, false)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rules))
	for _, r := range rules {
		out[r.ID] = r.AppliedCount
	}
	return out, nil
}
