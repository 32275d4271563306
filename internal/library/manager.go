package library

import (
	"fmt"
	"log"
	"time"

	"triagebot/internal/domain"
	"triagebot/internal/storage/sqlite"
)

// ChangeFn receives a deep copy of the active snapshot, mutates it and
// returns a change log line. Returning an error abandons the commit; no
// version is created and the active snapshot is untouched.
type ChangeFn func(snap *domain.Snapshot) (string, error)

// CommitFn commits a change set; handed to optimization runs that already
// hold the global optimization lock.
type CommitFn func(change ChangeFn) (int64, error)

// Commit applies a change set as a new configuration version. Commits are
// single-writer: concurrent callers queue on the optimization lock.
func (s *Store) Commit(change ChangeFn) (int64, error) {
	s.optMu.Lock()
	defer s.optMu.Unlock()
	return s.commitLocked(change)
}

func (s *Store) commitLocked(change ChangeFn) (int64, error) {
	cur := s.snap.Load()
	next := cloneSnapshot(cur)
	changeLog, err := change(&next)
	if err != nil {
		return 0, err
	}
	for i := range next.Rules {
		if err := next.Rules[i].Trigger.Validate(); err != nil {
			return 0, err
		}
	}

	versionID := s.version.Load() + 1
	v := domain.ConfigurationVersion{
		VersionID: versionID,
		Snapshot:  next,
		ChangeLog: changeLog,
		CreatedAt: time.Now().UTC(),
	}
	if err := sqlite.CommitVersion(s.db, v); err != nil {
		return 0, fmt.Errorf("commit version %d: %w", versionID, err)
	}

	s.snap.Store(&next)
	s.version.Store(versionID)
	log.Printf("library commit version=%d scenarios=%d rules=%d log=%q",
		versionID, len(next.Scenarios), len(next.Rules), changeLog)
	return versionID, nil
}

// Get returns a committed configuration version.
func (s *Store) GetVersion(versionID int64) (domain.ConfigurationVersion, error) {
	return sqlite.GetVersion(s.db, versionID)
}

// Rollback restores the target version's content as a brand new version.
// History stays linear; nothing is rewritten.
func (s *Store) Rollback(targetVersionID int64) (int64, error) {
	s.optMu.Lock()
	defer s.optMu.Unlock()

	target, err := sqlite.GetVersion(s.db, targetVersionID)
	if err != nil {
		return 0, err
	}
	return s.commitLocked(func(snap *domain.Snapshot) (string, error) {
		*snap = cloneSnapshot(&target.Snapshot)
		return fmt.Sprintf("rollback to version %d", targetVersionID), nil
	})
}

// RunOptimization serializes a learning run against every other run and
// commit. The run's oracle-facing analysis happens before this is called;
// fn only mutates state, through the provided commit function.
func (s *Store) RunOptimization(name string, fn func(commit CommitFn) error) error {
	s.optMu.Lock()
	defer s.optMu.Unlock()
	log.Printf("library optimization start name=%s version=%d", name, s.version.Load())
	return fn(s.commitLocked)
}

// VersionLog lists committed versions, newest first.
func (s *Store) VersionLog(limit int) ([]domain.ConfigurationVersion, error) {
	return sqlite.ListVersionLog(s.db, limit)
}

func cloneSnapshot(in *domain.Snapshot) domain.Snapshot {
	out := domain.Snapshot{
		Scenarios:       make([]domain.Scenario, len(in.Scenarios)),
		Rules:           make([]domain.ContextRule, len(in.Rules)),
		PromptTemplates: make(map[string]string, len(in.PromptTemplates)),
	}
	for i, sc := range in.Scenarios {
		sc.ContextReqs = cloneMap(sc.ContextReqs)
		sc.Examples = append([]string(nil), sc.Examples...)
		sc.SuccessPatterns = append([]string(nil), sc.SuccessPatterns...)
		out.Scenarios[i] = sc
	}
	for i, r := range in.Rules {
		r.Additions = cloneMap(r.Additions)
		r.Trigger = cloneCondition(r.Trigger)
		out.Rules[i] = r
	}
	for k, v := range in.PromptTemplates {
		out.PromptTemplates[k] = v
	}
	return out
}

func cloneMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneCondition(in domain.Condition) domain.Condition {
	out := in
	out.Keywords = append([]string(nil), in.Keywords...)
	if len(in.Subs) > 0 {
		out.Subs = make([]domain.Condition, len(in.Subs))
		for i := range in.Subs {
			out.Subs[i] = cloneCondition(in.Subs[i])
		}
	}
	return out
}
