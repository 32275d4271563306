package match

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"triagebot/internal/domain"
	"triagebot/internal/library"
	"triagebot/internal/oracle"
	"triagebot/internal/storage/sqlite"
)

type fakeOracle struct {
	scores map[string]int
	err    error
}

func (f *fakeOracle) Score(_ context.Context, _ string, sc domain.Scenario) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.scores[sc.ID], nil
}

func (f *fakeOracle) Classify(context.Context, string, map[string]string) (domain.Result, error) {
	return domain.Result{}, errors.New("not used")
}

func (f *fakeOracle) Analyze(context.Context, string) (string, error) {
	return "", errors.New("not used")
}

var _ oracle.Oracle = (*fakeOracle)(nil)

func newTestLibrary(t *testing.T, ids ...string) *library.Store {
	t.Helper()
	db, err := sqlite.InitDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("InitDB failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	lib, err := library.Load(db)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(ids) > 0 {
		if _, err := lib.Commit(func(snap *domain.Snapshot) (string, error) {
			for _, id := range ids {
				snap.Scenarios = append(snap.Scenarios, domain.Scenario{
					ID:       id,
					Title:    "Scenario " + id,
					Expected: domain.Expected{Size: "M", Complexity: "Medium", Type: "Feature"},
					Version:  1,
				})
			}
			return "test scenarios", nil
		}); err != nil {
			t.Fatalf("Commit failed: %v", err)
		}
	}
	return lib
}

func TestMatchEmptyLibrary(t *testing.T) {
	lib := newTestLibrary(t)
	m := New(&fakeOracle{}, lib, 85, 70, 3)

	res, err := m.Match(context.Background(), "anything at all")
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if res.Outcome != domain.MatchNoMatch {
		t.Fatalf("outcome = %s, want NO_MATCH on empty library", res.Outcome)
	}
}

func TestMatchThresholds(t *testing.T) {
	lib := newTestLibrary(t, "a", "b", "c")

	cases := []struct {
		name    string
		scores  map[string]int
		outcome string
		bestID  string
	}{
		{"confident", map[string]int{"a": 90, "b": 40, "c": 10}, domain.MatchMatched, "a"},
		{"boundary matched", map[string]int{"a": 85, "b": 40, "c": 10}, domain.MatchMatched, "a"},
		{"ambiguous", map[string]int{"a": 80, "b": 75, "c": 10}, domain.MatchAmbiguous, ""},
		{"boundary ambiguous", map[string]int{"a": 70, "b": 10, "c": 10}, domain.MatchAmbiguous, ""},
		{"no match", map[string]int{"a": 69, "b": 40, "c": 10}, domain.MatchNoMatch, ""},
	}
	for _, c := range cases {
		m := New(&fakeOracle{scores: c.scores}, lib, 85, 70, 3)
		res, err := m.Match(context.Background(), "work item description")
		if err != nil {
			t.Fatalf("%s: Match failed: %v", c.name, err)
		}
		if res.Outcome != c.outcome {
			t.Errorf("%s: outcome = %s, want %s", c.name, res.Outcome, c.outcome)
		}
		if c.bestID != "" && res.Best.ID != c.bestID {
			t.Errorf("%s: best = %s, want %s", c.name, res.Best.ID, c.bestID)
		}
	}
}

func TestMatchTieBreaksOnLowestID(t *testing.T) {
	lib := newTestLibrary(t, "b", "a", "c")
	m := New(&fakeOracle{scores: map[string]int{"a": 90, "b": 90, "c": 90}}, lib, 85, 70, 3)

	res, err := m.Match(context.Background(), "work item description")
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if res.Best.ID != "a" {
		t.Fatalf("tie should break to lowest id, got %s", res.Best.ID)
	}
}

func TestMatchAmbiguousAlternatives(t *testing.T) {
	lib := newTestLibrary(t, "a", "b", "c", "d")
	m := New(&fakeOracle{scores: map[string]int{"a": 80, "b": 78, "c": 72, "d": 5}}, lib, 85, 70, 3)

	res, err := m.Match(context.Background(), "work item description")
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if res.Outcome != domain.MatchAmbiguous {
		t.Fatalf("outcome = %s, want AMBIGUOUS", res.Outcome)
	}
	if len(res.Alternatives) != 3 {
		t.Fatalf("alternatives = %d, want 3", len(res.Alternatives))
	}
	if res.Alternatives[0].ScenarioID != "a" || res.Alternatives[2].ScenarioID != "c" {
		t.Fatalf("alternatives not ordered by score: %+v", res.Alternatives)
	}
}

func TestMatchPropagatesOracleError(t *testing.T) {
	lib := newTestLibrary(t, "a")
	wantErr := errors.New("oracle down")
	m := New(&fakeOracle{err: wantErr}, lib, 85, 70, 3)

	_, err := m.Match(context.Background(), "work item description")
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected oracle error back, got %v", err)
	}
}
