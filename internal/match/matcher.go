// Package match scores a work description against the scenario library
// and decides between a confident match, an ambiguous shortlist and a
// no-match (new-scenario candidate).
package match

import (
	"context"
	"log"
	"sort"
	"sync"

	"triagebot/internal/domain"
	"triagebot/internal/library"
	"triagebot/internal/oracle"
)

type Matcher struct {
	oracle             oracle.Oracle
	lib                *library.Store
	matchThreshold     int
	ambiguousThreshold int
	alternatives       int
}

func New(o oracle.Oracle, lib *library.Store, matchThreshold, ambiguousThreshold, alternatives int) *Matcher {
	return &Matcher{
		oracle:             o,
		lib:                lib,
		matchThreshold:     matchThreshold,
		ambiguousThreshold: ambiguousThreshold,
		alternatives:       alternatives,
	}
}

// Candidate is one scored scenario.
type Candidate struct {
	ScenarioID string `json:"scenario_id"`
	Title      string `json:"title"`
	Score      int    `json:"score"`
}

// Result is the matcher's verdict. Best is set only on MATCHED;
// Alternatives carries the shortlist on AMBIGUOUS.
type Result struct {
	Outcome      string
	Best         domain.Scenario
	BestScore    int
	Alternatives []Candidate
}

// Match scores every active scenario concurrently. Ties break toward the
// lowest scenario id so repeated calls with equal oracle scores stay
// deterministic. The scenario usage counter is NOT touched here; the
// orchestrator records usage once per idempotency key on MATCHED.
func (m *Matcher) Match(ctx context.Context, description string) (Result, error) {
	scenarios := m.lib.ActiveScenarios()
	if len(scenarios) == 0 {
		log.Printf("matcher empty library outcome=%s", domain.MatchNoMatch)
		return Result{Outcome: domain.MatchNoMatch}, nil
	}

	scores := make([]int, len(scenarios))
	errs := make([]error, len(scenarios))

	var wg sync.WaitGroup
	for i, sc := range scenarios {
		wg.Add(1)
		go func(idx int, sc domain.Scenario) {
			defer wg.Done()
			score, err := m.oracle.Score(ctx, description, sc)
			scores[idx], errs[idx] = score, err
		}(i, sc)
	}
	wg.Wait()

	candidates := make([]Candidate, 0, len(scenarios))
	for i, sc := range scenarios {
		if errs[i] != nil {
			return Result{}, errs[i]
		}
		candidates = append(candidates, Candidate{ScenarioID: sc.ID, Title: sc.Title, Score: scores[i]})
	}
	sort.Slice(candidates, func(a, b int) bool {
		if candidates[a].Score != candidates[b].Score {
			return candidates[a].Score > candidates[b].Score
		}
		return candidates[a].ScenarioID < candidates[b].ScenarioID
	})

	best := candidates[0]
	switch {
	case best.Score >= m.matchThreshold:
		sc, ok := m.lib.GetScenario(best.ScenarioID)
		if !ok {
			// Scenario retired between scoring and lookup; treat as no match.
			log.Printf("matcher best scenario vanished id=%s", best.ScenarioID)
			return Result{Outcome: domain.MatchNoMatch}, nil
		}
		log.Printf("matcher outcome=%s scenario=%s score=%d", domain.MatchMatched, best.ScenarioID, best.Score)
		return Result{Outcome: domain.MatchMatched, Best: sc, BestScore: best.Score}, nil
	case best.Score >= m.ambiguousThreshold:
		k := m.alternatives
		if k > len(candidates) {
			k = len(candidates)
		}
		log.Printf("matcher outcome=%s best=%s score=%d alternatives=%d", domain.MatchAmbiguous, best.ScenarioID, best.Score, k)
		return Result{Outcome: domain.MatchAmbiguous, BestScore: best.Score, Alternatives: candidates[:k]}, nil
	default:
		log.Printf("matcher outcome=%s best=%s score=%d new_scenario_candidate=true", domain.MatchNoMatch, best.ScenarioID, best.Score)
		return Result{Outcome: domain.MatchNoMatch, BestScore: best.Score}, nil
	}
}
