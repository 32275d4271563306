package learn

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"triagebot/internal/domain"
	"triagebot/internal/library"
	"triagebot/internal/oracle"
	"triagebot/internal/storage/sqlite"
)

// PatternAnalyzer runs on every pattern-size batch of feedback. It
// clusters the batch, detects systematic corrections and turns them into
// context rules — auto-applied above the confidence bar, queued for
// review below it.
type PatternAnalyzer struct {
	db        *sql.DB
	lib       *library.Store
	oracle    oracle.Oracle
	validator *Validator

	batchSize      int
	correctionRate float64
	autoApply      float64

	maxScenarioExamples int
}

func NewPatternAnalyzer(db *sql.DB, lib *library.Store, o oracle.Oracle, v *Validator, batchSize int, correctionRate, autoApply float64) *PatternAnalyzer {
	return &PatternAnalyzer{
		db:                  db,
		lib:                 lib,
		oracle:              o,
		validator:           v,
		batchSize:           batchSize,
		correctionRate:      correctionRate,
		autoApply:           autoApply,
		maxScenarioExamples: 10,
	}
}

type cluster struct {
	key          string
	scenarioID   string
	feedback     []domain.FeedbackRecord
	records      map[string]domain.ClassificationRecord // by feedback id
	descriptions []string
}

// Run processes the batch ending at sequence number batchEnd. Batches are
// claimed first, so a concurrently fired duplicate trigger is a no-op and
// batches never overlap.
func (a *PatternAnalyzer) Run(ctx context.Context, batchEnd int64) error {
	claimed, err := sqlite.MarkLearningRun(a.db, "pattern", batchEnd)
	if err != nil {
		return fmt.Errorf("claim pattern batch: %w", err)
	}
	if !claimed {
		log.Printf("pattern batch already processed batch_end=%d", batchEnd)
		return nil
	}

	batch, err := sqlite.ListFeedbackWindow(a.db, batchEnd-int64(a.batchSize), batchEnd)
	if err != nil {
		return fmt.Errorf("load pattern batch: %w", err)
	}
	if len(batch) == 0 {
		return nil
	}
	log.Printf("pattern analysis start batch_end=%d size=%d", batchEnd, len(batch))

	clusters := a.clusterBatch(batch)

	var applyRules []domain.ContextRule
	var proposals []domain.RuleProposal
	examplesByScenario := make(map[string][]string)

	for _, cl := range clusters {
		for _, fb := range cl.feedback {
			if fb.FeedbackType == domain.FeedbackAccept && cl.scenarioID != "" {
				if rec, ok := cl.records[fb.ID]; ok {
					examplesByScenario[cl.scenarioID] = append(examplesByScenario[cl.scenarioID], rec.Description)
				}
			}
		}

		rules, props := a.analyzeCluster(ctx, cl)
		applyRules = append(applyRules, rules...)
		proposals = append(proposals, props...)
	}

	for _, p := range proposals {
		if err := sqlite.InsertProposal(a.db, p); err != nil {
			log.Printf("pattern proposal store failed id=%s err=%v", p.ID, err)
		}
	}

	if len(applyRules) == 0 && len(examplesByScenario) == 0 {
		log.Printf("pattern analysis done batch_end=%d rules=0 proposals=%d", batchEnd, len(proposals))
		return nil
	}

	return a.lib.RunOptimization("pattern-analysis", func(commit library.CommitFn) error {
		_, err := commit(func(snap *domain.Snapshot) (string, error) {
			for _, rule := range applyRules {
				snap.Rules = append(snap.Rules, rule)
			}
			appended := 0
			for scenarioID, examples := range examplesByScenario {
				for i := range snap.Scenarios {
					if snap.Scenarios[i].ID != scenarioID {
						continue
					}
					for _, ex := range examples {
						if containsString(snap.Scenarios[i].Examples, ex) {
							continue
						}
						snap.Scenarios[i].Examples = append(snap.Scenarios[i].Examples, ex)
						appended++
					}
					if len(snap.Scenarios[i].Examples) > a.maxScenarioExamples {
						snap.Scenarios[i].Examples = snap.Scenarios[i].Examples[len(snap.Scenarios[i].Examples)-a.maxScenarioExamples:]
					}
					snap.Scenarios[i].Version++
				}
			}
			return fmt.Sprintf("pattern analysis batch %d: %d rules applied, %d proposals queued, %d examples added",
				batchEnd, len(applyRules), len(proposals), appended), nil
		})
		return err
	})
}

func (a *PatternAnalyzer) clusterBatch(batch []domain.FeedbackRecord) []cluster {
	byKey := make(map[string]*cluster)
	for _, fb := range batch {
		rec, err := sqlite.GetClassification(a.db, fb.ClassificationID)
		if err != nil {
			log.Printf("pattern missing classification feedback=%s err=%v", fb.ID, err)
			continue
		}
		key := rec.MatchedScenarioID
		if key == "" {
			// Unmatched items cluster on their dominant keyword.
			kws := commonKeywords([]string{rec.Description}, 1)
			if len(kws) == 0 {
				continue
			}
			key = "kw:" + kws[0]
		}
		cl, ok := byKey[key]
		if !ok {
			cl = &cluster{key: key, scenarioID: rec.MatchedScenarioID, records: make(map[string]domain.ClassificationRecord)}
			byKey[key] = cl
		}
		cl.feedback = append(cl.feedback, fb)
		cl.records[fb.ID] = rec
		cl.descriptions = append(cl.descriptions, rec.Description)
	}

	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]cluster, 0, len(keys))
	for _, k := range keys {
		out = append(out, *byKey[k])
	}
	return out
}

// analyzeCluster checks each dimension for a systematic correction and
// builds a rule from it. Rule confidence is the cluster consistency ratio:
// the share of corrections agreeing on the same replacement value.
func (a *PatternAnalyzer) analyzeCluster(ctx context.Context, cl cluster) ([]domain.ContextRule, []domain.RuleProposal) {
	var rules []domain.ContextRule
	var proposals []domain.RuleProposal

	for _, dim := range domain.Dimensions() {
		valueCounts := make(map[string]int)
		var correctedDescs []string
		corrected := 0
		for _, fb := range cl.feedback {
			if fb.FeedbackType != domain.FeedbackEdit {
				continue
			}
			value, ok := fb.Corrections[dim]
			if !ok {
				continue
			}
			corrected++
			valueCounts[value]++
			if rec, ok := cl.records[fb.ID]; ok {
				correctedDescs = append(correctedDescs, rec.Description)
			}
		}
		if corrected == 0 || float64(corrected)/float64(len(cl.feedback)) <= a.correctionRate {
			continue
		}

		topValue, topCount := "", 0
		for v, c := range valueCounts {
			if c > topCount || (c == topCount && v < topValue) {
				topValue, topCount = v, c
			}
		}
		consistency := float64(topCount) / float64(corrected)

		keywords := commonKeywords(correctedDescs, 3)
		if len(keywords) == 0 {
			continue
		}

		rule := domain.ContextRule{
			ID:      uuid.NewString(),
			Trigger: domain.Condition{Kind: domain.CondKeyword, Keywords: keywords},
			Additions: map[string]string{
				dim + "_hint": topValue,
			},
			Confidence: consistency,
			Source:     domain.RuleSourcePattern,
			Priority:   100,
			Active:     true,
			CreatedAt:  time.Now().UTC(),
		}

		histConsistency := a.historicalConsistency(cl, dim, topValue)
		contradiction := a.contradicts(rule)

		switch {
		case consistency >= a.autoApply && !contradiction && histConsistency >= 0.3:
			log.Printf("pattern rule auto-apply cluster=%s dim=%s value=%s confidence=%.2f keywords=%v",
				cl.key, dim, topValue, consistency, keywords)
			rules = append(rules, rule)
		default:
			rationale := a.rationale(ctx, cl, dim, topValue, consistency, contradiction)
			proposals = append(proposals, domain.RuleProposal{
				ID:         uuid.NewString(),
				Rule:       rule,
				Rationale:  rationale,
				ScenarioID: cl.scenarioID,
				Status:     "pending",
				CreatedAt:  time.Now().UTC(),
			})
			log.Printf("pattern rule queued cluster=%s dim=%s value=%s confidence=%.2f contradiction=%v",
				cl.key, dim, topValue, consistency, contradiction)
		}
	}
	return rules, proposals
}

// contradicts reports whether an active rule fires on the same trigger but
// injects a different value for one of the same keys.
func (a *PatternAnalyzer) contradicts(candidate domain.ContextRule) bool {
	key := candidate.Trigger.Key()
	for _, existing := range a.lib.ActiveRules() {
		if existing.Trigger.Key() != key {
			continue
		}
		for k, v := range candidate.Additions {
			if ev, ok := existing.Additions[k]; ok && ev != v {
				return true
			}
		}
	}
	return false
}

// historicalConsistency scores the proposed correction against similar
// historical classifications. Uses the first corrected record as the
// cluster representative.
func (a *PatternAnalyzer) historicalConsistency(cl cluster, dim, value string) float64 {
	for _, fb := range cl.feedback {
		rec, ok := cl.records[fb.ID]
		if !ok {
			continue
		}
		candidate := rec.Result.Values()
		switch dim {
		case domain.DimSize:
			candidate.Size = value
		case domain.DimComplexity:
			candidate.Complexity = value
		case domain.DimType:
			candidate.Type = value
		}
		score, n, err := a.validator.Consistency(rec.Description, candidate)
		if err != nil {
			log.Printf("pattern consistency check failed err=%v", err)
			return 1
		}
		if n == 0 {
			return 1
		}
		return score
	}
	return 1
}

// rationale asks the oracle for a short human-readable justification for
// the review queue. The structural rule content is already fixed; an
// oracle failure just falls back to a generated summary.
func (a *PatternAnalyzer) rationale(ctx context.Context, cl cluster, dim, value string, consistency float64, contradiction bool) string {
	fallback := fmt.Sprintf("cluster %s: %s corrected to %s in %.0f%% of corrections", cl.key, dim, value, consistency*100)
	if contradiction {
		fallback += " (contradicts an existing active rule)"
	}
	if a.oracle == nil {
		return fallback
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Summarize in two sentences why users keep correcting the %s dimension to %s for items like:\n", dim, value)
	limit := 5
	for i, d := range cl.descriptions {
		if i >= limit {
			break
		}
		fmt.Fprintf(&b, "- %s\n", strings.TrimSpace(d))
	}
	b.WriteString("Respond with plain text only.")

	text, err := a.oracle.Analyze(ctx, b.String())
	if err != nil || strings.TrimSpace(text) == "" {
		return fallback
	}
	return strings.TrimSpace(text)
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
