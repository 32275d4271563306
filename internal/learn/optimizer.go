package learn

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sort"
	"strings"

	"triagebot/internal/domain"
	"triagebot/internal/library"
	"triagebot/internal/oracle"
	"triagebot/internal/storage/sqlite"
)

// DeepOptimizer runs on every deep-size batch of feedback. It restructures
// the scenario library itself: merges near-duplicate scenarios, flags
// conflicting ones, proposes splits for scenarios whose corrections
// diverge, creates scenarios from recurring unmatched work, and prunes
// rules that stopped earning their keep. Every structural change from one
// run lands in a single configuration version.
type DeepOptimizer struct {
	db     *sql.DB
	lib    *library.Store
	oracle oracle.Oracle

	batchSize       int
	duplicateSim    float64
	mergeMin        int
	splitShare      float64
	demoteShare     float64
	scenarioHistory int
}

func NewDeepOptimizer(db *sql.DB, lib *library.Store, o oracle.Oracle, batchSize int, duplicateSim float64, mergeMin int, splitShare float64) *DeepOptimizer {
	return &DeepOptimizer{
		db:              db,
		lib:             lib,
		oracle:          o,
		batchSize:       batchSize,
		duplicateSim:    duplicateSim,
		mergeMin:        mergeMin,
		splitShare:      splitShare,
		demoteShare:     0.5,
		scenarioHistory: 200,
	}
}

func (o *DeepOptimizer) Run(ctx context.Context, batchEnd int64) error {
	claimed, err := sqlite.MarkLearningRun(o.db, "deep", batchEnd)
	if err != nil {
		return fmt.Errorf("claim deep batch: %w", err)
	}
	if !claimed {
		log.Printf("deep batch already processed batch_end=%d", batchEnd)
		return nil
	}

	batch, err := sqlite.ListFeedbackWindow(o.db, batchEnd-int64(o.batchSize), batchEnd)
	if err != nil {
		return fmt.Errorf("load deep batch: %w", err)
	}
	log.Printf("deep optimization start batch_end=%d size=%d", batchEnd, len(batch))

	scenarios := o.lib.ActiveScenarios()

	merges, conflicts := o.findDuplicates(scenarios)
	splits := o.findSplits(scenarios)
	created := o.scenariosFromUnmatched(ctx, batch)
	pruneRuleIDs, err := o.findStaleRules()
	if err != nil {
		log.Printf("deep rule pruning skipped err=%v", err)
	}
	demoteRuleIDs := o.findIneffectiveRules(batch)

	if len(merges) == 0 && len(conflicts) == 0 && len(splits) == 0 && len(created) == 0 &&
		len(pruneRuleIDs) == 0 && len(demoteRuleIDs) == 0 {
		log.Printf("deep optimization done batch_end=%d changes=0", batchEnd)
		return nil
	}

	err = o.lib.RunOptimization("deep-optimization", func(commit library.CommitFn) error {
		_, err := commit(func(snap *domain.Snapshot) (string, error) {
			for _, m := range merges {
				applyMerge(snap, m)
			}
			for _, id := range conflicts {
				flagScenario(snap, id)
			}
			for _, sp := range splits {
				flagScenario(snap, sp.parentID)
				snap.Scenarios = append(snap.Scenarios, sp.children...)
			}
			snap.Scenarios = append(snap.Scenarios, created...)
			if len(pruneRuleIDs) > 0 {
				pruned := snap.Rules[:0]
				for _, r := range snap.Rules {
					if containsString(pruneRuleIDs, r.ID) {
						continue
					}
					pruned = append(pruned, r)
				}
				snap.Rules = pruned
			}
			for i := range snap.Rules {
				if containsString(demoteRuleIDs, snap.Rules[i].ID) {
					snap.Rules[i].Active = false
				}
			}
			return fmt.Sprintf("deep optimization batch %d: %d merges, %d conflicts flagged, %d splits proposed, %d scenarios created, %d rules pruned, %d rules demoted",
				batchEnd, len(merges), len(conflicts), len(splits), len(created), len(pruneRuleIDs), len(demoteRuleIDs)), nil
		})
		return err
	})
	if err != nil {
		return err
	}

	// Applied counts restart so the next deep run judges rules on fresh
	// activity rather than lifetime totals.
	if err := sqlite.ResetRuleAppliedCounts(o.db); err != nil {
		log.Printf("deep reset rule counters failed err=%v", err)
	}
	return nil
}

type merge struct {
	keepID   string
	retireID string
}

type split struct {
	parentID string
	children []domain.Scenario
}

// findDuplicates compares every active scenario pair by TF-IDF similarity
// over title and examples. Similar pairs with identical expected triples
// become merge candidates once both have enough feedback behind them;
// similar pairs with divergent expectations are conflicts and get flagged
// for human review instead.
func (o *DeepOptimizer) findDuplicates(scenarios []domain.Scenario) ([]merge, []string) {
	if len(scenarios) < 2 {
		return nil, nil
	}
	docs := make([]indexedDoc, len(scenarios))
	for i, sc := range scenarios {
		docs[i] = indexedDoc{Key: sc.ID, Text: sc.Title + " " + strings.Join(sc.Examples, " ")}
	}
	idx := buildTFIDFIndex(docs)

	var merges []merge
	conflictSet := make(map[string]bool)
	for i := 0; i < len(scenarios); i++ {
		for j := i + 1; j < len(scenarios); j++ {
			if idx.similarity(i, j) < o.duplicateSim {
				continue
			}
			a, b := scenarios[i], scenarios[j]
			if a.Expected != b.Expected {
				log.Printf("deep conflict flagged a=%s b=%s", a.ID, b.ID)
				conflictSet[a.ID] = true
				conflictSet[b.ID] = true
				continue
			}
			if o.feedbackCount(a.ID) >= o.mergeMin && o.feedbackCount(b.ID) >= o.mergeMin {
				// Lower id survives so repeated runs converge on the
				// same canonical scenario.
				keep, retire := a.ID, b.ID
				if retire < keep {
					keep, retire = retire, keep
				}
				log.Printf("deep merge keep=%s retire=%s", keep, retire)
				merges = append(merges, merge{keepID: keep, retireID: retire})
			}
		}
	}

	conflicts := make([]string, 0, len(conflictSet))
	for id := range conflictSet {
		conflicts = append(conflicts, id)
	}
	sort.Strings(conflicts)
	return merges, conflicts
}

func (o *DeepOptimizer) feedbackCount(scenarioID string) int {
	fbs, err := sqlite.ListFeedbackForScenario(o.db, scenarioID, o.scenarioHistory)
	if err != nil {
		log.Printf("deep feedback count failed scenario=%s err=%v", scenarioID, err)
		return 0
	}
	return len(fbs)
}

// findSplits looks for scenarios whose edit corrections settle on two or
// more distinct triples, each carrying a meaningful share. That pattern
// means one scenario is covering what users treat as separate kinds of
// work, so child scenarios are drafted from the correction clusters and
// the parent is flagged.
func (o *DeepOptimizer) findSplits(scenarios []domain.Scenario) []split {
	var splits []split
	for _, sc := range scenarios {
		fbs, err := sqlite.ListFeedbackForScenario(o.db, sc.ID, o.scenarioHistory)
		if err != nil {
			log.Printf("deep split scan failed scenario=%s err=%v", sc.ID, err)
			continue
		}

		type group struct {
			triple domain.Expected
			descs  []string
		}
		groups := make(map[domain.Expected]*group)
		edits := 0
		for _, fb := range fbs {
			if fb.FeedbackType != domain.FeedbackEdit {
				continue
			}
			rec, err := sqlite.GetClassification(o.db, fb.ClassificationID)
			if err != nil {
				continue
			}
			triple := rec.Result.Values()
			for dim, v := range fb.Corrections {
				switch dim {
				case domain.DimSize:
					triple.Size = v
				case domain.DimComplexity:
					triple.Complexity = v
				case domain.DimType:
					triple.Type = v
				}
			}
			edits++
			g, ok := groups[triple]
			if !ok {
				g = &group{triple: triple}
				groups[triple] = g
			}
			g.descs = append(g.descs, rec.Description)
		}
		if edits < o.mergeMin {
			continue
		}

		var major []*group
		for _, g := range groups {
			if float64(len(g.descs))/float64(edits) > o.splitShare {
				major = append(major, g)
			}
		}
		if len(major) < 2 {
			continue
		}
		sort.Slice(major, func(i, j int) bool { return len(major[i].descs) > len(major[j].descs) })

		children := make([]domain.Scenario, 0, len(major))
		for n, g := range major {
			if g.triple == sc.Expected {
				continue
			}
			kws := commonKeywords(g.descs, 3)
			children = append(children, domain.Scenario{
				ID:               fmt.Sprintf("%s-split-%d", sc.ID, n+1),
				Title:            splitTitle(sc.Title, kws),
				DomainTag:        sc.DomainTag,
				Expected:         g.triple,
				ContextReqs:      cloneStringMap(sc.ContextReqs),
				Examples:         capStrings(g.descs, 5),
				AccuracyScore:    100,
				Version:          1,
				FlaggedForReview: true,
			})
		}
		if len(children) == 0 {
			continue
		}
		log.Printf("deep split proposed scenario=%s children=%d", sc.ID, len(children))
		splits = append(splits, split{parentID: sc.ID, children: children})
	}
	return splits
}

// scenariosFromUnmatched promotes recurring unmatched-but-accepted work
// into new scenarios. A cluster qualifies when enough accepted items share
// keywords and all agree on the classification triple.
func (o *DeepOptimizer) scenariosFromUnmatched(ctx context.Context, batch []domain.FeedbackRecord) []domain.Scenario {
	type bucket struct {
		triple domain.Expected
		descs  []string
		mixed  bool
	}
	buckets := make(map[string]*bucket)
	for _, fb := range batch {
		if fb.FeedbackType != domain.FeedbackAccept {
			continue
		}
		rec, err := sqlite.GetClassification(o.db, fb.ClassificationID)
		if err != nil || rec.MatchedScenarioID != "" {
			continue
		}
		kws := commonKeywords([]string{rec.Description}, 1)
		if len(kws) == 0 {
			continue
		}
		b, ok := buckets[kws[0]]
		if !ok {
			b = &bucket{triple: rec.Result.Values()}
			buckets[kws[0]] = b
		} else if b.triple != rec.Result.Values() {
			b.mixed = true
		}
		b.descs = append(b.descs, rec.Description)
	}

	keys := make([]string, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var created []domain.Scenario
	for _, k := range keys {
		b := buckets[k]
		if b.mixed || len(b.descs) < o.mergeMin {
			continue
		}
		id := "learned-" + k
		if _, exists := o.lib.GetScenario(id); exists {
			continue
		}
		title := o.scenarioTitle(ctx, b.descs, k)
		log.Printf("deep scenario created id=%s title=%q items=%d", id, title, len(b.descs))
		created = append(created, domain.Scenario{
			ID:            id,
			Title:         title,
			DomainTag:     "learned",
			Expected:      b.triple,
			Examples:      capStrings(b.descs, 5),
			AccuracyScore: 100,
			Version:       1,
		})
	}
	return created
}

// scenarioTitle asks the oracle for a short name. Title text is cosmetic,
// so oracle failure falls back to the cluster keyword.
func (o *DeepOptimizer) scenarioTitle(ctx context.Context, descs []string, keyword string) string {
	fallback := strings.ToUpper(keyword[:1]) + keyword[1:] + " work"
	if o.oracle == nil {
		return fallback
	}
	var b strings.Builder
	b.WriteString("Name this category of work items in at most six words. Respond with the name only, no quotes.\n")
	for i, d := range descs {
		if i >= 5 {
			break
		}
		fmt.Fprintf(&b, "- %s\n", strings.TrimSpace(d))
	}
	text, err := o.oracle.Analyze(ctx, b.String())
	text = strings.TrimSpace(strings.Trim(strings.TrimSpace(text), `"`))
	if err != nil || text == "" || len(text) > 80 {
		return fallback
	}
	return text
}

// findStaleRules returns pattern-derived rules that never fired since the
// previous deep run. Manual rules are exempt: an operator put them there
// on purpose.
func (o *DeepOptimizer) findStaleRules() ([]string, error) {
	counts, err := o.lib.RuleAppliedCounts()
	if err != nil {
		return nil, err
	}
	var stale []string
	for _, r := range o.lib.ActiveRules() {
		if r.Source != domain.RuleSourcePattern {
			continue
		}
		if counts[r.ID] == 0 {
			log.Printf("deep rule pruned id=%s trigger=%s", r.ID, r.Trigger.Key())
			stale = append(stale, r.ID)
		}
	}
	sort.Strings(stale)
	return stale, nil
}

// findIneffectiveRules demotes pattern rules that keep firing on
// classifications users then correct anyway. Firing is not the same as
// helping: a rule whose batch correction rate stays at or above the
// demotion share gets deactivated rather than deleted, so an operator can
// still inspect or revive it.
func (o *DeepOptimizer) findIneffectiveRules(batch []domain.FeedbackRecord) []string {
	total := make(map[string]int)
	corrected := make(map[string]int)
	for _, fb := range batch {
		rec, err := sqlite.GetClassification(o.db, fb.ClassificationID)
		if err != nil {
			continue
		}
		bad := fb.FeedbackType == domain.FeedbackEdit || fb.FeedbackType == domain.FeedbackReject
		for _, ruleID := range rec.AppliedRuleIDs {
			total[ruleID]++
			if bad {
				corrected[ruleID]++
			}
		}
	}

	var demote []string
	for _, r := range o.lib.ActiveRules() {
		if r.Source != domain.RuleSourcePattern {
			continue
		}
		n := total[r.ID]
		if n < o.mergeMin {
			continue
		}
		rate := float64(corrected[r.ID]) / float64(n)
		if rate >= o.demoteShare {
			log.Printf("deep rule demoted id=%s corrected=%d/%d", r.ID, corrected[r.ID], n)
			demote = append(demote, r.ID)
		}
	}
	sort.Strings(demote)
	return demote
}

func applyMerge(snap *domain.Snapshot, m merge) {
	var keep *domain.Scenario
	for i := range snap.Scenarios {
		if snap.Scenarios[i].ID == m.keepID {
			keep = &snap.Scenarios[i]
		}
	}
	if keep == nil {
		return
	}
	for i := range snap.Scenarios {
		if snap.Scenarios[i].ID != m.retireID || snap.Scenarios[i].Retired {
			continue
		}
		for _, ex := range snap.Scenarios[i].Examples {
			if !containsString(keep.Examples, ex) {
				keep.Examples = append(keep.Examples, ex)
			}
		}
		snap.Scenarios[i].Retired = true
		snap.Scenarios[i].Version++
		keep.Version++
	}
}

func flagScenario(snap *domain.Snapshot, id string) {
	for i := range snap.Scenarios {
		if snap.Scenarios[i].ID == id {
			snap.Scenarios[i].FlaggedForReview = true
		}
	}
}

func splitTitle(parent string, keywords []string) string {
	if len(keywords) == 0 {
		return parent + " (variant)"
	}
	return parent + " (" + strings.Join(keywords, " ") + ")"
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func capStrings(in []string, max int) []string {
	out := make([]string, 0, max)
	for _, s := range in {
		if containsString(out, s) {
			continue
		}
		out = append(out, s)
		if len(out) == max {
			break
		}
	}
	return out
}
