// Package classify orchestrates a full classification: validate, match,
// enhance, call the oracle, run the optional validation pass and score
// alignment against the matched scenario.
package classify

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"triagebot/internal/domain"
	"triagebot/internal/enhance"
	"triagebot/internal/library"
	"triagebot/internal/match"
	"triagebot/internal/oracle"
	"triagebot/internal/storage/sqlite"
)

// Options are the orchestrator tunables.
type Options struct {
	ValidationPassEnabled bool
	DisagreementPenalty   float64 // confidence multiplier on >1-step disagreement
	UsageDedupeTTL        time.Duration
	Provider              string
	Model                 string
}

type Orchestrator struct {
	oracle   oracle.Oracle
	verifier oracle.Oracle // bypasses any result cache for the second pass
	matcher  *match.Matcher
	enhancer *enhance.Enhancer
	lib      *library.Store
	db       *sql.DB
	opts     Options

	// usage increments are deduplicated per idempotency key so a retried
	// classify call does not double-count scenario usage.
	dedupeMu sync.Mutex
	seen     map[string]time.Time
}

func New(o oracle.Oracle, m *match.Matcher, e *enhance.Enhancer, lib *library.Store, db *sql.DB, opts Options) *Orchestrator {
	if opts.DisagreementPenalty <= 0 || opts.DisagreementPenalty > 1 {
		opts.DisagreementPenalty = 0.7
	}
	if opts.UsageDedupeTTL <= 0 {
		opts.UsageDedupeTTL = 5 * time.Minute
	}
	// The validation pass must not read the memoized primary result: a
	// cached second opinion can never disagree.
	verifier := o
	if u, ok := o.(interface{ Uncached() oracle.Oracle }); ok {
		verifier = u.Uncached()
	}
	return &Orchestrator{
		oracle:   o,
		verifier: verifier,
		matcher:  m,
		enhancer: e,
		lib:      lib,
		db:       db,
		opts:     opts,
		seen:     make(map[string]time.Time),
	}
}

// Outcome is what the surrounding API layer gets back: the immutable
// record plus the ambiguous shortlist when no single scenario matched.
type Outcome struct {
	Record       domain.ClassificationRecord
	Alternatives []match.Candidate
}

// Classify runs the full pipeline. Input validation happens before any
// oracle call; an oracle failure after the retry budget surfaces as
// ErrOracleUnavailable with no fallback result.
func (o *Orchestrator) Classify(ctx context.Context, description string, base map[string]string) (Outcome, error) {
	description = strings.TrimSpace(description)
	if len(description) < domain.MinDescriptionLen || len(description) > domain.MaxDescriptionLen {
		return Outcome{}, fmt.Errorf("%w: description length %d out of [%d,%d]",
			domain.ErrValidation, len(description), domain.MinDescriptionLen, domain.MaxDescriptionLen)
	}

	idemKey := description + "\x00" + oracle.ContextHash(base)

	matched, err := o.matcher.Match(ctx, description)
	if err != nil {
		return Outcome{}, err
	}

	var scenario *domain.Scenario
	if matched.Outcome == domain.MatchMatched {
		sc := matched.Best
		scenario = &sc
	}

	enhanced := o.enhancer.Enhance(description, base, scenario)

	result, err := o.oracle.Classify(ctx, description, enhanced.Context)
	if err != nil {
		return Outcome{}, err
	}
	if err := validateResult(result); err != nil {
		return Outcome{}, err
	}

	if o.opts.ValidationPassEnabled && scenario != nil {
		result = o.validationPass(ctx, description, enhanced.Context, result)
	}

	alignment := 0
	if scenario != nil {
		alignment, err = alignmentScore(result, scenario.Expected)
		if err != nil {
			return Outcome{}, err
		}
	}

	record := domain.ClassificationRecord{
		ID:              uuid.NewString(),
		Description:     description,
		InputContext:    base,
		MatchOutcome:    matched.Outcome,
		EnhancedContext: enhanced.Context,
		AppliedRuleIDs:  enhanced.AppliedRuleIDs,
		Result:          result,
		AlignmentScore:  alignment,
		Provider:        o.opts.Provider,
		Model:           o.opts.Model,
		CreatedAt:       time.Now().UTC(),
	}
	if scenario != nil {
		record.MatchedScenarioID = scenario.ID
	}
	if err := sqlite.InsertClassification(o.db, record); err != nil {
		return Outcome{}, fmt.Errorf("store classification: %w", err)
	}

	// Usage counts only for classifications that actually landed; an
	// oracle failure above must not leave a phantom increment behind.
	if scenario != nil && o.firstSeen(idemKey) {
		o.lib.RecordUsage(scenario.ID)
	}

	log.Printf("classify done id=%s outcome=%s scenario=%s alignment=%d size=%s complexity=%s type=%s",
		record.ID, record.MatchOutcome, record.MatchedScenarioID, record.AlignmentScore,
		result.Size.Value, result.Complexity.Value, result.Type.Value)
	return Outcome{Record: record, Alternatives: matched.Alternatives}, nil
}

// validationPass runs a second independent classification and, where it
// disagrees with the primary by more than one enum step on a dimension,
// dampens that dimension's confidence and notes the disagreement. The
// primary result stays canonical; a failed second pass is non-fatal.
func (o *Orchestrator) validationPass(ctx context.Context, description string, enhanced map[string]string, primary domain.Result) domain.Result {
	second, err := o.verifier.Classify(ctx, description, enhanced)
	if err != nil {
		log.Printf("classify validation pass skipped err=%v", err)
		return primary
	}
	if err := validateResult(second); err != nil {
		log.Printf("classify validation pass unusable err=%v", err)
		return primary
	}

	for _, dim := range domain.Dimensions() {
		p := primary.Dimension(dim)
		v := second.Dimension(dim)
		dist := domain.EnumDistance(dim, p.Value, v.Value)
		if dist <= 1 {
			continue
		}
		p.Confidence *= o.opts.DisagreementPenalty
		p.Reasoning = strings.TrimSpace(p.Reasoning +
			fmt.Sprintf(" [validation pass disagreed: suggested %s %s]", dim, v.Value))
		primary.SetDimension(dim, p)
		log.Printf("classify validation disagreement dim=%s primary=%s second=%s distance=%d", dim, p.Value, v.Value, dist)
	}
	return primary
}

func validateResult(r domain.Result) error {
	for _, dim := range domain.Dimensions() {
		d := r.Dimension(dim)
		if !domain.ValidDimensionValue(dim, d.Value) {
			return fmt.Errorf("%w: oracle returned unknown %s value %q", domain.ErrValidation, dim, d.Value)
		}
		if d.Confidence < 0 || d.Confidence > 1 {
			return fmt.Errorf("%w: oracle %s confidence %f out of [0,1]", domain.ErrValidation, dim, d.Confidence)
		}
	}
	return nil
}

// alignmentScore maps 3/2/1/0 agreeing dimensions to 100/66/33/0. A
// dimension that deviates from the scenario expectation with empty
// reasoning fails validation outright.
func alignmentScore(r domain.Result, expected domain.Expected) (int, error) {
	agreeing := 0
	for _, dim := range domain.Dimensions() {
		d := r.Dimension(dim)
		if d.Value == expected.Value(dim) {
			agreeing++
			continue
		}
		if strings.TrimSpace(d.Reasoning) == "" {
			return 0, fmt.Errorf("%w: %s deviates from expectation (%s vs %s) with no reasoning",
				domain.ErrValidation, dim, d.Value, expected.Value(dim))
		}
	}
	switch agreeing {
	case 3:
		return 100, nil
	case 2:
		return 66, nil
	case 1:
		return 33, nil
	}
	return 0, nil
}

func (o *Orchestrator) firstSeen(key string) bool {
	now := time.Now()
	o.dedupeMu.Lock()
	defer o.dedupeMu.Unlock()
	if t, ok := o.seen[key]; ok && now.Sub(t) < o.opts.UsageDedupeTTL {
		return false
	}
	o.seen[key] = now
	if len(o.seen) > 4096 {
		for k, t := range o.seen {
			if now.Sub(t) >= o.opts.UsageDedupeTTL {
				delete(o.seen, k)
			}
		}
	}
	return true
}
