// Package engine wires the triage pipeline together and exposes the
// operations callers use: classify, feedback, learning triggers and
// configuration management.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"triagebot/internal/classify"
	"triagebot/internal/config"
	"triagebot/internal/domain"
	"triagebot/internal/enhance"
	"triagebot/internal/feedback"
	"triagebot/internal/learn"
	"triagebot/internal/library"
	"triagebot/internal/match"
	"triagebot/internal/notify"
	"triagebot/internal/oracle"
	"triagebot/internal/storage/sqlite"
)

type Engine struct {
	db       *sql.DB
	lib      *library.Store
	orch     *classify.Orchestrator
	recorder *feedback.Recorder
	patterns *learn.PatternAnalyzer
	deep     *learn.DeepOptimizer
	notifier notify.Notifier

	learnTimeout time.Duration
}

// New assembles the pipeline around an already-open database, loaded
// library and oracle. Feedback batch triggers are wired to the two
// learning tiers; they run in the background off the feedback path.
func New(cfg *config.Config, db *sql.DB, lib *library.Store, o oracle.Oracle, notifier notify.Notifier) (*Engine, error) {
	if notifier == nil {
		notifier = notify.Noop{}
	}

	matcher := match.New(o, lib, cfg.MatchThreshold, cfg.AmbiguousThreshold, cfg.MatchAlternatives)
	enhancer := enhance.New(lib)
	orch := classify.New(o, matcher, enhancer, lib, db, classify.Options{
		ValidationPassEnabled: cfg.ValidationPassEnabled,
		DisagreementPenalty:   cfg.DisagreementPenalty,
		UsageDedupeTTL:        cfg.OracleCacheTTL(),
		Provider:              cfg.OracleProvider,
		Model:                 cfg.OracleModel,
	})

	recorder, err := feedback.NewRecorder(db, lib, cfg.AccuracyEMAWeight, cfg.AccuracyFlagThreshold, cfg.PatternBatchSize, cfg.DeepBatchSize)
	if err != nil {
		return nil, err
	}

	validator := learn.NewValidator(db)
	e := &Engine{
		db:       db,
		lib:      lib,
		orch:     orch,
		recorder: recorder,
		patterns: learn.NewPatternAnalyzer(db, lib, o, validator,
			cfg.PatternBatchSize, cfg.CorrectionRateThreshold, cfg.RuleAutoApplyConfidence),
		deep: learn.NewDeepOptimizer(db, lib, o,
			cfg.DeepBatchSize, cfg.DuplicateSimilarity, cfg.MergeFeedbackMin, cfg.SplitShareThreshold),
		notifier:     notifier,
		learnTimeout: 5 * time.Minute,
	}

	recorder.SetTriggers(
		func(batchEnd int64) { e.runPattern(batchEnd) },
		func(batchEnd int64) { e.runDeep(batchEnd) },
	)
	return e, nil
}

// Classify triages one work item description with optional caller context.
func (e *Engine) Classify(ctx context.Context, description string, baseContext map[string]string) (classify.Outcome, error) {
	return e.orch.Classify(ctx, description, baseContext)
}

// SubmitFeedback records an accept/edit/reject verdict for a prior
// classification. Threshold crossings fire learning in the background.
func (e *Engine) SubmitFeedback(classificationID string, in feedback.Input) (domain.FeedbackRecord, error) {
	return e.recorder.Submit(classificationID, in)
}

func (e *Engine) GetClassification(id string) (domain.ClassificationRecord, error) {
	return sqlite.GetClassification(e.db, id)
}

// TriggerPatternAnalysis runs the tier-1 analyzer on demand against the
// last full pattern batch. Already-claimed batches are no-ops.
func (e *Engine) TriggerPatternAnalysis(ctx context.Context) error {
	return e.patterns.Run(ctx, e.recorder.Counter())
}

// TriggerDeepOptimization runs the tier-2 optimizer on demand.
func (e *Engine) TriggerDeepOptimization(ctx context.Context) error {
	return e.deep.Run(ctx, e.recorder.Counter())
}

func (e *Engine) runPattern(batchEnd int64) {
	ctx, cancel := context.WithTimeout(context.Background(), e.learnTimeout)
	defer cancel()
	before := e.lib.Version()
	if err := e.patterns.Run(ctx, batchEnd); err != nil {
		log.Printf("pattern analysis failed batch_end=%d err=%v", batchEnd, err)
		return
	}
	e.notifyIfChanged("pattern", batchEnd, before)
}

func (e *Engine) runDeep(batchEnd int64) {
	ctx, cancel := context.WithTimeout(context.Background(), e.learnTimeout)
	defer cancel()
	before := e.lib.Version()
	if err := e.deep.Run(ctx, batchEnd); err != nil {
		log.Printf("deep optimization failed batch_end=%d err=%v", batchEnd, err)
		return
	}
	e.notifyIfChanged("deep", batchEnd, before)
}

func (e *Engine) notifyIfChanged(tier string, batchEnd, beforeVersion int64) {
	after := e.lib.Version()
	if after == beforeVersion {
		return
	}
	v, err := e.lib.GetVersion(after)
	if err != nil {
		return
	}
	e.notifier.LearningRun(tier, batchEnd, v.ChangeLog)
}

// CommitConfiguration applies a manual change to the library as a new
// version.
func (e *Engine) CommitConfiguration(author string, change library.ChangeFn) (int64, error) {
	versionID, err := e.lib.Commit(change)
	if err != nil {
		return 0, err
	}
	v, verr := e.lib.GetVersion(versionID)
	if verr == nil {
		e.notifier.VersionCommitted(versionID, author, v.ChangeLog)
	}
	return versionID, nil
}

// RollbackConfiguration restores the content of an earlier version as a
// new version. History is never rewritten.
func (e *Engine) RollbackConfiguration(targetVersionID int64) (int64, error) {
	from := e.lib.Version()
	versionID, err := e.lib.Rollback(targetVersionID)
	if err != nil {
		return 0, err
	}
	e.notifier.RolledBack(from, targetVersionID)
	return versionID, nil
}

func (e *Engine) ConfigurationVersion(versionID int64) (domain.ConfigurationVersion, error) {
	return e.lib.GetVersion(versionID)
}

func (e *Engine) VersionLog(limit int) ([]domain.ConfigurationVersion, error) {
	return e.lib.VersionLog(limit)
}

func (e *Engine) ActiveScenarios() []domain.Scenario {
	return e.lib.ActiveScenarios()
}

func (e *Engine) ActiveRules() []domain.ContextRule {
	return e.lib.ActiveRules()
}

func (e *Engine) Stats(since time.Time) (sqlite.Stats, error) {
	return sqlite.GetStats(e.db, since)
}

// PendingProposals lists rules waiting for human review.
func (e *Engine) PendingProposals() ([]domain.RuleProposal, error) {
	return sqlite.ListProposals(e.db, "pending")
}

// ResolveProposal applies or dismisses a queued rule proposal.
func (e *Engine) ResolveProposal(id string, apply bool) error {
	if !apply {
		return sqlite.SetProposalStatus(e.db, id, "dismissed")
	}
	proposals, err := sqlite.ListProposals(e.db, "pending")
	if err != nil {
		return err
	}
	for _, p := range proposals {
		if p.ID != id {
			continue
		}
		rule := p.Rule
		_, err := e.lib.Commit(func(snap *domain.Snapshot) (string, error) {
			snap.Rules = append(snap.Rules, rule)
			return "apply reviewed rule " + rule.ID, nil
		})
		if err != nil {
			return err
		}
		return sqlite.SetProposalStatus(e.db, id, "applied")
	}
	return fmt.Errorf("no pending proposal %s", id)
}
