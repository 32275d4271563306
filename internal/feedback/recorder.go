// Package feedback captures accept/edit/reject feedback, folds it into
// scenario accuracy and fires the batch learning tiers.
package feedback

import (
	"database/sql"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"triagebot/internal/domain"
	"triagebot/internal/library"
	"triagebot/internal/storage/sqlite"
)

// Input is what the caller submits alongside a classification id.
type Input struct {
	Type              string
	Corrections       map[string]string
	AdditionalContext map[string]string
	UserID            string
}

// Trigger receives the feedback sequence number that crossed a batch
// threshold. Implementations run asynchronously; the feedback write never
// waits on learning.
type Trigger func(batchEnd int64)

type Recorder struct {
	db  *sql.DB
	lib *library.Store

	emaWeight   float64
	flagBelow   float64
	patternSize int64
	deepSize    int64

	// seqMu serializes sequence allocation with the insert so a failed
	// write never burns a number; counter stays atomic for cheap reads.
	seqMu   sync.Mutex
	counter atomic.Int64

	onPattern Trigger
	onDeep    Trigger
}

func NewRecorder(db *sql.DB, lib *library.Store, emaWeight, flagBelow float64, patternSize, deepSize int) (*Recorder, error) {
	r := &Recorder{
		db:          db,
		lib:         lib,
		emaWeight:   emaWeight,
		flagBelow:   flagBelow,
		patternSize: int64(patternSize),
		deepSize:    int64(deepSize),
	}
	n, err := sqlite.CountFeedback(db)
	if err != nil {
		return nil, fmt.Errorf("load feedback counter: %w", err)
	}
	r.counter.Store(n)
	return r, nil
}

// SetTriggers wires the batch learning tiers. Must be called before the
// first Submit.
func (r *Recorder) SetTriggers(onPattern, onDeep Trigger) {
	r.onPattern = onPattern
	r.onDeep = onDeep
}

// Counter returns the global feedback counter.
func (r *Recorder) Counter() int64 {
	return r.counter.Load()
}

// Submit validates and appends one feedback record, updates the matched
// scenario's accuracy EMA and fires batch learning when the claimed
// sequence number crosses a threshold. Sequence numbers advance only once
// the row is durably written, and each crossing fires exactly once
// regardless of concurrent submitters: sequence numbers are unique.
func (r *Recorder) Submit(classificationID string, in Input) (domain.FeedbackRecord, error) {
	record, err := sqlite.GetClassification(r.db, classificationID)
	if err != nil {
		return domain.FeedbackRecord{}, err
	}

	if err := validateInput(in, record); err != nil {
		return domain.FeedbackRecord{}, err
	}

	fb := domain.FeedbackRecord{
		ID:                uuid.NewString(),
		ClassificationID:  classificationID,
		FeedbackType:      in.Type,
		Corrections:       in.Corrections,
		AdditionalContext: in.AdditionalContext,
		UserID:            in.UserID,
		CreatedAt:         time.Now().UTC(),
	}

	r.seqMu.Lock()
	seq := r.counter.Load() + 1
	if err := sqlite.InsertFeedback(r.db, fb, seq); err != nil {
		r.seqMu.Unlock()
		return domain.FeedbackRecord{}, fmt.Errorf("store feedback: %w", err)
	}
	r.counter.Store(seq)
	r.seqMu.Unlock()

	r.applyAccuracy(record, in)

	if in.Type == domain.FeedbackReject {
		if err := sqlite.InvalidateClassification(r.db, classificationID); err != nil {
			log.Printf("feedback invalidate failed classification=%s err=%v", classificationID, err)
		}
	}

	if seq%r.patternSize == 0 && r.onPattern != nil {
		log.Printf("feedback trigger tier=pattern seq=%d", seq)
		go r.onPattern(seq)
	}
	if seq%r.deepSize == 0 && r.onDeep != nil {
		log.Printf("feedback trigger tier=deep seq=%d", seq)
		go r.onDeep(seq)
	}

	log.Printf("feedback recorded id=%s type=%s classification=%s scenario=%s seq=%d",
		fb.ID, fb.FeedbackType, classificationID, record.MatchedScenarioID, seq)
	return fb, nil
}

// applyAccuracy folds the observation into the scenario EMA:
// accept counts every dimension as 100, reject as 0, and an edit scores 0
// for corrected dimensions and 100 for untouched ones.
func (r *Recorder) applyAccuracy(record domain.ClassificationRecord, in Input) {
	if record.MatchedScenarioID == "" {
		return
	}

	var observation float64
	switch in.Type {
	case domain.FeedbackAccept:
		observation = 100
	case domain.FeedbackReject:
		observation = 0
	case domain.FeedbackEdit:
		dims := domain.Dimensions()
		unchanged := 0
		for _, dim := range dims {
			if _, corrected := in.Corrections[dim]; !corrected {
				unchanged++
			}
		}
		observation = 100 * float64(unchanged) / float64(len(dims))
	}

	accuracy, flagged := r.lib.UpdateAccuracy(
		record.MatchedScenarioID, observation,
		in.Type == domain.FeedbackReject, r.emaWeight, r.flagBelow)
	if flagged {
		log.Printf("feedback scenario flagged for review scenario=%s accuracy=%.1f", record.MatchedScenarioID, accuracy)
	}
}

func validateInput(in Input, record domain.ClassificationRecord) error {
	switch in.Type {
	case domain.FeedbackAccept, domain.FeedbackReject:
		return nil
	case domain.FeedbackEdit:
		if len(in.Corrections) == 0 {
			return fmt.Errorf("%w: edit feedback with no corrections", domain.ErrValidation)
		}
		for dim, value := range in.Corrections {
			if !domain.ValidDimensionValue(dim, value) {
				return fmt.Errorf("%w: correction %s=%q is not a valid enum value", domain.ErrValidation, dim, value)
			}
			if record.Result.Dimension(dim).Value == value {
				return fmt.Errorf("%w: correction %s=%q equals the original classification", domain.ErrValidation, dim, value)
			}
		}
		return nil
	}
	return fmt.Errorf("%w: unknown feedback type %q", domain.ErrValidation, in.Type)
}
