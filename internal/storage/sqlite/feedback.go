package sqlite

import (
	"database/sql"
	"encoding/json"

	"triagebot/internal/domain"
)

// InsertFeedback appends one feedback record at sequence number seq. The
// sequence is the global feedback counter value at submission time, which
// lets batch learning address windows like (40, 50] deterministically.
func InsertFeedback(db *sql.DB, f domain.FeedbackRecord, seq int64) error {
	_, err := db.Exec(
		`INSERT INTO feedback (id, classification_id, feedback_type, corrections, additional_context, user_id, seq, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.ClassificationID, f.FeedbackType, marshalJSON(f.Corrections),
		marshalJSON(f.AdditionalContext), f.UserID, seq, f.CreatedAt,
	)
	return err
}

func CountFeedback(db *sql.DB) (int64, error) {
	var n int64
	err := db.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM feedback`).Scan(&n)
	return n, err
}

func scanFeedback(rows *sql.Rows) ([]domain.FeedbackRecord, error) {
	var out []domain.FeedbackRecord
	for rows.Next() {
		var f domain.FeedbackRecord
		var corrections, addCtx string
		if err := rows.Scan(&f.ID, &f.ClassificationID, &f.FeedbackType,
			&corrections, &addCtx, &f.UserID, &f.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(corrections), &f.Corrections)
		_ = json.Unmarshal([]byte(addCtx), &f.AdditionalContext)
		out = append(out, f)
	}
	return out, rows.Err()
}

// ListFeedbackWindow returns feedback with seq in (after, upTo], oldest first.
func ListFeedbackWindow(db *sql.DB, after, upTo int64) ([]domain.FeedbackRecord, error) {
	rows, err := db.Query(
		`SELECT id, classification_id, feedback_type, corrections, additional_context, user_id, created_at
		 FROM feedback WHERE seq > ? AND seq <= ? ORDER BY seq`,
		after, upTo,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFeedback(rows)
}

// ListFeedbackForScenario joins feedback to the scenario its classification
// matched, for scenario evolution analysis.
func ListFeedbackForScenario(db *sql.DB, scenarioID string, limit int) ([]domain.FeedbackRecord, error) {
	rows, err := db.Query(
		`SELECT f.id, f.classification_id, f.feedback_type, f.corrections, f.additional_context, f.user_id, f.created_at
		 FROM feedback f
		 JOIN classifications c ON c.id = f.classification_id
		 WHERE c.matched_scenario_id = ?
		 ORDER BY f.seq DESC LIMIT ?`,
		scenarioID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFeedback(rows)
}

// MarkLearningRun records that a batch tier ran up to batch_end. Returns
// false when the run was already recorded, making batch processing
// idempotent under concurrent triggers.
func MarkLearningRun(db *sql.DB, tier string, batchEnd int64) (bool, error) {
	res, err := db.Exec(
		`INSERT OR IGNORE INTO learning_runs (tier, batch_end) VALUES (?, ?)`,
		tier, batchEnd,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// LastLearningRun returns the highest batch_end recorded for a tier, or 0.
func LastLearningRun(db *sql.DB, tier string) (int64, error) {
	var n int64
	err := db.QueryRow(`SELECT COALESCE(MAX(batch_end), 0) FROM learning_runs WHERE tier = ?`, tier).Scan(&n)
	return n, err
}
