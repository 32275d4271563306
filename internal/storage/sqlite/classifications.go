package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"triagebot/internal/domain"
)

func InsertClassification(db *sql.DB, r domain.ClassificationRecord) error {
	_, err := db.Exec(
		`INSERT INTO classifications
		 (id, description, input_context, matched_scenario_id, match_outcome,
		  enhanced_context, applied_rule_ids, result, alignment_score,
		  invalidated, provider, model, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Description, marshalJSON(r.InputContext), r.MatchedScenarioID, r.MatchOutcome,
		marshalJSON(r.EnhancedContext), marshalJSON(r.AppliedRuleIDs), marshalJSON(r.Result),
		r.AlignmentScore, r.Invalidated, r.Provider, r.Model, r.CreatedAt,
	)
	return err
}

func scanClassification(scan func(dest ...any) error) (domain.ClassificationRecord, error) {
	var r domain.ClassificationRecord
	var inputCtx, enhancedCtx, ruleIDs, result string
	err := scan(
		&r.ID, &r.Description, &inputCtx, &r.MatchedScenarioID, &r.MatchOutcome,
		&enhancedCtx, &ruleIDs, &result, &r.AlignmentScore,
		&r.Invalidated, &r.Provider, &r.Model, &r.CreatedAt,
	)
	if err != nil {
		return r, err
	}
	_ = json.Unmarshal([]byte(inputCtx), &r.InputContext)
	_ = json.Unmarshal([]byte(enhancedCtx), &r.EnhancedContext)
	_ = json.Unmarshal([]byte(ruleIDs), &r.AppliedRuleIDs)
	_ = json.Unmarshal([]byte(result), &r.Result)
	return r, nil
}

const classificationColumns = `id, description, input_context, matched_scenario_id, match_outcome,
	enhanced_context, applied_rule_ids, result, alignment_score, invalidated, provider, model, created_at`

func GetClassification(db *sql.DB, id string) (domain.ClassificationRecord, error) {
	row := db.QueryRow(`SELECT `+classificationColumns+` FROM classifications WHERE id = ?`, id)
	r, err := scanClassification(row.Scan)
	if err == sql.ErrNoRows {
		return r, fmt.Errorf("%w: %s", domain.ErrClassificationNotFound, id)
	}
	return r, err
}

// InvalidateClassification marks a rejected classification. The record
// itself stays immutable apart from this flag.
func InvalidateClassification(db *sql.DB, id string) error {
	_, err := db.Exec(`UPDATE classifications SET invalidated = 1 WHERE id = ?`, id)
	return err
}

// ListRecentClassifications returns the newest non-invalidated records,
// newest first, for consistency checks.
func ListRecentClassifications(db *sql.DB, limit int) ([]domain.ClassificationRecord, error) {
	rows, err := db.Query(
		`SELECT `+classificationColumns+` FROM classifications
		 WHERE invalidated = 0
		 ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ClassificationRecord
	for rows.Next() {
		r, err := scanClassification(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Stats summarizes classification volume and feedback pressure since a
// point in time.
type Stats struct {
	TotalClassifications int
	TotalFeedback        int
	TotalCorrections     int
	AvgAlignment         float64
	BucketBelow50        int
	Bucket50to70         int
	Bucket70to90         int
	Bucket90Plus         int
}

func GetStats(db *sql.DB, since time.Time) (Stats, error) {
	var s Stats
	err := db.QueryRow(
		`SELECT COUNT(*), COALESCE(AVG(alignment_score), 0),
		        COALESCE(SUM(CASE WHEN alignment_score < 50 THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN alignment_score >= 50 AND alignment_score < 70 THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN alignment_score >= 70 AND alignment_score < 90 THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN alignment_score >= 90 THEN 1 ELSE 0 END), 0)
		 FROM classifications WHERE created_at >= ? AND matched_scenario_id <> ''`,
		since,
	).Scan(&s.TotalClassifications, &s.AvgAlignment,
		&s.BucketBelow50, &s.Bucket50to70, &s.Bucket70to90, &s.Bucket90Plus)
	if err != nil {
		return s, err
	}

	err = db.QueryRow(`SELECT COUNT(*) FROM feedback WHERE created_at >= ?`, since).Scan(&s.TotalFeedback)
	if err != nil {
		return s, err
	}
	err = db.QueryRow(
		`SELECT COUNT(*) FROM feedback WHERE created_at >= ? AND feedback_type IN (?, ?)`,
		since, domain.FeedbackEdit, domain.FeedbackReject,
	).Scan(&s.TotalCorrections)
	return s, err
}
