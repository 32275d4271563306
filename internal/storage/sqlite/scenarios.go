package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"triagebot/internal/domain"
)

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

// UpsertScenario writes a scenario's structural fields. Usage count and
// accuracy score are owned by the stats updates below and are not touched
// on upsert of an existing row.
func UpsertScenario(db *sql.DB, s domain.Scenario) error {
	_, err := db.Exec(
		`INSERT INTO scenarios
		 (id, title, domain_tag, expected_size, expected_complexity, expected_type,
		  context_reqs, examples, success_patterns, usage_count, accuracy_score,
		  version, retired, flagged_for_review)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   title = excluded.title,
		   domain_tag = excluded.domain_tag,
		   expected_size = excluded.expected_size,
		   expected_complexity = excluded.expected_complexity,
		   expected_type = excluded.expected_type,
		   context_reqs = excluded.context_reqs,
		   examples = excluded.examples,
		   success_patterns = excluded.success_patterns,
		   version = excluded.version,
		   retired = excluded.retired,
		   flagged_for_review = excluded.flagged_for_review,
		   updated_at = CURRENT_TIMESTAMP`,
		s.ID, s.Title, s.DomainTag, s.Expected.Size, s.Expected.Complexity, s.Expected.Type,
		marshalJSON(s.ContextReqs), marshalJSON(s.Examples), marshalJSON(s.SuccessPatterns),
		s.UsageCount, s.AccuracyScore, s.Version, s.Retired, s.FlaggedForReview,
	)
	return err
}

func scanScenario(scan func(dest ...any) error) (domain.Scenario, error) {
	var s domain.Scenario
	var ctxReqs, examples, patterns string
	err := scan(
		&s.ID, &s.Title, &s.DomainTag,
		&s.Expected.Size, &s.Expected.Complexity, &s.Expected.Type,
		&ctxReqs, &examples, &patterns,
		&s.UsageCount, &s.AccuracyScore, &s.Version, &s.Retired, &s.FlaggedForReview,
	)
	if err != nil {
		return s, err
	}
	_ = json.Unmarshal([]byte(ctxReqs), &s.ContextReqs)
	_ = json.Unmarshal([]byte(examples), &s.Examples)
	_ = json.Unmarshal([]byte(patterns), &s.SuccessPatterns)
	return s, nil
}

const scenarioColumns = `id, title, domain_tag, expected_size, expected_complexity, expected_type,
	context_reqs, examples, success_patterns, usage_count, accuracy_score, version, retired, flagged_for_review`

func ListScenarios(db *sql.DB, includeRetired bool) ([]domain.Scenario, error) {
	q := `SELECT ` + scenarioColumns + ` FROM scenarios`
	if !includeRetired {
		q += ` WHERE retired = 0`
	}
	q += ` ORDER BY id`
	rows, err := db.Query(q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Scenario
	for rows.Next() {
		s, err := scanScenario(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func GetScenario(db *sql.DB, id string) (domain.Scenario, error) {
	row := db.QueryRow(`SELECT `+scenarioColumns+` FROM scenarios WHERE id = ?`, id)
	s, err := scanScenario(row.Scan)
	if err == sql.ErrNoRows {
		return s, fmt.Errorf("%w: %s", domain.ErrScenarioNotFound, id)
	}
	return s, err
}

// IncrementScenarioUsage bumps usage_count for a MATCHED scenario.
func IncrementScenarioUsage(db *sql.DB, id string) error {
	_, err := db.Exec(
		`UPDATE scenarios SET usage_count = usage_count + 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	return err
}

// UpdateScenarioAccuracy writes a recomputed EMA accuracy score and the
// review flag in one statement.
func UpdateScenarioAccuracy(db *sql.DB, id string, accuracy float64, flagged bool) error {
	_, err := db.Exec(
		`UPDATE scenarios SET accuracy_score = ?, flagged_for_review = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		accuracy, flagged, id)
	return err
}

// RetireScenario soft-retires a scenario (merge target survivors keep it
// out of matching without losing history).
func RetireScenario(db *sql.DB, id string) error {
	_, err := db.Exec(`UPDATE scenarios SET retired = 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	return err
}
