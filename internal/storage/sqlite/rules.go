package sqlite

import (
	"database/sql"
	"encoding/json"

	"triagebot/internal/domain"
)

func UpsertRule(db *sql.DB, r domain.ContextRule) error {
	_, err := db.Exec(
		`INSERT INTO context_rules (id, trigger_cond, additions, confidence, source, priority, applied_count, active)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   trigger_cond = excluded.trigger_cond,
		   additions = excluded.additions,
		   confidence = excluded.confidence,
		   source = excluded.source,
		   priority = excluded.priority,
		   active = excluded.active`,
		r.ID, marshalJSON(r.Trigger), marshalJSON(r.Additions),
		r.Confidence, r.Source, r.Priority, r.AppliedCount, r.Active,
	)
	return err
}

func ListRules(db *sql.DB, activeOnly bool) ([]domain.ContextRule, error) {
	q := `SELECT id, trigger_cond, additions, confidence, source, priority, applied_count, active, created_at
	      FROM context_rules`
	if activeOnly {
		q += ` WHERE active = 1`
	}
	q += ` ORDER BY priority, id`
	rows, err := db.Query(q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ContextRule
	for rows.Next() {
		var r domain.ContextRule
		var trigger, additions string
		if err := rows.Scan(&r.ID, &trigger, &additions, &r.Confidence, &r.Source,
			&r.Priority, &r.AppliedCount, &r.Active, &r.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(trigger), &r.Trigger)
		_ = json.Unmarshal([]byte(additions), &r.Additions)
		out = append(out, r)
	}
	return out, rows.Err()
}

// IncrementRuleApplied records one application of each rule that fired on
// a classify call.
func IncrementRuleApplied(db *sql.DB, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`UPDATE context_rules SET applied_count = applied_count + 1 WHERE id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.Exec(id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func DeleteRule(db *sql.DB, id string) error {
	_, err := db.Exec(`DELETE FROM context_rules WHERE id = ?`, id)
	return err
}

// ResetRuleAppliedCounts zeroes applied_count at the start of a rolling
// consolidation window.
func ResetRuleAppliedCounts(db *sql.DB) error {
	_, err := db.Exec(`UPDATE context_rules SET applied_count = 0`)
	return err
}
