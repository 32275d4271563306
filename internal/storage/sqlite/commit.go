package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"triagebot/internal/domain"
)

// CommitVersion writes a configuration version and materializes its
// snapshot (scenarios and rules) in one transaction. Either everything
// lands or nothing does; a version-id collision aborts the whole commit
// with ErrVersionConflict.
func CommitVersion(db *sql.DB, v domain.ConfigurationVersion) error {
	snap, err := json.Marshal(v.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO config_versions (version_id, snapshot, change_log, created_at) VALUES (?, ?, ?, ?)`,
		v.VersionID, string(snap), v.ChangeLog, v.CreatedAt,
	); err != nil {
		if sqliteErr, ok := err.(sqlite3.Error); ok && sqliteErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("%w: version %d already committed", domain.ErrVersionConflict, v.VersionID)
		}
		return err
	}

	seen := make(map[string]bool, len(v.Snapshot.Scenarios))
	for _, s := range v.Snapshot.Scenarios {
		seen[s.ID] = true
		if _, err := tx.Exec(
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
		); err != nil {
			return err
		}
	}
	// Scenarios dropped from the snapshot are soft-retired, never deleted.
	rows, err := tx.Query(`SELECT id FROM scenarios WHERE retired = 0`)
	if err != nil {
		return err
	}
	var toRetire []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		if !seen[id] {
			toRetire = append(toRetire, id)
		}
	}
	rows.Close()
	for _, id := range toRetire {
		if _, err := tx.Exec(`UPDATE scenarios SET retired = 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, id); err != nil {
			return err
		}
	}

	// Rules are upserted, never rewritten wholesale: applied_count is live
	// operational state that the in-memory snapshot lags behind, so a
	// commit must not clobber it with a stale value.
	keepRules := make(map[string]bool, len(v.Snapshot.Rules))
	for _, r := range v.Snapshot.Rules {
		keepRules[r.ID] = true
		if _, err := tx.Exec(
			`INSERT INTO context_rules (id, trigger_cond, additions, confidence, source, priority, applied_count, active, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
			   trigger_cond = excluded.trigger_cond,
			   additions = excluded.additions,
			   confidence = excluded.confidence,
			   source = excluded.source,
			   priority = excluded.priority,
			   active = excluded.active`,
			r.ID, marshalJSON(r.Trigger), marshalJSON(r.Additions),
			r.Confidence, r.Source, r.Priority, r.AppliedCount, r.Active, r.CreatedAt,
		); err != nil {
			return err
		}
	}
	ruleRows, err := tx.Query(`SELECT id FROM context_rules`)
	if err != nil {
		return err
	}
	var dropRules []string
	for ruleRows.Next() {
		var id string
		if err := ruleRows.Scan(&id); err != nil {
			ruleRows.Close()
			return err
		}
		if !keepRules[id] {
			dropRules = append(dropRules, id)
		}
	}
	ruleRows.Close()
	for _, id := range dropRules {
		if _, err := tx.Exec(`DELETE FROM context_rules WHERE id = ?`, id); err != nil {
			return err
		}
	}

	return tx.Commit()
}
