// Package sqlite persists every triage entity: scenarios, context rules,
// classification records, feedback, configuration versions and the rule
// review queue.
package sqlite

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS scenarios (
		id                 TEXT PRIMARY KEY,
		title              TEXT NOT NULL,
		domain_tag         TEXT DEFAULT '',
		expected_size      TEXT NOT NULL,
		expected_complexity TEXT NOT NULL,
		expected_type      TEXT NOT NULL,
		context_reqs       TEXT DEFAULT '{}',
		examples           TEXT DEFAULT '[]',
		success_patterns   TEXT DEFAULT '[]',
		usage_count        INTEGER DEFAULT 0,
		accuracy_score     REAL DEFAULT 100,
		version            INTEGER DEFAULT 1,
		retired            INTEGER DEFAULT 0,
		flagged_for_review INTEGER DEFAULT 0,
		created_at         DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at         DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS context_rules (
		id            TEXT PRIMARY KEY,
		trigger_cond  TEXT NOT NULL,
		additions     TEXT DEFAULT '{}',
		confidence    REAL NOT NULL,
		source        TEXT NOT NULL,
		priority      INTEGER DEFAULT 0,
		applied_count INTEGER DEFAULT 0,
		active        INTEGER DEFAULT 1,
		created_at    DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS classifications (
		id                  TEXT PRIMARY KEY,
		description         TEXT NOT NULL,
		input_context       TEXT DEFAULT '{}',
		matched_scenario_id TEXT DEFAULT '',
		match_outcome       TEXT DEFAULT '',
		enhanced_context    TEXT DEFAULT '{}',
		applied_rule_ids    TEXT DEFAULT '[]',
		result              TEXT NOT NULL,
		alignment_score     INTEGER DEFAULT 0,
		invalidated         INTEGER DEFAULT 0,
		provider            TEXT DEFAULT '',
		model               TEXT DEFAULT '',
		created_at          DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_cls_scenario ON classifications(matched_scenario_id);
	CREATE INDEX IF NOT EXISTS idx_cls_date ON classifications(created_at);

	CREATE TABLE IF NOT EXISTS feedback (
		id                 TEXT PRIMARY KEY,
		classification_id  TEXT NOT NULL,
		feedback_type      TEXT NOT NULL,
		corrections        TEXT DEFAULT '{}',
		additional_context TEXT DEFAULT '{}',
		user_id            TEXT DEFAULT '',
		seq                INTEGER,
		created_at         DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_fb_seq ON feedback(seq);
	CREATE INDEX IF NOT EXISTS idx_fb_classification ON feedback(classification_id);

	CREATE TABLE IF NOT EXISTS config_versions (
		version_id INTEGER PRIMARY KEY,
		snapshot   TEXT NOT NULL,
		change_log TEXT DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS rule_proposals (
		id          TEXT PRIMARY KEY,
		rule        TEXT NOT NULL,
		rationale   TEXT DEFAULT '',
		scenario_id TEXT DEFAULT '',
		status      TEXT DEFAULT 'pending',
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS learning_runs (
		tier      TEXT NOT NULL,
		batch_end INTEGER NOT NULL,
		ran_at    DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (tier, batch_end)
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, err
	}
	return db, nil
}
