package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"triagebot/internal/domain"
)

func scanVersion(scan func(dest ...any) error) (domain.ConfigurationVersion, error) {
	var v domain.ConfigurationVersion
	var snap string
	if err := scan(&v.VersionID, &snap, &v.ChangeLog, &v.CreatedAt); err != nil {
		return v, err
	}
	if err := json.Unmarshal([]byte(snap), &v.Snapshot); err != nil {
		return v, fmt.Errorf("%w: undecodable snapshot for version %d: %v", domain.ErrInconsistentState, v.VersionID, err)
	}
	return v, nil
}

func GetVersion(db *sql.DB, versionID int64) (domain.ConfigurationVersion, error) {
	row := db.QueryRow(
		`SELECT version_id, snapshot, change_log, created_at FROM config_versions WHERE version_id = ?`,
		versionID,
	)
	v, err := scanVersion(row.Scan)
	if err == sql.ErrNoRows {
		return v, fmt.Errorf("%w: version %d", domain.ErrRollbackTargetNotFound, versionID)
	}
	return v, err
}

func LatestVersion(db *sql.DB) (domain.ConfigurationVersion, bool, error) {
	row := db.QueryRow(
		`SELECT version_id, snapshot, change_log, created_at
		 FROM config_versions ORDER BY version_id DESC LIMIT 1`)
	v, err := scanVersion(row.Scan)
	if err == sql.ErrNoRows {
		return v, false, nil
	}
	if err != nil {
		return v, false, err
	}
	return v, true, nil
}

// ListVersionLog returns (id, change log) pairs, newest first.
func ListVersionLog(db *sql.DB, limit int) ([]domain.ConfigurationVersion, error) {
	rows, err := db.Query(
		`SELECT version_id, snapshot, change_log, created_at
		 FROM config_versions ORDER BY version_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ConfigurationVersion
	for rows.Next() {
		v, err := scanVersion(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
