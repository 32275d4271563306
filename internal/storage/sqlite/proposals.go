package sqlite

import (
	"database/sql"
	"encoding/json"

	"triagebot/internal/domain"
)

func InsertProposal(db *sql.DB, p domain.RuleProposal) error {
	_, err := db.Exec(
		`INSERT INTO rule_proposals (id, rule, rationale, scenario_id, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, marshalJSON(p.Rule), p.Rationale, p.ScenarioID, p.Status, p.CreatedAt,
	)
	return err
}

func ListProposals(db *sql.DB, status string) ([]domain.RuleProposal, error) {
	rows, err := db.Query(
		`SELECT id, rule, rationale, scenario_id, status, created_at
		 FROM rule_proposals WHERE status = ? ORDER BY created_at DESC`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.RuleProposal
	for rows.Next() {
		var p domain.RuleProposal
		var rule string
		if err := rows.Scan(&p.ID, &rule, &p.Rationale, &p.ScenarioID, &p.Status, &p.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(rule), &p.Rule)
		out = append(out, p)
	}
	return out, rows.Err()
}

func SetProposalStatus(db *sql.DB, id, status string) error {
	_, err := db.Exec(`UPDATE rule_proposals SET status = ? WHERE id = ?`, status, id)
	return err
}
