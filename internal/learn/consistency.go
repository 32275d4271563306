package learn

import (
	"database/sql"
	"fmt"

	"triagebot/internal/domain"
	"triagebot/internal/storage/sqlite"
)

// Validator compares a candidate classification against historically
// similar ones. Both learning tiers use it before changing structure: a
// proposal that contradicts what similar work has consistently been
// classified as is suspect.
type Validator struct {
	db      *sql.DB
	history int
	topK    int
}

func NewValidator(db *sql.DB) *Validator {
	return &Validator{db: db, history: 500, topK: 10}
}

// Consistency returns the mean per-dimension agreement in [0,1] between
// values and the most similar historical classifications, plus how many
// similar records were considered. An empty history yields (1, 0): nothing
// to contradict.
func (v *Validator) Consistency(description string, values domain.Expected) (float64, int, error) {
	records, err := sqlite.ListRecentClassifications(v.db, v.history)
	if err != nil {
		return 0, 0, fmt.Errorf("load history: %w", err)
	}
	if len(records) == 0 {
		return 1, 0, nil
	}

	docs := make([]indexedDoc, len(records))
	byKey := make(map[string]domain.Expected, len(records))
	for i, r := range records {
		docs[i] = indexedDoc{Key: r.ID, Text: r.Description}
		byKey[r.ID] = r.Result.Values()
	}
	idx := buildTFIDFIndex(docs)

	similar := idx.topK(description, v.topK)
	if len(similar) == 0 {
		return 1, 0, nil
	}

	var total float64
	for _, s := range similar {
		hist := byKey[s.item.Key]
		agreeing := 0
		for _, dim := range domain.Dimensions() {
			if values.Value(dim) == hist.Value(dim) {
				agreeing++
			}
		}
		total += float64(agreeing) / 3
	}
	return total / float64(len(similar)), len(similar), nil
}
