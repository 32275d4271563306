package domain

import "errors"

var (
	// ErrOracleUnavailable is returned after the retry budget for a
	// transient oracle failure is exhausted. Never masked by a fallback
	// classification.
	ErrOracleUnavailable = errors.New("oracle unavailable")

	// ErrValidation covers malformed input: description length out of
	// range, unknown enum values, missing reasoning on a deviation.
	ErrValidation = errors.New("validation error")

	// ErrScenarioNotFound is returned when a referenced scenario id does
	// not exist in the active snapshot.
	ErrScenarioNotFound = errors.New("scenario not found")

	// ErrVersionConflict signals a lost configuration commit race. Not
	// retried internally; double application is worse than a failed commit.
	ErrVersionConflict = errors.New("configuration version conflict")

	// ErrRollbackTargetNotFound is returned when the rollback target
	// version id does not exist.
	ErrRollbackTargetNotFound = errors.New("rollback target not found")

	// ErrClassificationNotFound is returned when feedback references a
	// classification id with no stored record.
	ErrClassificationNotFound = errors.New("classification not found")

	// ErrInconsistentState marks an invariant violation. Fatal for the
	// operation; logged for manual inspection, never auto-repaired.
	ErrInconsistentState = errors.New("inconsistent state")
)

const (
	// MinDescriptionLen and MaxDescriptionLen bound classify input.
	MinDescriptionLen = 10
	MaxDescriptionLen = 5000
)
