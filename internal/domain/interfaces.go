package domain

import "context"

// RecordStore is the read/count surface the engine consumes. Condition,
// practice, module, citation, rule and trial rows are owned by the external
// CRUD layer; the engine only reads them, except for the evidence-count
// columns which the evidence matcher maintains.
type RecordStore interface {
	// ListConditions returns every condition record.
	ListConditions(ctx context.Context) ([]Condition, error)

	// PracticesForCondition returns all practices associated with a
	// condition, directly or via its modules, with module and citation
	// rows attached.
	PracticesForCondition(ctx context.Context, conditionID int64) ([]ConditionPractice, error)

	// ConditionsForPractice returns the conditions a practice treats.
	ConditionsForPractice(ctx context.Context, practiceID int64) ([]Condition, error)

	// ListPractices returns every practice record.
	ListPractices(ctx context.Context) ([]Practice, error)

	// GetPractice returns one practice record, or ErrNotFound.
	GetPractice(ctx context.Context, practiceID int64) (*Practice, error)

	// ModuleForCondition returns the source protocol module of a condition,
	// or ErrNotFound if none is recorded.
	ModuleForCondition(ctx context.Context, conditionID int64) (*Module, error)

	// CombinationByKey looks up a combination row by its canonical
	// sorted-id key, or ErrNotFound when the subset has no persisted row.
	CombinationByKey(ctx context.Context, key string) (*Combination, error)

	// RulesForCombination returns the exclusion rules scoped to a
	// combination.
	RulesForCombination(ctx context.Context, combinationID int64) ([]ExclusionRule, error)

	// TrialsForCondition returns the trials linked to a condition.
	TrialsForCondition(ctx context.Context, conditionID int64) ([]Trial, error)

	// SetEvidenceCount overwrites a practice's evidence count.
	SetEvidenceCount(ctx context.Context, practiceID int64, count int) error

	// AdjustEvidenceCount atomically adds delta to a practice's evidence
	// count, flooring at zero. Concurrent adjustments to the same practice
	// must serialize.
	AdjustEvidenceCount(ctx context.Context, practiceID int64, delta int) error
}

// TrialObserver receives trial lifecycle events from the store layer.
// Create passes (nil, trial), delete (trial, nil), update (before, after).
type TrialObserver interface {
	OnTrialChange(ctx context.Context, before, after *Trial) error
}
