package service

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/yoga-protocol-server/internal/domain"
	"github.com/yoga-protocol-server/internal/metrics"
)

// EvidenceMatcher keeps practice evidence counts consistent with trial data.
// Counts move incrementally on trial lifecycle events; the batch recompute
// path is the correctness backstop and overwrites whatever the increments
// produced.
type EvidenceMatcher struct {
	store  domain.RecordStore
	logger *logrus.Logger
}

// NewEvidenceMatcher creates an evidence matcher.
func NewEvidenceMatcher(store domain.RecordStore, logger *logrus.Logger) *EvidenceMatcher {
	return &EvidenceMatcher{store: store, logger: logger}
}

// OnTrialChange applies the incremental count update for one trial event:
// create (nil, trial), delete (trial, nil), update (before, after). The
// deleted side matches against the trial's stored snapshot, not the current
// practice state. A trial adjusts each practice at most once even when it
// matches by both name and category.
func (m *EvidenceMatcher) OnTrialChange(ctx context.Context, before, after *domain.Trial) error {
	if before == nil && after == nil {
		return nil
	}

	beforeSet, err := m.matchedPractices(ctx, before)
	if err != nil {
		return fmt.Errorf("matching pre-change trial: %w", err)
	}
	afterSet, err := m.matchedPractices(ctx, after)
	if err != nil {
		return fmt.Errorf("matching post-change trial: %w", err)
	}

	if after != nil {
		m.auditSymptoms(after)
	}

	for id := range beforeSet {
		if _, still := afterSet[id]; still {
			continue
		}
		if err := m.store.AdjustEvidenceCount(ctx, id, -1); err != nil {
			return fmt.Errorf("decrementing evidence count for practice %d: %w", id, err)
		}
	}
	for id := range afterSet {
		if _, was := beforeSet[id]; was {
			continue
		}
		if err := m.store.AdjustEvidenceCount(ctx, id, +1); err != nil {
			return fmt.Errorf("incrementing evidence count for practice %d: %w", id, err)
		}
	}

	m.logger.WithFields(logrus.Fields{
		"trial":       trialID(before, after),
		"decremented": len(diff(beforeSet, afterSet)),
		"incremented": len(diff(afterSet, beforeSet)),
	}).Info("Evidence counts updated for trial change")

	return nil
}

// Recompute counts from scratch the trials supporting one practice: distinct
// trials linked to a condition the practice treats that name the practice or
// its category for that condition. The stored count is overwritten; drift is
// logged and counted but never fatal.
func (m *EvidenceMatcher) Recompute(ctx context.Context, practiceID int64) (int, error) {
	practice, err := m.store.GetPractice(ctx, practiceID)
	if err != nil {
		return 0, fmt.Errorf("loading practice %d: %w", practiceID, err)
	}

	conditions, err := m.store.ConditionsForPractice(ctx, practiceID)
	if err != nil {
		return 0, fmt.Errorf("loading conditions for practice %d: %w", practiceID, err)
	}

	name := domain.NormalizeName(practice.EnglishName)
	category := domain.NormalizeName(practice.Category.Canonical().String())

	matched := make(map[int64]bool)
	for _, cond := range conditions {
		trials, err := m.store.TrialsForCondition(ctx, cond.ID)
		if err != nil {
			return 0, fmt.Errorf("loading trials for condition %q: %w", cond.Name, err)
		}
		for _, t := range trials {
			if trialReferences(&t, cond.ID, name, category) {
				matched[t.ID] = true
			}
		}
	}

	count := len(matched)
	if count != practice.EvidenceCount {
		metrics.EvidenceDriftCorrected.Inc()
		m.logger.WithFields(logrus.Fields{
			"practice":  practice.EnglishName,
			"stored":    practice.EvidenceCount,
			"recomputed": count,
		}).Warn("Evidence count drifted from trial data; correcting")
	}

	if err := m.store.SetEvidenceCount(ctx, practiceID, count); err != nil {
		return 0, fmt.Errorf("storing evidence count for practice %d: %w", practiceID, err)
	}
	return count, nil
}

// VerifyCounts recomputes every practice and returns how many stored counts
// had drifted. Drift self-heals: each pass overwrites the stored values.
func (m *EvidenceMatcher) VerifyCounts(ctx context.Context) (int, error) {
	practices, err := m.store.ListPractices(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing practices: %w", err)
	}

	corrected := 0
	for _, p := range practices {
		count, err := m.Recompute(ctx, p.ID)
		if err != nil {
			return corrected, err
		}
		if count != p.EvidenceCount {
			corrected++
		}
	}

	m.logger.WithFields(logrus.Fields{
		"practices": len(practices),
		"corrected": corrected,
	}).Info("Evidence count verification completed")

	return corrected, nil
}

// matchedPractices returns the set of practice IDs a trial supports, across
// every condition the trial is linked to.
func (m *EvidenceMatcher) matchedPractices(ctx context.Context, t *domain.Trial) (map[int64]bool, error) {
	matched := make(map[int64]bool)
	if t == nil {
		return matched, nil
	}

	refsByCondition := make(map[int64]map[string]bool)
	for _, ref := range t.References {
		if refsByCondition[ref.ConditionID] == nil {
			refsByCondition[ref.ConditionID] = make(map[string]bool)
		}
		refsByCondition[ref.ConditionID][domain.NormalizeName(ref.Name)] = true
	}

	for _, condID := range t.ConditionIDs {
		refs := refsByCondition[condID]
		if len(refs) == 0 {
			continue
		}
		practices, err := m.store.PracticesForCondition(ctx, condID)
		if err != nil {
			return nil, fmt.Errorf("loading practices for condition %d: %w", condID, err)
		}
		for _, p := range practices {
			name := domain.NormalizeName(p.EnglishName)
			category := domain.NormalizeName(p.Category.Canonical().String())
			if refs[name] || refs[category] {
				matched[p.ID] = true
			}
		}
	}

	return matched, nil
}

// auditSymptoms derives significance flags on a trial's symptom measures and
// logs a data-quality warning for every measure flagged for review.
func (m *EvidenceMatcher) auditSymptoms(t *domain.Trial) {
	for i := range t.Symptoms {
		s := &t.Symptoms[i]
		s.Significant, s.NeedsReview = domain.DeriveSignificance(s.Operator, s.PValue)
		if s.NeedsReview {
			m.logger.WithFields(logrus.Fields{
				"trial":    t.ID,
				"symptom":  s.Symptom,
				"operator": s.Operator,
				"p_value":  s.PValue,
			}).Warn("Suspect significance operator; treating as not significant")
		}
	}
}

func trialReferences(t *domain.Trial, conditionID int64, name, category string) bool {
	for _, ref := range t.References {
		if ref.ConditionID != conditionID {
			continue
		}
		n := domain.NormalizeName(ref.Name)
		if n == name || n == category {
			return true
		}
	}
	return false
}

func trialID(before, after *domain.Trial) int64 {
	if after != nil {
		return after.ID
	}
	return before.ID
}

func diff(a, b map[int64]bool) []int64 {
	var out []int64
	for id := range a {
		if !b[id] {
			out = append(out, id)
		}
	}
	return out
}
