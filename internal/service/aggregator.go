package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/yoga-protocol-server/internal/domain"
)

// PracticeAggregator collects every practice reachable from a condition set
// and collapses duplicates. It never writes to the store.
type PracticeAggregator struct {
	store  domain.RecordStore
	logger *logrus.Logger
}

// NewPracticeAggregator creates a practice aggregator.
func NewPracticeAggregator(store domain.RecordStore, logger *logrus.Logger) *PracticeAggregator {
	return &PracticeAggregator{store: store, logger: logger}
}

// Collect fetches the practices of each condition, merges them into one
// working list and applies the dedup identity. The returned audit records
// every collapse for traceability.
func (a *PracticeAggregator) Collect(ctx context.Context, conditions []domain.Condition) ([]domain.ConditionPractice, []domain.DedupRecord, error) {
	var merged []domain.ConditionPractice

	for _, cond := range conditions {
		practices, err := a.store.PracticesForCondition(ctx, cond.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("loading practices for %q: %w", cond.Name, err)
		}
		sort.Slice(practices, func(i, j int) bool { return practices[i].ID < practices[j].ID })
		for _, p := range practices {
			merged = append(merged, normalizeRecord(p, cond))
		}
	}

	kept, audit := dedupe(merged)

	a.logger.WithFields(logrus.Fields{
		"fetched":    len(merged),
		"kept":       len(kept),
		"duplicates": len(merged) - len(kept),
	}).Debug("Aggregated practices")

	return kept, audit, nil
}

// normalizeRecord canonicalizes legacy category labels, backfills an empty
// kosha from the category table and stamps the originating condition.
func normalizeRecord(p domain.ConditionPractice, cond domain.Condition) domain.ConditionPractice {
	p.Category = p.Category.Canonical()
	if p.Kosha == "" {
		p.Kosha = domain.KoshaForCategory(p.Category)
	}
	p.Condition = cond
	return p
}

// dedupe collapses records sharing the practice identity. The kept record is
// the one with the highest evidence count, then the one carrying a citation,
// then the lowest id.
func dedupe(records []domain.ConditionPractice) ([]domain.ConditionPractice, []domain.DedupRecord) {
	type slot struct {
		kept      domain.ConditionPractice
		discarded []domain.ConditionPractice
	}

	index := make(map[domain.PracticeIdentity]*slot)
	var order []domain.PracticeIdentity

	for _, rec := range records {
		id := domain.IdentityOf(&rec.Practice)
		s, ok := index[id]
		if !ok {
			index[id] = &slot{kept: rec}
			order = append(order, id)
			continue
		}
		if rec.ID == s.kept.ID {
			// Same row reached via two conditions is not a duplicate.
			continue
		}
		if preferOver(rec, s.kept) {
			s.discarded = append(s.discarded, s.kept)
			s.kept = rec
		} else {
			s.discarded = append(s.discarded, rec)
		}
	}

	var kept []domain.ConditionPractice
	var audit []domain.DedupRecord
	for _, id := range order {
		s := index[id]
		kept = append(kept, s.kept)
		if len(s.discarded) == 0 {
			continue
		}

		ids := make([]int64, 0, len(s.discarded))
		var modules []string
		seenModule := make(map[string]bool)
		for _, d := range s.discarded {
			ids = append(ids, d.ID)
			if d.Module != nil && !seenModule[d.Module.DevelopedBy] {
				seenModule[d.Module.DevelopedBy] = true
				modules = append(modules, d.Module.DevelopedBy)
			}
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		sort.Strings(modules)

		audit = append(audit, domain.DedupRecord{
			KeptID:           s.kept.ID,
			DiscardedIDs:     ids,
			DiscardedModules: modules,
		})
	}

	sort.Slice(audit, func(i, j int) bool { return audit[i].KeptID < audit[j].KeptID })
	return kept, audit
}

// preferOver reports whether candidate should replace current as the kept
// record of a duplicate group.
func preferOver(candidate, current domain.ConditionPractice) bool {
	if candidate.EvidenceCount != current.EvidenceCount {
		return candidate.EvidenceCount > current.EvidenceCount
	}
	candidateCited := candidate.CitationID != nil
	currentCited := current.CitationID != nil
	if candidateCited != currentCited {
		return candidateCited
	}
	return candidate.ID < current.ID
}
