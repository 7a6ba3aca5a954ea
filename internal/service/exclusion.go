package service

import (
	"github.com/sirupsen/logrus"

	"github.com/yoga-protocol-server/internal/domain"
)

// ExclusionFilter removes practices forbidden by any applicable
// subset-scoped exclusion rule. One matching rule suffices regardless of how
// many conditions recommend the practice.
type ExclusionFilter struct {
	logger *logrus.Logger
}

// NewExclusionFilter creates an exclusion filter.
func NewExclusionFilter(logger *logrus.Logger) *ExclusionFilter {
	return &ExclusionFilter{logger: logger}
}

type ruleSource struct {
	rule        domain.ExclusionRule
	combination string
}

// Apply filters the deduplicated practice list against the rules of every
// applicable subset and reports each removal with its triggering rule and
// combination.
func (f *ExclusionFilter) Apply(practices []domain.ConditionPractice, subsets []SubsetRules) ([]domain.ConditionPractice, []domain.Removal) {
	forbidden := make(map[domain.PracticeIdentity]ruleSource)
	for _, subset := range subsets {
		for _, rule := range subset.Rules {
			id := domain.RuleIdentity(&rule)
			if _, ok := forbidden[id]; !ok {
				forbidden[id] = ruleSource{rule: rule, combination: subset.Combination.Name}
			}
		}
	}

	if len(forbidden) == 0 {
		return practices, nil
	}

	var kept []domain.ConditionPractice
	var removals []domain.Removal
	for _, p := range practices {
		src, ok := forbidden[domain.IdentityOf(&p.Practice)]
		if !ok {
			kept = append(kept, p)
			continue
		}

		removals = append(removals, domain.Removal{
			EnglishName: p.EnglishName,
			Category:    p.Category,
			SubCategory: p.SubCategory,
			RuleID:      src.rule.ID,
			Reason:      src.rule.Reason,
			Combination: src.combination,
		})

		f.logger.WithFields(logrus.Fields{
			"practice":    p.EnglishName,
			"category":    p.Category,
			"combination": src.combination,
		}).Info("Practice excluded by safety rule")
	}

	return kept, removals
}
