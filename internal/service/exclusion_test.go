package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yoga-protocol-server/internal/domain"
)

func practiceRecord(id int64, name string, cat domain.PracticeCategory) domain.ConditionPractice {
	return domain.ConditionPractice{Practice: domain.Practice{ID: id, EnglishName: name, Category: cat}}
}

func TestApplyRemovesForbiddenPractice(t *testing.T) {
	practices := []domain.ConditionPractice{
		practiceRecord(1, "Vakrasana", domain.Yogasana),
		practiceRecord(2, "Shavasana", domain.Yogasana),
	}
	subsets := []SubsetRules{{
		Combination: &domain.Combination{ID: 7, Name: "Depression + Generalized Anxiety Disorder"},
		Rules: []domain.ExclusionRule{{
			ID: 4, EnglishName: "VAKRASANA", Category: domain.Yogasana,
			Reason: "Twisting load contraindicated for this combination",
		}},
	}}

	filter := NewExclusionFilter(testLogger())
	kept, removals := filter.Apply(practices, subsets)

	require.Len(t, kept, 1)
	assert.Equal(t, "Shavasana", kept[0].EnglishName)

	require.Len(t, removals, 1)
	rm := removals[0]
	assert.Equal(t, "Vakrasana", rm.EnglishName)
	assert.Equal(t, domain.Yogasana, rm.Category)
	assert.Equal(t, int64(4), rm.RuleID)
	assert.Equal(t, "Twisting load contraindicated for this combination", rm.Reason)
	assert.Equal(t, "Depression + Generalized Anxiety Disorder", rm.Combination)
}

func TestApplyMatchesCategoryExactly(t *testing.T) {
	// Same name in a different category survives the rule.
	practices := []domain.ConditionPractice{
		practiceRecord(1, "Bhramari", domain.Pranayama),
		practiceRecord(2, "Bhramari", domain.Chanting),
	}
	subsets := []SubsetRules{{
		Combination: &domain.Combination{ID: 1, Name: "Vertigo"},
		Rules:       []domain.ExclusionRule{{ID: 1, EnglishName: "Bhramari", Category: domain.Pranayama}},
	}}

	filter := NewExclusionFilter(testLogger())
	kept, removals := filter.Apply(practices, subsets)

	require.Len(t, kept, 1)
	assert.Equal(t, domain.Chanting, kept[0].Category)
	assert.Len(t, removals, 1)
}

func TestApplyUnionsRulesAcrossSubsets(t *testing.T) {
	practices := []domain.ConditionPractice{
		practiceRecord(1, "Kapalabhati", domain.Kriya),
		practiceRecord(2, "Vakrasana", domain.Yogasana),
		practiceRecord(3, "Shavasana", domain.Yogasana),
	}
	subsets := []SubsetRules{
		{
			Combination: &domain.Combination{ID: 1, Name: "Hypertension"},
			Rules:       []domain.ExclusionRule{{ID: 1, EnglishName: "Kapalabhati", Category: domain.Kriya}},
		},
		{
			Combination: &domain.Combination{ID: 2, Name: "Hypertension + Back Pain"},
			Rules:       []domain.ExclusionRule{{ID: 2, EnglishName: "Vakrasana", Category: domain.Yogasana}},
		},
	}

	filter := NewExclusionFilter(testLogger())
	kept, removals := filter.Apply(practices, subsets)

	require.Len(t, kept, 1)
	assert.Equal(t, "Shavasana", kept[0].EnglishName)
	require.Len(t, removals, 2)
	assert.Equal(t, "Hypertension", removals[0].Combination)
	assert.Equal(t, "Hypertension + Back Pain", removals[1].Combination)
}

func TestApplyNoRulesPassesThrough(t *testing.T) {
	practices := []domain.ConditionPractice{practiceRecord(1, "Shavasana", domain.Yogasana)}

	filter := NewExclusionFilter(testLogger())
	kept, removals := filter.Apply(practices, nil)

	assert.Equal(t, practices, kept)
	assert.Empty(t, removals)
}

func TestApplyLegacyRuleCategoryCanonicalized(t *testing.T) {
	practices := []domain.ConditionPractice{
		practiceRecord(1, "Sun Salutation", domain.SequentialPractice),
	}
	subsets := []SubsetRules{{
		Combination: &domain.Combination{ID: 1, Name: "Sciatica"},
		Rules:       []domain.ExclusionRule{{ID: 1, EnglishName: "Sun Salutation", Category: domain.Suryanamaskara}},
	}}

	filter := NewExclusionFilter(testLogger())
	kept, removals := filter.Apply(practices, subsets)

	assert.Empty(t, kept)
	assert.Len(t, removals, 1)
}
