package service

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yoga-protocol-server/internal/domain"
)

// recommenderFixture builds the comorbid Depression + GAD dataset used across
// the pipeline tests.
func recommenderFixture(t *testing.T) (*memStore, *Recommender) {
	t.Helper()

	store := newMemStore()
	store.addCondition(domain.Condition{ID: 1, Name: "Depression"})
	store.addCondition(domain.Condition{ID: 2, Name: "Generalized Anxiety Disorder"})

	store.addModule(domain.Module{ID: 1, ConditionID: 1, DevelopedBy: "S-VYASA"})
	store.addModule(domain.Module{ID: 2, ConditionID: 2, DevelopedBy: "NIMHANS"})

	store.addPractice(domain.Practice{
		ID: 10, SanskritName: "Vakrasana", EnglishName: "Vakrasana",
		Category: domain.Yogasana, Kosha: domain.AnnamayaKosha,
	}, 1)
	store.addPractice(domain.Practice{
		ID: 11, EnglishName: "Bhastrika Pranayama",
		Category: domain.Pranayama, Kosha: domain.PranamayaKosha,
	}, 1, 2)
	store.addPractice(domain.Practice{
		ID: 12, EnglishName: "Cyclic Meditation",
		Category: domain.Meditation, Kosha: domain.ManomayaKosha,
	}, 2)

	store.addCombination(
		domain.Combination{ID: 1, Name: "Depression + Generalized Anxiety Disorder", ConditionIDs: []int64{1, 2}},
		domain.ExclusionRule{
			ID: 4, EnglishName: "Vakrasana", Category: domain.Yogasana,
			Reason: "Sharp spinal twists aggravate comorbid anxiety presentations",
		},
	)

	rec, err := NewRecommender(store, domain.EngineConfig{}, nil, testLogger())
	require.NoError(t, err)
	return store, rec
}

func resultPractices(r *domain.RecommendationResult) []string {
	var names []string
	for _, cg := range r.Categories {
		for _, sg := range cg.SubGroups {
			for _, p := range sg.Practices {
				names = append(names, p.EnglishName)
			}
		}
	}
	return names
}

func TestRecommendSingleConditionKeepsPractice(t *testing.T) {
	_, rec := recommenderFixture(t)

	result, err := rec.Recommend(context.Background(), []string{"Depression"})
	require.NoError(t, err)

	assert.Equal(t, []string{"Vakrasana", "Bhastrika Pranayama"}, resultPractices(result))
	assert.Empty(t, result.RemovalReport)
	require.Len(t, result.Modules, 1)
	assert.Equal(t, "S-VYASA", result.Modules[0].DevelopedBy)
}

func TestRecommendCombinationAppliesExclusion(t *testing.T) {
	_, rec := recommenderFixture(t)

	result, err := rec.Recommend(context.Background(), []string{"Depression", "Generalized Anxiety Disorder"})
	require.NoError(t, err)

	names := resultPractices(result)
	assert.NotContains(t, names, "Vakrasana")
	assert.Contains(t, names, "Bhastrika Pranayama")
	assert.Contains(t, names, "Cyclic Meditation")

	require.Len(t, result.RemovalReport, 1)
	rm := result.RemovalReport[0]
	assert.Equal(t, "Vakrasana", rm.EnglishName)
	assert.Equal(t, int64(4), rm.RuleID)
	assert.Equal(t, "Depression + Generalized Anxiety Disorder", rm.Combination)

	require.Len(t, result.Modules, 2)
	assert.Equal(t, "Depression", result.Modules[0].Condition)
	assert.Equal(t, "Generalized Anxiety Disorder", result.Modules[1].Condition)
}

func TestRecommendSharedPracticeAppearsOnce(t *testing.T) {
	_, rec := recommenderFixture(t)

	result, err := rec.Recommend(context.Background(), []string{"Depression", "Generalized Anxiety Disorder"})
	require.NoError(t, err)

	count := 0
	for _, n := range resultPractices(result) {
		if n == "Bhastrika Pranayama" {
			count++
		}
	}
	assert.Equal(t, 1, count)
	assert.Empty(t, result.DedupAudit, "same row via two conditions is not a duplicate")
}

func TestRecommendUnknownConditionFailsWhole(t *testing.T) {
	_, rec := recommenderFixture(t)

	_, err := rec.Recommend(context.Background(), []string{"Depression", "Depresion"})
	var unknown *domain.UnknownConditionError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, []string{"Depresion"}, unknown.Names)
}

func TestRecommendIsDeterministic(t *testing.T) {
	_, rec := recommenderFixture(t)
	ctx := context.Background()
	names := []string{"Depression", "Generalized Anxiety Disorder"}

	first, err := rec.Recommend(ctx, names)
	require.NoError(t, err)
	second, err := rec.Recommend(ctx, names)
	require.NoError(t, err)

	assert.Empty(t, cmp.Diff(first, second))
}

func TestSummarizeIsByteStable(t *testing.T) {
	_, rec := recommenderFixture(t)
	ctx := context.Background()
	names := []string{"Depression", "Generalized Anxiety Disorder"}

	first, err := rec.Summarize(ctx, names)
	require.NoError(t, err)
	second, err := rec.Summarize(ctx, names)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestRecommendReflectsTrialEvents(t *testing.T) {
	store, rec := recommenderFixture(t)
	ctx := context.Background()

	trial := &domain.Trial{
		ID:           1,
		Title:        "RCT of bellows breathing in depressive disorder",
		ConditionIDs: []int64{1},
		References:   []domain.TrialReference{{ConditionID: 1, Name: "Bhastrika Pranayama"}},
	}
	require.NoError(t, rec.OnTrialChange(ctx, nil, trial))
	assert.Equal(t, 1, store.evidenceCount(11))

	result, err := rec.Recommend(ctx, []string{"Depression"})
	require.NoError(t, err)
	for _, cg := range result.Categories {
		for _, sg := range cg.SubGroups {
			for _, p := range sg.Practices {
				if p.EnglishName == "Bhastrika Pranayama" {
					assert.Equal(t, 1, p.EvidenceCount)
				}
			}
		}
	}

	require.NoError(t, rec.OnTrialChange(ctx, trial, nil))
	assert.Equal(t, 0, store.evidenceCount(11))
}

func TestVerifyEvidenceCountsSelfHeals(t *testing.T) {
	store, rec := recommenderFixture(t)
	ctx := context.Background()

	store.addTrial(domain.Trial{
		ID:           1,
		ConditionIDs: []int64{1},
		References:   []domain.TrialReference{{ConditionID: 1, Name: "Bhastrika Pranayama"}},
	})

	corrected, err := rec.VerifyEvidenceCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, corrected)
	assert.Equal(t, 1, store.evidenceCount(11))

	corrected, err = rec.VerifyEvidenceCounts(ctx)
	require.NoError(t, err)
	assert.Zero(t, corrected)
}
