package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yoga-protocol-server/internal/domain"
	"github.com/yoga-protocol-server/internal/metrics"
)

// Recommender orchestrates the recommendation pipeline: resolve conditions,
// aggregate practices, filter exclusions, assemble output. It also relays
// trial lifecycle events to the evidence matcher.
type Recommender struct {
	store      domain.RecordStore
	resolver   *ConditionResolver
	aggregator *PracticeAggregator
	filter     *ExclusionFilter
	matcher    *EvidenceMatcher
	assembler  *OutputAssembler
	cache      *ResultCache // optional
	logger     *logrus.Logger
}

// NewRecommender wires the pipeline components. cache may be nil, in which
// case every request computes from the store.
func NewRecommender(store domain.RecordStore, cfg domain.EngineConfig, cache *ResultCache, logger *logrus.Logger) (*Recommender, error) {
	resolver, err := NewConditionResolver(store, cfg, logger)
	if err != nil {
		return nil, err
	}

	return &Recommender{
		store:      store,
		resolver:   resolver,
		aggregator: NewPracticeAggregator(store, logger),
		filter:     NewExclusionFilter(logger),
		matcher:    NewEvidenceMatcher(store, logger),
		assembler:  NewOutputAssembler(),
		cache:      cache,
		logger:     logger,
	}, nil
}

// Recommend computes the structured recommendation for a set of condition
// names. Identical input against an unchanged store yields identical output.
func (s *Recommender) Recommend(ctx context.Context, names []string) (*domain.RecommendationResult, error) {
	start := time.Now()

	cacheKey := cacheKeyNames(names)
	if s.cache != nil {
		if cached := s.cache.Get(ctx, cacheKey); cached != nil {
			metrics.RecommendationsTotal.WithLabelValues("cache_hit").Inc()
			return cached, nil
		}
	}

	resolved, err := s.resolver.Resolve(ctx, names)
	if err != nil {
		s.countFailure(err)
		return nil, err
	}

	practices, audit, err := s.aggregator.Collect(ctx, resolved.Conditions)
	if err != nil {
		s.countFailure(err)
		return nil, err
	}

	kept, removals := s.filter.Apply(practices, resolved.Subsets)
	metrics.ExclusionsApplied.Add(float64(len(removals)))

	modules, err := s.moduleAttributions(ctx, resolved.Conditions)
	if err != nil {
		s.countFailure(err)
		return nil, err
	}

	result := s.assembler.Assemble(resolved.Conditions, modules, kept, removals, audit)

	if s.cache != nil {
		s.cache.Set(ctx, cacheKey, result)
	}

	metrics.RecommendationsTotal.WithLabelValues("ok").Inc()
	metrics.RecommendationDuration.Observe(time.Since(start).Seconds())

	s.logger.WithFields(logrus.Fields{
		"conditions": result.Conditions,
		"practices":  result.PracticeCount(),
		"removed":    len(result.RemovalReport),
		"duration":   time.Since(start),
	}).Info("Recommendation computed")

	return result, nil
}

// Summarize renders the narrative projection of Recommend for the same
// condition names.
func (s *Recommender) Summarize(ctx context.Context, names []string) (string, error) {
	result, err := s.Recommend(ctx, names)
	if err != nil {
		return "", err
	}
	return s.assembler.Narrative(result), nil
}

// OnTrialChange relays a trial lifecycle event to the evidence matcher and
// invalidates cached results, whose evidence counts are now stale.
func (s *Recommender) OnTrialChange(ctx context.Context, before, after *domain.Trial) error {
	if err := s.matcher.OnTrialChange(ctx, before, after); err != nil {
		return err
	}
	if s.cache != nil {
		s.cache.Invalidate(ctx)
	}
	return nil
}

// VerifyEvidenceCounts runs the corrective batch recompute over every
// practice.
func (s *Recommender) VerifyEvidenceCounts(ctx context.Context) (int, error) {
	corrected, err := s.matcher.VerifyCounts(ctx)
	if err != nil {
		return corrected, err
	}
	if corrected > 0 && s.cache != nil {
		s.cache.Invalidate(ctx)
	}
	return corrected, nil
}

func (s *Recommender) moduleAttributions(ctx context.Context, conditions []domain.Condition) ([]domain.ModuleAttribution, error) {
	var modules []domain.ModuleAttribution
	for _, cond := range conditions {
		module, err := s.store.ModuleForCondition(ctx, cond.ID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("loading module for %q: %w", cond.Name, err)
		}
		modules = append(modules, domain.ModuleAttribution{
			Condition:   cond.Name,
			DevelopedBy: module.DevelopedBy,
			Description: module.Description,
		})
	}
	return modules, nil
}

func (s *Recommender) countFailure(err error) {
	if domain.IsUserError(err) {
		metrics.RecommendationsTotal.WithLabelValues("rejected").Inc()
		return
	}
	metrics.RecommendationsTotal.WithLabelValues("error").Inc()
}

// cacheKeyNames produces the deterministic cache identity of a request:
// normalized, deduplicated, sorted.
func cacheKeyNames(names []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, n := range names {
		norm := domain.NormalizeName(n)
		if norm == "" || seen[norm] {
			continue
		}
		seen[norm] = true
		out = append(out, norm)
	}
	sort.Strings(out)
	return out
}
