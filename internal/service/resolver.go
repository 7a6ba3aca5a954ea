package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/yoga-protocol-server/internal/domain"
)

// ConditionResolver resolves requested condition names to condition records
// and enumerates the subset-scoped exclusion rules that apply to the set.
type ConditionResolver struct {
	store         domain.RecordStore
	logger        *logrus.Logger
	combinations  *lru.Cache // combination key -> *domain.Combination
	maxConditions int
}

// SubsetRules pairs one non-empty subset of the requested conditions with
// the exclusion rules scoped to its persisted combination row.
type SubsetRules struct {
	Combination *domain.Combination
	Conditions  []domain.Condition
	Rules       []domain.ExclusionRule
}

// ResolvedRequest is the resolver output: the condition set plus every
// subset that has a combination row in the store.
type ResolvedRequest struct {
	Conditions []domain.Condition
	Subsets    []SubsetRules
}

// NewConditionResolver creates a condition resolver with an LRU over
// combination lookups.
func NewConditionResolver(store domain.RecordStore, cfg domain.EngineConfig, logger *logrus.Logger) (*ConditionResolver, error) {
	size := cfg.CombinationCacheSize
	if size <= 0 {
		size = 256
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("creating combination cache: %w", err)
	}

	maxConditions := cfg.MaxConditions
	if maxConditions <= 0 {
		maxConditions = 10
	}

	return &ConditionResolver{
		store:         store,
		logger:        logger,
		combinations:  cache,
		maxConditions: maxConditions,
	}, nil
}

// Resolve normalizes and deduplicates the requested names, resolves each to
// a condition record, and enumerates all 2^N-1 non-empty subsets of the
// resolved set together with their exclusion rules.
func (r *ConditionResolver) Resolve(ctx context.Context, names []string) (*ResolvedRequest, error) {
	requested := dedupeNormalized(names)
	if len(requested) == 0 {
		return nil, &domain.InvalidCombinationSizeError{}
	}
	if len(requested) > r.maxConditions {
		return nil, fmt.Errorf("too many conditions: %d (limit %d)", len(requested), r.maxConditions)
	}

	all, err := r.store.ListConditions(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing conditions: %w", err)
	}

	var (
		resolved []domain.Condition
		unknown  []string
		seen     = make(map[int64]bool)
	)
	for _, req := range requested {
		match, err := resolveOne(req.normalized, req.original, all)
		if err != nil {
			return nil, err
		}
		if match == nil {
			unknown = append(unknown, req.original)
			continue
		}
		if !seen[match.ID] {
			seen[match.ID] = true
			resolved = append(resolved, *match)
		}
	}

	if len(unknown) > 0 {
		return nil, &domain.UnknownConditionError{Names: unknown}
	}
	if len(resolved) == 0 {
		return nil, &domain.InvalidCombinationSizeError{}
	}

	subsets, err := r.enumerateSubsets(ctx, resolved)
	if err != nil {
		return nil, err
	}

	r.logger.WithFields(logrus.Fields{
		"conditions":     len(resolved),
		"scoped_subsets": len(subsets),
	}).Debug("Resolved condition request")

	return &ResolvedRequest{Conditions: resolved, Subsets: subsets}, nil
}

type requestedName struct {
	original   string
	normalized string
}

func dedupeNormalized(names []string) []requestedName {
	var out []requestedName
	seen := make(map[string]bool)
	for _, name := range names {
		n := domain.NormalizeName(name)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, requestedName{original: strings.TrimSpace(name), normalized: n})
	}
	return out
}

// resolveOne ranks candidates exact > prefix > substring on the normalized
// name. Two or more equally-ranked best candidates is an ambiguity the
// caller must settle. A nil result with nil error means no match at all.
func resolveOne(normalized, original string, all []domain.Condition) (*domain.Condition, error) {
	const (
		rankExact = iota
		rankPrefix
		rankSubstring
		rankNone
	)

	best := rankNone
	var candidates []domain.Condition
	for _, c := range all {
		cn := domain.NormalizeName(c.Name)
		rank := rankNone
		switch {
		case cn == normalized:
			rank = rankExact
		case strings.HasPrefix(cn, normalized):
			rank = rankPrefix
		case strings.Contains(cn, normalized):
			rank = rankSubstring
		}
		if rank == rankNone {
			continue
		}
		if rank < best {
			best = rank
			candidates = candidates[:0]
		}
		if rank == best {
			candidates = append(candidates, c)
		}
	}

	switch {
	case len(candidates) == 0:
		return nil, nil
	case len(candidates) == 1:
		return &candidates[0], nil
	default:
		names := make([]string, len(candidates))
		for i, c := range candidates {
			names[i] = c.Name
		}
		sort.Strings(names)
		return nil, &domain.AmbiguousConditionError{Name: original, Candidates: names}
	}
}

// enumerateSubsets walks every non-empty subset of the resolved set by
// bitmask and looks up the combination row for its canonical key.
func (r *ConditionResolver) enumerateSubsets(ctx context.Context, conditions []domain.Condition) ([]SubsetRules, error) {
	var subsets []SubsetRules
	n := len(conditions)

	for mask := 1; mask < 1<<n; mask++ {
		var members []domain.Condition
		var ids []int64
		for i := 0; i < n; i++ {
			if mask&(1<<i) != 0 {
				members = append(members, conditions[i])
				ids = append(ids, conditions[i].ID)
			}
		}

		combo, err := r.lookupCombination(ctx, domain.CombinationKey(ids))
		if err != nil {
			return nil, err
		}
		if combo == nil {
			continue
		}

		rules, err := r.store.RulesForCombination(ctx, combo.ID)
		if err != nil {
			return nil, fmt.Errorf("loading rules for combination %q: %w", combo.Name, err)
		}
		sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })

		subsets = append(subsets, SubsetRules{
			Combination: combo,
			Conditions:  members,
			Rules:       rules,
		})
	}

	return subsets, nil
}

// lookupCombination caches positive lookups; combination rows are immutable
// once created, so a cached row never goes stale.
func (r *ConditionResolver) lookupCombination(ctx context.Context, key string) (*domain.Combination, error) {
	if cached, ok := r.combinations.Get(key); ok {
		return cached.(*domain.Combination), nil
	}

	combo, err := r.store.CombinationByKey(ctx, key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("looking up combination %q: %w", key, err)
	}

	r.combinations.Add(key, combo)
	return combo, nil
}
