package service

import (
	"context"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/yoga-protocol-server/internal/domain"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// memStore is an in-memory RecordStore for pipeline tests.
type memStore struct {
	mu           sync.Mutex
	conditions   []domain.Condition
	practices    []domain.Practice
	modules      []domain.Module
	citations    map[int64]domain.Citation
	links        map[int64][]int64 // condition id -> practice ids
	combinations []domain.Combination
	rules        []domain.ExclusionRule
	trials       []domain.Trial
}

func newMemStore() *memStore {
	return &memStore{
		citations: make(map[int64]domain.Citation),
		links:     make(map[int64][]int64),
	}
}

func (m *memStore) addCondition(c domain.Condition) {
	m.conditions = append(m.conditions, c)
}

func (m *memStore) addPractice(p domain.Practice, conditionIDs ...int64) {
	m.practices = append(m.practices, p)
	for _, cid := range conditionIDs {
		m.links[cid] = append(m.links[cid], p.ID)
	}
}

func (m *memStore) addModule(mod domain.Module) {
	m.modules = append(m.modules, mod)
}

func (m *memStore) addCitation(c domain.Citation) {
	m.citations[c.ID] = c
}

func (m *memStore) addCombination(c domain.Combination, rules ...domain.ExclusionRule) {
	c.Key = domain.CombinationKey(c.ConditionIDs)
	m.combinations = append(m.combinations, c)
	for _, r := range rules {
		r.CombinationID = c.ID
		m.rules = append(m.rules, r)
	}
}

func (m *memStore) addTrial(t domain.Trial) {
	m.trials = append(m.trials, t)
}

func (m *memStore) ListConditions(ctx context.Context) ([]domain.Condition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Condition(nil), m.conditions...), nil
}

func (m *memStore) PracticesForCondition(ctx context.Context, conditionID int64) ([]domain.ConditionPractice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cond domain.Condition
	for _, c := range m.conditions {
		if c.ID == conditionID {
			cond = c
		}
	}

	var out []domain.ConditionPractice
	for _, pid := range m.links[conditionID] {
		p := m.practiceByID(pid)
		if p == nil {
			continue
		}
		cp := domain.ConditionPractice{Practice: *p, Condition: cond}
		if p.ModuleID != nil {
			for i := range m.modules {
				if m.modules[i].ID == *p.ModuleID {
					mod := m.modules[i]
					cp.Module = &mod
				}
			}
		}
		if p.CitationID != nil {
			if c, ok := m.citations[*p.CitationID]; ok {
				cit := c
				cp.Citation = &cit
			}
		}
		out = append(out, cp)
	}
	return out, nil
}

func (m *memStore) ConditionsForPractice(ctx context.Context, practiceID int64) ([]domain.Condition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Condition
	for _, c := range m.conditions {
		for _, pid := range m.links[c.ID] {
			if pid == practiceID {
				out = append(out, c)
				break
			}
		}
	}
	return out, nil
}

func (m *memStore) ListPractices(ctx context.Context) ([]domain.Practice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Practice(nil), m.practices...), nil
}

func (m *memStore) GetPractice(ctx context.Context, practiceID int64) (*domain.Practice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.practiceByID(practiceID)
	if p == nil {
		return nil, domain.ErrNotFound
	}
	copied := *p
	return &copied, nil
}

func (m *memStore) ModuleForCondition(ctx context.Context, conditionID int64) (*domain.Module, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.modules {
		if m.modules[i].ConditionID == conditionID {
			mod := m.modules[i]
			return &mod, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memStore) CombinationByKey(ctx context.Context, key string) (*domain.Combination, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.combinations {
		if m.combinations[i].Key == key {
			c := m.combinations[i]
			return &c, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memStore) RulesForCombination(ctx context.Context, combinationID int64) ([]domain.ExclusionRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.ExclusionRule
	for _, r := range m.rules {
		if r.CombinationID == combinationID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) TrialsForCondition(ctx context.Context, conditionID int64) ([]domain.Trial, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Trial
	for _, t := range m.trials {
		for _, cid := range t.ConditionIDs {
			if cid == conditionID {
				out = append(out, t)
				break
			}
		}
	}
	return out, nil
}

func (m *memStore) SetEvidenceCount(ctx context.Context, practiceID int64, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p := m.practiceByID(practiceID); p != nil {
		p.EvidenceCount = count
	}
	return nil
}

func (m *memStore) AdjustEvidenceCount(ctx context.Context, practiceID int64, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p := m.practiceByID(practiceID); p != nil {
		p.EvidenceCount += delta
		if p.EvidenceCount < 0 {
			p.EvidenceCount = 0
		}
	}
	return nil
}

func (m *memStore) practiceByID(id int64) *domain.Practice {
	for i := range m.practices {
		if m.practices[i].ID == id {
			return &m.practices[i]
		}
	}
	return nil
}

func (m *memStore) evidenceCount(practiceID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p := m.practiceByID(practiceID); p != nil {
		return p.EvidenceCount
	}
	return -1
}
