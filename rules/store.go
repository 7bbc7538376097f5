package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrRuleNotFound is returned when no rule exists for an id.
var ErrRuleNotFound = errors.New("rule not found")

// RuleStore persists accepted rules. It is shared by concurrent workflow runs.
type RuleStore interface {
	// ListRules returns every stored rule ordered by creation time.
	ListRules(ctx context.Context) ([]*Rule, error)

	// Get retrieves a rule by ID.
	Get(ctx context.Context, id string) (*Rule, error)

	// Upsert inserts or replaces the rule with the same ID. An empty ID is
	// assigned a new UUID. CreatedAt survives replacement.
	Upsert(ctx context.Context, rule *Rule) error

	// Delete removes a rule.
	Delete(ctx context.Context, id string) error
}

// InMemoryRuleStore implements RuleStore using a map guarded by a RWMutex.
// Writes are additionally serialised per rule ID.
type InMemoryRuleStore struct {
	rules map[string]*Rule
	mu    sync.RWMutex
	locks *keyedMutex
}

func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{
		rules: make(map[string]*Rule),
		locks: newKeyedMutex(),
	}
}

func (s *InMemoryRuleStore) ListRules(ctx context.Context) ([]*Rule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := make([]*Rule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r.Clone())
	}
	s.mu.RUnlock()

	sortByCreated(out)
	return out, nil
}

func (s *InMemoryRuleStore) Get(ctx context.Context, id string) (*Rule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rules[id]
	if !ok {
		return nil, fmt.Errorf("rule with ID %s: %w", id, ErrRuleNotFound)
	}
	return r.Clone(), nil
}

func (s *InMemoryRuleStore) Upsert(ctx context.Context, rule *Rule) error {
	if rule == nil {
		return errors.New("rule is nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}

	unlock := s.locks.Lock(rule.ID)
	defer unlock()

	now := time.Now().UTC()
	s.mu.RLock()
	existing, ok := s.rules[rule.ID]
	s.mu.RUnlock()
	if ok {
		rule.CreatedAt = existing.CreatedAt
	} else if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	s.mu.Lock()
	s.rules[rule.ID] = rule.Clone()
	s.mu.Unlock()
	return nil
}

func (s *InMemoryRuleStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[id]; !ok {
		return fmt.Errorf("rule with ID %s: %w", id, ErrRuleNotFound)
	}
	delete(s.rules, id)
	return nil
}

func sortByCreated(rs []*Rule) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].ID < rs[j].ID
		}
		return rs[i].CreatedAt.Before(rs[j].CreatedAt)
	})
}

// keyedMutex hands out one mutex per key and drops it once no holder remains.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock blocks until key is free and returns the matching unlock func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
