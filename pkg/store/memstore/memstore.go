package memstore

import (
	"context"
	"sync"

	"github.com/a-essam23/go-relay/pkg/store"
)

// Store is an in-process Counter and SetStore. It only provides atomicity
// within one process, which is all single-node runs and tests need.
type Store struct {
	mu       sync.Mutex
	counters map[string]int64
	sets     map[string]map[string]struct{}
}

// compile-time checks to ensure Store implements both shared primitives.
var (
	_ store.Counter  = (*Store)(nil)
	_ store.SetStore = (*Store)(nil)
)

func New() *Store {
	return &Store{
		counters: make(map[string]int64),
		sets:     make(map[string]map[string]struct{}),
	}
}

func (s *Store) Increment(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[key]++
	return s.counters[key], nil
}

func (s *Store) Add(ctx context.Context, key, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.sets[key]
	if set == nil {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	if _, exists := set[member]; exists {
		return false, nil
	}
	set[member] = struct{}{}
	return true, nil
}

func (s *Store) Remove(ctx context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.sets[key]; ok {
		delete(set, member)
		if len(set) == 0 {
			delete(s.sets, key)
		}
	}
	return nil
}

func (s *Store) Members(ctx context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.sets[key]
	members := make([]string, 0, len(set))
	for member := range set {
		members = append(members, member)
	}
	return members, nil
}

func (s *Store) IsMember(ctx context.Context, key, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		return false, nil
	}
	_, exists := set[member]
	return exists, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sets, key)
	return nil
}
