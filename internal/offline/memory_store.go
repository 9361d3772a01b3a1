package offline

import (
	"context"
	"sort"
	"sync"
	"time"

	"matchchat/internal/domain"
)

// MemoryStore is a goroutine-safe in-memory queue store.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]*Item
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*Item)}
}

func (s *MemoryStore) Put(_ context.Context, item Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.ClientID] = &item
	return nil
}

func (s *MemoryStore) Get(_ context.Context, clientID string) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[clientID]
	if !ok {
		return Item{}, domain.ErrNotFound
	}
	return *item, nil
}

func (s *MemoryStore) List(_ context.Context) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked(nil), nil
}

func (s *MemoryStore) Claim(_ context.Context, limit int, at time.Time) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := StatePending
	ready := s.sortedLocked(&pending)
	if len(ready) > limit {
		ready = ready[:limit]
	}
	for i := range ready {
		item := s.items[ready[i].ClientID]
		item.State = StateInFlight
		item.AttemptCount++
		attemptAt := at
		item.LastAttemptAt = &attemptAt
		ready[i] = *item
	}
	return ready, nil
}

func (s *MemoryStore) Transition(_ context.Context, clientID string, from, to State, lastErr string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[clientID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if item.State != from {
		return false, nil
	}
	item.State = to
	item.LastError = lastErr
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, clientID)
	return nil
}

func (s *MemoryStore) DeleteIn(_ context.Context, clientID string, states ...State) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[clientID]
	if !ok {
		return false, nil
	}
	for _, st := range states {
		if item.State == st {
			delete(s.items, clientID)
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) sortedLocked(state *State) []Item {
	var out []Item
	for _, item := range s.items {
		if state == nil || item.State == *state {
			out = append(out, *item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ClientID < out[j].ClientID
	})
	return out
}
