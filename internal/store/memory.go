package store

import (
	"context"
	"sync"
	"time"

	"thsrsniper/internal/domain"
)

type memoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*domain.Task
	order []string
}

// NewMemory returns a volatile in-process Store. Used for dry runs and
// tests; it offers no durability but the same semantics as the durable
// backends.
func NewMemory() Store {
	return &memoryStore{tasks: make(map[string]*domain.Task)}
}

func (s *memoryStore) Create(ctx context.Context, t *domain.Task) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == "" {
		t.ID = NewID()
	}
	if _, ok := s.tasks[t.ID]; ok {
		return "", ErrDuplicateID
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = domain.StatusPending
	}
	t.Version = 1

	s.tasks[t.ID] = t.Clone()
	s.order = append(s.order, t.ID)
	return t.ID, nil
}

func (s *memoryStore) Get(ctx context.Context, id string) (*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (s *memoryStore) List(ctx context.Context, f Filter) ([]*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Task
	for _, id := range s.order {
		t, ok := s.tasks[id]
		if !ok {
			continue
		}
		if f.matches(t) {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (s *memoryStore) Update(ctx context.Context, t *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[t.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != t.Version {
		return ErrConflict
	}
	t.Version++
	t.UpdatedAt = time.Now().UTC()
	s.tasks[t.ID] = t.Clone()
	return nil
}

func (s *memoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(s.tasks, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *memoryStore) Close() error { return nil }
