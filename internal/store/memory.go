package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cuongbtq/gamegen-queue/internal/domain"
)

type memEntry struct {
	mu      sync.Mutex
	rec     *domain.Record
	seq     uint64
	deleted bool
}

// MemoryStore keeps records in process memory. The map lock only guards
// insertion, lookup and removal; each record has its own lock for updates.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
	nextSeq uint64
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memEntry)}
}

func (s *MemoryStore) Put(ctx context.Context, rec *domain.Record) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("put job: record id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[rec.ID]; exists {
		return fmt.Errorf("put job %s: %w", rec.ID, domain.ErrAlreadyExists)
	}
	s.nextSeq++
	s.entries[rec.ID] = &memEntry{rec: rec.Clone(), seq: s.nextSeq}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*domain.Record, error) {
	e, ok := s.lookup(id)
	if !ok {
		return nil, domain.ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, domain.ErrNotFound
	}
	return e.rec.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, fn Mutator) (*domain.Record, error) {
	e, ok := s.lookup(id)
	if !ok {
		return nil, domain.ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, domain.ErrNotFound
	}

	working := e.rec.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	e.rec = working
	return working.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, filter ListFilter) ([]*domain.Record, error) {
	s.mu.RLock()
	entries := make([]*memEntry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	type item struct {
		rec *domain.Record
		seq uint64
	}
	items := make([]item, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.deleted && matches(e.rec, filter) {
			items = append(items, item{rec: e.rec.Clone(), seq: e.seq})
		}
		e.mu.Unlock()
	}

	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if !a.rec.CreatedAt.Equal(b.rec.CreatedAt) {
			return a.rec.CreatedAt.Before(b.rec.CreatedAt)
		}
		return a.seq < b.seq
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(items) {
			return []*domain.Record{}, nil
		}
		items = items[filter.Offset:]
	}
	if filter.Limit > 0 && len(items) > filter.Limit {
		items = items[:filter.Limit]
	}

	out := make([]*domain.Record, len(items))
	for i, it := range items {
		out[i] = it.rec
	}
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
	}
	s.mu.Unlock()
	if !ok {
		return domain.ErrNotFound
	}

	// An Update holding the entry lock finishes first; later callers see deleted.
	e.mu.Lock()
	e.deleted = true
	e.mu.Unlock()
	return nil
}

func (s *MemoryStore) lookup(id string) (*memEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

func matches(rec *domain.Record, filter ListFilter) bool {
	if filter.State != "" && rec.State != filter.State {
		return false
	}
	if filter.Kind != "" && rec.Kind != filter.Kind {
		return false
	}
	return true
}
