package jobstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for single-node deployments and tests.
// Expiry is enforced lazily on reads and eagerly by Sweep.
type MemoryStore struct {
	ttl time.Duration

	mu   sync.RWMutex
	jobs map[string]*memoryEntry

	// now is replaceable in tests.
	now func() time.Time
}

type memoryEntry struct {
	job       *Job
	expiresAt time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory store. Non-positive ttl selects
// DefaultTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		ttl:  ttl,
		jobs: make(map[string]*memoryEntry),
		now:  time.Now,
	}
}

func (s *MemoryStore) Put(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ExpiresAt.IsZero() {
		job.ExpiresAt = s.now().Add(s.ttl).UTC()
	}
	s.jobs[job.ID] = &memoryEntry{
		job:       job.Clone(),
		expiresAt: s.now().Add(s.ttl),
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if s.now().After(e.expiresAt) {
		delete(s.jobs, id)
		return nil, ErrNotFound
	}
	return e.job.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]*Job, error) {
	s.mu.RLock()
	now := s.now()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, e := range s.jobs {
		if now.After(e.expiresAt) {
			continue
		}
		jobs = append(jobs, e.job.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func (s *MemoryStore) DeleteAll(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.jobs)
	s.jobs = make(map[string]*memoryEntry)
	return n, nil
}

func (s *MemoryStore) Sweep(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for id, e := range s.jobs {
		if now.After(e.expiresAt) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Stats(context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := Stats{ByStatus: make(map[Status]int)}
	now := s.now()
	for _, e := range s.jobs {
		if now.After(e.expiresAt) {
			continue
		}
		stats.Jobs++
		stats.ByStatus[e.job.Status]++
	}
	return stats, nil
}

func (s *MemoryStore) Close() error { return nil }
