package jobs

import (
	"context"
	"errors"
	"sync"

	"github.com/JakeFAU/public-register-crawler/internal/crawler"
)

// Store errors.
var (
	ErrNotFound = errors.New("job not found")
	ErrExists   = errors.New("job already exists")
)

// Store persists jobs and their results.
type Store interface {
	Create(ctx context.Context, job Job) error
	Update(ctx context.Context, id string, mutate func(*Job)) error
	Get(ctx context.Context, id string) (Job, error)
	SaveResult(ctx context.Context, id string, records []crawler.DetailRecord, skipped []crawler.Identifier) error
	Result(ctx context.Context, id string) (Result, error)
}

type entry struct {
	job     Job
	records []crawler.DetailRecord
	skipped []crawler.Identifier
}

// MemoryStore keeps jobs in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*entry
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*entry)}
}

// Create stores a new job.
func (s *MemoryStore) Create(_ context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return ErrExists
	}
	s.jobs[job.ID] = &entry{job: job}
	return nil
}

// Update applies mutate to the stored job under the store lock.
func (s *MemoryStore) Update(_ context.Context, id string, mutate func(*Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	mutate(&e.job)
	e.job.ID = id
	return nil
}

// Get returns a copy of the job.
func (s *MemoryStore) Get(_ context.Context, id string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return e.job, nil
}

// SaveResult replaces the records and skipped identifiers of a job.
func (s *MemoryStore) SaveResult(
	_ context.Context,
	id string,
	records []crawler.DetailRecord,
	skipped []crawler.Identifier,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	e.records = append([]crawler.DetailRecord(nil), records...)
	e.skipped = append([]crawler.Identifier(nil), skipped...)
	return nil
}

// Result returns the job together with copies of its records.
func (s *MemoryStore) Result(_ context.Context, id string) (Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.jobs[id]
	if !ok {
		return Result{}, ErrNotFound
	}
	records := make([]crawler.DetailRecord, len(e.records))
	copy(records, e.records)
	return Result{
		Job:     e.job,
		Records: records,
		Skipped: append([]crawler.Identifier(nil), e.skipped...),
	}, nil
}
