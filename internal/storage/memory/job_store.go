// Package memory provides in-memory stores for development and testing.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/siteharvest/harvester/internal/scrape"
)

// JobStore keeps jobs in a map. Jobs are cloned on the way in and out so
// callers never share mutable state with the store.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]*scrape.Job
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]*scrape.Job)}
}

// Save stores a new job. Saving an existing ID is an error.
func (s *JobStore) Save(_ context.Context, job *scrape.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// Find fetches a job by ID.
func (s *JobStore) Find(_ context.Context, id string) (*scrape.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, scrape.ErrJobNotFound
	}
	return job.Clone(), nil
}

// Update replaces the stored job. Updating an unknown ID is an error.
func (s *JobStore) Update(_ context.Context, job *scrape.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return scrape.ErrJobNotFound
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// Delete removes a job.
func (s *JobStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return scrape.ErrJobNotFound
	}
	delete(s.jobs, id)
	return nil
}

// FindByStatus lists jobs with the given status, newest first, paginated.
// An empty status matches every job.
func (s *JobStore) FindByStatus(_ context.Context, status scrape.JobStatus, limit, offset int) ([]*scrape.Job, error) {
	s.mu.RLock()
	matched := make([]*scrape.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if status == "" || job.Status == status {
			matched = append(matched, job)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if offset < 0 {
		offset = 0
	}
	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}

	out := make([]*scrape.Job, len(matched))
	for i, job := range matched {
		out[i] = job.Clone()
	}
	return out, nil
}
