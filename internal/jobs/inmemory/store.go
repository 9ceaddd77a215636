package inmemory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/worq1337/parcer/internal/domain"
	"github.com/worq1337/parcer/internal/jobs"
)

// DefaultTTL is how long finished and pending jobs stay queryable.
const DefaultTTL = 24 * time.Hour

// Store keeps job state in a TTL cache. Entries expire ttl after their last
// save; state is lost on restart.
type Store struct {
	cache *cache.Cache
}

// NewStore creates a job store with the given expiry.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{cache: cache.New(ttl, ttl/2)}
}

// SaveJob stores a copy of job and resets its expiry.
func (s *Store) SaveJob(_ context.Context, job *jobs.Job) error {
	if job.JobID == "" {
		return errors.New("SaveJob: job ID is required")
	}
	s.cache.Set(job.JobID, clone(job), cache.DefaultExpiration)
	return nil
}

// GetJob returns a copy of the job.
func (s *Store) GetJob(_ context.Context, jobID string) (*jobs.Job, error) {
	v, ok := s.cache.Get(jobID)
	if !ok {
		return nil, fmt.Errorf("GetJob: %s: %w", jobID, domain.ErrNotFound)
	}
	return clone(v.(*jobs.Job)), nil
}

// ListJobs returns matching jobs, newest first.
func (s *Store) ListJobs(_ context.Context, filter jobs.Filter) ([]*jobs.Job, error) {
	var result []*jobs.Job
	for _, item := range s.cache.Items() {
		job := item.Object.(*jobs.Job)
		if filter.Type != "" && job.Type != filter.Type {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		result = append(result, clone(job))
	}

	slices.SortFunc(result, func(a, b *jobs.Job) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		if a.JobID < b.JobID {
			return -1
		}
		if a.JobID > b.JobID {
			return 1
		}
		return 0
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return []*jobs.Job{}, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}
	return result, nil
}

// clone copies the job and the values it points to.
func clone(job *jobs.Job) *jobs.Job {
	c := *job
	if job.Candidate != nil {
		cand := *job.Candidate
		cand.MediaRefs = slices.Clone(job.Candidate.MediaRefs)
		c.Candidate = &cand
	}
	if job.Result != nil {
		res := *job.Result
		c.Result = &res
	}
	if job.StartedAt != nil {
		t := *job.StartedAt
		c.StartedAt = &t
	}
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

var _ jobs.Store = (*Store)(nil)
