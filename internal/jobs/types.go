package jobs

import (
	"context"
	"time"

	"github.com/worq1337/parcer/internal/domain"
)

// JobType represents the type of job to be executed.
type JobType string

const (
	// JobTypeIngest runs a candidate through the ingestion pipeline.
	JobTypeIngest JobType = "ingest"
	// JobTypeReextract repeats extraction for a stored receipt.
	JobTypeReextract JobType = "reextract"
)

// JobStatus represents the current status of a job.
type JobStatus string

const (
	// JobStatusPending indicates the job is waiting to be processed.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates the job is currently being processed.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted indicates the job completed successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job failed.
	JobStatusFailed JobStatus = "failed"
	// JobStatusRetrying indicates the job failed and is being retried.
	JobStatusRetrying JobStatus = "retrying"
)

// Result summarizes the pipeline outcome of a finished job.
type Result struct {
	RunID     string `json:"run_id"`
	State     string `json:"state"`
	ReceiptID string `json:"receipt_id,omitempty"`
	Inserted  bool   `json:"inserted"`
	Attempts  int    `json:"attempts"`
}

// Job is one unit of asynchronous pipeline work.
type Job struct {
	JobID string  `json:"job_id"`
	Type  JobType `json:"type"`

	// Candidate is set for ingest jobs, ReceiptID for re-extraction.
	Candidate *domain.Candidate `json:"candidate,omitempty"`
	ReceiptID string            `json:"receipt_id,omitempty"`

	Status      JobStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Result      *Result    `json:"result,omitempty"`

	// Error contains error details if the job failed.
	Error      string `json:"error,omitempty"`
	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`
}

// Publisher enqueues jobs.
type Publisher interface {
	Publish(ctx context.Context, job *Job) error
	Close() error
}

// Consumer runs jobs from a queue.
type Consumer interface {
	// Start launches the workers; handler is called once per attempt.
	Start(ctx context.Context, handler Handler) error

	// Stop stops consuming jobs and waits for in-flight jobs to complete.
	Stop(ctx context.Context) error
}

// Handler processes a job. A returned error is retried only when the queue's
// retry policy accepts it.
type Handler func(ctx context.Context, job *Job) (*Result, error)

// Store keeps job state for status queries.
type Store interface {
	SaveJob(ctx context.Context, job *Job) error
	// GetJob returns domain.ErrNotFound for unknown or expired jobs.
	GetJob(ctx context.Context, jobID string) (*Job, error)
	ListJobs(ctx context.Context, filter Filter) ([]*Job, error)
}

// Filter defines filtering criteria for listing jobs.
type Filter struct {
	Type   JobType
	Status JobStatus
	Limit  int
	Offset int
}
