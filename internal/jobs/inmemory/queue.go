package inmemory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/worq1337/parcer/internal/domain"
	"github.com/worq1337/parcer/internal/jobs"
	"github.com/worq1337/parcer/internal/logger"
)

// ErrQueueClosed is returned when publishing to a stopped queue.
var ErrQueueClosed = errors.New("queue is closed")

// Observer receives queue metrics.
type Observer interface {
	SetQueueDepth(n int)
	CountJob(status string)
}

// Options configure a Queue. Zero values fall back to defaults.
type Options struct {
	Workers    int
	BufferSize int
	MaxRetries int
	// Backoff is multiplied by the retry count before re-enqueueing.
	Backoff time.Duration
	// Retryable decides whether a handler error is worth another attempt.
	// Defaults to transient storage outages only.
	Retryable func(error) bool
	Observer  Observer
}

const (
	DefaultWorkers    = 5
	DefaultBufferSize = 100
	DefaultMaxRetries = 2
	DefaultBackoff    = time.Second
)

// Queue is a channel-backed job publisher and consumer for a single instance.
// It is safe for concurrent use.
type Queue struct {
	jobChan   chan *jobs.Job
	closeChan chan struct{}
	wg        sync.WaitGroup
	mu        sync.RWMutex
	store     jobs.Store
	opts      Options
	closed    bool
}

// NewQueue creates a queue; store may be nil.
func NewQueue(opts Options, store jobs.Store) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.Retryable == nil {
		opts.Retryable = domain.IsUnavailable
	}
	return &Queue{
		jobChan:   make(chan *jobs.Job, opts.BufferSize),
		closeChan: make(chan struct{}),
		store:     store,
		opts:      opts,
	}
}

// Publish assigns defaults, records the job and enqueues it. It blocks while
// the buffer is full until ctx is done.
func (q *Queue) Publish(ctx context.Context, job *jobs.Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}

	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = jobs.JobStatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = q.opts.MaxRetries
	}

	if err := q.save(ctx, job); err != nil {
		return fmt.Errorf("Publish: saving job: %w", err)
	}

	select {
	case q.jobChan <- job:
		q.observeDepth()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closeChan:
		return ErrQueueClosed
	}
}

// Start launches the configured number of workers.
func (q *Queue) Start(ctx context.Context, handler jobs.Handler) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, handler)
	}
	log := logger.FromContext(ctx)
	log.Info().Int("workers", q.opts.Workers).Int("buffer", q.opts.BufferSize).Msg("Job queue started")
	return nil
}

// Len reports how many jobs are waiting.
func (q *Queue) Len() int {
	return len(q.jobChan)
}

func (q *Queue) worker(ctx context.Context, handler jobs.Handler) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closeChan:
			return
		case job := <-q.jobChan:
			if job == nil {
				return
			}
			q.observeDepth()
			q.processJob(ctx, job, handler)
		}
	}
}

func (q *Queue) processJob(ctx context.Context, job *jobs.Job, handler jobs.Handler) {
	log := logger.FromContext(ctx).With().Str("job_id", job.JobID).Str("job_type", string(job.Type)).Logger()
	ctx = logger.WithContext(ctx, log)

	job.Status = jobs.JobStatusRunning
	now := time.Now().UTC()
	job.StartedAt = &now
	_ = q.save(ctx, job)

	res, err := q.run(ctx, job, handler)

	completedAt := time.Now().UTC()
	job.CompletedAt = &completedAt
	job.Result = res

	switch {
	case err == nil:
		job.Status = jobs.JobStatusCompleted
		job.Error = ""
	case job.RetryCount < job.MaxRetries && q.opts.Retryable(err):
		job.RetryCount++
		job.Status = jobs.JobStatusRetrying
		job.Error = domain.TruncateError(err)
		log.Warn().Err(err).Int("retry", job.RetryCount).Msg("Job failed, scheduling retry")

		_ = q.save(ctx, job)

		// The timer owns its copy; the worker keeps no reference once it returns.
		next := clone(job)
		backoff := time.Duration(job.RetryCount) * q.opts.Backoff
		time.AfterFunc(backoff, func() {
			next.Status = jobs.JobStatusPending
			next.StartedAt = nil
			next.CompletedAt = nil
			if perr := q.Publish(context.WithoutCancel(ctx), next); perr != nil {
				next.Status = jobs.JobStatusFailed
				_ = q.save(ctx, next)
				q.countJob(next.Status)
			}
		})
		return
	default:
		job.Status = jobs.JobStatusFailed
		job.Error = domain.TruncateError(err)
		log.Error().Err(err).Msg("Job failed")
	}

	_ = q.save(ctx, job)
	q.countJob(job.Status)
}

// run calls handler and turns a panic into an error.
func (q *Queue) run(ctx context.Context, job *jobs.Job, handler jobs.Handler) (res *jobs.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return handler(ctx, job)
}

func (q *Queue) save(ctx context.Context, job *jobs.Job) error {
	if q.store == nil {
		return nil
	}
	return q.store.SaveJob(ctx, job)
}

func (q *Queue) observeDepth() {
	if q.opts.Observer != nil {
		q.opts.Observer.SetQueueDepth(len(q.jobChan))
	}
}

func (q *Queue) countJob(status jobs.JobStatus) {
	if q.opts.Observer != nil {
		q.opts.Observer.CountJob(string(status))
	}
}

// Stop closes the queue and waits for in-flight jobs. Jobs still buffered
// stay pending in the store.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.closeChan)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements jobs.Publisher.
func (q *Queue) Close() error {
	return q.Stop(context.Background())
}

var (
	_ jobs.Publisher = (*Queue)(nil)
	_ jobs.Consumer  = (*Queue)(nil)
)
