package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/worq1337/parcer/internal/api/middleware"
	"github.com/worq1337/parcer/internal/domain"
	"github.com/worq1337/parcer/internal/jobs"
	"github.com/worq1337/parcer/internal/logger"
)

// EnqueueTimeout bounds how long POST /api/candidates waits for queue space.
const EnqueueTimeout = 2 * time.Second

// JobsHandler handles asynchronous ingestion and job status endpoints.
type JobsHandler struct {
	publisher jobs.Publisher
	store     jobs.Store
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(publisher jobs.Publisher, store jobs.Store) *JobsHandler {
	return &JobsHandler{publisher: publisher, store: store}
}

// Enqueue handles POST /api/candidates.
func (h *JobsHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	cand, ok := decodeCandidate(w, r)
	if !ok {
		return
	}
	if cand.ReceivedAt.IsZero() {
		cand.ReceivedAt = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(r.Context(), EnqueueTimeout)
	defer cancel()

	log := logger.FromContext(ctx)
	job := &jobs.Job{Type: jobs.JobTypeIngest, Candidate: &cand}
	if err := h.publisher.Publish(ctx, job); err != nil {
		log.Error().Err(err).Msg("Failed to enqueue ingest job")
		middleware.WriteError(w, http.StatusServiceUnavailable, "Job queue is unavailable")
		return
	}

	log.Info().Str("job_id", job.JobID).Msg("Ingest job enqueued")

	middleware.WriteJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.JobID,
		"status": string(jobs.JobStatusPending),
	})
}

// GetJob handles GET /api/jobs/{id}.
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	job, err := h.store.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			middleware.WriteError(w, http.StatusNotFound, "Job not found")
			return
		}
		writeFailure(w, r, err, "Failed to get job", nil)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, job)
}

// ListJobs handles GET /api/jobs.
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := jobs.Filter{
		Type:   jobs.JobType(query.Get("type")),
		Status: jobs.JobStatus(query.Get("status")),
	}

	var err error
	if filter.Limit, err = parseInt(query.Get("limit")); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if filter.Offset, err = parseInt(query.Get("offset")); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "invalid offset")
		return
	}

	jobsList, err := h.store.ListJobs(r.Context(), filter)
	if err != nil {
		writeFailure(w, r, err, "Failed to list jobs", nil)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobsList,
		"count": len(jobsList),
	})
}
