package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/worq1337/parcer/internal/api/middleware"
	"github.com/worq1337/parcer/internal/domain"
	"github.com/worq1337/parcer/internal/logger"
)

// StatusFor maps a pipeline or storage error to an HTTP status.
func StatusFor(err error) int {
	var (
		eerr *domain.ExtractionError
		verr *domain.ValidationError
		perr *domain.PersistenceError
	)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity
	case errors.As(err, &eerr):
		if eerr.Kind == domain.ExtractionUnavailable {
			return http.StatusBadGateway
		}
		return http.StatusUnprocessableEntity
	case errors.As(err, &perr):
		if perr.Kind == domain.ConstraintViolation {
			return http.StatusConflict
		}
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, domain.ErrDisabled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeFailure logs err and writes its mapped status with extra body fields.
func writeFailure(w http.ResponseWriter, r *http.Request, err error, msg string, extra map[string]any) {
	status := StatusFor(err)
	log := logger.FromContext(r.Context())
	ev := log.Error()
	if status < http.StatusInternalServerError {
		ev = log.Warn()
	}
	ev.Err(err).Int("status", status).Msg(msg)

	body := map[string]any{"error": msg}
	if status != http.StatusInternalServerError {
		body["detail"] = domain.TruncateError(err)
	}
	for k, v := range extra {
		body[k] = v
	}
	middleware.WriteJSON(w, status, body)
}
