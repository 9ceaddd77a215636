package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/worq1337/parcer/internal/api/middleware"
	"github.com/worq1337/parcer/internal/logger"
)

// MaxUploadBytes caps POST /api/uploads bodies.
const MaxUploadBytes = 20 << 20

// Uploader stores an image and returns a media reference for it.
type Uploader interface {
	Upload(ctx context.Context, filename, contentType string, r io.Reader) (string, error)
}

// UploadsHandler handles receipt image uploads.
type UploadsHandler struct {
	uploader Uploader
}

// NewUploadsHandler creates a new uploads handler. A nil uploader disables uploads.
func NewUploadsHandler(uploader Uploader) *UploadsHandler {
	return &UploadsHandler{uploader: uploader}
}

// Upload handles POST /api/uploads?filename=... with the raw image as body.
func (h *UploadsHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if h.uploader == nil {
		middleware.WriteError(w, http.StatusServiceUnavailable, "Uploads are not configured")
		return
	}

	contentType := r.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		middleware.WriteError(w, http.StatusUnsupportedMediaType, "Content-Type must be an image type")
		return
	}

	filename := filepath.Base(r.URL.Query().Get("filename"))
	if filename == "." || filename == "/" {
		filename = ""
	}

	log := logger.FromContext(r.Context())
	body := http.MaxBytesReader(w, r.Body, MaxUploadBytes)
	ref, err := h.uploader.Upload(r.Context(), filename, contentType, body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			middleware.WriteError(w, http.StatusRequestEntityTooLarge, "Upload is too large")
			return
		}
		log.Error().Err(err).Msg("Failed to upload image")
		middleware.WriteError(w, http.StatusBadGateway, "Failed to upload image")
		return
	}

	log.Info().Str("media_ref", ref).Msg("Image uploaded")
	middleware.WriteJSON(w, http.StatusCreated, map[string]string{"media_ref": ref})
}
