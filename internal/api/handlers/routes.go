package handlers

import (
	"net/http"
	"time"

	"github.com/worq1337/parcer/internal/api/middleware"
)

// Routes bundles the handlers served by the API.
type Routes struct {
	Receipts  *ReceiptsHandler
	Jobs      *JobsHandler
	Uploads   *UploadsHandler
	Operators *OperatorsHandler
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
}

// Register adds every endpoint to mux.
func (rt Routes) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/receipts", rt.Receipts.Ingest)
	mux.HandleFunc("GET /api/receipts", rt.Receipts.List)
	mux.HandleFunc("GET /api/receipts/export.xlsx", rt.Receipts.Export)
	mux.HandleFunc("GET /api/receipts/{id}", rt.Receipts.Get)
	mux.HandleFunc("POST /api/receipts/{id}/reextract", rt.Receipts.Reextract)

	if rt.Jobs != nil {
		mux.HandleFunc("POST /api/candidates", rt.Jobs.Enqueue)
		mux.HandleFunc("GET /api/jobs", rt.Jobs.ListJobs)
		mux.HandleFunc("GET /api/jobs/{id}", rt.Jobs.GetJob)
	}
	if rt.Uploads != nil {
		mux.HandleFunc("POST /api/uploads", rt.Uploads.Upload)
	}
	if rt.Operators != nil {
		mux.HandleFunc("POST /api/operators/reload", rt.Operators.Reload)
	}
	if rt.Metrics != nil {
		mux.Handle("GET /metrics", rt.Metrics)
	}

	mux.HandleFunc("GET /health", Health)
}

// Health handles GET /health.
func Health(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
