package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/worq1337/parcer/internal/api/middleware"
	"github.com/worq1337/parcer/internal/domain"
	"github.com/worq1337/parcer/internal/export"
	"github.com/worq1337/parcer/internal/jobs"
	"github.com/worq1337/parcer/internal/logger"
	"github.com/worq1337/parcer/internal/pipeline"
)

// MaxListLimit caps the page size of GET /api/receipts.
const MaxListLimit = 500

// ReceiptStore is the read side of receipt storage.
type ReceiptStore interface {
	Get(ctx context.Context, id string) (*domain.Receipt, error)
	List(ctx context.Context, filter domain.ReceiptFilter) ([]*domain.Receipt, error)
}

// ReceiptsHandler handles receipt endpoints.
type ReceiptsHandler struct {
	store  ReceiptStore
	runner jobs.Runner
}

// NewReceiptsHandler creates a new receipts handler.
func NewReceiptsHandler(store ReceiptStore, runner jobs.Runner) *ReceiptsHandler {
	return &ReceiptsHandler{store: store, runner: runner}
}

// CandidateRequest is the body of ingest endpoints.
type CandidateRequest struct {
	Source       domain.Source `json:"source"`
	RawText      string        `json:"raw_text"`
	MediaRefs    []string      `json:"media_refs"`
	SourceChatID string        `json:"source_chat_id"`
	MessageID    string        `json:"message_id"`
	ReceivedAt   *time.Time    `json:"received_at"`
}

func (c CandidateRequest) toCandidate() (domain.Candidate, error) {
	if strings.TrimSpace(c.RawText) == "" && len(c.MediaRefs) == 0 {
		return domain.Candidate{}, fmt.Errorf("raw_text or media_refs is required")
	}
	if (c.SourceChatID == "") != (c.MessageID == "") {
		return domain.Candidate{}, fmt.Errorf("source_chat_id and message_id must be given together")
	}
	cand := domain.Candidate{
		Source:       c.Source,
		RawText:      c.RawText,
		MediaRefs:    c.MediaRefs,
		SourceChatID: c.SourceChatID,
		MessageID:    c.MessageID,
	}
	if cand.Source == "" {
		cand.Source = domain.SourceAPI
	}
	if c.ReceivedAt != nil {
		cand.ReceivedAt = c.ReceivedAt.UTC()
	}
	return cand, nil
}

func decodeCandidate(w http.ResponseWriter, r *http.Request) (domain.Candidate, bool) {
	var req CandidateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return domain.Candidate{}, false
	}
	cand, err := req.toCandidate()
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return domain.Candidate{}, false
	}
	return cand, true
}

// Ingest handles POST /api/receipts. A new receipt answers 201, a duplicate
// 200 with the stored receipt.
func (h *ReceiptsHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	cand, ok := decodeCandidate(w, r)
	if !ok {
		return
	}

	out, err := h.runner.Ingest(r.Context(), cand)
	if err != nil {
		writeFailure(w, r, err, "Failed to process candidate", outcomeFields(out))
		return
	}

	status := http.StatusOK
	if out.Inserted {
		status = http.StatusCreated
	}
	middleware.WriteJSON(w, status, out)
}

// List handles GET /api/receipts.
func (h *ReceiptsHandler) List(w http.ResponseWriter, r *http.Request) {
	filter, err := parseReceiptFilter(r)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	receipts, err := h.store.List(r.Context(), filter)
	if err != nil {
		writeFailure(w, r, err, "Failed to list receipts", nil)
		return
	}
	if receipts == nil {
		receipts = []*domain.Receipt{}
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"receipts": receipts,
		"count":    len(receipts),
	})
}

// Get handles GET /api/receipts/{id}.
func (h *ReceiptsHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, r, err, "Failed to get receipt", nil)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, rec)
}

// Reextract handles POST /api/receipts/{id}/reextract.
func (h *ReceiptsHandler) Reextract(w http.ResponseWriter, r *http.Request) {
	out, err := h.runner.Reextract(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, r, err, "Failed to re-extract receipt", outcomeFields(out))
		return
	}
	middleware.WriteJSON(w, http.StatusOK, out)
}

// Export handles GET /api/receipts/export.xlsx.
func (h *ReceiptsHandler) Export(w http.ResponseWriter, r *http.Request) {
	filter, err := parseReceiptFilter(r)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	receipts, err := export.CollectAll(r.Context(), h.store, filter)
	if err != nil {
		writeFailure(w, r, err, "Failed to export receipts", nil)
		return
	}

	filename := fmt.Sprintf("receipts-%s.xlsx", time.Now().UTC().Format("20060102-150405"))
	log := logger.FromContext(r.Context())
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	if err := export.WriteXLSX(w, receipts); err != nil {
		log.Error().Err(err).Msg("Failed to write export")
		return
	}
	log.Info().Int("receipts", len(receipts)).Msg("Receipts exported")
}

// parseReceiptFilter reads status, since, until (RFC 3339 or YYYY-MM-DD),
// limit and offset.
func parseReceiptFilter(r *http.Request) (domain.ReceiptFilter, error) {
	q := r.URL.Query()
	filter := domain.ReceiptFilter{Status: domain.ParseStatus(q.Get("status"))}

	var err error
	if filter.Since, err = parseTime(q.Get("since")); err != nil {
		return filter, fmt.Errorf("invalid since: %w", err)
	}
	if filter.Until, err = parseTime(q.Get("until")); err != nil {
		return filter, fmt.Errorf("invalid until: %w", err)
	}
	if filter.Limit, err = parseInt(q.Get("limit")); err != nil {
		return filter, fmt.Errorf("invalid limit: %w", err)
	}
	if filter.Limit > MaxListLimit {
		filter.Limit = MaxListLimit
	}
	if filter.Offset, err = parseInt(q.Get("offset")); err != nil {
		return filter, fmt.Errorf("invalid offset: %w", err)
	}
	return filter, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse("2006-01-02", s)
}

func parseInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("must not be negative")
	}
	return n, nil
}

func outcomeFields(out *pipeline.Outcome) map[string]any {
	if out == nil {
		return nil
	}
	fields := map[string]any{"run_id": out.RunID, "state": out.State}
	if out.Receipt != nil {
		fields["receipt_id"] = out.Receipt.ID
	}
	return fields
}
