package domain

import "time"

// EventName identifies a lifecycle notification.
type EventName string

const (
	EventCandidateReceived EventName = "candidate.received"
	EventReceiptExtracted  EventName = "receipt.extracted"
	EventReceiptPersisted  EventName = "receipt.persisted"
	EventReceiptFailed     EventName = "receipt.parse_failed"
)

// Event is a lifecycle notification emitted by the ingestion pipeline.
// Receivers must treat the pointed-to values as read-only.
type Event struct {
	Name      EventName         `json:"name"`
	RunID     string            `json:"run_id"`
	At        time.Time         `json:"at"`
	Candidate *Candidate        `json:"candidate,omitempty"`
	Result    *ExtractionResult `json:"result,omitempty"`
	Receipt   *Receipt          `json:"receipt,omitempty"`
	Inserted  bool              `json:"inserted,omitempty"`
	Stage     string            `json:"stage,omitempty"`
	Error     string            `json:"error,omitempty"`
}
