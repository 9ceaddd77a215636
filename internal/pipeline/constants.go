package pipeline

import "time"

// Defaults for the orchestrator.
const (
	// DefaultReviewConfidence is the confidence below which a receipt needs review.
	DefaultReviewConfidence = 0.8

	// DefaultPersistTimeout bounds each storage call.
	DefaultPersistTimeout = 10 * time.Second

	// DefaultOCRMinConfidence is the lowest OCR confidence (0..100) whose text is used.
	DefaultOCRMinConfidence = 30.0
)

// State is a pipeline run state.
type State string

const (
	StateReceived    State = "received"
	StateExtracting  State = "extracting"
	StateNormalizing State = "normalizing"
	StateDedupeCheck State = "dedupe_check"
	StateDuplicate   State = "duplicate"
	StatePersisting  State = "persisting"
	StatePersisted   State = "persisted"
	StateFailed      State = "failed"
)
