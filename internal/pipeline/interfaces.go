package pipeline

import (
	"context"
	"time"

	"github.com/worq1337/parcer/internal/domain"
	"github.com/worq1337/parcer/internal/extraction"
)

// Repository persists receipts. Implementations must enforce duplicate_key
// uniqueness among receipts whose parse_status is not failed.
type Repository interface {
	// InsertIfAbsent stores r unless a receipt with the same duplicate key exists.
	// It returns the stored receipt and whether it was inserted. A race lost to a
	// concurrent writer may surface as a PersistenceError of kind ConstraintViolation.
	InsertIfAbsent(ctx context.Context, r *domain.Receipt) (*domain.Receipt, bool, error)
	// FindByKey and FindByMessage return domain.ErrNotFound when nothing matches.
	FindByKey(ctx context.Context, duplicateKey string) (*domain.Receipt, error)
	FindByMessage(ctx context.Context, sourceChatID, messageID string) (*domain.Receipt, error)
	// FindByFieldSignature returns the earliest non-failed receipt with the signature.
	FindByFieldSignature(ctx context.Context, signature string) (*domain.Receipt, error)
	Get(ctx context.Context, id string) (*domain.Receipt, error)
	Update(ctx context.Context, r *domain.Receipt) error
}

// RunRecorder keeps the extraction run log.
type RunRecorder interface {
	StartRun(ctx context.Context, run *domain.ExtractionRun) error
	FinishRun(ctx context.Context, run *domain.ExtractionRun) error
	InsertModelOutput(ctx context.Context, out *domain.ModelOutput) error
}

// Extractor turns an input into a structured result.
type Extractor interface {
	Extract(ctx context.Context, in extraction.Input, tier extraction.Tier) (*extraction.Result, error)
}

// TextRecognizer reads text from an image. Confidence is 0..100.
type TextRecognizer interface {
	Recognize(ctx context.Context, imageRef string) (text string, confidence float64, err error)
}

// Notifier delivers lifecycle events. Publish must not block for long and
// must not fail the caller.
type Notifier interface {
	Publish(ctx context.Context, evt domain.Event)
}

// Metrics observes pipeline runs.
type Metrics interface {
	ObserveStage(stage State, d time.Duration)
	CountOutcome(kind domain.RunKind, state State)
}

// Normalizer maps extraction output to receipt fields.
type Normalizer interface {
	Normalize(res *domain.ExtractionResult, rawText string) *domain.Receipt
}
