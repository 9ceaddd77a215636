package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/worq1337/parcer/internal/dedupe"
	"github.com/worq1337/parcer/internal/domain"
	"github.com/worq1337/parcer/internal/extraction"
	"github.com/worq1337/parcer/internal/logger"
)

// PipelineStep represents a single step in the ingestion pipeline.
type PipelineStep interface {
	Execute(ctx context.Context, state *PipelineState) error
}

// PipelineState holds the shared state across all pipeline steps.
type PipelineState struct {
	RunID     string
	Kind      domain.RunKind
	Candidate *domain.Candidate
	// Target is the stored receipt being re-extracted.
	Target *domain.Receipt

	Input  extraction.Input
	Tier   extraction.Tier
	Result *extraction.Result

	Receipt  *domain.Receipt
	Inserted bool

	Stage State
	// Done stops the pipeline after the current step.
	Done bool
}

func (s *PipelineState) enter(ctx context.Context, stage State) {
	s.Stage = stage
	log := logger.FromContext(ctx)
	log.Debug().Str("stage", string(stage)).Msg("Pipeline stage")
}

// Step 1: PrepareInputStep picks the text or image path and asks OCR for a hint.
type PrepareInputStep struct {
	OCR           TextRecognizer
	MinConfidence float64
}

func (s *PrepareInputStep) Execute(ctx context.Context, state *PipelineState) error {
	c := state.Candidate
	if strings.TrimSpace(c.RawText) != "" {
		state.Input = extraction.Input{Text: c.RawText}
		state.Tier = extraction.SelectTier(c.RawText)
		return nil
	}
	if len(c.MediaRefs) == 0 {
		return &domain.ValidationError{Kind: domain.MissingRequiredField, Field: "raw_text", Detail: "candidate has neither text nor media"}
	}

	state.Input = extraction.Input{ImageRef: c.MediaRefs[0]}
	state.Tier = extraction.TierFast
	if s.OCR == nil {
		return nil
	}

	log := logger.FromContext(ctx)
	text, confidence, err := s.OCR.Recognize(ctx, c.MediaRefs[0])
	switch {
	case err != nil:
		log.Warn().Err(err).Str("media_ref", c.MediaRefs[0]).Msg("OCR failed, extracting from image alone")
	case confidence < s.MinConfidence:
		log.Info().Float64("ocr_confidence", confidence).Msg("OCR text below confidence threshold, not used")
	default:
		state.Input.ImageHint = text
	}
	return nil
}

// Step 2: ExtractStep calls the extraction service and stores its raw output.
type ExtractStep struct {
	Extractor Extractor
	Runs      RunRecorder
	Notify    func(ctx context.Context, evt domain.Event)
}

func (s *ExtractStep) Execute(ctx context.Context, state *PipelineState) error {
	state.enter(ctx, StateExtracting)

	res, err := s.Extractor.Extract(ctx, state.Input, state.Tier)
	if err != nil {
		return err
	}
	state.Result = res

	if s.Runs != nil {
		out := &domain.ModelOutput{
			ID:        uuid.NewString(),
			RunID:     state.RunID,
			Model:     res.Model,
			Format:    string(res.Format),
			RawJSON:   res.RawJSON,
			CreatedAt: time.Now().UTC(),
		}
		if err := s.Runs.InsertModelOutput(context.WithoutCancel(ctx), out); err != nil {
			log := logger.FromContext(ctx)
			log.Warn().Err(err).Msg("Failed to store model output")
		}
	}

	if s.Notify != nil {
		s.Notify(ctx, domain.Event{Name: domain.EventReceiptExtracted, RunID: state.RunID, Candidate: state.Candidate, Result: res.ExtractionResult})
	}
	return nil
}

// Step 3: NormalizeStep builds the receipt and its duplicate key.
type NormalizeStep struct {
	Normalizer       Normalizer
	Keys             *dedupe.Computer
	ReviewConfidence float64
	Now              func() time.Time
}

func (s *NormalizeStep) Execute(ctx context.Context, state *PipelineState) error {
	state.enter(ctx, StateNormalizing)

	c := state.Candidate
	r := s.Normalizer.Normalize(state.Result.ExtractionResult, c.RawText)
	now := s.Now().UTC()

	r.SourcePlatform = c.Source
	r.SourceChatID = c.SourceChatID
	r.MessageID = c.MessageID
	r.MediaRefs = c.MediaRefs
	r.Model = state.Result.Model
	r.Attempts = state.Result.Attempts
	fields := dedupe.FieldsFromReceipt(r)
	r.DuplicateKey = s.Keys.Key(fields)
	r.FieldSignature = s.Keys.FieldSignature(fields)
	r.ParseStatus = reviewStatus(r, s.ReviewConfidence)
	r.UpdatedAt = now

	if state.Target != nil {
		r.ID = state.Target.ID
		r.IngestAt = state.Target.IngestAt
	} else {
		r.ID = uuid.NewString()
		r.IngestAt = now
	}

	state.Receipt = r
	return nil
}

func reviewStatus(r *domain.Receipt, threshold float64) domain.ParseStatus {
	if r.Amount <= 0 {
		return domain.ParseStatusNeedsReview
	}
	if r.Confidence != nil && *r.Confidence < threshold {
		return domain.ParseStatusNeedsReview
	}
	return domain.ParseStatusOK
}

// Step 4: DedupeStep short-circuits when the receipt is already stored.
type DedupeStep struct {
	Repo    Repository
	Timeout time.Duration
}

func (s *DedupeStep) Execute(ctx context.Context, state *PipelineState) error {
	state.enter(ctx, StateDedupeCheck)

	c := state.Candidate
	if c.HasMessageRef() {
		existing, err := withTimeout(ctx, s.Timeout, func(ctx context.Context) (*domain.Receipt, error) {
			return s.Repo.FindByMessage(ctx, c.SourceChatID, c.MessageID)
		})
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return unavailable(fmt.Errorf("DedupeStep: find by message: %w", err))
		}
		if existing != nil {
			markDuplicate(ctx, state, existing, "message")
			return nil
		}
	}

	existing, err := withTimeout(ctx, s.Timeout, func(ctx context.Context) (*domain.Receipt, error) {
		return s.Repo.FindByKey(ctx, state.Receipt.DuplicateKey)
	})
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return unavailable(fmt.Errorf("DedupeStep: find by key: %w", err))
	}
	if existing != nil {
		markDuplicate(ctx, state, existing, "duplicate_key")
		return nil
	}

	// Same amount, currency, card, operator and sign within one time window,
	// reported with different wording. An unparsed amount matches too much.
	if state.Receipt.Amount <= 0 {
		return nil
	}
	existing, err = withTimeout(ctx, s.Timeout, func(ctx context.Context) (*domain.Receipt, error) {
		return s.Repo.FindByFieldSignature(ctx, state.Receipt.FieldSignature)
	})
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return unavailable(fmt.Errorf("DedupeStep: find by field signature: %w", err))
	}
	if existing != nil {
		markDuplicate(ctx, state, existing, "field_signature")
	}
	return nil
}

// Step 5: PersistStep inserts the receipt. Losing an insert race counts as a duplicate.
type PersistStep struct {
	Repo    Repository
	Timeout time.Duration
}

func (s *PersistStep) Execute(ctx context.Context, state *PipelineState) error {
	state.enter(ctx, StatePersisting)

	stored, inserted, err := insertIfAbsent(ctx, s.Repo, s.Timeout, state.Receipt)
	if err != nil {
		if !domain.IsConstraintViolation(err) {
			return unavailable(fmt.Errorf("PersistStep: insert receipt: %w", err))
		}
		existing, ferr := withTimeout(ctx, s.Timeout, func(ctx context.Context) (*domain.Receipt, error) {
			return s.Repo.FindByKey(ctx, state.Receipt.DuplicateKey)
		})
		if ferr != nil {
			return unavailable(fmt.Errorf("PersistStep: re-read after constraint violation: %w", ferr))
		}
		markDuplicate(ctx, state, existing, "late")
		return nil
	}
	if !inserted {
		markDuplicate(ctx, state, stored, "late")
		return nil
	}

	state.Receipt = stored
	state.Inserted = true
	state.enter(ctx, StatePersisted)
	return nil
}

// Step 5 (re-extraction): UpdateStep overwrites the stored receipt in place.
// When the new key collides with another receipt, the record is marked failed
// so that it no longer competes for the key.
type UpdateStep struct {
	Repo    Repository
	Timeout time.Duration
}

func (s *UpdateStep) Execute(ctx context.Context, state *PipelineState) error {
	state.enter(ctx, StatePersisting)

	r := state.Receipt
	_, err := withTimeout(ctx, s.Timeout, func(ctx context.Context) (*domain.Receipt, error) {
		return nil, s.Repo.Update(ctx, r)
	})
	if err == nil {
		state.enter(ctx, StatePersisted)
		return nil
	}
	if !domain.IsConstraintViolation(err) {
		return unavailable(fmt.Errorf("UpdateStep: update receipt: %w", err))
	}

	existing, ferr := withTimeout(ctx, s.Timeout, func(ctx context.Context) (*domain.Receipt, error) {
		return s.Repo.FindByKey(ctx, r.DuplicateKey)
	})
	if ferr != nil {
		return unavailable(fmt.Errorf("UpdateStep: find conflicting receipt: %w", ferr))
	}

	r.ParseStatus = domain.ParseStatusFailed
	r.Error = fmt.Sprintf("re-extraction duplicates receipt %s", existing.ID)
	_, err = withTimeout(ctx, s.Timeout, func(ctx context.Context) (*domain.Receipt, error) {
		return nil, s.Repo.Update(ctx, r)
	})
	if err != nil {
		return unavailable(fmt.Errorf("UpdateStep: mark receipt failed: %w", err))
	}

	log := logger.FromContext(ctx)
	log.Info().Str("duplicate_of", existing.ID).Msg("Re-extracted receipt duplicates another receipt")
	state.Stage = StateDuplicate
	state.Done = true
	return nil
}

func markDuplicate(ctx context.Context, state *PipelineState, existing *domain.Receipt, matchedBy string) {
	log := logger.FromContext(ctx)
	log.Info().
		Str("receipt_id", existing.ID).
		Str("matched_by", matchedBy).
		Msg("Duplicate receipt, skipping insert")
	state.Receipt = existing
	state.Inserted = false
	state.Stage = StateDuplicate
	state.Done = true
}

func insertIfAbsent(ctx context.Context, repo Repository, timeout time.Duration, r *domain.Receipt) (*domain.Receipt, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return repo.InsertIfAbsent(ctx, r)
}

func withTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (*domain.Receipt, error)) (*domain.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}

func unavailable(err error) error {
	var pe *domain.PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &domain.PersistenceError{Kind: domain.PersistenceUnavailable, Err: err}
}

// Pipeline executes a sequence of steps in order.
type Pipeline struct {
	steps   []PipelineStep
	observe func(stage State, d time.Duration)
}

// NewPipeline creates a new pipeline with the given steps.
func NewPipeline(steps ...PipelineStep) *Pipeline {
	return &Pipeline{steps: steps}
}

// Execute runs the steps sequentially until one fails or marks the state done.
func (p *Pipeline) Execute(ctx context.Context, state *PipelineState) error {
	for i, step := range p.steps {
		start := time.Now()
		err := step.Execute(ctx, state)
		if p.observe != nil {
			p.observe(state.Stage, time.Since(start))
		}
		if err != nil {
			return fmt.Errorf("pipeline step %d failed: %w", i+1, err)
		}
		if state.Done {
			return nil
		}
	}
	return nil
}
