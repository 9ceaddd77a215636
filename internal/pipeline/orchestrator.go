package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/worq1337/parcer/internal/dedupe"
	"github.com/worq1337/parcer/internal/domain"
	"github.com/worq1337/parcer/internal/logger"
)

// Config tunes the orchestrator.
type Config struct {
	ReviewConfidence float64
	PersistTimeout   time.Duration
	OCRMinConfidence float64
}

// Deps are the orchestrator's collaborators. Repository, Extractor and
// Normalizer are required.
type Deps struct {
	Repository Repository
	Runs       RunRecorder
	Extractor  Extractor
	Normalizer Normalizer
	Keys       *dedupe.Computer
	OCR        TextRecognizer
	Notifier   Notifier
	Metrics    Metrics
}

// Outcome is the result of one pipeline run.
type Outcome struct {
	RunID    string          `json:"run_id"`
	State    State           `json:"state"`
	Receipt  *domain.Receipt `json:"receipt,omitempty"`
	Inserted bool            `json:"inserted"`
	Attempts int             `json:"attempts"`
}

// Orchestrator sequences candidate → extraction → normalization → dedupe → persist.
// It is safe for concurrent use.
type Orchestrator struct {
	deps Deps
	cfg  Config
	now  func() time.Time
}

// NewOrchestrator validates deps and applies config defaults.
func NewOrchestrator(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Repository == nil {
		return nil, errors.New("NewOrchestrator: repository is required")
	}
	if deps.Extractor == nil {
		return nil, errors.New("NewOrchestrator: extractor is required")
	}
	if deps.Normalizer == nil {
		return nil, errors.New("NewOrchestrator: normalizer is required")
	}
	if deps.Keys == nil {
		deps.Keys = dedupe.NewComputer(dedupe.DefaultWindow)
	}
	if cfg.ReviewConfidence <= 0 {
		cfg.ReviewConfidence = DefaultReviewConfidence
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = DefaultPersistTimeout
	}
	if cfg.OCRMinConfidence <= 0 {
		cfg.OCRMinConfidence = DefaultOCRMinConfidence
	}
	return &Orchestrator{deps: deps, cfg: cfg, now: time.Now}, nil
}

func (o *Orchestrator) ingestPipeline() *Pipeline {
	p := NewPipeline(
		&PrepareInputStep{OCR: o.deps.OCR, MinConfidence: o.cfg.OCRMinConfidence},
		&ExtractStep{Extractor: o.deps.Extractor, Runs: o.deps.Runs, Notify: o.notify},
		&NormalizeStep{Normalizer: o.deps.Normalizer, Keys: o.deps.Keys, ReviewConfidence: o.cfg.ReviewConfidence, Now: o.now},
		&DedupeStep{Repo: o.deps.Repository, Timeout: o.cfg.PersistTimeout},
		&PersistStep{Repo: o.deps.Repository, Timeout: o.cfg.PersistTimeout},
	)
	p.observe = o.observeStage
	return p
}

func (o *Orchestrator) reextractPipeline() *Pipeline {
	p := NewPipeline(
		&PrepareInputStep{OCR: o.deps.OCR, MinConfidence: o.cfg.OCRMinConfidence},
		&ExtractStep{Extractor: o.deps.Extractor, Runs: o.deps.Runs, Notify: o.notify},
		&NormalizeStep{Normalizer: o.deps.Normalizer, Keys: o.deps.Keys, ReviewConfidence: o.cfg.ReviewConfidence, Now: o.now},
		&UpdateStep{Repo: o.deps.Repository, Timeout: o.cfg.PersistTimeout},
	)
	p.observe = o.observeStage
	return p
}

// Ingest runs a candidate through the pipeline. A duplicate is not an error:
// the outcome carries the existing receipt with Inserted false.
// Failures return the error and a Failed outcome; nothing is persisted.
func (o *Orchestrator) Ingest(ctx context.Context, c domain.Candidate) (*Outcome, error) {
	if c.ReceivedAt.IsZero() {
		c.ReceivedAt = o.now().UTC()
	}
	state := &PipelineState{
		RunID:     uuid.NewString(),
		Kind:      domain.RunIngest,
		Candidate: &c,
		Stage:     StateReceived,
	}
	ctx = o.runLogger(ctx, state)
	log := logger.FromContext(ctx)

	o.notify(ctx, domain.Event{Name: domain.EventCandidateReceived, RunID: state.RunID, Candidate: &c})

	run := o.startRun(ctx, state)

	if err := o.ingestPipeline().Execute(ctx, state); err != nil {
		return o.failed(ctx, state, run, err)
	}

	o.finishRun(ctx, state, run, nil)
	o.countOutcome(state)

	if state.Inserted {
		o.notify(ctx, domain.Event{Name: domain.EventReceiptPersisted, RunID: state.RunID, Candidate: &c, Receipt: state.Receipt, Inserted: true})
	}

	log.Info().
		Str("state", string(state.Stage)).
		Str("receipt_id", state.Receipt.ID).
		Bool("inserted", state.Inserted).
		Msg("Candidate processed")

	return o.outcome(state), nil
}

// Reextract repeats extraction and normalization for a stored receipt and
// overwrites its derived fields and duplicate key in place. A failure marks the
// receipt failed with the error message.
func (o *Orchestrator) Reextract(ctx context.Context, id string) (*Outcome, error) {
	target, err := withTimeout(ctx, o.cfg.PersistTimeout, func(ctx context.Context) (*domain.Receipt, error) {
		return o.deps.Repository.Get(ctx, id)
	})
	if err != nil {
		return nil, fmt.Errorf("Reextract: loading receipt %s: %w", id, err)
	}

	c := domain.Candidate{
		Source:       target.SourcePlatform,
		RawText:      target.RawText,
		MediaRefs:    target.MediaRefs,
		SourceChatID: target.SourceChatID,
		MessageID:    target.MessageID,
		ReceivedAt:   target.IngestAt,
	}
	state := &PipelineState{
		RunID:     uuid.NewString(),
		Kind:      domain.RunReextract,
		Candidate: &c,
		Target:    target,
		Stage:     StateReceived,
	}
	ctx = o.runLogger(ctx, state)

	run := o.startRun(ctx, state)

	if err := o.reextractPipeline().Execute(ctx, state); err != nil {
		return o.failed(ctx, state, run, err)
	}

	o.finishRun(ctx, state, run, nil)
	o.countOutcome(state)
	if state.Stage == StatePersisted {
		o.notify(ctx, domain.Event{Name: domain.EventReceiptPersisted, RunID: state.RunID, Candidate: &c, Receipt: state.Receipt})
	}

	log := logger.FromContext(ctx)
	log.Info().
		Str("state", string(state.Stage)).
		Str("parse_status", string(state.Receipt.ParseStatus)).
		Msg("Receipt re-extracted")

	return o.outcome(state), nil
}

func (o *Orchestrator) runLogger(ctx context.Context, state *PipelineState) context.Context {
	l := logger.FromContext(ctx).With().
		Str("run_id", state.RunID).
		Str("run_kind", string(state.Kind)).
		Str("source", string(state.Candidate.Source)).
		Str("message_id", state.Candidate.MessageID).
		Logger()
	return logger.WithContext(ctx, l)
}

// failed records a failed run. For re-extraction the stored receipt is marked failed.
func (o *Orchestrator) failed(ctx context.Context, state *PipelineState, run *domain.ExtractionRun, err error) (*Outcome, error) {
	failedAt := state.Stage
	state.Stage = StateFailed
	msg := domain.TruncateError(err)

	log := logger.FromContext(ctx)
	log.Error().Err(err).Str("stage", string(failedAt)).Msg("Pipeline run failed")

	if state.Target != nil {
		r := *state.Target
		r.ParseStatus = domain.ParseStatusFailed
		r.Error = msg
		r.UpdatedAt = o.now().UTC()
		if _, uerr := withTimeout(context.WithoutCancel(ctx), o.cfg.PersistTimeout, func(ctx context.Context) (*domain.Receipt, error) {
			return nil, o.deps.Repository.Update(ctx, &r)
		}); uerr != nil {
			log.Error().Err(uerr).Msg("Failed to mark receipt failed")
		} else {
			state.Receipt = &r
		}
	} else {
		state.Receipt = nil
	}

	o.finishRun(ctx, state, run, err)
	o.countOutcome(state)
	o.notify(ctx, domain.Event{
		Name:      domain.EventReceiptFailed,
		RunID:     state.RunID,
		Candidate: state.Candidate,
		Receipt:   state.Receipt,
		Stage:     string(failedAt),
		Error:     msg,
	})

	return o.outcome(state), err
}

func (o *Orchestrator) startRun(ctx context.Context, state *PipelineState) *domain.ExtractionRun {
	if o.deps.Runs == nil {
		return nil
	}
	run := &domain.ExtractionRun{
		ID:           state.RunID,
		Kind:         state.Kind,
		Source:       state.Candidate.Source,
		SourceChatID: state.Candidate.SourceChatID,
		MessageID:    state.Candidate.MessageID,
		Status:       domain.RunRunning,
		Stage:        string(state.Stage),
		StartedAt:    o.now().UTC(),
	}
	if state.Target != nil {
		run.ReceiptID = state.Target.ID
	}
	if _, err := withTimeout(ctx, o.cfg.PersistTimeout, func(ctx context.Context) (*domain.Receipt, error) {
		return nil, o.deps.Runs.StartRun(ctx, run)
	}); err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Msg("Failed to start extraction run, continuing without run log")
		return nil
	}
	return run
}

// finishRun closes the run record. Errors are logged only.
func (o *Orchestrator) finishRun(ctx context.Context, state *PipelineState, run *domain.ExtractionRun, runErr error) {
	if run == nil {
		return
	}
	finished := o.now().UTC()
	run.FinishedAt = &finished
	run.Stage = string(state.Stage)

	switch {
	case runErr != nil:
		run.Status = domain.RunFailed
		run.Error = domain.TruncateError(runErr)
	case state.Stage == StateDuplicate:
		run.Status = domain.RunDuplicate
	default:
		run.Status = domain.RunSuccess
	}
	if state.Receipt != nil {
		run.ReceiptID = state.Receipt.ID
	}
	if res := state.Result; res != nil {
		run.Model = res.Model
		run.Format = string(res.Format)
		run.Attempts = res.Attempts
		run.TokensInput = res.TokensInput
		run.TokensOutput = res.TokensOutput
	} else {
		run.Attempts = attemptsOf(runErr)
	}
	run.Tier = string(state.Tier)

	if _, err := withTimeout(context.WithoutCancel(ctx), o.cfg.PersistTimeout, func(ctx context.Context) (*domain.Receipt, error) {
		return nil, o.deps.Runs.FinishRun(ctx, run)
	}); err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Str("status", string(run.Status)).Msg("Failed to finish extraction run")
	}
}

func attemptsOf(err error) int {
	var eerr *domain.ExtractionError
	if errors.As(err, &eerr) {
		return eerr.Attempts
	}
	return 0
}

func (o *Orchestrator) outcome(state *PipelineState) *Outcome {
	out := &Outcome{
		RunID:    state.RunID,
		State:    state.Stage,
		Receipt:  state.Receipt,
		Inserted: state.Inserted,
	}
	if state.Result != nil {
		out.Attempts = state.Result.Attempts
	}
	return out
}

func (o *Orchestrator) notify(ctx context.Context, evt domain.Event) {
	if o.deps.Notifier == nil {
		return
	}
	if evt.At.IsZero() {
		evt.At = o.now().UTC()
	}
	o.deps.Notifier.Publish(ctx, evt)
}

func (o *Orchestrator) observeStage(stage State, d time.Duration) {
	if o.deps.Metrics != nil {
		o.deps.Metrics.ObserveStage(stage, d)
	}
}

func (o *Orchestrator) countOutcome(state *PipelineState) {
	if o.deps.Metrics != nil {
		o.deps.Metrics.CountOutcome(state.Kind, state.Stage)
	}
}
