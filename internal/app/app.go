// Package app assembles the service from configuration: storage backend,
// operator dictionary, extraction client, pipeline, event sinks and metrics.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/worq1337/parcer/internal/config"
	"github.com/worq1337/parcer/internal/dedupe"
	"github.com/worq1337/parcer/internal/domain"
	"github.com/worq1337/parcer/internal/events"
	"github.com/worq1337/parcer/internal/extraction"
	bq "github.com/worq1337/parcer/internal/infra/bigquery"
	"github.com/worq1337/parcer/internal/infra/sqlite"
	"github.com/worq1337/parcer/internal/logger"
	"github.com/worq1337/parcer/internal/media"
	"github.com/worq1337/parcer/internal/metrics"
	"github.com/worq1337/parcer/internal/normalize"
	"github.com/worq1337/parcer/internal/notionsync"
	"github.com/worq1337/parcer/internal/ocr"
	"github.com/worq1337/parcer/internal/operators"
	"github.com/worq1337/parcer/internal/pipeline"
)

// UploadPrefix is the object prefix for uploaded receipt images.
const UploadPrefix = "receipts"

// Store is everything the commands need from a storage backend.
type Store interface {
	pipeline.Repository
	pipeline.RunRecorder
	List(ctx context.Context, filter domain.ReceiptFilter) ([]*domain.Receipt, error)
	ListRuns(ctx context.Context, receiptID string) ([]*domain.ExtractionRun, error)
}

type sqliteStore struct {
	*sqlite.ReceiptRepository
	*sqlite.RunRepository
}

// OpenStore opens the configured backend. The returned func releases it.
func OpenStore(ctx context.Context, cfg *config.Config) (Store, func() error, error) {
	switch cfg.StorageBackend {
	case config.BackendSQLite:
		db, err := sqlite.Open(ctx, cfg.DatabasePath)
		if err != nil {
			return nil, nil, fmt.Errorf("OpenStore: %w", err)
		}
		return sqliteStore{sqlite.NewReceiptRepository(db), sqlite.NewRunRepository(db)}, db.Close, nil
	case config.BackendBigQuery:
		repo, err := bq.NewRepository(ctx, bq.Tables{Project: cfg.BQProject, Dataset: cfg.BQDataset})
		if err != nil {
			return nil, nil, fmt.Errorf("OpenStore: %w", err)
		}
		return repo, repo.Close, nil
	default:
		return nil, nil, fmt.Errorf("OpenStore: unknown backend %q", cfg.StorageBackend)
	}
}

// App holds the assembled components. Orchestrator is nil when no
// extraction API key is configured.
type App struct {
	Config       *config.Config
	Store        Store
	Operators    *operators.Holder
	Orchestrator *pipeline.Orchestrator
	Bus          *events.Bus
	Metrics      *metrics.Collectors
	Uploader     *media.Uploader

	closers []func() error
}

// New builds the application. Optional integrations (object storage, OCR,
// Notion) are skipped with a warning when not configured.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	log := logger.FromContext(ctx)
	a := &App{Config: cfg, Metrics: metrics.New()}

	store, closeStore, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Store = store
	a.closers = append(a.closers, closeStore)

	reg, err := operators.Load(ctx, cfg.OperatorsFile)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("New: loading operators: %w", err)
	}
	a.Operators = operators.NewHolder(reg, cfg.OperatorsFile)

	var objects media.ObjectStore
	if cfg.GCSBucket != "" {
		gcs, err := media.NewGCSStore(ctx)
		if err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("New: %w", err)
		}
		a.closers = append(a.closers, gcs.Close)
		objects = gcs
		a.Uploader = media.NewUploader(gcs, cfg.GCSBucket, UploadPrefix)
	} else {
		log.Warn().Msg("GCS_BUCKET not set, gs:// images and uploads are disabled")
	}
	fetcher := media.NewFetcher(objects, &http.Client{Timeout: 30 * time.Second})

	sinks := []events.Sink{events.LogSink{}, a.Metrics}
	if cfg.NotionToken != "" && cfg.NotionDatabaseID != "" {
		mirror := notionsync.NewMirror(notionsync.NewNotionClient(cfg.NotionToken), cfg.NotionDatabaseID)
		sinks = append(sinks, events.Only(mirror, domain.EventReceiptPersisted))
	}
	a.Bus = events.NewBus(events.DefaultBuffer, sinks...)

	if cfg.GeminiAPIKey == "" {
		log.Warn().Msg("GEMINI_API_KEY not set, ingestion is disabled")
		return a, nil
	}

	provider, err := extraction.NewGeminiProvider(ctx, cfg.GeminiAPIKey, fetcher)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("New: %w", err)
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	extractor := extraction.NewClient(provider, extraction.Config{
		MaxRetries:     cfg.MaxRetries,
		BackoffBase:    cfg.BackoffBase,
		AttemptTimeout: cfg.AttemptTimeout,
		ModelFast:      cfg.ModelFast,
		ModelPowerful:  cfg.ModelPowerful,
		ModelVision:    cfg.ModelVision,
		Limiter:        limiter,
	}, extraction.WithObserver(a.Metrics))

	deps := pipeline.Deps{
		Repository: store,
		Runs:       store,
		Extractor:  extractor,
		Normalizer: normalize.NewNormalizer(a.Operators),
		Keys:       dedupe.NewComputer(cfg.DedupWindow),
		Notifier:   a.Bus,
		Metrics:    a.Metrics,
	}
	if cfg.OCRURL != "" {
		deps.OCR = ocr.NewClient(cfg.OCRURL, fetcher, nil)
	}

	a.Orchestrator, err = pipeline.NewOrchestrator(deps, pipeline.Config{
		ReviewConfidence: cfg.ReviewConfidence,
		PersistTimeout:   cfg.PersistTimeout,
		OCRMinConfidence: cfg.OCRMinConfidence,
	})
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("New: %w", err)
	}
	return a, nil
}

// ErrIngestionDisabled is returned by commands that need the extraction service.
var ErrIngestionDisabled = fmt.Errorf("ingestion requires GEMINI_API_KEY: %w", domain.ErrDisabled)

// RequireOrchestrator returns the orchestrator or ErrIngestionDisabled.
func (a *App) RequireOrchestrator() (*pipeline.Orchestrator, error) {
	if a.Orchestrator == nil {
		return nil, ErrIngestionDisabled
	}
	return a.Orchestrator, nil
}

// Close drains the event bus and releases resources in reverse order.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Bus != nil {
		if err := a.Bus.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("closing event bus: %w", err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
