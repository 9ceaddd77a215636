package pipeline_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worq1337/parcer/internal/dedupe"
	"github.com/worq1337/parcer/internal/domain"
	"github.com/worq1337/parcer/internal/extraction"
	"github.com/worq1337/parcer/internal/normalize"
	"github.com/worq1337/parcer/internal/operators"
	"github.com/worq1337/parcer/internal/pipeline"
)

const scenarioText = "Payment 50000 UZS card *1234 OQ P2P>TASHKENT 2025-04-04 18:46"

var scenarioTS = time.Date(2025, 4, 4, 18, 46, 0, 0, time.UTC)

func scenarioResult() domain.ExtractionResult {
	confidence := 0.95
	return domain.ExtractionResult{
		EventType:   domain.EventPayment,
		Amount:      50000,
		Currency:    "UZS",
		Sign:        -1,
		CardMask:    domain.StringPtr("*1234"),
		OperatorRaw: domain.StringPtr("OQ P2P>TASHKENT"),
		TSEvent:     scenarioTS,
		Confidence:  &confidence,
	}
}

func resultOf(res domain.ExtractionResult) *extraction.Result {
	return &extraction.Result{
		ExtractionResult: &res,
		Attempts:         1,
		Format:           extraction.FormatStrict,
		Model:            "test-model",
		RawJSON:          `{"event_type":"payment"}`,
	}
}

func staticExtractor(res domain.ExtractionResult) *mockExtractor {
	return &mockExtractor{ExtractFunc: func(ctx context.Context, in extraction.Input, tier extraction.Tier) (*extraction.Result, error) {
		return resultOf(res), nil
	}}
}

type fixture struct {
	repo     *memRepo
	runs     *mockRuns
	notifier *mockNotifier
	metrics  *mockMetrics
	orch     *pipeline.Orchestrator
}

func newFixture(t *testing.T, ext pipeline.Extractor, ocr pipeline.TextRecognizer) *fixture {
	t.Helper()
	reg, err := operators.Load(context.Background(), "")
	require.NoError(t, err)

	f := &fixture{
		repo:     newMemRepo(),
		runs:     newMockRuns(),
		notifier: &mockNotifier{},
		metrics:  newMockMetrics(),
	}
	deps := pipeline.Deps{
		Repository: f.repo,
		Runs:       f.runs,
		Extractor:  ext,
		Normalizer: normalize.NewNormalizer(operators.NewHolder(reg, "")),
		Keys:       dedupe.NewComputer(dedupe.DefaultWindow),
		Notifier:   f.notifier,
		Metrics:    f.metrics,
	}
	if ocr != nil {
		deps.OCR = ocr
	}
	f.orch, err = pipeline.NewOrchestrator(deps, pipeline.Config{})
	require.NoError(t, err)
	return f
}

func textCandidate(text string) domain.Candidate {
	return domain.Candidate{Source: domain.SourceAPI, RawText: text, ReceivedAt: scenarioTS}
}

func TestNewOrchestrator_RequiresDeps(t *testing.T) {
	_, err := pipeline.NewOrchestrator(pipeline.Deps{}, pipeline.Config{})
	assert.Error(t, err)
}

func TestIngest_IdenticalTextTwice(t *testing.T) {
	f := newFixture(t, staticExtractor(scenarioResult()), nil)
	ctx := context.Background()

	first, err := f.orch.Ingest(ctx, textCandidate(scenarioText))
	require.NoError(t, err)
	assert.True(t, first.Inserted)
	assert.Equal(t, pipeline.StatePersisted, first.State)

	r := first.Receipt
	assert.Equal(t, domain.ParseStatusOK, r.ParseStatus)
	assert.Equal(t, "UZS", r.Currency)
	assert.Equal(t, domain.StringPtr("***1234"), r.CardMask)
	assert.Equal(t, domain.StringPtr("OQ P2P>TASHKENT"), r.OperatorCanon)
	assert.Len(t, r.DuplicateKey, dedupe.KeyLength)
	assert.Equal(t, "test-model", r.Model)

	second, err := f.orch.Ingest(ctx, textCandidate(scenarioText))
	require.NoError(t, err)
	assert.False(t, second.Inserted)
	assert.Equal(t, pipeline.StateDuplicate, second.State)
	assert.Equal(t, r.ID, second.Receipt.ID)
	assert.Equal(t, r.IngestAt, second.Receipt.IngestAt)
	assert.Equal(t, 1, f.repo.count())

	assert.Equal(t, []domain.EventName{
		domain.EventCandidateReceived, domain.EventReceiptExtracted, domain.EventReceiptPersisted,
	}, f.notifier.names(first.RunID))
	assert.Equal(t, []domain.EventName{
		domain.EventCandidateReceived, domain.EventReceiptExtracted,
	}, f.notifier.names(second.RunID))

	assert.Equal(t, domain.RunSuccess, f.runs.get(first.RunID).Status)
	assert.Equal(t, domain.RunDuplicate, f.runs.get(second.RunID).Status)
	assert.Len(t, f.runs.outputs, 2)
	assert.Equal(t, 1, f.metrics.outcomes[pipeline.StatePersisted])
	assert.Equal(t, 1, f.metrics.outcomes[pipeline.StateDuplicate])
}

func TestIngest_RedeliveredMessageMatchesByMessageID(t *testing.T) {
	calls := 0
	ext := &mockExtractor{ExtractFunc: func(ctx context.Context, in extraction.Input, tier extraction.Tier) (*extraction.Result, error) {
		calls++
		res := scenarioResult()
		// The service answers differently on redelivery.
		res.Amount = float64(50000 * calls)
		return resultOf(res), nil
	}}
	f := newFixture(t, ext, nil)

	c := textCandidate(scenarioText)
	c.Source = domain.SourceMessaging
	c.SourceChatID = "-100200"
	c.MessageID = "42"

	first, err := f.orch.Ingest(context.Background(), c)
	require.NoError(t, err)
	require.True(t, first.Inserted)

	second, err := f.orch.Ingest(context.Background(), c)
	require.NoError(t, err)
	assert.False(t, second.Inserted)
	assert.Equal(t, first.Receipt.ID, second.Receipt.ID)
	assert.Equal(t, 50000.0, second.Receipt.Amount, "existing record is returned unchanged")
}

func TestIngest_RateLimitedTwiceThenSucceeds(t *testing.T) {
	n := 0
	provider := providerFunc(func(ctx context.Context, req extraction.Request, format extraction.Format) (*extraction.Response, error) {
		n++
		if n <= 2 {
			return nil, &extraction.ProviderError{Kind: extraction.KindRateLimited, RetryAfter: time.Second, Err: errors.New("429")}
		}
		return &extraction.Response{Text: scenarioJSON}, nil
	})
	client := extraction.NewClient(provider, extraction.Config{MaxRetries: 3}, extraction.WithSleep(noSleep))
	f := newFixture(t, client, nil)

	out, err := f.orch.Ingest(context.Background(), textCandidate(scenarioText))
	require.NoError(t, err)

	assert.Equal(t, domain.ParseStatusOK, out.Receipt.ParseStatus)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, 3, out.Receipt.Attempts)
	assert.Equal(t, 3, f.runs.get(out.RunID).Attempts)
}

func TestIngest_StrictSchemaRejectedDowngradesOnce(t *testing.T) {
	var formats []extraction.Format
	provider := providerFunc(func(ctx context.Context, req extraction.Request, format extraction.Format) (*extraction.Response, error) {
		formats = append(formats, format)
		if format == extraction.FormatStrict {
			return nil, &extraction.ProviderError{Kind: extraction.KindSchemaUnsupported, Err: errors.New("response_schema not supported")}
		}
		return &extraction.Response{Text: scenarioJSON}, nil
	})
	client := extraction.NewClient(provider, extraction.Config{MaxRetries: 3}, extraction.WithSleep(noSleep))
	f := newFixture(t, client, nil)

	out, err := f.orch.Ingest(context.Background(), textCandidate(scenarioText))
	require.NoError(t, err)

	assert.True(t, out.Inserted)
	assert.Equal(t, []extraction.Format{extraction.FormatStrict, extraction.FormatLoose}, formats)
	assert.Equal(t, string(extraction.FormatLoose), f.runs.get(out.RunID).Format)
}

func TestIngest_SameFieldsDifferentTextWithinMinute(t *testing.T) {
	tests := []struct {
		name      string
		secondTS  time.Time
		duplicate bool
	}{
		{name: "same minute", secondTS: scenarioTS.Add(50 * time.Second), duplicate: true},
		{name: "next minute", secondTS: scenarioTS.Add(61 * time.Second), duplicate: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := []time.Time{scenarioTS.Add(5 * time.Second), tt.secondTS}
			i := 0
			ext := &mockExtractor{ExtractFunc: func(ctx context.Context, in extraction.Input, tier extraction.Tier) (*extraction.Result, error) {
				res := scenarioResult()
				res.TSEvent = ts[i]
				i++
				return resultOf(res), nil
			}}
			f := newFixture(t, ext, nil)

			first, err := f.orch.Ingest(context.Background(), textCandidate("Списание 50 000 UZS *1234 OQ P2P>TASHKENT"))
			require.NoError(t, err)
			second, err := f.orch.Ingest(context.Background(), textCandidate("Payment 50000.00 UZS card *1234 OQ P2P>TASHKENT"))
			require.NoError(t, err)

			assert.True(t, first.Inserted)
			assert.Equal(t, !tt.duplicate, second.Inserted)
			if tt.duplicate {
				assert.Equal(t, first.Receipt.ID, second.Receipt.ID)
			}
		})
	}
}

func TestIngest_LateDuplicateOnConstraintViolation(t *testing.T) {
	f := newFixture(t, staticExtractor(scenarioResult()), nil)
	ctx := context.Background()

	first, err := f.orch.Ingest(ctx, textCandidate(scenarioText))
	require.NoError(t, err)

	// Both dedupe lookups miss, as if the first insert had not committed yet.
	f.repo.hideLookups = 2
	second, err := f.orch.Ingest(ctx, textCandidate(scenarioText))
	require.NoError(t, err)

	assert.False(t, second.Inserted)
	assert.Equal(t, pipeline.StateDuplicate, second.State)
	assert.Equal(t, first.Receipt.ID, second.Receipt.ID)
	assert.Equal(t, domain.RunDuplicate, f.runs.get(second.RunID).Status)
	assert.Equal(t, 1, f.repo.count())
}

func TestIngest_ConcurrentDuplicatesInsertOnce(t *testing.T) {
	f := newFixture(t, staticExtractor(scenarioResult()), nil)

	const workers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.orch.Ingest(context.Background(), textCandidate(scenarioText))
			if !assert.NoError(t, err) {
				return
			}
			if out.Inserted {
				mu.Lock()
				inserted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, inserted)
	assert.Equal(t, 1, f.repo.count())
}

func TestIngest_ExtractionFailure(t *testing.T) {
	ext := &mockExtractor{ExtractFunc: func(ctx context.Context, in extraction.Input, tier extraction.Tier) (*extraction.Result, error) {
		return nil, &domain.ExtractionError{Kind: domain.ExtractionUnavailable, Attempts: 3, Err: errors.New("503")}
	}}
	f := newFixture(t, ext, nil)

	out, err := f.orch.Ingest(context.Background(), textCandidate(scenarioText))
	require.Error(t, err)

	var eerr *domain.ExtractionError
	require.True(t, errors.As(err, &eerr))
	assert.Equal(t, domain.ExtractionUnavailable, eerr.Kind)

	assert.Equal(t, pipeline.StateFailed, out.State)
	assert.Nil(t, out.Receipt)
	assert.Zero(t, f.repo.count())

	evt := f.notifier.last()
	assert.Equal(t, domain.EventReceiptFailed, evt.Name)
	assert.Equal(t, string(pipeline.StateExtracting), evt.Stage)
	assert.NotEmpty(t, evt.Error)

	run := f.runs.get(out.RunID)
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Equal(t, 3, run.Attempts)
	assert.NotEmpty(t, run.Error)
}

func TestIngest_EmptyCandidateRejected(t *testing.T) {
	ext := staticExtractor(scenarioResult())
	f := newFixture(t, ext, nil)

	_, err := f.orch.Ingest(context.Background(), textCandidate("   "))

	var verr *domain.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, domain.MissingRequiredField, verr.Kind)
	assert.Zero(t, ext.calls())
}

func TestIngest_PersistenceUnavailable(t *testing.T) {
	f := newFixture(t, staticExtractor(scenarioResult()), nil)
	f.repo.InsertErr = errors.New("database is locked")

	out, err := f.orch.Ingest(context.Background(), textCandidate(scenarioText))
	require.Error(t, err)

	var perr *domain.PersistenceError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, domain.PersistenceUnavailable, perr.Kind)
	assert.Equal(t, pipeline.StateFailed, out.State)
	assert.Equal(t, string(pipeline.StatePersisting), f.notifier.last().Stage)
}

func TestIngest_RunLogUnavailable(t *testing.T) {
	ext := staticExtractor(scenarioResult())
	f := newFixture(t, ext, nil)
	f.runs.StartRunFunc = func(ctx context.Context, run *domain.ExtractionRun) error {
		return errors.New("database is locked")
	}

	out, err := f.orch.Ingest(context.Background(), textCandidate(scenarioText))
	require.NoError(t, err)

	assert.Equal(t, pipeline.StatePersisted, out.State)
	assert.True(t, out.Inserted)
	assert.Equal(t, 1, ext.calls())
	assert.Equal(t, 1, f.repo.count())
	assert.Empty(t, f.runs.get(out.RunID).ID)
}

func TestIngest_ImagePathOCRHint(t *testing.T) {
	tests := []struct {
		name     string
		ocr      *mockOCR
		wantHint string
	}{
		{
			name: "confident text is passed as hint",
			ocr: &mockOCR{RecognizeFunc: func(ctx context.Context, ref string) (string, float64, error) {
				return "PAYME 50 000 UZS", 87, nil
			}},
			wantHint: "PAYME 50 000 UZS",
		},
		{
			name: "low confidence text is not used",
			ocr: &mockOCR{RecognizeFunc: func(ctx context.Context, ref string) (string, float64, error) {
				return "P@YM3 5O OOO", 12, nil
			}},
		},
		{
			name: "OCR failure falls back to the image",
			ocr: &mockOCR{RecognizeFunc: func(ctx context.Context, ref string) (string, float64, error) {
				return "", 0, errors.New("connection refused")
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ext := staticExtractor(scenarioResult())
			f := newFixture(t, ext, tt.ocr)

			c := domain.Candidate{Source: domain.SourceMessaging, MediaRefs: []string{"gs://receipts/a.jpg"}}
			out, err := f.orch.Ingest(context.Background(), c)
			require.NoError(t, err)
			assert.True(t, out.Inserted)

			require.Equal(t, 1, ext.calls())
			assert.Equal(t, "gs://receipts/a.jpg", ext.inputs[0].ImageRef)
			assert.Equal(t, tt.wantHint, ext.inputs[0].ImageHint)
			assert.Equal(t, []string{"gs://receipts/a.jpg"}, out.Receipt.MediaRefs)
		})
	}
}

func TestIngest_NeedsReview(t *testing.T) {
	low := 0.5
	tests := []struct {
		name   string
		mutate func(r *domain.ExtractionResult)
		want   domain.ParseStatus
	}{
		{name: "confident", mutate: func(r *domain.ExtractionResult) {}, want: domain.ParseStatusOK},
		{name: "no confidence reported", mutate: func(r *domain.ExtractionResult) { r.Confidence = nil }, want: domain.ParseStatusOK},
		{name: "low confidence", mutate: func(r *domain.ExtractionResult) { r.Confidence = &low }, want: domain.ParseStatusNeedsReview},
		{name: "unparseable amount", mutate: func(r *domain.ExtractionResult) { r.AmountText = "n/a" }, want: domain.ParseStatusNeedsReview},
		{name: "zero amount text", mutate: func(r *domain.ExtractionResult) { r.AmountText = "0" }, want: domain.ParseStatusNeedsReview},
		{name: "negative amount text", mutate: func(r *domain.ExtractionResult) { r.AmountText = "-500" }, want: domain.ParseStatusNeedsReview},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := scenarioResult()
			tt.mutate(&res)
			f := newFixture(t, staticExtractor(res), nil)

			out, err := f.orch.Ingest(context.Background(), textCandidate(scenarioText))
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Receipt.ParseStatus)
			assert.GreaterOrEqual(t, out.Receipt.Amount, 0.0)
		})
	}
}

func TestReextract_OverwritesDerivedFields(t *testing.T) {
	amount := 50000.0
	ext := &mockExtractor{ExtractFunc: func(ctx context.Context, in extraction.Input, tier extraction.Tier) (*extraction.Result, error) {
		res := scenarioResult()
		res.Amount = amount
		return resultOf(res), nil
	}}
	f := newFixture(t, ext, nil)
	ctx := context.Background()

	first, err := f.orch.Ingest(ctx, textCandidate(scenarioText))
	require.NoError(t, err)

	amount = 55000
	out, err := f.orch.Reextract(ctx, first.Receipt.ID)
	require.NoError(t, err)

	assert.Equal(t, pipeline.StatePersisted, out.State)
	stored, err := f.repo.Get(ctx, first.Receipt.ID)
	require.NoError(t, err)
	assert.Equal(t, 55000.0, stored.Amount)
	assert.Equal(t, first.Receipt.IngestAt, stored.IngestAt)
	assert.Equal(t, first.Receipt.RawText, stored.RawText)
	assert.NotEqual(t, first.Receipt.DuplicateKey, stored.DuplicateKey)
	assert.Equal(t, 1, f.repo.count())
	assert.Equal(t, domain.RunReextract, f.runs.get(out.RunID).Kind)
}

func TestReextract_FailureMarksReceiptFailed(t *testing.T) {
	fail := false
	ext := &mockExtractor{ExtractFunc: func(ctx context.Context, in extraction.Input, tier extraction.Tier) (*extraction.Result, error) {
		if fail {
			return nil, &domain.ExtractionError{Kind: domain.ExtractionMalformed, Attempts: 1, Err: errors.New("not json")}
		}
		return resultOf(scenarioResult()), nil
	}}
	f := newFixture(t, ext, nil)
	ctx := context.Background()

	first, err := f.orch.Ingest(ctx, textCandidate(scenarioText))
	require.NoError(t, err)

	fail = true
	out, err := f.orch.Reextract(ctx, first.Receipt.ID)
	require.Error(t, err)
	assert.Equal(t, pipeline.StateFailed, out.State)

	stored, err := f.repo.Get(ctx, first.Receipt.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ParseStatusFailed, stored.ParseStatus)
	assert.Contains(t, stored.Error, "not json")
	assert.Equal(t, 50000.0, stored.Amount)
}

func TestReextract_CollisionMarksReceiptFailed(t *testing.T) {
	texts := map[string]float64{"first": 50000, "second": 70000}
	reextracting := false
	ext := &mockExtractor{ExtractFunc: func(ctx context.Context, in extraction.Input, tier extraction.Tier) (*extraction.Result, error) {
		res := scenarioResult()
		res.Amount = texts[in.Text]
		if reextracting {
			res.Amount = 50000
		}
		return resultOf(res), nil
	}}
	f := newFixture(t, ext, nil)
	ctx := context.Background()

	// Same text hash is needed for a full key collision, so the stored raw text
	// of the second receipt is rewritten to match the first.
	a, err := f.orch.Ingest(ctx, textCandidate("first"))
	require.NoError(t, err)
	b, err := f.orch.Ingest(ctx, textCandidate("second"))
	require.NoError(t, err)
	require.True(t, b.Inserted)

	stored, err := f.repo.Get(ctx, b.Receipt.ID)
	require.NoError(t, err)
	stored.RawText = "first"
	require.NoError(t, f.repo.Update(ctx, stored))

	reextracting = true
	out, err := f.orch.Reextract(ctx, b.Receipt.ID)
	require.NoError(t, err)

	assert.Equal(t, pipeline.StateDuplicate, out.State)
	assert.Equal(t, domain.ParseStatusFailed, out.Receipt.ParseStatus)
	assert.Contains(t, out.Receipt.Error, a.Receipt.ID)
}

func TestReextract_NotFound(t *testing.T) {
	f := newFixture(t, staticExtractor(scenarioResult()), nil)

	_, err := f.orch.Reextract(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

const scenarioJSON = `{"event_type":"payment","amount":50000,"currency":"UZS","sign":-1,` +
	`"card_mask":"*1234","operator_raw":"OQ P2P>TASHKENT","ts_event":"2025-04-04T18:46:00Z","confidence":0.9}`

type providerFunc func(ctx context.Context, req extraction.Request, format extraction.Format) (*extraction.Response, error)

func (f providerFunc) Generate(ctx context.Context, req extraction.Request, format extraction.Format) (*extraction.Response, error) {
	return f(ctx, req, format)
}

func noSleep(ctx context.Context, d time.Duration) error { return nil }
