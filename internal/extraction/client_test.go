package extraction

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worq1337/parcer/internal/domain"
)

const validJSON = `{"event_type":"payment","amount":200000,"currency":"UZS","sign":-1,"ts_event":"2025-04-04T18:46:00Z","confidence":0.95}`

type call struct {
	req    Request
	format Format
}

// fakeProvider answers with the scripted replies in order and records every call.
type fakeProvider struct {
	mu      sync.Mutex
	calls   []call
	replies []func() (*Response, error)
	// GenerateFunc, when set, replaces the scripted replies.
	GenerateFunc func(ctx context.Context, req Request, format Format) (*Response, error)
}

func (f *fakeProvider) Generate(ctx context.Context, req Request, format Format) (*Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{req: req, format: format})
	n := len(f.calls)
	f.mu.Unlock()

	if f.GenerateFunc != nil {
		return f.GenerateFunc(ctx, req, format)
	}
	if n > len(f.replies) {
		return nil, errors.New("unexpected call")
	}
	return f.replies[n-1]()
}

func ok(text string) func() (*Response, error) {
	return func() (*Response, error) { return &Response{Text: text, TokensInput: 10, TokensOutput: 5}, nil }
}

func fail(kind ProviderErrorKind, retryAfter time.Duration) func() (*Response, error) {
	return func() (*Response, error) {
		return nil, &ProviderError{Kind: kind, RetryAfter: retryAfter, Err: errors.New(string(kind))}
	}
}

type sleepRecorder struct {
	waits []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return ctx.Err()
}

type recordingObserver struct {
	outcomes []string
}

func (o *recordingObserver) ObserveAttempt(model string, format Format, outcome string, d time.Duration) {
	o.outcomes = append(o.outcomes, outcome)
}

func newTestClient(p Provider, rec *sleepRecorder, opts ...Option) *Client {
	opts = append([]Option{WithSleep(rec.sleep)}, opts...)
	return NewClient(p, Config{MaxRetries: 3, BackoffBase: 100 * time.Millisecond, MaxBackoff: 5 * time.Second}, opts...)
}

func TestExtract_FirstAttemptSucceeds(t *testing.T) {
	p := &fakeProvider{replies: []func() (*Response, error){ok(validJSON)}}
	rec := &sleepRecorder{}
	obs := &recordingObserver{}

	res, err := newTestClient(p, rec, WithObserver(obs)).Extract(context.Background(), Input{Text: "Oplata 200000 UZS"}, TierFast)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, FormatStrict, res.Format)
	assert.Equal(t, DefaultModelFast, res.Model)
	assert.Equal(t, 200000.0, res.Amount)
	assert.Equal(t, int64(10), res.TokensInput)
	assert.Empty(t, rec.waits)
	assert.Equal(t, []string{"ok"}, obs.outcomes)
}

func TestExtract_RateLimitedThenSuccess(t *testing.T) {
	p := &fakeProvider{replies: []func() (*Response, error){
		fail(KindRateLimited, 2*time.Second),
		fail(KindRateLimited, 0),
		ok(validJSON),
	}}
	rec := &sleepRecorder{}

	res, err := newTestClient(p, rec).Extract(context.Background(), Input{Text: "Oplata"}, TierFast)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Attempts)
	// Advisory wait first, generic backoff for the second failure.
	assert.Equal(t, []time.Duration{2 * time.Second, 200 * time.Millisecond}, rec.waits)
	assert.Len(t, p.calls, 3)
}

func TestExtract_AdvisoryWaitIsCapped(t *testing.T) {
	p := &fakeProvider{replies: []func() (*Response, error){
		fail(KindRateLimited, time.Hour),
		ok(validJSON),
	}}
	rec := &sleepRecorder{}

	_, err := newTestClient(p, rec).Extract(context.Background(), Input{Text: "Oplata"}, TierFast)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{5 * time.Second}, rec.waits)
}

func TestExtract_SchemaUnsupportedDowngradesOnce(t *testing.T) {
	p := &fakeProvider{replies: []func() (*Response, error){
		fail(KindSchemaUnsupported, 0),
		ok(validJSON),
	}}
	rec := &sleepRecorder{}

	res, err := newTestClient(p, rec).Extract(context.Background(), Input{Text: "Oplata"}, TierFast)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, FormatLoose, res.Format)
	require.Len(t, p.calls, 2)
	assert.Equal(t, FormatStrict, p.calls[0].format)
	assert.Equal(t, FormatLoose, p.calls[1].format)
	assert.Equal(t, p.calls[0].req, p.calls[1].req, "request is not rebuilt between attempts")
	assert.Empty(t, rec.waits, "downgrade retries immediately")
}

func TestExtract_LooseModeStaysAfterDowngrade(t *testing.T) {
	p := &fakeProvider{replies: []func() (*Response, error){
		fail(KindSchemaUnsupported, 0),
		fail(KindTransient, 0),
		ok(validJSON),
	}}
	rec := &sleepRecorder{}

	res, err := newTestClient(p, rec).Extract(context.Background(), Input{Text: "Oplata"}, TierFast)
	require.NoError(t, err)

	assert.Equal(t, FormatLoose, res.Format)
	assert.Equal(t, FormatLoose, p.calls[2].format)
	assert.Equal(t, []time.Duration{200 * time.Millisecond}, rec.waits)
}

func TestExtract_MalformedIsNotRetried(t *testing.T) {
	p := &fakeProvider{replies: []func() (*Response, error){ok("I could not find a transaction.")}}
	rec := &sleepRecorder{}
	obs := &recordingObserver{}

	_, err := newTestClient(p, rec, WithObserver(obs)).Extract(context.Background(), Input{Text: "hello"}, TierFast)
	require.Error(t, err)

	var eerr *domain.ExtractionError
	require.True(t, errors.As(err, &eerr))
	assert.Equal(t, domain.ExtractionMalformed, eerr.Kind)
	assert.Equal(t, 1, eerr.Attempts)
	assert.Len(t, p.calls, 1)
	assert.Equal(t, []string{"malformed"}, obs.outcomes)
}

func TestExtract_SchemaRejected(t *testing.T) {
	p := &fakeProvider{replies: []func() (*Response, error){ok(`{"event_type":"payment","currency":"UZS","sign":-1,"ts_event":"2025-04-04T18:46:00Z"}`)}}

	_, err := newTestClient(p, &sleepRecorder{}).Extract(context.Background(), Input{Text: "hello"}, TierFast)

	var eerr *domain.ExtractionError
	require.True(t, errors.As(err, &eerr))
	assert.Equal(t, domain.ExtractionSchemaRejected, eerr.Kind)

	var verr *domain.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "amount", verr.Field)
}

func TestExtract_ExhaustedRetries(t *testing.T) {
	p := &fakeProvider{replies: []func() (*Response, error){
		fail(KindTransient, 0),
		fail(KindTransient, 0),
		fail(KindTransient, 0),
	}}
	rec := &sleepRecorder{}

	_, err := newTestClient(p, rec).Extract(context.Background(), Input{Text: "hello"}, TierFast)

	var eerr *domain.ExtractionError
	require.True(t, errors.As(err, &eerr))
	assert.Equal(t, domain.ExtractionUnavailable, eerr.Kind)
	assert.Equal(t, 3, eerr.Attempts)
	assert.Len(t, p.calls, 3)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, rec.waits)
}

func TestExtract_PermanentErrorStops(t *testing.T) {
	p := &fakeProvider{replies: []func() (*Response, error){fail(KindPermanent, 0)}}

	_, err := newTestClient(p, &sleepRecorder{}).Extract(context.Background(), Input{Text: "hello"}, TierFast)

	var eerr *domain.ExtractionError
	require.True(t, errors.As(err, &eerr))
	assert.Equal(t, domain.ExtractionUnavailable, eerr.Kind)
	assert.Len(t, p.calls, 1)
}

func TestExtract_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &fakeProvider{}

	_, err := newTestClient(p, &sleepRecorder{}).Extract(ctx, Input{Text: "hello"}, TierFast)

	var eerr *domain.ExtractionError
	require.True(t, errors.As(err, &eerr))
	assert.Equal(t, domain.ExtractionUnavailable, eerr.Kind)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, p.calls)
}

func TestExtract_AttemptTimeoutIsTransient(t *testing.T) {
	var n int
	p := &fakeProvider{GenerateFunc: func(ctx context.Context, req Request, format Format) (*Response, error) {
		n++
		if n == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &Response{Text: validJSON}, nil
	}}
	rec := &sleepRecorder{}
	c := NewClient(p, Config{MaxRetries: 2, BackoffBase: time.Millisecond, AttemptTimeout: 10 * time.Millisecond}, WithSleep(rec.sleep))

	res, err := c.Extract(context.Background(), Input{Text: "hello"}, TierFast)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
}

func TestBuildRequest_ModelSelection(t *testing.T) {
	c := NewClient(&fakeProvider{}, Config{ModelFast: "fast", ModelPowerful: "pro", ModelVision: "vision"})

	tests := []struct {
		name  string
		in    Input
		tier  Tier
		model string
	}{
		{name: "fast text", in: Input{Text: "x"}, tier: TierFast, model: "fast"},
		{name: "powerful text", in: Input{Text: "x"}, tier: TierPowerful, model: "pro"},
		{name: "image", in: Input{ImageRef: "gs://b/o.jpg", ImageHint: "PAYME 10000"}, tier: TierFast, model: "vision"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := c.BuildRequest(tt.in, tt.tier)
			assert.Equal(t, tt.model, req.Model)
			assert.Zero(t, req.Temperature)
		})
	}

	img := c.BuildRequest(Input{ImageRef: "gs://b/o.jpg", ImageHint: "PAYME 10000", Text: "caption"}, TierFast)
	assert.Equal(t, imageSystemPrompt, img.System)
	assert.Contains(t, img.Prompt, "PAYME 10000")
	assert.Contains(t, img.Prompt, "caption")
	assert.Equal(t, "gs://b/o.jpg", img.ImageRef)
}

func TestBackoff(t *testing.T) {
	c := NewClient(&fakeProvider{}, Config{BackoffBase: time.Second, MaxBackoff: 5 * time.Second})

	assert.Equal(t, time.Second, c.Backoff(1))
	assert.Equal(t, 2*time.Second, c.Backoff(2))
	assert.Equal(t, 4*time.Second, c.Backoff(3))
	assert.Equal(t, 5*time.Second, c.Backoff(4))
	assert.Equal(t, 5*time.Second, c.Backoff(80))
}
