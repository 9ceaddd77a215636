package extraction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/worq1337/parcer/internal/domain"
	"github.com/worq1337/parcer/internal/logger"
)

// Defaults for the retry policy.
const (
	DefaultMaxRetries     = 3
	DefaultBackoffBase    = 400 * time.Millisecond
	DefaultMaxBackoff     = 30 * time.Second
	DefaultAttemptTimeout = 30 * time.Second
)

// Config tunes the client.
type Config struct {
	MaxRetries     int
	BackoffBase    time.Duration
	MaxBackoff     time.Duration // caps generic and advisory waits
	AttemptTimeout time.Duration

	ModelFast     string
	ModelPowerful string
	ModelVision   string

	// Limiter paces attempts across all calls sharing the client. Optional.
	Limiter *rate.Limiter
}

// Observer receives one call per finished attempt. Outcome is "ok" or a ProviderErrorKind
// or "malformed"/"schema_rejected".
type Observer interface {
	ObserveAttempt(model string, format Format, outcome string, d time.Duration)
}

// Result is a successful extraction plus call bookkeeping.
type Result struct {
	*domain.ExtractionResult
	Attempts     int
	Format       Format
	Model        string
	RawJSON      string
	TokensInput  int64
	TokensOutput int64
}

// Client invokes the extraction service with retries, backoff and format downgrade.
// It is safe for concurrent use.
type Client struct {
	provider Provider
	cfg      Config
	observer Observer
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option customizes a Client.
type Option func(*Client)

// WithObserver reports attempt outcomes to o.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// WithSleep replaces the wait function used between attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

// NewClient returns a client calling p.
func NewClient(p Provider, cfg Config, opts ...Option) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	if cfg.ModelFast == "" {
		cfg.ModelFast = DefaultModelFast
	}
	if cfg.ModelPowerful == "" {
		cfg.ModelPowerful = DefaultModelPowerful
	}
	if cfg.ModelVision == "" {
		cfg.ModelVision = DefaultModelVision
	}

	c := &Client{provider: p, cfg: cfg, sleep: sleepContext}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BuildRequest derives the immutable request for in and tier.
func (c *Client) BuildRequest(in Input, tier Tier) Request {
	model := c.cfg.ModelFast
	switch {
	case in.IsImage():
		model = c.cfg.ModelVision
	case tier == TierPowerful:
		model = c.cfg.ModelPowerful
	}
	return Request{
		Model:       model,
		Tier:        tier,
		System:      systemPrompt(in),
		Prompt:      userPrompt(in),
		ImageRef:    in.ImageRef,
		Temperature: 0,
	}
}

// Backoff is the generic wait after the given failed attempt (1-based):
// base, 2*base, 4*base ... capped at MaxBackoff.
func (c *Client) Backoff(failedAttempt int) time.Duration {
	d := c.cfg.BackoffBase << (failedAttempt - 1)
	if d <= 0 || d > c.cfg.MaxBackoff {
		return c.cfg.MaxBackoff
	}
	return d
}

// Extract runs the extraction for in at the given tier.
//
// Rate limits wait for the advertised duration (or the generic backoff) and
// retry. A rejected strict schema switches the rest of the call to loose JSON.
// Unparseable output fails immediately as Malformed; a parsed object missing
// required fields fails as SchemaRejected. Exhausted attempts fail as Unavailable.
func (c *Client) Extract(ctx context.Context, in Input, tier Tier) (*Result, error) {
	log := logger.FromContext(ctx)
	req := c.BuildRequest(in, tier)
	format := FormatStrict

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, unavailable(attempt-1, err)
		}
		if c.cfg.Limiter != nil {
			if err := c.cfg.Limiter.Wait(ctx); err != nil {
				return nil, unavailable(attempt-1, fmt.Errorf("Extract: waiting for limiter: %w", err))
			}
		}

		start := time.Now()
		resp, err := c.attempt(ctx, req, format)
		elapsed := time.Since(start)

		if err == nil {
			res, derr := decodeResult(resp.Text)
			if derr != nil {
				return nil, c.decodeFailure(req, format, attempt, elapsed, derr)
			}
			c.observe(req.Model, format, "ok", elapsed)
			model := resp.Model
			if model == "" {
				model = req.Model
			}
			return &Result{
				ExtractionResult: res,
				Attempts:         attempt,
				Format:           format,
				Model:            model,
				RawJSON:          cleanModelJSON(resp.Text),
				TokensInput:      resp.TokensInput,
				TokensOutput:     resp.TokensOutput,
			}, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return nil, unavailable(attempt, ctx.Err())
		}

		kind, retryAfter := kindOf(err)
		c.observe(req.Model, format, string(kind), elapsed)

		evt := log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", c.cfg.MaxRetries).
			Str("model", req.Model).
			Str("format", string(format)).
			Str("kind", string(kind))

		if kind == KindSchemaUnsupported && format == FormatStrict {
			format = FormatLoose
			evt.Msg("Schema-constrained output unsupported, switching to loose JSON")
			continue
		}
		if kind == KindPermanent {
			evt.Msg("Extraction request rejected")
			return nil, unavailable(attempt, err)
		}
		if attempt == c.cfg.MaxRetries {
			evt.Msg("Extraction attempt failed, no attempts left")
			break
		}

		wait := c.Backoff(attempt)
		if kind == KindRateLimited && retryAfter > 0 {
			wait = retryAfter
			if wait > c.cfg.MaxBackoff {
				wait = c.cfg.MaxBackoff
			}
		}
		evt.Dur("wait", wait).Msg("Extraction attempt failed, retrying")

		if err := c.sleep(ctx, wait); err != nil {
			return nil, unavailable(attempt, err)
		}
	}

	return nil, unavailable(c.cfg.MaxRetries, lastErr)
}

func (c *Client) attempt(ctx context.Context, req Request, format Format) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
	defer cancel()

	resp, err := c.provider.Generate(attemptCtx, req, format)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &ProviderError{Kind: KindTransient, Err: fmt.Errorf("attempt timed out after %s: %w", c.cfg.AttemptTimeout, err)}
		}
		return nil, err
	}
	if resp == nil {
		return nil, &ProviderError{Kind: KindTransient, Err: errors.New("empty response from provider")}
	}
	return resp, nil
}

func (c *Client) decodeFailure(req Request, format Format, attempt int, elapsed time.Duration, err error) error {
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		c.observe(req.Model, format, "schema_rejected", elapsed)
		return &domain.ExtractionError{Kind: domain.ExtractionSchemaRejected, Attempts: attempt, Err: err}
	}
	c.observe(req.Model, format, "malformed", elapsed)
	return &domain.ExtractionError{Kind: domain.ExtractionMalformed, Attempts: attempt, Err: err}
}

func (c *Client) observe(model string, format Format, outcome string, d time.Duration) {
	if c.observer != nil {
		c.observer.ObserveAttempt(model, format, outcome, d)
	}
}

func unavailable(attempts int, err error) error {
	return &domain.ExtractionError{Kind: domain.ExtractionUnavailable, Attempts: attempts, Err: err}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
