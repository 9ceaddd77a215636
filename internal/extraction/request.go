package extraction

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Format is the output mode requested from the provider.
type Format string

const (
	// FormatStrict asks for output constrained by the result schema.
	FormatStrict Format = "json_schema"
	// FormatLoose only asks for a JSON object.
	FormatLoose Format = "json_object"
)

// Input is the content to extract from: text, or an image with an optional OCR hint.
type Input struct {
	Text      string
	ImageRef  string
	ImageHint string
}

// IsImage reports whether the input goes through the image path.
func (in Input) IsImage() bool {
	return in.ImageRef != ""
}

// Request describes one extraction call. It is built once per call and never
// modified; the output format travels separately through the retry loop.
type Request struct {
	Model       string
	Tier        Tier
	System      string
	Prompt      string
	ImageRef    string
	Temperature float32
}

// Response is a provider's raw answer.
type Response struct {
	Text         string
	Model        string
	TokensInput  int64
	TokensOutput int64
}

// Provider calls the extraction service once.
type Provider interface {
	Generate(ctx context.Context, req Request, format Format) (*Response, error)
}

// ProviderErrorKind classifies provider failures for the retry policy.
type ProviderErrorKind string

const (
	KindRateLimited       ProviderErrorKind = "rate_limited"
	KindSchemaUnsupported ProviderErrorKind = "schema_unsupported"
	KindTransient         ProviderErrorKind = "transient"
	KindPermanent         ProviderErrorKind = "permanent"
)

// ProviderError is returned by providers. RetryAfter is the advisory wait, if any.
type ProviderError struct {
	Kind       ProviderErrorKind
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s (retry after %s): %v", e.Kind, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// kindOf classifies err; anything that is not a ProviderError counts as transient.
func kindOf(err error) (ProviderErrorKind, time.Duration) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind, pe.RetryAfter
	}
	return KindTransient, 0
}
