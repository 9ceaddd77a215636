package extraction

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/worq1337/parcer/internal/domain"
)

// ImageFetcher loads the bytes behind an image reference.
type ImageFetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, string, error)
}

// GeminiProvider calls Gemini through the GenAI SDK.
type GeminiProvider struct {
	client *genai.Client
	images ImageFetcher
}

// NewGeminiProvider creates a provider for the Gemini API. images may be nil
// when only text is extracted.
func NewGeminiProvider(ctx context.Context, apiKey string, images ImageFetcher) (*GeminiProvider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("NewGeminiProvider: create genai client: %w", err)
	}
	return &GeminiProvider{client: client, images: images}, nil
}

// Generate implements Provider.
func (p *GeminiProvider) Generate(ctx context.Context, req Request, format Format) (*Response, error) {
	parts := []*genai.Part{{Text: req.Prompt}}
	if req.ImageRef != "" {
		if p.images == nil {
			return nil, &ProviderError{Kind: KindPermanent, Err: errors.New("image input without an image fetcher")}
		}
		data, mimeType, err := p.images.Fetch(ctx, req.ImageRef)
		if err != nil {
			kind := KindTransient
			var perm interface{ Permanent() bool }
			if errors.As(err, &perm) && perm.Permanent() {
				kind = KindPermanent
			}
			return nil, &ProviderError{Kind: kind, Err: fmt.Errorf("Generate: fetching image: %w", err)}
		}
		parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: mimeType, Data: data}})
	}

	contents := []*genai.Content{{Role: "user", Parts: parts}}
	resp, err := p.client.Models.GenerateContent(ctx, req.Model, contents, generateConfig(req, format))
	if err != nil {
		return nil, classifyGeminiError(err)
	}

	text := resp.Text()
	if text == "" {
		return nil, &ProviderError{Kind: KindTransient, Err: errors.New("empty response from model")}
	}

	out := &Response{Text: text, Model: resp.ModelVersion}
	if resp.UsageMetadata != nil {
		out.TokensInput = int64(resp.UsageMetadata.PromptTokenCount)
		out.TokensOutput = int64(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}

func generateConfig(req Request, format Format) *genai.GenerateContentConfig {
	temperature := req.Temperature
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: req.System}}},
		Temperature:       &temperature,
		ResponseMIMEType:  "application/json",
	}
	if format == FormatStrict {
		cfg.ResponseSchema = ResultSchema()
	}
	return cfg
}

// ResultSchema is the output schema sent in strict mode.
func ResultSchema() *genai.Schema {
	nullable := true
	str := func(desc string) *genai.Schema {
		return &genai.Schema{Type: genai.TypeString, Description: desc, Nullable: &nullable}
	}
	num := func(desc string) *genai.Schema {
		return &genai.Schema{Type: genai.TypeNumber, Description: desc, Nullable: &nullable}
	}

	eventTypes := make([]string, len(domain.EventTypes))
	for i, t := range domain.EventTypes {
		eventTypes[i] = string(t)
	}

	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"event_type":       {Type: genai.TypeString, Enum: eventTypes},
			"amount":           {Type: genai.TypeNumber, Description: "positive amount"},
			"currency":         {Type: genai.TypeString, Description: "currency as written"},
			"sign":             {Type: genai.TypeInteger, Description: "1 for money in, -1 for money out"},
			"ts_event":         {Type: genai.TypeString, Description: "ISO 8601 UTC timestamp"},
			"card_brand":       str("card network or brand"),
			"card_mask":        str("masked card number as written"),
			"operator_raw":     str("operator or terminal name as written"),
			"merchant_name":    str("merchant name"),
			"merchant_address": str("merchant address"),
			"balance_after":    num("balance after the operation"),
			"balance_currency": str("currency of the balance"),
			"tz_hint":          str("time zone hint"),
			"lang":             {Type: genai.TypeString, Enum: []string{"ru", "uz", "en"}, Nullable: &nullable},
			"confidence":       num("0..1"),
		},
		Required: RequiredFields,
		PropertyOrdering: []string{
			"event_type", "amount", "currency", "sign", "ts_event",
			"card_brand", "card_mask", "operator_raw", "merchant_name", "merchant_address",
			"balance_after", "balance_currency", "tz_hint", "lang", "confidence",
		},
	}
}

var retryAfterPattern = regexp.MustCompile(`(?i)retry[_\s-]?after[_\s:=]*(\d+)`)

// maxRetryAfter bounds advisory waits parsed from provider messages.
const maxRetryAfter = time.Hour

// classifyGeminiError maps SDK errors onto provider error kinds.
func classifyGeminiError(err error) error {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		var apiErrPtr *genai.APIError
		if !errors.As(err, &apiErrPtr) || apiErrPtr == nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			return &ProviderError{Kind: KindTransient, Err: err}
		}
		apiErr = *apiErrPtr
	}

	switch {
	case apiErr.Code == http.StatusTooManyRequests:
		return &ProviderError{Kind: KindRateLimited, RetryAfter: retryDelay(apiErr), Err: err}
	case apiErr.Code == http.StatusBadRequest && schemaUnsupported(apiErr.Message):
		return &ProviderError{Kind: KindSchemaUnsupported, Err: err}
	case apiErr.Code >= 500 || apiErr.Code == http.StatusRequestTimeout:
		return &ProviderError{Kind: KindTransient, Err: err}
	default:
		return &ProviderError{Kind: KindPermanent, Err: err}
	}
}

func schemaUnsupported(msg string) bool {
	m := strings.ToLower(msg)
	mentionsSchema := strings.Contains(m, "response_schema") ||
		strings.Contains(m, "responseschema") ||
		strings.Contains(m, "response_format") ||
		strings.Contains(m, "response_mime_type") ||
		strings.Contains(m, "json mode")
	return mentionsSchema && (strings.Contains(m, "unsupported") || strings.Contains(m, "not supported"))
}

// retryDelay reads google.rpc.RetryInfo from the error details, falling back to
// a "retry after N" phrase in the message.
func retryDelay(apiErr genai.APIError) time.Duration {
	for _, detail := range apiErr.Details {
		typ, _ := detail["@type"].(string)
		if !strings.HasSuffix(typ, "RetryInfo") {
			continue
		}
		if s, ok := detail["retryDelay"].(string); ok {
			if d, err := time.ParseDuration(s); err == nil {
				return d
			}
		}
	}
	return RetryAfterFromMessage(apiErr.Message)
}

// RetryAfterFromMessage extracts "retry after N" (seconds) from a message.
func RetryAfterFromMessage(msg string) time.Duration {
	m := retryAfterPattern.FindStringSubmatch(msg)
	if m == nil {
		return 0
	}
	secs, err := strconv.ParseInt(m[1], 10, 64)
	if errors.Is(err, strconv.ErrRange) || secs > int64(maxRetryAfter/time.Second) {
		return maxRetryAfter
	}
	if err != nil {
		return 0
	}
	return time.Duration(secs) * time.Second
}
