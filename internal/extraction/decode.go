package extraction

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/worq1337/parcer/internal/domain"
)

type wireResult struct {
	EventType       *string         `json:"event_type"`
	Amount          json.RawMessage `json:"amount"`
	Currency        *string         `json:"currency"`
	Sign            json.RawMessage `json:"sign"`
	CardBrand       *string         `json:"card_brand"`
	CardMask        *string         `json:"card_mask"`
	OperatorRaw     *string         `json:"operator_raw"`
	MerchantName    *string         `json:"merchant_name"`
	MerchantAddress *string         `json:"merchant_address"`
	BalanceAfter    json.RawMessage `json:"balance_after"`
	BalanceCurrency *string         `json:"balance_currency"`
	TSEvent         *string         `json:"ts_event"`
	TZHint          *string         `json:"tz_hint"`
	Lang            *string         `json:"lang"`
	Confidence      *float64        `json:"confidence"`
}

var tsLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// errMalformed marks output that is not a JSON object at all.
type errMalformed struct {
	err error
}

func (e *errMalformed) Error() string { return e.err.Error() }
func (e *errMalformed) Unwrap() error { return e.err }

// decodeResult parses raw model output into an ExtractionResult.
// It returns *errMalformed for unparseable JSON and *domain.ValidationError for
// structurally invalid objects.
func decodeResult(raw string) (*domain.ExtractionResult, error) {
	clean := cleanModelJSON(raw)

	var w wireResult
	if err := json.Unmarshal([]byte(clean), &w); err != nil {
		return nil, &errMalformed{err: fmt.Errorf("decodeResult: unmarshal JSON: %w", err)}
	}

	res := &domain.ExtractionResult{
		CardBrand:       nonEmpty(w.CardBrand),
		CardMask:        nonEmpty(w.CardMask),
		OperatorRaw:     nonEmpty(w.OperatorRaw),
		MerchantName:    nonEmpty(w.MerchantName),
		MerchantAddress: nonEmpty(w.MerchantAddress),
		BalanceCurrency: nonEmpty(w.BalanceCurrency),
		TZHint:          nonEmpty(w.TZHint),
		Lang:            nonEmpty(w.Lang),
	}

	if w.EventType == nil || strings.TrimSpace(*w.EventType) == "" {
		return nil, missing("event_type")
	}
	res.EventType = domain.EventType(strings.ToLower(strings.TrimSpace(*w.EventType)))

	if err := decodeAmount(w.Amount, res); err != nil {
		return nil, err
	}

	if w.Currency == nil || strings.TrimSpace(*w.Currency) == "" {
		return nil, missing("currency")
	}
	res.Currency = *w.Currency

	sign, err := decodeSign(w.Sign)
	if err != nil {
		return nil, err
	}
	res.Sign = sign

	if w.TSEvent == nil || strings.TrimSpace(*w.TSEvent) == "" {
		return nil, missing("ts_event")
	}
	ts, err := parseTimestamp(*w.TSEvent)
	if err != nil {
		return nil, &domain.ValidationError{Kind: domain.OutOfRangeValue, Field: "ts_event", Detail: err.Error()}
	}
	res.TSEvent = ts

	if len(w.BalanceAfter) > 0 && !isNull(w.BalanceAfter) {
		var f float64
		if err := json.Unmarshal(w.BalanceAfter, &f); err == nil {
			res.BalanceAfter = &f
		} else {
			var s string
			if err := json.Unmarshal(w.BalanceAfter, &s); err == nil && strings.TrimSpace(s) != "" {
				res.BalanceText = s
			}
		}
	}

	if w.Confidence != nil {
		c := *w.Confidence
		// Some models answer in percent.
		if c > 1 && c <= 100 {
			c = c / 100
		}
		if c < 0 || c > 1 {
			return nil, &domain.ValidationError{Kind: domain.OutOfRangeValue, Field: "confidence", Detail: strconv.FormatFloat(*w.Confidence, 'f', -1, 64)}
		}
		res.Confidence = &c
	}

	return res, nil
}

func decodeAmount(raw json.RawMessage, res *domain.ExtractionResult) error {
	if len(raw) == 0 || isNull(raw) {
		return missing("amount")
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		if f <= 0 {
			return &domain.ValidationError{Kind: domain.OutOfRangeValue, Field: "amount", Detail: "must be positive"}
		}
		res.Amount = f
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || strings.TrimSpace(s) == "" {
		return &domain.ValidationError{Kind: domain.OutOfRangeValue, Field: "amount", Detail: string(raw)}
	}
	// The direction belongs in sign; a signed amount string would count it twice.
	if t := strings.TrimSpace(s); strings.HasPrefix(t, "-") || strings.HasPrefix(t, "−") {
		return &domain.ValidationError{Kind: domain.OutOfRangeValue, Field: "amount", Detail: "must be positive"}
	}
	res.AmountText = s
	return nil
}

func decodeSign(raw json.RawMessage) (int, error) {
	if len(raw) == 0 || isNull(raw) {
		return 0, missing("sign")
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, &domain.ValidationError{Kind: domain.OutOfRangeValue, Field: "sign", Detail: string(raw)}
		}
		parsed, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, &domain.ValidationError{Kind: domain.OutOfRangeValue, Field: "sign", Detail: s}
		}
		n = parsed
	}
	switch n {
	case 1:
		return 1, nil
	case -1:
		return -1, nil
	}
	return 0, &domain.ValidationError{Kind: domain.OutOfRangeValue, Field: "sign", Detail: strconv.FormatFloat(n, 'f', -1, 64)}
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range tsLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func missing(field string) error {
	return &domain.ValidationError{Kind: domain.MissingRequiredField, Field: field}
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func nonEmpty(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	return s
}

// cleanModelJSON strips Markdown fences and text around the outermost JSON object.
func cleanModelJSON(raw string) string {
	s := strings.TrimSpace(raw)

	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = strings.TrimSpace(s[idx+1:])
		} else {
			return s
		}
	}
	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}
	s = strings.TrimSpace(s)

	if start := strings.Index(s, "{"); start != -1 {
		if end := strings.LastIndex(s, "}"); end > start {
			s = strings.TrimSpace(s[start : end+1])
		}
	}
	return s
}
