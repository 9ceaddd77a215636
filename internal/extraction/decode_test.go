package extraction

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worq1337/parcer/internal/domain"
)

func TestDecodeResult_Valid(t *testing.T) {
	raw := "```json\n" + `{
		"event_type": "Payment",
		"amount": 200000.0,
		"currency": "UZS",
		"sign": -1,
		"ts_event": "2025-04-04T18:46:00Z",
		"card_mask": "*6714",
		"operator_raw": "OQ P2P>TASHKENT",
		"merchant_name": "",
		"balance_after": "1 234 567,89",
		"lang": "ru",
		"confidence": 92
	}` + "\n```"

	res, err := decodeResult(raw)
	require.NoError(t, err)

	assert.Equal(t, domain.EventPayment, res.EventType)
	assert.Equal(t, 200000.0, res.Amount)
	assert.Equal(t, "UZS", res.Currency)
	assert.Equal(t, -1, res.Sign)
	assert.Equal(t, time.Date(2025, 4, 4, 18, 46, 0, 0, time.UTC), res.TSEvent)
	require.NotNil(t, res.CardMask)
	assert.Equal(t, "*6714", *res.CardMask)
	assert.Nil(t, res.MerchantName, "blank strings become absent")
	assert.Nil(t, res.BalanceAfter)
	assert.Equal(t, "1 234 567,89", res.BalanceText)
	require.NotNil(t, res.Confidence)
	assert.InDelta(t, 0.92, *res.Confidence, 1e-9)
}

func TestDecodeResult_StringAmountAndNaiveTimestamp(t *testing.T) {
	res, err := decodeResult(`{"event_type":"topup","amount":"1 000,50","currency":"сум","sign":"1","ts_event":"2025-04-04 18:46:00"}`)
	require.NoError(t, err)

	assert.Equal(t, "1 000,50", res.AmountText)
	assert.Zero(t, res.Amount)
	assert.Equal(t, 1, res.Sign)
	assert.Equal(t, time.Date(2025, 4, 4, 18, 46, 0, 0, time.UTC), res.TSEvent)
	assert.Nil(t, res.Confidence)
}

func TestDecodeResult_ZeroStringAmountIsKept(t *testing.T) {
	res, err := decodeResult(`{"event_type":"payment","amount":"0","currency":"UZS","sign":-1,"ts_event":"2025-04-04T18:46:00Z"}`)
	require.NoError(t, err)
	assert.Equal(t, "0", res.AmountText)
	assert.Zero(t, res.Amount)
}

func TestDecodeResult_Errors(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		malformed bool
		kind      domain.ValidationErrorKind
		field     string
	}{
		{name: "not json", raw: "sorry, I cannot help", malformed: true},
		{name: "truncated json", raw: `{"event_type": "payment", "amount":`, malformed: true},
		{name: "missing event_type", raw: `{"amount":1,"currency":"UZS","sign":-1,"ts_event":"2025-04-04T18:46:00Z"}`, kind: domain.MissingRequiredField, field: "event_type"},
		{name: "missing amount", raw: `{"event_type":"payment","currency":"UZS","sign":-1,"ts_event":"2025-04-04T18:46:00Z"}`, kind: domain.MissingRequiredField, field: "amount"},
		{name: "null amount", raw: `{"event_type":"payment","amount":null,"currency":"UZS","sign":-1,"ts_event":"2025-04-04T18:46:00Z"}`, kind: domain.MissingRequiredField, field: "amount"},
		{name: "zero amount", raw: `{"event_type":"payment","amount":0,"currency":"UZS","sign":-1,"ts_event":"2025-04-04T18:46:00Z"}`, kind: domain.OutOfRangeValue, field: "amount"},
		{name: "negative string amount", raw: `{"event_type":"payment","amount":"-500","currency":"UZS","sign":-1,"ts_event":"2025-04-04T18:46:00Z"}`, kind: domain.OutOfRangeValue, field: "amount"},
		{name: "negative string amount with unicode minus", raw: `{"event_type":"payment","amount":" −500","currency":"UZS","sign":-1,"ts_event":"2025-04-04T18:46:00Z"}`, kind: domain.OutOfRangeValue, field: "amount"},
		{name: "missing currency", raw: `{"event_type":"payment","amount":1,"sign":-1,"ts_event":"2025-04-04T18:46:00Z"}`, kind: domain.MissingRequiredField, field: "currency"},
		{name: "missing sign", raw: `{"event_type":"payment","amount":1,"currency":"UZS","ts_event":"2025-04-04T18:46:00Z"}`, kind: domain.MissingRequiredField, field: "sign"},
		{name: "bad sign", raw: `{"event_type":"payment","amount":1,"currency":"UZS","sign":2,"ts_event":"2025-04-04T18:46:00Z"}`, kind: domain.OutOfRangeValue, field: "sign"},
		{name: "missing ts_event", raw: `{"event_type":"payment","amount":1,"currency":"UZS","sign":-1}`, kind: domain.MissingRequiredField, field: "ts_event"},
		{name: "bad ts_event", raw: `{"event_type":"payment","amount":1,"currency":"UZS","sign":-1,"ts_event":"yesterday"}`, kind: domain.OutOfRangeValue, field: "ts_event"},
		{name: "confidence out of range", raw: `{"event_type":"payment","amount":1,"currency":"UZS","sign":-1,"ts_event":"2025-04-04T18:46:00Z","confidence":-0.5}`, kind: domain.OutOfRangeValue, field: "confidence"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeResult(tt.raw)
			require.Error(t, err)

			var malformed *errMalformed
			if tt.malformed {
				assert.True(t, errors.As(err, &malformed))
				return
			}
			assert.False(t, errors.As(err, &malformed))

			var verr *domain.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.kind, verr.Kind)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestCleanModelJSON(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "plain", raw: `{"a":1}`, want: `{"a":1}`},
		{name: "fenced", raw: "```json\n{\"a\":1}\n```", want: `{"a":1}`},
		{name: "fenced without language", raw: "```\n{\"a\":1}\n```", want: `{"a":1}`},
		{name: "surrounding prose", raw: "Here you go: {\"a\":{\"b\":2}} hope it helps", want: `{"a":{"b":2}}`},
		{name: "no object", raw: "  nothing  ", want: "nothing"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cleanModelJSON(tt.raw))
		})
	}
}
