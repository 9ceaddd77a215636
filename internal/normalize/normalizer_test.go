package normalize

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worq1337/parcer/internal/domain"
	"github.com/worq1337/parcer/internal/operators"
)

func newTestNormalizer(rules ...domain.OperatorRule) *Normalizer {
	reg := operators.NewRegistry(context.Background(), rules)
	return NewNormalizer(operators.NewHolder(reg, ""))
}

func TestNormalizer_Operator(t *testing.T) {
	n := newTestNormalizer(
		domain.OperatorRule{Pattern: "UPAY", Canonical: "Humans", App: "Humans", Weight: 5},
		domain.OperatorRule{Pattern: "UPAY P2P", Canonical: "Humans P2P", App: "Humans", Weight: 10},
	)

	tests := []struct {
		name      string
		raw       *string
		canonical *string
		app       *string
	}{
		{name: "nil", raw: nil},
		{name: "blank", raw: ptr("   ")},
		{name: "higher weight wins", raw: ptr(" upay p2p "), canonical: ptr("Humans P2P"), app: ptr("Humans")},
		{name: "lower weight when only it matches", raw: ptr("upay"), canonical: ptr("Humans"), app: ptr("Humans")},
		{name: "no match keeps trimmed raw", raw: ptr("  OQ P2P>TASHKENT "), canonical: ptr("OQ P2P>TASHKENT")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			canonical, app := n.Operator(tt.raw)
			assert.Equal(t, tt.canonical, canonical)
			assert.Equal(t, tt.app, app)
		})
	}
}

func TestNormalizer_NilRules(t *testing.T) {
	n := NewNormalizer(nil)
	canonical, app := n.Operator(ptr("Payme"))
	assert.Equal(t, ptr("Payme"), canonical)
	assert.Nil(t, app)
}

func TestNormalizer_Normalize(t *testing.T) {
	n := newTestNormalizer(domain.OperatorRule{Pattern: "PAYME", Canonical: "Payme", App: "Payme", Weight: 1})
	ts := time.Date(2025, 4, 4, 23, 46, 0, 0, time.FixedZone("UZT", 5*3600))

	res := &domain.ExtractionResult{
		EventType:       domain.EventPayment,
		AmountText:      "50 000,00",
		Currency:        "сум",
		Sign:            0,
		CardMask:        ptr("8600****1234"),
		OperatorRaw:     ptr("payme*click"),
		BalanceText:     "1.250.000,50",
		BalanceCurrency: ptr("usdt"),
		TSEvent:         ts,
	}

	r := n.Normalize(res, "raw text")
	require.NotNil(t, r)

	assert.Equal(t, "raw text", r.RawText)
	assert.Equal(t, 50000.0, r.Amount)
	assert.Equal(t, "UZS", r.Currency)
	assert.Equal(t, -1, r.Sign)
	assert.Equal(t, ptr("***1234"), r.CardMask)
	assert.Equal(t, ptr("Payme"), r.OperatorCanon)
	assert.Equal(t, ptr("Payme"), r.OperatorApp)
	require.NotNil(t, r.BalanceAfter)
	assert.InDelta(t, 1250000.50, *r.BalanceAfter, 1e-9)
	assert.Equal(t, ptr("USD"), r.BalanceCurrency)
	assert.Equal(t, time.UTC, r.TSEvent.Location())
	assert.True(t, ts.Equal(r.TSEvent))
}

func TestNormalizer_DefaultsUnknownEventAndSign(t *testing.T) {
	n := newTestNormalizer()
	r := n.Normalize(&domain.ExtractionResult{EventType: "refund", Amount: 10, Currency: "USD", Sign: 7}, "")
	assert.Equal(t, domain.EventOther, r.EventType)
	assert.Equal(t, -1, r.Sign)

	r = n.Normalize(&domain.ExtractionResult{EventType: domain.EventTopup, Amount: 10, Currency: "USD"}, "")
	assert.Equal(t, 1, r.Sign)
}

func TestNormalizer_NegativeAmountBecomesZero(t *testing.T) {
	n := newTestNormalizer()
	tests := []struct {
		name string
		res  *domain.ExtractionResult
	}{
		{name: "text", res: &domain.ExtractionResult{EventType: domain.EventPayment, AmountText: "-500", Currency: "UZS", Sign: -1}},
		{name: "number", res: &domain.ExtractionResult{EventType: domain.EventPayment, Amount: -500, Currency: "UZS", Sign: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := n.Normalize(tt.res, "")
			assert.Zero(t, r.Amount)
			assert.Equal(t, -1, r.Sign)
		})
	}
}
