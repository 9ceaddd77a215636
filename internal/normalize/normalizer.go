package normalize

import (
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/worq1337/parcer/internal/domain"
	"github.com/worq1337/parcer/internal/operators"
)

// RuleSource yields the operator registry in effect.
type RuleSource interface {
	Current() *operators.Registry
}

// Normalizer turns extraction output into canonical receipt fields.
// It never fails; ambiguous input gets a default value.
type Normalizer struct {
	rules RuleSource
}

// NewNormalizer returns a Normalizer resolving operators through rules.
func NewNormalizer(rules RuleSource) *Normalizer {
	return &Normalizer{rules: rules}
}

// Operator resolves a raw operator string to its canonical name and app.
func (n *Normalizer) Operator(raw *string) (canonical, app *string) {
	if raw == nil {
		return nil, nil
	}
	trimmed := strings.TrimSpace(norm.NFC.String(*raw))
	if trimmed == "" {
		return nil, nil
	}

	var reg *operators.Registry
	if n.rules != nil {
		reg = n.rules.Current()
	}
	if rule, ok := reg.Match(upper(trimmed)); ok {
		return domain.StringPtr(rule.Canonical), domain.StringPtr(rule.App)
	}
	return &trimmed, nil
}

// Normalize maps an extraction result plus the original text to receipt fields.
// Identity, key and status fields are left for the caller.
func (n *Normalizer) Normalize(res *domain.ExtractionResult, rawText string) *domain.Receipt {
	r := &domain.Receipt{
		RawText:         rawText,
		EventType:       res.EventType,
		Amount:          res.Amount,
		Currency:        Currency(res.Currency),
		Sign:            res.Sign,
		CardBrand:       trimPtr(res.CardBrand),
		OperatorRaw:     trimPtr(res.OperatorRaw),
		MerchantName:    trimPtr(res.MerchantName),
		MerchantAddress: trimPtr(res.MerchantAddress),
		BalanceAfter:    res.BalanceAfter,
		TSEvent:         res.TSEvent.UTC(),
		TZHint:          trimPtr(res.TZHint),
		Lang:            trimPtr(res.Lang),
		Confidence:      res.Confidence,
	}

	if res.AmountText != "" {
		r.Amount = AmountString(res.AmountText)
	}
	if r.Amount < 0 {
		r.Amount = 0
	}
	if res.BalanceText != "" {
		b := AmountString(res.BalanceText)
		r.BalanceAfter = &b
	}
	if res.BalanceCurrency != nil && strings.TrimSpace(*res.BalanceCurrency) != "" {
		bc := Currency(*res.BalanceCurrency)
		r.BalanceCurrency = &bc
	}
	if res.CardMask != nil {
		r.CardMask = CardMask(*res.CardMask)
	}
	if !r.EventType.Valid() {
		r.EventType = domain.EventOther
	}
	if r.Sign != 1 && r.Sign != -1 {
		r.Sign = defaultSign(r.EventType)
	}

	r.OperatorCanon, r.OperatorApp = n.Operator(res.OperatorRaw)
	return r
}

// defaultSign follows the extraction contract: top-ups credit, everything else debits.
func defaultSign(t domain.EventType) int {
	if t == domain.EventTopup {
		return 1
	}
	return -1
}

func trimPtr(s *string) *string {
	if s == nil {
		return nil
	}
	return domain.StringPtr(strings.TrimSpace(*s))
}
