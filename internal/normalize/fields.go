package normalize

import (
	"math"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// BaseCurrency is used whenever a currency token cannot be resolved.
const BaseCurrency = "UZS"

var currencyAliases = map[string]string{
	"SUM":   "UZS",
	"SO'M":  "UZS",
	"SOʻM":  "UZS",
	"SOM":   "UZS",
	"СУМ":   "UZS",
	"СЎМ":   "UZS",
	"СОМ":   "UZS",
	"UZS":   "UZS",
	"USDT":  "USD",
	"$":     "USD",
	"€":     "EUR",
	"РУБ":   "RUB",
	"РУБ.":  "RUB",
	"₽":     "RUB",
	"ТЕНГЕ": "KZT",
}

// upper maps s to upper case using Unicode rules. A Caser is not safe for
// concurrent use, so one is built per call.
func upper(s string) string {
	return cases.Upper(language.Und).String(s)
}

// Currency resolves a raw currency token to a 3-letter code.
func Currency(raw string) string {
	c := upper(strings.TrimSpace(norm.NFC.String(raw)))
	if alias, ok := currencyAliases[c]; ok {
		return alias
	}
	if len(c) != 3 {
		return BaseCurrency
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return BaseCurrency
		}
	}
	return c
}

// Amount parses a numeric or textual amount. Spaces are dropped, commas become
// periods, and when more than one period remains every period but the last is a
// thousands separator. Unparseable input yields 0.
func Amount(v interface{}) float64 {
	switch n := v.(type) {
	case nil:
		return 0
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case interface{ Float64() (float64, error) }:
		f, err := n.Float64()
		if err != nil {
			return 0
		}
		return f
	case string:
		return AmountString(n)
	default:
		return 0
	}
}

// AmountString is Amount for string input.
func AmountString(s string) float64 {
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	s = strings.ReplaceAll(s, ",", ".")

	if parts := strings.Split(s, "."); len(parts) > 2 {
		last := parts[len(parts)-1]
		s = strings.Join(parts[:len(parts)-1], "") + "." + last
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// CardMask returns "***" plus the last four digits when at least four digits
// are present, a trimmed value containing '*' as is, and nil otherwise.
func CardMask(raw string) *string {
	var digits []rune
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits = append(digits, r)
		}
	}
	if len(digits) >= 4 {
		masked := "***" + string(digits[len(digits)-4:])
		return &masked
	}
	if strings.Contains(raw, "*") {
		trimmed := strings.TrimSpace(raw)
		return &trimmed
	}
	return nil
}
