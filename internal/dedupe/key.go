// Package dedupe derives content fingerprints for receipts.
//
// A key combines two signatures: one over the raw notification text and one
// over the structured fields with the event time floored to a window. Either an
// identical text or a coincidence of the structured fields inside the same
// window produces the same key.
package dedupe

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/worq1337/parcer/internal/domain"
)

// DefaultWindow is the bucket size applied to the event time in sig2.
const DefaultWindow = time.Minute

// KeyLength is the length of every key and signature in hex characters.
const KeyLength = sha256.Size * 2

// Fields are the inputs to the key.
type Fields struct {
	Amount            float64
	Currency          string
	TSEvent           time.Time
	CardMask          *string
	OperatorCanonical *string
	Sign              int
	RawText           *string
}

// FieldsFromReceipt picks the key inputs from a normalized receipt.
func FieldsFromReceipt(r *domain.Receipt) Fields {
	f := Fields{
		Amount:            r.Amount,
		Currency:          r.Currency,
		TSEvent:           r.TSEvent,
		CardMask:          r.CardMask,
		OperatorCanonical: r.OperatorCanon,
		Sign:              r.Sign,
	}
	if r.RawText != "" {
		raw := r.RawText
		f.RawText = &raw
	}
	return f
}

// Computer computes duplicate keys. The zero value uses DefaultWindow.
type Computer struct {
	Window time.Duration
}

// NewComputer returns a Computer bucketing event times by window.
func NewComputer(window time.Duration) *Computer {
	return &Computer{Window: window}
}

func (c *Computer) window() time.Duration {
	if c == nil || c.Window <= 0 {
		return DefaultWindow
	}
	return c.Window
}

// TextSignature hashes the lower-cased, whitespace-collapsed text.
// It is "" when the text is absent.
func (c *Computer) TextSignature(raw *string) string {
	if raw == nil {
		return ""
	}
	collapsed := strings.Join(strings.Fields(strings.ToLower(*raw)), " ")
	return hashHex(collapsed)
}

// FieldSignature hashes the structured fields with the event time floored to the window.
func (c *Computer) FieldSignature(f Fields) string {
	bucket := floorUnix(f.TSEvent, c.window())
	parts := []string{
		CanonicalAmount(f.Amount),
		strings.ToUpper(f.Currency),
		domain.Deref(f.CardMask),
		domain.Deref(f.OperatorCanonical),
		strconv.Itoa(f.Sign),
		strconv.FormatInt(bucket, 10),
	}
	return hashHex(strings.Join(parts, "|"))
}

// Key combines both signatures into the duplicate key.
func (c *Computer) Key(f Fields) string {
	return hashHex(c.TextSignature(f.RawText) + ":" + c.FieldSignature(f))
}

// CanonicalAmount renders an amount without trailing zeros so 50000 and
// 50000.00 hash identically.
func CanonicalAmount(v float64) string {
	return decimal.NewFromFloat(v).String()
}

// floorUnix floors t to a multiple of window counted from the Unix epoch.
func floorUnix(t time.Time, window time.Duration) int64 {
	secs := int64(window / time.Second)
	if secs < 1 {
		secs = 1
	}
	u := t.Unix()
	return u - ((u%secs)+secs)%secs
}

func hashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
