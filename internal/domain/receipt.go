package domain

import (
	"time"
)

// Source identifies where a candidate came from.
type Source string

const (
	SourceAPI       Source = "api"
	SourceMessaging Source = "messaging"
)

// EventType is the kind of transaction described by a notification.
type EventType string

const (
	EventPayment    EventType = "payment"
	EventPurchase   EventType = "purchase"
	EventP2P        EventType = "p2p"
	EventTopup      EventType = "topup"
	EventConversion EventType = "conversion"
	EventFee        EventType = "fee"
	EventPenalty    EventType = "penalty"
	EventOther      EventType = "other"
)

// EventTypes lists every accepted event type in schema order.
var EventTypes = []EventType{
	EventPayment, EventPurchase, EventP2P, EventTopup,
	EventConversion, EventFee, EventPenalty, EventOther,
}

// Valid reports whether e is one of the known event types.
func (e EventType) Valid() bool {
	for _, t := range EventTypes {
		if e == t {
			return true
		}
	}
	return false
}

// ParseStatus is the processing outcome stored on a receipt.
type ParseStatus string

const (
	ParseStatusOK          ParseStatus = "ok"
	ParseStatusNeedsReview ParseStatus = "needs_review"
	ParseStatusFailed      ParseStatus = "failed"
	ParseStatusDuplicate   ParseStatus = "duplicate"
)

// Candidate is one inbound notification awaiting extraction.
// It is built by the transport side and never modified afterwards.
type Candidate struct {
	Source       Source    `json:"source"`
	RawText      string    `json:"raw_text"`
	MediaRefs    []string  `json:"media_refs,omitempty"`
	SourceChatID string    `json:"source_chat_id,omitempty"`
	MessageID    string    `json:"message_id,omitempty"`
	ReceivedAt   time.Time `json:"received_at"`
}

// HasMessageRef reports whether the candidate can be matched by chat and message id.
func (c *Candidate) HasMessageRef() bool {
	return c.SourceChatID != "" && c.MessageID != ""
}

// ExtractionResult is the raw structured output of the extraction service.
// Currency, operator and card mask are not canonical yet.
type ExtractionResult struct {
	EventType       EventType `json:"event_type"`
	Amount          float64   `json:"amount"`
	Currency        string    `json:"currency"`
	Sign            int       `json:"sign"`
	CardBrand       *string   `json:"card_brand,omitempty"`
	CardMask        *string   `json:"card_mask,omitempty"`
	OperatorRaw     *string   `json:"operator_raw,omitempty"`
	MerchantName    *string   `json:"merchant_name,omitempty"`
	MerchantAddress *string   `json:"merchant_address,omitempty"`
	BalanceAfter    *float64  `json:"balance_after,omitempty"`
	BalanceCurrency *string   `json:"balance_currency,omitempty"`
	TSEvent         time.Time `json:"ts_event"`
	TZHint          *string   `json:"tz_hint,omitempty"`
	Lang            *string   `json:"lang,omitempty"`
	Confidence      *float64  `json:"confidence,omitempty"`

	// AmountText and BalanceText hold amounts the service returned as text;
	// the normalizer parses them.
	AmountText  string `json:"-"`
	BalanceText string `json:"-"`
}

// Receipt is the persisted, normalized transaction record.
type Receipt struct {
	ID             string   `json:"id"`
	SourcePlatform Source   `json:"source_platform"`
	SourceChatID   string   `json:"source_chat_id,omitempty"`
	MessageID      string   `json:"message_id,omitempty"`
	RawText        string   `json:"raw_text"`
	MediaRefs      []string `json:"media_refs,omitempty"`

	EventType       EventType `json:"event_type"`
	Amount          float64   `json:"amount"`
	Currency        string    `json:"currency"`
	Sign            int       `json:"sign"`
	CardBrand       *string   `json:"card_brand,omitempty"`
	CardMask        *string   `json:"card_mask,omitempty"`
	OperatorRaw     *string   `json:"operator_raw,omitempty"`
	OperatorCanon   *string   `json:"operator_canonical,omitempty"`
	OperatorApp     *string   `json:"operator_app,omitempty"`
	MerchantName    *string   `json:"merchant_name,omitempty"`
	MerchantAddress *string   `json:"merchant_address,omitempty"`
	BalanceAfter    *float64  `json:"balance_after,omitempty"`
	BalanceCurrency *string   `json:"balance_currency,omitempty"`
	TSEvent         time.Time `json:"ts_event"`
	TZHint          *string   `json:"tz_hint,omitempty"`
	Lang            *string   `json:"lang,omitempty"`
	Confidence      *float64  `json:"confidence,omitempty"`

	DuplicateKey   string      `json:"duplicate_key"`
	// FieldSignature is the structured-field half of the duplicate key.
	FieldSignature string      `json:"field_signature"`
	ParseStatus    ParseStatus `json:"parse_status"`
	Error          string      `json:"error,omitempty"`
	Model          string      `json:"model,omitempty"`
	Attempts       int         `json:"attempts"`
	IngestAt       time.Time   `json:"ingest_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// OperatorRule maps a raw operator pattern to a canonical operator and its app.
type OperatorRule struct {
	Pattern   string `yaml:"pattern" json:"pattern"`
	Canonical string `yaml:"canonical" json:"canonical"`
	App       string `yaml:"app" json:"app"`
	Weight    int    `yaml:"weight" json:"weight"`
	Notes     string `yaml:"notes,omitempty" json:"notes,omitempty"`
}

// StringPtr returns nil for empty strings.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the pointed-to string or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// ReceiptFilter selects receipts for listing. Zero fields do not filter.
type ReceiptFilter struct {
	Status ParseStatus
	Since  time.Time
	Until  time.Time
	Limit  int
	Offset int
}
