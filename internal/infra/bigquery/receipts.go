package bigquery

import (
	"math/big"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"github.com/worq1337/parcer/internal/domain"
)

// ReceiptRow is one row of the receipts table.
type ReceiptRow struct {
	ID             string              `bigquery:"id"`
	SourcePlatform string              `bigquery:"source_platform"`
	SourceChatID   bigquery.NullString `bigquery:"source_chat_id"`
	MessageID      bigquery.NullString `bigquery:"message_id"`
	RawText        bigquery.NullString `bigquery:"raw_text"`
	MediaRefs      []string            `bigquery:"media_refs"`

	EventType       string               `bigquery:"event_type"`
	Amount          *big.Rat             `bigquery:"amount"` // NUMERIC
	Currency        string               `bigquery:"currency"`
	Sign            int64                `bigquery:"sign"`
	CardBrand       bigquery.NullString  `bigquery:"card_brand"`
	CardMask        bigquery.NullString  `bigquery:"card_mask"`
	OperatorRaw     bigquery.NullString  `bigquery:"operator_raw"`
	OperatorCanon   bigquery.NullString  `bigquery:"operator_canonical"`
	OperatorApp     bigquery.NullString  `bigquery:"operator_app"`
	MerchantName    bigquery.NullString  `bigquery:"merchant_name"`
	MerchantAddress bigquery.NullString  `bigquery:"merchant_address"`
	BalanceAfter    *big.Rat             `bigquery:"balance_after"` // NUMERIC, NULLABLE
	BalanceCurrency bigquery.NullString  `bigquery:"balance_currency"`
	TSEvent         time.Time            `bigquery:"ts_event"`
	EventDate       civil.Date           `bigquery:"event_date"` // partition column
	TZHint          bigquery.NullString  `bigquery:"tz_hint"`
	Lang            bigquery.NullString  `bigquery:"lang"`
	Confidence      bigquery.NullFloat64 `bigquery:"confidence"`

	DuplicateKey   string              `bigquery:"duplicate_key"`
	FieldSignature bigquery.NullString `bigquery:"field_signature"`
	ParseStatus    string              `bigquery:"parse_status"`
	Error          bigquery.NullString `bigquery:"error"`
	Model          bigquery.NullString `bigquery:"model"`
	Attempts       bigquery.NullInt64  `bigquery:"attempts"`
	IngestAt       time.Time           `bigquery:"ingest_at"`
	UpdatedAt      time.Time           `bigquery:"updated_at"`
}

var receiptColumns = []string{
	"id", "source_platform", "source_chat_id", "message_id", "raw_text", "media_refs",
	"event_type", "amount", "currency", "sign", "card_brand", "card_mask", "operator_raw",
	"operator_canonical", "operator_app", "merchant_name", "merchant_address", "balance_after",
	"balance_currency", "ts_event", "event_date", "tz_hint", "lang", "confidence",
	"duplicate_key", "field_signature", "parse_status", "error", "model", "attempts",
	"ingest_at", "updated_at",
}

// paramExpr renders the value expression for a receipt column.
// balance_after travels as a decimal string so NULL keeps a type.
func paramExpr(column string) string {
	if column == "balance_after" {
		return "CAST(@balance_after AS NUMERIC)"
	}
	return "@" + column
}

func selectList() string {
	return strings.Join(receiptColumns, ", ")
}

func insertValues() string {
	exprs := make([]string, len(receiptColumns))
	for i, c := range receiptColumns {
		exprs[i] = paramExpr(c)
	}
	return strings.Join(exprs, ", ")
}

// updateAssignments lists every column except the identity and ingest time.
func updateAssignments() string {
	var sets []string
	for _, c := range receiptColumns {
		if c == "id" || c == "ingest_at" {
			continue
		}
		sets = append(sets, c+" = "+paramExpr(c))
	}
	return strings.Join(sets, ",\n\t\t\t")
}

// receiptParams binds every receipt column.
func receiptParams(rec *domain.Receipt) []bigquery.QueryParameter {
	media := rec.MediaRefs
	if media == nil {
		media = []string{}
	}
	var balance bigquery.NullString
	if rec.BalanceAfter != nil {
		balance = bigquery.NullString{StringVal: decimal.NewFromFloat(*rec.BalanceAfter).String(), Valid: true}
	}
	return []bigquery.QueryParameter{
		{Name: "id", Value: rec.ID},
		{Name: "source_platform", Value: string(rec.SourcePlatform)},
		{Name: "source_chat_id", Value: nullEmpty(rec.SourceChatID)},
		{Name: "message_id", Value: nullEmpty(rec.MessageID)},
		{Name: "raw_text", Value: rec.RawText},
		{Name: "media_refs", Value: media},
		{Name: "event_type", Value: string(rec.EventType)},
		{Name: "amount", Value: toNumeric(rec.Amount)},
		{Name: "currency", Value: rec.Currency},
		{Name: "sign", Value: rec.Sign},
		{Name: "card_brand", Value: nullString(rec.CardBrand)},
		{Name: "card_mask", Value: nullString(rec.CardMask)},
		{Name: "operator_raw", Value: nullString(rec.OperatorRaw)},
		{Name: "operator_canonical", Value: nullString(rec.OperatorCanon)},
		{Name: "operator_app", Value: nullString(rec.OperatorApp)},
		{Name: "merchant_name", Value: nullString(rec.MerchantName)},
		{Name: "merchant_address", Value: nullString(rec.MerchantAddress)},
		{Name: "balance_after", Value: balance},
		{Name: "balance_currency", Value: nullString(rec.BalanceCurrency)},
		{Name: "ts_event", Value: rec.TSEvent.UTC()},
		{Name: "event_date", Value: civil.DateOf(rec.TSEvent.UTC())},
		{Name: "tz_hint", Value: nullString(rec.TZHint)},
		{Name: "lang", Value: nullString(rec.Lang)},
		{Name: "confidence", Value: nullFloat(rec.Confidence)},
		{Name: "duplicate_key", Value: rec.DuplicateKey},
		{Name: "field_signature", Value: rec.FieldSignature},
		{Name: "parse_status", Value: string(rec.ParseStatus)},
		{Name: "error", Value: nullEmpty(rec.Error)},
		{Name: "model", Value: nullEmpty(rec.Model)},
		{Name: "attempts", Value: rec.Attempts},
		{Name: "ingest_at", Value: rec.IngestAt.UTC()},
		{Name: "updated_at", Value: rec.UpdatedAt.UTC()},
	}
}

// toReceipt converts a stored row back to the domain type.
func (row *ReceiptRow) toReceipt() *domain.Receipt {
	rec := &domain.Receipt{
		ID:              row.ID,
		SourcePlatform:  domain.Source(row.SourcePlatform),
		SourceChatID:    row.SourceChatID.StringVal,
		MessageID:       row.MessageID.StringVal,
		RawText:         row.RawText.StringVal,
		MediaRefs:       row.MediaRefs,
		EventType:       domain.EventType(row.EventType),
		Amount:          fromNumeric(row.Amount),
		Currency:        row.Currency,
		Sign:            int(row.Sign),
		CardBrand:       stringPtr(row.CardBrand),
		CardMask:        stringPtr(row.CardMask),
		OperatorRaw:     stringPtr(row.OperatorRaw),
		OperatorCanon:   stringPtr(row.OperatorCanon),
		OperatorApp:     stringPtr(row.OperatorApp),
		MerchantName:    stringPtr(row.MerchantName),
		MerchantAddress: stringPtr(row.MerchantAddress),
		BalanceCurrency: stringPtr(row.BalanceCurrency),
		TSEvent:         row.TSEvent.UTC(),
		TZHint:          stringPtr(row.TZHint),
		Lang:            stringPtr(row.Lang),
		Confidence:      floatPtr(row.Confidence),
		DuplicateKey:    row.DuplicateKey,
		FieldSignature:  row.FieldSignature.StringVal,
		ParseStatus:     domain.ParseStatus(row.ParseStatus),
		Error:           row.Error.StringVal,
		Model:           row.Model.StringVal,
		Attempts:        int(row.Attempts.Int64),
		IngestAt:        row.IngestAt.UTC(),
		UpdatedAt:       row.UpdatedAt.UTC(),
	}
	if len(rec.MediaRefs) == 0 {
		rec.MediaRefs = nil
	}
	if row.BalanceAfter != nil {
		b := fromNumeric(row.BalanceAfter)
		rec.BalanceAfter = &b
	}
	return rec
}

// toNumeric renders an amount for a NUMERIC column. NUMERIC keeps nine
// fractional digits.
func toNumeric(f float64) *big.Rat {
	return decimal.NewFromFloat(f).Round(9).Rat()
}

func fromNumeric(r *big.Rat) float64 {
	if r == nil {
		return 0
	}
	f, _ := r.Float64()
	return f
}
