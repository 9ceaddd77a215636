package notionsync

import (
	"fmt"

	"github.com/jomei/notionapi"
	"github.com/shopspring/decimal"

	"github.com/worq1337/parcer/internal/domain"
)

// Property names of the receipts database.
const (
	PropTitle        = "Receipt"
	PropReceiptID    = "Receipt ID"
	PropEventType    = "Event Type"
	PropAmount       = "Amount"
	PropCurrency     = "Currency"
	PropOperator     = "Operator"
	PropApp          = "App"
	PropCard         = "Card"
	PropMerchant     = "Merchant"
	PropDate         = "Date"
	PropStatus       = "Status"
	PropConfidence   = "Confidence"
	PropDuplicateKey = "Duplicate Key"
)

// ReceiptToNotionProperties converts a receipt to page properties. Amounts
// carry the sign so outgoing payments sort below incoming ones.
func ReceiptToNotionProperties(rec *domain.Receipt) notionapi.Properties {
	ts := notionapi.Date(rec.TSEvent)
	props := notionapi.Properties{
		PropTitle:        notionapi.TitleProperty{Title: richText(receiptTitle(rec))},
		PropReceiptID:    notionapi.RichTextProperty{RichText: richText(rec.ID)},
		PropEventType:    notionapi.SelectProperty{Select: notionapi.Option{Name: string(rec.EventType)}},
		PropAmount:       notionapi.NumberProperty{Number: float64(rec.Sign) * rec.Amount},
		PropCurrency:     notionapi.SelectProperty{Select: notionapi.Option{Name: rec.Currency}},
		PropDate:         notionapi.DateProperty{Date: &notionapi.DateObject{Start: &ts}},
		PropStatus:       notionapi.SelectProperty{Select: notionapi.Option{Name: string(rec.ParseStatus)}},
		PropDuplicateKey: notionapi.RichTextProperty{RichText: richText(rec.DuplicateKey)},
	}

	if op := domain.Deref(rec.OperatorCanon); op != "" {
		props[PropOperator] = notionapi.RichTextProperty{RichText: richText(op)}
	}
	if app := domain.Deref(rec.OperatorApp); app != "" {
		props[PropApp] = notionapi.SelectProperty{Select: notionapi.Option{Name: app}}
	}
	if card := domain.Deref(rec.CardMask); card != "" {
		props[PropCard] = notionapi.RichTextProperty{RichText: richText(card)}
	}
	if m := domain.Deref(rec.MerchantName); m != "" {
		props[PropMerchant] = notionapi.RichTextProperty{RichText: richText(m)}
	}
	if rec.Confidence != nil {
		props[PropConfidence] = notionapi.NumberProperty{Number: *rec.Confidence}
	}
	return props
}

func receiptTitle(rec *domain.Receipt) string {
	who := domain.Deref(rec.OperatorCanon)
	if who == "" {
		who = domain.Deref(rec.MerchantName)
	}
	title := fmt.Sprintf("%s %s %s", rec.EventType, formatAmount(rec.Amount), rec.Currency)
	if who != "" {
		title += " · " + who
	}
	return title
}

func formatAmount(a float64) string {
	return decimal.NewFromFloat(a).Round(2).String()
}

func richText(s string) []notionapi.RichText {
	return []notionapi.RichText{{
		Type: notionapi.ObjectTypeText,
		Text: &notionapi.Text{Content: s},
	}}
}

// extractReceiptID reads the receipt id back from a queried page.
func extractReceiptID(page notionapi.Page) string {
	if prop, ok := page.Properties[PropReceiptID]; ok {
		if rt, ok := prop.(*notionapi.RichTextProperty); ok && len(rt.RichText) > 0 {
			return rt.RichText[0].PlainText
		}
	}
	return ""
}
