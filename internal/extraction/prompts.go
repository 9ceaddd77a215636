package extraction

import (
	"strings"
)

// Default model names per tier.
const (
	DefaultModelFast     = "gemini-2.5-flash-lite"
	DefaultModelPowerful = "gemini-2.5-pro"
	DefaultModelVision   = "gemini-2.5-flash"
)

// RequiredFields must be present in every extraction result.
var RequiredFields = []string{"event_type", "amount", "currency", "ts_event", "sign"}

const textSystemPrompt = "You parse bank and payment-provider notifications from Uzbekistan.\n" +
	"Extract one transaction from the message as a JSON object.\n\n" +
	"Fields:\n" +
	"- \"event_type\": one of payment, purchase, p2p, topup, conversion, fee, penalty, other\n" +
	"- \"amount\": positive number, without sign\n" +
	"- \"currency\": ISO 4217 code as written (UZS, USD, EUR ...)\n" +
	"- \"sign\": 1 for money in (topup), -1 for money out (payment, purchase, fee, p2p out)\n" +
	"- \"ts_event\": ISO 8601 UTC timestamp, e.g. 2025-04-04T18:46:00Z\n" +
	"- \"card_brand\", \"card_mask\": as written, or null\n" +
	"- \"operator_raw\": operator or terminal name exactly as in the text, or null\n" +
	"- \"merchant_name\", \"merchant_address\": or null\n" +
	"- \"balance_after\", \"balance_currency\": balance after the operation, or null\n" +
	"- \"tz_hint\": time zone stated or implied by the message, or null\n" +
	"- \"lang\": one of ru, uz, en\n" +
	"- \"confidence\": number between 0 and 1; below 0.8 when unsure\n\n" +
	"Return ONLY the JSON object. Do NOT wrap it in code fences.\n"

const imageSystemPrompt = "You parse photos and screenshots of bank receipts and payment notifications.\n" +
	"Extract one transaction from the image as a JSON object with the same fields and rules as below.\n\n" +
	textSystemPrompt

// systemPrompt returns the fixed instructions for the input kind.
func systemPrompt(in Input) string {
	if in.IsImage() {
		return imageSystemPrompt
	}
	return textSystemPrompt
}

// userPrompt returns the user content for the input.
func userPrompt(in Input) string {
	if !in.IsImage() {
		return in.Text
	}
	var b strings.Builder
	b.WriteString("Extract the transaction from this receipt image.")
	if hint := strings.TrimSpace(in.ImageHint); hint != "" {
		b.WriteString("\nText recognized on the image:\n")
		b.WriteString(hint)
	}
	if text := strings.TrimSpace(in.Text); text != "" {
		b.WriteString("\nMessage caption:\n")
		b.WriteString(text)
	}
	return b.String()
}
