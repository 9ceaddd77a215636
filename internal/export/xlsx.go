// Package export renders stored receipts as spreadsheets.
package export

import (
	"context"
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/worq1337/parcer/internal/domain"
)

// SheetName is the worksheet receipts are written to.
const SheetName = "Receipts"

const pageSize = 500

// Lister pages through stored receipts.
type Lister interface {
	List(ctx context.Context, filter domain.ReceiptFilter) ([]*domain.Receipt, error)
}

var headers = []string{
	"ID", "Event time (UTC)", "Event type", "Amount", "Currency", "Operator", "App",
	"Card", "Merchant", "Balance after", "Status", "Confidence", "Source", "Message ID", "Ingested",
}

// CollectAll reads every receipt matching filter, ignoring Limit and Offset.
func CollectAll(ctx context.Context, l Lister, filter domain.ReceiptFilter) ([]*domain.Receipt, error) {
	var all []*domain.Receipt
	filter.Limit = pageSize
	for offset := 0; ; offset += pageSize {
		filter.Offset = offset
		page, err := l.List(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("CollectAll: listing offset %d: %w", offset, err)
		}
		all = append(all, page...)
		if len(page) < pageSize {
			return all, nil
		}
	}
}

// WriteXLSX writes receipts as a single-sheet workbook to w.
func WriteXLSX(w io.Writer, receipts []*domain.Receipt) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return fmt.Errorf("WriteXLSX: renaming sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 11},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#D9E1F2"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return fmt.Errorf("WriteXLSX: creating header style: %w", err)
	}
	amountStyle, err := f.NewStyle(&excelize.Style{NumFmt: 4})
	if err != nil {
		return fmt.Errorf("WriteXLSX: creating amount style: %w", err)
	}

	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(SheetName, cell, h); err != nil {
			return fmt.Errorf("WriteXLSX: writing header: %w", err)
		}
	}
	last, _ := excelize.CoordinatesToCellName(len(headers), 1)
	_ = f.SetCellStyle(SheetName, "A1", last, headerStyle)

	for i, r := range receipts {
		row := i + 2
		cell, _ := excelize.CoordinatesToCellName(1, row)
		if err := f.SetSheetRow(SheetName, cell, &[]any{
			r.ID,
			r.TSEvent.UTC().Format("2006-01-02 15:04:05"),
			string(r.EventType),
			float64(r.Sign) * r.Amount,
			r.Currency,
			deref(r.OperatorCanon, r.OperatorRaw),
			deref(r.OperatorApp),
			cardLabel(r),
			deref(r.MerchantName),
			balance(r),
			string(r.ParseStatus),
			confidence(r.Confidence),
			string(r.SourcePlatform),
			r.MessageID,
			r.IngestAt.UTC().Format("2006-01-02 15:04:05"),
		}); err != nil {
			return fmt.Errorf("WriteXLSX: writing row %d: %w", row, err)
		}
	}
	if len(receipts) > 0 {
		_ = f.SetCellStyle(SheetName, "D2", fmt.Sprintf("D%d", len(receipts)+1), amountStyle)
		_ = f.SetCellStyle(SheetName, "J2", fmt.Sprintf("J%d", len(receipts)+1), amountStyle)
	}

	for i := range headers {
		col, _ := excelize.ColumnNumberToName(i + 1)
		_ = f.SetColWidth(SheetName, col, col, 18)
	}
	_ = f.SetPanes(SheetName, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})

	if err := f.Write(w); err != nil {
		return fmt.Errorf("WriteXLSX: writing workbook: %w", err)
	}
	return nil
}

// deref returns the first non-empty value.
func deref(vals ...*string) string {
	for _, v := range vals {
		if v != nil && *v != "" {
			return *v
		}
	}
	return ""
}

func cardLabel(r *domain.Receipt) string {
	brand, mask := deref(r.CardBrand), deref(r.CardMask)
	switch {
	case brand != "" && mask != "":
		return brand + " " + mask
	case brand != "":
		return brand
	default:
		return mask
	}
}

func balance(r *domain.Receipt) any {
	if r.BalanceAfter == nil {
		return ""
	}
	return *r.BalanceAfter
}

func confidence(c *float64) any {
	if c == nil {
		return ""
	}
	return *c
}
