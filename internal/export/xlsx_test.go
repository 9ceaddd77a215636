package export

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/worq1337/parcer/internal/domain"
)

func strPtr(s string) *string { return &s }

func TestWriteXLSX(t *testing.T) {
	bal := 1250000.5
	conf := 0.93
	receipts := []*domain.Receipt{
		{
			ID:             "r-1",
			SourcePlatform: domain.SourceMessaging,
			MessageID:      "42",
			EventType:      domain.EventPayment,
			Amount:         150000,
			Currency:       "UZS",
			Sign:           -1,
			CardBrand:      strPtr("HUMO"),
			CardMask:       strPtr("*1234"),
			OperatorRaw:    strPtr("PAYME UZ"),
			OperatorCanon:  strPtr("Payme"),
			OperatorApp:    strPtr("Payme"),
			BalanceAfter:   &bal,
			TSEvent:        time.Date(2025, 4, 3, 9, 15, 0, 0, time.UTC),
			Confidence:     &conf,
			ParseStatus:    domain.ParseStatusOK,
			IngestAt:       time.Date(2025, 4, 3, 9, 16, 0, 0, time.UTC),
		},
		{
			ID:          "r-2",
			EventType:   domain.EventOther,
			Amount:      10,
			Currency:    "USD",
			Sign:        1,
			OperatorRaw: strPtr("Unknown shop"),
			ParseStatus: domain.ParseStatusNeedsReview,
		},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteXLSX(&buf, receipts))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(SheetName)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, headers, rows[0])

	assert.Equal(t, "r-1", rows[1][0])
	assert.Equal(t, "2025-04-03 09:15:00", rows[1][1])
	assert.Equal(t, "payment", rows[1][2])
	v, err := f.GetCellValue(SheetName, "D2", excelize.Options{RawCellValue: true})
	require.NoError(t, err)
	assert.Equal(t, "-150000", v)
	assert.Equal(t, "Payme", rows[1][5])
	assert.Equal(t, "HUMO *1234", rows[1][7])

	assert.Equal(t, "Unknown shop", rows[2][5])
	assert.Equal(t, "needs_review", rows[2][10])
}

type pagedLister struct {
	total int
	calls int
}

func (p *pagedLister) List(_ context.Context, filter domain.ReceiptFilter) ([]*domain.Receipt, error) {
	p.calls++
	var out []*domain.Receipt
	for i := filter.Offset; i < p.total && i < filter.Offset+filter.Limit; i++ {
		out = append(out, &domain.Receipt{ID: "r"})
	}
	return out, nil
}

func TestCollectAll(t *testing.T) {
	l := &pagedLister{total: pageSize + 3}
	all, err := CollectAll(context.Background(), l, domain.ReceiptFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, all, pageSize+3)
	assert.Equal(t, 2, l.calls)
}
