package notionsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/jomei/notionapi"

	"github.com/worq1337/parcer/internal/domain"
	"github.com/worq1337/parcer/internal/logger"
)

// BatchSize is the page size used when listing receipts for a full sync.
const BatchSize = 100

// ReceiptLister pages through stored receipts.
type ReceiptLister interface {
	List(ctx context.Context, f domain.ReceiptFilter) ([]*domain.Receipt, error)
}

// Mirror keeps one Notion page per receipt, keyed by the Receipt ID property.
type Mirror struct {
	notion     NotionService
	databaseID string
}

// NewMirror returns a mirror writing to databaseID.
func NewMirror(notion NotionService, databaseID string) *Mirror {
	return &Mirror{notion: notion, databaseID: databaseID}
}

// Name implements events.Sink.
func (m *Mirror) Name() string { return "notion" }

// Handle mirrors persisted receipts; other events are ignored.
func (m *Mirror) Handle(ctx context.Context, evt domain.Event) error {
	if evt.Name != domain.EventReceiptPersisted || evt.Receipt == nil {
		return nil
	}
	_, err := m.Upsert(ctx, evt.Receipt)
	return err
}

// Upsert creates the receipt's page or updates it in place. It returns the page id.
func (m *Mirror) Upsert(ctx context.Context, rec *domain.Receipt) (string, error) {
	pageID, err := m.findPage(ctx, rec.ID)
	if err != nil {
		return "", fmt.Errorf("Upsert: %w", err)
	}

	props := ReceiptToNotionProperties(rec)
	if pageID != "" {
		if _, err := m.notion.UpdatePage(ctx, pageID, props); err != nil {
			return "", fmt.Errorf("Upsert: %w", err)
		}
		return pageID, nil
	}

	page, err := m.notion.CreatePage(ctx, m.databaseID, props)
	if err != nil {
		return "", fmt.Errorf("Upsert: %w", err)
	}
	return string(page.ID), nil
}

func (m *Mirror) findPage(ctx context.Context, receiptID string) (string, error) {
	resp, err := m.notion.QueryDatabase(ctx, m.databaseID, &notionapi.DatabaseQueryRequest{
		Filter: notionapi.PropertyFilter{
			Property: PropReceiptID,
			RichText: &notionapi.TextFilterCondition{Equals: receiptID},
		},
		PageSize: 1,
	})
	if err != nil {
		return "", fmt.Errorf("findPage: %w", err)
	}
	if len(resp.Results) == 0 {
		return "", nil
	}
	return string(resp.Results[0].ID), nil
}

// SyncStats summarizes a full sync.
type SyncStats struct {
	Created int
	Updated int
	Failed  int
}

// SyncReceipts mirrors every receipt matching f. Existing pages are read once
// up front; per-receipt failures are logged and counted, not fatal.
func SyncReceipts(ctx context.Context, repo ReceiptLister, notion NotionService, databaseID string, f domain.ReceiptFilter, dryRun bool) (SyncStats, error) {
	log := logger.FromContext(ctx)
	var stats SyncStats

	pages, err := queryAllNotionPages(ctx, notion, databaseID)
	if err != nil {
		return stats, fmt.Errorf("SyncReceipts: %w", err)
	}
	existing := make(map[string]string, len(pages))
	for _, p := range pages {
		if id := extractReceiptID(p); id != "" {
			existing[id] = string(p.ID)
		}
	}
	log.Info().Int("notion_page_count", len(pages)).Bool("dry_run", dryRun).Msg("Starting receipt sync to Notion")

	f.Limit = BatchSize
	for offset := 0; ; offset += BatchSize {
		f.Offset = offset
		batch, err := repo.List(ctx, f)
		if err != nil {
			return stats, fmt.Errorf("SyncReceipts: listing receipts: %w", err)
		}

		for _, rec := range batch {
			pageID, found := existing[rec.ID]
			if dryRun {
				if found {
					stats.Updated++
				} else {
					stats.Created++
				}
				continue
			}

			props := ReceiptToNotionProperties(rec)
			if found {
				_, err = notion.UpdatePage(ctx, pageID, props)
			} else {
				_, err = notion.CreatePage(ctx, databaseID, props)
			}
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return stats, fmt.Errorf("SyncReceipts: %w", err)
				}
				log.Warn().Err(err).Str("receipt_id", rec.ID).Msg("Failed to mirror receipt")
				stats.Failed++
				continue
			}
			if found {
				stats.Updated++
			} else {
				stats.Created++
			}
		}

		if len(batch) < BatchSize {
			break
		}
	}

	log.Info().
		Int("created", stats.Created).
		Int("updated", stats.Updated).
		Int("failed", stats.Failed).
		Msg("Receipt sync completed")
	return stats, nil
}

func queryAllNotionPages(ctx context.Context, notion NotionService, databaseID string) ([]notionapi.Page, error) {
	var (
		all    []notionapi.Page
		cursor notionapi.Cursor
	)
	for {
		req := &notionapi.DatabaseQueryRequest{PageSize: 100}
		if cursor != "" {
			req.StartCursor = cursor
		}
		resp, err := notion.QueryDatabase(ctx, databaseID, req)
		if err != nil {
			return nil, fmt.Errorf("queryAllNotionPages: %w", err)
		}
		all = append(all, resp.Results...)
		if !resp.HasMore {
			return all, nil
		}
		cursor = resp.NextCursor
	}
}
