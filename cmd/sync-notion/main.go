package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/worq1337/parcer/internal/app"
	"github.com/worq1337/parcer/internal/config"
	"github.com/worq1337/parcer/internal/domain"
	"github.com/worq1337/parcer/internal/logger"
	"github.com/worq1337/parcer/internal/notionsync"
)

func main() {
	envFile := flag.String("env", ".env", "Path to an optional .env file")
	startDateStr := flag.String("start-date", "", "Only receipts ingested on or after this date (YYYY-MM-DD)")
	endDateStr := flag.String("end-date", "", "Only receipts ingested before the end of this date (YYYY-MM-DD)")
	status := flag.String("status", "", "Only receipts with this parse status")
	notionToken := flag.String("notion-token", "", "Notion API token (defaults to NOTION_TOKEN)")
	notionDBID := flag.String("notion-db-id", "", "Notion database ID (defaults to NOTION_DATABASE_ID)")
	dryRun := flag.Bool("dry-run", false, "Dry run mode - preview changes without syncing")
	flag.Parse()

	log := logger.New(logger.Options{Service: "parcer-sync-notion"})

	cfg, _, err := config.Load(*envFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	if *notionToken == "" {
		*notionToken = cfg.NotionToken
	}
	if *notionDBID == "" {
		*notionDBID = cfg.NotionDatabaseID
	}
	if *notionToken == "" || *notionDBID == "" {
		log.Fatal().Msg("Error: a Notion token and database ID are required")
	}

	filter, err := dateFilter(*startDateStr, *endDateStr)
	if err != nil {
		log.Fatal().Err(err).Msg("Error: invalid date range")
	}
	filter.Status = domain.ParseStatus(*status)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	log.Info().
		Str("start_date", *startDateStr).
		Str("end_date", *endDateStr).
		Bool("dry_run", *dryRun).
		Msg("Starting Notion sync")

	store, closeStore, err := app.OpenStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open storage")
	}
	defer closeStore()

	stats, err := notionsync.SyncReceipts(ctx, store, notionsync.NewNotionClient(*notionToken), *notionDBID, filter, *dryRun)
	if err != nil {
		log.Fatal().Err(err).Msg("Sync failed")
	}

	fmt.Printf("Sync completed: %d created, %d updated, %d failed.\n", stats.Created, stats.Updated, stats.Failed)
}

// dateFilter turns optional YYYY-MM-DD bounds into a half-open UTC range.
func dateFilter(start, end string) (domain.ReceiptFilter, error) {
	var f domain.ReceiptFilter
	if start != "" {
		t, err := time.Parse(time.DateOnly, start)
		if err != nil {
			return f, fmt.Errorf("start-date: %w", err)
		}
		f.Since = t
	}
	if end != "" {
		t, err := time.Parse(time.DateOnly, end)
		if err != nil {
			return f, fmt.Errorf("end-date: %w", err)
		}
		f.Until = t.AddDate(0, 0, 1)
	}
	if !f.Since.IsZero() && !f.Until.IsZero() && !f.Until.After(f.Since) {
		return f, fmt.Errorf("end-date must not be before start-date")
	}
	return f, nil
}
