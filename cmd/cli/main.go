package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"

	"github.com/worq1337/parcer/internal/app"
	"github.com/worq1337/parcer/internal/config"
	"github.com/worq1337/parcer/internal/domain"
	"github.com/worq1337/parcer/internal/export"
	"github.com/worq1337/parcer/internal/logger"
	"github.com/worq1337/parcer/internal/operators"
)

func main() {
	log := logger.New(logger.Options{Level: os.Getenv("LOG_LEVEL"), Service: "parcer-cli", Output: os.Stderr})
	logger.SetDefault(log)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "ingest":
		runIngest(log)
	case "reextract":
		runReextract(log)
	case "list":
		runList(log)
	case "inspect":
		runInspect(log)
	case "export":
		runExport(log)
	case "upload":
		runUpload(log)
	case "operators":
		runOperators(log)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Receipt parser CLI")
	fmt.Println("\nUsage:")
	fmt.Println("  cli <command> [options]")
	fmt.Println("\nCommands:")
	fmt.Println("  ingest     Run a notification text (and optional image) through the pipeline")
	fmt.Println("  reextract  Repeat extraction for a stored receipt")
	fmt.Println("  list       List stored receipts")
	fmt.Println("  inspect    Show a receipt and its extraction runs")
	fmt.Println("  export     Write receipts to an XLSX file")
	fmt.Println("  upload     Upload a receipt image to GCS")
	fmt.Println("  operators  Test a value against the operator dictionary")
	fmt.Println("  help       Show this help message")
	fmt.Println("\nRun 'cli <command> -h' for more information on a command.")
}

// openApp loads configuration and assembles the application.
func openApp(log zerolog.Logger, envFile string) (*app.App, context.Context) {
	cfg, warnings, err := config.Load(envFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	for _, w := range warnings {
		log.Warn().Msg(w)
	}
	ctx := logger.WithContext(context.Background(), log)
	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize application")
	}
	return a, ctx
}

func closeApp(log zerolog.Logger, a *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		log.Error().Err(err).Msg("Error closing application")
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func runIngest(log zerolog.Logger) {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	envFile := fs.String("env", ".env", "Path to an optional .env file")
	text := fs.String("text", "", "Notification text")
	image := fs.String("image", "", "Image reference (gs:// or https://)")
	chatID := fs.String("chat", "", "Source chat ID")
	messageID := fs.String("message", "", "Source message ID")
	fs.Parse(os.Args[2:])

	if *text == "" && *image == "" {
		log.Fatal().Msg("Error: -text or -image is required")
	}
	if (*chatID == "") != (*messageID == "") {
		log.Fatal().Msg("Error: -chat and -message must be given together")
	}

	a, ctx := openApp(log, *envFile)
	defer closeApp(log, a)
	orch, err := a.RequireOrchestrator()
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot ingest")
	}

	c := domain.Candidate{
		Source:       domain.SourceAPI,
		RawText:      *text,
		SourceChatID: *chatID,
		MessageID:    *messageID,
	}
	if *image != "" {
		c.MediaRefs = []string{*image}
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	out, err := orch.Ingest(ctx, c)
	if err != nil {
		log.Error().Err(err).Msg("Ingestion failed")
		closeApp(log, a)
		os.Exit(1)
	}
	printJSON(out)
}

func runReextract(log zerolog.Logger) {
	fs := flag.NewFlagSet("reextract", flag.ExitOnError)
	envFile := fs.String("env", ".env", "Path to an optional .env file")
	id := fs.String("id", "", "Receipt ID")
	fs.Parse(os.Args[2:])

	if *id == "" {
		log.Fatal().Msg("Error: -id is required")
	}

	a, ctx := openApp(log, *envFile)
	defer closeApp(log, a)
	orch, err := a.RequireOrchestrator()
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot re-extract")
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	out, err := orch.Reextract(ctx, *id)
	if err != nil {
		log.Error().Err(err).Msg("Re-extraction failed")
		closeApp(log, a)
		os.Exit(1)
	}
	printJSON(out)
}

func runList(log zerolog.Logger) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	envFile := fs.String("env", ".env", "Path to an optional .env file")
	limit := fs.Int("limit", 20, "Maximum receipts to show")
	status := fs.String("status", "", "Filter by parse status")
	fs.Parse(os.Args[2:])

	a, ctx := openApp(log, *envFile)
	defer closeApp(log, a)

	receipts, err := a.Store.List(ctx, domain.ReceiptFilter{Limit: *limit, Status: domain.ParseStatus(*status)})
	if err != nil {
		log.Error().Err(err).Msg("Failed to list receipts")
		return
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tEVENT TIME\tTYPE\tAMOUNT\tOPERATOR\tSTATUS")
	for _, r := range receipts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f %s\t%s\t%s\n",
			r.ID, r.TSEvent.UTC().Format(time.DateTime), r.EventType,
			float64(r.Sign)*r.Amount, r.Currency,
			domain.Deref(r.OperatorCanon), r.ParseStatus)
	}
	tw.Flush()
}

func runInspect(log zerolog.Logger) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	envFile := fs.String("env", ".env", "Path to an optional .env file")
	id := fs.String("id", "", "Receipt ID")
	fs.Parse(os.Args[2:])

	if *id == "" {
		log.Fatal().Msg("Error: -id is required")
	}

	a, ctx := openApp(log, *envFile)
	defer closeApp(log, a)

	rec, err := a.Store.Get(ctx, *id)
	if err != nil {
		log.Error().Err(err).Msg("Failed to get receipt")
		return
	}
	runs, err := a.Store.ListRuns(ctx, *id)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list extraction runs")
		return
	}

	printJSON(map[string]any{"receipt": rec, "runs": runs})
}

func runExport(log zerolog.Logger) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	envFile := fs.String("env", ".env", "Path to an optional .env file")
	out := fs.String("out", "receipts.xlsx", "Output file")
	status := fs.String("status", "", "Filter by parse status")
	fs.Parse(os.Args[2:])

	a, ctx := openApp(log, *envFile)
	defer closeApp(log, a)

	receipts, err := export.CollectAll(ctx, a.Store, domain.ReceiptFilter{Status: domain.ParseStatus(*status)})
	if err != nil {
		log.Error().Err(err).Msg("Failed to read receipts")
		return
	}

	f, err := os.Create(*out)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create output file")
		return
	}
	defer f.Close()

	if err := export.WriteXLSX(f, receipts); err != nil {
		log.Error().Err(err).Msg("Export failed")
		return
	}
	fmt.Printf("Exported %d receipts to %s\n", len(receipts), *out)
}

func runUpload(log zerolog.Logger) {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	envFile := fs.String("env", ".env", "Path to an optional .env file")
	filePath := fs.String("file", "", "Path to a local image")
	fs.Parse(os.Args[2:])

	if *filePath == "" {
		log.Fatal().Msg("Usage: cli upload -file PATH")
	}

	a, ctx := openApp(log, *envFile)
	defer closeApp(log, a)
	if a.Uploader == nil {
		log.Error().Msg("GCS_BUCKET is not configured")
		return
	}

	f, err := os.Open(*filePath)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open file")
		return
	}
	defer f.Close()

	contentType := mime.TypeByExtension(filepath.Ext(*filePath))
	ref, err := a.Uploader.Upload(ctx, filepath.Base(*filePath), contentType, f)
	if err != nil {
		log.Error().Err(err).Msg("Upload failed")
		return
	}
	fmt.Println(ref)
}

func runOperators(log zerolog.Logger) {
	fs := flag.NewFlagSet("operators", flag.ExitOnError)
	file := fs.String("file", "", "Operator dictionary YAML (defaults to the built-in one)")
	match := fs.String("match", "", "Value to match")
	fs.Parse(os.Args[2:])

	ctx := logger.WithContext(context.Background(), log)
	reg, err := operators.Load(ctx, *file)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load operator dictionary")
	}

	if *match == "" {
		printJSON(map[string]any{"rules": reg.Rules(), "skipped": reg.Skipped()})
		return
	}

	rule, ok := reg.Match(*match)
	if !ok {
		fmt.Printf("No operator matches %q\n", *match)
		os.Exit(1)
	}
	printJSON(rule)
}
