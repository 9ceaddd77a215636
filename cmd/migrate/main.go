// Command migrate applies the versioned schema files to the SQLite or
// BigQuery backend and records them in schema_migrations.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/worq1337/parcer/internal/config"
	bq "github.com/worq1337/parcer/internal/infra/bigquery"
	"github.com/worq1337/parcer/internal/infra/sqlite"
	"github.com/worq1337/parcer/internal/logger"
	"github.com/worq1337/parcer/internal/migrations"
)

var (
	backend   = flag.String("backend", "", "sqlite or bigquery (defaults to STORAGE_BACKEND)")
	dbPath    = flag.String("db", "", "SQLite database path (defaults to DATABASE_PATH)")
	projectID = flag.String("project", "", "GCP project ID (defaults to BQ_PROJECT)")
	datasetID = flag.String("dataset", "", "BigQuery dataset ID (defaults to BQ_DATASET)")
	appliedBy = flag.String("applied-by", "migrate-cli", "Name of the tool applying migrations")
	status    = flag.Bool("status", false, "Only print applied and pending migrations")
	envFile   = flag.String("env", ".env", "Path to an optional .env file")
)

// target abstracts the two backends for the command.
type target interface {
	Applied(ctx context.Context) ([]migrations.Applied, error)
	Apply(ctx context.Context, ms []migrations.Migration) (int, error)
	Close() error
}

func main() {
	flag.Parse()
	log := logger.New(logger.Options{Service: "parcer-migrate"})
	ctx := logger.WithContext(context.Background(), log)

	overrideEnv()
	cfg, _, err := config.Load(*envFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	tgt, ms, err := openTarget(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open migration target")
	}
	defer tgt.Close()

	log.Info().Str("backend", cfg.StorageBackend).Int("files", len(ms)).Msg("Loaded migrations")

	if *status {
		applied, err := tgt.Applied(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to read applied migrations")
		}
		printStatus(os.Stdout, ms, applied)
		return
	}

	n, err := tgt.Apply(ctx, ms)
	if err != nil {
		log.Fatal().Err(err).Msg("Migration failed")
	}
	if n == 0 {
		log.Info().Msg("No new migrations to apply. Database is up to date.")
	} else {
		log.Info().Int("applied", n).Msg("Successfully applied migrations")
	}
}

// overrideEnv exports the flags that were set so they win over .env and the
// environment during config validation.
func overrideEnv() {
	for key, val := range map[string]string{
		"STORAGE_BACKEND": *backend,
		"DATABASE_PATH":   *dbPath,
		"BQ_PROJECT":      *projectID,
		"BQ_DATASET":      *datasetID,
	} {
		if val != "" {
			os.Setenv(key, val)
		}
	}
}

func openTarget(ctx context.Context, cfg *config.Config) (target, []migrations.Migration, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	switch cfg.StorageBackend {
	case config.BackendSQLite:
		ms, skipped, err := migrations.Load(migrations.Files(), migrations.DirSQLite, nil)
		if err != nil {
			return nil, nil, err
		}
		logSkipped(ctx, skipped)
		db, err := sqlite.Connect(ctx, cfg.DatabasePath)
		if err != nil {
			return nil, nil, err
		}
		return &sqliteTarget{db: db}, ms, nil
	case config.BackendBigQuery:
		tables := bq.Tables{Project: cfg.BQProject, Dataset: cfg.BQDataset}
		ms, skipped, err := bq.LoadMigrations(tables)
		if err != nil {
			return nil, nil, err
		}
		logSkipped(ctx, skipped)
		client, err := bq.NewClient(ctx, tables)
		if err != nil {
			return nil, nil, err
		}
		return &bigqueryTarget{client: client, tables: tables}, ms, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.StorageBackend)
	}
}

func logSkipped(ctx context.Context, skipped []string) {
	for _, f := range skipped {
		log := logger.FromContext(ctx)
		log.Warn().Str("file", f).Msg("Skipping file with invalid format")
	}
}

// printStatus writes one line per migration file and flags changed checksums.
func printStatus(w io.Writer, ms []migrations.Migration, applied []migrations.Applied) {
	done := make(map[int]migrations.Applied, len(applied))
	for _, a := range applied {
		done[a.Version] = a
	}
	for _, m := range ms {
		a, ok := done[m.Version]
		switch {
		case !ok:
			fmt.Fprintf(w, "  [PENDING] %04d_%s\n", m.Version, m.Name)
		case a.Checksum != "" && a.Checksum != m.Checksum:
			fmt.Fprintf(w, "  [CHANGED] %04d_%s (applied %s)\n", m.Version, m.Name, a.AppliedAt.Format("2006-01-02 15:04"))
		default:
			fmt.Fprintf(w, "  [APPLIED] %04d_%s (applied %s by %s)\n", m.Version, m.Name, a.AppliedAt.Format("2006-01-02 15:04"), a.AppliedBy)
		}
	}
}
