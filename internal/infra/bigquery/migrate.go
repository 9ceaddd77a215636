package bigquery

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"

	"github.com/worq1337/parcer/internal/logger"
	"github.com/worq1337/parcer/internal/migrations"
)

// LoadMigrations reads the embedded BigQuery migrations with the dataset
// placeholders filled in.
func LoadMigrations(t Tables) ([]migrations.Migration, []string, error) {
	return migrations.Load(migrations.Files(), migrations.DirBigQuery, map[string]string{
		migrations.PlaceholderProject: t.Project,
		migrations.PlaceholderDataset: t.Dataset,
	})
}

// Migrate applies pending migrations and records them in schema_migrations.
// It returns the number of migrations applied.
func Migrate(ctx context.Context, client *bigquery.Client, t Tables, ms []migrations.Migration, appliedBy string) (int, error) {
	log := logger.FromContext(ctx)

	if err := execQuery(ctx, client.Query(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version    INT64 NOT NULL,
			name       STRING NOT NULL,
			applied_at TIMESTAMP NOT NULL,
			checksum   STRING,
			applied_by STRING
		)
	`, t.Ref(migrationsTable)))); err != nil {
		return 0, fmt.Errorf("Migrate: ensuring schema_migrations: %w", err)
	}

	applied, err := AppliedMigrations(ctx, client, t)
	if err != nil {
		return 0, fmt.Errorf("Migrate: %w", err)
	}

	pending, changed := migrations.Pending(ms, applied)
	for _, v := range changed {
		log.Warn().Int("version", v).Msg("Applied migration changed on disk")
	}

	for _, m := range pending {
		// BigQuery runs multi-statement scripts, but statements are sent one by
		// one so a failure names the statement.
		for _, stmt := range migrations.Statements(m.SQL) {
			if err := execQuery(ctx, client.Query(stmt)); err != nil {
				return 0, fmt.Errorf("Migrate: migration %04d_%s: %w", m.Version, m.Name, err)
			}
		}

		q := client.Query(fmt.Sprintf(`
			INSERT INTO %s (version, name, applied_at, checksum, applied_by)
			VALUES (@version, @name, CURRENT_TIMESTAMP(), @checksum, @applied_by)
		`, t.Ref(migrationsTable)))
		q.Parameters = []bigquery.QueryParameter{
			{Name: "version", Value: m.Version},
			{Name: "name", Value: m.Name},
			{Name: "checksum", Value: m.Checksum},
			{Name: "applied_by", Value: appliedBy},
		}
		if err := execQuery(ctx, q); err != nil {
			return 0, fmt.Errorf("Migrate: recording %04d_%s: %w", m.Version, m.Name, err)
		}
		log.Info().Int("version", m.Version).Str("name", m.Name).Msg("Applied migration")
	}
	return len(pending), nil
}

// AppliedMigrations lists rows of schema_migrations ordered by version.
func AppliedMigrations(ctx context.Context, client *bigquery.Client, t Tables) ([]migrations.Applied, error) {
	q := client.Query(fmt.Sprintf(`
		SELECT version, name, applied_at, checksum, applied_by
		FROM %s
		ORDER BY version ASC
	`, t.Ref(migrationsTable)))

	it, err := q.Read(ctx)
	if err != nil {
		// Table doesn't exist yet.
		if strings.Contains(err.Error(), "Not found") {
			return nil, nil
		}
		return nil, fmt.Errorf("AppliedMigrations: reading: %w", err)
	}

	var applied []migrations.Applied
	for {
		var row struct {
			Version   int64                  `bigquery:"version"`
			Name      string                 `bigquery:"name"`
			AppliedAt bigquery.NullTimestamp `bigquery:"applied_at"`
			Checksum  bigquery.NullString    `bigquery:"checksum"`
			AppliedBy bigquery.NullString    `bigquery:"applied_by"`
		}
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("AppliedMigrations: iterating results: %w", err)
		}
		applied = append(applied, migrations.Applied{
			Version:   int(row.Version),
			Name:      row.Name,
			AppliedAt: row.AppliedAt.Timestamp,
			Checksum:  row.Checksum.StringVal,
			AppliedBy: row.AppliedBy.StringVal,
		})
	}
	return applied, nil
}

func execQuery(ctx context.Context, q *bigquery.Query) error {
	_, err := runDML(ctx, q)
	return err
}
