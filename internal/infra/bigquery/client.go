// Package bigquery is the BigQuery storage backend. BigQuery has no unique
// constraints, so receipt inserts go through a MERGE keyed on duplicate_key.
package bigquery

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/option"

	"github.com/worq1337/parcer/internal/domain"
)

const (
	receiptsTable     = "receipts"
	runsTable         = "extraction_runs"
	modelOutputsTable = "model_outputs"
	migrationsTable   = "schema_migrations"
)

// Tables names the dataset holding the receipt tables.
type Tables struct {
	Project string
	Dataset string
}

// Ref returns the fully qualified, backtick-quoted table name.
func (t Tables) Ref(table string) string {
	return fmt.Sprintf("`%s.%s.%s`", t.Project, t.Dataset, table)
}

// NewClient creates a BigQuery client for the project in t.
func NewClient(ctx context.Context, t Tables, opts ...option.ClientOption) (*bigquery.Client, error) {
	if t.Project == "" || t.Dataset == "" {
		return nil, errors.New("NewClient: project and dataset are required")
	}
	client, err := bigquery.NewClient(ctx, t.Project, opts...)
	if err != nil {
		return nil, fmt.Errorf("NewClient: creating client: %w", err)
	}
	return client, nil
}

// runDML runs a DML statement and returns the number of affected rows.
func runDML(ctx context.Context, q *bigquery.Query) (int64, error) {
	job, err := q.Run(ctx)
	if err != nil {
		return 0, fmt.Errorf("running query: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return 0, fmt.Errorf("waiting for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return 0, fmt.Errorf("job error: %w", err)
	}
	if status.Statistics == nil {
		return 0, nil
	}
	if qs, ok := status.Statistics.Details.(*bigquery.QueryStatistics); ok {
		return qs.NumDMLAffectedRows, nil
	}
	return 0, nil
}

// storageError wraps err for the pipeline. BigQuery errors are never
// constraint violations since the service enforces none.
func storageError(op string, err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return err
	}
	var pe *domain.PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &domain.PersistenceError{Kind: domain.PersistenceUnavailable, Err: fmt.Errorf("%s: %w", op, err)}
}

func nullString(s *string) bigquery.NullString {
	if s == nil {
		return bigquery.NullString{}
	}
	return bigquery.NullString{StringVal: *s, Valid: true}
}

func nullEmpty(s string) bigquery.NullString {
	return bigquery.NullString{StringVal: s, Valid: s != ""}
}

func nullFloat(f *float64) bigquery.NullFloat64 {
	if f == nil {
		return bigquery.NullFloat64{}
	}
	return bigquery.NullFloat64{Float64: *f, Valid: true}
}

func stringPtr(ns bigquery.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.StringVal
	return &s
}

func floatPtr(nf bigquery.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	f := nf.Float64
	return &f
}
