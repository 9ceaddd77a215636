package main

import (
	"context"
	"database/sql"

	"cloud.google.com/go/bigquery"

	bq "github.com/worq1337/parcer/internal/infra/bigquery"
	"github.com/worq1337/parcer/internal/infra/sqlite"
	"github.com/worq1337/parcer/internal/migrations"
)

type sqliteTarget struct {
	db *sql.DB
}

func (t *sqliteTarget) Applied(ctx context.Context) ([]migrations.Applied, error) {
	return sqlite.AppliedMigrations(ctx, t.db)
}

func (t *sqliteTarget) Apply(ctx context.Context, ms []migrations.Migration) (int, error) {
	return sqlite.Migrate(ctx, t.db, ms, *appliedBy)
}

func (t *sqliteTarget) Close() error { return t.db.Close() }

type bigqueryTarget struct {
	client *bigquery.Client
	tables bq.Tables
}

func (t *bigqueryTarget) Applied(ctx context.Context) ([]migrations.Applied, error) {
	return bq.AppliedMigrations(ctx, t.client, t.tables)
}

func (t *bigqueryTarget) Apply(ctx context.Context, ms []migrations.Migration) (int, error) {
	return bq.Migrate(ctx, t.client, t.tables, ms, *appliedBy)
}

func (t *bigqueryTarget) Close() error { return t.client.Close() }
