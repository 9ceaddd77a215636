// Package sqlite is the SQLite storage backend.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/worq1337/parcer/internal/domain"
	"github.com/worq1337/parcer/internal/logger"
	"github.com/worq1337/parcer/internal/migrations"
)

// timeLayout is fixed-width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Open opens the database at path and applies pending migrations.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	db, err := Connect(ctx, path)
	if err != nil {
		return nil, err
	}

	ms, _, err := migrations.Load(migrations.Files(), migrations.DirSQLite, nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("Open: loading migrations: %w", err)
	}
	if _, err := Migrate(ctx, db, ms, "parcer"); err != nil {
		db.Close()
		return nil, fmt.Errorf("Open: %w", err)
	}
	return db, nil
}

// Connect opens the database at path without touching the schema.
func Connect(ctx context.Context, path string) (*sql.DB, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("Connect: opening database at %s: %w", path, err)
	}
	// One writer at a time; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("Connect: ping: %w", err)
	}
	return db, nil
}

// Migrate applies pending migrations and records them in schema_migrations.
// It returns the number of migrations applied.
func Migrate(ctx context.Context, db *sql.DB, ms []migrations.Migration, appliedBy string) (int, error) {
	log := logger.FromContext(ctx)

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TEXT NOT NULL,
			checksum   TEXT,
			applied_by TEXT
		)`); err != nil {
		return 0, fmt.Errorf("Migrate: ensuring schema_migrations: %w", err)
	}

	applied, err := AppliedMigrations(ctx, db)
	if err != nil {
		return 0, err
	}

	pending, changed := migrations.Pending(ms, applied)
	for _, v := range changed {
		log.Warn().Int("version", v).Msg("Applied migration changed on disk")
	}

	for _, m := range pending {
		if err := applyMigration(ctx, db, m, appliedBy); err != nil {
			return 0, fmt.Errorf("Migrate: migration %04d_%s: %w", m.Version, m.Name, err)
		}
		log.Info().Int("version", m.Version).Str("name", m.Name).Msg("Applied migration")
	}
	return len(pending), nil
}

func applyMigration(ctx context.Context, db *sql.DB, m migrations.Migration, appliedBy string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range migrations.Statements(m.SQL) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("executing statement: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name, applied_at, checksum, applied_by) VALUES (?, ?, ?, ?, ?)`,
		m.Version, m.Name, formatTime(time.Now()), m.Checksum, appliedBy,
	); err != nil {
		return fmt.Errorf("recording migration: %w", err)
	}
	return tx.Commit()
}

// AppliedMigrations lists rows of schema_migrations ordered by version.
func AppliedMigrations(ctx context.Context, db *sql.DB) ([]migrations.Applied, error) {
	rows, err := db.QueryContext(ctx, `SELECT version, name, applied_at, checksum, applied_by FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("AppliedMigrations: query: %w", err)
	}
	defer rows.Close()

	var out []migrations.Applied
	for rows.Next() {
		var (
			a                   migrations.Applied
			appliedAt           string
			checksum, appliedBy sql.NullString
		)
		if err := rows.Scan(&a.Version, &a.Name, &appliedAt, &checksum, &appliedBy); err != nil {
			return nil, fmt.Errorf("AppliedMigrations: scan: %w", err)
		}
		a.AppliedAt, _ = parseTime(appliedAt)
		a.Checksum = checksum.String
		a.AppliedBy = appliedBy.String
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("AppliedMigrations: iterate: %w", err)
	}
	return out, nil
}

// isUniqueViolation reports whether err comes from a UNIQUE or PRIMARY KEY constraint.
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		if code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// storageError classifies err for the pipeline.
func storageError(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	kind := domain.PersistenceUnavailable
	if isUniqueViolation(err) {
		kind = domain.ConstraintViolation
	}
	return &domain.PersistenceError{Kind: kind, Err: fmt.Errorf("%s: %w", op, err)}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC(), err
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func floatPtr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	f := nf.Float64
	return &f
}
