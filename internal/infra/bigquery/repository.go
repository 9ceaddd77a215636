package bigquery

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/option"

	"github.com/worq1337/parcer/internal/domain"
)

// Repository stores receipts and the run log in BigQuery. It holds a shared
// client to avoid creating a new connection for each operation.
//
// BigQuery has no unique constraints, so writes for one duplicate key are
// serialized in-process. Separate processes writing to the same table can
// still race two MERGEs on one key; run a single writer per table.
type Repository struct {
	client *bigquery.Client
	tables Tables
	keys   keyLocks
}

// NewRepository creates a repository with its own client.
func NewRepository(ctx context.Context, t Tables, opts ...option.ClientOption) (*Repository, error) {
	client, err := NewClient(ctx, t, opts...)
	if err != nil {
		return nil, fmt.Errorf("NewRepository: %w", err)
	}
	return &Repository{client: client, tables: t}, nil
}

// Close closes the BigQuery client connection.
func (r *Repository) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Client exposes the shared client, e.g. for migrations.
func (r *Repository) Client() *bigquery.Client {
	return r.client
}

func (r *Repository) InsertIfAbsent(ctx context.Context, rec *domain.Receipt) (*domain.Receipt, bool, error) {
	defer r.keys.lock(rec.DuplicateKey)()
	return InsertReceiptIfAbsentWithClient(ctx, r.client, r.tables, rec)
}

func (r *Repository) FindByKey(ctx context.Context, duplicateKey string) (*domain.Receipt, error) {
	return FindReceiptByKeyWithClient(ctx, r.client, r.tables, duplicateKey)
}

func (r *Repository) FindByMessage(ctx context.Context, sourceChatID, messageID string) (*domain.Receipt, error) {
	return FindReceiptByMessageWithClient(ctx, r.client, r.tables, sourceChatID, messageID)
}

func (r *Repository) FindByFieldSignature(ctx context.Context, signature string) (*domain.Receipt, error) {
	return FindReceiptByFieldSignatureWithClient(ctx, r.client, r.tables, signature)
}

func (r *Repository) Get(ctx context.Context, id string) (*domain.Receipt, error) {
	return GetReceiptWithClient(ctx, r.client, r.tables, id)
}

func (r *Repository) Update(ctx context.Context, rec *domain.Receipt) error {
	defer r.keys.lock(rec.DuplicateKey)()
	return UpdateReceiptWithClient(ctx, r.client, r.tables, rec)
}

func (r *Repository) List(ctx context.Context, f domain.ReceiptFilter) ([]*domain.Receipt, error) {
	return ListReceiptsWithClient(ctx, r.client, r.tables, f)
}

func (r *Repository) StartRun(ctx context.Context, run *domain.ExtractionRun) error {
	return StartRunWithClient(ctx, r.client, r.tables, run)
}

func (r *Repository) FinishRun(ctx context.Context, run *domain.ExtractionRun) error {
	return FinishRunWithClient(ctx, r.client, r.tables, run)
}

func (r *Repository) InsertModelOutput(ctx context.Context, out *domain.ModelOutput) error {
	return InsertModelOutputWithClient(ctx, r.client, r.tables, out)
}

func (r *Repository) ListRuns(ctx context.Context, receiptID string) ([]*domain.ExtractionRun, error) {
	return ListRunsWithClient(ctx, r.client, r.tables, receiptID)
}
