package bigquery

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"

	"github.com/worq1337/parcer/internal/domain"
)

// DefaultListLimit caps ListReceipts when the filter sets no limit.
const DefaultListLimit = 100

// InsertReceiptIfAbsentWithClient inserts rec unless a non-failed receipt
// already holds its duplicate key. The existing receipt is returned with
// inserted=false.
//
// The MERGE is not an atomic uniqueness check: two concurrent MERGEs on the
// same key can both take the NOT MATCHED branch. Callers must serialize per
// key; Repository does so within a process.
func InsertReceiptIfAbsentWithClient(ctx context.Context, client *bigquery.Client, t Tables, rec *domain.Receipt) (*domain.Receipt, bool, error) {
	q := client.Query(fmt.Sprintf(`
		MERGE %s T
		USING (SELECT @duplicate_key AS duplicate_key) S
		ON T.duplicate_key = S.duplicate_key AND T.parse_status != 'failed'
		WHEN NOT MATCHED THEN
			INSERT (%s)
			VALUES (%s)
	`, t.Ref(receiptsTable), selectList(), insertValues()))
	q.Parameters = receiptParams(rec)

	n, err := runDML(ctx, q)
	if err != nil {
		return nil, false, storageError("InsertReceiptIfAbsent: merge", err)
	}
	if n > 0 {
		stored := *rec
		return &stored, true, nil
	}

	existing, err := FindReceiptByKeyWithClient(ctx, client, t, rec.DuplicateKey)
	if err != nil {
		return nil, false, &domain.PersistenceError{
			Kind: domain.ConstraintViolation,
			Err:  fmt.Errorf("InsertReceiptIfAbsent: key %s held but not readable: %w", rec.DuplicateKey, err),
		}
	}
	return existing, false, nil
}

// FindReceiptByKeyWithClient returns the non-failed receipt holding duplicateKey.
func FindReceiptByKeyWithClient(ctx context.Context, client *bigquery.Client, t Tables, duplicateKey string) (*domain.Receipt, error) {
	return findOne(ctx, client, t, "FindReceiptByKey",
		`WHERE duplicate_key = @duplicate_key AND parse_status != 'failed'`,
		bigquery.QueryParameter{Name: "duplicate_key", Value: duplicateKey})
}

// FindReceiptByMessageWithClient returns the earliest non-failed receipt for a chat message.
func FindReceiptByMessageWithClient(ctx context.Context, client *bigquery.Client, t Tables, sourceChatID, messageID string) (*domain.Receipt, error) {
	return findOne(ctx, client, t, "FindReceiptByMessage",
		`WHERE source_chat_id = @source_chat_id AND message_id = @message_id AND parse_status != 'failed'`,
		bigquery.QueryParameter{Name: "source_chat_id", Value: sourceChatID},
		bigquery.QueryParameter{Name: "message_id", Value: messageID})
}

// FindReceiptByFieldSignatureWithClient returns the earliest non-failed receipt with the signature.
func FindReceiptByFieldSignatureWithClient(ctx context.Context, client *bigquery.Client, t Tables, signature string) (*domain.Receipt, error) {
	if signature == "" {
		return nil, domain.ErrNotFound
	}
	return findOne(ctx, client, t, "FindReceiptByFieldSignature",
		`WHERE field_signature = @field_signature AND parse_status != 'failed'`,
		bigquery.QueryParameter{Name: "field_signature", Value: signature})
}

// GetReceiptWithClient returns the receipt with id, whatever its status.
func GetReceiptWithClient(ctx context.Context, client *bigquery.Client, t Tables, id string) (*domain.Receipt, error) {
	return findOne(ctx, client, t, "GetReceipt", `WHERE id = @id`,
		bigquery.QueryParameter{Name: "id", Value: id})
}

// UpdateReceiptWithClient overwrites the receipt with rec.ID. A non-failed
// receipt may not take a key another non-failed receipt holds.
func UpdateReceiptWithClient(ctx context.Context, client *bigquery.Client, t Tables, rec *domain.Receipt) error {
	q := client.Query(fmt.Sprintf(`
		UPDATE %s
		SET %s
		WHERE id = @id
		  AND (@parse_status = 'failed' OR NOT EXISTS (
			SELECT 1 FROM %s o
			WHERE o.duplicate_key = @duplicate_key AND o.id != @id AND o.parse_status != 'failed'
		  ))
	`, t.Ref(receiptsTable), updateAssignments(), t.Ref(receiptsTable)))
	for _, p := range receiptParams(rec) {
		if p.Name != "ingest_at" {
			q.Parameters = append(q.Parameters, p)
		}
	}

	n, err := runDML(ctx, q)
	if err != nil {
		return storageError("UpdateReceipt: update", err)
	}
	if n > 0 {
		return nil
	}

	if _, err := GetReceiptWithClient(ctx, client, t, rec.ID); err != nil {
		return err
	}
	return &domain.PersistenceError{
		Kind: domain.ConstraintViolation,
		Err:  fmt.Errorf("UpdateReceipt: duplicate key %s held by another receipt", rec.DuplicateKey),
	}
}

// ListReceiptsWithClient returns receipts newest first.
func ListReceiptsWithClient(ctx context.Context, client *bigquery.Client, t Tables, f domain.ReceiptFilter) ([]*domain.Receipt, error) {
	var (
		where  []string
		params []bigquery.QueryParameter
	)
	if f.Status != "" {
		where = append(where, "parse_status = @parse_status")
		params = append(params, bigquery.QueryParameter{Name: "parse_status", Value: string(f.Status)})
	}
	if !f.Since.IsZero() {
		where = append(where, "ts_event >= @since")
		params = append(params, bigquery.QueryParameter{Name: "since", Value: f.Since.UTC()})
	}
	if !f.Until.IsZero() {
		where = append(where, "ts_event < @until")
		params = append(params, bigquery.QueryParameter{Name: "until", Value: f.Until.UTC()})
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	params = append(params,
		bigquery.QueryParameter{Name: "limit", Value: limit},
		bigquery.QueryParameter{Name: "offset", Value: f.Offset},
	)

	clause := ""
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ")
	}
	sql := fmt.Sprintf(`SELECT %s FROM %s %s ORDER BY ingest_at DESC, id LIMIT @limit OFFSET @offset`,
		selectList(), t.Ref(receiptsTable), clause)

	out, err := queryReceipts(ctx, client, sql, params)
	if err != nil {
		return nil, fmt.Errorf("ListReceipts: %w", err)
	}
	return out, nil
}

func findOne(ctx context.Context, client *bigquery.Client, t Tables, op, clause string, params ...bigquery.QueryParameter) (*domain.Receipt, error) {
	sql := fmt.Sprintf(`SELECT %s FROM %s %s ORDER BY ingest_at LIMIT 1`, selectList(), t.Ref(receiptsTable), clause)
	rows, err := queryReceipts(ctx, client, sql, params)
	if err != nil {
		return nil, storageError(op, err)
	}
	if len(rows) == 0 {
		return nil, domain.ErrNotFound
	}
	return rows[0], nil
}

func queryReceipts(ctx context.Context, client *bigquery.Client, sql string, params []bigquery.QueryParameter) ([]*domain.Receipt, error) {
	q := client.Query(sql)
	q.Parameters = params

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading query: %w", err)
	}

	var out []*domain.Receipt
	for {
		var row ReceiptRow
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterating results: %w", err)
		}
		out = append(out, row.toReceipt())
	}
	return out, nil
}
