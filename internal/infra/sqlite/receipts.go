package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/worq1337/parcer/internal/domain"
)

// DefaultListLimit caps List when the filter sets no limit.
const DefaultListLimit = 100

const receiptColumns = `id, source_platform, source_chat_id, message_id, raw_text, media_refs,
	event_type, amount, currency, sign, card_brand, card_mask, operator_raw, operator_canonical,
	operator_app, merchant_name, merchant_address, balance_after, balance_currency, ts_event,
	tz_hint, lang, confidence, duplicate_key, field_signature, parse_status, error, model,
	attempts, ingest_at, updated_at`

// ReceiptRepository stores receipts in SQLite. The partial unique index on
// duplicate_key is the authoritative duplicate guard.
type ReceiptRepository struct {
	db *sql.DB
}

// NewReceiptRepository returns a repository over db.
func NewReceiptRepository(db *sql.DB) *ReceiptRepository {
	return &ReceiptRepository{db: db}
}

// InsertIfAbsent inserts r. When another non-failed receipt holds the key the
// stored one is returned with inserted=false.
func (r *ReceiptRepository) InsertIfAbsent(ctx context.Context, rec *domain.Receipt) (*domain.Receipt, bool, error) {
	args, err := receiptArgs(rec)
	if err != nil {
		return nil, false, fmt.Errorf("InsertIfAbsent: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `INSERT INTO receipts (`+receiptColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err == nil {
		stored := *rec
		return &stored, true, nil
	}
	if !isUniqueViolation(err) {
		return nil, false, storageError("InsertIfAbsent: insert receipt", err)
	}

	existing, ferr := r.FindByKey(ctx, rec.DuplicateKey)
	if ferr != nil {
		// The conflicting row is not visible; let the caller re-read.
		return nil, false, storageError("InsertIfAbsent: insert receipt", err)
	}
	return existing, false, nil
}

// FindByKey returns the non-failed receipt holding duplicateKey.
func (r *ReceiptRepository) FindByKey(ctx context.Context, duplicateKey string) (*domain.Receipt, error) {
	return r.findOne(ctx, "FindByKey",
		`WHERE duplicate_key = ? AND parse_status != 'failed'`, duplicateKey)
}

// FindByMessage returns the earliest non-failed receipt for a chat message.
func (r *ReceiptRepository) FindByMessage(ctx context.Context, sourceChatID, messageID string) (*domain.Receipt, error) {
	return r.findOne(ctx, "FindByMessage",
		`WHERE source_chat_id = ? AND message_id = ? AND parse_status != 'failed' ORDER BY ingest_at LIMIT 1`,
		sourceChatID, messageID)
}

// FindByFieldSignature returns the earliest non-failed receipt with the signature.
func (r *ReceiptRepository) FindByFieldSignature(ctx context.Context, signature string) (*domain.Receipt, error) {
	if signature == "" {
		return nil, domain.ErrNotFound
	}
	return r.findOne(ctx, "FindByFieldSignature",
		`WHERE field_signature = ? AND parse_status != 'failed' ORDER BY ingest_at LIMIT 1`, signature)
}

// Get returns the receipt with id, whatever its status.
func (r *ReceiptRepository) Get(ctx context.Context, id string) (*domain.Receipt, error) {
	return r.findOne(ctx, "Get", `WHERE id = ?`, id)
}

// Update overwrites every mutable column of the receipt with rec.ID.
func (r *ReceiptRepository) Update(ctx context.Context, rec *domain.Receipt) error {
	media, err := encodeMedia(rec.MediaRefs)
	if err != nil {
		return fmt.Errorf("Update: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `UPDATE receipts SET
		source_platform = ?, source_chat_id = ?, message_id = ?, raw_text = ?, media_refs = ?,
		event_type = ?, amount = ?, currency = ?, sign = ?, card_brand = ?, card_mask = ?,
		operator_raw = ?, operator_canonical = ?, operator_app = ?, merchant_name = ?,
		merchant_address = ?, balance_after = ?, balance_currency = ?, ts_event = ?, tz_hint = ?,
		lang = ?, confidence = ?, duplicate_key = ?, field_signature = ?, parse_status = ?,
		error = ?, model = ?, attempts = ?, updated_at = ?
		WHERE id = ?`,
		string(rec.SourcePlatform), nullEmpty(rec.SourceChatID), nullEmpty(rec.MessageID), rec.RawText, media,
		string(rec.EventType), rec.Amount, rec.Currency, rec.Sign, nullString(rec.CardBrand), nullString(rec.CardMask),
		nullString(rec.OperatorRaw), nullString(rec.OperatorCanon), nullString(rec.OperatorApp), nullString(rec.MerchantName),
		nullString(rec.MerchantAddress), nullFloat(rec.BalanceAfter), nullString(rec.BalanceCurrency), formatTime(rec.TSEvent), nullString(rec.TZHint),
		nullString(rec.Lang), nullFloat(rec.Confidence), rec.DuplicateKey, rec.FieldSignature, string(rec.ParseStatus),
		nullEmpty(rec.Error), nullEmpty(rec.Model), rec.Attempts, formatTime(rec.UpdatedAt),
		rec.ID,
	)
	if err != nil {
		return storageError("Update: update receipt", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageError("Update: rows affected", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// List returns receipts newest first.
func (r *ReceiptRepository) List(ctx context.Context, f domain.ReceiptFilter) ([]*domain.Receipt, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.Status != "" {
		where = append(where, "parse_status = ?")
		args = append(args, string(f.Status))
	}
	if !f.Since.IsZero() {
		where = append(where, "ts_event >= ?")
		args = append(args, formatTime(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "ts_event < ?")
		args = append(args, formatTime(f.Until))
	}

	query := `SELECT ` + receiptColumns + ` FROM receipts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	query += ` ORDER BY ingest_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageError("List: query", err)
	}
	defer rows.Close()

	var out []*domain.Receipt
	for rows.Next() {
		rec, err := scanReceipt(rows)
		if err != nil {
			return nil, fmt.Errorf("List: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("List: iterate", err)
	}
	return out, nil
}

func (r *ReceiptRepository) findOne(ctx context.Context, op, clause string, args ...interface{}) (*domain.Receipt, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM receipts `+clause, args...)
	rec, err := scanReceipt(row)
	if err != nil {
		return nil, storageError(op, err)
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanReceipt(s rowScanner) (*domain.Receipt, error) {
	var (
		rec                                            domain.Receipt
		source, eventType, status                      string
		chatID, messageID, media                       sql.NullString
		cardBrand, cardMask, opRaw, opCanon, opApp     sql.NullString
		merchantName, merchantAddress, balanceCurrency sql.NullString
		tzHint, lang, errMsg, model                    sql.NullString
		balance, confidence                            sql.NullFloat64
		tsEvent, ingestAt, updatedAt                   string
	)
	err := s.Scan(
		&rec.ID, &source, &chatID, &messageID, &rec.RawText, &media,
		&eventType, &rec.Amount, &rec.Currency, &rec.Sign, &cardBrand, &cardMask, &opRaw, &opCanon,
		&opApp, &merchantName, &merchantAddress, &balance, &balanceCurrency, &tsEvent,
		&tzHint, &lang, &confidence, &rec.DuplicateKey, &rec.FieldSignature, &status, &errMsg, &model,
		&rec.Attempts, &ingestAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.SourcePlatform = domain.Source(source)
	rec.SourceChatID = chatID.String
	rec.MessageID = messageID.String
	rec.EventType = domain.EventType(eventType)
	rec.ParseStatus = domain.ParseStatus(status)
	rec.CardBrand = stringPtr(cardBrand)
	rec.CardMask = stringPtr(cardMask)
	rec.OperatorRaw = stringPtr(opRaw)
	rec.OperatorCanon = stringPtr(opCanon)
	rec.OperatorApp = stringPtr(opApp)
	rec.MerchantName = stringPtr(merchantName)
	rec.MerchantAddress = stringPtr(merchantAddress)
	rec.BalanceAfter = floatPtr(balance)
	rec.BalanceCurrency = stringPtr(balanceCurrency)
	rec.TZHint = stringPtr(tzHint)
	rec.Lang = stringPtr(lang)
	rec.Confidence = floatPtr(confidence)
	rec.Error = errMsg.String
	rec.Model = model.String

	if media.Valid && media.String != "" {
		if err := json.Unmarshal([]byte(media.String), &rec.MediaRefs); err != nil {
			return nil, fmt.Errorf("decoding media_refs: %w", err)
		}
	}
	if rec.TSEvent, err = parseTime(tsEvent); err != nil {
		return nil, fmt.Errorf("parsing ts_event: %w", err)
	}
	if rec.IngestAt, err = parseTime(ingestAt); err != nil {
		return nil, fmt.Errorf("parsing ingest_at: %w", err)
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &rec, nil
}

func receiptArgs(rec *domain.Receipt) ([]interface{}, error) {
	media, err := encodeMedia(rec.MediaRefs)
	if err != nil {
		return nil, err
	}
	return []interface{}{
		rec.ID, string(rec.SourcePlatform), nullEmpty(rec.SourceChatID), nullEmpty(rec.MessageID), rec.RawText, media,
		string(rec.EventType), rec.Amount, rec.Currency, rec.Sign, nullString(rec.CardBrand), nullString(rec.CardMask),
		nullString(rec.OperatorRaw), nullString(rec.OperatorCanon), nullString(rec.OperatorApp), nullString(rec.MerchantName),
		nullString(rec.MerchantAddress), nullFloat(rec.BalanceAfter), nullString(rec.BalanceCurrency), formatTime(rec.TSEvent),
		nullString(rec.TZHint), nullString(rec.Lang), nullFloat(rec.Confidence), rec.DuplicateKey, rec.FieldSignature,
		string(rec.ParseStatus), nullEmpty(rec.Error), nullEmpty(rec.Model), rec.Attempts, formatTime(rec.IngestAt),
		formatTime(rec.UpdatedAt),
	}, nil
}

func encodeMedia(refs []string) (sql.NullString, error) {
	if len(refs) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(refs)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encoding media_refs: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
