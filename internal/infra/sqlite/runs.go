package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/worq1337/parcer/internal/domain"
)

// RunRepository keeps the extraction run log and raw model outputs.
type RunRepository struct {
	db *sql.DB
}

// NewRunRepository returns a run log over db.
func NewRunRepository(db *sql.DB) *RunRepository {
	return &RunRepository{db: db}
}

// StartRun inserts a run row, normally in RUNNING status.
func (r *RunRepository) StartRun(ctx context.Context, run *domain.ExtractionRun) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO extraction_runs
		(id, kind, receipt_id, source, source_chat_id, message_id, status, stage, model, tier, format,
		 attempts, tokens_input, tokens_output, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.Kind), nullEmpty(run.ReceiptID), string(run.Source), nullEmpty(run.SourceChatID),
		nullEmpty(run.MessageID), string(run.Status), nullEmpty(run.Stage), nullEmpty(run.Model), nullEmpty(run.Tier),
		nullEmpty(run.Format), run.Attempts, run.TokensInput, run.TokensOutput, nullEmpty(run.Error),
		formatTime(run.StartedAt), nullTime(run.FinishedAt),
	)
	if err != nil {
		return storageError("StartRun: insert run", err)
	}
	return nil
}

// FinishRun writes the final state of a run.
func (r *RunRepository) FinishRun(ctx context.Context, run *domain.ExtractionRun) error {
	res, err := r.db.ExecContext(ctx, `UPDATE extraction_runs SET
		receipt_id = ?, status = ?, stage = ?, model = ?, tier = ?, format = ?, attempts = ?,
		tokens_input = ?, tokens_output = ?, error = ?, finished_at = ?
		WHERE id = ?`,
		nullEmpty(run.ReceiptID), string(run.Status), nullEmpty(run.Stage), nullEmpty(run.Model),
		nullEmpty(run.Tier), nullEmpty(run.Format), run.Attempts, run.TokensInput, run.TokensOutput,
		nullEmpty(run.Error), nullTime(run.FinishedAt), run.ID,
	)
	if err != nil {
		return storageError("FinishRun: update run", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// InsertModelOutput stores the raw model answer of a run.
func (r *RunRepository) InsertModelOutput(ctx context.Context, out *domain.ModelOutput) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO model_outputs (id, run_id, model, format, raw_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		out.ID, out.RunID, nullEmpty(out.Model), nullEmpty(out.Format), out.RawJSON, formatTime(out.CreatedAt),
	)
	if err != nil {
		return storageError("InsertModelOutput: insert", err)
	}
	return nil
}

// ListRuns returns the runs recorded for a receipt, oldest first.
func (r *RunRepository) ListRuns(ctx context.Context, receiptID string) ([]*domain.ExtractionRun, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, kind, receipt_id, source, source_chat_id, message_id,
		status, stage, model, tier, format, attempts, tokens_input, tokens_output, error, started_at, finished_at
		FROM extraction_runs WHERE receipt_id = ? ORDER BY started_at, id`, receiptID)
	if err != nil {
		return nil, storageError("ListRuns: query", err)
	}
	defer rows.Close()

	var runs []*domain.ExtractionRun
	for rows.Next() {
		var (
			run                                    domain.ExtractionRun
			kind, source, status, startedAt        string
			receipt, chat, msg, stage, model, tier sql.NullString
			format, errMsg, finishedAt             sql.NullString
			tokensIn, tokensOut                    sql.NullInt64
		)
		if err := rows.Scan(&run.ID, &kind, &receipt, &source, &chat, &msg, &status, &stage, &model, &tier,
			&format, &run.Attempts, &tokensIn, &tokensOut, &errMsg, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("ListRuns: scan: %w", err)
		}
		run.Kind = domain.RunKind(kind)
		run.Source = domain.Source(source)
		run.Status = domain.RunStatus(status)
		run.ReceiptID = receipt.String
		run.SourceChatID = chat.String
		run.MessageID = msg.String
		run.Stage = stage.String
		run.Model = model.String
		run.Tier = tier.String
		run.Format = format.String
		run.Error = errMsg.String
		run.TokensInput = tokensIn.Int64
		run.TokensOutput = tokensOut.Int64
		if run.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, fmt.Errorf("ListRuns: parsing started_at: %w", err)
		}
		if finishedAt.Valid {
			t, err := parseTime(finishedAt.String)
			if err != nil {
				return nil, fmt.Errorf("ListRuns: parsing finished_at: %w", err)
			}
			run.FinishedAt = &t
		}
		runs = append(runs, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("ListRuns: iterate", err)
	}
	return runs, nil
}
