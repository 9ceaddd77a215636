package bigquery

import (
	"time"

	"cloud.google.com/go/bigquery"

	"github.com/worq1337/parcer/internal/domain"
)

// RunRow is one row of extraction_runs.
type RunRow struct {
	ID           string              `bigquery:"id"`
	Kind         string              `bigquery:"kind"`
	ReceiptID    bigquery.NullString `bigquery:"receipt_id"`
	Source       bigquery.NullString `bigquery:"source"`
	SourceChatID bigquery.NullString `bigquery:"source_chat_id"`
	MessageID    bigquery.NullString `bigquery:"message_id"`

	Status string              `bigquery:"status"`
	Stage  bigquery.NullString `bigquery:"stage"`
	Model  bigquery.NullString `bigquery:"model"`
	Tier   bigquery.NullString `bigquery:"tier"`
	Format bigquery.NullString `bigquery:"format"`

	Attempts     bigquery.NullInt64  `bigquery:"attempts"`
	TokensInput  bigquery.NullInt64  `bigquery:"tokens_input"`
	TokensOutput bigquery.NullInt64  `bigquery:"tokens_output"`
	Error        bigquery.NullString `bigquery:"error"`

	StartedAt  time.Time              `bigquery:"started_at"`
	FinishedAt bigquery.NullTimestamp `bigquery:"finished_at"`
}

func (row *RunRow) toRun() *domain.ExtractionRun {
	run := &domain.ExtractionRun{
		ID:           row.ID,
		Kind:         domain.RunKind(row.Kind),
		ReceiptID:    row.ReceiptID.StringVal,
		Source:       domain.Source(row.Source.StringVal),
		SourceChatID: row.SourceChatID.StringVal,
		MessageID:    row.MessageID.StringVal,
		Status:       domain.RunStatus(row.Status),
		Stage:        row.Stage.StringVal,
		Model:        row.Model.StringVal,
		Tier:         row.Tier.StringVal,
		Format:       row.Format.StringVal,
		Attempts:     int(row.Attempts.Int64),
		TokensInput:  row.TokensInput.Int64,
		TokensOutput: row.TokensOutput.Int64,
		Error:        row.Error.StringVal,
		StartedAt:    row.StartedAt.UTC(),
	}
	if row.FinishedAt.Valid {
		f := row.FinishedAt.Timestamp.UTC()
		run.FinishedAt = &f
	}
	return run
}

func finishedParam(t *time.Time) bigquery.NullTimestamp {
	if t == nil {
		return bigquery.NullTimestamp{}
	}
	return bigquery.NullTimestamp{Timestamp: t.UTC(), Valid: true}
}
