package bigquery

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"

	"github.com/worq1337/parcer/internal/domain"
)

// StartRunWithClient inserts a run row, normally with status=RUNNING.
func StartRunWithClient(ctx context.Context, client *bigquery.Client, t Tables, run *domain.ExtractionRun) error {
	q := client.Query(fmt.Sprintf(`
		INSERT %s (
			id, kind, receipt_id, source, source_chat_id, message_id,
			status, stage, attempts, started_at
		)
		VALUES (
			@id, @kind, @receipt_id, @source, @source_chat_id, @message_id,
			@status, @stage, @attempts, @started_at
		)
	`, t.Ref(runsTable)))

	q.Parameters = []bigquery.QueryParameter{
		{Name: "id", Value: run.ID},
		{Name: "kind", Value: string(run.Kind)},
		{Name: "receipt_id", Value: nullEmpty(run.ReceiptID)},
		{Name: "source", Value: string(run.Source)},
		{Name: "source_chat_id", Value: nullEmpty(run.SourceChatID)},
		{Name: "message_id", Value: nullEmpty(run.MessageID)},
		{Name: "status", Value: string(run.Status)},
		{Name: "stage", Value: nullEmpty(run.Stage)},
		{Name: "attempts", Value: run.Attempts},
		{Name: "started_at", Value: run.StartedAt.UTC()},
	}

	if _, err := runDML(ctx, q); err != nil {
		return storageError("StartRun: insert", err)
	}
	return nil
}

// FinishRunWithClient records the final status of a run.
func FinishRunWithClient(ctx context.Context, client *bigquery.Client, t Tables, run *domain.ExtractionRun) error {
	q := client.Query(fmt.Sprintf(`
		UPDATE %s
		SET receipt_id = @receipt_id,
		    status = @status,
		    stage = @stage,
		    model = @model,
		    tier = @tier,
		    format = @format,
		    attempts = @attempts,
		    tokens_input = @tokens_input,
		    tokens_output = @tokens_output,
		    error = @error,
		    finished_at = @finished_at
		WHERE id = @id
	`, t.Ref(runsTable)))

	q.Parameters = []bigquery.QueryParameter{
		{Name: "receipt_id", Value: nullEmpty(run.ReceiptID)},
		{Name: "status", Value: string(run.Status)},
		{Name: "stage", Value: nullEmpty(run.Stage)},
		{Name: "model", Value: nullEmpty(run.Model)},
		{Name: "tier", Value: nullEmpty(run.Tier)},
		{Name: "format", Value: nullEmpty(run.Format)},
		{Name: "attempts", Value: run.Attempts},
		{Name: "tokens_input", Value: run.TokensInput},
		{Name: "tokens_output", Value: run.TokensOutput},
		{Name: "error", Value: nullEmpty(run.Error)},
		{Name: "finished_at", Value: finishedParam(run.FinishedAt)},
		{Name: "id", Value: run.ID},
	}

	n, err := runDML(ctx, q)
	if err != nil {
		return storageError("FinishRun: update", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// InsertModelOutputWithClient stores the raw model answer of a run. Uses DML
// INSERT to avoid streaming buffer issues.
func InsertModelOutputWithClient(ctx context.Context, client *bigquery.Client, t Tables, out *domain.ModelOutput) error {
	q := client.Query(fmt.Sprintf(`
		INSERT INTO %s (id, run_id, model, format, raw_json, created_at)
		VALUES (@id, @run_id, @model, @format, SAFE.PARSE_JSON(@raw_json), @created_at)
	`, t.Ref(modelOutputsTable)))

	q.Parameters = []bigquery.QueryParameter{
		{Name: "id", Value: out.ID},
		{Name: "run_id", Value: out.RunID},
		{Name: "model", Value: nullEmpty(out.Model)},
		{Name: "format", Value: nullEmpty(out.Format)},
		{Name: "raw_json", Value: out.RawJSON},
		{Name: "created_at", Value: out.CreatedAt.UTC()},
	}

	if _, err := runDML(ctx, q); err != nil {
		return storageError("InsertModelOutput: insert", err)
	}
	return nil
}

// ListRunsWithClient returns the runs recorded for a receipt, oldest first.
func ListRunsWithClient(ctx context.Context, client *bigquery.Client, t Tables, receiptID string) ([]*domain.ExtractionRun, error) {
	q := client.Query(fmt.Sprintf(`
		SELECT id, kind, receipt_id, source, source_chat_id, message_id, status, stage, model,
		       tier, format, attempts, tokens_input, tokens_output, error, started_at, finished_at
		FROM %s
		WHERE receipt_id = @receipt_id
		ORDER BY started_at, id
	`, t.Ref(runsTable)))
	q.Parameters = []bigquery.QueryParameter{{Name: "receipt_id", Value: receiptID}}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, storageError("ListRuns: reading query", err)
	}

	var runs []*domain.ExtractionRun
	for {
		var row RunRow
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, storageError("ListRuns: iterating results", err)
		}
		runs = append(runs, row.toRun())
	}
	return runs, nil
}
