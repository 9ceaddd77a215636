package domain

import "time"

// RunStatus is the lifecycle status of an extraction run.
type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunSuccess   RunStatus = "SUCCESS"
	RunDuplicate RunStatus = "DUPLICATE"
	RunFailed    RunStatus = "FAILED"
)

// RunKind tells first ingestion from re-extraction.
type RunKind string

const (
	RunIngest    RunKind = "ingest"
	RunReextract RunKind = "reextract"
)

// ExtractionRun records one pass of a candidate through the pipeline.
type ExtractionRun struct {
	ID           string     `json:"id"`
	Kind         RunKind    `json:"kind"`
	ReceiptID    string     `json:"receipt_id,omitempty"`
	Source       Source     `json:"source"`
	SourceChatID string     `json:"source_chat_id,omitempty"`
	MessageID    string     `json:"message_id,omitempty"`
	Status       RunStatus  `json:"status"`
	Stage        string     `json:"stage,omitempty"`
	Model        string     `json:"model,omitempty"`
	Tier         string     `json:"tier,omitempty"`
	Format       string     `json:"format,omitempty"`
	Attempts     int        `json:"attempts"`
	TokensInput  int64      `json:"tokens_input,omitempty"`
	TokensOutput int64      `json:"tokens_output,omitempty"`
	Error        string     `json:"error,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// ModelOutput keeps the raw JSON answer of the extraction service for a run.
type ModelOutput struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Model     string    `json:"model"`
	Format    string    `json:"format"`
	RawJSON   string    `json:"raw_json"`
	CreatedAt time.Time `json:"created_at"`
}
