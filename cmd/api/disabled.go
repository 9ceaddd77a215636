package main

import (
	"context"

	"github.com/worq1337/parcer/internal/app"
	"github.com/worq1337/parcer/internal/domain"
	"github.com/worq1337/parcer/internal/pipeline"
)

// disabledRunner answers ingestion requests when no extraction key is set.
type disabledRunner struct{}

func (disabledRunner) Ingest(context.Context, domain.Candidate) (*pipeline.Outcome, error) {
	return nil, app.ErrIngestionDisabled
}

func (disabledRunner) Reextract(context.Context, string) (*pipeline.Outcome, error) {
	return nil, app.ErrIngestionDisabled
}
