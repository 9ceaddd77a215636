package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/worq1337/parcer/internal/domain"
	"github.com/worq1337/parcer/internal/pipeline"
)

// Runner is the part of the orchestrator that jobs drive.
type Runner interface {
	Ingest(ctx context.Context, c domain.Candidate) (*pipeline.Outcome, error)
	Reextract(ctx context.Context, id string) (*pipeline.Outcome, error)
}

// PipelineHandler returns a Handler that dispatches jobs to r by type.
func PipelineHandler(r Runner) Handler {
	return func(ctx context.Context, job *Job) (*Result, error) {
		var (
			out *pipeline.Outcome
			err error
		)
		switch job.Type {
		case JobTypeIngest:
			if job.Candidate == nil {
				return nil, errors.New("PipelineHandler: ingest job without candidate")
			}
			out, err = r.Ingest(ctx, *job.Candidate)
		case JobTypeReextract:
			out, err = r.Reextract(ctx, job.ReceiptID)
		default:
			return nil, fmt.Errorf("PipelineHandler: unknown job type %q", job.Type)
		}
		return resultOf(out), err
	}
}

func resultOf(out *pipeline.Outcome) *Result {
	if out == nil {
		return nil
	}
	res := &Result{
		RunID:    out.RunID,
		State:    string(out.State),
		Inserted: out.Inserted,
		Attempts: out.Attempts,
	}
	if out.Receipt != nil {
		res.ReceiptID = out.Receipt.ID
	}
	return res
}
