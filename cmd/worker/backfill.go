package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/worq1337/parcer/internal/domain"
	"github.com/worq1337/parcer/internal/jobs"
)

const maxLineBytes = 4 << 20

// readCandidates decodes one candidate per non-empty line. Lines that fail to
// decode or carry neither text nor media are reported and skipped.
func readCandidates(r io.Reader) ([]domain.Candidate, []error) {
	var (
		out  []domain.Candidate
		errs []error
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for line := 1; sc.Scan(); line++ {
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var c domain.Candidate
		if err := json.Unmarshal(raw, &c); err != nil {
			errs = append(errs, fmt.Errorf("line %d: %w", line, err))
			continue
		}
		if c.RawText == "" && len(c.MediaRefs) == 0 {
			errs = append(errs, fmt.Errorf("line %d: raw_text or media_refs is required", line))
			continue
		}
		if c.Source == "" {
			c.Source = domain.SourceMessaging
		}
		out = append(out, c)
	}
	if err := sc.Err(); err != nil {
		errs = append(errs, fmt.Errorf("reading input: %w", err))
	}
	return out, errs
}

type summary struct {
	Inserted   int
	Duplicates int
	Failed     int
	Unfinished int
}

func summarize(all []*jobs.Job) summary {
	var s summary
	for _, j := range all {
		switch {
		case j.Status == jobs.JobStatusFailed:
			s.Failed++
		case j.Status != jobs.JobStatusCompleted:
			s.Unfinished++
		case j.Result != nil && j.Result.Inserted:
			s.Inserted++
		default:
			s.Duplicates++
		}
	}
	return s
}

// waitForJobs polls until every job is completed or failed, or ctx ends.
func waitForJobs(ctx context.Context, store jobs.Store, ids []string, every time.Duration) summary {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		current := make([]*jobs.Job, 0, len(ids))
		for _, id := range ids {
			j, err := store.GetJob(ctx, id)
			if err != nil {
				j = &jobs.Job{JobID: id}
			}
			current = append(current, j)
		}
		s := summarize(current)
		if s.Unfinished == 0 {
			return s
		}
		select {
		case <-ctx.Done():
			return s
		case <-ticker.C:
		}
	}
}
