// Command worker backfills history: it reads candidates as JSON lines and
// pushes them through the ingestion worker pool.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/worq1337/parcer/internal/app"
	"github.com/worq1337/parcer/internal/config"
	"github.com/worq1337/parcer/internal/jobs"
	"github.com/worq1337/parcer/internal/jobs/inmemory"
	"github.com/worq1337/parcer/internal/logger"
)

func main() {
	envFile := flag.String("env", ".env", "Path to an optional .env file")
	input := flag.String("input", "-", "JSON lines file with candidates (- for stdin)")
	workers := flag.Int("workers", 0, "Worker count (overrides WORKER_COUNT)")
	flag.Parse()

	cfg, warnings, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "parcer-worker"})
	logger.SetDefault(log)
	for _, w := range warnings {
		log.Warn().Msg(w)
	}
	if *workers > 0 {
		cfg.WorkerCount = *workers
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	var in io.Reader = os.Stdin
	if *input != "-" {
		f, err := os.Open(*input)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open input")
		}
		defer f.Close()
		in = f
	}

	candidates, bad := readCandidates(in)
	for _, e := range bad {
		log.Warn().Err(e).Msg("Skipping input line")
	}
	log.Info().Int("candidates", len(candidates)).Int("skipped", len(bad)).Msg("Input read")

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize application")
	}
	orch, err := a.RequireOrchestrator()
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot run backfill")
	}

	jobStore := inmemory.NewStore(cfg.JobTTL)
	jobQueue := inmemory.NewQueue(inmemory.Options{
		Workers:    cfg.WorkerCount,
		BufferSize: cfg.QueueSize,
		Observer:   a.Metrics,
	}, jobStore)
	if err := jobQueue.Start(ctx, jobs.PipelineHandler(orch)); err != nil {
		log.Fatal().Err(err).Msg("Failed to start job consumer")
	}

	ids := make([]string, 0, len(candidates))
	for i := range candidates {
		job := &jobs.Job{Type: jobs.JobTypeIngest, Candidate: &candidates[i]}
		if err := jobQueue.Publish(ctx, job); err != nil {
			log.Error().Err(err).Int("line", i+1).Msg("Failed to enqueue candidate")
			break
		}
		ids = append(ids, job.JobID)
	}

	summary := waitForJobs(ctx, jobStore, ids, time.Second)
	log.Info().
		Int("inserted", summary.Inserted).
		Int("duplicates", summary.Duplicates).
		Int("failed", summary.Failed).
		Int("unfinished", summary.Unfinished).
		Msg("Backfill finished")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := jobQueue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error during graceful shutdown")
	}
	if err := a.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error closing application")
	}

	if summary.Failed > 0 || summary.Unfinished > 0 {
		os.Exit(2)
	}
}
