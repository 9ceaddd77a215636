package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/worq1337/parcer/internal/api/handlers"
	"github.com/worq1337/parcer/internal/api/middleware"
	"github.com/worq1337/parcer/internal/app"
	"github.com/worq1337/parcer/internal/config"
	"github.com/worq1337/parcer/internal/jobs"
	"github.com/worq1337/parcer/internal/jobs/inmemory"
	"github.com/worq1337/parcer/internal/logger"
)

func main() {
	envFile := flag.String("env", ".env", "Path to an optional .env file")
	port := flag.String("port", "", "HTTP server port (overrides PORT)")
	flag.Parse()

	cfg, warnings, err := config.Load(*envFile)
	bootLog := logger.New(logger.Options{Service: "parcer-api"})
	if err != nil {
		bootLog.Fatal().Err(err).Msg("Invalid configuration")
	}
	log := logger.New(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "parcer-api"})
	logger.SetDefault(log)
	for _, w := range warnings {
		log.Warn().Msg(w)
	}
	if *port != "" {
		cfg.Port = *port
	}

	ctx := logger.WithContext(context.Background(), log)

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize application")
	}

	// Job infrastructure
	jobStore := inmemory.NewStore(cfg.JobTTL)
	jobQueue := inmemory.NewQueue(inmemory.Options{
		Workers:    cfg.WorkerCount,
		BufferSize: cfg.QueueSize,
		Observer:   a.Metrics,
	}, jobStore)

	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()

	routes := handlers.Routes{
		Operators: handlers.NewOperatorsHandler(a.Operators),
		Metrics:   a.Metrics.Handler(),
	}
	if a.Uploader != nil {
		routes.Uploads = handlers.NewUploadsHandler(a.Uploader)
	}

	if orch, err := a.RequireOrchestrator(); err == nil {
		if err := jobQueue.Start(workerCtx, jobs.PipelineHandler(orch)); err != nil {
			log.Fatal().Err(err).Msg("Failed to start job queue")
		}
		routes.Receipts = handlers.NewReceiptsHandler(a.Store, orch)
		routes.Jobs = handlers.NewJobsHandler(jobQueue, jobStore)
	} else {
		log.Warn().Err(err).Msg("Serving read-only API")
		routes.Receipts = handlers.NewReceiptsHandler(a.Store, disabledRunner{})
	}

	mux := http.NewServeMux()
	routes.Register(mux)

	handler := middleware.RequestID(
		middleware.Recovery(log)(
			middleware.Logger(log)(
				middleware.CORS(
					middleware.Metrics(a.Metrics)(mux),
				),
			),
		),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Str("backend", cfg.StorageBackend).Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Let in-flight jobs finish before cancelling their context.
	if err := jobQueue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping job queue")
	}
	cancelWorker()

	if err := a.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error closing application")
	}

	log.Info().Msg("Server exited")
}
