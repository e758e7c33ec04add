package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"celupos/internal/config"
	"celupos/internal/jobs"
	"celupos/internal/store"
	"celupos/internal/store/memory"
	pgstore "celupos/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := config.NewLogger(cfg)
	slog.SetDefault(logger)

	if cfg.RedisAddr == "" {
		logger.Error("REDIS_ADDR is required to run the worker")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var repo store.Repository
	if cfg.DatabaseURL != "" {
		startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pg, err := pgstore.New(startCtx, cfg.DatabaseURL)
		cancel()
		if err != nil {
			logger.Error("postgres unavailable", slog.Any("error", err))
			os.Exit(1)
		}
		defer pg.Close()
		repo = pg
	} else {
		// Only useful for trying the queue locally; the server's data is not visible here.
		logger.Warn("DATABASE_URL is empty, worker is using a private in-memory store")
		repo = memory.NewSeeded()
	}

	reconcile := jobs.NewSaleReconcileJob(repo, logger)
	alerts := jobs.NewStockAlertJob(repo, logger)

	worker := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB},
		Concurrency: cfg.WorkerConcurrency,
		Logger:      logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskSaleReconcile, Handler: reconcile.Handle},
			{Type: jobs.TaskStockAlert, Handler: alerts.Handle},
		},
	})

	logger.Info("worker started", slog.Int("concurrency", cfg.WorkerConcurrency))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
