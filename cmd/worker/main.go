package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/entitle-io/entitle/internal/app"
	"github.com/entitle-io/entitle/internal/grants"
	"github.com/entitle-io/entitle/internal/platform/cache"
	"github.com/entitle-io/entitle/internal/platform/db"
	"github.com/entitle-io/entitle/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	if err := db.EnsureSchema(ctx, pool); err != nil {
		logger.Error("ensure schema", slog.Any("error", err))
		os.Exit(1)
	}

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	codec := grants.DefaultCodec()
	repo := grants.NewRepository(pool)
	service := grants.NewService(repo, codec,
		grants.WithNotifier(grants.NewRedisNotifier(redisClient)),
		grants.WithLogger(logger),
		grants.WithCacheTTL(cfg.GrantCacheTTL),
	)

	resyncJob := jobs.NewGrantsResyncJob(service, codec, logger, nil)
	gcJob := jobs.NewGrantsGCJob(repo, logger, nil, cfg.ResourceRetention)

	gcTask, err := jobs.NewGrantsGCTask(0)
	if err != nil {
		logger.Error("build gc task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskGrantsResync, Handler: resyncJob.Handle},
			{Type: jobs.TaskGrantsGC, Handler: gcJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "0 3 * * *", Task: gcTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
