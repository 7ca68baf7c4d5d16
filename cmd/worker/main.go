package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"studio-jobcore/internal/config"
	"studio-jobcore/internal/domain"
	"studio-jobcore/internal/logging"
	"studio-jobcore/internal/models"
	"studio-jobcore/internal/notify"
	"studio-jobcore/internal/queue"
	"studio-jobcore/internal/store"
	"studio-jobcore/internal/telemetry"
	workerproc "studio-jobcore/internal/worker"
	"studio-jobcore/internal/workflow"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("worker stopped", zap.Error(err))
	}
	logger.Info("worker stopped")
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		return err
	}

	redisClient := queue.NewRedisClient(cfg)
	bell := queue.NewDoorbellWithClient(redisClient, cfg.DoorbellKey, cfg.FailedFeedKey, cfg.FailedFeedMaxSize)
	defer bell.Close()

	var locker workflow.Locker
	switch cfg.WorkflowLockBackend {
	case "postgres":
		locker = workflow.NewStoreLocker(st, cfg.WorkflowLeaseTTL)
	default:
		locker = workflow.NewRedisLocker(redisClient, cfg.WorkflowLeaseTTL)
	}

	executors := []workflow.Executor{domain.NewNAS(cfg.NASRoot, cfg.PreviewWidth, logger)}
	if cfg.S3Bucket != "" {
		s3exec, err := domain.NewS3(ctx, cfg, logger)
		if err != nil {
			return err
		}
		executors = append(executors, s3exec)
	}

	processor := workerproc.NewProcessor(cfg, st, bell, logger)
	runner := workflow.NewRunner(st, locker, logger.With(zap.String("worker_id", processor.WorkerID())))
	gateway := notify.NewLogGateway(logger)

	for _, def := range []workflow.Definition{
		workflow.Bootstrap(executors...),
		workflow.Archive(executors...),
		workflow.Delivery(gateway, cfg.NotifyFrom, executors...),
	} {
		processor.RegisterHandler(def.JobType, workflow.JobHandler(runner, def, st))
	}
	processor.RegisterHandler(models.JobTypeSquareWebhookEvent, workerproc.WebhookEventHandler(st, logger))

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	defer func() { _ = metrics.Close() }()

	logger.Info("worker started",
		zap.String("worker_id", processor.WorkerID()),
		zap.String("lock_backend", cfg.WorkflowLockBackend),
		zap.Strings("domains", workflow.Archive(executors...).Domains()))
	return processor.Run(ctx)
}
