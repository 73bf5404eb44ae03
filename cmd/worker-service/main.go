package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/media-jobs/internal/artifact"
	"github.com/cuongbtq/media-jobs/internal/bootstrap"
	"github.com/cuongbtq/media-jobs/internal/config"
	"github.com/cuongbtq/media-jobs/internal/engine"
	"github.com/cuongbtq/media-jobs/internal/queue"
	"github.com/cuongbtq/media-jobs/internal/storage"
	"github.com/cuongbtq/media-jobs/internal/sweeper"
	"github.com/cuongbtq/media-jobs/internal/worker"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if cfg.Worker.ID == "" {
		cfg.Worker.ID = defaultWorkerID()
	}

	// Initialize logger
	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("worker_id", cfg.Worker.ID),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize PostgreSQL client
	dbClient, err := bootstrap.InitPostgreSQL(ctx, &cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	// Initialize task queue
	taskQueue, closeQueue, err := bootstrap.InitQueue(cfg, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize queue: %w", err)
	}
	defer closeQueue()

	appLogger.Info("Task queue ready", slog.String("backend", cfg.Queue.Backend))

	artifacts, err := artifact.NewLocalStore(cfg.Storage.ArtifactDir)
	if err != nil {
		return fmt.Errorf("failed to initialize artifact store: %w", err)
	}

	store := storage.NewPostgresStore(dbClient, appLogger.Logger)

	// Metrics are collected on demand by the health server
	reader := sdkmetric.NewManualReader()
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() {
		if err := meterProvider.Shutdown(context.Background()); err != nil {
			appLogger.Warn("Failed to shut down meter provider", slog.String("error", err.Error()))
		}
	}()

	// Create worker instance
	workerInstance, err := worker.NewWorker(&worker.Config{
		Logger: appLogger.Logger,
		Store:  store,
		Queue:  taskQueue,
		Engine: engine.NewExecEngine(engine.ExecConfig{
			Command:            cfg.Engine.Command,
			Args:               cfg.Engine.Args,
			Profiles:           cfg.Engine.Profiles,
			DefaultProfile:     cfg.Engine.DefaultProfile,
			DefaultLanguage:    cfg.Engine.DefaultLanguage,
			PermanentExitCodes: cfg.Engine.PermanentExitCodes,
			WorkDir:            cfg.Engine.WorkDir,
		}, artifacts, appLogger.Logger),
		WorkerID:          cfg.Worker.ID,
		Concurrency:       cfg.Worker.Concurrency,
		SoftTimeout:       cfg.Worker.SoftTimeout,
		HardTimeout:       cfg.Worker.HardTimeout,
		StaleAfter:        cfg.Worker.StaleAfter,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		WriteTimeout:      cfg.Worker.WriteTimeout,
		Meter:             meterProvider.Meter("github.com/cuongbtq/media-jobs/internal/worker"),
	})
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	scheduler, err := initScheduler(cfg, appLogger.Logger, store, taskQueue, artifacts)
	if err != nil {
		return err
	}

	healthSrv := initHealthServer(cfg, workerInstance, reader, appLogger.Logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return workerInstance.Start(gctx)
	})

	g.Go(func() error {
		return scheduler.Run(gctx)
	})

	g.Go(func() error {
		appLogger.Info("Starting health server", slog.String("address", healthSrv.Addr))
		if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		appLogger.Info("Shutting down worker service...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
		defer cancel()
		return healthSrv.Shutdown(shutdownCtx)
	})

	appLogger.Info("Worker service started successfully")

	if err := g.Wait(); err != nil {
		appLogger.Error("Worker service stopped with error",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// initScheduler registers the retention sweep and the stranded-job reconciler
func initScheduler(cfg *config.Config, logger *slog.Logger, store storage.Store, taskQueue queue.Queue, artifacts artifact.Store) (*sweeper.Scheduler, error) {
	sweep := sweeper.New(&sweeper.Config{
		Logger:     logger,
		Store:      store,
		Artifacts:  artifacts,
		Horizon:    cfg.Retention.Horizon,
		BatchSize:  cfg.Retention.BatchSize,
		DeleteRate: cfg.Retention.DeleteRate,
	})

	reconciler := sweeper.NewReconciler(&sweeper.ReconcilerConfig{
		Logger:      logger,
		Store:       store,
		Queue:       taskQueue,
		OrphanAfter: cfg.Retention.OrphanAfter,
		StaleAfter:  cfg.Worker.StaleAfter,
		BatchSize:   cfg.Retention.BatchSize,
	})

	scheduler := sweeper.NewScheduler(logger)

	if err := scheduler.Every("retention-sweep", cfg.Retention.SweepInterval, func(ctx context.Context) error {
		_, err := sweep.Sweep(ctx)
		return err
	}); err != nil {
		return nil, err
	}

	if err := scheduler.Every("reconcile-stranded", cfg.Retention.ReconcileInterval, func(ctx context.Context) error {
		_, err := reconciler.Reconcile(ctx)
		return err
	}); err != nil {
		return nil, err
	}

	return scheduler, nil
}

// initHealthServer exposes pool stats and metrics for probes
func initHealthServer(cfg *config.Config, w *worker.Worker, reader *sdkmetric.ManualReader, logger *slog.Logger) *http.Server {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Worker.HealthPort),
		Handler:           worker.NewHealthRouter(w, reader, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// defaultWorkerID identifies this process in claim owners and logs
func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
