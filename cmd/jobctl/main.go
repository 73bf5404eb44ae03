package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuongbtq/media-jobs/internal/artifact"
	"github.com/cuongbtq/media-jobs/internal/bootstrap"
	"github.com/cuongbtq/media-jobs/internal/cli"
	"github.com/cuongbtq/media-jobs/internal/config"
	"github.com/cuongbtq/media-jobs/internal/storage"
	"github.com/joho/godotenv"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCmd(open, defaultConfigPath).ExecuteContext(ctx); err != nil {
		stop()
		log.Fatal(err)
	}
}

// open connects to the backends named in the config file
func open(ctx context.Context, configPath string) (*cli.Deps, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	// migrations run explicitly through the migrate command
	dbCfg := cfg.Database
	dbCfg.AutoMigrate = false

	dbClient, err := bootstrap.InitPostgreSQL(ctx, &dbCfg, appLogger.Logger)
	if err != nil {
		appLogger.Close()
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	taskQueue, closeQueue, err := bootstrap.InitQueue(cfg, appLogger.Logger)
	if err != nil {
		dbClient.Close()
		appLogger.Close()
		return nil, nil, fmt.Errorf("failed to initialize queue: %w", err)
	}

	artifacts, err := artifact.NewLocalStore(cfg.Storage.ArtifactDir)
	if err != nil {
		closeQueue()
		dbClient.Close()
		appLogger.Close()
		return nil, nil, fmt.Errorf("failed to initialize artifact store: %w", err)
	}

	deps := &cli.Deps{
		Config:    cfg,
		Logger:    appLogger.Logger,
		Store:     storage.NewPostgresStore(dbClient, appLogger.Logger),
		Queue:     taskQueue,
		Artifacts: artifacts,
		Migrate: func(ctx context.Context) error {
			return dbClient.Migrate(ctx, storage.Migrations, storage.MigrationsDir)
		},
	}

	return deps, func() {
		closeQueue()
		dbClient.Close()
		appLogger.Close()
	}, nil
}
