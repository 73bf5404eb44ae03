// Package bootstrap builds the infrastructure shared by the api and worker services.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/media-jobs/internal/config"
	"github.com/cuongbtq/media-jobs/internal/queue"
	"github.com/cuongbtq/media-jobs/internal/storage"
	"github.com/cuongbtq/media-jobs/shared/logger"
	"github.com/cuongbtq/media-jobs/shared/postgresql"
	"github.com/cuongbtq/media-jobs/shared/rabbitmq"
	"github.com/cuongbtq/media-jobs/shared/redis"
)

// InitLogger initializes and configures the application logger
func InitLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// InitPostgreSQL initializes the PostgreSQL database client and applies
// migrations when auto_migrate is set
func InitPostgreSQL(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		DSN:             cfg.DSN,
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	client, err := postgresql.NewClient(dbConfig, logger)
	if err != nil {
		return nil, err
	}

	if cfg.AutoMigrate {
		if err := client.Migrate(ctx, storage.Migrations, storage.MigrationsDir); err != nil {
			client.Close()
			return nil, err
		}
	}

	return client, nil
}

// InitQueue builds the task queue for the configured backend. The returned
// cleanup closes the queue and any connection it owns.
func InitQueue(cfg *config.Config, logger *slog.Logger) (queue.Queue, func(), error) {
	switch cfg.Queue.Backend {
	case config.QueueBackendMemory:
		q := queue.NewMemoryQueue(cfg.Queue.VisibilityTimeout, cfg.Queue.PollInterval)
		return q, func() { _ = q.Close() }, nil

	case config.QueueBackendRedis:
		client, err := initRedis(&cfg.Redis, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize Redis: %w", err)
		}
		q := queue.NewRedisQueue(client.GetClient(), cfg.Redis.KeyPrefix, cfg.Queue.VisibilityTimeout, cfg.Queue.PollInterval, logger)
		return q, func() {
			_ = q.Close()
			_ = client.Close()
		}, nil

	case config.QueueBackendRabbitMQ:
		client, err := initRabbitMQ(&cfg.RabbitMQ, cfg.Queue.VisibilityTimeout, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		q := queue.NewRabbitMQQueue(client, cfg.RabbitMQ.Consumer.Tag, cfg.RabbitMQ.Consumer.PrefetchCount,
			cfg.Queue.VisibilityTimeout, cfg.Queue.PollInterval, logger)
		return q, func() {
			_ = q.Close()
			_ = client.Close()
		}, nil

	default:
		return nil, nil, fmt.Errorf("unknown queue backend: %q", cfg.Queue.Backend)
	}
}

// initRedis initializes the Redis client
func initRedis(cfg *config.RedisConfig, logger *slog.Logger) (*redis.Client, error) {
	redisConfig := &redis.Config{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return redis.NewClient(redisConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client. The queue is declared with a
// consumer timeout matching the visibility timeout.
func initRabbitMQ(cfg *config.RabbitMQConfig, visibility time.Duration, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		QueueArgs:          queue.ConsumerTimeoutArgs(visibility),
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}
