package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Queue backends
const (
	QueueBackendMemory   = "memory"
	QueueBackendRedis    = "redis"
	QueueBackendRabbitMQ = "rabbitmq"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Queue     QueueConfig     `yaml:"queue"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Redis     RedisConfig     `yaml:"redis"`
	Storage   StorageConfig   `yaml:"storage"`
	Upload    UploadConfig    `yaml:"upload"`
	Engine    EngineConfig    `yaml:"engine"`
	Logging   LoggingConfig   `yaml:"logging"`
	App       AppConfig       `yaml:"app"`
	Worker    WorkerConfig    `yaml:"worker"`
	Retention RetentionConfig `yaml:"retention"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" env:"SERVER_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" env:"DATABASE_DSN"`
	Host            string        `yaml:"host" env:"DATABASE_HOST"`
	Port            int           `yaml:"port" env:"DATABASE_PORT"`
	User            string        `yaml:"user" env:"DATABASE_USER"`
	Password        string        `yaml:"password" env:"DATABASE_PASSWORD"`
	Database        string        `yaml:"database" env:"DATABASE_NAME"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// QueueConfig selects the task queue backend
type QueueConfig struct {
	Backend string `yaml:"backend" env:"QUEUE_BACKEND"`
	// VisibilityTimeout is how long a delivered task stays hidden before redelivery
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	PollInterval      time.Duration `yaml:"poll_interval"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host" env:"RABBITMQ_HOST"`
	Port       int              `yaml:"port" env:"RABBITMQ_PORT"`
	User       string           `yaml:"user" env:"RABBITMQ_USER"`
	Password   string           `yaml:"password" env:"RABBITMQ_PASSWORD"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      AMQPQueueConfig  `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// AMQPQueueConfig holds RabbitMQ queue configuration
type AMQPQueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	Tag           string `yaml:"tag"`
	PrefetchCount int    `yaml:"prefetch_count"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr         string        `yaml:"addr" env:"REDIS_ADDR"`
	Password     string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB           int           `yaml:"db" env:"REDIS_DB"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	KeyPrefix    string        `yaml:"key_prefix"`
}

// StorageConfig holds artifact storage configuration
type StorageConfig struct {
	ArtifactDir string `yaml:"artifact_dir" env:"STORAGE_ARTIFACT_DIR"`
}

// UploadConfig holds gateway upload limits
type UploadConfig struct {
	MaxSizeMB         int64    `yaml:"max_size_mb"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
	MaxAttempts       int      `yaml:"max_attempts"`
}

// MaxSizeBytes is the upload limit in bytes
func (u UploadConfig) MaxSizeBytes() int64 {
	return u.MaxSizeMB << 20
}

// EngineConfig holds the transcriber command configuration
type EngineConfig struct {
	Command            string            `yaml:"command" env:"ENGINE_COMMAND"`
	Args               []string          `yaml:"args"`
	Profiles           map[string]string `yaml:"profiles"`
	DefaultProfile     string            `yaml:"default_profile"`
	DefaultLanguage    string            `yaml:"default_language"`
	PermanentExitCodes []int             `yaml:"permanent_exit_codes"`
	WorkDir            string            `yaml:"work_dir"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level" env:"LOG_LEVEL"`
	Format       string `yaml:"format" env:"LOG_FORMAT"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment" env:"APP_ENV"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	ID          string `yaml:"id" env:"WORKER_ID"`
	Concurrency int    `yaml:"concurrency" env:"WORKER_CONCURRENCY"`
	// SoftTimeout is handed to the engine; HardTimeout is enforced by the pool
	SoftTimeout       time.Duration `yaml:"soft_timeout"`
	HardTimeout       time.Duration `yaml:"hard_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// StaleAfter is how long a claim may go without a heartbeat before it is reclaimed
	StaleAfter      time.Duration `yaml:"stale_after"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	HealthPort      int           `yaml:"health_port" env:"WORKER_HEALTH_PORT"`
}

// RetentionConfig holds sweeper and reconciler configuration
type RetentionConfig struct {
	Horizon           time.Duration `yaml:"horizon"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	BatchSize         int           `yaml:"batch_size"`
	DeleteRate        float64       `yaml:"delete_rate"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	OrphanAfter       time.Duration `yaml:"orphan_after"`
}

// Load reads and parses the configuration file, applies environment
// overrides, then fills defaults for anything left unset.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := env.Parse(&config); err != nil {
		return nil, fmt.Errorf("failed to parse environment overrides: %w", err)
	}

	config.ApplyDefaults()
	return &config, nil
}

// ApplyDefaults fills operational defaults for unset values
func (c *Config) ApplyDefaults() {
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}

	if c.Queue.Backend == "" {
		c.Queue.Backend = QueueBackendRabbitMQ
	}
	if c.Queue.VisibilityTimeout == 0 {
		c.Queue.VisibilityTimeout = 65 * time.Minute
	}
	if c.Queue.PollInterval == 0 {
		c.Queue.PollInterval = time.Second
	}

	if c.RabbitMQ.Consumer.Tag == "" {
		c.RabbitMQ.Consumer.Tag = "media-worker"
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "mediajobs"
	}

	if c.Storage.ArtifactDir == "" {
		c.Storage.ArtifactDir = "data/uploads"
	}

	if c.Upload.MaxSizeMB == 0 {
		c.Upload.MaxSizeMB = 500
	}
	if len(c.Upload.AllowedExtensions) == 0 {
		c.Upload.AllowedExtensions = []string{"mp3", "wav", "mp4", "avi", "mov", "m4a", "flac", "ogg"}
	}
	if c.Upload.MaxAttempts == 0 {
		c.Upload.MaxAttempts = 3
	}

	if c.Engine.Command == "" {
		c.Engine.Command = "whisper"
	}
	if len(c.Engine.Profiles) == 0 {
		c.Engine.Profiles = map[string]string{
			"fast":     "tiny",
			"base":     "base",
			"accurate": "medium",
		}
	}
	if c.Engine.DefaultProfile == "" {
		c.Engine.DefaultProfile = "fast"
	}
	if c.Engine.DefaultLanguage == "" {
		c.Engine.DefaultLanguage = "en"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}

	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 2
	}
	if c.Worker.SoftTimeout == 0 {
		c.Worker.SoftTimeout = 55 * time.Minute
	}
	if c.Worker.HardTimeout == 0 {
		c.Worker.HardTimeout = 60 * time.Minute
	}
	if c.Worker.HeartbeatInterval == 0 {
		c.Worker.HeartbeatInterval = 30 * time.Second
	}
	if c.Worker.StaleAfter == 0 {
		c.Worker.StaleAfter = 5 * time.Minute
	}
	if c.Worker.WriteTimeout == 0 {
		c.Worker.WriteTimeout = 30 * time.Second
	}
	if c.Worker.ShutdownTimeout == 0 {
		c.Worker.ShutdownTimeout = 30 * time.Second
	}
	if c.Worker.HealthPort == 0 {
		c.Worker.HealthPort = 8081
	}

	if c.Retention.Horizon == 0 {
		c.Retention.Horizon = 720 * time.Hour
	}
	if c.Retention.SweepInterval == 0 {
		c.Retention.SweepInterval = time.Hour
	}
	if c.Retention.BatchSize == 0 {
		c.Retention.BatchSize = 100
	}
	if c.Retention.ReconcileInterval == 0 {
		c.Retention.ReconcileInterval = 5 * time.Minute
	}
	if c.Retention.OrphanAfter == 0 {
		c.Retention.OrphanAfter = 2 * time.Hour
	}
}

// Validate checks the settings shared by both services
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}

	switch c.Queue.Backend {
	case QueueBackendMemory:
	case QueueBackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required for the redis queue backend")
		}
	case QueueBackendRabbitMQ:
		if c.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required")
		}
		if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
		}
		if c.RabbitMQ.Exchange.Name == "" {
			return fmt.Errorf("rabbitmq exchange name is required")
		}
		if c.RabbitMQ.Queue.Name == "" {
			return fmt.Errorf("rabbitmq queue name is required")
		}
	default:
		return fmt.Errorf("unknown queue backend: %q (must be one of %s, %s, %s)",
			c.Queue.Backend, QueueBackendMemory, QueueBackendRedis, QueueBackendRabbitMQ)
	}

	if c.Storage.ArtifactDir == "" {
		return fmt.Errorf("storage artifact_dir is required")
	}

	return nil
}

// ValidateAPIConfig checks the gateway configuration
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.Validate(); err != nil {
		return err
	}

	// the gateway and the workers run in separate processes
	if c.Queue.Backend == QueueBackendMemory {
		return fmt.Errorf("queue backend %q is in-process only; the api service needs %s or %s",
			QueueBackendMemory, QueueBackendRedis, QueueBackendRabbitMQ)
	}

	if c.Upload.MaxSizeMB <= 0 {
		return fmt.Errorf("upload max_size_mb must be greater than 0")
	}

	for _, ext := range c.Upload.AllowedExtensions {
		if ext == "" || strings.HasPrefix(ext, ".") {
			return fmt.Errorf("invalid upload extension %q (list extensions without the dot)", ext)
		}
	}

	if c.Upload.MaxAttempts <= 0 {
		return fmt.Errorf("upload max_attempts must be greater than 0")
	}

	if _, ok := c.Engine.Profiles[c.Engine.DefaultProfile]; !ok {
		return fmt.Errorf("engine default_profile %q is not a configured profile", c.Engine.DefaultProfile)
	}

	return nil
}

// ValidateWorkerConfig checks the worker configuration. Deadlines must nest:
// soft < hard < visibility, so the pool gives up before the queue redelivers.
func (c *Config) ValidateWorkerConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.SoftTimeout <= 0 {
		return fmt.Errorf("worker soft_timeout must be greater than 0")
	}

	if c.Worker.HardTimeout <= c.Worker.SoftTimeout {
		return fmt.Errorf("worker hard_timeout (%s) must be greater than soft_timeout (%s)",
			c.Worker.HardTimeout, c.Worker.SoftTimeout)
	}

	if c.Queue.VisibilityTimeout <= c.Worker.HardTimeout {
		return fmt.Errorf("queue visibility_timeout (%s) must be greater than worker hard_timeout (%s)",
			c.Queue.VisibilityTimeout, c.Worker.HardTimeout)
	}

	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker heartbeat_interval must be greater than 0")
	}

	if c.Worker.StaleAfter <= c.Worker.HeartbeatInterval {
		return fmt.Errorf("worker stale_after (%s) must be greater than heartbeat_interval (%s)",
			c.Worker.StaleAfter, c.Worker.HeartbeatInterval)
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Worker.HealthPort < MinPort || c.Worker.HealthPort > MaxPort {
		return fmt.Errorf("invalid worker health port: %d (must be between %d and %d)", c.Worker.HealthPort, MinPort, MaxPort)
	}

	if c.Retention.Horizon <= 0 {
		return fmt.Errorf("retention horizon must be greater than 0")
	}

	if c.Retention.SweepInterval < time.Second {
		return fmt.Errorf("retention sweep_interval must be at least 1s")
	}

	if c.Retention.ReconcileInterval < time.Second {
		return fmt.Errorf("retention reconcile_interval must be at least 1s")
	}

	if c.Engine.Command == "" {
		return fmt.Errorf("engine command is required")
	}

	return nil
}
