package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				// Verify some key fields are populated
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "localhost", cfg.Database.Host)
				assert.Equal(t, 5432, cfg.Database.Port)
				assert.Equal(t, "media_jobs", cfg.Database.Database)
				assert.Equal(t, QueueBackendRabbitMQ, cfg.Queue.Backend)
				assert.Equal(t, "media_jobs_exchange", cfg.RabbitMQ.Exchange.Name)
				assert.Equal(t, "media_jobs_queue", cfg.RabbitMQ.Queue.Name)
				assert.Equal(t, "media-jobs", cfg.App.Name)
				assert.Equal(t, 20*time.Minute, cfg.Worker.SoftTimeout)
				assert.Equal(t, 25*time.Minute, cfg.Worker.HardTimeout)
				assert.Equal(t, 30*time.Minute, cfg.Queue.VisibilityTimeout)
				assert.Equal(t, "tiny", cfg.Engine.Profiles["fast"])
			}
		})
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("DATABASE_PASSWORD", "from-env")
	t.Setenv("QUEUE_BACKEND", "redis")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("WORKER_CONCURRENCY", "8")

	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Database.Password)
	assert.Equal(t, QueueBackendRedis, cfg.Queue.Backend)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 8, cfg.Worker.Concurrency)
	// untouched by the environment
	assert.Equal(t, "localhost", cfg.Database.Host)
}

func TestLoad_InvalidEnvironmentOverride(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "lots")

	cfg, err := Load("testdata/valid_config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse environment overrides")
	assert.Nil(t, cfg)
}

func TestConfig_ApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()

	assert.Equal(t, QueueBackendRabbitMQ, cfg.Queue.Backend)
	assert.Equal(t, 3, cfg.Upload.MaxAttempts)
	assert.Equal(t, 55*time.Minute, cfg.Worker.SoftTimeout)
	assert.Equal(t, 60*time.Minute, cfg.Worker.HardTimeout)
	assert.Equal(t, 65*time.Minute, cfg.Queue.VisibilityTimeout)
	assert.Equal(t, 720*time.Hour, cfg.Retention.Horizon)
	assert.Equal(t, time.Hour, cfg.Retention.SweepInterval)
	assert.Equal(t, 2, cfg.Worker.Concurrency)
	assert.Equal(t, time.Second, cfg.Queue.PollInterval)
	assert.Equal(t, "en", cfg.Engine.DefaultLanguage)
	assert.Equal(t, int64(500<<20), cfg.Upload.MaxSizeBytes())
	assert.ElementsMatch(t,
		[]string{"mp3", "wav", "mp4", "avi", "mov", "m4a", "flac", "ogg"},
		cfg.Upload.AllowedExtensions,
	)

	// explicit values survive
	cfg = Config{Worker: WorkerConfig{Concurrency: 7}}
	cfg.ApplyDefaults()
	assert.Equal(t, 7, cfg.Worker.Concurrency)
}

// validConfig is a complete configuration that passes every validation
func validConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "media_jobs",
		},
		RabbitMQ: RabbitMQConfig{
			Host:     "localhost",
			Port:     5672,
			Exchange: ExchangeConfig{Name: "media_jobs_exchange"},
			Queue:    AMQPQueueConfig{Name: "media_jobs_queue"},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		wantErr   bool
		errString string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "dsn replaces connection fields",
			mutate: func(c *Config) {
				c.Database = DatabaseConfig{DSN: "postgres://localhost/media_jobs"}
			},
			wantErr: false,
		},
		{
			name:      "empty database host",
			mutate:    func(c *Config) { c.Database.Host = "" },
			wantErr:   true,
			errString: "database host is required",
		},
		{
			name:      "invalid database port",
			mutate:    func(c *Config) { c.Database.Port = 0 },
			wantErr:   true,
			errString: "invalid database port",
		},
		{
			name:      "empty database name",
			mutate:    func(c *Config) { c.Database.Database = "" },
			wantErr:   true,
			errString: "database name is required",
		},
		{
			name:      "empty rabbitmq host",
			mutate:    func(c *Config) { c.RabbitMQ.Host = "" },
			wantErr:   true,
			errString: "rabbitmq host is required",
		},
		{
			name:      "empty exchange name",
			mutate:    func(c *Config) { c.RabbitMQ.Exchange.Name = "" },
			wantErr:   true,
			errString: "rabbitmq exchange name is required",
		},
		{
			name:      "empty queue name",
			mutate:    func(c *Config) { c.RabbitMQ.Queue.Name = "" },
			wantErr:   true,
			errString: "rabbitmq queue name is required",
		},
		{
			name: "redis backend needs an address",
			mutate: func(c *Config) {
				c.Queue.Backend = QueueBackendRedis
				c.Redis.Addr = ""
			},
			wantErr:   true,
			errString: "redis addr is required",
		},
		{
			name: "memory backend ignores brokers",
			mutate: func(c *Config) {
				c.Queue.Backend = QueueBackendMemory
				c.RabbitMQ = RabbitMQConfig{}
			},
			wantErr: false,
		},
		{
			name:      "unknown backend",
			mutate:    func(c *Config) { c.Queue.Backend = "kafka" },
			wantErr:   true,
			errString: "unknown queue backend",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateAPIConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		wantErr   bool
		errString string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:      "invalid server port - too low",
			mutate:    func(c *Config) { c.Server.Port = 0 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "invalid server port - too high",
			mutate:    func(c *Config) { c.Server.Port = 70000 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "memory queue backend",
			mutate:    func(c *Config) { c.Queue.Backend = QueueBackendMemory },
			wantErr:   true,
			errString: "in-process only",
		},
		{
			name:    "redis queue backend",
			mutate:  func(c *Config) { c.Queue.Backend = QueueBackendRedis; c.Redis.Addr = "localhost:6379" },
			wantErr: false,
		},
		{
			name:      "extension with dot",
			mutate:    func(c *Config) { c.Upload.AllowedExtensions = []string{".wav"} },
			wantErr:   true,
			errString: "invalid upload extension",
		},
		{
			name:      "unknown default profile",
			mutate:    func(c *Config) { c.Engine.DefaultProfile = "turbo" },
			wantErr:   true,
			errString: "default_profile",
		},
		{
			name:      "shared validation applies",
			mutate:    func(c *Config) { c.Database.Database = "" },
			wantErr:   true,
			errString: "database name is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateAPIConfig()

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateWorkerConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		wantErr   bool
		errString string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:      "zero concurrency",
			mutate:    func(c *Config) { c.Worker.Concurrency = 0 },
			wantErr:   true,
			errString: "worker concurrency must be greater than 0",
		},
		{
			name: "hard timeout not above soft timeout",
			mutate: func(c *Config) {
				c.Worker.SoftTimeout = 10 * time.Minute
				c.Worker.HardTimeout = 10 * time.Minute
			},
			wantErr:   true,
			errString: "hard_timeout",
		},
		{
			name: "visibility timeout not above hard timeout",
			mutate: func(c *Config) {
				c.Worker.HardTimeout = 70 * time.Minute
			},
			wantErr:   true,
			errString: "visibility_timeout",
		},
		{
			name: "stale threshold within heartbeat interval",
			mutate: func(c *Config) {
				c.Worker.StaleAfter = c.Worker.HeartbeatInterval
			},
			wantErr:   true,
			errString: "stale_after",
		},
		{
			name:      "sub-second sweep interval",
			mutate:    func(c *Config) { c.Retention.SweepInterval = 100 * time.Millisecond },
			wantErr:   true,
			errString: "sweep_interval",
		},
		{
			name:      "invalid health port",
			mutate:    func(c *Config) { c.Worker.HealthPort = 70000 },
			wantErr:   true,
			errString: "invalid worker health port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateWorkerConfig()

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestLoad_ValidateIntegration(t *testing.T) {
	t.Run("load and validate valid config", func(t *testing.T) {
		cfg, err := Load("testdata/valid_config.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		require.NoError(t, cfg.ValidateAPIConfig())
		require.NoError(t, cfg.ValidateWorkerConfig())
	})

	t.Run("load config with invalid port", func(t *testing.T) {
		cfg, err := Load("testdata/invalid_port.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.ValidateAPIConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid server port")
	})

	t.Run("load config with missing database", func(t *testing.T) {
		cfg, err := Load("testdata/missing_database.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database name is required")
	})
}

func TestPortConstants(t *testing.T) {
	t.Run("port constants are correct", func(t *testing.T) {
		assert.Equal(t, 1, MinPort)
		assert.Equal(t, 65535, MaxPort)
	})

	t.Run("invalid port range", func(t *testing.T) {
		invalidPorts := []int{0, -1, 65536, 70000}
		for _, port := range invalidPorts {
			valid := port >= MinPort && port <= MaxPort
			assert.False(t, valid, "port %d should be invalid", port)
		}
	})
}
