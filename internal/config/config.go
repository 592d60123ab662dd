package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Store drivers
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Artifact drivers
const (
	ArtifactsDir = "dir"
	ArtifactsGCS = "gcs"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Redis     RedisConfig     `yaml:"redis"`
	Logging   LoggingConfig   `yaml:"logging"`
	App       AppConfig       `yaml:"app"`
	Queue     QueueConfig     `yaml:"queue"`
	Provider  ProviderConfig  `yaml:"provider"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

// DatabaseConfig selects the job store. Connection fields apply to postgres only.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds the broker connection plus the intake queue and progress exchange
type RabbitMQConfig struct {
	Enabled          bool             `yaml:"enabled"`
	Host             string           `yaml:"host"`
	Port             int              `yaml:"port"`
	User             string           `yaml:"user"`
	Password         string           `yaml:"password"`
	VHost            string           `yaml:"vhost"`
	IntakeQueue      string           `yaml:"intake_queue"`
	ProgressExchange string           `yaml:"progress_exchange"`
	Connection       ConnectionConfig `yaml:"connection"`
	Publish          PublishConfig    `yaml:"publish"`
	Consumer         ConsumerConfig   `yaml:"consumer"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// RedisConfig holds the progress pub/sub bridge settings
type RedisConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Addr          string        `yaml:"addr"`
	Password      string        `yaml:"password"`
	DB            int           `yaml:"db"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	ChannelPrefix string        `yaml:"channel_prefix"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// QueueConfig holds scheduler and pipeline settings
type QueueConfig struct {
	Concurrency      int           `yaml:"concurrency"`
	StageTimeout     time.Duration `yaml:"stage_timeout"`
	LogRetention     int           `yaml:"log_retention"`
	LogTail          int           `yaml:"log_tail"`
	SubscriberBuffer int           `yaml:"subscriber_buffer"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	Recover          bool          `yaml:"recover"`
}

// ProviderConfig holds the AI provider client settings
type ProviderConfig struct {
	BaseURL           string        `yaml:"base_url"`
	APIKey            string        `yaml:"api_key"`
	TextModel         string        `yaml:"text_model"`
	ImageModel        string        `yaml:"image_model"`
	ImageSize         string        `yaml:"image_size"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RenderConcurrency int           `yaml:"render_concurrency"`
}

// ArtifactsConfig selects where stage outputs are written
type ArtifactsConfig struct {
	Driver string    `yaml:"driver"`
	Dir    string    `yaml:"dir"`
	GCS    GCSConfig `yaml:"gcs"`
}

// GCSConfig holds Google Cloud Storage settings
type GCSConfig struct {
	Bucket          string        `yaml:"bucket"`
	Prefix          string        `yaml:"prefix"`
	CredentialsFile string        `yaml:"credentials_file"`
	UploadTimeout   time.Duration `yaml:"upload_timeout"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// ApplyEnv overrides secrets and deploy-specific values from the environment
func (c *Config) ApplyEnv() {
	overrides := []struct {
		key    string
		target *string
	}{
		{"DATABASE_PASSWORD", &c.Database.Password},
		{"RABBITMQ_PASSWORD", &c.RabbitMQ.Password},
		{"REDIS_PASSWORD", &c.Redis.Password},
		{"PROVIDER_API_KEY", &c.Provider.APIKey},
		{"GCS_BUCKET", &c.Artifacts.GCS.Bucket},
	}
	for _, o := range overrides {
		if v, ok := os.LookupEnv(o.key); ok && strings.TrimSpace(v) != "" {
			*o.target = strings.TrimSpace(v)
		}
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := validatePort("server", c.Server.Port); err != nil {
		return err
	}

	switch c.Database.Driver {
	case StoreMemory:
	case StorePostgres:
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if err := validatePort("database", c.Database.Port); err != nil {
			return err
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	default:
		return fmt.Errorf("invalid database driver: %q (must be %s or %s)", c.Database.Driver, StoreMemory, StorePostgres)
	}

	if err := c.validateQueue(); err != nil {
		return err
	}

	if c.Provider.TextModel == "" {
		return fmt.Errorf("provider text_model is required")
	}

	switch c.Artifacts.Driver {
	case ArtifactsDir:
		if c.Artifacts.Dir == "" {
			return fmt.Errorf("artifacts dir is required")
		}
	case ArtifactsGCS:
		if c.Artifacts.GCS.Bucket == "" {
			return fmt.Errorf("artifacts gcs bucket is required")
		}
	default:
		return fmt.Errorf("invalid artifacts driver: %q (must be %s or %s)", c.Artifacts.Driver, ArtifactsDir, ArtifactsGCS)
	}

	if c.RabbitMQ.Enabled {
		if c.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required")
		}
		if err := validatePort("rabbitmq", c.RabbitMQ.Port); err != nil {
			return err
		}
		if c.RabbitMQ.IntakeQueue == "" && c.RabbitMQ.ProgressExchange == "" {
			return fmt.Errorf("rabbitmq needs an intake_queue or a progress_exchange")
		}
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}

	return nil
}

func (c *Config) validateQueue() error {
	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("queue concurrency must be greater than 0")
	}
	if c.Queue.StageTimeout <= 0 {
		return fmt.Errorf("queue stage_timeout must be greater than 0")
	}
	if c.Queue.LogRetention <= 0 {
		return fmt.Errorf("queue log_retention must be greater than 0")
	}
	if c.Queue.SubscriberBuffer <= 0 {
		return fmt.Errorf("queue subscriber_buffer must be greater than 0")
	}
	if c.Queue.ShutdownTimeout <= 0 {
		return fmt.Errorf("queue shutdown_timeout must be greater than 0")
	}
	return nil
}

func validatePort(name string, port int) error {
	if port < MinPort || port > MaxPort {
		return fmt.Errorf("invalid %s port: %d (must be between %d and %d)", name, port, MinPort, MaxPort)
	}
	return nil
}
