package main

import (
	"fmt"
	"os"
	"time"

	"codegrader/internal/common/cache"
	"codegrader/internal/common/db"
	"codegrader/internal/common/mq"
	"codegrader/internal/common/storage"
	"codegrader/internal/grading/queue"
	"codegrader/internal/grading/service"
	"codegrader/internal/grading/worker"
	"codegrader/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8080"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 5 * time.Minute
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// PistonConfig points at the execution service.
type PistonConfig struct {
	BaseURL        string        `yaml:"baseURL"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	LimitOverhead  time.Duration `yaml:"limitOverhead"`
	Retries        int           `yaml:"retries"`
	RetryInitial   time.Duration `yaml:"retryInitial"`
	RetryMax       time.Duration `yaml:"retryMax"`
}

// GradingConfig holds submission policy.
type GradingConfig struct {
	MaxSubmissions     int                     `yaml:"maxSubmissions"`
	MaxCodeBytes       int                     `yaml:"maxCodeBytes"`
	JobPriority        int                     `yaml:"jobPriority"`
	AssignmentCacheTTL time.Duration           `yaml:"assignmentCacheTTL"`
	SourceBucket       string                  `yaml:"sourceBucket"`
	SourceKeyPrefix    string                  `yaml:"sourceKeyPrefix"`
	RateLimit          service.RateLimitConfig `yaml:"rateLimit"`
	Timeouts           service.TimeoutConfig   `yaml:"timeouts"`
}

// EventsConfig controls grading event publishing. Events are published only
// when Kafka brokers are configured.
type EventsConfig struct {
	Topic          string        `yaml:"topic"`
	PublishTimeout time.Duration `yaml:"publishTimeout"`
}

// WorkerConfig runs an in-process worker pool next to the API when Enabled.
type WorkerConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Concurrency     int           `yaml:"concurrency"`
	PollInterval    time.Duration `yaml:"pollInterval"`
	StalledInterval time.Duration `yaml:"stalledInterval"`
	JobTimeout      time.Duration `yaml:"jobTimeout"`
}

// AuthConfig enables bearer token verification when Secret is set.
type AuthConfig struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

// AppConfig holds grading-api configuration.
type AppConfig struct {
	Server   ServerConfig        `yaml:"server"`
	Logger   logger.Config       `yaml:"logger"`
	Database db.MySQLConfig      `yaml:"database"`
	Redis    cache.RedisConfig   `yaml:"redis"`
	Piston   PistonConfig        `yaml:"piston"`
	Queue    queue.Config        `yaml:"queue"`
	Worker   WorkerConfig        `yaml:"worker"`
	Grading  GradingConfig       `yaml:"grading"`
	MinIO    storage.MinIOConfig `yaml:"minio"`
	Kafka    mq.KafkaConfig      `yaml:"kafka"`
	Events   EventsConfig        `yaml:"events"`
	Auth     AuthConfig          `yaml:"auth"`
}

// loadYAML expands ${VAR} references from the environment before parsing.
func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}

	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	if cfg.Piston.BaseURL == "" {
		return nil, fmt.Errorf("piston baseURL is required")
	}

	if cfg.Worker.Concurrency == 0 {
		cfg.Worker.Concurrency = worker.DefaultConcurrency
	}
	if cfg.Grading.MaxSubmissions == 0 {
		cfg.Grading.MaxSubmissions = service.DefaultMaxSubmissions
	}
	if cfg.Grading.MaxCodeBytes == 0 {
		cfg.Grading.MaxCodeBytes = service.DefaultMaxCodeBytes
	}
	if cfg.Grading.AssignmentCacheTTL == 0 {
		cfg.Grading.AssignmentCacheTTL = 30 * time.Second
	}
	if cfg.Grading.RateLimit.Window == 0 {
		cfg.Grading.RateLimit.Window = service.DefaultRateWindow
	}
	if cfg.Grading.RateLimit.SubmitMax == 0 {
		cfg.Grading.RateLimit.SubmitMax = service.DefaultSubmitRateMax
	}
	if cfg.Grading.RateLimit.ExecuteMax == 0 {
		cfg.Grading.RateLimit.ExecuteMax = service.DefaultExecuteRateMax
	}
	if cfg.Grading.Timeouts.DB == 0 {
		cfg.Grading.Timeouts.DB = 3 * time.Second
	}
	if cfg.Grading.Timeouts.Cache == 0 {
		cfg.Grading.Timeouts.Cache = 1 * time.Second
	}
	if cfg.Grading.Timeouts.Queue == 0 {
		cfg.Grading.Timeouts.Queue = 3 * time.Second
	}
	if cfg.Grading.Timeouts.Storage == 0 {
		cfg.Grading.Timeouts.Storage = 5 * time.Second
	}
	if cfg.Grading.SourceBucket == "" {
		cfg.Grading.SourceBucket = cfg.MinIO.Bucket
	}
	if cfg.Events.Topic == "" {
		cfg.Events.Topic = worker.DefaultEventTopic
	}
	if cfg.Events.PublishTimeout == 0 {
		cfg.Events.PublishTimeout = 3 * time.Second
	}

	return &cfg, nil
}
