package main

import (
	"fmt"
	"os"
	"time"

	"codegrader/internal/common/cache"
	"codegrader/internal/common/db"
	"codegrader/internal/common/mq"
	"codegrader/internal/grading/queue"
	"codegrader/internal/grading/service"
	"codegrader/internal/grading/worker"
	"codegrader/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const defaultShutdownTimeout = 30 * time.Second

// PistonConfig points at the execution service.
type PistonConfig struct {
	BaseURL        string        `yaml:"baseURL"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	LimitOverhead  time.Duration `yaml:"limitOverhead"`
	Retries        int           `yaml:"retries"`
	RetryInitial   time.Duration `yaml:"retryInitial"`
	RetryMax       time.Duration `yaml:"retryMax"`
}

// WorkerConfig sizes the pool.
type WorkerConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	PollInterval    time.Duration `yaml:"pollInterval"`
	StalledInterval time.Duration `yaml:"stalledInterval"`
	JobTimeout      time.Duration `yaml:"jobTimeout"`
	// ShutdownTimeout bounds how long in-flight jobs may run after a signal.
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// GradingConfig holds the subset of grading policy a worker applies.
type GradingConfig struct {
	AssignmentCacheTTL time.Duration         `yaml:"assignmentCacheTTL"`
	Timeouts           service.TimeoutConfig `yaml:"timeouts"`
}

// EventsConfig controls grading event publishing.
type EventsConfig struct {
	Topic          string        `yaml:"topic"`
	PublishTimeout time.Duration `yaml:"publishTimeout"`
}

// AppConfig holds grading-worker configuration.
type AppConfig struct {
	Logger   logger.Config     `yaml:"logger"`
	Database db.MySQLConfig    `yaml:"database"`
	Redis    cache.RedisConfig `yaml:"redis"`
	Piston   PistonConfig      `yaml:"piston"`
	Queue    queue.Config      `yaml:"queue"`
	Worker   WorkerConfig      `yaml:"worker"`
	Grading  GradingConfig     `yaml:"grading"`
	Kafka    mq.KafkaConfig    `yaml:"kafka"`
	Events   EventsConfig      `yaml:"events"`
}

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
	if cfg.Worker.ShutdownTimeout == 0 {
		cfg.Worker.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.Grading.AssignmentCacheTTL == 0 {
		cfg.Grading.AssignmentCacheTTL = 30 * time.Second
	}
	if cfg.Grading.Timeouts.DB == 0 {
		cfg.Grading.Timeouts.DB = 3 * time.Second
	}
	if cfg.Grading.Timeouts.Queue == 0 {
		cfg.Grading.Timeouts.Queue = 3 * time.Second
	}
	if cfg.Events.Topic == "" {
		cfg.Events.Topic = worker.DefaultEventTopic
	}
	if cfg.Events.PublishTimeout == 0 {
		cfg.Events.PublishTimeout = 3 * time.Second
	}
	return &cfg, nil
}
