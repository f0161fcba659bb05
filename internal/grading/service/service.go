// Package service orchestrates submission intake, grading and persistence.
package service

import (
	"context"
	"fmt"
	"time"

	"codegrader/internal/common/cache"
	"codegrader/internal/common/db"
	"codegrader/internal/common/storage"
	"codegrader/internal/grading/executor"
	"codegrader/internal/grading/model"
	"codegrader/internal/grading/queue"
	"codegrader/internal/grading/repository"
)

const (
	DefaultMaxSubmissions  = 3
	DefaultMaxCodeBytes    = 256 * 1024
	DefaultSubmitRateMax   = 10
	DefaultExecuteRateMax  = 20
	DefaultRateWindow      = time.Minute
	DefaultJobPriority     = 1
	DefaultGradingTimeout  = 5 * time.Minute
	defaultSourceKeyPrefix = "submissions"
)

// Grader runs code against an assignment's test cases.
type Grader interface {
	Run(ctx context.Context, code, language, assignmentID string) (*model.GradeOutcome, error)
}

// JobQueue is the part of the queue the service enqueues to and inspects.
type JobQueue interface {
	Add(ctx context.Context, payload interface{}, opts queue.AddOptions) (*queue.Job, bool, error)
	GetJob(ctx context.Context, id string) (*queue.Job, error)
	Counts(ctx context.Context) (queue.Counts, error)
}

// TxRunner runs fn inside one database transaction.
type TxRunner interface {
	Transaction(ctx context.Context, fn func(tx db.Transaction) error) error
}

// RateLimitConfig holds per-student throttling. A zero max disables that limit.
type RateLimitConfig struct {
	SubmitMax  int           `yaml:"submitMax"`
	ExecuteMax int           `yaml:"executeMax"`
	Window     time.Duration `yaml:"window"`
}

// TimeoutConfig bounds each external call.
type TimeoutConfig struct {
	DB      time.Duration `yaml:"db"`
	Cache   time.Duration `yaml:"cache"`
	Queue   time.Duration `yaml:"queue"`
	Storage time.Duration `yaml:"storage"`
	// Grading bounds a synchronous grade, which outlives the caller's context.
	Grading time.Duration `yaml:"grading"`
}

// Config holds service dependencies and settings. Queue, Cache and Storage
// are optional.
type Config struct {
	DB          TxRunner
	Assignments repository.AssignmentRepository
	Submissions repository.SubmissionRepository
	TestResults repository.TestResultRepository
	Grader      Grader
	Executor    executor.Executor

	Queue   JobQueue
	Cache   cache.Cache
	Storage storage.ObjectStorage

	SourceBucket    string
	SourceKeyPrefix string
	MaxSubmissions  int
	MaxCodeBytes    int
	JobPriority     int
	RateLimit       RateLimitConfig
	Timeouts        TimeoutConfig

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Service is the grading orchestrator.
type Service struct {
	db          TxRunner
	assignments repository.AssignmentRepository
	submissions repository.SubmissionRepository
	testResults repository.TestResultRepository
	grader      Grader
	exec        executor.Executor

	queue   JobQueue
	cache   cache.Cache
	storage storage.ObjectStorage

	sourceBucket    string
	sourceKeyPrefix string
	maxSubmissions  int
	maxCodeBytes    int
	jobPriority     int
	rateLimit       RateLimitConfig
	timeouts        TimeoutConfig
	now             func() time.Time
}

// New creates the grading orchestrator.
func New(cfg Config) (*Service, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("database is required")
	}
	if cfg.Assignments == nil {
		return nil, fmt.Errorf("assignment repository is required")
	}
	if cfg.Submissions == nil {
		return nil, fmt.Errorf("submission repository is required")
	}
	if cfg.TestResults == nil {
		return nil, fmt.Errorf("test result repository is required")
	}
	if cfg.Grader == nil {
		return nil, fmt.Errorf("grader is required")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if cfg.Storage != nil && cfg.SourceBucket == "" {
		return nil, fmt.Errorf("source bucket is required when storage is configured")
	}
	if cfg.SourceKeyPrefix == "" {
		cfg.SourceKeyPrefix = defaultSourceKeyPrefix
	}
	if cfg.MaxSubmissions <= 0 {
		cfg.MaxSubmissions = DefaultMaxSubmissions
	}
	if cfg.MaxCodeBytes <= 0 {
		cfg.MaxCodeBytes = DefaultMaxCodeBytes
	}
	if cfg.JobPriority <= 0 {
		cfg.JobPriority = DefaultJobPriority
	}
	if cfg.Timeouts.Grading <= 0 {
		cfg.Timeouts.Grading = DefaultGradingTimeout
	}
	if cfg.RateLimit.Window <= 0 {
		cfg.RateLimit.Window = DefaultRateWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		db:              cfg.DB,
		assignments:     cfg.Assignments,
		submissions:     cfg.Submissions,
		testResults:     cfg.TestResults,
		grader:          cfg.Grader,
		exec:            cfg.Executor,
		queue:           cfg.Queue,
		cache:           cfg.Cache,
		storage:         cfg.Storage,
		sourceBucket:    cfg.SourceBucket,
		sourceKeyPrefix: cfg.SourceKeyPrefix,
		maxSubmissions:  cfg.MaxSubmissions,
		maxCodeBytes:    cfg.MaxCodeBytes,
		jobPriority:     cfg.JobPriority,
		rateLimit:       cfg.RateLimit,
		timeouts:        cfg.Timeouts,
		now:             cfg.Now,
	}, nil
}

type timeoutCtx struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func withTimeout(ctx context.Context, timeout time.Duration) timeoutCtx {
	if timeout <= 0 {
		return timeoutCtx{ctx: ctx, cancel: func() {}}
	}
	ctxTimeout, cancel := context.WithTimeout(ctx, timeout)
	return timeoutCtx{ctx: ctxTimeout, cancel: cancel}
}
