// Package queue is a durable job queue on Redis. Every state transition runs
// as a single Lua script, so a job is held by at most one worker at a time.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	appErr "codegrader/pkg/errors"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultName            = "submission-processing"
	DefaultLockDuration    = 30 * time.Second
	DefaultMaxAttempts     = 3
	DefaultBackoffBase     = 2 * time.Second
	DefaultBackoffMax      = 5 * time.Minute
	DefaultMaxStalledCount = 1
	DefaultCompletedTTL    = time.Hour
	DefaultCompletedKeep   = 1000
	DefaultFailedTTL       = 24 * time.Hour

	// MaxPriority bounds AddOptions.Priority; lower numbers are claimed first.
	MaxPriority = 999

	stalledReason = "job stalled more than allowable limit"
)

// State is the lifecycle position of a job.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateStalled   State = "stalled"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrLockLost    = errors.New("job lock lost")
)

// Config holds queue settings. Zero values fall back to the defaults above.
type Config struct {
	Name            string        `yaml:"name"`
	LockDuration    time.Duration `yaml:"lockDuration"`
	MaxAttempts     int           `yaml:"maxAttempts"`
	BackoffBase     time.Duration `yaml:"backoffBase"`
	BackoffMax      time.Duration `yaml:"backoffMax"`
	MaxStalledCount int           `yaml:"maxStalledCount"`
	CompletedTTL    time.Duration `yaml:"completedTTL"`
	CompletedKeep   int           `yaml:"completedKeep"`
	FailedTTL       time.Duration `yaml:"failedTTL"`

	// Now overrides the clock, for tests.
	Now func() time.Time `yaml:"-"`
}

func (c *Config) setDefaults() {
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.LockDuration <= 0 {
		c.LockDuration = DefaultLockDuration
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.MaxStalledCount <= 0 {
		c.MaxStalledCount = DefaultMaxStalledCount
	}
	if c.CompletedTTL <= 0 {
		c.CompletedTTL = DefaultCompletedTTL
	}
	if c.CompletedKeep <= 0 {
		c.CompletedKeep = DefaultCompletedKeep
	}
	if c.FailedTTL <= 0 {
		c.FailedTTL = DefaultFailedTTL
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// AddOptions controls how a job is enqueued.
type AddOptions struct {
	// JobID deduplicates: adding an id that already exists is a no-op.
	JobID    string
	Priority int
}

// Job is a snapshot of a queued job.
type Job struct {
	ID           string          `json:"id"`
	Data         json.RawMessage `json:"data"`
	Priority     int             `json:"priority"`
	State        State           `json:"state"`
	AttemptsMade int             `json:"attemptsMade"`
	MaxAttempts  int             `json:"maxAttempts"`
	StalledCount int             `json:"stalledCount"`
	Progress     int             `json:"progress"`
	FailedReason string          `json:"failedReason,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	ProcessedAt  *time.Time      `json:"processedAt,omitempty"`
	FinishedAt   *time.Time      `json:"finishedAt,omitempty"`

	token string
}

// Token is the lock token of a claimed job.
func (j *Job) Token() string {
	return j.token
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v interface{}) error {
	if len(j.Data) == 0 {
		return fmt.Errorf("job %s has no data", j.ID)
	}
	return json.Unmarshal(j.Data, v)
}

// FailResult reports what Fail did with the job.
type FailResult struct {
	// Terminal is true when the job moved to failed rather than delayed.
	Terminal     bool
	AttemptsMade int
	Delay        time.Duration
}

// StalledResult lists the jobs RecoverStalled touched.
type StalledResult struct {
	Requeued []string
	Failed   []*Job
}

// Counts is the number of jobs per state.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Total     int64 `json:"total"`
}

// Queue is a Redis-backed job queue.
type Queue struct {
	client redis.UniversalClient
	cfg    Config
	prefix string
}

// New creates a queue on client.
func New(client redis.UniversalClient, cfg Config) (*Queue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	cfg.setDefaults()
	return &Queue{
		client: client,
		cfg:    cfg,
		prefix: "gradeq:" + cfg.Name + ":",
	}, nil
}

// LockDuration is how long a claim stays valid without ExtendLock.
func (q *Queue) LockDuration() time.Duration {
	return q.cfg.LockDuration
}

func (q *Queue) key(name string) string {
	return q.prefix + name
}

func (q *Queue) jobKey(id string) string {
	return q.prefix + "job:" + id
}

func (q *Queue) nowMillis() int64 {
	return q.cfg.Now().UnixMilli()
}

// Add enqueues payload. created is false when a job with the same id already
// exists, in which case the existing job is returned unchanged.
func (q *Queue) Add(ctx context.Context, payload interface{}, opts AddOptions) (*Job, bool, error) {
	if opts.JobID == "" {
		return nil, false, appErr.ValidationError("job_id", "required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, false, appErr.Wrapf(err, appErr.InvalidParams, "encode job payload failed")
	}
	priority := opts.Priority
	if priority < 0 {
		priority = 0
	}
	if priority > MaxPriority {
		priority = MaxPriority
	}

	res, err := addScript.Run(ctx, q.client,
		[]string{q.jobKey(opts.JobID), q.key("wait"), q.key("seq")},
		opts.JobID, string(data), priority, q.cfg.MaxAttempts, q.nowMillis(),
	).Int()
	if err != nil {
		return nil, false, appErr.Wrapf(err, appErr.QueueUnavailable, "add job failed")
	}
	job, err := q.GetJob(ctx, opts.JobID)
	if err != nil {
		return nil, false, err
	}
	return job, res == 1, nil
}

// Claim moves the next due job to active under token. It returns nil, nil
// when nothing is waiting.
func (q *Queue) Claim(ctx context.Context, token string) (*Job, error) {
	if token == "" {
		return nil, appErr.ValidationError("token", "required")
	}
	now := q.nowMillis()
	res, err := claimScript.Run(ctx, q.client,
		[]string{q.key("wait"), q.key("active"), q.key("delayed"), q.key("seq")},
		q.prefix, now, now+q.cfg.LockDuration.Milliseconds(), token,
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.QueueUnavailable, "claim job failed")
	}
	fields, err := flatToMap(res)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.QueueUnavailable, "decode claimed job failed")
	}
	return parseJob(fields), nil
}

// ExtendLock pushes the lock deadline of a claimed job forward.
func (q *Queue) ExtendLock(ctx context.Context, job *Job) error {
	deadline := q.nowMillis() + q.cfg.LockDuration.Milliseconds()
	res, err := extendLockScript.Run(ctx, q.client,
		[]string{q.key("active"), q.jobKey(job.ID)},
		job.ID, job.token, deadline,
	).Int()
	if err != nil {
		return appErr.Wrapf(err, appErr.QueueUnavailable, "extend lock failed")
	}
	if res != 1 {
		return appErr.Wrap(ErrLockLost, appErr.JobLockLost)
	}
	return nil
}

// Complete marks a claimed job completed.
func (q *Queue) Complete(ctx context.Context, job *Job) error {
	res, err := completeScript.Run(ctx, q.client,
		[]string{q.key("active"), q.key("completed"), q.jobKey(job.ID)},
		q.prefix, job.ID, job.token, q.nowMillis(), q.cfg.CompletedTTL.Milliseconds(), q.cfg.CompletedKeep,
	).Int()
	if err != nil {
		return appErr.Wrapf(err, appErr.QueueUnavailable, "complete job failed")
	}
	if res != 1 {
		return appErr.Wrap(ErrLockLost, appErr.JobLockLost)
	}
	return nil
}

// Fail records a failed attempt. Below MaxAttempts the job is delayed by
// BackoffBase * 2^(attempt-1), capped at BackoffMax; otherwise it is failed.
func (q *Queue) Fail(ctx context.Context, job *Job, reason string) (FailResult, error) {
	res, err := failScript.Run(ctx, q.client,
		[]string{q.key("active"), q.key("delayed"), q.key("failed"), q.jobKey(job.ID)},
		q.prefix, job.ID, job.token, q.nowMillis(), reason,
		q.cfg.BackoffBase.Milliseconds(), q.cfg.BackoffMax.Milliseconds(), q.cfg.FailedTTL.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return FailResult{}, appErr.Wrapf(err, appErr.QueueUnavailable, "fail job failed")
	}
	if len(res) != 3 || res[0] == 0 {
		return FailResult{}, appErr.Wrap(ErrLockLost, appErr.JobLockLost)
	}
	return FailResult{
		Terminal:     res[0] == 2,
		AttemptsMade: int(res[1]),
		Delay:        time.Duration(res[2]) * time.Millisecond,
	}, nil
}

// RecoverStalled returns active jobs whose lock expired to the wait set in
// state stalled, or fails them once they have stalled more than
// MaxStalledCount times.
func (q *Queue) RecoverStalled(ctx context.Context) (StalledResult, error) {
	res, err := recoverStalledScript.Run(ctx, q.client,
		[]string{q.key("active"), q.key("wait"), q.key("failed"), q.key("seq")},
		q.prefix, q.nowMillis(), q.cfg.MaxStalledCount, q.cfg.FailedTTL.Milliseconds(), stalledReason,
	).Slice()
	if err != nil {
		return StalledResult{}, appErr.Wrapf(err, appErr.QueueUnavailable, "recover stalled jobs failed")
	}
	var out StalledResult
	if len(res) != 2 {
		return out, nil
	}
	out.Requeued = toStrings(res[0])
	for _, id := range toStrings(res[1]) {
		job, err := q.GetJob(ctx, id)
		if err != nil {
			if errors.Is(err, ErrJobNotFound) {
				continue
			}
			return out, err
		}
		out.Failed = append(out.Failed, job)
	}
	return out, nil
}

// GetJob returns the job with id, or an error wrapping ErrJobNotFound.
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.QueueUnavailable, "get job failed")
	}
	if len(fields) == 0 {
		return nil, appErr.Wrap(ErrJobNotFound, appErr.JobNotFound)
	}
	return parseJob(fields), nil
}

// Counts returns the number of jobs per state.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.ZCard(ctx, q.key("wait"))
	active := pipe.ZCard(ctx, q.key("active"))
	completed := pipe.ZCard(ctx, q.key("completed"))
	failed := pipe.ZCard(ctx, q.key("failed"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, appErr.Wrapf(err, appErr.QueueUnavailable, "count jobs failed")
	}
	c := Counts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Delayed:   delayed.Val(),
	}
	c.Total = c.Waiting + c.Active + c.Completed + c.Failed + c.Delayed
	return c, nil
}

// Ping checks the backing Redis connection.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func flatToMap(res interface{}) (map[string]string, error) {
	items, ok := res.([]interface{})
	if !ok || len(items)%2 != 0 {
		return nil, fmt.Errorf("unexpected reply %T", res)
	}
	out := make(map[string]string, len(items)/2)
	for i := 0; i < len(items); i += 2 {
		k, _ := items[i].(string)
		v, _ := items[i+1].(string)
		out[k] = v
	}
	return out, nil
}

func toStrings(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func parseJob(fields map[string]string) *Job {
	job := &Job{
		ID:           fields["id"],
		Data:         json.RawMessage(fields["data"]),
		Priority:     atoi(fields["priority"]),
		State:        State(fields["state"]),
		AttemptsMade: atoi(fields["attempts"]),
		MaxAttempts:  atoi(fields["max_attempts"]),
		StalledCount: atoi(fields["stalled"]),
		Progress:     atoi(fields["progress"]),
		FailedReason: fields["failed_reason"],
		CreatedAt:    millisToTime(fields["created_at"]),
		token:        fields["token"],
	}
	if t := millisToTime(fields["processed_at"]); !t.IsZero() {
		job.ProcessedAt = &t
	}
	if t := millisToTime(fields["finished_at"]); !t.IsZero() {
		job.FinishedAt = &t
	}
	return job
}

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

func millisToTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
