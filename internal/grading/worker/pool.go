// Package worker runs queued grading jobs with bounded concurrency.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"codegrader/internal/common/mq"
	"codegrader/internal/grading/queue"
	"codegrader/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultConcurrency     = 5
	DefaultPollInterval    = 500 * time.Millisecond
	DefaultStalledInterval = 30 * time.Second
	DefaultJobTimeout      = 5 * time.Minute
	DefaultQueueTimeout    = 5 * time.Second
)

// JobQueue is the part of the queue the pool drives.
type JobQueue interface {
	Claim(ctx context.Context, token string) (*queue.Job, error)
	ExtendLock(ctx context.Context, job *queue.Job) error
	Complete(ctx context.Context, job *queue.Job) error
	Fail(ctx context.Context, job *queue.Job, reason string) (queue.FailResult, error)
	RecoverStalled(ctx context.Context) (queue.StalledResult, error)
	LockDuration() time.Duration
}

// Handler processes one job. A returned error counts as a failed attempt.
type Handler func(ctx context.Context, job *queue.Job) error

// FailedHandler runs once a job has failed for good, whether by exhausting
// its attempts or by stalling too often.
type FailedHandler func(ctx context.Context, job *queue.Job, reason string)

// Config holds pool dependencies and settings.
type Config struct {
	Queue     JobQueue
	Handler   Handler
	OnFailed  FailedHandler
	Observers []Observer

	Concurrency     int
	PollInterval    time.Duration
	StalledInterval time.Duration
	JobTimeout      time.Duration
	// QueueTimeout bounds recording a job's outcome after the handler returns.
	QueueTimeout time.Duration
}

// Pool claims jobs from the queue and runs them on up to Concurrency goroutines.
type Pool struct {
	queue     JobQueue
	handler   Handler
	onFailed  FailedHandler
	observers []Observer
	limiter   *mq.TokenLimiter

	pollInterval    time.Duration
	stalledInterval time.Duration
	jobTimeout      time.Duration
	queueTimeout    time.Duration
	heartbeat       time.Duration

	wg sync.WaitGroup
}

// New creates a worker pool.
func New(cfg Config) (*Pool, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.StalledInterval <= 0 {
		cfg.StalledInterval = DefaultStalledInterval
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = DefaultQueueTimeout
	}
	heartbeat := cfg.Queue.LockDuration() / 2
	if heartbeat <= 0 {
		heartbeat = time.Second
	}
	return &Pool{
		queue:           cfg.Queue,
		handler:         cfg.Handler,
		onFailed:        cfg.OnFailed,
		observers:       cfg.Observers,
		limiter:         mq.NewTokenLimiter(cfg.Concurrency),
		pollInterval:    cfg.PollInterval,
		stalledInterval: cfg.StalledInterval,
		jobTimeout:      cfg.JobTimeout,
		queueTimeout:    cfg.QueueTimeout,
		heartbeat:       heartbeat,
	}, nil
}

// Run claims and processes jobs until ctx is canceled, then waits for the
// jobs already in flight before returning.
func (p *Pool) Run(ctx context.Context) error {
	var reaper sync.WaitGroup
	reaper.Add(1)
	go func() {
		defer reaper.Done()
		p.reap(ctx)
	}()

	for {
		if err := p.limiter.Acquire(ctx); err != nil {
			break
		}
		job, err := p.queue.Claim(ctx, uuid.NewString())
		if err != nil || job == nil {
			p.limiter.Release()
			if err != nil && ctx.Err() == nil {
				logger.Warn(ctx, "claim job failed", zap.Error(err))
			}
			if !sleep(ctx, p.pollInterval) {
				break
			}
			continue
		}

		p.wg.Add(1)
		go func(job *queue.Job) {
			defer p.wg.Done()
			defer p.limiter.Release()
			// In-flight jobs finish even when the pool is shutting down.
			p.process(context.WithoutCancel(ctx), job)
		}(job)
	}

	p.wg.Wait()
	reaper.Wait()
	logger.Info(ctx, "worker pool stopped")
	return nil
}

func (p *Pool) process(parent context.Context, job *queue.Job) {
	parent = logger.WithJobID(parent, job.ID)
	runCtx, cancelRun := context.WithTimeout(parent, p.jobTimeout)
	defer cancelRun()

	p.notify(runCtx, newEvent(EventActive, job))
	start := time.Now()

	stopHeartbeat := p.startHeartbeat(runCtx, job)
	err := p.runHandler(runCtx, job)
	stopHeartbeat()

	// The outcome is recorded even when the handler ran out of time.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), p.queueTimeout)
	defer cancel()

	if err == nil {
		if completeErr := p.queue.Complete(ctx, job); completeErr != nil {
			logger.Warn(ctx, "complete job failed", zap.Error(completeErr))
			return
		}
		ev := newEvent(EventCompleted, job)
		ev.Duration = time.Since(start)
		p.notify(ctx, ev)
		return
	}

	reason := err.Error()
	res, failErr := p.queue.Fail(ctx, job, reason)
	if failErr != nil {
		logger.Warn(ctx, "record job failure failed", zap.Error(failErr), zap.String("reason", reason))
		return
	}
	job.AttemptsMade = res.AttemptsMade
	if !res.Terminal {
		ev := newEvent(EventRetrying, job)
		ev.Delay = res.Delay
		ev.Reason = reason
		p.notify(ctx, ev)
		return
	}
	p.fail(ctx, job, reason)
}

func (p *Pool) runHandler(ctx context.Context, job *queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.handler(ctx, job)
}

func (p *Pool) startHeartbeat(ctx context.Context, job *queue.Job) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.queue.ExtendLock(ctx, job); err != nil {
					logger.Warn(ctx, "extend job lock failed", zap.Error(err))
					if errors.Is(err, queue.ErrLockLost) {
						return
					}
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (p *Pool) reap(ctx context.Context) {
	ticker := time.NewTicker(p.stalledInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.recoverStalled(ctx)
		}
	}
}

func (p *Pool) recoverStalled(ctx context.Context) {
	res, err := p.queue.RecoverStalled(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn(ctx, "recover stalled jobs failed", zap.Error(err))
		}
		return
	}
	for _, id := range res.Requeued {
		p.notify(ctx, Event{Type: EventStalled, JobID: id, At: time.Now()})
	}
	for _, job := range res.Failed {
		jobCtx := logger.WithJobID(ctx, job.ID)
		p.notify(jobCtx, Event{Type: EventStalled, JobID: job.ID, AttemptsMade: job.AttemptsMade, At: time.Now()})
		p.fail(jobCtx, job, job.FailedReason)
	}
}

func (p *Pool) fail(ctx context.Context, job *queue.Job, reason string) {
	ev := newEvent(EventFailed, job)
	ev.Reason = reason
	p.notify(ctx, ev)
	if p.onFailed != nil {
		p.onFailed(ctx, job, reason)
	}
}

func (p *Pool) notify(ctx context.Context, event Event) {
	for _, o := range p.observers {
		if o != nil {
			o.Observe(ctx, event)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
