// Package harness runs a submission against every test case of an assignment.
package harness

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"codegrader/internal/common/db"
	"codegrader/internal/grading/executor"
	"codegrader/internal/grading/model"
	appErr "codegrader/pkg/errors"
	"codegrader/pkg/utils/logger"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	defaultRetries      = 2
	defaultRetryInitial = 200 * time.Millisecond
	defaultRetryMax     = 2 * time.Second
)

// TestCaseLister loads the test cases of an assignment in execution order.
type TestCaseLister interface {
	ListByAssignment(ctx context.Context, tx db.Transaction, assignmentID string) ([]*model.TestCase, error)
}

// Config configures the harness.
type Config struct {
	Executor  executor.Executor
	TestCases TestCaseLister
	// Retries is the number of extra attempts for a transient execution failure of one test.
	// Negative disables retries.
	Retries      int
	RetryInitial time.Duration
	RetryMax     time.Duration
}

// Harness executes test cases sequentially with per-test fault isolation.
type Harness struct {
	exec         executor.Executor
	testCases    TestCaseLister
	retries      int
	retryInitial time.Duration
	retryMax     time.Duration
}

// New validates cfg and builds a harness.
func New(cfg Config) (*Harness, error) {
	if cfg.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if cfg.TestCases == nil {
		return nil, fmt.Errorf("test case lister is required")
	}
	if cfg.Retries == 0 {
		cfg.Retries = defaultRetries
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = defaultRetryInitial
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = defaultRetryMax
	}
	return &Harness{
		exec:         cfg.Executor,
		testCases:    cfg.TestCases,
		retries:      cfg.Retries,
		retryInitial: cfg.RetryInitial,
		retryMax:     cfg.RetryMax,
	}, nil
}

// Run grades code against the assignment's test cases in ascending id order.
// It fails only when the test cases cannot be loaded or there are none; a
// failing execution is recorded on its test and the run continues.
func (h *Harness) Run(ctx context.Context, code, language, assignmentID string) (*model.GradeOutcome, error) {
	testCases, err := h.testCases.ListByAssignment(ctx, nil, assignmentID)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "load test cases failed")
	}
	if len(testCases) == 0 {
		return nil, appErr.New(appErr.NoTestCases).WithDetail("assignment_id", assignmentID)
	}

	outcome := &model.GradeOutcome{
		TotalTests:  len(testCases),
		TestResults: make([]model.TestOutcome, 0, len(testCases)),
	}
	var totalRuntime, totalMemory float64
	var timeLimitSum, memoryLimitSum float64
	var timeLimitCount, memoryLimitCount int

	for _, tc := range testCases {
		result := h.runOne(ctx, code, language, tc)
		if result.Passed {
			outcome.PassedTests++
		}
		totalRuntime += result.RuntimeMs
		totalMemory += result.MemoryKB
		if tc.TimeLimitMs > 0 {
			timeLimitSum += float64(tc.TimeLimitMs)
			timeLimitCount++
		}
		if tc.MemoryLimitKB > 0 {
			memoryLimitSum += float64(tc.MemoryLimitKB)
			memoryLimitCount++
		}
		outcome.TestResults = append(outcome.TestResults, result)
	}

	total := float64(len(testCases))
	outcome.AvgRuntimeMs = round2(totalRuntime / total)
	outcome.AvgMemoryKB = round2(totalMemory / total)
	if timeLimitCount > 0 {
		outcome.TimeLimitMs = timeLimitSum / float64(timeLimitCount)
	}
	if memoryLimitCount > 0 {
		outcome.MemoryLimitKB = memoryLimitSum / float64(memoryLimitCount)
	}
	outcome.Status = model.OutcomeFailed
	if outcome.PassedTests == outcome.TotalTests {
		outcome.Status = model.OutcomeAccepted
	}
	return outcome, nil
}

func (h *Harness) runOne(ctx context.Context, code, language string, tc *model.TestCase) model.TestOutcome {
	result := model.TestOutcome{
		TestCaseID:     tc.TestCaseID,
		Input:          tc.InputData,
		ExpectedOutput: tc.ExpectedOutput,
		IsPublic:       tc.IsPublic,
	}

	res, err := h.executeWithRetry(ctx, executor.Request{
		Code:          code,
		Language:      language,
		Stdin:         tc.InputData,
		TimeLimitMs:   tc.TimeLimitMs,
		MemoryLimitKB: tc.MemoryLimitKB,
	})
	if err != nil {
		logger.Warn(ctx, "test case execution failed",
			zap.Int64("test_case_id", tc.TestCaseID),
			zap.String("language", language),
			zap.Error(err),
		)
		result.Error = err.Error()
		result.ExecutionFailed = true
		return result
	}

	result.ActualOutput = res.Output
	result.Error = res.Error
	result.ExitCode = res.ExitCode
	result.RuntimeMs = res.RuntimeMs
	result.MemoryKB = res.MemoryKB
	result.Passed = res.ExitCode == 0 &&
		strings.TrimSpace(res.Output) == strings.TrimSpace(tc.ExpectedOutput)
	return result
}

// executeWithRetry retries transient execution service failures only.
func (h *Harness) executeWithRetry(ctx context.Context, req executor.Request) (*executor.Result, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = h.retryInitial
	policy.MaxInterval = h.retryMax
	policy.Multiplier = 2
	var b backoff.BackOff = backoff.WithContext(backoff.WithMaxRetries(policy, uint64(h.retries)), ctx)

	return backoff.RetryWithData(func() (*executor.Result, error) {
		res, err := h.exec.Execute(ctx, req)
		if err == nil {
			return res, nil
		}
		if !appErr.Is(err, appErr.ExecutionServiceError) || errors.Is(err, context.Canceled) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}, b)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
