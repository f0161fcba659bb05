package service

import (
	"context"
	"errors"

	"codegrader/internal/grading/executor"
	"codegrader/internal/grading/model"
	"codegrader/internal/grading/queue"
	"codegrader/internal/grading/repository"
	appErr "codegrader/pkg/errors"
	"codegrader/pkg/utils/logger"

	"go.uber.org/zap"
)

// QueueStatus is the queue-side view of a submission's job.
type QueueStatus struct {
	JobID        string      `json:"jobId"`
	State        queue.State `json:"state"`
	Progress     int         `json:"progress"`
	AttemptsMade int         `json:"attemptsMade"`
	FailedReason string      `json:"failedReason,omitempty"`
}

// StatusResult is a submission with its queue status, if any.
type StatusResult struct {
	Submission  *model.Submission  `json:"submission"`
	TestResults []model.TestResult `json:"testResults,omitempty"`
	QueueStatus *QueueStatus       `json:"queueStatus"`
}

// GetStatus returns the stored submission. A missing job or an unreachable
// queue leaves QueueStatus nil rather than failing the call.
func (s *Service) GetStatus(ctx context.Context, submissionID string) (*StatusResult, error) {
	if submissionID == "" {
		return nil, appErr.ValidationError("submission_id", "required")
	}
	ctxDB := withTimeout(ctx, s.timeouts.DB)
	defer ctxDB.cancel()

	submission, err := s.submissions.GetByID(ctxDB.ctx, nil, submissionID)
	if err != nil {
		if errors.Is(err, repository.ErrSubmissionNotFound) {
			return nil, appErr.New(appErr.SubmissionNotFound).WithDetail("submission_id", submissionID)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "get submission failed")
	}
	result := &StatusResult{Submission: submission}

	if submission.Status == model.SubmissionGraded {
		rows, err := s.testResults.ListBySubmission(ctxDB.ctx, nil, submissionID)
		if err != nil {
			logger.Warn(ctx, "list test results failed", zap.String("submission_id", submissionID), zap.Error(err))
		} else {
			result.TestResults = rows
		}
	}

	if s.queue == nil {
		return result, nil
	}
	ctxQueue := withTimeout(ctx, s.timeouts.Queue)
	defer ctxQueue.cancel()
	job, err := s.queue.GetJob(ctxQueue.ctx, model.JobIDForSubmission(submissionID))
	if err != nil {
		if !errors.Is(err, queue.ErrJobNotFound) {
			logger.Warn(ctx, "get queue job failed", zap.String("submission_id", submissionID), zap.Error(err))
		}
		return result, nil
	}
	result.QueueStatus = &QueueStatus{
		JobID:        job.ID,
		State:        job.State,
		Progress:     job.Progress,
		AttemptsMade: job.AttemptsMade,
		FailedReason: job.FailedReason,
	}
	return result, nil
}

// RunInput describes an ad hoc execution.
type RunInput struct {
	Code      string
	Language  string
	Stdin     string
	StudentID string
	ClientIP  string
}

// RunOnly executes code once without persistence or eligibility checks.
func (s *Service) RunOnly(ctx context.Context, in RunInput) (*executor.Result, error) {
	if err := s.validateCode(in.Code, in.Language); err != nil {
		return nil, err
	}
	rateKey := in.StudentID
	if rateKey == "" {
		rateKey = in.ClientIP
	}
	if err := s.checkRateLimit(ctx, rateExecuteKeyPrefix+rateKey, s.rateLimit.ExecuteMax, appErr.ExecuteTooFrequently); err != nil {
		return nil, err
	}
	return s.exec.Execute(ctx, executor.Request{
		Code:     in.Code,
		Language: in.Language,
		Stdin:    in.Stdin,
	})
}

// QueueStats returns job counts per state.
func (s *Service) QueueStats(ctx context.Context) (queue.Counts, error) {
	if s.queue == nil {
		return queue.Counts{}, appErr.New(appErr.QueueUnavailable)
	}
	ctxQueue := withTimeout(ctx, s.timeouts.Queue)
	defer ctxQueue.cancel()
	counts, err := s.queue.Counts(ctxQueue.ctx)
	if err != nil {
		return queue.Counts{}, appErr.Wrapf(err, appErr.QueueUnavailable, "get queue stats failed")
	}
	return counts, nil
}
