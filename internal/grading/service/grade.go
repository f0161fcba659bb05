package service

import (
	"context"
	"fmt"

	"codegrader/internal/common/db"
	"codegrader/internal/grading/model"
	"codegrader/internal/grading/queue"
	"codegrader/internal/grading/scoring"
	appErr "codegrader/pkg/errors"
	"codegrader/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	firstSubmissionMessage = "Submission successful!"
	resubmissionMessage    = "Resubmission successful! Average score: %d%% (from %d submissions)"
)

// GradeResult is the outcome of grading one submission.
type GradeResult struct {
	Submission  *model.Submission   `json:"submission"`
	TestResults *model.GradeOutcome `json:"testResults"`
	Score       int                 `json:"score"`
	MaxScore    int                 `json:"maxScore"`
	Percentage  int                 `json:"percentage"`
	Status      string              `json:"status"`

	// Running average over the student's graded submissions; absent in preview mode.
	AverageScore      *int   `json:"averageScore,omitempty"`
	AveragePercentage *int   `json:"averagePercentage,omitempty"`
	TotalSubmissions  int    `json:"totalSubmissions,omitempty"`
	Message           string `json:"message,omitempty"`
}

// ProcessJob grades a queued submission. It is what the worker pool runs.
// Errors are returned to the queue for retry; the submission is only marked
// error by HandleJobFailed once retries are exhausted.
func (s *Service) ProcessJob(ctx context.Context, payload model.JobPayload) (*GradeResult, error) {
	if payload.SubmissionID == "" || payload.AssignmentID == "" || payload.StudentID == "" {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("job payload missing required fields")
	}
	if payload.MaxScore <= 0 {
		payload.MaxScore = model.DefaultMaxScore
	}
	return s.gradeAndRecord(ctx, payload)
}

// HandleJobFailed marks the submission error after its job failed for good.
func (s *Service) HandleJobFailed(ctx context.Context, payload model.JobPayload, reason string) error {
	if payload.SubmissionID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	ctxDB := withTimeout(ctx, s.timeouts.DB)
	defer ctxDB.cancel()
	if err := s.submissions.MarkError(ctxDB.ctx, nil, payload.SubmissionID, reason); err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "mark submission error failed")
	}
	return nil
}

// HandleJob decodes a queue job and grades it.
func (s *Service) HandleJob(ctx context.Context, job *queue.Job) error {
	var payload model.JobPayload
	if err := job.Decode(&payload); err != nil {
		return appErr.Wrapf(err, appErr.InvalidParams, "decode job payload failed")
	}
	result, err := s.ProcessJob(ctx, payload)
	if err != nil {
		return err
	}
	logger.Info(ctx, "submission graded",
		zap.String("submission_id", payload.SubmissionID),
		zap.Int("score", result.Score),
		zap.String("status", result.Status),
	)
	return nil
}

// HandleJobFailure is the worker pool's terminal-failure hook.
func (s *Service) HandleJobFailure(ctx context.Context, job *queue.Job, reason string) {
	var payload model.JobPayload
	if err := job.Decode(&payload); err != nil {
		logger.Error(ctx, "decode failed job payload failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if err := s.HandleJobFailed(ctx, payload, reason); err != nil {
		logger.Error(ctx, "mark submission error failed", zap.String("submission_id", payload.SubmissionID), zap.Error(err))
	}
}

// gradeAndRecord runs the harness, scores the outcome and, unless the
// payload is a preview, persists the grade and its test results.
func (s *Service) gradeAndRecord(ctx context.Context, payload model.JobPayload) (*GradeResult, error) {
	outcome, err := s.grader.Run(ctx, payload.Code, payload.Language, payload.AssignmentID)
	if err != nil {
		return nil, err
	}

	maxScore := payload.MaxScore
	score := scoring.Calculate(scoring.Input{
		AvgRuntimeMs:  outcome.AvgRuntimeMs,
		AvgMemoryKB:   outcome.AvgMemoryKB,
		PassedTests:   outcome.PassedTests,
		TotalTests:    outcome.TotalTests,
		MaxScore:      maxScore,
		TimeLimitMs:   outcome.TimeLimitMs,
		MemoryLimitKB: outcome.MemoryLimitKB,
	})
	result := &GradeResult{
		TestResults: outcome,
		Score:       score,
		MaxScore:    maxScore,
		Percentage:  scoring.Percentage(float64(score), maxScore),
		Status:      outcome.Status,
	}
	if payload.SubmissionID == "" || payload.StudentID == "" {
		return result, nil
	}

	summary, err := s.recordGrade(ctx, payload, score, outcome)
	if err != nil {
		return nil, err
	}

	avg := scoring.Average(summary.ScoreSum, summary.GradedCount, maxScore)
	if avg.Count == 0 {
		avg = scoring.Average(score, 1, maxScore)
	}
	result.AverageScore = &avg.Score
	result.AveragePercentage = &avg.Percentage
	result.TotalSubmissions = avg.Count
	result.Message = firstSubmissionMessage
	if avg.Count > 1 {
		result.Message = fmt.Sprintf(resubmissionMessage, avg.Percentage, avg.Count)
	}

	ctxDB := withTimeout(ctx, s.timeouts.DB)
	defer ctxDB.cancel()
	submission, err := s.submissions.GetByID(ctxDB.ctx, nil, payload.SubmissionID)
	if err != nil {
		logger.Warn(ctx, "reload graded submission failed", zap.String("submission_id", payload.SubmissionID), zap.Error(err))
	} else {
		result.Submission = submission
	}
	return result, nil
}

// recordGrade overwrites the score fields and replaces the test result set in
// one transaction, so regrading never leaves two result sets behind.
func (s *Service) recordGrade(ctx context.Context, payload model.JobPayload, score int, outcome *model.GradeOutcome) (model.ScoreSummary, error) {
	avgRuntime := outcome.AvgRuntimeMs
	update := model.GradeUpdate{
		Status:           model.SubmissionGraded,
		Score:            score,
		AvgExecutionTime: &avgRuntime,
		GradedAt:         s.now(),
	}
	rows := make([]model.TestResult, 0, len(outcome.TestResults))
	for _, o := range outcome.TestResults {
		rows = append(rows, model.TestResult{
			SubmissionID:    payload.SubmissionID,
			TestCaseID:      o.TestCaseID,
			Passed:          o.Passed,
			ActualOutput:    o.ActualOutput,
			ExecutionTimeMs: o.RuntimeMs,
			MemoryUsedKB:    o.MemoryKB,
			ErrorMessage:    o.Error,
			Status:          o.StatusLabel(),
		})
	}

	ctxDB := withTimeout(ctx, s.timeouts.DB)
	defer ctxDB.cancel()

	var summary model.ScoreSummary
	err := s.db.Transaction(ctxDB.ctx, func(tx db.Transaction) error {
		if err := s.submissions.UpdateGrade(ctxDB.ctx, tx, payload.SubmissionID, update); err != nil {
			return err
		}
		if err := s.testResults.ReplaceForSubmission(ctxDB.ctx, tx, payload.SubmissionID, rows); err != nil {
			return err
		}
		var err error
		summary, err = s.submissions.SummarizeGraded(ctxDB.ctx, tx, payload.AssignmentID, payload.StudentID)
		return err
	})
	if err != nil {
		return model.ScoreSummary{}, appErr.Wrapf(err, appErr.DatabaseError, "record grade failed")
	}
	return summary, nil
}

func (s *Service) markError(ctx context.Context, submissionID string, cause error) {
	ctxDB := withTimeout(context.WithoutCancel(ctx), s.timeouts.DB)
	defer ctxDB.cancel()
	if err := s.submissions.MarkError(ctxDB.ctx, nil, submissionID, cause.Error()); err != nil {
		logger.Error(ctx, "mark submission error failed", zap.String("submission_id", submissionID), zap.Error(err))
	}
}
