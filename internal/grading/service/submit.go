package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"codegrader/internal/common/cache"
	"codegrader/internal/common/db"
	"codegrader/internal/grading/executor"
	"codegrader/internal/grading/model"
	"codegrader/internal/grading/queue"
	"codegrader/internal/grading/repository"
	appErr "codegrader/pkg/errors"
	"codegrader/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	rateSubmitKeyPrefix  = "grading:rate:submit:"
	rateExecuteKeyPrefix = "grading:rate:execute:"

	statusQueued  = "queued"
	queuedMessage = "Submission queued for processing. Check status later."
)

// SubmitInput describes a graded submission request. An empty StudentID
// grades in preview mode: nothing is persisted and eligibility is not checked.
type SubmitInput struct {
	AssignmentID string
	StudentID    string
	Code         string
	Language     string
	UseQueue     bool
	ClientIP     string
}

// QueuedResult acknowledges a submission handed to the worker pool.
type QueuedResult struct {
	Submission    *model.Submission `json:"submission"`
	SubmissionID  string            `json:"submission_id"`
	JobID         string            `json:"jobId"`
	Status        string            `json:"status"`
	Message       string            `json:"message"`
	QueuePosition *queue.Counts     `json:"queuePosition,omitempty"`
}

// SubmitResult is either a graded result or a queued acknowledgement.
type SubmitResult struct {
	Graded *GradeResult
	Queued *QueuedResult
}

// SubmitForGrading validates, records and grades a submission, either inline
// or through the queue when asked and available.
func (s *Service) SubmitForGrading(ctx context.Context, in SubmitInput) (*SubmitResult, error) {
	if err := s.validateSubmit(in); err != nil {
		return nil, err
	}
	rateKey := in.StudentID
	if rateKey == "" {
		rateKey = in.ClientIP
	}
	if err := s.checkRateLimit(ctx, rateSubmitKeyPrefix+rateKey, s.rateLimit.SubmitMax, appErr.SubmitTooFrequently); err != nil {
		return nil, err
	}

	if in.StudentID == "" {
		return s.preview(ctx, in)
	}

	submission, err := s.createEligibleSubmission(ctx, in)
	if err != nil {
		return nil, err
	}
	s.archiveSource(ctx, submission)

	payload := model.JobPayload{
		SubmissionID: submission.SubmissionID,
		AssignmentID: submission.AssignmentID,
		Code:         submission.Code,
		Language:     submission.Language,
		StudentID:    submission.StudentID,
		MaxScore:     submission.MaxScore,
	}

	if in.UseQueue && s.queue != nil {
		queued, err := s.enqueue(ctx, submission, payload)
		if err == nil {
			return &SubmitResult{Queued: queued}, nil
		}
		logger.Warn(ctx, "enqueue failed, grading synchronously",
			zap.String("submission_id", submission.SubmissionID), zap.Error(err))
	}

	// Once the row exists, grading runs to completion even if the caller goes away.
	ctxGrade := withTimeout(context.WithoutCancel(ctx), s.timeouts.Grading)
	defer ctxGrade.cancel()
	result, err := s.gradeAndRecord(ctxGrade.ctx, payload)
	if err != nil {
		s.markError(ctx, submission.SubmissionID, err)
		return nil, err
	}
	return &SubmitResult{Graded: result}, nil
}

func (s *Service) validateSubmit(in SubmitInput) error {
	if strings.TrimSpace(in.AssignmentID) == "" {
		return appErr.ValidationError("assignment_id", "required")
	}
	return s.validateCode(in.Code, in.Language)
}

func (s *Service) validateCode(code, language string) error {
	if strings.TrimSpace(code) == "" {
		return appErr.ValidationError("code", "required")
	}
	if strings.TrimSpace(language) == "" {
		return appErr.ValidationError("language", "required")
	}
	if len(code) > s.maxCodeBytes {
		return appErr.New(appErr.CodeTooLarge).WithDetail("max_bytes", s.maxCodeBytes)
	}
	if !executor.IsSupported(language) {
		return appErr.Newf(appErr.LanguageNotSupported, "Unsupported language: %s", language).
			WithDetail("supported", executor.SupportedLanguages())
	}
	return nil
}

// createEligibleSubmission checks eligibility and inserts the pending row in
// one transaction. The assignment row lock serializes concurrent submits, so
// the per-student limit holds under concurrency.
func (s *Service) createEligibleSubmission(ctx context.Context, in SubmitInput) (*model.Submission, error) {
	ctxDB := withTimeout(ctx, s.timeouts.DB)
	defer ctxDB.cancel()

	var submission *model.Submission
	err := s.db.Transaction(ctxDB.ctx, func(tx db.Transaction) error {
		assignment, err := s.assignments.GetForUpdate(ctxDB.ctx, tx, in.AssignmentID)
		if err != nil {
			if errors.Is(err, repository.ErrAssignmentNotFound) {
				return appErr.New(appErr.AssignmentNotFound).WithDetail("assignment_id", in.AssignmentID)
			}
			return appErr.Wrapf(err, appErr.DatabaseError, "load assignment failed")
		}
		if assignment.Status != model.AssignmentActive {
			return appErr.New(appErr.AssignmentNotActive)
		}
		now := s.now()
		if !assignment.DueDate.IsZero() && now.After(assignment.DueDate) {
			return appErr.New(appErr.DeadlineExceeded)
		}

		count, err := s.submissions.CountByStudent(ctxDB.ctx, tx, in.AssignmentID, in.StudentID)
		if err != nil {
			return appErr.Wrapf(err, appErr.DatabaseError, "count submissions failed")
		}
		if count >= s.maxSubmissions {
			return appErr.Newf(appErr.ResubmissionLimit,
				"Maximum resubmission limit reached. You have already submitted %d time(s). Maximum allowed: %d submissions per assignment.",
				count, s.maxSubmissions).
				WithDetail("submissions", count).
				WithDetail("max_submissions", s.maxSubmissions)
		}

		submission = &model.Submission{
			SubmissionID: uuid.NewString(),
			AssignmentID: in.AssignmentID,
			StudentID:    in.StudentID,
			Code:         in.Code,
			Language:     strings.ToLower(strings.TrimSpace(in.Language)),
			Status:       model.SubmissionPending,
			Score:        0,
			MaxScore:     assignment.EffectiveMaxScore(),
			SubmittedAt:  now,
		}
		if err := s.submissions.Create(ctxDB.ctx, tx, submission); err != nil {
			return appErr.Wrapf(err, appErr.SubmissionCreateFailed, "create submission failed")
		}
		return nil
	})
	if err != nil {
		if appErr.GetError(err).Code == appErr.InternalServerError {
			return nil, appErr.Wrapf(err, appErr.TransactionFailed, "submit transaction failed")
		}
		return nil, err
	}
	return submission, nil
}

// preview grades without persistence, for instructors testing an assignment.
func (s *Service) preview(ctx context.Context, in SubmitInput) (*SubmitResult, error) {
	ctxDB := withTimeout(ctx, s.timeouts.DB)
	assignment, err := s.assignments.GetByID(ctxDB.ctx, nil, in.AssignmentID)
	ctxDB.cancel()
	if err != nil {
		if errors.Is(err, repository.ErrAssignmentNotFound) {
			return nil, appErr.New(appErr.AssignmentNotFound).WithDetail("assignment_id", in.AssignmentID)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "load assignment failed")
	}
	result, err := s.gradeAndRecord(ctx, model.JobPayload{
		AssignmentID: in.AssignmentID,
		Code:         in.Code,
		Language:     in.Language,
		MaxScore:     assignment.EffectiveMaxScore(),
	})
	if err != nil {
		return nil, err
	}
	return &SubmitResult{Graded: result}, nil
}

func (s *Service) enqueue(ctx context.Context, submission *model.Submission, payload model.JobPayload) (*QueuedResult, error) {
	ctxQueue := withTimeout(ctx, s.timeouts.Queue)
	defer ctxQueue.cancel()

	job, created, err := s.queue.Add(ctxQueue.ctx, payload, queue.AddOptions{
		JobID:    model.JobIDForSubmission(submission.SubmissionID),
		Priority: s.jobPriority,
	})
	if err != nil {
		return nil, err
	}
	if !created {
		logger.Info(ctx, "job already queued", zap.String("job_id", job.ID))
	}
	result := &QueuedResult{
		Submission:   submission,
		SubmissionID: submission.SubmissionID,
		JobID:        job.ID,
		Status:       statusQueued,
		Message:      queuedMessage,
	}
	if counts, err := s.queue.Counts(ctxQueue.ctx); err == nil {
		result.QueuePosition = &counts
	}
	return result, nil
}

func (s *Service) archiveSource(ctx context.Context, submission *model.Submission) {
	if s.storage == nil {
		return
	}
	fileName := "source.code"
	if lang, ok := executor.LookupLanguage(submission.Language); ok {
		fileName = lang.FileName
	}
	key := fmt.Sprintf("%s/%s/%s", s.sourceKeyPrefix, submission.SubmissionID, fileName)

	ctxStorage := withTimeout(ctx, s.timeouts.Storage)
	defer ctxStorage.cancel()
	reader := strings.NewReader(submission.Code)
	if err := s.storage.PutObject(ctxStorage.ctx, s.sourceBucket, key, reader, int64(reader.Len()), "text/plain; charset=utf-8"); err != nil {
		logger.Warn(ctx, "archive source failed", zap.String("submission_id", submission.SubmissionID), zap.String("key", key), zap.Error(err))
	}
}

// checkRateLimit fails open: a cache outage must not block grading.
func (s *Service) checkRateLimit(ctx context.Context, key string, max int, code appErr.ErrorCode) error {
	if s.cache == nil || max <= 0 || strings.HasSuffix(key, ":") {
		return nil
	}
	ctxCache := withTimeout(ctx, s.timeouts.Cache)
	defer ctxCache.cancel()

	allowed, count, err := cache.FixedWindowAllow(ctxCache.ctx, s.cache, key, int64(max), s.rateLimit.Window)
	if err != nil {
		logger.Warn(ctx, "rate limit check failed", zap.String("key", key), zap.Error(err))
		return nil
	}
	if !allowed {
		return appErr.New(code).WithDetail("limit", max).WithDetail("count", count)
	}
	return nil
}
