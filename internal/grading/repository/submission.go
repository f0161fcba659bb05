package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"codegrader/internal/common/db"
	"codegrader/internal/grading/model"
)

const submissionColumns = "submission_id, assignment_id, student_id, code, language, status, score, max_score, avg_execution_time, error_message, submitted_at, graded_at"

var (
	ErrSubmissionNotFound = errors.New("submission not found")
)

// SubmissionRepository persists submissions.
type SubmissionRepository interface {
	Create(ctx context.Context, tx db.Transaction, submission *model.Submission) error
	GetByID(ctx context.Context, tx db.Transaction, submissionID string) (*model.Submission, error)
	CountByStudent(ctx context.Context, tx db.Transaction, assignmentID, studentID string) (int, error)
	UpdateGrade(ctx context.Context, tx db.Transaction, submissionID string, update model.GradeUpdate) error
	MarkError(ctx context.Context, tx db.Transaction, submissionID, message string) error
	SummarizeGraded(ctx context.Context, tx db.Transaction, assignmentID, studentID string) (model.ScoreSummary, error)
}

// MySQLSubmissionRepository implements SubmissionRepository with MySQL.
// Submissions change state while graded, so they are never cached.
type MySQLSubmissionRepository struct {
	db db.Database
}

func NewSubmissionRepository(database db.Database) *MySQLSubmissionRepository {
	return &MySQLSubmissionRepository{db: database}
}

// Create inserts a submission record.
func (r *MySQLSubmissionRepository) Create(ctx context.Context, tx db.Transaction, submission *model.Submission) error {
	if submission == nil {
		return errors.New("submission is nil")
	}
	if submission.SubmissionID == "" {
		return errors.New("submissionID is required")
	}
	if submission.AssignmentID == "" {
		return errors.New("assignmentID is required")
	}
	if submission.StudentID == "" {
		return errors.New("studentID is required")
	}
	if submission.Language == "" {
		return errors.New("language is required")
	}
	if submission.Status == "" {
		submission.Status = model.SubmissionPending
	}
	if submission.SubmittedAt.IsZero() {
		submission.SubmittedAt = time.Now()
	}

	query := `
		INSERT INTO submissions
		(submission_id, assignment_id, student_id, code, language, status, score, max_score, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.GetQuerier(r.db, tx).Exec(
		ctx,
		query,
		submission.SubmissionID,
		submission.AssignmentID,
		submission.StudentID,
		submission.Code,
		submission.Language,
		string(submission.Status),
		submission.Score,
		submission.MaxScore,
		submission.SubmittedAt,
	)
	return err
}

// GetByID retrieves a submission by id.
func (r *MySQLSubmissionRepository) GetByID(ctx context.Context, tx db.Transaction, submissionID string) (*model.Submission, error) {
	if submissionID == "" {
		return nil, errors.New("submissionID is required")
	}
	query := "SELECT " + submissionColumns + " FROM submissions WHERE submission_id = ? LIMIT 1"
	row := db.GetQuerier(r.db, tx).QueryRow(ctx, query, submissionID)

	s := &model.Submission{}
	var (
		status   string
		avgTime  sql.NullFloat64
		errMsg   sql.NullString
		gradedAt sql.NullTime
	)
	if err := row.Scan(
		&s.SubmissionID,
		&s.AssignmentID,
		&s.StudentID,
		&s.Code,
		&s.Language,
		&status,
		&s.Score,
		&s.MaxScore,
		&avgTime,
		&errMsg,
		&s.SubmittedAt,
		&gradedAt,
	); err != nil {
		if db.IsNoRows(err) {
			return nil, ErrSubmissionNotFound
		}
		return nil, err
	}
	s.Status = model.SubmissionStatus(status)
	if avgTime.Valid {
		v := avgTime.Float64
		s.AvgExecutionTime = &v
	}
	if errMsg.Valid {
		s.ErrorMessage = errMsg.String
	}
	if gradedAt.Valid {
		t := gradedAt.Time
		s.GradedAt = &t
	}
	return s, nil
}

// CountByStudent counts every submission by the student for the assignment, whatever its status.
func (r *MySQLSubmissionRepository) CountByStudent(ctx context.Context, tx db.Transaction, assignmentID, studentID string) (int, error) {
	query := "SELECT COUNT(*) FROM submissions WHERE assignment_id = ? AND student_id = ?"
	var count int
	if err := db.GetQuerier(r.db, tx).QueryRow(ctx, query, assignmentID, studentID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// UpdateGrade overwrites the grading fields. Running it twice leaves the latest values.
func (r *MySQLSubmissionRepository) UpdateGrade(ctx context.Context, tx db.Transaction, submissionID string, update model.GradeUpdate) error {
	if submissionID == "" {
		return errors.New("submissionID is required")
	}
	if update.GradedAt.IsZero() {
		update.GradedAt = time.Now()
	}
	var avgTime interface{}
	if update.AvgExecutionTime != nil {
		avgTime = *update.AvgExecutionTime
	}
	var errMsg interface{}
	if update.ErrorMessage != "" {
		errMsg = update.ErrorMessage
	}
	query := `
		UPDATE submissions
		SET status = ?, score = ?, avg_execution_time = ?, error_message = ?, graded_at = ?
		WHERE submission_id = ?
	`
	_, err := db.GetQuerier(r.db, tx).Exec(ctx, query,
		string(update.Status),
		update.Score,
		avgTime,
		errMsg,
		update.GradedAt,
		submissionID,
	)
	return err
}

// MarkError moves the submission to the error state with a reason.
func (r *MySQLSubmissionRepository) MarkError(ctx context.Context, tx db.Transaction, submissionID, message string) error {
	if submissionID == "" {
		return errors.New("submissionID is required")
	}
	query := "UPDATE submissions SET status = ?, error_message = ? WHERE submission_id = ?"
	_, err := db.GetQuerier(r.db, tx).Exec(ctx, query, string(model.SubmissionError), message, submissionID)
	return err
}

// SummarizeGraded returns the count and score sum of graded submissions.
func (r *MySQLSubmissionRepository) SummarizeGraded(ctx context.Context, tx db.Transaction, assignmentID, studentID string) (model.ScoreSummary, error) {
	query := `
		SELECT COUNT(*), COALESCE(SUM(score), 0), COALESCE(MAX(max_score), 0)
		FROM submissions
		WHERE assignment_id = ? AND student_id = ? AND status = ?
	`
	var summary model.ScoreSummary
	err := db.GetQuerier(r.db, tx).QueryRow(ctx, query, assignmentID, studentID, string(model.SubmissionGraded)).
		Scan(&summary.GradedCount, &summary.ScoreSum, &summary.MaxScore)
	if err != nil {
		return model.ScoreSummary{}, err
	}
	return summary, nil
}
