package repository

import (
	"context"
	"errors"
	"strings"

	"codegrader/internal/common/db"
	"codegrader/internal/grading/model"
)

const testResultColumns = "submission_id, test_case_id, passed, actual_output, execution_time, memory_used, error_message, status"

// TestResultRepository persists per-test outcomes.
type TestResultRepository interface {
	// ReplaceForSubmission deletes the submission's results and inserts results in their place.
	// Pass a transaction so readers never see a mixed set.
	ReplaceForSubmission(ctx context.Context, tx db.Transaction, submissionID string, results []model.TestResult) error
	ListBySubmission(ctx context.Context, tx db.Transaction, submissionID string) ([]model.TestResult, error)
}

// MySQLTestResultRepository implements TestResultRepository with MySQL.
type MySQLTestResultRepository struct {
	db db.Database
}

func NewTestResultRepository(database db.Database) *MySQLTestResultRepository {
	return &MySQLTestResultRepository{db: database}
}

func (r *MySQLTestResultRepository) ReplaceForSubmission(ctx context.Context, tx db.Transaction, submissionID string, results []model.TestResult) error {
	if submissionID == "" {
		return errors.New("submissionID is required")
	}
	q := db.GetQuerier(r.db, tx)
	if _, err := q.Exec(ctx, "DELETE FROM test_results WHERE submission_id = ?", submissionID); err != nil {
		return err
	}
	if len(results) == 0 {
		return nil
	}

	placeholders := make([]string, 0, len(results))
	args := make([]interface{}, 0, len(results)*8)
	for _, res := range results {
		placeholders = append(placeholders, "(?, ?, ?, ?, ?, ?, ?, ?)")
		var errMsg interface{}
		if res.ErrorMessage != "" {
			errMsg = res.ErrorMessage
		}
		args = append(args,
			submissionID,
			res.TestCaseID,
			res.Passed,
			res.ActualOutput,
			res.ExecutionTimeMs,
			res.MemoryUsedKB,
			errMsg,
			res.Status,
		)
	}
	query := "INSERT INTO test_results (" + testResultColumns + ") VALUES " + strings.Join(placeholders, ", ")
	_, err := q.Exec(ctx, query, args...)
	return err
}

func (r *MySQLTestResultRepository) ListBySubmission(ctx context.Context, tx db.Transaction, submissionID string) ([]model.TestResult, error) {
	if submissionID == "" {
		return nil, errors.New("submissionID is required")
	}
	query := `
		SELECT submission_id, test_case_id, passed, COALESCE(actual_output, ''), execution_time, memory_used,
		       COALESCE(error_message, ''), status
		FROM test_results WHERE submission_id = ? ORDER BY test_case_id ASC
	`
	rows, err := db.GetQuerier(r.db, tx).Query(ctx, query, submissionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []model.TestResult
	for rows.Next() {
		var res model.TestResult
		if err := rows.Scan(
			&res.SubmissionID,
			&res.TestCaseID,
			&res.Passed,
			&res.ActualOutput,
			&res.ExecutionTimeMs,
			&res.MemoryUsedKB,
			&res.ErrorMessage,
			&res.Status,
		); err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, rows.Err()
}
