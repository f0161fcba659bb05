package repository

import (
	"context"
	"errors"

	"codegrader/internal/common/db"
	"codegrader/internal/grading/model"
)

const testCaseColumns = "test_case_id, assignment_id, input_data, expected_output, points, is_public, time_limit, memory_limit"

// TestCaseRepository reads test cases.
type TestCaseRepository interface {
	ListByAssignment(ctx context.Context, tx db.Transaction, assignmentID string) ([]*model.TestCase, error)
}

// MySQLTestCaseRepository implements TestCaseRepository with MySQL.
type MySQLTestCaseRepository struct {
	db db.Database
}

func NewTestCaseRepository(database db.Database) *MySQLTestCaseRepository {
	return &MySQLTestCaseRepository{db: database}
}

// ListByAssignment returns the assignment's test cases ordered by id.
func (r *MySQLTestCaseRepository) ListByAssignment(ctx context.Context, tx db.Transaction, assignmentID string) ([]*model.TestCase, error) {
	if assignmentID == "" {
		return nil, errors.New("assignmentID is required")
	}
	query := "SELECT " + testCaseColumns + " FROM test_cases WHERE assignment_id = ? ORDER BY test_case_id ASC"
	rows, err := db.GetQuerier(r.db, tx).Query(ctx, query, assignmentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var cases []*model.TestCase
	for rows.Next() {
		tc := &model.TestCase{}
		if err := rows.Scan(
			&tc.TestCaseID,
			&tc.AssignmentID,
			&tc.InputData,
			&tc.ExpectedOutput,
			&tc.Points,
			&tc.IsPublic,
			&tc.TimeLimitMs,
			&tc.MemoryLimitKB,
		); err != nil {
			return nil, err
		}
		cases = append(cases, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return cases, nil
}
