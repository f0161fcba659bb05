package repository_test

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"codegrader/internal/common/cache"
	"codegrader/internal/common/db"
	"codegrader/internal/grading/model"
	"codegrader/internal/grading/repository"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newMockDB(t *testing.T) (*db.MySQL, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	database, err := db.NewMySQLWithDB(sqlDB)
	if err != nil {
		t.Fatalf("wrap db: %v", err)
	}
	return database, mock
}

func newCache(t *testing.T) cache.Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c, err := cache.NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	return c
}

func TestTestCaseRepositoryListsInIDOrder(t *testing.T) {
	database, mock := newMockDB(t)
	repo := repository.NewTestCaseRepository(database)

	rows := sqlmock.NewRows([]string{"test_case_id", "assignment_id", "input_data", "expected_output", "points", "is_public", "time_limit", "memory_limit"}).
		AddRow(int64(1), "a1", "5\n10", "15", 50, true, 1000, 65536).
		AddRow(int64(2), "a1", "3\n4", "7", 50, false, 1000, 65536)
	mock.ExpectQuery(regexp.QuoteMeta("FROM test_cases WHERE assignment_id = ? ORDER BY test_case_id ASC")).
		WithArgs("a1").
		WillReturnRows(rows)

	cases, err := repo.ListByAssignment(context.Background(), nil, "a1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(cases) != 2 || cases[0].TestCaseID != 1 || cases[1].ExpectedOutput != "7" || !cases[0].IsPublic {
		t.Fatalf("unexpected cases %+v", cases)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAssignmentRepositoryCachesOutsideTransactions(t *testing.T) {
	database, mock := newMockDB(t)
	repo := repository.NewAssignmentRepository(database, newCache(t), 30*time.Second)
	due := time.Date(2026, 12, 1, 23, 59, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM assignments WHERE assignment_id = ? LIMIT 1")).
		WithArgs("a1").
		WillReturnRows(sqlmock.NewRows([]string{"assignment_id", "title", "status", "due_date", "max_score"}).
			AddRow("a1", "Sum", "active", due, 100))

	for i := 0; i < 2; i++ {
		a, err := repo.GetByID(context.Background(), nil, "a1")
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		if a.Title != "Sum" || !a.DueDate.Equal(due) || a.MaxScore != 100 {
			t.Fatalf("unexpected assignment %+v", a)
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("second read should come from cache: %v", err)
	}
}

func TestAssignmentRepositoryNotFoundAndLocking(t *testing.T) {
	database, mock := newMockDB(t)
	repo := repository.NewAssignmentRepository(database, nil, 0)

	mock.ExpectQuery(regexp.QuoteMeta("FROM assignments WHERE assignment_id = ? LIMIT 1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"assignment_id", "title", "status", "due_date", "max_score"}))
	if _, err := repo.GetByID(context.Background(), nil, "missing"); !errors.Is(err, repository.ErrAssignmentNotFound) {
		t.Fatalf("expected ErrAssignmentNotFound, got %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM assignments WHERE assignment_id = ? LIMIT 1 FOR UPDATE")).
		WithArgs("a1").
		WillReturnRows(sqlmock.NewRows([]string{"assignment_id", "title", "status", "due_date", "max_score"}).
			AddRow("a1", "Sum", "active", time.Now(), 0))
	mock.ExpectCommit()

	err := database.Transaction(context.Background(), func(tx db.Transaction) error {
		a, err := repo.GetForUpdate(context.Background(), tx, "a1")
		if err != nil {
			return err
		}
		if a.EffectiveMaxScore() != model.DefaultMaxScore {
			t.Errorf("expected default max score, got %d", a.EffectiveMaxScore())
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	if _, err := repo.GetForUpdate(context.Background(), nil, "a1"); err == nil {
		t.Fatalf("GetForUpdate must require a transaction")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSubmissionRepositoryCreateAndGet(t *testing.T) {
	database, mock := newMockDB(t)
	repo := repository.NewSubmissionRepository(database)
	submittedAt := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO submissions")).
		WithArgs("s1", "a1", "st1", "print(1)", "python", "pending", 0, 100, submittedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Create(context.Background(), nil, &model.Submission{
		SubmissionID: "s1", AssignmentID: "a1", StudentID: "st1",
		Code: "print(1)", Language: "python", MaxScore: 100, SubmittedAt: submittedAt,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	columns := []string{"submission_id", "assignment_id", "student_id", "code", "language", "status", "score", "max_score", "avg_execution_time", "error_message", "submitted_at", "graded_at"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM submissions WHERE submission_id = ? LIMIT 1")).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("s1", "a1", "st1", "print(1)", "python", "pending", 0, 100, nil, nil, submittedAt, nil))
	s, err := repo.GetByID(context.Background(), nil, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if s.Status != model.SubmissionPending || s.AvgExecutionTime != nil || s.GradedAt != nil {
		t.Fatalf("unexpected submission %+v", s)
	}

	mock.ExpectQuery(regexp.QuoteMeta("FROM submissions WHERE submission_id = ? LIMIT 1")).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(columns))
	if _, err := repo.GetByID(context.Background(), nil, "nope"); !errors.Is(err, repository.ErrSubmissionNotFound) {
		t.Fatalf("expected ErrSubmissionNotFound, got %v", err)
	}

	if err := repo.Create(context.Background(), nil, &model.Submission{SubmissionID: "s2"}); err == nil {
		t.Fatalf("expected validation error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSubmissionRepositoryGradingQueries(t *testing.T) {
	database, mock := newMockDB(t)
	repo := repository.NewSubmissionRepository(database)
	gradedAt := time.Date(2026, 10, 1, 12, 5, 0, 0, time.UTC)
	avg := 12.5

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM submissions WHERE assignment_id = ? AND student_id = ?")).
		WithArgs("a1", "st1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE submissions")).
		WithArgs("graded", 90, avg, nil, gradedAt, "s1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE submissions SET status = ?, error_message = ? WHERE submission_id = ?")).
		WithArgs("error", "retries exhausted", "s2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("COALESCE(SUM(score), 0)")).
		WithArgs("a1", "st1", "graded").
		WillReturnRows(sqlmock.NewRows([]string{"count", "sum", "max"}).AddRow(2, 150, 100))

	ctx := context.Background()
	count, err := repo.CountByStudent(ctx, nil, "a1", "st1")
	if err != nil || count != 2 {
		t.Fatalf("count: %d %v", count, err)
	}
	if err := repo.UpdateGrade(ctx, nil, "s1", model.GradeUpdate{
		Status: model.SubmissionGraded, Score: 90, AvgExecutionTime: &avg, GradedAt: gradedAt,
	}); err != nil {
		t.Fatalf("update grade: %v", err)
	}
	if err := repo.MarkError(ctx, nil, "s2", "retries exhausted"); err != nil {
		t.Fatalf("mark error: %v", err)
	}
	summary, err := repo.SummarizeGraded(ctx, nil, "a1", "st1")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.GradedCount != 2 || summary.ScoreSum != 150 || summary.MaxScore != 100 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestTestResultRepositoryReplacesWholeSet(t *testing.T) {
	database, mock := newMockDB(t)
	repo := repository.NewTestResultRepository(database)

	results := []model.TestResult{
		{TestCaseID: 1, Passed: true, ActualOutput: "15\n", ExecutionTimeMs: 10, MemoryUsedKB: 1024, Status: model.ResultAccepted},
		{TestCaseID: 2, Passed: false, ErrorMessage: "boom", Status: model.ResultExecutionError},
	}

	for run := 0; run < 2; run++ {
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("DELETE FROM test_results WHERE submission_id = ?")).
			WithArgs("s1").
			WillReturnResult(sqlmock.NewResult(0, int64(run*2)))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO test_results (submission_id, test_case_id, passed, actual_output, execution_time, memory_used, error_message, status) VALUES (?, ?, ?, ?, ?, ?, ?, ?), (?, ?, ?, ?, ?, ?, ?, ?)")).
			WithArgs("s1", int64(1), true, "15\n", float64(10), float64(1024), nil, "Accepted",
				"s1", int64(2), false, "", float64(0), float64(0), "boom", "Execution Error").
			WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectCommit()
	}

	for run := 0; run < 2; run++ {
		err := database.Transaction(context.Background(), func(tx db.Transaction) error {
			return repo.ReplaceForSubmission(context.Background(), tx, "s1", results)
		})
		if err != nil {
			t.Fatalf("replace run %d: %v", run, err)
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestTestResultRepositoryRollsBackOnInsertFailure(t *testing.T) {
	database, mock := newMockDB(t)
	repo := repository.NewTestResultRepository(database)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM test_results")).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO test_results")).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := database.Transaction(context.Background(), func(tx db.Transaction) error {
		return repo.ReplaceForSubmission(context.Background(), tx, "s1", []model.TestResult{{TestCaseID: 1, Status: model.ResultWrongAnswer}})
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestTestResultRepositoryList(t *testing.T) {
	database, mock := newMockDB(t)
	repo := repository.NewTestResultRepository(database)

	mock.ExpectQuery(regexp.QuoteMeta("FROM test_results WHERE submission_id = ? ORDER BY test_case_id ASC")).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"submission_id", "test_case_id", "passed", "actual_output", "execution_time", "memory_used", "error_message", "status"}).
			AddRow("s1", int64(1), true, "15", 10.0, 100.0, "", "Accepted"))
	results, err := repo.ListBySubmission(context.Background(), nil, "s1")
	if err != nil || len(results) != 1 || !results[0].Passed {
		t.Fatalf("unexpected results %+v %v", results, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
