package service_test

import (
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"codegrader/internal/common/cache"
	"codegrader/internal/common/db"
	"codegrader/internal/common/storage"
	"codegrader/internal/grading/executor"
	"codegrader/internal/grading/harness"
	"codegrader/internal/grading/model"
	"codegrader/internal/grading/queue"
	"codegrader/internal/grading/repository"
	"codegrader/internal/grading/service"
	appErr "codegrader/pkg/errors"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const (
	sumProgram   = "a = int(input())\nb = int(input())\nprint(a + b)\n"
	brokenSource = "print('unterminated\n"
)

var testNow = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

// store is an in-memory record store. Transactions are serialized like the
// assignment row lock and rolled back on error.
type store struct {
	txMu sync.Mutex
	mu   sync.Mutex

	assignments map[string]model.Assignment
	testCases   map[string][]*model.TestCase
	submissions map[string]model.Submission
	results     map[string][]model.TestResult

	failReplace error
}

func newStore() *store {
	return &store{
		assignments: map[string]model.Assignment{
			"a1": {AssignmentID: "a1", Title: "Sum", Status: model.AssignmentActive, DueDate: testNow.Add(30 * 24 * time.Hour), MaxScore: 100},
		},
		testCases: map[string][]*model.TestCase{
			"a1": {
				{TestCaseID: 1, AssignmentID: "a1", InputData: "5\n10", ExpectedOutput: "15", Points: 50, IsPublic: true, TimeLimitMs: 1000, MemoryLimitKB: 65536},
				{TestCaseID: 2, AssignmentID: "a1", InputData: "3\n4", ExpectedOutput: "7", Points: 50, TimeLimitMs: 1000, MemoryLimitKB: 65536},
			},
		},
		submissions: map[string]model.Submission{},
		results:     map[string][]model.TestResult{},
	}
}

func (s *store) Transaction(ctx context.Context, fn func(tx db.Transaction) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	subs := make(map[string]model.Submission, len(s.submissions))
	for k, v := range s.submissions {
		subs[k] = v
	}
	results := make(map[string][]model.TestResult, len(s.results))
	for k, v := range s.results {
		results[k] = v
	}
	s.mu.Unlock()

	if err := fn(nil); err != nil {
		s.mu.Lock()
		s.submissions = subs
		s.results = results
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *store) countSubmissions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.submissions)
}

func (s *store) submission(id string) model.Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submissions[id]
}

func (s *store) resultsFor(id string) []model.TestResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results[id]
}

type assignmentRepo struct{ s *store }

func (r assignmentRepo) GetByID(_ context.Context, _ db.Transaction, id string) (*model.Assignment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.assignments[id]
	if !ok {
		return nil, repository.ErrAssignmentNotFound
	}
	return &a, nil
}

func (r assignmentRepo) GetForUpdate(ctx context.Context, tx db.Transaction, id string) (*model.Assignment, error) {
	return r.GetByID(ctx, tx, id)
}

type testCaseRepo struct{ s *store }

func (r testCaseRepo) ListByAssignment(_ context.Context, _ db.Transaction, id string) ([]*model.TestCase, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.testCases[id], nil
}

type submissionRepo struct{ s *store }

func (r submissionRepo) Create(_ context.Context, _ db.Transaction, sub *model.Submission) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.submissions[sub.SubmissionID]; ok {
		return errors.New("duplicate submission")
	}
	r.s.submissions[sub.SubmissionID] = *sub
	return nil
}

func (r submissionRepo) GetByID(_ context.Context, _ db.Transaction, id string) (*model.Submission, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sub, ok := r.s.submissions[id]
	if !ok {
		return nil, repository.ErrSubmissionNotFound
	}
	return &sub, nil
}

func (r submissionRepo) CountByStudent(_ context.Context, _ db.Transaction, assignmentID, studentID string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, sub := range r.s.submissions {
		if sub.AssignmentID == assignmentID && sub.StudentID == studentID {
			n++
		}
	}
	return n, nil
}

func (r submissionRepo) UpdateGrade(_ context.Context, _ db.Transaction, id string, u model.GradeUpdate) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sub := r.s.submissions[id]
	sub.Status = u.Status
	sub.Score = u.Score
	sub.AvgExecutionTime = u.AvgExecutionTime
	sub.ErrorMessage = u.ErrorMessage
	gradedAt := u.GradedAt
	sub.GradedAt = &gradedAt
	r.s.submissions[id] = sub
	return nil
}

func (r submissionRepo) MarkError(_ context.Context, _ db.Transaction, id, message string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sub := r.s.submissions[id]
	sub.Status = model.SubmissionError
	sub.ErrorMessage = message
	r.s.submissions[id] = sub
	return nil
}

func (r submissionRepo) SummarizeGraded(_ context.Context, _ db.Transaction, assignmentID, studentID string) (model.ScoreSummary, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out model.ScoreSummary
	for _, sub := range r.s.submissions {
		if sub.AssignmentID == assignmentID && sub.StudentID == studentID && sub.Status == model.SubmissionGraded {
			out.GradedCount++
			out.ScoreSum += sub.Score
			if sub.MaxScore > out.MaxScore {
				out.MaxScore = sub.MaxScore
			}
		}
	}
	return out, nil
}

type resultRepo struct{ s *store }

func (r resultRepo) ReplaceForSubmission(_ context.Context, _ db.Transaction, id string, rows []model.TestResult) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failReplace != nil {
		return r.s.failReplace
	}
	r.s.results[id] = append([]model.TestResult(nil), rows...)
	return nil
}

func (r resultRepo) ListBySubmission(_ context.Context, _ db.Transaction, id string) ([]model.TestResult, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.results[id], nil
}

// sumExecutor runs the sum program and rejects anything else with a syntax error.
// Like an HTTP client it fails once its context is done.
type sumExecutor struct {
	calls  int32
	onCall func()
}

func (e *sumExecutor) Execute(ctx context.Context, req executor.Request) (*executor.Result, error) {
	atomic.AddInt32(&e.calls, 1)
	if e.onCall != nil {
		e.onCall()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Code != sumProgram {
		return &executor.Result{Error: "SyntaxError: unterminated string literal", ExitCode: 1, RuntimeMs: 5}, nil
	}
	total := 0
	for _, f := range strings.Fields(req.Stdin) {
		n, _ := strconv.Atoi(f)
		total += n
	}
	return &executor.Result{Output: strconv.Itoa(total) + "\n", RuntimeMs: 12, MemoryKB: 2048}, nil
}

type memStorage struct {
	mu      sync.Mutex
	objects map[string]string
}

func (m *memStorage) PutObject(_ context.Context, bucket, key string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = string(data)
	return nil
}

func (m *memStorage) GetObject(context.Context, string, string) (storage.ObjectReader, error) {
	return nil, errors.New("not implemented")
}

func (m *memStorage) StatObject(context.Context, string, string) (storage.ObjectStat, error) {
	return storage.ObjectStat{}, errors.New("not implemented")
}

type brokenQueue struct{}

func (brokenQueue) Add(context.Context, interface{}, queue.AddOptions) (*queue.Job, bool, error) {
	return nil, false, errors.New("redis: connection refused")
}

func (brokenQueue) GetJob(context.Context, string) (*queue.Job, error) {
	return nil, errors.New("redis: connection refused")
}

func (brokenQueue) Counts(context.Context) (queue.Counts, error) {
	return queue.Counts{}, errors.New("redis: connection refused")
}

type env struct {
	svc     *service.Service
	store   *store
	exec    *sumExecutor
	storage *memStorage
	mr      *miniredis.Miniredis
	client  *redis.Client
}

func newEnv(t *testing.T, mutate func(*service.Config, *env)) *env {
	t.Helper()
	e := &env{
		store:   newStore(),
		exec:    &sumExecutor{},
		storage: &memStorage{objects: map[string]string{}},
	}
	e.mr = miniredis.RunT(t)
	e.client = redis.NewClient(&redis.Options{Addr: e.mr.Addr()})
	t.Cleanup(func() { _ = e.client.Close() })

	h, err := harness.New(harness.Config{Executor: e.exec, TestCases: testCaseRepo{e.store}, Retries: -1})
	if err != nil {
		t.Fatalf("harness: %v", err)
	}
	cfg := service.Config{
		DB:           e.store,
		Assignments:  assignmentRepo{e.store},
		Submissions:  submissionRepo{e.store},
		TestResults:  resultRepo{e.store},
		Grader:       h,
		Executor:     e.exec,
		Storage:      e.storage,
		SourceBucket: "sources",
		Now:          func() time.Time { return testNow },
	}
	if mutate != nil {
		mutate(&cfg, e)
	}
	e.svc, err = service.New(cfg)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return e
}

func (e *env) newQueue(t *testing.T) *queue.Queue {
	t.Helper()
	q, err := queue.New(e.client, queue.Config{Name: "svc-test"})
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	return q
}

func submit(t *testing.T, svc *service.Service, code string) *service.GradeResult {
	t.Helper()
	res, err := svc.SubmitForGrading(context.Background(), service.SubmitInput{
		AssignmentID: "a1", StudentID: "st1", Code: code, Language: "python",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Graded == nil {
		t.Fatalf("expected a graded result, got %+v", res)
	}
	return res.Graded
}

func TestSubmitGradesSumProgram(t *testing.T) {
	e := newEnv(t, nil)
	res := submit(t, e.svc, sumProgram)

	if res.Score != 100 || res.Percentage != 100 || res.Status != model.OutcomeAccepted {
		t.Fatalf("unexpected grade %+v", res)
	}
	if res.Message != "Submission successful!" || res.TotalSubmissions != 1 {
		t.Fatalf("unexpected message %q total=%d", res.Message, res.TotalSubmissions)
	}
	if res.TestResults.PassedTests != 2 || res.TestResults.TotalTests != 2 {
		t.Fatalf("unexpected outcome %+v", res.TestResults)
	}

	sub := e.store.submission(res.Submission.SubmissionID)
	if sub.Status != model.SubmissionGraded || sub.Score != 100 || sub.GradedAt == nil || sub.AvgExecutionTime == nil {
		t.Fatalf("unexpected stored submission %+v", sub)
	}
	rows := e.store.resultsFor(sub.SubmissionID)
	if len(rows) != 2 || rows[0].TestCaseID != 1 || rows[1].TestCaseID != 2 {
		t.Fatalf("expected one row per test case, got %+v", rows)
	}
	for _, row := range rows {
		if !row.Passed || row.Status != model.ResultAccepted {
			t.Fatalf("unexpected row %+v", row)
		}
	}
	key := "sources/submissions/" + sub.SubmissionID + "/main.py"
	if e.storage.objects[key] != sumProgram {
		t.Fatalf("source not archived at %s", key)
	}
}

func TestSyncGradingOutlivesCallerCancel(t *testing.T) {
	e := newEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.exec.onCall = cancel

	res, err := e.svc.SubmitForGrading(ctx, service.SubmitInput{
		AssignmentID: "a1", StudentID: "st1", Code: sumProgram, Language: "python",
	})
	if err != nil {
		t.Fatalf("submit after caller cancel: %v", err)
	}
	if res.Graded == nil || res.Graded.Score != 100 {
		t.Fatalf("expected full score, got %+v", res.Graded)
	}
	sub := e.store.submission(res.Graded.Submission.SubmissionID)
	if sub.Status != model.SubmissionGraded || sub.Score != 100 {
		t.Fatalf("expected graded submission, got %+v", sub)
	}
	if len(e.store.resultsFor(sub.SubmissionID)) != 2 {
		t.Fatalf("expected test results to be stored")
	}
}

func TestSubmitSyntaxErrorScoresZero(t *testing.T) {
	e := newEnv(t, nil)
	res := submit(t, e.svc, brokenSource)

	if res.Score != 0 || res.Status != model.OutcomeFailed {
		t.Fatalf("unexpected grade %+v", res)
	}
	for _, o := range res.TestResults.TestResults {
		if o.Passed || o.Error == "" {
			t.Fatalf("expected failed test with error, got %+v", o)
		}
	}
	sub := e.store.submission(res.Submission.SubmissionID)
	if sub.Status != model.SubmissionGraded {
		t.Fatalf("wrong answers are graded, got %s", sub.Status)
	}
	for _, row := range e.store.resultsFor(sub.SubmissionID) {
		if row.Passed || row.ErrorMessage == "" || row.Status != model.ResultRuntimeError {
			t.Fatalf("unexpected row %+v", row)
		}
	}
}

func TestResubmissionLimitAndRunningAverage(t *testing.T) {
	e := newEnv(t, nil)

	submit(t, e.svc, sumProgram)
	second := submit(t, e.svc, brokenSource)
	if second.Message != "Resubmission successful! Average score: 50% (from 2 submissions)" {
		t.Fatalf("unexpected message %q", second.Message)
	}
	if *second.AverageScore != 50 || *second.AveragePercentage != 50 {
		t.Fatalf("unexpected averages %d %d", *second.AverageScore, *second.AveragePercentage)
	}
	third := submit(t, e.svc, brokenSource)
	if *third.AverageScore != 33 || *third.AveragePercentage != 33 || third.TotalSubmissions != 3 {
		t.Fatalf("unexpected averages %+v", third)
	}

	calls := atomic.LoadInt32(&e.exec.calls)
	_, err := e.svc.SubmitForGrading(context.Background(), service.SubmitInput{
		AssignmentID: "a1", StudentID: "st1", Code: sumProgram, Language: "python",
	})
	if !appErr.Is(err, appErr.ResubmissionLimit) {
		t.Fatalf("expected ResubmissionLimit, got %v", err)
	}
	if appErr.GetCode(err).HTTPStatus() != 400 {
		t.Fatalf("expected 400")
	}
	if e.store.countSubmissions() != 3 {
		t.Fatalf("rejected submission must not be stored, have %d", e.store.countSubmissions())
	}
	if atomic.LoadInt32(&e.exec.calls) != calls {
		t.Fatalf("rejected submission must not be executed")
	}
}

func TestConcurrentSubmitsCannotExceedLimit(t *testing.T) {
	e := newEnv(t, nil)

	var wg sync.WaitGroup
	var ok, limited int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.svc.SubmitForGrading(context.Background(), service.SubmitInput{
				AssignmentID: "a1", StudentID: "st1", Code: sumProgram, Language: "python",
			})
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case appErr.Is(err, appErr.ResubmissionLimit):
				atomic.AddInt32(&limited, 1)
			default:
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 3 || limited != 5 || e.store.countSubmissions() != 3 {
		t.Fatalf("ok=%d limited=%d stored=%d", ok, limited, e.store.countSubmissions())
	}
}

func TestEligibilityChecks(t *testing.T) {
	e := newEnv(t, nil)
	e.store.assignments["late"] = model.Assignment{AssignmentID: "late", Status: model.AssignmentActive, DueDate: testNow.Add(-time.Minute)}
	e.store.assignments["closed"] = model.Assignment{AssignmentID: "closed", Status: "closed", DueDate: testNow.Add(time.Hour)}

	tests := []struct {
		assignment string
		code       appErr.ErrorCode
		status     int
	}{
		{"late", appErr.DeadlineExceeded, 400},
		{"closed", appErr.AssignmentNotActive, 400},
		{"missing", appErr.AssignmentNotFound, 404},
	}
	for _, tt := range tests {
		_, err := e.svc.SubmitForGrading(context.Background(), service.SubmitInput{
			AssignmentID: tt.assignment, StudentID: "st1", Code: sumProgram, Language: "python",
		})
		if !appErr.Is(err, tt.code) || appErr.GetCode(err).HTTPStatus() != tt.status {
			t.Fatalf("%s: expected %v, got %v", tt.assignment, tt.code, err)
		}
	}
	if e.store.countSubmissions() != 0 {
		t.Fatalf("ineligible submissions must not be stored")
	}

	res, err := e.svc.RunOnly(context.Background(), service.RunInput{Code: sumProgram, Language: "python", Stdin: "1 2", StudentID: "st1"})
	if err != nil {
		t.Fatalf("run only should ignore deadlines: %v", err)
	}
	if res.Output != "3\n" {
		t.Fatalf("unexpected run output %q", res.Output)
	}
	if e.store.countSubmissions() != 0 {
		t.Fatalf("run only must not persist")
	}
}

func TestValidationHasNoSideEffects(t *testing.T) {
	e := newEnv(t, func(cfg *service.Config, _ *env) { cfg.MaxCodeBytes = 64 })

	cases := []struct {
		in   service.SubmitInput
		code appErr.ErrorCode
	}{
		{service.SubmitInput{StudentID: "st1", Code: sumProgram, Language: "python"}, appErr.ValidationFailed},
		{service.SubmitInput{AssignmentID: "a1", StudentID: "st1", Language: "python"}, appErr.ValidationFailed},
		{service.SubmitInput{AssignmentID: "a1", StudentID: "st1", Code: sumProgram}, appErr.ValidationFailed},
		{service.SubmitInput{AssignmentID: "a1", StudentID: "st1", Code: sumProgram, Language: "cobol"}, appErr.LanguageNotSupported},
		{service.SubmitInput{AssignmentID: "a1", StudentID: "st1", Code: strings.Repeat("x", 65), Language: "python"}, appErr.CodeTooLarge},
	}
	for i, tc := range cases {
		_, err := e.svc.SubmitForGrading(context.Background(), tc.in)
		if !appErr.Is(err, tc.code) || appErr.GetCode(err).HTTPStatus() != 400 {
			t.Fatalf("case %d: expected %v, got %v", i, tc.code, err)
		}
	}
	if e.store.countSubmissions() != 0 || atomic.LoadInt32(&e.exec.calls) != 0 {
		t.Fatalf("validation failures must have no side effects")
	}
}

func TestPreviewModeDoesNotPersist(t *testing.T) {
	e := newEnv(t, nil)
	res, err := e.svc.SubmitForGrading(context.Background(), service.SubmitInput{
		AssignmentID: "a1", Code: sumProgram, Language: "Python",
	})
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	g := res.Graded
	if g.Submission != nil || g.AverageScore != nil || g.Message != "" || g.Score != 100 {
		t.Fatalf("unexpected preview result %+v", g)
	}
	if e.store.countSubmissions() != 0 {
		t.Fatalf("preview must not persist")
	}
}

func TestQueuedSubmissionIsProcessedByJobHandler(t *testing.T) {
	var q *queue.Queue
	e := newEnv(t, func(cfg *service.Config, e *env) {
		q = e.newQueue(t)
		cfg.Queue = q
	})
	ctx := context.Background()

	res, err := e.svc.SubmitForGrading(ctx, service.SubmitInput{
		AssignmentID: "a1", StudentID: "st1", Code: sumProgram, Language: "python", UseQueue: true,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	queued := res.Queued
	if queued == nil || queued.Status != "queued" {
		t.Fatalf("expected queued result, got %+v", res)
	}
	if queued.JobID != "submission-"+queued.SubmissionID || queued.QueuePosition == nil || queued.QueuePosition.Waiting != 1 {
		t.Fatalf("unexpected queued result %+v", queued)
	}
	if atomic.LoadInt32(&e.exec.calls) != 0 {
		t.Fatalf("queued submission must not be graded inline")
	}

	status, err := e.svc.GetStatus(ctx, queued.SubmissionID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Submission.Status != model.SubmissionPending || status.QueueStatus == nil || status.QueueStatus.State != queue.StateWaiting {
		t.Fatalf("unexpected status %+v", status)
	}

	job, err := q.Claim(ctx, "worker")
	if err != nil || job == nil {
		t.Fatalf("claim: %v", err)
	}
	if err := e.svc.HandleJob(ctx, job); err != nil {
		t.Fatalf("handle job: %v", err)
	}
	if err := q.Complete(ctx, job); err != nil {
		t.Fatalf("complete: %v", err)
	}

	status, err = e.svc.GetStatus(ctx, queued.SubmissionID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Submission.Status != model.SubmissionGraded || status.Submission.Score != 100 {
		t.Fatalf("unexpected graded submission %+v", status.Submission)
	}
	if len(status.TestResults) != 2 || status.QueueStatus.State != queue.StateCompleted || status.QueueStatus.Progress != 100 {
		t.Fatalf("unexpected status %+v", status)
	}

	stats, err := e.svc.QueueStats(ctx)
	if err != nil || stats.Completed != 1 || stats.Total != 1 {
		t.Fatalf("unexpected stats %+v %v", stats, err)
	}
}

func TestQueueFailureFallsBackToSyncGrading(t *testing.T) {
	e := newEnv(t, func(cfg *service.Config, _ *env) { cfg.Queue = brokenQueue{} })

	res, err := e.svc.SubmitForGrading(context.Background(), service.SubmitInput{
		AssignmentID: "a1", StudentID: "st1", Code: sumProgram, Language: "python", UseQueue: true,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Graded == nil || res.Graded.Score != 100 {
		t.Fatalf("expected synchronous grade, got %+v", res)
	}

	status, err := e.svc.GetStatus(context.Background(), res.Graded.Submission.SubmissionID)
	if err != nil {
		t.Fatalf("status must not fail when the queue is down: %v", err)
	}
	if status.QueueStatus != nil {
		t.Fatalf("expected nil queue status")
	}
	if _, err := e.svc.QueueStats(context.Background()); !appErr.Is(err, appErr.QueueUnavailable) {
		t.Fatalf("expected QueueUnavailable, got %v", err)
	}
}

func TestGetStatusWithoutJob(t *testing.T) {
	e := newEnv(t, func(cfg *service.Config, e *env) { cfg.Queue = e.newQueue(t) })
	res := submit(t, e.svc, sumProgram)

	status, err := e.svc.GetStatus(context.Background(), res.Submission.SubmissionID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.QueueStatus != nil {
		t.Fatalf("expected nil queue status for a synchronous submission")
	}
	if _, err := e.svc.GetStatus(context.Background(), "nope"); !appErr.Is(err, appErr.SubmissionNotFound) {
		t.Fatalf("expected SubmissionNotFound, got %v", err)
	}
}

func TestRegradeIsIdempotent(t *testing.T) {
	e := newEnv(t, nil)
	res := submit(t, e.svc, sumProgram)
	sub := res.Submission

	payload := model.JobPayload{
		SubmissionID: sub.SubmissionID, AssignmentID: "a1", Code: sumProgram,
		Language: "python", StudentID: "st1", MaxScore: 100,
	}
	for i := 0; i < 2; i++ {
		again, err := e.svc.ProcessJob(context.Background(), payload)
		if err != nil {
			t.Fatalf("regrade %d: %v", i, err)
		}
		if again.Score != res.Score || again.TotalSubmissions != 1 {
			t.Fatalf("regrade changed the outcome: %+v", again)
		}
	}
	if rows := e.store.resultsFor(sub.SubmissionID); len(rows) != 2 {
		t.Fatalf("expected exactly one result set, got %d rows", len(rows))
	}
}

func TestStoreFailureMarksSubmissionError(t *testing.T) {
	e := newEnv(t, nil)
	e.store.failReplace = errors.New("deadlock found")

	_, err := e.svc.SubmitForGrading(context.Background(), service.SubmitInput{
		AssignmentID: "a1", StudentID: "st1", Code: sumProgram, Language: "python",
	})
	if !appErr.Is(err, appErr.DatabaseError) {
		t.Fatalf("expected DatabaseError, got %v", err)
	}
	for _, sub := range e.store.submissions {
		if sub.Status != model.SubmissionError || sub.ErrorMessage == "" {
			t.Fatalf("expected error status, got %+v", sub)
		}
	}
}

func TestNoTestCasesIsClientError(t *testing.T) {
	e := newEnv(t, nil)
	e.store.assignments["empty"] = model.Assignment{AssignmentID: "empty", Status: model.AssignmentActive, DueDate: testNow.Add(time.Hour)}

	_, err := e.svc.SubmitForGrading(context.Background(), service.SubmitInput{
		AssignmentID: "empty", StudentID: "st1", Code: sumProgram, Language: "python",
	})
	if !appErr.Is(err, appErr.NoTestCases) || appErr.GetCode(err).HTTPStatus() != 400 {
		t.Fatalf("expected NoTestCases, got %v", err)
	}
}

func TestHandleJobFailedMarksError(t *testing.T) {
	var q *queue.Queue
	e := newEnv(t, func(cfg *service.Config, e *env) {
		q = e.newQueue(t)
		cfg.Queue = q
	})
	ctx := context.Background()
	res, err := e.svc.SubmitForGrading(ctx, service.SubmitInput{
		AssignmentID: "a1", StudentID: "st1", Code: sumProgram, Language: "python", UseQueue: true,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	job, err := q.Claim(ctx, "worker")
	if err != nil || job == nil {
		t.Fatalf("claim: %v", err)
	}

	e.svc.HandleJobFailure(ctx, job, "execution service unavailable")

	sub := e.store.submission(res.Queued.SubmissionID)
	if sub.Status != model.SubmissionError || sub.ErrorMessage != "execution service unavailable" {
		t.Fatalf("unexpected submission %+v", sub)
	}
	if err := e.svc.HandleJobFailed(ctx, model.JobPayload{}, "x"); !appErr.Is(err, appErr.ValidationFailed) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRateLimits(t *testing.T) {
	e := newEnv(t, func(cfg *service.Config, e *env) {
		c, err := cache.NewRedisCacheWithClient(e.client)
		if err != nil {
			t.Fatalf("cache: %v", err)
		}
		cfg.Cache = c
		cfg.RateLimit = service.RateLimitConfig{SubmitMax: 1, ExecuteMax: 2, Window: time.Minute}
	})
	ctx := context.Background()

	submit(t, e.svc, sumProgram)
	_, err := e.svc.SubmitForGrading(ctx, service.SubmitInput{AssignmentID: "a1", StudentID: "st1", Code: sumProgram, Language: "python"})
	if !appErr.Is(err, appErr.SubmitTooFrequently) || appErr.GetCode(err).HTTPStatus() != 429 {
		t.Fatalf("expected SubmitTooFrequently, got %v", err)
	}
	if e.store.countSubmissions() != 1 {
		t.Fatalf("throttled submission must not be stored")
	}

	in := service.RunInput{Code: sumProgram, Language: "python", Stdin: "1 1", ClientIP: "10.0.0.1"}
	for i := 0; i < 2; i++ {
		if _, err := e.svc.RunOnly(ctx, in); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if _, err := e.svc.RunOnly(ctx, in); !appErr.Is(err, appErr.ExecuteTooFrequently) {
		t.Fatalf("expected ExecuteTooFrequently, got %v", err)
	}

	e.mr.FastForward(time.Minute + time.Second)
	if _, err := e.svc.RunOnly(ctx, in); err != nil {
		t.Fatalf("window should reset: %v", err)
	}
}
