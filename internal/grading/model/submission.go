package model

import "time"

// SubmissionStatus is the grading state of a submission.
type SubmissionStatus string

const (
	SubmissionPending SubmissionStatus = "pending"
	SubmissionGraded  SubmissionStatus = "graded"
	// SubmissionError is reserved for execution or infrastructure failures.
	// Wrong answers resolve to graded with a low score.
	SubmissionError SubmissionStatus = "error"
)

// Submission is one student's code attempt against an assignment.
type Submission struct {
	SubmissionID     string           `json:"submission_id"`
	AssignmentID     string           `json:"assignment_id"`
	StudentID        string           `json:"student_id"`
	Code             string           `json:"code"`
	Language         string           `json:"language"`
	Status           SubmissionStatus `json:"status"`
	Score            int              `json:"score"`
	MaxScore         int              `json:"max_score"`
	AvgExecutionTime *float64         `json:"avg_execution_time"`
	ErrorMessage     string           `json:"error_message,omitempty"`
	SubmittedAt      time.Time        `json:"submitted_at"`
	GradedAt         *time.Time       `json:"graded_at"`
}

// Test result status labels.
const (
	ResultAccepted       = "Accepted"
	ResultWrongAnswer    = "Wrong Answer"
	ResultRuntimeError   = "Runtime Error"
	ResultExecutionError = "Execution Error"
)

// TestResult is the persisted outcome of one test case for one submission.
type TestResult struct {
	SubmissionID    string  `json:"submission_id"`
	TestCaseID      int64   `json:"test_case_id"`
	Passed          bool    `json:"passed"`
	ActualOutput    string  `json:"actual_output"`
	ExecutionTimeMs float64 `json:"execution_time"`
	MemoryUsedKB    float64 `json:"memory_used"`
	ErrorMessage    string  `json:"error_message,omitempty"`
	Status          string  `json:"status"`
}

// GradeUpdate carries the score fields written when a submission is graded.
type GradeUpdate struct {
	Status           SubmissionStatus
	Score            int
	AvgExecutionTime *float64
	ErrorMessage     string
	GradedAt         time.Time
}

// ScoreSummary aggregates a student's graded submissions for one assignment.
type ScoreSummary struct {
	GradedCount int
	ScoreSum    int
	MaxScore    int
}
