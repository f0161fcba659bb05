package model

import "time"

const (
	AssignmentActive = "active"

	DefaultMaxScore = 100
)

// Assignment is read-only to the grading pipeline.
type Assignment struct {
	AssignmentID string    `json:"assignment_id"`
	Title        string    `json:"title"`
	Status       string    `json:"status"`
	DueDate      time.Time `json:"due_date"`
	MaxScore     int       `json:"max_score"`
}

// EffectiveMaxScore falls back to DefaultMaxScore when none is configured.
func (a *Assignment) EffectiveMaxScore() int {
	if a == nil || a.MaxScore <= 0 {
		return DefaultMaxScore
	}
	return a.MaxScore
}

// TestCase belongs to an assignment. TestCaseID order is execution order.
type TestCase struct {
	TestCaseID     int64  `json:"test_case_id"`
	AssignmentID   string `json:"assignment_id"`
	InputData      string `json:"input_data"`
	ExpectedOutput string `json:"expected_output"`
	Points         int    `json:"points"`
	IsPublic       bool   `json:"is_public"`
	TimeLimitMs    int    `json:"time_limit"`
	MemoryLimitKB  int    `json:"memory_limit"`
}
