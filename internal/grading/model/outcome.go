package model

const (
	OutcomeAccepted = "accepted"
	OutcomeFailed   = "failed"
)

// TestOutcome is the harness view of a single executed test case.
type TestOutcome struct {
	TestCaseID     int64   `json:"testCaseId"`
	Passed         bool    `json:"passed"`
	Input          string  `json:"input,omitempty"`
	ExpectedOutput string  `json:"expectedOutput,omitempty"`
	ActualOutput   string  `json:"actualOutput"`
	Error          string  `json:"error,omitempty"`
	ExitCode       int     `json:"exitCode"`
	RuntimeMs      float64 `json:"runtime"`
	MemoryKB       float64 `json:"memory"`
	IsPublic       bool    `json:"isPublic"`

	// ExecutionFailed marks a test whose execution call itself failed.
	ExecutionFailed bool `json:"-"`
}

// StatusLabel maps the outcome onto the persisted TestResult label.
func (o TestOutcome) StatusLabel() string {
	switch {
	case o.Passed:
		return ResultAccepted
	case o.ExecutionFailed:
		return ResultExecutionError
	case o.ExitCode != 0:
		return ResultRuntimeError
	default:
		return ResultWrongAnswer
	}
}

// GradeOutcome is the transient result of running every test case of an assignment.
type GradeOutcome struct {
	Status        string        `json:"status"`
	PassedTests   int           `json:"passedTests"`
	TotalTests    int           `json:"totalTests"`
	AvgRuntimeMs  float64       `json:"avgRuntime"`
	AvgMemoryKB   float64       `json:"avgMemory"`
	TimeLimitMs   float64       `json:"timeLimit,omitempty"`
	MemoryLimitKB float64       `json:"memoryLimit,omitempty"`
	TestResults   []TestOutcome `json:"testResults"`
}
