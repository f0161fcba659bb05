package model

import "fmt"

// JobPayload is the queued grading request for one submission.
type JobPayload struct {
	SubmissionID string `json:"submission_id"`
	AssignmentID string `json:"assignment_id"`
	Code         string `json:"code"`
	Language     string `json:"language"`
	StudentID    string `json:"student_id"`
	MaxScore     int    `json:"max_score"`
}

// JobIDForSubmission derives the dedup key so one submission has at most one live job.
func JobIDForSubmission(submissionID string) string {
	return fmt.Sprintf("submission-%s", submissionID)
}
