package errors

import "net/http"

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 11000-11999: Authentication errors
// 12000-12999: Assignment & test case errors
// 13000-13999: Submission & grading errors
// 14000-14999: Queue errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	Unauthorized        ErrorCode = 10004
	Forbidden           ErrorCode = 10005
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Database errors (10100-10199)
	DatabaseError       ErrorCode = 10100
	RecordNotFound      ErrorCode = 10101
	RecordAlreadyExists ErrorCode = 10102
	TransactionFailed   ErrorCode = 10103

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// ========== Authentication Errors (11000-11999) ==========

	TokenExpired ErrorCode = 11003
	TokenInvalid ErrorCode = 11004

	// ========== Assignment Errors (12000-12999) ==========

	AssignmentNotFound  ErrorCode = 12000
	AssignmentNotActive ErrorCode = 12001
	DeadlineExceeded    ErrorCode = 12002
	NoTestCases         ErrorCode = 12100

	// ========== Submission & Grading Errors (13000-13999) ==========

	// Submission (13000-13099)
	SubmissionNotFound     ErrorCode = 13000
	SubmissionCreateFailed ErrorCode = 13001
	CodeTooLarge           ErrorCode = 13002
	LanguageNotSupported   ErrorCode = 13003
	SubmitTooFrequently    ErrorCode = 13004
	ResubmissionLimit      ErrorCode = 13005

	// Grading (13100-13199)
	GradingFailed         ErrorCode = 13100
	ExecutionServiceError ErrorCode = 13101
	ExecuteTooFrequently  ErrorCode = 13102

	// ========== Queue Errors (14000-14999) ==========

	QueueUnavailable ErrorCode = 14000
	JobNotFound      ErrorCode = 14001
	JobLockLost      ErrorCode = 14002
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	Unauthorized:        "Unauthorized access",
	Forbidden:           "Access forbidden",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	// Database
	DatabaseError:       "Database operation failed",
	RecordNotFound:      "Record not found in database",
	RecordAlreadyExists: "Record already exists",
	TransactionFailed:   "Database transaction failed",

	// Cache
	CacheError: "Cache operation failed",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	// Authentication
	TokenExpired: "Token has expired",
	TokenInvalid: "Invalid token",

	// Assignment
	AssignmentNotFound:  "Assignment not found",
	AssignmentNotActive: "Assignment is not active",
	DeadlineExceeded:    "Assignment deadline has passed. Resubmissions are no longer allowed.",
	NoTestCases:         "No test cases found for this assignment",

	// Submission
	SubmissionNotFound:     "Submission not found",
	SubmissionCreateFailed: "Failed to create submission",
	CodeTooLarge:           "Code is too large",
	LanguageNotSupported:   "Programming language not supported",
	SubmitTooFrequently:    "Too many submissions. Please wait a moment before submitting again.",
	ResubmissionLimit:      "Maximum resubmission limit reached",

	// Grading
	GradingFailed:         "Grading failed",
	ExecutionServiceError: "Code execution service error",
	ExecuteTooFrequently:  "Too many code executions. Please wait a moment.",

	// Queue
	QueueUnavailable: "Grading queue is unavailable",
	JobNotFound:      "Job not found",
	JobLockLost:      "Job lock was lost",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return http.StatusOK
	case c == Unauthorized, c == TokenExpired, c == TokenInvalid:
		return http.StatusUnauthorized
	case c == Forbidden:
		return http.StatusForbidden
	case c == NotFound, c == RecordNotFound, c == AssignmentNotFound, c == SubmissionNotFound, c == JobNotFound:
		return http.StatusNotFound
	case c == TooManyRequests, c == SubmitTooFrequently, c == ExecuteTooFrequently:
		return http.StatusTooManyRequests
	case c == ServiceUnavailable:
		return http.StatusServiceUnavailable
	case c >= 10300 && c < 10400: // Validation errors
		return http.StatusBadRequest
	case c == InvalidParams, c == AssignmentNotActive, c == DeadlineExceeded, c == NoTestCases,
		c == CodeTooLarge, c == LanguageNotSupported, c == ResubmissionLimit:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
