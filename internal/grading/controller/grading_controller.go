package controller

import (
	"context"
	"strings"

	"codegrader/internal/common/http/middleware"
	"codegrader/internal/grading/executor"
	"codegrader/internal/grading/queue"
	"codegrader/internal/grading/service"
	appErr "codegrader/pkg/errors"
	"codegrader/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// GradingService is the orchestrator surface the HTTP layer needs.
type GradingService interface {
	SubmitForGrading(ctx context.Context, in service.SubmitInput) (*service.SubmitResult, error)
	GetStatus(ctx context.Context, submissionID string) (*service.StatusResult, error)
	RunOnly(ctx context.Context, in service.RunInput) (*executor.Result, error)
	QueueStats(ctx context.Context) (queue.Counts, error)
}

// GradingController handles submission HTTP endpoints.
type GradingController struct {
	svc GradingService
}

// NewGradingController creates a new GradingController.
func NewGradingController(svc GradingService) *GradingController {
	return &GradingController{svc: svc}
}

// Register mounts the grading routes under group.
func (h *GradingController) Register(group gin.IRoutes) {
	group.POST("/submissions/execute", h.Execute)
	group.GET("/submissions/:id/status", h.GetStatus)
	group.POST("/execute", h.Run)
	group.GET("/queue/stats", h.QueueStats)
}

// Execute grades a submission, or only runs it when runOnly is set.
func (h *GradingController) Execute(c *gin.Context) {
	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	if strings.TrimSpace(req.AssignmentID) == "" {
		response.Error(c, appErr.ValidationError("assignment_id", "required"))
		return
	}
	if err := middleware.CheckActingAs(c, req.StudentID); err != nil {
		response.Error(c, err)
		return
	}

	if req.RunOnly {
		result, err := h.svc.RunOnly(c.Request.Context(), service.RunInput{
			Code:      req.Code,
			Language:  req.Language,
			Stdin:     req.Stdin,
			StudentID: req.StudentID,
			ClientIP:  c.ClientIP(),
		})
		if err != nil {
			response.Error(c, err)
			return
		}
		response.Success(c, result)
		return
	}

	result, err := h.svc.SubmitForGrading(c.Request.Context(), service.SubmitInput{
		AssignmentID: req.AssignmentID,
		StudentID:    req.StudentID,
		Code:         req.Code,
		Language:     req.Language,
		UseQueue:     req.UseQueue,
		ClientIP:     c.ClientIP(),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	if result.Queued != nil {
		response.SuccessWithMessage(c, result.Queued.Message, result.Queued)
		return
	}
	if result.Graded.Message != "" {
		response.SuccessWithMessage(c, result.Graded.Message, result.Graded)
		return
	}
	response.Success(c, result.Graded)
}

// GetStatus returns one submission and its queue status.
func (h *GradingController) GetStatus(c *gin.Context) {
	submissionID := strings.TrimSpace(c.Param("id"))
	if submissionID == "" {
		response.BadRequest(c, "Invalid submission id")
		return
	}
	status, err := h.svc.GetStatus(c.Request.Context(), submissionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	if status.Submission != nil {
		if err := middleware.CheckActingAs(c, status.Submission.StudentID); err != nil {
			response.Error(c, err)
			return
		}
	}
	response.Success(c, status)
}

// Run executes code once against caller supplied stdin.
func (h *GradingController) Run(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	if err := middleware.CheckActingAs(c, req.StudentID); err != nil {
		response.Error(c, err)
		return
	}
	studentID := req.StudentID
	if studentID == "" {
		if user, ok := middleware.CurrentUser(c); ok {
			studentID = user.ID
		}
	}
	result, err := h.svc.RunOnly(c.Request.Context(), service.RunInput{
		Code:      req.Code,
		Language:  req.Language,
		Stdin:     req.Stdin,
		StudentID: studentID,
		ClientIP:  c.ClientIP(),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, result)
}

// QueueStats returns job counts per state.
func (h *GradingController) QueueStats(c *gin.Context) {
	counts, err := h.svc.QueueStats(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, counts)
}

// ExecuteRequest is the submission payload.
type ExecuteRequest struct {
	AssignmentID string `json:"assignment_id"`
	StudentID    string `json:"student_id"`
	Code         string `json:"code"`
	Language     string `json:"language"`
	Stdin        string `json:"stdin"`
	RunOnly      bool   `json:"runOnly"`
	UseQueue     bool   `json:"useQueue"`
}

// RunRequest is an ad hoc execution payload.
type RunRequest struct {
	StudentID string `json:"student_id"`
	Code      string `json:"code"`
	Language  string `json:"language"`
	Stdin     string `json:"stdin"`
}
