package controller

import (
	"context"
	"strconv"
	"strings"
	"time"

	"codejudge/internal/auth"
	"codejudge/internal/judge/language"
	"codejudge/internal/leaderboard"
	"codejudge/internal/submit/repository"
	"codejudge/internal/submit/service"
	appErr "codejudge/pkg/errors"
	"codejudge/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// SubmissionService is the subset of the orchestrator used by the HTTP layer.
type SubmissionService interface {
	Submit(ctx context.Context, input service.SubmitInput) (service.SubmitResult, error)
	GetStatus(ctx context.Context, submissionID string) (*repository.Submission, error)
	History(ctx context.Context, query service.HistoryQuery) (service.HistoryPage, error)
	Languages() []language.Language
}

// LeaderboardService serves ranked accepted submissions.
type LeaderboardService interface {
	Get(ctx context.Context, problemID int64) ([]leaderboard.Entry, error)
}

// SubmitController handles submission HTTP endpoints.
type SubmitController struct {
	submissions SubmissionService
	leaderboard LeaderboardService
}

// NewSubmitController creates a new SubmitController.
func NewSubmitController(submissions SubmissionService, board LeaderboardService) *SubmitController {
	return &SubmitController{submissions: submissions, leaderboard: board}
}

// Create handles submission requests.
func (h *SubmitController) Create(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}

	result, err := h.submissions.Submit(c.Request.Context(), service.SubmitInput{
		UserID:         auth.UserID(c),
		ProblemID:      req.ProblemID,
		Language:       req.Language,
		SourceCode:     req.SourceCode,
		IdempotencyKey: strings.TrimSpace(c.GetHeader("Idempotency-Key")),
		ClientIP:       c.ClientIP(),
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, SubmitResponse{
		SubmissionID: result.SubmissionID,
		Status:       string(result.Status),
	})
}

// GetStatus returns one submission. Source code is only shown to its owner.
func (h *SubmitController) GetStatus(c *gin.Context) {
	submissionID := c.Param("id")
	if submissionID == "" {
		response.BadRequest(c, "Invalid submission id")
		return
	}
	submission, err := h.submissions.GetStatus(c.Request.Context(), submissionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, toSubmissionView(submission, submission.UserID == auth.UserID(c)))
}

// History returns a page of submissions, newest first.
func (h *SubmitController) History(c *gin.Context) {
	var req HistoryRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.BadRequest(c, "Invalid query parameters")
		return
	}
	caller := auth.UserID(c)
	userID := strings.TrimSpace(req.User)
	if userID == "" {
		userID = caller
	}

	page, err := h.submissions.History(c.Request.Context(), service.HistoryQuery{
		UserID:    userID,
		ProblemID: req.Problem,
		Page:      req.Page,
		Limit:     req.Limit,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	items := make([]SubmissionView, 0, len(page.Items))
	for i := range page.Items {
		items = append(items, toSubmissionView(&page.Items[i], page.Items[i].UserID == caller))
	}
	response.SuccessWithPagination(c, items, page.Total, page.Page, page.Limit)
}

// Leaderboard returns the ranked accepted submissions of a problem.
func (h *SubmitController) Leaderboard(c *gin.Context) {
	problemID, err := strconv.ParseInt(c.Param("problemId"), 10, 64)
	if err != nil || problemID <= 0 {
		response.BadRequest(c, "Invalid problem id")
		return
	}
	entries, err := h.leaderboard.Get(c.Request.Context(), problemID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, LeaderboardResponse{ProblemID: problemID, Entries: entries})
}

// Languages lists accepted languages.
func (h *SubmitController) Languages(c *gin.Context) {
	langs := h.submissions.Languages()
	items := make([]LanguageView, 0, len(langs))
	for _, lang := range langs {
		items = append(items, LanguageView{Key: lang.Key, Name: lang.Name, Aliases: lang.Aliases})
	}
	response.Success(c, items)
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Health returns a handler that runs every check with the given timeout.
func Health(timeout time.Duration, checks map[string]HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		status := make(map[string]string, len(checks))
		var failed bool
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status[name] = err.Error()
				failed = true
				continue
			}
			status[name] = "ok"
		}
		if failed {
			response.Error(c, appErr.New(appErr.ServiceUnavailable).WithDetail("checks", status))
			return
		}
		response.Success(c, status)
	}
}

func toSubmissionView(s *repository.Submission, owner bool) SubmissionView {
	view := SubmissionView{
		SubmissionID:     s.ID,
		UserID:           s.UserID,
		ProblemID:        s.ProblemID,
		Language:         s.Language,
		Status:           string(s.Status),
		Reason:           string(s.Reason),
		TotalTestCases:   s.TotalTestCases,
		PassedTestCases:  s.PassedTestCases,
		Score:            s.Score,
		ExecutionTimeMs:  s.ExecutionTimeMs,
		MemoryKB:         s.MemoryKB,
		TestCaseResults:  s.TestCaseResults,
		CompilationError: s.CompilationError,
		RuntimeError:     s.RuntimeError,
		JudgeMessage:     s.JudgeMessage,
		SubmittedAt:      s.SubmittedAt.UTC().Format(time.RFC3339),
	}
	if s.CompletedAt != nil {
		view.CompletedAt = s.CompletedAt.UTC().Format(time.RFC3339)
	}
	if owner {
		view.SourceCode = s.SourceCode
	}
	return view
}

// SubmitRequest defines submission payload.
type SubmitRequest struct {
	ProblemID  int64  `json:"problem_id" binding:"required"`
	Language   string `json:"language" binding:"required"`
	SourceCode string `json:"source_code" binding:"required"`
}

// SubmitResponse defines submission response payload.
type SubmitResponse struct {
	SubmissionID string `json:"submission_id"`
	Status       string `json:"status"`
}

// HistoryRequest defines history query parameters.
type HistoryRequest struct {
	User    string `form:"user"`
	Problem int64  `form:"problem"`
	Page    int    `form:"page"`
	Limit   int    `form:"limit"`
}

// SubmissionView is the public shape of a submission.
type SubmissionView struct {
	SubmissionID     string                      `json:"submission_id"`
	UserID           string                      `json:"user_id"`
	ProblemID        int64                       `json:"problem_id"`
	Language         string                      `json:"language"`
	SourceCode       string                      `json:"source_code,omitempty"`
	Status           string                      `json:"status"`
	Reason           string                      `json:"reason,omitempty"`
	TotalTestCases   int                         `json:"total_test_cases"`
	PassedTestCases  int                         `json:"passed_test_cases"`
	Score            int                         `json:"score"`
	ExecutionTimeMs  int64                       `json:"execution_time_ms"`
	MemoryKB         int64                       `json:"memory_kb"`
	TestCaseResults  []repository.TestCaseResult `json:"test_case_results,omitempty"`
	CompilationError string                      `json:"compilation_error,omitempty"`
	RuntimeError     string                      `json:"runtime_error,omitempty"`
	JudgeMessage     string                      `json:"judge_message,omitempty"`
	SubmittedAt      string                      `json:"submitted_at"`
	CompletedAt      string                      `json:"completed_at,omitempty"`
}

// LeaderboardResponse defines leaderboard response payload.
type LeaderboardResponse struct {
	ProblemID int64               `json:"problem_id"`
	Entries   []leaderboard.Entry `json:"entries"`
}

// LanguageView describes one accepted language.
type LanguageView struct {
	Key     string   `json:"key"`
	Name    string   `json:"name"`
	Aliases []string `json:"aliases,omitempty"`
}
