package repository

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrSubmissionNotFound  = errors.New("submission not found")
	ErrDuplicateSubmission = errors.New("submission already exists")
	// ErrAlreadyTerminal is returned when a transition targets a submission
	// that already holds a terminal status. The record is left untouched.
	ErrAlreadyTerminal   = errors.New("submission is already terminal")
	ErrInvalidTransition = errors.New("invalid submission status transition")
	// ErrInvalidUpdate marks a terminal update inconsistent with the record.
	ErrInvalidUpdate = errors.New("invalid terminal update")
)

// Status is the public lifecycle status of a submission.
type Status string

const (
	StatusPending             Status = "pending"
	StatusRunning             Status = "running"
	StatusAccepted            Status = "accepted"
	StatusWrongAnswer         Status = "wrong_answer"
	StatusTimeLimitExceeded   Status = "time_limit_exceeded"
	StatusMemoryLimitExceeded Status = "memory_limit_exceeded"
	StatusRuntimeError        Status = "runtime_error"
	StatusCompilationError    Status = "compilation_error"
	// StatusJudgeError marks submissions that never reached the judge.
	StatusJudgeError Status = "judge_error"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusAccepted, StatusWrongAnswer, StatusTimeLimitExceeded, StatusMemoryLimitExceeded,
		StatusRuntimeError, StatusCompilationError, StatusJudgeError:
		return true
	default:
		return false
	}
}

// IsScored reports whether s carries a pass-ratio score.
func (s Status) IsScored() bool {
	return s == StatusAccepted || s == StatusWrongAnswer
}

// Reason distinguishes terminal outcomes that share a public status.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonProgramTimeLimit Reason = "program_time_limit"
	ReasonProgramMemory    Reason = "program_memory_limit"
	ReasonJudgeTimeout     Reason = "judge_timeout"
	ReasonSchedulerError   Reason = "scheduler_error"
	ReasonJudgeError       Reason = "judge_error"
	ReasonDispatchFailed   Reason = "dispatch_failed"
	ReasonQueueFull        Reason = "queue_full"
)

// Test case verdicts.
const (
	TestCasePassed = "passed"
	TestCaseFailed = "failed"
)

// TestCaseResult is the verdict for one test case.
type TestCaseResult struct {
	Input           string `json:"input"`
	ExpectedOutput  string `json:"expected_output"`
	ActualOutput    string `json:"actual_output"`
	Status          string `json:"status"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
	MemoryKB        int64  `json:"memory_kb"`
}

// Submission is one judging attempt.
type Submission struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	ProblemID   int64  `json:"problem_id"`
	Language    string `json:"language"`
	SourceCode  string `json:"source_code"`
	SourceKey   string `json:"source_key,omitempty"`
	Status      Status `json:"status"`
	Reason      Reason `json:"reason,omitempty"`
	JudgeHandle string `json:"judge_handle,omitempty"`

	TotalTestCases   int              `json:"total_test_cases"`
	PassedTestCases  int              `json:"passed_test_cases"`
	Score            int              `json:"score"`
	ExecutionTimeMs  int64            `json:"execution_time_ms"`
	MemoryKB         int64            `json:"memory_kb"`
	TestCaseResults  []TestCaseResult `json:"test_case_results,omitempty"`
	CompilationError string           `json:"compilation_error,omitempty"`
	RuntimeError     string           `json:"runtime_error,omitempty"`
	JudgeMessage     string           `json:"judge_message,omitempty"`

	SubmittedAt time.Time  `json:"submitted_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TerminalUpdate holds every field written by the single terminal transition.
type TerminalUpdate struct {
	Status           Status
	Reason           Reason
	PassedTestCases  int
	Score            int
	ExecutionTimeMs  int64
	MemoryKB         int64
	TestCaseResults  []TestCaseResult
	CompilationError string
	RuntimeError     string
	JudgeMessage     string
	CompletedAt      time.Time
}

// Validate checks the update against the record invariants for a submission
// with total test cases.
func (u TerminalUpdate) Validate(total int) error {
	if !u.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, u.Status)
	}
	if u.PassedTestCases < 0 || u.PassedTestCases > total {
		return fmt.Errorf("%w: passed test cases %d out of range [0,%d]", ErrInvalidUpdate, u.PassedTestCases, total)
	}
	if len(u.TestCaseResults) != 0 && len(u.TestCaseResults) != total {
		return fmt.Errorf("%w: test case results length %d, want %d", ErrInvalidUpdate, len(u.TestCaseResults), total)
	}
	if u.Score < 0 || u.Score > 100 {
		return fmt.Errorf("%w: score %d out of range", ErrInvalidUpdate, u.Score)
	}
	if !u.Status.IsScored() && u.Score != 0 {
		return fmt.Errorf("%w: status %s must not carry a score", ErrInvalidUpdate, u.Status)
	}
	if u.Status == StatusAccepted && u.PassedTestCases != total {
		return fmt.Errorf("%w: accepted submission passed %d of %d", ErrInvalidUpdate, u.PassedTestCases, total)
	}
	if u.CompilationError != "" && u.Status != StatusCompilationError {
		return fmt.Errorf("%w: compilation error set on %s", ErrInvalidUpdate, u.Status)
	}
	if u.RuntimeError != "" && u.Status != StatusRuntimeError {
		return fmt.Errorf("%w: runtime error set on %s", ErrInvalidUpdate, u.Status)
	}
	return nil
}

// Apply writes the update into s.
func (u TerminalUpdate) Apply(s *Submission) {
	completedAt := u.CompletedAt
	s.Status = u.Status
	s.Reason = u.Reason
	s.PassedTestCases = u.PassedTestCases
	s.Score = u.Score
	s.ExecutionTimeMs = u.ExecutionTimeMs
	s.MemoryKB = u.MemoryKB
	s.TestCaseResults = append([]TestCaseResult(nil), u.TestCaseResults...)
	s.CompilationError = u.CompilationError
	s.RuntimeError = u.RuntimeError
	s.JudgeMessage = u.JudgeMessage
	s.CompletedAt = &completedAt
	s.UpdatedAt = completedAt
}

// ListFilter selects a page of a user's submissions.
type ListFilter struct {
	UserID    string
	ProblemID int64 // 0 matches every problem
	Page      int   // 1-based
	Limit     int
}

// Offset returns the row offset of the page.
func (f ListFilter) Offset() int {
	if f.Page <= 1 {
		return 0
	}
	return (f.Page - 1) * f.Limit
}

// SubmissionRepository persists submissions. Every method touches a single
// record and each transition is atomic for concurrent readers.
type SubmissionRepository interface {
	Create(ctx context.Context, submission *Submission) error
	GetByID(ctx context.Context, submissionID string) (*Submission, error)

	// MarkRunning moves a pending submission to running and records the judge handle.
	MarkRunning(ctx context.Context, submissionID, judgeHandle string, at time.Time) error

	// Finalize moves a pending or running submission to the terminal state in update.
	// It returns ErrAlreadyTerminal without writing when the record is already terminal.
	Finalize(ctx context.Context, submissionID string, update TerminalUpdate) error

	// ListByUser returns one page ordered by submission time, newest first, and the total count.
	ListByUser(ctx context.Context, filter ListFilter) ([]Submission, int64, error)

	ListByProblem(ctx context.Context, problemID int64, status Status) ([]Submission, error)
}

func validateNew(submission *Submission) error {
	if submission == nil {
		return errors.New("submission is nil")
	}
	if submission.ID == "" {
		return errors.New("submission id is required")
	}
	if submission.UserID == "" {
		return errors.New("user id is required")
	}
	if submission.ProblemID <= 0 {
		return errors.New("problem id is required")
	}
	if submission.Language == "" {
		return errors.New("language is required")
	}
	if submission.Status != StatusPending {
		return fmt.Errorf("%w: new submission must be pending, got %s", ErrInvalidTransition, submission.Status)
	}
	if submission.TotalTestCases <= 0 {
		return errors.New("total test cases must be positive")
	}
	return nil
}

// transitionError explains why a conditional transition matched no record.
func transitionError(current Status) error {
	if current.IsTerminal() {
		return ErrAlreadyTerminal
	}
	return fmt.Errorf("%w: from %s", ErrInvalidTransition, current)
}
