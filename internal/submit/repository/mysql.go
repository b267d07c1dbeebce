package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"codejudge/internal/common/cache"
	"codejudge/internal/common/db"
)

const (
	defaultSubmissionCacheTTL      = 30 * time.Minute
	defaultSubmissionCacheEmptyTTL = 30 * time.Second
	submissionCacheKeyPrefix       = "submission:"
)

// MySQLSubmissionRepository implements SubmissionRepository with MySQL and
// a read-through cache. Only terminal records are cached since they never change.
type MySQLSubmissionRepository struct {
	db       db.Database
	cache    cache.Cache
	ttl      time.Duration
	emptyTTL time.Duration
	now      func() time.Time
}

// NewMySQLSubmissionRepository creates a submission repository with default TTLs.
// cacheClient may be nil.
func NewMySQLSubmissionRepository(database db.Database, cacheClient cache.Cache) *MySQLSubmissionRepository {
	return NewMySQLSubmissionRepositoryWithTTL(database, cacheClient, defaultSubmissionCacheTTL, defaultSubmissionCacheEmptyTTL)
}

// NewMySQLSubmissionRepositoryWithTTL creates a submission repository with custom TTLs.
func NewMySQLSubmissionRepositoryWithTTL(database db.Database, cacheClient cache.Cache, ttl, emptyTTL time.Duration) *MySQLSubmissionRepository {
	if ttl <= 0 {
		ttl = defaultSubmissionCacheTTL
	}
	if emptyTTL <= 0 {
		emptyTTL = defaultSubmissionCacheEmptyTTL
	}
	return &MySQLSubmissionRepository{
		db:       database,
		cache:    cacheClient,
		ttl:      ttl,
		emptyTTL: emptyTTL,
		now:      time.Now,
	}
}

const submissionColumns = "submission_id, user_id, problem_id, language, source_code, source_key, status, reason, judge_handle, " +
	"total_test_cases, passed_test_cases, score, execution_time_ms, memory_kb, test_case_results, " +
	"compilation_error, runtime_error, judge_message, submitted_at, completed_at, updated_at"

// Create inserts a pending submission.
func (r *MySQLSubmissionRepository) Create(ctx context.Context, submission *Submission) error {
	if err := validateNew(submission); err != nil {
		return err
	}
	if submission.SubmittedAt.IsZero() {
		submission.SubmittedAt = r.now()
	}
	submission.UpdatedAt = submission.SubmittedAt

	query := `
		INSERT INTO submissions
		(submission_id, user_id, problem_id, language, source_code, source_key, status, reason, judge_handle,
		 total_test_cases, compilation_error, runtime_error, judge_message, submitted_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, '', '', ?, '', '', '', ?, ?)
	`
	_, err := r.db.Exec(
		ctx,
		query,
		submission.ID,
		submission.UserID,
		submission.ProblemID,
		submission.Language,
		submission.SourceCode,
		submission.SourceKey,
		string(submission.Status),
		submission.TotalTestCases,
		submission.SubmittedAt,
		submission.UpdatedAt,
	)
	if err != nil {
		if _, ok := db.UniqueViolation(err); ok {
			return ErrDuplicateSubmission
		}
		return err
	}
	if r.cache != nil {
		_ = r.cache.Del(ctx, submissionCacheKey(submission.ID))
	}
	return nil
}

// GetByID retrieves a submission by id.
func (r *MySQLSubmissionRepository) GetByID(ctx context.Context, submissionID string) (*Submission, error) {
	if submissionID == "" {
		return nil, errors.New("submissionID is required")
	}
	if r.cache == nil {
		return r.getByIDFromDB(ctx, submissionID)
	}
	submission, err := cache.GetWithCached[*Submission](
		ctx,
		r.cache,
		submissionCacheKey(submissionID),
		cache.JitterTTL(r.ttl),
		cache.JitterTTL(r.emptyTTL),
		func(submission *Submission) bool { return submission == nil },
		marshalTerminalSubmission,
		unmarshalSubmission,
		func(ctx context.Context) (*Submission, error) {
			submission, err := r.getByIDFromDB(ctx, submissionID)
			if errors.Is(err, ErrSubmissionNotFound) {
				return nil, nil
			}
			return submission, err
		},
	)
	if err != nil {
		return nil, err
	}
	if submission == nil {
		return nil, ErrSubmissionNotFound
	}
	return submission, nil
}

// MarkRunning moves a pending submission to running.
func (r *MySQLSubmissionRepository) MarkRunning(ctx context.Context, submissionID, judgeHandle string, at time.Time) error {
	if submissionID == "" {
		return errors.New("submissionID is required")
	}
	query := `
		UPDATE submissions SET status = ?, judge_handle = ?, updated_at = ?
		WHERE submission_id = ? AND status = ?
	`
	result, err := r.db.Exec(ctx, query, string(StatusRunning), judgeHandle, at, submissionID, string(StatusPending))
	if err != nil {
		return err
	}
	return r.checkTransition(ctx, submissionID, result)
}

// Finalize writes the terminal state in one conditional update.
func (r *MySQLSubmissionRepository) Finalize(ctx context.Context, submissionID string, update TerminalUpdate) error {
	if submissionID == "" {
		return errors.New("submissionID is required")
	}
	current, err := r.getByIDFromDB(ctx, submissionID)
	if err != nil {
		return err
	}
	if current.Status.IsTerminal() {
		return ErrAlreadyTerminal
	}
	if err := update.Validate(current.TotalTestCases); err != nil {
		return err
	}
	if update.CompletedAt.IsZero() {
		update.CompletedAt = r.now()
	}
	results, err := json.Marshal(update.TestCaseResults)
	if err != nil {
		return fmt.Errorf("marshal test case results failed: %w", err)
	}

	fn := func(ctx context.Context) error {
		query := `
			UPDATE submissions SET
				status = ?, reason = ?, passed_test_cases = ?, score = ?, execution_time_ms = ?, memory_kb = ?,
				test_case_results = ?, compilation_error = ?, runtime_error = ?, judge_message = ?,
				completed_at = ?, updated_at = ?
			WHERE submission_id = ? AND status IN (?, ?)
		`
		result, err := r.db.Exec(
			ctx,
			query,
			string(update.Status),
			string(update.Reason),
			update.PassedTestCases,
			update.Score,
			update.ExecutionTimeMs,
			update.MemoryKB,
			string(results),
			update.CompilationError,
			update.RuntimeError,
			update.JudgeMessage,
			update.CompletedAt,
			update.CompletedAt,
			submissionID,
			string(StatusPending),
			string(StatusRunning),
		)
		if err != nil {
			return err
		}
		return r.checkTransition(ctx, submissionID, result)
	}
	if r.cache == nil {
		return fn(ctx)
	}
	return cache.UpdateCached(ctx, r.cache, submissionCacheKey(submissionID), fn)
}

// ListByUser returns one page of the user's submissions.
func (r *MySQLSubmissionRepository) ListByUser(ctx context.Context, filter ListFilter) ([]Submission, int64, error) {
	if filter.UserID == "" {
		return nil, 0, errors.New("userID is required")
	}
	where := []string{"user_id = ?"}
	args := []interface{}{filter.UserID}
	if filter.ProblemID > 0 {
		where = append(where, "problem_id = ?")
		args = append(args, filter.ProblemID)
	}
	clause := strings.Join(where, " AND ")

	var total int64
	if err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM submissions WHERE "+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []Submission{}, 0, nil
	}

	query := "SELECT " + submissionColumns + " FROM submissions WHERE " + clause +
		" ORDER BY submitted_at DESC, submission_id DESC LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset())
	items, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// ListByProblem returns every submission of a problem with the given status.
func (r *MySQLSubmissionRepository) ListByProblem(ctx context.Context, problemID int64, status Status) ([]Submission, error) {
	if problemID <= 0 {
		return nil, errors.New("problemID is required")
	}
	query := "SELECT " + submissionColumns + " FROM submissions WHERE problem_id = ? AND status = ? ORDER BY submitted_at ASC"
	return r.query(ctx, query, problemID, string(status))
}

func (r *MySQLSubmissionRepository) query(ctx context.Context, query string, args ...interface{}) ([]Submission, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]Submission, 0)
	for rows.Next() {
		submission, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *submission)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

// checkTransition resolves a conditional update that matched no row.
func (r *MySQLSubmissionRepository) checkTransition(ctx context.Context, submissionID string, result db.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	var status string
	row := r.db.QueryRow(ctx, "SELECT status FROM submissions WHERE submission_id = ? LIMIT 1", submissionID)
	if err := row.Scan(&status); err != nil {
		if db.IsNoRows(err) {
			return ErrSubmissionNotFound
		}
		return err
	}
	return transitionError(Status(status))
}

func (r *MySQLSubmissionRepository) getByIDFromDB(ctx context.Context, submissionID string) (*Submission, error) {
	query := "SELECT " + submissionColumns + " FROM submissions WHERE submission_id = ? LIMIT 1"
	submission, err := scanSubmission(r.db.QueryRow(ctx, query, submissionID))
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrSubmissionNotFound
		}
		return nil, err
	}
	return submission, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSubmission(row scanner) (*Submission, error) {
	var (
		submission  Submission
		status      string
		reason      string
		results     []byte
		completedAt *time.Time
	)
	if err := row.Scan(
		&submission.ID,
		&submission.UserID,
		&submission.ProblemID,
		&submission.Language,
		&submission.SourceCode,
		&submission.SourceKey,
		&status,
		&reason,
		&submission.JudgeHandle,
		&submission.TotalTestCases,
		&submission.PassedTestCases,
		&submission.Score,
		&submission.ExecutionTimeMs,
		&submission.MemoryKB,
		&results,
		&submission.CompilationError,
		&submission.RuntimeError,
		&submission.JudgeMessage,
		&submission.SubmittedAt,
		&completedAt,
		&submission.UpdatedAt,
	); err != nil {
		return nil, err
	}
	submission.Status = Status(status)
	submission.Reason = Reason(reason)
	submission.CompletedAt = completedAt
	if len(results) > 0 {
		if err := json.Unmarshal(results, &submission.TestCaseResults); err != nil {
			return nil, fmt.Errorf("decode test case results failed: %w", err)
		}
	}
	return &submission, nil
}

func submissionCacheKey(submissionID string) string {
	return submissionCacheKeyPrefix + submissionID
}

// marshalTerminalSubmission returns an empty payload for non-terminal records
// so they are never cached.
func marshalTerminalSubmission(submission *Submission) string {
	if submission == nil || !submission.Status.IsTerminal() {
		return ""
	}
	data, err := json.Marshal(submission)
	if err != nil {
		return ""
	}
	return string(data)
}

func unmarshalSubmission(data string) (*Submission, error) {
	if data == "" || data == cache.NullCacheValue {
		return nil, nil
	}
	var submission Submission
	if err := json.Unmarshal([]byte(data), &submission); err != nil {
		return nil, err
	}
	return &submission, nil
}
