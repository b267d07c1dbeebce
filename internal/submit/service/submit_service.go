package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"codejudge/internal/common/cache"
	"codejudge/internal/common/storage"
	"codejudge/internal/judge/interpreter"
	"codejudge/internal/judge/judgeclient"
	"codejudge/internal/judge/language"
	"codejudge/internal/judge/poller"
	problemRepo "codejudge/internal/problem/repository"
	"codejudge/internal/submit/repository"
	appErr "codejudge/pkg/errors"
	"codejudge/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	idempotencyKeyPrefix  = "submit:idempotency:"
	rateUserKeyPrefix     = "submit:rate:user:"
	rateIPKeyPrefix       = "submit:rate:ip:"
	defaultSourcePrefix   = "submissions"
	defaultIdempotencyTTL = 10 * time.Minute
	processingMarker      = "processing"

	defaultPageSize = 20
	maxPageSize     = 100
)

// RateLimitConfig holds throttling configuration.
type RateLimitConfig struct {
	UserMax int           `yaml:"userMax"`
	IPMax   int           `yaml:"ipMax"`
	Window  time.Duration `yaml:"window"`
}

// TimeoutConfig holds timeout settings for external calls.
type TimeoutConfig struct {
	DB      time.Duration `yaml:"db"`
	Cache   time.Duration `yaml:"cache"`
	Storage time.Duration `yaml:"storage"`
	Judge   time.Duration `yaml:"judge"`
}

// Config holds orchestrator dependencies and settings. Cache and Storage are optional.
type Config struct {
	Store       repository.SubmissionRepository
	Problems    problemRepo.ProblemRepository
	Languages   *language.Registry
	Judge       judgeclient.Judge
	Scheduler   poller.Scheduler
	Interpreter *interpreter.Interpreter
	Cache       cache.Cache
	Storage     storage.ObjectStorage

	FinalStatusHandlers []poller.FinalStatusHandler
	SourceBucket        string
	SourceKeyPrefix     string
	MaxCodeBytes        int
	IdempotencyTTL      time.Duration
	RateLimit           RateLimitConfig
	Timeouts            TimeoutConfig
	Now                 func() time.Time
}

// SubmitService accepts submissions, dispatches them and hands them to the poller.
type SubmitService struct {
	store       repository.SubmissionRepository
	problems    problemRepo.ProblemRepository
	languages   *language.Registry
	judge       judgeclient.Judge
	scheduler   poller.Scheduler
	interpreter *interpreter.Interpreter
	cache       cache.Cache
	storage     storage.ObjectStorage

	finalStatusHandlers []poller.FinalStatusHandler
	sourceBucket        string
	sourceKeyPrefix     string
	maxCodeBytes        int
	idempotencyTTL      time.Duration
	rateLimit           RateLimitConfig
	timeouts            TimeoutConfig
	now                 func() time.Time
}

// SubmitInput describes a submission request.
type SubmitInput struct {
	UserID         string
	ProblemID      int64
	Language       string
	SourceCode     string
	IdempotencyKey string
	ClientIP       string
}

// SubmitResult is returned once the submission is handed to the poller.
type SubmitResult struct {
	SubmissionID string            `json:"submission_id"`
	Status       repository.Status `json:"status"`
}

// HistoryQuery selects a page of a user's submissions.
type HistoryQuery struct {
	UserID    string
	ProblemID int64
	Page      int
	Limit     int
}

// HistoryPage is one page of history.
type HistoryPage struct {
	Items []repository.Submission
	Total int64
	Page  int
	Limit int
}

func NewSubmitService(cfg Config) (*SubmitService, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("submission store is required")
	}
	if cfg.Problems == nil {
		return nil, fmt.Errorf("problem repository is required")
	}
	if cfg.Languages == nil {
		return nil, fmt.Errorf("language registry is required")
	}
	if cfg.Judge == nil {
		return nil, fmt.Errorf("judge client is required")
	}
	if cfg.Scheduler == nil {
		return nil, fmt.Errorf("scheduler is required")
	}
	if cfg.Storage != nil && cfg.SourceBucket == "" {
		return nil, fmt.Errorf("source bucket is required when storage is set")
	}
	if cfg.Interpreter == nil {
		cfg.Interpreter = interpreter.New("")
	}
	if cfg.SourceKeyPrefix == "" {
		cfg.SourceKeyPrefix = defaultSourcePrefix
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = defaultIdempotencyTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &SubmitService{
		store:               cfg.Store,
		problems:            cfg.Problems,
		languages:           cfg.Languages,
		judge:               cfg.Judge,
		scheduler:           cfg.Scheduler,
		interpreter:         cfg.Interpreter,
		cache:               cfg.Cache,
		storage:             cfg.Storage,
		finalStatusHandlers: cfg.FinalStatusHandlers,
		sourceBucket:        cfg.SourceBucket,
		sourceKeyPrefix:     cfg.SourceKeyPrefix,
		maxCodeBytes:        cfg.MaxCodeBytes,
		idempotencyTTL:      cfg.IdempotencyTTL,
		rateLimit:           cfg.RateLimit,
		timeouts:            cfg.Timeouts,
		now:                 cfg.Now,
	}, nil
}

// Submit validates the request, creates a pending record and dispatches it.
// Input errors leave no record behind. A dispatch failure leaves a terminal
// judge_error record and returns JudgeDispatchFailed.
func (s *SubmitService) Submit(ctx context.Context, input SubmitInput) (SubmitResult, error) {
	if err := s.validateInput(input); err != nil {
		return SubmitResult{}, err
	}
	lang, err := s.languages.Lookup(input.Language)
	if err != nil {
		return SubmitResult{}, appErr.New(appErr.LanguageNotSupported).WithMessagef("language %q is not supported", input.Language)
	}
	if err := s.checkRateLimit(ctx, input.UserID, input.ClientIP); err != nil {
		return SubmitResult{}, err
	}

	acquired, existingID, err := s.acquireIdempotency(ctx, input.UserID, input.IdempotencyKey)
	if err != nil {
		return SubmitResult{}, err
	}
	if !acquired && existingID != "" {
		existing, err := s.GetStatus(ctx, existingID)
		if err != nil {
			return SubmitResult{}, err
		}
		return SubmitResult{SubmissionID: existing.ID, Status: existing.Status}, nil
	}

	problem, err := s.loadProblem(ctx, input.ProblemID)
	if err != nil {
		s.releaseIdempotency(ctx, input.UserID, input.IdempotencyKey, acquired)
		return SubmitResult{}, err
	}

	submissionID := uuid.NewString()
	sourceKey, err := s.archiveSource(ctx, submissionID, input.SourceCode)
	if err != nil {
		s.releaseIdempotency(ctx, input.UserID, input.IdempotencyKey, acquired)
		return SubmitResult{}, err
	}

	submission := &repository.Submission{
		ID:             submissionID,
		UserID:         input.UserID,
		ProblemID:      problem.ID,
		Language:       lang.Key,
		SourceCode:     input.SourceCode,
		SourceKey:      sourceKey,
		Status:         repository.StatusPending,
		TotalTestCases: len(problem.TestCases),
		SubmittedAt:    s.now(),
	}
	if err := s.createSubmission(ctx, submission); err != nil {
		s.releaseIdempotency(ctx, input.UserID, input.IdempotencyKey, acquired)
		return SubmitResult{}, err
	}
	// The record exists from here on; retries with the same key replay it.
	s.finalizeIdempotency(ctx, input.UserID, input.IdempotencyKey, submissionID, acquired)

	handle, err := s.dispatch(ctx, submission, lang.RuntimeID, problem.TestCases)
	if err != nil {
		logger.Warn(ctx, "judge dispatch failed", zap.String("submission_id", submissionID), zap.Error(err))
		s.finalize(ctx, submission, interpreter.DispatchFailedOutcome(submission.TotalTestCases, err))
		return SubmitResult{}, appErr.Wrapf(err, appErr.JudgeDispatchFailed, "dispatch to judge failed").
			WithDetail("submission_id", submissionID)
	}

	if err := s.markRunning(ctx, submissionID, handle); err != nil {
		logger.Error(ctx, "mark running failed", zap.String("submission_id", submissionID), zap.Error(err))
		s.finalize(ctx, submission, interpreter.SchedulerErrorOutcome(submission.TotalTestCases, err))
		return SubmitResult{}, appErr.Wrapf(err, appErr.DatabaseError, "mark submission running failed").
			WithDetail("submission_id", submissionID)
	}

	task := poller.Task{
		SubmissionID: submissionID,
		ProblemID:    problem.ID,
		Handle:       handle,
		TestCases:    problem.TestCases,
	}
	if err := s.scheduler.Schedule(ctx, task); err != nil {
		logger.Error(ctx, "schedule polling failed", zap.String("submission_id", submissionID), zap.Error(err))
		s.finalize(ctx, submission, interpreter.QueueFullOutcome(submission.TotalTestCases, err))
		return SubmitResult{}, appErr.Wrapf(err, appErr.JudgeQueueFull, "judge queue is full").
			WithDetail("submission_id", submissionID)
	}

	logger.Info(ctx, "submission dispatched",
		zap.String("submission_id", submissionID),
		zap.String("user_id", input.UserID),
		zap.Int64("problem_id", problem.ID),
		zap.String("language", lang.Key),
	)
	return SubmitResult{SubmissionID: submissionID, Status: repository.StatusRunning}, nil
}

// GetStatus returns one submission.
func (s *SubmitService) GetStatus(ctx context.Context, submissionID string) (*repository.Submission, error) {
	if strings.TrimSpace(submissionID) == "" {
		return nil, appErr.ValidationError("submission_id", "required")
	}
	ctxDB := withTimeout(ctx, s.timeouts.DB)
	defer ctxDB.cancel()
	submission, err := s.store.GetByID(ctxDB.ctx, submissionID)
	if err != nil {
		if errors.Is(err, repository.ErrSubmissionNotFound) {
			return nil, appErr.New(appErr.SubmissionNotFound).WithMessage("submission not found")
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "get submission failed")
	}
	return submission, nil
}

// History returns a page of the user's submissions, newest first.
func (s *SubmitService) History(ctx context.Context, query HistoryQuery) (HistoryPage, error) {
	if strings.TrimSpace(query.UserID) == "" {
		return HistoryPage{}, appErr.ValidationError("user", "required")
	}
	if query.Page < 0 {
		return HistoryPage{}, appErr.ValidationError("page", "invalid")
	}
	if query.Page == 0 {
		query.Page = 1
	}
	if query.Limit < 0 || query.Limit > maxPageSize {
		return HistoryPage{}, appErr.ValidationError("limit", "out_of_range")
	}
	if query.Limit == 0 {
		query.Limit = defaultPageSize
	}
	ctxDB := withTimeout(ctx, s.timeouts.DB)
	defer ctxDB.cancel()
	items, total, err := s.store.ListByUser(ctxDB.ctx, repository.ListFilter{
		UserID:    query.UserID,
		ProblemID: query.ProblemID,
		Page:      query.Page,
		Limit:     query.Limit,
	})
	if err != nil {
		return HistoryPage{}, appErr.Wrapf(err, appErr.DatabaseError, "list submissions failed")
	}
	return HistoryPage{Items: items, Total: total, Page: query.Page, Limit: query.Limit}, nil
}

// Languages lists the languages accepted by Submit.
func (s *SubmitService) Languages() []language.Language {
	return s.languages.Supported()
}

func (s *SubmitService) validateInput(input SubmitInput) error {
	if strings.TrimSpace(input.UserID) == "" {
		return appErr.ValidationError("user_id", "required")
	}
	if input.ProblemID <= 0 {
		return appErr.ValidationError("problem_id", "required")
	}
	if strings.TrimSpace(input.Language) == "" {
		return appErr.ValidationError("language", "required")
	}
	if strings.TrimSpace(input.SourceCode) == "" {
		return appErr.ValidationError("source_code", "required")
	}
	if s.maxCodeBytes > 0 && len(input.SourceCode) > s.maxCodeBytes {
		return appErr.New(appErr.CodeTooLarge).WithMessage("source code too large")
	}
	return nil
}

func (s *SubmitService) loadProblem(ctx context.Context, problemID int64) (*problemRepo.CodingProblem, error) {
	ctxDB := withTimeout(ctx, s.timeouts.DB)
	defer ctxDB.cancel()
	problem, err := s.problems.GetCodingProblem(ctxDB.ctx, problemID)
	switch {
	case errors.Is(err, problemRepo.ErrProblemNotFound):
		return nil, appErr.New(appErr.ProblemNotFound).WithMessage("problem not found")
	case errors.Is(err, problemRepo.ErrNotCodingProblem):
		return nil, appErr.New(appErr.NotCodingProblem).WithMessage("problem is not a coding problem")
	case err != nil:
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "load problem failed")
	}
	if len(problem.TestCases) == 0 {
		return nil, appErr.New(appErr.ProblemNotSubmittable).WithMessage("problem has no test cases")
	}
	return problem, nil
}

func (s *SubmitService) archiveSource(ctx context.Context, submissionID, source string) (string, error) {
	if s.storage == nil {
		return "", nil
	}
	objectKey := fmt.Sprintf("%s/%s/source.code", s.sourceKeyPrefix, submissionID)
	ctxStorage := withTimeout(ctx, s.timeouts.Storage)
	defer ctxStorage.cancel()
	err := s.storage.PutObject(ctxStorage.ctx, s.sourceBucket, objectKey, strings.NewReader(source), int64(len(source)), "text/plain; charset=utf-8")
	if err != nil {
		return "", appErr.Wrapf(err, appErr.SubmissionCreateFailed, "upload source failed")
	}
	return objectKey, nil
}

func (s *SubmitService) createSubmission(ctx context.Context, submission *repository.Submission) error {
	ctxDB := withTimeout(ctx, s.timeouts.DB)
	defer ctxDB.cancel()
	if err := s.store.Create(ctxDB.ctx, submission); err != nil {
		return appErr.Wrapf(err, appErr.SubmissionCreateFailed, "create submission failed")
	}
	return nil
}

func (s *SubmitService) dispatch(ctx context.Context, submission *repository.Submission, runtimeID int, testCases []problemRepo.TestCase) (string, error) {
	ctxJudge := withTimeout(ctx, s.timeouts.Judge)
	defer ctxJudge.cancel()
	return s.judge.Dispatch(ctxJudge.ctx, judgeclient.Request{
		SourceCode: submission.SourceCode,
		RuntimeID:  runtimeID,
		Stdin:      s.interpreter.JoinInputs(testCases),
	})
}

func (s *SubmitService) markRunning(ctx context.Context, submissionID, handle string) error {
	ctxDB := withTimeout(context.WithoutCancel(ctx), s.timeouts.DB)
	defer ctxDB.cancel()
	return s.store.MarkRunning(ctxDB.ctx, submissionID, handle, s.now())
}

// finalize writes a terminal outcome even when the request context is gone.
func (s *SubmitService) finalize(ctx context.Context, submission *repository.Submission, outcome interpreter.Outcome) {
	ctxDB := withTimeout(context.WithoutCancel(ctx), s.timeouts.DB)
	defer ctxDB.cancel()
	err := s.store.Finalize(ctxDB.ctx, submission.ID, outcome.TerminalUpdate(s.now()))
	if err != nil {
		logger.Error(ctx, "finalize submission failed", zap.String("submission_id", submission.ID), zap.Error(err))
		return
	}
	final, err := s.store.GetByID(ctxDB.ctx, submission.ID)
	if err != nil {
		logger.Warn(ctx, "load final submission failed", zap.String("submission_id", submission.ID), zap.Error(err))
		return
	}
	for _, handler := range s.finalStatusHandlers {
		if handler == nil {
			continue
		}
		if err := handler.HandleFinalStatus(ctxDB.ctx, *final); err != nil {
			logger.Warn(ctx, "final status handler failed", zap.String("submission_id", submission.ID), zap.Error(err))
		}
	}
}

func idempotencyCacheKey(userID, key string) string {
	return idempotencyKeyPrefix + userID + ":" + strings.TrimSpace(key)
}

func (s *SubmitService) acquireIdempotency(ctx context.Context, userID, key string) (bool, string, error) {
	if s.cache == nil || strings.TrimSpace(key) == "" {
		return true, "", nil
	}
	cacheKey := idempotencyCacheKey(userID, key)
	ctxCache := withTimeout(ctx, s.timeouts.Cache)
	defer ctxCache.cancel()

	existing, err := s.cache.Get(ctxCache.ctx, cacheKey)
	if err != nil {
		return false, "", appErr.Wrapf(err, appErr.CacheError, "read idempotency key failed")
	}
	if existing != "" && existing != processingMarker {
		return false, existing, nil
	}
	ok, err := s.cache.SetNX(ctxCache.ctx, cacheKey, processingMarker, s.idempotencyTTL)
	if err != nil {
		return false, "", appErr.Wrapf(err, appErr.CacheError, "reserve idempotency key failed")
	}
	if ok {
		return true, "", nil
	}
	existing, err = s.cache.Get(ctxCache.ctx, cacheKey)
	if err != nil {
		return false, "", appErr.Wrapf(err, appErr.CacheError, "read idempotency key failed")
	}
	if existing != "" && existing != processingMarker {
		return false, existing, nil
	}
	return false, "", appErr.New(appErr.TooManyRequests).WithMessage("request is processing")
}

func (s *SubmitService) finalizeIdempotency(ctx context.Context, userID, key, submissionID string, acquired bool) {
	if s.cache == nil || !acquired || strings.TrimSpace(key) == "" {
		return
	}
	ctxCache := withTimeout(ctx, s.timeouts.Cache)
	defer ctxCache.cancel()
	if err := s.cache.Set(ctxCache.ctx, idempotencyCacheKey(userID, key), submissionID, s.idempotencyTTL); err != nil {
		logger.Warn(ctx, "update idempotency key failed", zap.Error(err))
	}
}

func (s *SubmitService) releaseIdempotency(ctx context.Context, userID, key string, acquired bool) {
	if s.cache == nil || !acquired || strings.TrimSpace(key) == "" {
		return
	}
	ctxCache := withTimeout(ctx, s.timeouts.Cache)
	defer ctxCache.cancel()
	if err := s.cache.Del(ctxCache.ctx, idempotencyCacheKey(userID, key)); err != nil {
		logger.Warn(ctx, "release idempotency key failed", zap.Error(err))
	}
}

func (s *SubmitService) checkRateLimit(ctx context.Context, userID, clientIP string) error {
	if s.cache == nil || s.rateLimit.Window <= 0 || (s.rateLimit.UserMax <= 0 && s.rateLimit.IPMax <= 0) {
		return nil
	}
	ctxCache := withTimeout(ctx, s.timeouts.Cache)
	defer ctxCache.cancel()

	if s.rateLimit.UserMax > 0 && userID != "" {
		if err := s.checkRateCounter(ctxCache.ctx, rateUserKeyPrefix+userID, s.rateLimit.UserMax); err != nil {
			return err
		}
	}
	if s.rateLimit.IPMax > 0 && clientIP != "" {
		if err := s.checkRateCounter(ctxCache.ctx, rateIPKeyPrefix+clientIP, s.rateLimit.IPMax); err != nil {
			return err
		}
	}
	return nil
}

func (s *SubmitService) checkRateCounter(ctx context.Context, key string, max int) error {
	count, err := s.cache.Incr(ctx, key)
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "rate limit check failed")
	}
	if err := s.ensureRateWindow(ctx, key, count); err != nil {
		logger.Warn(ctx, "rate limit window not applied", zap.String("key", key), zap.Error(err))
	}
	if int(count) > max {
		return appErr.New(appErr.SubmitTooFrequently).WithMessage("submit too frequently")
	}
	return nil
}

// ensureRateWindow sets the window expiry on the first hit and restores it on
// a counter left without one by an earlier failed Expire.
func (s *SubmitService) ensureRateWindow(ctx context.Context, key string, count int64) error {
	if count > 1 {
		ttl, err := s.cache.TTL(ctx, key)
		if err != nil {
			return err
		}
		if ttl >= 0 {
			return nil
		}
	}
	return s.cache.Expire(ctx, key, s.rateLimit.Window)
}

type timeoutCtx struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func withTimeout(ctx context.Context, timeout time.Duration) timeoutCtx {
	if timeout <= 0 {
		return timeoutCtx{ctx: ctx, cancel: func() {}}
	}
	ctxTimeout, cancel := context.WithTimeout(ctx, timeout)
	return timeoutCtx{ctx: ctxTimeout, cancel: cancel}
}
