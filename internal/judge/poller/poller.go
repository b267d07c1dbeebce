package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"codejudge/internal/judge/interpreter"
	"codejudge/internal/judge/judgeclient"
	problemRepo "codejudge/internal/problem/repository"
	"codejudge/internal/submit/repository"
	"codejudge/pkg/utils/logger"

	"go.uber.org/zap"
)

var errShutdown = errors.New("polling interrupted by shutdown")

// Task identifies one dispatched submission. TestCases may be nil, in which
// case they are loaded from the problem catalog when the judge finishes.
type Task struct {
	SubmissionID string                 `json:"submission_id"`
	ProblemID    int64                  `json:"problem_id"`
	Handle       string                 `json:"handle"`
	TestCases    []problemRepo.TestCase `json:"-"`
}

// FinalStatusHandler observes submissions right after their terminal write.
type FinalStatusHandler interface {
	HandleFinalStatus(ctx context.Context, submission repository.Submission) error
}

// FinalStatusHandlerFunc adapts a function to FinalStatusHandler.
type FinalStatusHandlerFunc func(ctx context.Context, submission repository.Submission) error

func (f FinalStatusHandlerFunc) HandleFinalStatus(ctx context.Context, submission repository.Submission) error {
	return f(ctx, submission)
}

// Poller drives the fetch loop for dispatched submissions and always ends it
// with a terminal write.
type Poller struct {
	judge       judgeclient.Judge
	store       repository.SubmissionRepository
	problems    problemRepo.ProblemRepository
	interpreter *interpreter.Interpreter
	cfg         Config
	sleeper     Sleeper
	now         func() time.Time
	handlers    []FinalStatusHandler
}

// Options holds poller dependencies.
type Options struct {
	Judge       judgeclient.Judge
	Store       repository.SubmissionRepository
	Problems    problemRepo.ProblemRepository
	Interpreter *interpreter.Interpreter
	Config      Config
	Sleeper     Sleeper
	Now         func() time.Time
	Handlers    []FinalStatusHandler
}

func New(opts Options) (*Poller, error) {
	if opts.Judge == nil {
		return nil, fmt.Errorf("judge client is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("submission store is required")
	}
	if opts.Interpreter == nil {
		opts.Interpreter = interpreter.New("")
	}
	if opts.Sleeper == nil {
		opts.Sleeper = timerSleeper{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Poller{
		judge:       opts.Judge,
		store:       opts.Store,
		problems:    opts.Problems,
		interpreter: opts.Interpreter,
		cfg:         opts.Config.withDefaults(),
		sleeper:     opts.Sleeper,
		now:         opts.Now,
		handlers:    opts.Handlers,
	}, nil
}

// Config returns the effective polling configuration.
func (p *Poller) Config() Config {
	return p.cfg
}

// AddHandler registers a final status handler. Not safe to call while polling.
func (p *Poller) AddHandler(h FinalStatusHandler) {
	if h != nil {
		p.handlers = append(p.handlers, h)
	}
}

// Run polls until the submission is terminal. A canceled ctx finalizes the
// submission as a scheduler error instead of leaving it running.
func (p *Poller) Run(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "poller panic", zap.String("submission_id", task.SubmissionID), zap.Any("panic", r))
			p.fallback(ctx, task, fmt.Errorf("poller panic: %v", r))
		}
	}()

	for attempt := 1; ; attempt++ {
		if err := p.sleeper.Sleep(ctx, p.cfg.Delay(attempt)); err != nil {
			logger.Warn(ctx, "polling interrupted", zap.String("submission_id", task.SubmissionID), zap.Int("attempt", attempt))
			p.fallback(ctx, task, errShutdown)
			return
		}
		done, err := p.Step(ctx, task, attempt)
		if err != nil {
			if ctx.Err() != nil {
				p.fallback(ctx, task, errShutdown)
				return
			}
			logger.Error(ctx, "poll step failed", zap.String("submission_id", task.SubmissionID), zap.Int("attempt", attempt), zap.Error(err))
			p.fallback(ctx, task, err)
			return
		}
		if done {
			return
		}
	}
}

// Step runs one fetch attempt. done reports that the submission is terminal.
// A non-nil error means nothing was written and the attempt may be repeated.
func (p *Poller) Step(ctx context.Context, task Task, attempt int) (bool, error) {
	raw, err := p.judge.Fetch(ctx, task.Handle)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		logger.Warn(ctx, "judge fetch failed", zap.String("submission_id", task.SubmissionID), zap.Int("attempt", attempt), zap.Error(err))
		return true, p.finish(ctx, task, interpreter.SchedulerErrorOutcome(len(task.TestCases), err))
	}

	switch {
	case raw.Status == judgeclient.StatusFinished:
		testCases, err := p.testCases(ctx, task)
		if err != nil {
			return true, p.finish(ctx, task, interpreter.SchedulerErrorOutcome(0, err))
		}
		return true, p.finish(ctx, task, p.interpreter.Interpret(raw, testCases))
	case raw.Status == judgeclient.StatusError:
		return true, p.finish(ctx, task, interpreter.JudgeErrorOutcome(len(task.TestCases), raw))
	case raw.Status.IsPending():
		if attempt >= p.cfg.MaxAttempts {
			logger.Warn(ctx, "judge timeout", zap.String("submission_id", task.SubmissionID), zap.Int("attempts", attempt))
			return true, p.finish(ctx, task, interpreter.TimeoutOutcome(len(task.TestCases), attempt))
		}
		logger.Debug(ctx, "judge still pending", zap.String("submission_id", task.SubmissionID),
			zap.Int("attempt", attempt), zap.String("judge_status", string(raw.Status)))
		return false, nil
	default:
		return true, p.finish(ctx, task, interpreter.SchedulerErrorOutcome(len(task.TestCases),
			fmt.Errorf("unknown judge status %q", raw.Status)))
	}
}

func (p *Poller) testCases(ctx context.Context, task Task) ([]problemRepo.TestCase, error) {
	if task.TestCases != nil {
		return task.TestCases, nil
	}
	if p.problems == nil {
		return nil, fmt.Errorf("test cases unavailable for problem %d", task.ProblemID)
	}
	problem, err := p.problems.GetCodingProblem(ctx, task.ProblemID)
	if err != nil {
		return nil, fmt.Errorf("load test cases failed: %w", err)
	}
	return problem.TestCases, nil
}

// finish writes the outcome once. A record that is already terminal is left as
// is. An outcome the record rejects, for example because the problem's test
// cases changed after submission, is replaced by a scheduler error.
func (p *Poller) finish(ctx context.Context, task Task, outcome interpreter.Outcome) error {
	err := p.store.Finalize(ctx, task.SubmissionID, outcome.TerminalUpdate(p.now()))
	if errors.Is(err, repository.ErrInvalidUpdate) {
		logger.Warn(ctx, "outcome rejected by submission record", zap.String("submission_id", task.SubmissionID), zap.Error(err))
		outcome = interpreter.SchedulerErrorOutcome(0, err)
		err = p.store.Finalize(ctx, task.SubmissionID, outcome.TerminalUpdate(p.now()))
	}
	if errors.Is(err, repository.ErrAlreadyTerminal) {
		logger.Info(ctx, "submission already terminal", zap.String("submission_id", task.SubmissionID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("finalize submission failed: %w", err)
	}
	logger.Info(ctx, "submission finalized",
		zap.String("submission_id", task.SubmissionID),
		zap.String("status", string(outcome.Status)),
		zap.String("reason", string(outcome.Reason)),
		zap.Int("score", outcome.Score),
	)
	p.notify(ctx, task)
	return nil
}

func (p *Poller) notify(ctx context.Context, task Task) {
	if len(p.handlers) == 0 {
		return
	}
	submission, err := p.store.GetByID(ctx, task.SubmissionID)
	if err != nil {
		logger.Warn(ctx, "load final submission failed", zap.String("submission_id", task.SubmissionID), zap.Error(err))
		return
	}
	for _, h := range p.handlers {
		if err := h.HandleFinalStatus(ctx, *submission); err != nil {
			logger.Warn(ctx, "final status handler failed", zap.String("submission_id", task.SubmissionID), zap.Error(err))
		}
	}
}

// fallback finalizes as a scheduler error on a context that outlives ctx.
func (p *Poller) fallback(ctx context.Context, task Task, cause error) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.FinalizeTimeout)
	defer cancel()
	if err := p.finish(writeCtx, task, interpreter.SchedulerErrorOutcome(len(task.TestCases), cause)); err != nil {
		logger.Error(ctx, "scheduler error finalize failed", zap.String("submission_id", task.SubmissionID), zap.Error(err))
	}
}
