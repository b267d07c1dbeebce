package poller

import (
	"context"
	"errors"
	"sync"

	"codejudge/pkg/utils/logger"

	"go.uber.org/zap"
)

var (
	ErrQueueFull        = errors.New("poll queue is full")
	ErrSchedulerStopped = errors.New("poll scheduler is stopped")
)

// Scheduler hands a dispatched submission to a poll loop without waiting for it.
type Scheduler interface {
	Schedule(ctx context.Context, task Task) error
}

// SyncScheduler runs the poll loop inline. Intended for tests and tools.
type SyncScheduler struct {
	poller *Poller
}

func NewSyncScheduler(p *Poller) *SyncScheduler {
	return &SyncScheduler{poller: p}
}

func (s *SyncScheduler) Schedule(ctx context.Context, task Task) error {
	s.poller.Run(ctx, task)
	return nil
}

// PoolConfig sizes the in-process worker pool.
type PoolConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queueSize"`
}

// PoolScheduler runs poll loops on a fixed set of workers fed by a bounded queue.
type PoolScheduler struct {
	poller  *Poller
	workers int
	tasks   chan Task

	mu      sync.RWMutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewPoolScheduler(p *Poller, cfg PoolConfig) *PoolScheduler {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 16
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = workers * 8
	}
	return &PoolScheduler{
		poller:  p,
		workers: workers,
		tasks:   make(chan Task, queueSize),
	}
}

// Start launches the workers. Poll loops run on ctx, not on the caller of Schedule.
func (s *PoolScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	workerCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.work(workerCtx)
	}
	logger.Info(ctx, "poll scheduler started", zap.Int("workers", s.workers), zap.Int("queue_size", cap(s.tasks)))
}

func (s *PoolScheduler) work(ctx context.Context) {
	defer s.wg.Done()
	for task := range s.tasks {
		s.poller.Run(ctx, task)
	}
}

// Schedule enqueues task or returns ErrQueueFull without blocking.
func (s *PoolScheduler) Schedule(ctx context.Context, task Task) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return ErrSchedulerStopped
	}
	select {
	case s.tasks <- task:
		return nil
	default:
		logger.Warn(ctx, "poll queue full", zap.String("submission_id", task.SubmissionID))
		return ErrQueueFull
	}
}

// Stop rejects new tasks and waits for queued and running ones. When ctx
// expires first the remaining loops are canceled and finalized.
func (s *PoolScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.tasks)
	started := s.started
	s.mu.Unlock()
	if !started {
		// Never started: finalize whatever was queued.
		canceled, cancel := context.WithCancel(ctx)
		cancel()
		for task := range s.tasks {
			s.poller.Run(canceled, task)
		}
		return nil
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}
