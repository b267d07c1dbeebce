package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"codejudge/internal/common/mq"
	appErr "codejudge/pkg/errors"
	"codejudge/pkg/utils/logger"

	"go.uber.org/zap"
)

const attemptHeader = "x-poll-attempt"

// PollTask is the durable form of a Task. Test cases are reloaded on finish.
type PollTask struct {
	SubmissionID string    `json:"submission_id"`
	ProblemID    int64     `json:"problem_id"`
	Handle       string    `json:"handle"`
	Attempt      int       `json:"attempt"`
	NotBefore    time.Time `json:"not_before"`
}

// QueueConfig configures the durable poll queue.
type QueueConfig struct {
	Topic     string              `yaml:"topic"`
	Subscribe mq.SubscribeOptions `yaml:"subscribe"`
}

// QueueScheduler keeps one message per in-flight submission on a topic. Each
// delivery runs a single attempt and republishes the next one, so polling
// resumes after a restart.
type QueueScheduler struct {
	poller *Poller
	queue  mq.MessageQueue
	cfg    QueueConfig
}

func NewQueueScheduler(p *Poller, queue mq.MessageQueue, cfg QueueConfig) (*QueueScheduler, error) {
	if p == nil {
		return nil, fmt.Errorf("poller is required")
	}
	if queue == nil {
		return nil, fmt.Errorf("message queue is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("poll topic is required")
	}
	return &QueueScheduler{poller: p, queue: queue, cfg: cfg}, nil
}

// Schedule publishes the first attempt.
func (s *QueueScheduler) Schedule(ctx context.Context, task Task) error {
	return s.publish(ctx, PollTask{
		SubmissionID: task.SubmissionID,
		ProblemID:    task.ProblemID,
		Handle:       task.Handle,
		Attempt:      1,
		NotBefore:    s.poller.now().Add(s.poller.cfg.Delay(1)),
	})
}

// Subscribe registers HandleMessage on the poll topic.
func (s *QueueScheduler) Subscribe(ctx context.Context) error {
	opts := s.cfg.Subscribe
	return s.queue.SubscribeWithOptions(ctx, s.cfg.Topic, s.HandleMessage, &opts)
}

// HandleMessage waits for the attempt to become due and runs it. Errors are
// returned for redelivery until the message is on its last delivery, which
// finalizes the submission as a scheduler error instead.
func (s *QueueScheduler) HandleMessage(ctx context.Context, msg *mq.Message) error {
	if msg == nil {
		return appErr.New(appErr.InvalidParams).WithMessage("message is nil")
	}
	var pt PollTask
	if err := json.Unmarshal(msg.Body, &pt); err != nil {
		logger.Error(ctx, "drop malformed poll task", zap.String("message_id", msg.ID), zap.Error(err))
		return nil
	}
	task := Task{SubmissionID: pt.SubmissionID, ProblemID: pt.ProblemID, Handle: pt.Handle}
	if pt.SubmissionID == "" {
		logger.Error(ctx, "drop poll task without submission id", zap.String("message_id", msg.ID))
		return nil
	}
	if pt.Handle == "" || pt.Attempt <= 0 {
		logger.Error(ctx, "drop incomplete poll task", zap.String("message_id", msg.ID), zap.String("submission_id", pt.SubmissionID))
		s.poller.fallback(ctx, task, fmt.Errorf("incomplete poll task %q", msg.ID))
		return nil
	}

	if wait := pt.NotBefore.Sub(s.poller.now()); wait > 0 {
		if err := s.poller.sleeper.Sleep(ctx, wait); err != nil {
			return err
		}
	}

	err := s.step(ctx, task, pt)
	if err == nil || ctx.Err() != nil {
		return err
	}
	if lastDelivery(msg) {
		logger.Error(ctx, "poll task retries exhausted", zap.String("submission_id", pt.SubmissionID),
			zap.Int("attempt", pt.Attempt), zap.Int("retry", msg.RetryCount), zap.Error(err))
		s.poller.fallback(ctx, task, err)
		return nil
	}
	return err
}

func (s *QueueScheduler) step(ctx context.Context, task Task, pt PollTask) error {
	done, err := s.poller.Step(ctx, task, pt.Attempt)
	if err != nil || done {
		return err
	}
	next := pt
	next.Attempt++
	next.NotBefore = s.poller.now().Add(s.poller.cfg.Delay(next.Attempt))
	return s.publish(ctx, next)
}

// lastDelivery reports that a failure now would dead-letter the message.
func lastDelivery(msg *mq.Message) bool {
	return msg.RetryCount >= msg.MaxRetries
}

func (s *QueueScheduler) publish(ctx context.Context, pt PollTask) error {
	body, err := json.Marshal(pt)
	if err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "encode poll task failed")
	}
	msg := mq.NewMessage(body)
	msg.ID = pt.SubmissionID + ":" + strconv.Itoa(pt.Attempt)
	msg.SetHeader(attemptHeader, strconv.Itoa(pt.Attempt))
	if err := s.queue.Publish(ctx, s.cfg.Topic, msg); err != nil {
		return fmt.Errorf("publish poll task failed: %w", err)
	}
	return nil
}
