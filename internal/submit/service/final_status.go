package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"codejudge/internal/common/mq"
	"codejudge/internal/submit/repository"
	appErr "codejudge/pkg/errors"
)

// FinalStatusEventType tags events emitted after a terminal write.
const FinalStatusEventType = "submission.final"

// FinalStatusEvent is the payload published for every terminal submission.
type FinalStatusEvent struct {
	Type            string            `json:"type"`
	SubmissionID    string            `json:"submission_id"`
	UserID          string            `json:"user_id"`
	ProblemID       int64             `json:"problem_id"`
	Language        string            `json:"language"`
	Status          repository.Status `json:"status"`
	Reason          repository.Reason `json:"reason,omitempty"`
	Score           int               `json:"score"`
	PassedTestCases int               `json:"passed_test_cases"`
	TotalTestCases  int               `json:"total_test_cases"`
	ExecutionTimeMs int64             `json:"execution_time_ms"`
	MemoryKB        int64             `json:"memory_kb"`
	CompletedAt     time.Time         `json:"completed_at"`
}

// MQFinalStatusPublisher publishes final status events to a topic.
type MQFinalStatusPublisher struct {
	producer mq.Producer
	topic    string
	timeout  time.Duration
}

func NewMQFinalStatusPublisher(producer mq.Producer, topic string, timeout time.Duration) (*MQFinalStatusPublisher, error) {
	if producer == nil {
		return nil, fmt.Errorf("producer is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("final status topic is required")
	}
	return &MQFinalStatusPublisher{producer: producer, topic: topic, timeout: timeout}, nil
}

func (p *MQFinalStatusPublisher) HandleFinalStatus(ctx context.Context, submission repository.Submission) error {
	if !submission.Status.IsTerminal() {
		return appErr.New(appErr.InvalidParams).WithMessagef("submission %s is not terminal", submission.ID)
	}
	event := FinalStatusEvent{
		Type:            FinalStatusEventType,
		SubmissionID:    submission.ID,
		UserID:          submission.UserID,
		ProblemID:       submission.ProblemID,
		Language:        submission.Language,
		Status:          submission.Status,
		Reason:          submission.Reason,
		Score:           submission.Score,
		PassedTestCases: submission.PassedTestCases,
		TotalTestCases:  submission.TotalTestCases,
		ExecutionTimeMs: submission.ExecutionTimeMs,
		MemoryKB:        submission.MemoryKB,
	}
	if submission.CompletedAt != nil {
		event.CompletedAt = *submission.CompletedAt
	}
	body, err := json.Marshal(event)
	if err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "encode final status event failed")
	}
	msg := mq.NewMessage(body)
	msg.ID = submission.ID
	msg.SetHeader("type", FinalStatusEventType)

	ctxMQ := withTimeout(ctx, p.timeout)
	defer ctxMQ.cancel()
	if err := p.producer.Publish(ctxMQ.ctx, p.topic, msg); err != nil {
		return fmt.Errorf("publish final status failed: %w", err)
	}
	return nil
}
