package poller_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"codejudge/internal/common/mq"
	"codejudge/internal/judge/judgeclient"
	"codejudge/internal/judge/poller"
	problemRepo "codejudge/internal/problem/repository"
	"codejudge/internal/submit/repository"
)

func TestPoolSchedulerRunsTasks(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &fakeJudge{results: []judgeclient.RawResult{finishedWith("1\n4")}}, poller.DefaultConfig())
	pool := poller.NewPoolScheduler(f.poller, poller.PoolConfig{Workers: 2, QueueSize: 4})
	pool.Start(context.Background())

	for _, id := range []string{"a", "b", "c"} {
		if err := pool.Schedule(context.Background(), f.running(t, id)); err != nil {
			t.Fatalf("schedule %s failed: %v", id, err)
		}
	}
	if err := pool.Stop(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	for _, id := range []string{"a", "b", "c"} {
		if sub := f.get(t, id); sub.Status != repository.StatusAccepted {
			t.Fatalf("%s: expected accepted, got %s", id, sub.Status)
		}
	}
	if err := pool.Schedule(context.Background(), poller.Task{SubmissionID: "late"}); !errors.Is(err, poller.ErrSchedulerStopped) {
		t.Fatalf("expected ErrSchedulerStopped, got %v", err)
	}
}

func TestPoolSchedulerQueueFull(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &fakeJudge{results: []judgeclient.RawResult{pending}}, poller.DefaultConfig())
	pool := poller.NewPoolScheduler(f.poller, poller.PoolConfig{Workers: 1, QueueSize: 1})

	if err := pool.Schedule(context.Background(), f.running(t, "a")); err != nil {
		t.Fatalf("first schedule failed: %v", err)
	}
	if err := pool.Schedule(context.Background(), f.running(t, "b")); !errors.Is(err, poller.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	// Stopping an idle pool still finalizes what was queued.
	if err := pool.Stop(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if sub := f.get(t, "a"); !sub.Status.IsTerminal() {
		t.Fatalf("queued task left %s", sub.Status)
	}
}

func TestSyncScheduler(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &fakeJudge{results: []judgeclient.RawResult{finishedWith("1\n4")}}, poller.DefaultConfig())
	if err := poller.NewSyncScheduler(f.poller).Schedule(context.Background(), f.running(t, "s1")); err != nil {
		t.Fatalf("schedule failed: %v", err)
	}
	if sub := f.get(t, "s1"); sub.Status != repository.StatusAccepted {
		t.Fatalf("expected accepted, got %s", sub.Status)
	}
}

type fakeQueue struct {
	mu         sync.Mutex
	published  []*mq.Message
	topics     []string
	publishErr error
}

func (q *fakeQueue) Publish(ctx context.Context, topic string, message *mq.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.publishErr != nil {
		return q.publishErr
	}
	q.published = append(q.published, message)
	q.topics = append(q.topics, topic)
	return nil
}

func (q *fakeQueue) SubscribeWithOptions(ctx context.Context, topic string, handler mq.HandlerFunc, opts *mq.SubscribeOptions) error {
	return nil
}

func (q *fakeQueue) Start() error                   { return nil }
func (q *fakeQueue) Stop() error                    { return nil }
func (q *fakeQueue) Ping(ctx context.Context) error { return nil }
func (q *fakeQueue) Close() error                   { return nil }

func (q *fakeQueue) last(t *testing.T) (*mq.Message, poller.PollTask) {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.published) == 0 {
		t.Fatalf("nothing published")
	}
	msg := q.published[len(q.published)-1]
	var pt poller.PollTask
	if err := json.Unmarshal(msg.Body, &pt); err != nil {
		t.Fatalf("decode poll task failed: %v", err)
	}
	return msg, pt
}

func TestQueueSchedulerRepublishesUntilDone(t *testing.T) {
	t.Parallel()
	judge := &fakeJudge{results: []judgeclient.RawResult{pending, finishedWith("1\n4")}}
	f := newFixture(t, judge, poller.DefaultConfig())
	queue := &fakeQueue{}
	qs, err := poller.NewQueueScheduler(f.poller, queue, poller.QueueConfig{Topic: "judge.poll"})
	if err != nil {
		t.Fatalf("new queue scheduler failed: %v", err)
	}
	task := f.running(t, "s1")
	task.TestCases = nil

	if err := qs.Schedule(context.Background(), task); err != nil {
		t.Fatalf("schedule failed: %v", err)
	}
	msg, pt := queue.last(t)
	if pt.Attempt != 1 || pt.Handle != "tok" {
		t.Fatalf("unexpected first task: %+v", pt)
	}

	if err := qs.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("handle first attempt failed: %v", err)
	}
	if f.sleeper.total != 5*time.Second {
		t.Fatalf("expected to wait for the initial delay, waited %s", f.sleeper.total)
	}
	msg, pt = queue.last(t)
	if pt.Attempt != 2 {
		t.Fatalf("expected attempt 2 republished, got %d", pt.Attempt)
	}

	if err := qs.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("handle second attempt failed: %v", err)
	}
	if len(queue.published) != 2 {
		t.Fatalf("expected no republish after finish, got %d messages", len(queue.published))
	}
	if sub := f.get(t, "s1"); sub.Status != repository.StatusAccepted {
		t.Fatalf("expected accepted, got %s", sub.Status)
	}
}

func TestQueueSchedulerDropsMalformedMessages(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &fakeJudge{results: []judgeclient.RawResult{pending}}, poller.DefaultConfig())
	qs, err := poller.NewQueueScheduler(f.poller, &fakeQueue{}, poller.QueueConfig{Topic: "judge.poll"})
	if err != nil {
		t.Fatalf("new queue scheduler failed: %v", err)
	}
	if err := qs.HandleMessage(context.Background(), mq.NewMessage([]byte("{"))); err != nil {
		t.Fatalf("malformed message should be dropped, got %v", err)
	}
	if f.judge.count() != 0 {
		t.Fatalf("malformed message must not reach the judge")
	}
}

func pollMessage(t *testing.T, pt poller.PollTask) *mq.Message {
	t.Helper()
	body, err := json.Marshal(pt)
	if err != nil {
		t.Fatalf("encode poll task failed: %v", err)
	}
	msg := mq.NewMessage(body)
	msg.MaxRetries = 3
	return msg
}

func TestQueueSchedulerFinalizesWhenRepublishKeepsFailing(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &fakeJudge{results: []judgeclient.RawResult{pending}}, poller.DefaultConfig())
	queue := &fakeQueue{publishErr: errors.New("broker down")}
	qs, err := poller.NewQueueScheduler(f.poller, queue, poller.QueueConfig{Topic: "judge.poll"})
	if err != nil {
		t.Fatalf("new queue scheduler failed: %v", err)
	}
	f.running(t, "s1")
	msg := pollMessage(t, poller.PollTask{SubmissionID: "s1", ProblemID: 9, Handle: "tok", Attempt: 1})

	for msg.RetryCount < msg.MaxRetries {
		if err := qs.HandleMessage(context.Background(), msg); err == nil {
			t.Fatalf("retry %d: expected the publish error for redelivery", msg.RetryCount)
		}
		if sub := f.get(t, "s1"); sub.Status != repository.StatusRunning {
			t.Fatalf("retry %d: expected running before retries are exhausted, got %s", msg.RetryCount, sub.Status)
		}
		msg.RetryCount++
	}
	if err := qs.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("last delivery should finalize and ack, got %v", err)
	}
	sub := f.get(t, "s1")
	if sub.Status != repository.StatusRuntimeError || sub.Reason != repository.ReasonSchedulerError {
		t.Fatalf("expected scheduler error, got %s/%s", sub.Status, sub.Reason)
	}
}

func TestQueueSchedulerFinalizesIncompleteTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &fakeJudge{results: []judgeclient.RawResult{pending}}, poller.DefaultConfig())
	qs, err := poller.NewQueueScheduler(f.poller, &fakeQueue{}, poller.QueueConfig{Topic: "judge.poll"})
	if err != nil {
		t.Fatalf("new queue scheduler failed: %v", err)
	}
	f.running(t, "s1")

	msg := pollMessage(t, poller.PollTask{SubmissionID: "s1", ProblemID: 9, Attempt: 1})
	if err := qs.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("incomplete task should be dropped, got %v", err)
	}
	if f.judge.count() != 0 {
		t.Fatalf("incomplete task must not reach the judge")
	}
	sub := f.get(t, "s1")
	if sub.Status != repository.StatusRuntimeError || sub.Reason != repository.ReasonSchedulerError {
		t.Fatalf("expected scheduler error, got %s/%s", sub.Status, sub.Reason)
	}
}

func TestQueueSchedulerFinalizesAfterCatalogChange(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &fakeJudge{results: []judgeclient.RawResult{finishedWith("1\n4\n9")}}, poller.DefaultConfig())
	qs, err := poller.NewQueueScheduler(f.poller, &fakeQueue{}, poller.QueueConfig{Topic: "judge.poll"})
	if err != nil {
		t.Fatalf("new queue scheduler failed: %v", err)
	}
	f.running(t, "s1")
	// The record was created with two test cases; the problem now has three.
	f.problems.Put(problemRepo.CodingProblem{ID: 9, TestCases: append(append([]problemRepo.TestCase{}, testCases...),
		problemRepo.TestCase{Input: "3", ExpectedOutput: "9"})})

	msg := pollMessage(t, poller.PollTask{SubmissionID: "s1", ProblemID: 9, Handle: "tok", Attempt: 1})
	if err := qs.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	sub := f.get(t, "s1")
	if sub.Status != repository.StatusRuntimeError || sub.Reason != repository.ReasonSchedulerError {
		t.Fatalf("expected scheduler error, got %s/%s", sub.Status, sub.Reason)
	}
	if sub.PassedTestCases != 0 || sub.TotalTestCases != len(testCases) {
		t.Fatalf("unexpected counts %d/%d", sub.PassedTestCases, sub.TotalTestCases)
	}
}
