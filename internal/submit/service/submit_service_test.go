package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"codejudge/internal/common/cache"
	"codejudge/internal/common/mq"
	"codejudge/internal/common/storage"
	"codejudge/internal/judge/judgeclient"
	"codejudge/internal/judge/language"
	"codejudge/internal/judge/poller"
	problemRepo "codejudge/internal/problem/repository"
	"codejudge/internal/submit/repository"
	"codejudge/internal/submit/service"
	appErr "codejudge/pkg/errors"
)

type fakeJudge struct {
	mu          sync.Mutex
	dispatchErr error
	dispatched  []judgeclient.Request
	result      judgeclient.RawResult
}

func (f *fakeJudge) Dispatch(ctx context.Context, req judgeclient.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, req)
	if f.dispatchErr != nil {
		return "", f.dispatchErr
	}
	return "tok", nil
}

func (f *fakeJudge) Fetch(ctx context.Context, handle string) (judgeclient.RawResult, error) {
	return f.result, nil
}

func (f *fakeJudge) dispatchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dispatched)
}

type failingScheduler struct{}

func (failingScheduler) Schedule(ctx context.Context, task poller.Task) error {
	return poller.ErrQueueFull
}

type fakeStorage struct {
	objects map[string]string
	err     error
}

func (s *fakeStorage) PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, sizeBytes int64, contentType string) error {
	if s.err != nil {
		return s.err
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	s.objects[bucket+"/"+objectKey] = string(data)
	return nil
}

func (s *fakeStorage) GetObject(ctx context.Context, bucket, objectKey string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(s.objects[bucket+"/"+objectKey])), nil
}

func (s *fakeStorage) StatObject(ctx context.Context, bucket, objectKey string) (storage.ObjectStat, error) {
	return storage.ObjectStat{SizeBytes: int64(len(s.objects[bucket+"/"+objectKey]))}, nil
}

type recordingHandler struct {
	mu   sync.Mutex
	seen []repository.Submission
}

func (h *recordingHandler) HandleFinalStatus(ctx context.Context, s repository.Submission) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, s)
	return nil
}

type env struct {
	svc     *service.SubmitService
	store   *repository.MemorySubmissionRepository
	judge   *fakeJudge
	handler *recordingHandler
}

type envOption func(*service.Config)

func newEnv(t *testing.T, judge *fakeJudge, opts ...envOption) *env {
	t.Helper()
	store := repository.NewMemorySubmissionRepository()
	problems := problemRepo.NewStaticRepository(
		problemRepo.CodingProblem{ID: 1, Title: "double", TestCases: []problemRepo.TestCase{
			{Input: "1", ExpectedOutput: "2"},
			{Input: "3", ExpectedOutput: "6"},
		}},
		problemRepo.CodingProblem{ID: 2, Title: "quiz", Type: problemRepo.ProblemTypeQuiz},
		problemRepo.CodingProblem{ID: 3, Title: "empty"},
	)
	registry, err := language.NewRegistry(language.DefaultConfig())
	if err != nil {
		t.Fatalf("new registry failed: %v", err)
	}
	handler := &recordingHandler{}
	p, err := poller.New(poller.Options{
		Judge:    judge,
		Store:    store,
		Problems: problems,
		Sleeper:  poller.SleeperFunc(func(ctx context.Context, d time.Duration) error { return ctx.Err() }),
		Handlers: []poller.FinalStatusHandler{handler},
	})
	if err != nil {
		t.Fatalf("new poller failed: %v", err)
	}
	cfg := service.Config{
		Store:               store,
		Problems:            problems,
		Languages:           registry,
		Judge:               judge,
		Scheduler:           poller.NewSyncScheduler(p),
		FinalStatusHandlers: []poller.FinalStatusHandler{handler},
		MaxCodeBytes:        1024,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	svc, err := service.NewSubmitService(cfg)
	if err != nil {
		t.Fatalf("new service failed: %v", err)
	}
	return &env{svc: svc, store: store, judge: judge, handler: handler}
}

func withRedis(t *testing.T) envOption {
	return withMiniredis(t, miniredis.RunT(t))
}

func withMiniredis(t *testing.T, mr *miniredis.Miniredis) envOption {
	c, err := cache.NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	if err != nil {
		t.Fatalf("new cache failed: %v", err)
	}
	return func(cfg *service.Config) { cfg.Cache = c }
}

func acceptedJudge() *fakeJudge {
	return &fakeJudge{result: judgeclient.RawResult{
		Status: judgeclient.StatusFinished, Verdict: judgeclient.VerdictAccepted, Stdout: "2\n6\n", TimeMs: 10, MemoryKB: 100,
	}}
}

func validInput() service.SubmitInput {
	return service.SubmitInput{UserID: "alice", ProblemID: 1, Language: "Python3", SourceCode: "print(int(input())*2)"}
}

func (e *env) count(t *testing.T, user string) int64 {
	t.Helper()
	_, total, err := e.store.ListByUser(context.Background(), repository.ListFilter{UserID: user, Page: 1, Limit: 100})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	return total
}

func TestSubmitRunsToTerminal(t *testing.T) {
	t.Parallel()
	e := newEnv(t, acceptedJudge())

	res, err := e.svc.Submit(context.Background(), validInput())
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if res.Status != repository.StatusRunning || res.SubmissionID == "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if e.judge.dispatched[0].RuntimeID != 71 || e.judge.dispatched[0].Stdin != "1\n3" {
		t.Fatalf("unexpected dispatch: %+v", e.judge.dispatched[0])
	}
	sub, err := e.svc.GetStatus(context.Background(), res.SubmissionID)
	if err != nil {
		t.Fatalf("get status failed: %v", err)
	}
	if sub.Status != repository.StatusAccepted || sub.Score != 100 || sub.Language != "python" {
		t.Fatalf("unexpected submission: %+v", sub)
	}
	if len(e.handler.seen) != 1 {
		t.Fatalf("expected one final status notification, got %d", len(e.handler.seen))
	}
}

func TestSubmitInputErrorsLeaveNoRecord(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		mutate func(*service.SubmitInput)
		code   appErr.ErrorCode
	}{
		{"missing source", func(in *service.SubmitInput) { in.SourceCode = "  " }, appErr.ValidationFailed},
		{"missing language", func(in *service.SubmitInput) { in.Language = "" }, appErr.ValidationFailed},
		{"missing problem", func(in *service.SubmitInput) { in.ProblemID = 0 }, appErr.ValidationFailed},
		{"unsupported language", func(in *service.SubmitInput) { in.Language = "cobol" }, appErr.LanguageNotSupported},
		{"code too large", func(in *service.SubmitInput) { in.SourceCode = strings.Repeat("x", 2048) }, appErr.CodeTooLarge},
		{"unknown problem", func(in *service.SubmitInput) { in.ProblemID = 99 }, appErr.ProblemNotFound},
		{"not coding", func(in *service.SubmitInput) { in.ProblemID = 2 }, appErr.NotCodingProblem},
		{"no test cases", func(in *service.SubmitInput) { in.ProblemID = 3 }, appErr.ProblemNotSubmittable},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			e := newEnv(t, acceptedJudge())
			in := validInput()
			tc.mutate(&in)
			_, err := e.svc.Submit(context.Background(), in)
			if got := appErr.GetCode(err); got != tc.code {
				t.Fatalf("expected code %d, got %d (%v)", tc.code, got, err)
			}
			if e.count(t, "alice") != 0 {
				t.Fatalf("input error created a record")
			}
			if e.judge.dispatchCount() != 0 {
				t.Fatalf("input error reached the judge")
			}
		})
	}
}

func TestSubmitDispatchFailureIsTerminal(t *testing.T) {
	t.Parallel()
	e := newEnv(t, &fakeJudge{dispatchErr: &judgeclient.DispatchError{Op: "dispatch", StatusCode: 422, Err: errors.New("unknown language")}})

	_, err := e.svc.Submit(context.Background(), validInput())
	if !appErr.Is(err, appErr.JudgeDispatchFailed) {
		t.Fatalf("expected JudgeDispatchFailed, got %v", err)
	}
	id, _ := appErr.GetError(err).Details["submission_id"].(string)
	if id == "" {
		t.Fatalf("expected submission_id detail")
	}
	sub, err := e.svc.GetStatus(context.Background(), id)
	if err != nil {
		t.Fatalf("get status failed: %v", err)
	}
	if sub.Status != repository.StatusJudgeError || sub.Reason != repository.ReasonDispatchFailed {
		t.Fatalf("expected dispatch failure bucket, got %s/%s", sub.Status, sub.Reason)
	}
	if len(e.handler.seen) != 1 {
		t.Fatalf("expected final status notification for dispatch failure")
	}
}

func TestSubmitSchedulerFailureIsTerminal(t *testing.T) {
	t.Parallel()
	e := newEnv(t, acceptedJudge(), func(cfg *service.Config) { cfg.Scheduler = failingScheduler{} })

	_, err := e.svc.Submit(context.Background(), validInput())
	if !appErr.Is(err, appErr.JudgeQueueFull) {
		t.Fatalf("expected JudgeQueueFull, got %v", err)
	}
	id, _ := appErr.GetError(err).Details["submission_id"].(string)
	sub, err := e.svc.GetStatus(context.Background(), id)
	if err != nil {
		t.Fatalf("get status failed: %v", err)
	}
	if sub.Status != repository.StatusJudgeError || sub.Reason != repository.ReasonQueueFull {
		t.Fatalf("expected queue full bucket, got %s/%s", sub.Status, sub.Reason)
	}
}

func TestSubmitRateLimit(t *testing.T) {
	t.Parallel()
	e := newEnv(t, acceptedJudge(), withRedis(t), func(cfg *service.Config) {
		cfg.RateLimit = service.RateLimitConfig{UserMax: 1, Window: time.Minute}
	})
	if _, err := e.svc.Submit(context.Background(), validInput()); err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	_, err := e.svc.Submit(context.Background(), validInput())
	if !appErr.Is(err, appErr.SubmitTooFrequently) {
		t.Fatalf("expected SubmitTooFrequently, got %v", err)
	}
	if e.count(t, "alice") != 1 {
		t.Fatalf("rate limited submit created a record")
	}
}

func TestSubmitRateLimitRestoresMissingWindow(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	e := newEnv(t, acceptedJudge(), withMiniredis(t, mr), func(cfg *service.Config) {
		cfg.RateLimit = service.RateLimitConfig{UserMax: 5, Window: time.Minute}
	})
	// A counter whose first Expire never landed.
	if err := mr.Set("submit:rate:user:alice", "1"); err != nil {
		t.Fatalf("seed counter failed: %v", err)
	}
	if _, err := e.svc.Submit(context.Background(), validInput()); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if ttl := mr.TTL("submit:rate:user:alice"); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("expected the window to be restored, got ttl %s", ttl)
	}

	// Later hits leave a live window alone.
	mr.FastForward(30 * time.Second)
	if _, err := e.svc.Submit(context.Background(), validInput()); err != nil {
		t.Fatalf("second submit failed: %v", err)
	}
	if ttl := mr.TTL("submit:rate:user:alice"); ttl != 30*time.Second {
		t.Fatalf("expected the window to keep running, got ttl %s", ttl)
	}
}

func TestSubmitIdempotencyReplays(t *testing.T) {
	t.Parallel()
	e := newEnv(t, acceptedJudge(), withRedis(t))
	in := validInput()
	in.IdempotencyKey = "abc"

	first, err := e.svc.Submit(context.Background(), in)
	if err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	second, err := e.svc.Submit(context.Background(), in)
	if err != nil {
		t.Fatalf("replayed submit failed: %v", err)
	}
	if first.SubmissionID != second.SubmissionID {
		t.Fatalf("expected replay of %s, got %s", first.SubmissionID, second.SubmissionID)
	}
	if second.Status != repository.StatusAccepted {
		t.Fatalf("replay should report current status, got %s", second.Status)
	}
	if e.judge.dispatchCount() != 1 {
		t.Fatalf("expected one dispatch, got %d", e.judge.dispatchCount())
	}

	other := in
	other.UserID = "bob"
	third, err := e.svc.Submit(context.Background(), other)
	if err != nil {
		t.Fatalf("other user submit failed: %v", err)
	}
	if third.SubmissionID == first.SubmissionID {
		t.Fatalf("idempotency keys must be scoped per user")
	}
}

func TestSubmitArchivesSource(t *testing.T) {
	t.Parallel()
	store := &fakeStorage{objects: map[string]string{}}
	e := newEnv(t, acceptedJudge(), func(cfg *service.Config) {
		cfg.Storage = store
		cfg.SourceBucket = "sources"
	})
	res, err := e.svc.Submit(context.Background(), validInput())
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	sub, _ := e.svc.GetStatus(context.Background(), res.SubmissionID)
	if sub.SourceKey == "" || store.objects["sources/"+sub.SourceKey] != validInput().SourceCode {
		t.Fatalf("source not archived: key=%q objects=%v", sub.SourceKey, store.objects)
	}

	store.err = errors.New("bucket missing")
	if _, err := e.svc.Submit(context.Background(), validInput()); !appErr.Is(err, appErr.SubmissionCreateFailed) {
		t.Fatalf("expected SubmissionCreateFailed, got %v", err)
	}
	if e.count(t, "alice") != 1 {
		t.Fatalf("failed archive created a record")
	}
}

func TestGetStatusNotFound(t *testing.T) {
	t.Parallel()
	e := newEnv(t, acceptedJudge())
	if _, err := e.svc.GetStatus(context.Background(), "missing"); !appErr.Is(err, appErr.SubmissionNotFound) {
		t.Fatalf("expected SubmissionNotFound, got %v", err)
	}
}

func TestHistoryPaging(t *testing.T) {
	t.Parallel()
	e := newEnv(t, acceptedJudge())
	for i := 0; i < 3; i++ {
		if _, err := e.svc.Submit(context.Background(), validInput()); err != nil {
			t.Fatalf("submit failed: %v", err)
		}
	}
	page, err := e.svc.History(context.Background(), service.HistoryQuery{UserID: "alice", Limit: 2})
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if page.Total != 3 || len(page.Items) != 2 || page.Page != 1 {
		t.Fatalf("unexpected page: total=%d len=%d page=%d", page.Total, len(page.Items), page.Page)
	}
	if _, err := e.svc.History(context.Background(), service.HistoryQuery{UserID: "alice", Limit: 101}); !appErr.Is(err, appErr.ValidationFailed) {
		t.Fatalf("expected limit validation error, got %v", err)
	}
}

type capturingProducer struct {
	topic string
	msg   *mq.Message
}

func (p *capturingProducer) Publish(ctx context.Context, topic string, message *mq.Message) error {
	p.topic = topic
	p.msg = message
	return nil
}

func TestMQFinalStatusPublisher(t *testing.T) {
	t.Parallel()
	producer := &capturingProducer{}
	pub, err := service.NewMQFinalStatusPublisher(producer, "submission.final", time.Second)
	if err != nil {
		t.Fatalf("new publisher failed: %v", err)
	}
	done := time.Unix(500, 0).UTC()
	err = pub.HandleFinalStatus(context.Background(), repository.Submission{
		ID: "s1", UserID: "alice", ProblemID: 1, Status: repository.StatusAccepted, Score: 100, CompletedAt: &done,
	})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	var event service.FinalStatusEvent
	if err := json.Unmarshal(producer.msg.Body, &event); err != nil {
		t.Fatalf("decode event failed: %v", err)
	}
	if producer.topic != "submission.final" || event.Type != service.FinalStatusEventType || event.Score != 100 || !event.CompletedAt.Equal(done) {
		t.Fatalf("unexpected event: %+v", event)
	}
	if err := pub.HandleFinalStatus(context.Background(), repository.Submission{ID: "s2", Status: repository.StatusRunning}); err == nil {
		t.Fatalf("expected non-terminal submission to be rejected")
	}
}
