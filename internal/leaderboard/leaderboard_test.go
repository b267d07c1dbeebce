package leaderboard_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"codejudge/internal/common/cache"
	"codejudge/internal/leaderboard"
	"codejudge/internal/submit/repository"
)

func accepted(id, user string, score int, timeMs, memKB int64, at int64) repository.Submission {
	return repository.Submission{
		ID: id, UserID: user, ProblemID: 1, Status: repository.StatusAccepted,
		Score: score, ExecutionTimeMs: timeMs, MemoryKB: memKB, SubmittedAt: time.Unix(at, 0),
	}
}

func TestRankBestPerUser(t *testing.T) {
	t.Parallel()
	entries := leaderboard.Rank([]repository.Submission{
		accepted("a1", "A", 80, 100, 10, 1),
		accepted("a2", "A", 95, 200, 10, 2),
		accepted("b1", "B", 95, 150, 10, 3),
	}, 50)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].UserID != "B" || entries[0].Score != 95 || entries[0].ExecutionTimeMs != 150 {
		t.Fatalf("unexpected first entry: %+v", entries[0])
	}
	if entries[1].UserID != "A" || entries[1].Score != 95 || entries[1].ExecutionTimeMs != 200 {
		t.Fatalf("unexpected second entry: %+v", entries[1])
	}
	if entries[0].Rank != 1 || entries[1].Rank != 2 {
		t.Fatalf("unexpected ranks")
	}
}

func TestRankTieBreaks(t *testing.T) {
	t.Parallel()
	entries := leaderboard.Rank([]repository.Submission{
		accepted("late", "C", 100, 50, 10, 9),
		accepted("lean", "D", 100, 50, 5, 10),
		accepted("early", "E", 100, 50, 10, 1),
	}, 0)
	want := []string{"D", "E", "C"}
	for i, user := range want {
		if entries[i].UserID != user {
			t.Fatalf("position %d: expected %s, got %s", i, user, entries[i].UserID)
		}
	}
}

func TestRankIgnoresNonAcceptedAndLimits(t *testing.T) {
	t.Parallel()
	wa := accepted("w", "W", 100, 1, 1, 1)
	wa.Status = repository.StatusWrongAnswer
	entries := leaderboard.Rank([]repository.Submission{
		wa,
		accepted("x", "X", 100, 10, 1, 1),
		accepted("y", "Y", 100, 20, 1, 1),
	}, 1)
	if len(entries) != 1 || entries[0].UserID != "X" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func seed(t *testing.T, store *repository.MemorySubmissionRepository, id, user string, timeMs int64) {
	t.Helper()
	ctx := context.Background()
	err := store.Create(ctx, &repository.Submission{
		ID: id, UserID: user, ProblemID: 1, Language: "go", SourceCode: "x",
		Status: repository.StatusPending, TotalTestCases: 1, SubmittedAt: time.Unix(100, 0),
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	err = store.Finalize(ctx, id, repository.TerminalUpdate{
		Status: repository.StatusAccepted, PassedTestCases: 1, Score: 100, ExecutionTimeMs: timeMs, CompletedAt: time.Unix(101, 0),
	})
	if err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
}

func TestServiceCachesAndInvalidates(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	cacheClient, err := cache.NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	if err != nil {
		t.Fatalf("new cache failed: %v", err)
	}
	store := repository.NewMemorySubmissionRepository()
	svc, err := leaderboard.NewService(store, cacheClient, leaderboard.Config{})
	if err != nil {
		t.Fatalf("new service failed: %v", err)
	}
	ctx := context.Background()

	seed(t, store, "s1", "A", 30)
	entries, err := svc.Get(ctx, 1)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(entries) != 1 || !mr.Exists("leaderboard:1") {
		t.Fatalf("expected cached leaderboard with one entry, got %d", len(entries))
	}

	seed(t, store, "s2", "B", 10)
	entries, _ = svc.Get(ctx, 1)
	if len(entries) != 1 {
		t.Fatalf("expected cached result before invalidation, got %d", len(entries))
	}

	final, _ := store.GetByID(ctx, "s2")
	if err := svc.HandleFinalStatus(ctx, *final); err != nil {
		t.Fatalf("handle final status failed: %v", err)
	}
	entries, _ = svc.Get(ctx, 1)
	if len(entries) != 2 || entries[0].UserID != "B" {
		t.Fatalf("expected refreshed leaderboard led by B, got %+v", entries)
	}
}

func TestServiceEmptyProblem(t *testing.T) {
	t.Parallel()
	svc, err := leaderboard.NewService(repository.NewMemorySubmissionRepository(), nil, leaderboard.Config{})
	if err != nil {
		t.Fatalf("new service failed: %v", err)
	}
	entries, err := svc.Get(context.Background(), 7)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if entries == nil || len(entries) != 0 {
		t.Fatalf("expected empty non-nil leaderboard")
	}
}

// ctxStore fails listings on a done context, like a database driver would.
type ctxStore struct {
	*repository.MemorySubmissionRepository
	sawDeadline bool
}

func (s *ctxStore) ListByProblem(ctx context.Context, problemID int64, status repository.Status) ([]repository.Submission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, s.sawDeadline = ctx.Deadline()
	return s.MemorySubmissionRepository.ListByProblem(ctx, problemID, status)
}

func TestServiceComputesDetachedFromCaller(t *testing.T) {
	t.Parallel()
	store := &ctxStore{MemorySubmissionRepository: repository.NewMemorySubmissionRepository()}
	seed(t, store.MemorySubmissionRepository, "s1", "A", 30)
	svc, err := leaderboard.NewService(store, nil, leaderboard.Config{ComputeTimeout: time.Second})
	if err != nil {
		t.Fatalf("new service failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	entries, err := svc.Get(ctx, 1)
	if err != nil {
		t.Fatalf("get with a canceled caller failed: %v", err)
	}
	if len(entries) != 1 || entries[0].UserID != "A" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	if !store.sawDeadline {
		t.Fatalf("expected the computation to be bounded by a deadline")
	}
}
