package repository_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"codejudge/internal/submit/repository"
)

func newPending(id, user string, problem int64, at time.Time) *repository.Submission {
	return &repository.Submission{
		ID:             id,
		UserID:         user,
		ProblemID:      problem,
		Language:       "python",
		SourceCode:     "print(1)",
		Status:         repository.StatusPending,
		TotalTestCases: 2,
		SubmittedAt:    at,
	}
}

func acceptedUpdate() repository.TerminalUpdate {
	return repository.TerminalUpdate{
		Status:          repository.StatusAccepted,
		PassedTestCases: 2,
		Score:           100,
		ExecutionTimeMs: 20,
		MemoryKB:        1024,
		TestCaseResults: []repository.TestCaseResult{
			{Input: "1", ExpectedOutput: "1", ActualOutput: "1", Status: repository.TestCasePassed},
			{Input: "2", ExpectedOutput: "2", ActualOutput: "2", Status: repository.TestCasePassed},
		},
		CompletedAt: time.Unix(200, 0),
	}
}

func TestMemoryRepositoryLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := repository.NewMemorySubmissionRepository()
	if err := repo.Create(ctx, newPending("s1", "u1", 1, time.Unix(100, 0))); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := repo.MarkRunning(ctx, "s1", "tok-1", time.Unix(101, 0)); err != nil {
		t.Fatalf("mark running failed: %v", err)
	}
	got, err := repo.GetByID(ctx, "s1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != repository.StatusRunning || got.JudgeHandle != "tok-1" {
		t.Fatalf("unexpected running record: %+v", got)
	}
	if err := repo.Finalize(ctx, "s1", acceptedUpdate()); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	got, err = repo.GetByID(ctx, "s1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != repository.StatusAccepted || got.Score != 100 || got.CompletedAt == nil {
		t.Fatalf("unexpected terminal record: %+v", got)
	}
}

func TestMemoryRepositoryTerminalIsFinal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := repository.NewMemorySubmissionRepository()
	if err := repo.Create(ctx, newPending("s1", "u1", 1, time.Unix(100, 0))); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := repo.Finalize(ctx, "s1", acceptedUpdate()); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	second := repository.TerminalUpdate{
		Status:       repository.StatusRuntimeError,
		Reason:       repository.ReasonSchedulerError,
		RuntimeError: "boom",
	}
	if err := repo.Finalize(ctx, "s1", second); !errors.Is(err, repository.ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal, got %v", err)
	}
	if err := repo.MarkRunning(ctx, "s1", "tok", time.Unix(300, 0)); !errors.Is(err, repository.ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal on mark running, got %v", err)
	}
	got, _ := repo.GetByID(ctx, "s1")
	if got.Status != repository.StatusAccepted {
		t.Fatalf("terminal record changed: %s", got.Status)
	}
}

func TestMemoryRepositoryConcurrentFinalizeWritesOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := repository.NewMemorySubmissionRepository()
	if err := repo.Create(ctx, newPending("s1", "u1", 1, time.Unix(100, 0))); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := repo.Finalize(ctx, "s1", acceptedUpdate()); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if success != 1 {
		t.Fatalf("expected exactly one terminal write, got %d", success)
	}
}

func TestMemoryRepositoryRejectsInvalidTransitions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := repository.NewMemorySubmissionRepository()
	if err := repo.Create(ctx, newPending("s1", "u1", 1, time.Unix(100, 0))); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := repo.MarkRunning(ctx, "s1", "tok", time.Unix(101, 0)); err != nil {
		t.Fatalf("mark running failed: %v", err)
	}
	if err := repo.MarkRunning(ctx, "s1", "tok", time.Unix(102, 0)); !errors.Is(err, repository.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	bad := acceptedUpdate()
	bad.PassedTestCases = 1
	if err := repo.Finalize(ctx, "s1", bad); err == nil {
		t.Fatalf("expected accepted with failures to be rejected")
	}
	if err := repo.Finalize(ctx, "missing", acceptedUpdate()); !errors.Is(err, repository.ErrSubmissionNotFound) {
		t.Fatalf("expected ErrSubmissionNotFound, got %v", err)
	}
	if _, err := repo.GetByID(ctx, "missing"); !errors.Is(err, repository.ErrSubmissionNotFound) {
		t.Fatalf("expected not found after failed finalize, got %v", err)
	}
	if err := repo.Create(ctx, newPending("s1", "u1", 1, time.Unix(100, 0))); !errors.Is(err, repository.ErrDuplicateSubmission) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestMemoryRepositoryListByUserPaginates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := repository.NewMemorySubmissionRepository()
	for i := 0; i < 5; i++ {
		sub := newPending(fmt.Sprintf("s%d", i), "u1", 1, time.Unix(int64(100+i), 0))
		if err := repo.Create(ctx, sub); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}
	if err := repo.Create(ctx, newPending("other", "u2", 1, time.Unix(500, 0))); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := repo.Create(ctx, newPending("p2", "u1", 2, time.Unix(600, 0))); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	items, total, err := repo.ListByUser(ctx, repository.ListFilter{UserID: "u1", ProblemID: 1, Page: 1, Limit: 2})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if total != 5 || len(items) != 2 {
		t.Fatalf("unexpected page: total=%d len=%d", total, len(items))
	}
	if items[0].ID != "s4" || items[1].ID != "s3" {
		t.Fatalf("expected newest first, got %s,%s", items[0].ID, items[1].ID)
	}

	items, _, err = repo.ListByUser(ctx, repository.ListFilter{UserID: "u1", ProblemID: 1, Page: 3, Limit: 2})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(items) != 1 || items[0].ID != "s0" {
		t.Fatalf("unexpected last page: %+v", items)
	}

	_, total, err = repo.ListByUser(ctx, repository.ListFilter{UserID: "u1", Page: 1, Limit: 20})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if total != 6 {
		t.Fatalf("expected 6 across problems, got %d", total)
	}
}

func TestMemoryRepositoryReturnsCopies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := repository.NewMemorySubmissionRepository()
	if err := repo.Create(ctx, newPending("s1", "u1", 1, time.Unix(100, 0))); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := repo.Finalize(ctx, "s1", acceptedUpdate()); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	got, _ := repo.GetByID(ctx, "s1")
	got.TestCaseResults[0].Status = repository.TestCaseFailed
	again, _ := repo.GetByID(ctx, "s1")
	if again.TestCaseResults[0].Status != repository.TestCasePassed {
		t.Fatalf("stored record mutated through returned copy")
	}
}
