package repository_test

import (
	"context"
	"errors"
	"testing"

	"codejudge/internal/problem/repository"
)

func TestStaticRepository(t *testing.T) {
	t.Parallel()
	repo := repository.NewStaticRepository(
		repository.CodingProblem{ID: 1, Title: "sum", TestCases: []repository.TestCase{{Input: "1 2", ExpectedOutput: "3"}}},
		repository.CodingProblem{ID: 2, Title: "quiz", Type: repository.ProblemTypeQuiz},
	)
	ctx := context.Background()

	problem, err := repo.GetCodingProblem(ctx, 1)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(problem.TestCases) != 1 || problem.Type != repository.ProblemTypeCoding {
		t.Fatalf("unexpected problem: %+v", problem)
	}
	problem.TestCases[0].ExpectedOutput = "mutated"
	again, _ := repo.GetCodingProblem(ctx, 1)
	if again.TestCases[0].ExpectedOutput != "3" {
		t.Fatalf("stored problem mutated through returned copy")
	}

	if _, err := repo.GetCodingProblem(ctx, 2); !errors.Is(err, repository.ErrNotCodingProblem) {
		t.Fatalf("expected ErrNotCodingProblem, got %v", err)
	}
	if _, err := repo.GetCodingProblem(ctx, 3); !errors.Is(err, repository.ErrProblemNotFound) {
		t.Fatalf("expected ErrProblemNotFound, got %v", err)
	}
}
