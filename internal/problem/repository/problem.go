package repository

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"codejudge/internal/common/cache"
	"codejudge/internal/common/db"
)

const (
	defaultProblemTTL      = 10 * time.Minute
	defaultProblemEmptyTTL = time.Minute
	problemKeyPrefix       = "problem:coding:"
)

var (
	ErrProblemNotFound  = errors.New("problem not found")
	ErrNotCodingProblem = errors.New("problem is not a coding problem")
)

// ProblemRepository reads problems from the catalog.
type ProblemRepository interface {
	GetCodingProblem(ctx context.Context, problemID int64) (*CodingProblem, error)
}

// MySQLProblemRepository reads problems and their ordered test cases from MySQL.
type MySQLProblemRepository struct {
	db       db.Database
	cache    cache.Cache
	ttl      time.Duration
	emptyTTL time.Duration
}

func NewMySQLProblemRepository(database db.Database, cacheClient cache.Cache) *MySQLProblemRepository {
	return NewMySQLProblemRepositoryWithTTL(database, cacheClient, defaultProblemTTL, defaultProblemEmptyTTL)
}

func NewMySQLProblemRepositoryWithTTL(database db.Database, cacheClient cache.Cache, ttl, emptyTTL time.Duration) *MySQLProblemRepository {
	if ttl <= 0 {
		ttl = defaultProblemTTL
	}
	if emptyTTL <= 0 {
		emptyTTL = defaultProblemEmptyTTL
	}
	return &MySQLProblemRepository{
		db:       database,
		cache:    cacheClient,
		ttl:      ttl,
		emptyTTL: emptyTTL,
	}
}

// GetCodingProblem returns ErrProblemNotFound for unknown ids and
// ErrNotCodingProblem for problems of another type.
func (r *MySQLProblemRepository) GetCodingProblem(ctx context.Context, problemID int64) (*CodingProblem, error) {
	if problemID <= 0 {
		return nil, ErrProblemNotFound
	}
	var (
		problem *CodingProblem
		err     error
	)
	if r.cache != nil {
		problem, err = cache.GetWithCached[*CodingProblem](
			ctx,
			r.cache,
			problemKey(problemID),
			cache.JitterTTL(r.ttl),
			cache.JitterTTL(r.emptyTTL),
			func(problem *CodingProblem) bool { return problem == nil },
			marshalProblem,
			unmarshalProblem,
			func(ctx context.Context) (*CodingProblem, error) {
				problem, err := r.getFromDB(ctx, problemID)
				if errors.Is(err, ErrProblemNotFound) {
					return nil, nil
				}
				return problem, err
			},
		)
		if err == nil && problem == nil {
			err = ErrProblemNotFound
		}
	} else {
		problem, err = r.getFromDB(ctx, problemID)
	}
	if err != nil {
		return nil, err
	}
	if problem.Type != ProblemTypeCoding {
		return nil, ErrNotCodingProblem
	}
	return problem, nil
}

func (r *MySQLProblemRepository) getFromDB(ctx context.Context, problemID int64) (*CodingProblem, error) {
	problem := &CodingProblem{}
	row := r.db.QueryRow(ctx, "SELECT id, title, problem_type FROM problems WHERE id = ? LIMIT 1", problemID)
	if err := row.Scan(&problem.ID, &problem.Title, &problem.Type); err != nil {
		if db.IsNoRows(err) {
			return nil, ErrProblemNotFound
		}
		return nil, err
	}
	if problem.Type != ProblemTypeCoding {
		return problem, nil
	}

	rows, err := r.db.Query(ctx,
		"SELECT input, expected_output FROM problem_test_cases WHERE problem_id = ? ORDER BY ordinal ASC", problemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	problem.TestCases = make([]TestCase, 0)
	for rows.Next() {
		var tc TestCase
		if err := rows.Scan(&tc.Input, &tc.ExpectedOutput); err != nil {
			return nil, err
		}
		problem.TestCases = append(problem.TestCases, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return problem, nil
}

// StaticRepository serves a fixed problem set from memory.
type StaticRepository struct {
	mu       sync.RWMutex
	problems map[int64]CodingProblem
}

func NewStaticRepository(problems ...CodingProblem) *StaticRepository {
	r := &StaticRepository{problems: make(map[int64]CodingProblem, len(problems))}
	for _, p := range problems {
		r.Put(p)
	}
	return r
}

// Put adds or replaces a problem. An empty type defaults to coding.
func (r *StaticRepository) Put(problem CodingProblem) {
	if problem.Type == "" {
		problem.Type = ProblemTypeCoding
	}
	problem.TestCases = append([]TestCase(nil), problem.TestCases...)
	r.mu.Lock()
	r.problems[problem.ID] = problem
	r.mu.Unlock()
}

func (r *StaticRepository) GetCodingProblem(_ context.Context, problemID int64) (*CodingProblem, error) {
	r.mu.RLock()
	problem, ok := r.problems[problemID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrProblemNotFound
	}
	if problem.Type != ProblemTypeCoding {
		return nil, ErrNotCodingProblem
	}
	problem.TestCases = append([]TestCase(nil), problem.TestCases...)
	return &problem, nil
}

func problemKey(problemID int64) string {
	return problemKeyPrefix + strconv.FormatInt(problemID, 10)
}

func marshalProblem(problem *CodingProblem) string {
	if problem == nil {
		return ""
	}
	payload, err := json.Marshal(problem)
	if err != nil {
		return ""
	}
	return string(payload)
}

func unmarshalProblem(data string) (*CodingProblem, error) {
	if data == "" || data == cache.NullCacheValue {
		return nil, nil
	}
	var problem CodingProblem
	if err := json.Unmarshal([]byte(data), &problem); err != nil {
		return nil, err
	}
	return &problem, nil
}
