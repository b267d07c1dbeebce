package leaderboard

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"codejudge/internal/common/cache"
	"codejudge/internal/submit/repository"
	appErr "codejudge/pkg/errors"
	"codejudge/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	leaderboardKeyPrefix  = "leaderboard:"
	defaultTTL            = 30 * time.Second
	defaultEmptyTTL       = 10 * time.Second
	defaultComputeTimeout = 5 * time.Second
)

// Config tunes the leaderboard cache.
type Config struct {
	Limit    int           `yaml:"limit"`
	TTL      time.Duration `yaml:"ttl"`
	EmptyTTL time.Duration `yaml:"emptyTTL"`

	// ComputeTimeout bounds a shared computation, which outlives any single caller.
	ComputeTimeout time.Duration `yaml:"computeTimeout"`
}

// Service computes leaderboards from accepted submissions. Results are cached
// per problem and concurrent misses share one computation.
type Service struct {
	store repository.SubmissionRepository
	cache cache.Cache
	cfg   Config
	group singleflight.Group
}

// NewService creates a leaderboard service. cacheClient may be nil.
func NewService(store repository.SubmissionRepository, cacheClient cache.Cache, cfg Config) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("submission store is required")
	}
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.EmptyTTL <= 0 {
		cfg.EmptyTTL = defaultEmptyTTL
	}
	if cfg.ComputeTimeout <= 0 {
		cfg.ComputeTimeout = defaultComputeTimeout
	}
	return &Service{store: store, cache: cacheClient, cfg: cfg}, nil
}

// Get returns the ranked leaderboard for a problem. The computation runs on a
// context detached from ctx so one caller leaving does not fail the others
// sharing it.
func (s *Service) Get(ctx context.Context, problemID int64) ([]Entry, error) {
	if problemID <= 0 {
		return nil, appErr.ValidationError("problem_id", "required")
	}
	key := leaderboardKey(problemID)
	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ComputeTimeout)
		defer cancel()
		if s.cache == nil {
			return s.compute(ctx, problemID)
		}
		return cache.GetWithCached[[]Entry](
			ctx,
			s.cache,
			key,
			cache.JitterTTL(s.cfg.TTL),
			s.cfg.EmptyTTL,
			func(entries []Entry) bool { return len(entries) == 0 },
			marshalEntries,
			unmarshalEntries,
			func(ctx context.Context) ([]Entry, error) { return s.compute(ctx, problemID) },
		)
	})
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "load leaderboard failed")
	}
	entries, _ := v.([]Entry)
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}

// Invalidate drops the cached leaderboard of a problem.
func (s *Service) Invalidate(ctx context.Context, problemID int64) error {
	if s.cache == nil {
		return nil
	}
	if err := s.cache.Del(ctx, leaderboardKey(problemID)); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "invalidate leaderboard failed")
	}
	return nil
}

// HandleFinalStatus invalidates the problem's leaderboard after an accepted submission.
func (s *Service) HandleFinalStatus(ctx context.Context, submission repository.Submission) error {
	if submission.Status != repository.StatusAccepted {
		return nil
	}
	logger.Debug(ctx, "invalidate leaderboard", zap.Int64("problem_id", submission.ProblemID), zap.String("submission_id", submission.ID))
	return s.Invalidate(ctx, submission.ProblemID)
}

func (s *Service) compute(ctx context.Context, problemID int64) ([]Entry, error) {
	accepted, err := s.store.ListByProblem(ctx, problemID, repository.StatusAccepted)
	if err != nil {
		return nil, err
	}
	return Rank(accepted, s.cfg.Limit), nil
}

func leaderboardKey(problemID int64) string {
	return leaderboardKeyPrefix + strconv.FormatInt(problemID, 10)
}

func marshalEntries(entries []Entry) string {
	payload, err := json.Marshal(entries)
	if err != nil {
		return ""
	}
	return string(payload)
}

func unmarshalEntries(data string) ([]Entry, error) {
	if data == "" {
		return nil, nil
	}
	var entries []Entry
	if err := json.Unmarshal([]byte(data), &entries); err != nil {
		return nil, err
	}
	return entries, nil
}
