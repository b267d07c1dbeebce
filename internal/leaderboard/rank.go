package leaderboard

import (
	"sort"
	"time"

	"codejudge/internal/submit/repository"
)

const DefaultLimit = 50

// Entry is one ranked user.
type Entry struct {
	Rank            int       `json:"rank"`
	UserID          string    `json:"user_id"`
	SubmissionID    string    `json:"submission_id"`
	Score           int       `json:"score"`
	ExecutionTimeMs int64     `json:"execution_time_ms"`
	MemoryKB        int64     `json:"memory_kb"`
	SubmittedAt     time.Time `json:"submitted_at"`
}

// better orders by score desc, time asc, memory asc, then earliest submission.
func better(a, b repository.Submission) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.ExecutionTimeMs != b.ExecutionTimeMs {
		return a.ExecutionTimeMs < b.ExecutionTimeMs
	}
	if a.MemoryKB != b.MemoryKB {
		return a.MemoryKB < b.MemoryKB
	}
	if !a.SubmittedAt.Equal(b.SubmittedAt) {
		return a.SubmittedAt.Before(b.SubmittedAt)
	}
	return a.ID < b.ID
}

// Rank keeps the best accepted submission per user and returns the top limit.
// Submissions with any other status are ignored.
func Rank(submissions []repository.Submission, limit int) []Entry {
	if limit <= 0 {
		limit = DefaultLimit
	}
	best := make(map[string]repository.Submission)
	for _, s := range submissions {
		if s.Status != repository.StatusAccepted {
			continue
		}
		if current, ok := best[s.UserID]; !ok || better(s, current) {
			best[s.UserID] = s
		}
	}

	ranked := make([]repository.Submission, 0, len(best))
	for _, s := range best {
		ranked = append(ranked, s)
	}
	sort.Slice(ranked, func(i, j int) bool { return better(ranked[i], ranked[j]) })
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	entries := make([]Entry, len(ranked))
	for i, s := range ranked {
		entries[i] = Entry{
			Rank:            i + 1,
			UserID:          s.UserID,
			SubmissionID:    s.ID,
			Score:           s.Score,
			ExecutionTimeMs: s.ExecutionTimeMs,
			MemoryKB:        s.MemoryKB,
			SubmittedAt:     s.SubmittedAt,
		}
	}
	return entries
}
