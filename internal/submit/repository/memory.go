package repository

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// MemorySubmissionRepository keeps submissions in process memory.
// Transitions run inside MapOf.Compute so each one is atomic per record.
type MemorySubmissionRepository struct {
	items *xsync.MapOf[string, Submission]
	now   func() time.Time
}

// NewMemorySubmissionRepository creates an empty in-memory repository.
func NewMemorySubmissionRepository() *MemorySubmissionRepository {
	return &MemorySubmissionRepository{
		items: xsync.NewMapOf[string, Submission](),
		now:   time.Now,
	}
}

func (r *MemorySubmissionRepository) Create(_ context.Context, submission *Submission) error {
	if err := validateNew(submission); err != nil {
		return err
	}
	if submission.SubmittedAt.IsZero() {
		submission.SubmittedAt = r.now()
	}
	submission.UpdatedAt = submission.SubmittedAt
	if _, loaded := r.items.LoadOrStore(submission.ID, cloneSubmission(*submission)); loaded {
		return ErrDuplicateSubmission
	}
	return nil
}

func (r *MemorySubmissionRepository) GetByID(_ context.Context, submissionID string) (*Submission, error) {
	if submissionID == "" {
		return nil, errors.New("submissionID is required")
	}
	item, ok := r.items.Load(submissionID)
	if !ok {
		return nil, ErrSubmissionNotFound
	}
	out := cloneSubmission(item)
	return &out, nil
}

func (r *MemorySubmissionRepository) MarkRunning(_ context.Context, submissionID, judgeHandle string, at time.Time) error {
	return r.transition(submissionID, func(item *Submission) error {
		if item.Status != StatusPending {
			return transitionError(item.Status)
		}
		item.Status = StatusRunning
		item.JudgeHandle = judgeHandle
		item.UpdatedAt = at
		return nil
	})
}

func (r *MemorySubmissionRepository) Finalize(_ context.Context, submissionID string, update TerminalUpdate) error {
	if update.CompletedAt.IsZero() {
		update.CompletedAt = r.now()
	}
	return r.transition(submissionID, func(item *Submission) error {
		if item.Status.IsTerminal() {
			return ErrAlreadyTerminal
		}
		if err := update.Validate(item.TotalTestCases); err != nil {
			return err
		}
		update.Apply(item)
		return nil
	})
}

func (r *MemorySubmissionRepository) ListByUser(_ context.Context, filter ListFilter) ([]Submission, int64, error) {
	if filter.UserID == "" {
		return nil, 0, errors.New("userID is required")
	}
	matched := r.collect(func(item Submission) bool {
		if item.UserID != filter.UserID {
			return false
		}
		return filter.ProblemID <= 0 || item.ProblemID == filter.ProblemID
	})
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].SubmittedAt.Equal(matched[j].SubmittedAt) {
			return matched[i].SubmittedAt.After(matched[j].SubmittedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	total := int64(len(matched))
	start := filter.Offset()
	if start >= len(matched) {
		return []Submission{}, total, nil
	}
	end := len(matched)
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}
	return matched[start:end], total, nil
}

func (r *MemorySubmissionRepository) ListByProblem(_ context.Context, problemID int64, status Status) ([]Submission, error) {
	if problemID <= 0 {
		return nil, errors.New("problemID is required")
	}
	matched := r.collect(func(item Submission) bool {
		return item.ProblemID == problemID && item.Status == status
	})
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].SubmittedAt.Before(matched[j].SubmittedAt)
	})
	return matched, nil
}

func (r *MemorySubmissionRepository) transition(submissionID string, mutate func(*Submission) error) error {
	if submissionID == "" {
		return errors.New("submissionID is required")
	}
	var err error
	r.items.Compute(submissionID, func(old Submission, loaded bool) (Submission, bool) {
		if !loaded {
			err = ErrSubmissionNotFound
			return old, true
		}
		next := cloneSubmission(old)
		if err = mutate(&next); err != nil {
			return old, false
		}
		return next, false
	})
	return err
}

func (r *MemorySubmissionRepository) collect(match func(Submission) bool) []Submission {
	out := make([]Submission, 0)
	r.items.Range(func(_ string, item Submission) bool {
		if match(item) {
			out = append(out, cloneSubmission(item))
		}
		return true
	})
	return out
}

func cloneSubmission(in Submission) Submission {
	out := in
	if in.TestCaseResults != nil {
		out.TestCaseResults = append([]TestCaseResult(nil), in.TestCaseResults...)
	}
	if in.CompletedAt != nil {
		completedAt := *in.CompletedAt
		out.CompletedAt = &completedAt
	}
	return out
}
