package automation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"gitlab.com/timkado/api/livechat-router/internal/model"
)

// memJobStore keeps jobs in memory with the same replace/cancel/claim semantics as the
// postgres store.
type memJobStore struct {
	mu   sync.Mutex
	jobs []*model.ScheduledJob
}

func (s *memJobStore) ReplaceJobs(_ context.Context, chatID string, jobs []model.ScheduledJob) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.cancelLocked(chatID)
	for i := range jobs {
		job := jobs[i]
		job.ID = uuid.NewString()
		job.ChatID = chatID
		job.Status = model.JobPending
		s.jobs = append(s.jobs, &job)
	}
	return n, nil
}

func (s *memJobStore) CancelJobs(_ context.Context, chatID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelLocked(chatID), nil
}

func (s *memJobStore) cancelLocked(chatID string) int64 {
	var n int64
	for _, j := range s.jobs {
		if j.ChatID == chatID && j.Status == model.JobPending {
			j.Status = model.JobCancelled
			n++
		}
	}
	return n
}

func (s *memJobStore) ClaimDueJobs(_ context.Context, now time.Time, _ time.Duration, limit int) ([]model.ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*model.ScheduledJob
	for _, j := range s.jobs {
		if j.Status == model.JobPending && !j.FireAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(a, b int) bool { return due[a].FireAt.Before(due[b].FireAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]model.ScheduledJob, 0, len(due))
	for _, j := range due {
		j.Status = model.JobProcessing
		j.Attempts++
		out = append(out, *j)
	}
	return out, nil
}

func (s *memJobStore) FinishJob(_ context.Context, jobID string, status model.JobStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.ID == jobID && j.Status == model.JobProcessing {
			j.Status = status
			j.LastError = reason
		}
	}
	return nil
}

func (s *memJobStore) RescheduleJob(_ context.Context, jobID string, fireAt time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.ID == jobID && j.Status == model.JobProcessing {
			j.Status = model.JobPending
			j.FireAt = fireAt
			j.LastError = reason
		}
	}
	return nil
}

func (s *memJobStore) PendingJobs(_ context.Context, chatID string) ([]model.ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ScheduledJob
	for _, j := range s.jobs {
		if j.ChatID == chatID && j.Status == model.JobPending {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].FireAt.Before(out[b].FireAt) })
	return out, nil
}
