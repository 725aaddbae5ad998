package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"job-orchestrator/pkg/job"
)

// MemoryBackend keeps records in process. It is used by tests and by the
// single-process development mode.
type MemoryBackend struct {
	mu   sync.Mutex
	jobs map[string]*job.Job
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{jobs: make(map[string]*job.Job)}
}

func (m *MemoryBackend) Insert(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = j.Clone()
	return nil
}

func (m *MemoryBackend) Get(_ context.Context, id string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, job.ErrNotFound
	}
	return j.Clone(), nil
}

func (m *MemoryBackend) Mutate(_ context.Context, id string, fn func(*job.Job) error) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.jobs[id]
	if !ok {
		return nil, job.ErrNotFound
	}
	work := cur.Clone()
	if err := fn(work); err != nil {
		return nil, err
	}
	m.jobs[id] = work
	return work.Clone(), nil
}

func (m *MemoryBackend) ListByUser(_ context.Context, userID string, limit, offset int) ([]*job.Job, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []*job.Job
	for _, j := range m.jobs {
		if j.UserID == userID {
			matched = append(matched, j)
		}
	}
	sortNewestFirst(matched)
	total := len(matched)
	if offset >= total {
		return []*job.Job{}, total, nil
	}
	end := min(offset+limit, total)
	out := make([]*job.Job, 0, end-offset)
	for _, j := range matched[offset:end] {
		out = append(out, j.Clone())
	}
	return out, total, nil
}

func (m *MemoryBackend) ListByStatus(_ context.Context, status job.Status) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*job.Job
	for _, j := range m.jobs {
		if j.Status == status {
			out = append(out, j.Clone())
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (m *MemoryBackend) Delete(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return false, nil
	}
	delete(m.jobs, id)
	return true, nil
}

func (m *MemoryBackend) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, j := range m.jobs {
		if !j.Status.Terminal() {
			continue
		}
		finished := j.UpdatedAt
		if j.CompletedAt != nil {
			finished = *j.CompletedAt
		}
		if finished.Before(cutoff) {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryBackend) Statistics(_ context.Context, since time.Time) (*Statistics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &Statistics{ByStatus: make(map[job.Status]int)}
	var total time.Duration
	var finished int
	for _, j := range m.jobs {
		if j.CreatedAt.Before(since) {
			continue
		}
		stats.Total++
		stats.ByStatus[j.Status]++
		if j.Status == job.StatusCompleted && j.StartedAt != nil && j.CompletedAt != nil {
			total += j.Duration()
			finished++
		}
	}
	if finished > 0 {
		stats.AvgDurationSeconds = total.Seconds() / float64(finished)
	}
	return stats, nil
}

func sortNewestFirst(jobs []*job.Job) {
	sort.Slice(jobs, func(a, b int) bool {
		if jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].ID > jobs[b].ID
		}
		return jobs[a].CreatedAt.After(jobs[b].CreatedAt)
	})
}
