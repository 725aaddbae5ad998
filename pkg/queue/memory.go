package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"job-orchestrator/pkg/job"
)

// Memory is an in-process Queue. It is not durable; it backs tests and the
// single-process development mode.
type Memory struct {
	opts Options
	now  func() time.Time

	mu     sync.Mutex
	lanes  map[job.Type]*lane
	seq    uint64
	closed bool
}

type lane struct {
	waiting   entryHeap
	delayed   map[string]*time.Timer
	active    map[string]*Entry
	completed []string
	failed    []string
	avg       runtimeAverage
	signal    chan struct{}
}

type queued struct {
	entry *Entry
	seq   uint64
}

type entryHeap []*queued

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if !a.entry.EnqueuedAt.Equal(b.entry.EnqueuedAt) {
		return a.entry.EnqueuedAt.Before(b.entry.EnqueuedAt)
	}
	if ra, rb := a.entry.Priority.Rank(), b.entry.Priority.Rank(); ra != rb {
		return ra > rb
	}
	return a.seq < b.seq
}
func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)   { *h = append(*h, x.(*queued)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

var _ Queue = (*Memory)(nil)

func NewMemory(opts Options) *Memory {
	return &Memory{
		opts:  opts.WithDefaults(),
		now:   time.Now,
		lanes: make(map[job.Type]*lane),
	}
}

func (m *Memory) lane(t job.Type) *lane {
	l, ok := m.lanes[t]
	if !ok {
		l = &lane{
			delayed: make(map[string]*time.Timer),
			active:  make(map[string]*Entry),
			signal:  make(chan struct{}),
		}
		m.lanes[t] = l
	}
	return l
}

func (m *Memory) push(l *lane, e *Entry) {
	m.seq++
	heap.Push(&l.waiting, &queued{entry: e, seq: m.seq})
	close(l.signal)
	l.signal = make(chan struct{})
}

func (m *Memory) Submit(_ context.Context, p job.Payload) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	l := m.lane(p.Type)
	if l.contains(p.ID) {
		return nil, ErrDuplicate
	}

	now := m.now()
	m.push(l, &Entry{
		JobID:      p.ID,
		Type:       p.Type,
		Priority:   p.Priority,
		Payload:    p,
		EnqueuedAt: now,
	})

	position := l.position(p.ID)
	avg := l.avg.value
	if avg == 0 {
		avg = m.opts.EstimatedRuntime
	}
	return &Receipt{
		JobID:          p.ID,
		QueuePosition:  position,
		EstimatedStart: EstimateStart(now, position+len(l.active), m.opts.Concurrency(p.Type), avg),
	}, nil
}

func (l *lane) contains(id string) bool {
	if _, ok := l.active[id]; ok {
		return true
	}
	if _, ok := l.delayed[id]; ok {
		return true
	}
	for _, q := range l.waiting {
		if q.entry.JobID == id {
			return true
		}
	}
	return false
}

// position is the 1-based rank of id among waiting entries.
func (l *lane) position(id string) int {
	var target *queued
	for _, q := range l.waiting {
		if q.entry.JobID == id {
			target = q
			break
		}
	}
	if target == nil {
		return 0
	}
	pos := 1
	for _, q := range l.waiting {
		if q != target && entryHeap([]*queued{q, target}).Less(0, 1) {
			pos++
		}
	}
	return pos
}

func (m *Memory) Cancel(_ context.Context, jobID string, t job.Type) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.lane(t)
	if timer, ok := l.delayed[jobID]; ok {
		timer.Stop()
		delete(l.delayed, jobID)
		return true, nil
	}
	for i, q := range l.waiting {
		if q.entry.JobID == jobID {
			heap.Remove(&l.waiting, i)
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) Stats(_ context.Context) (map[job.Type]Counts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[job.Type]Counts, len(m.lanes))
	for t, l := range m.lanes {
		out[t] = Counts{
			Waiting:   len(l.waiting) + len(l.delayed),
			Active:    len(l.active),
			Completed: len(l.completed),
			Failed:    len(l.failed),
		}
	}
	return out, nil
}

func (m *Memory) Dequeue(ctx context.Context, t job.Type) (*Entry, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		l := m.lane(t)
		if l.waiting.Len() > 0 {
			q := heap.Pop(&l.waiting).(*queued)
			e := q.entry
			e.Attempts++
			e.DequeuedAt = m.now()
			l.active[e.JobID] = e
			m.mu.Unlock()
			cp := *e
			return &cp, nil
		}
		signal := l.signal
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-signal:
		}
	}
}

func (m *Memory) Complete(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.lane(e.Type)
	if active, ok := l.active[e.JobID]; ok {
		l.avg.observe(m.now().Sub(active.DequeuedAt))
		delete(l.active, e.JobID)
	}
	l.completed = keepLast(append(l.completed, e.JobID), m.opts.Retention.KeepCompleted)
	return nil
}

func (m *Memory) Fail(_ context.Context, e *Entry, cause error) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.lane(e.Type)
	active, ok := l.active[e.JobID]
	if !ok {
		active = e
	}
	delete(l.active, e.JobID)
	if cause != nil {
		active.LastError = cause.Error()
	}

	if active.Attempts >= m.opts.Retry.MaxAttempts || m.closed {
		l.failed = keepLast(append(l.failed, e.JobID), m.opts.Retention.KeepFailed)
		return false, nil
	}

	delay := m.opts.Retry.Delay(active.Attempts)
	retry := *active
	l.delayed[e.JobID] = time.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := l.delayed[retry.JobID]; !ok || m.closed {
			return
		}
		delete(l.delayed, retry.JobID)
		retry.EnqueuedAt = m.now()
		m.push(l, &retry)
	})
	return true, nil
}

func (m *Memory) Discard(_ context.Context, e *Entry, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.lane(e.Type)
	delete(l.active, e.JobID)
	l.failed = keepLast(append(l.failed, e.JobID), m.opts.Retention.KeepFailed)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, l := range m.lanes {
		for id, timer := range l.delayed {
			timer.Stop()
			delete(l.delayed, id)
		}
		close(l.signal)
		l.signal = make(chan struct{})
	}
	return nil
}

func keepLast(ids []string, n int) []string {
	if len(ids) <= n {
		return ids
	}
	return append([]string(nil), ids[len(ids)-n:]...)
}
