package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"job-orchestrator/pkg/job"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) callback(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func TestHub_DeliversInOrder(t *testing.T) {
	hub := NewHub(testLogger())
	defer hub.Close()

	rec := &recorder{}
	hub.Subscribe("job-1", rec.callback)

	for i := 1; i <= 50; i++ {
		hub.Broadcast(context.Background(), Event{Type: EventProgress, JobID: "job-1", Progress: i})
	}

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 50 }, time.Second, 5*time.Millisecond)
	for i, ev := range rec.snapshot() {
		assert.Equal(t, i+1, ev.Progress)
		assert.False(t, ev.Timestamp.IsZero())
	}
}

func TestHub_OnlyMatchingJob(t *testing.T) {
	hub := NewHub(testLogger())
	defer hub.Close()

	rec, all := &recorder{}, &recorder{}
	hub.Subscribe("job-1", rec.callback)
	hub.Subscribe(AllJobs, all.callback)

	hub.Broadcast(context.Background(), Event{Type: EventStatus, JobID: "job-2", Status: job.StatusRunning})
	hub.Broadcast(context.Background(), Event{Type: EventStatus, JobID: "job-1", Status: job.StatusRunning})

	require.Eventually(t, func() bool { return len(all.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "job-1", rec.snapshot()[0].JobID)
}

func TestHub_LateSubscriberSeesOnlyNewEvents(t *testing.T) {
	hub := NewHub(testLogger())
	defer hub.Close()

	hub.Broadcast(context.Background(), Event{Type: EventStatus, JobID: "job-1", Status: job.StatusRunning})

	rec := &recorder{}
	hub.Subscribe("job-1", rec.callback)
	hub.Broadcast(context.Background(), Event{Type: EventStatus, JobID: "job-1", Status: job.StatusAnalyzing})

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, job.StatusAnalyzing, rec.snapshot()[0].Status)
}

func TestHub_Unsubscribe(t *testing.T) {
	hub := NewHub(testLogger())
	defer hub.Close()

	var count int32
	hub.Subscribe("job-1", func(context.Context, Event) { atomic.AddInt32(&count, 1) })
	id := hub.Subscribe("job-1", func(context.Context, Event) { atomic.AddInt32(&count, 1) })
	assert.Equal(t, 2, hub.Subscribers("job-1"))

	hub.UnsubscribeOne("job-1", id)
	assert.Equal(t, 1, hub.Subscribers("job-1"))

	hub.Unsubscribe("job-1")
	assert.Equal(t, 0, hub.Subscribers("job-1"))

	hub.Broadcast(context.Background(), Event{JobID: "job-1"})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&count))
}

func TestHub_PanickingSubscriberDoesNotStopDelivery(t *testing.T) {
	hub := NewHub(testLogger())
	defer hub.Close()

	rec := &recorder{}
	hub.Subscribe("job-1", func(context.Context, Event) { panic("boom") })
	hub.Subscribe("job-1", rec.callback)

	assert.NotPanics(t, func() {
		hub.Broadcast(context.Background(), Event{JobID: "job-1"})
		hub.Broadcast(context.Background(), Event{JobID: "job-1"})
	})
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
}

type failingSink struct{ calls int32 }

func (s *failingSink) Publish(context.Context, Event) error {
	atomic.AddInt32(&s.calls, 1)
	return errors.New("broker down")
}

func TestHub_SinkErrorsAreSwallowed(t *testing.T) {
	hub := NewHub(testLogger())
	defer hub.Close()

	sink := &failingSink{}
	hub.AddSink(sink)
	hub.Broadcast(context.Background(), Event{JobID: "job-1"})

	require.Eventually(t, func() bool { return atomic.LoadInt32(&sink.calls) == 1 }, time.Second, 5*time.Millisecond)
}

func TestHub_FullBufferDrops(t *testing.T) {
	hub := NewHub(testLogger(), WithBuffer(1))
	defer hub.Close()

	release := make(chan struct{})
	var delivered int32
	hub.Subscribe("job-1", func(context.Context, Event) {
		<-release
		atomic.AddInt32(&delivered, 1)
	})

	for i := 0; i < 10; i++ {
		hub.Broadcast(context.Background(), Event{JobID: "job-1", Progress: i})
	}
	close(release)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&delivered) >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Less(t, atomic.LoadInt32(&delivered), int32(10))
}

func TestHub_CloseIsIdempotent(t *testing.T) {
	hub := NewHub(testLogger())
	hub.Subscribe("job-1", func(context.Context, Event) {})
	hub.Close()
	hub.Close()
	hub.Broadcast(context.Background(), Event{JobID: "job-1"})
}

type countingSink struct{ calls int32 }

func (s *countingSink) Publish(context.Context, Event) error {
	atomic.AddInt32(&s.calls, 1)
	return nil
}

func TestHub_RelaySkipsSinks(t *testing.T) {
	hub := NewHub(testLogger())
	defer hub.Close()

	sink := &countingSink{}
	hub.AddSink(sink)
	rec := &recorder{}
	hub.Subscribe("job-1", rec.callback)
	all := &recorder{}
	hub.Subscribe(AllJobs, all.callback)

	hub.Relay(context.Background(), Event{Type: EventProgress, JobID: "job-1", Progress: 30})

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 && len(all.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 30, rec.snapshot()[0].Progress)
	assert.False(t, rec.snapshot()[0].Timestamp.IsZero())

	hub.Broadcast(context.Background(), Event{JobID: "job-1"})
	require.Eventually(t, func() bool { return atomic.LoadInt32(&sink.calls) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&sink.calls))
}
