package collector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tracklet/tracklet/internal/model"
	"github.com/tracklet/tracklet/internal/track"
)

type memEnqueuer struct {
	mu      sync.Mutex
	streams []model.Stream
}

func (m *memEnqueuer) Enqueue(_ context.Context, stream model.Stream, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams = append(m.streams, stream)
	return nil
}

func (m *memEnqueuer) count(stream model.Stream) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.streams {
		if s == stream {
			n++
		}
	}
	return n
}

type scriptedIdle struct {
	samples []*IdleSample
	i       int
}

func (s *scriptedIdle) IdleState(context.Context) (*IdleSample, error) {
	if s.i >= len(s.samples) {
		return nil, nil
	}
	out := s.samples[s.i]
	s.i++
	return out, nil
}

type scriptedApp struct {
	samples []*AppSample
	i       int
}

func (s *scriptedApp) FocusedApp(context.Context) (*AppSample, error) {
	if s.i >= len(s.samples) {
		return nil, nil
	}
	out := s.samples[s.i]
	s.i++
	return out, nil
}

func newWorkerForTest(enq track.Enqueuer, idle IdleCollector, app AppCollector) *Worker {
	appSess := track.NewAppSessionizer(enq, "dev-1", nil)
	idleSess := track.NewIdleSessionizer(enq, "dev-1", nil)
	webSess := track.NewWebSessionizer(enq, "dev-1", nil)
	return NewWorker(idle, app, appSess, idleSess, webSess, time.Second, nil)
}

func TestTickRoutesSamplesToSessionizers(t *testing.T) {
	ctx := context.Background()
	enq := &memEnqueuer{}

	idle := &scriptedIdle{samples: []*IdleSample{
		{IdleDuration: 2 * time.Second},
		{IdleDuration: 70 * time.Second},
		{IdleDuration: time.Second},
	}}
	app := &scriptedApp{samples: []*AppSample{
		{AppName: "code", WindowTitle: "main.go"},
		{AppName: "code"},
		{AppName: "slack"},
	}}
	w := newWorkerForTest(enq, idle, app)

	w.Tick(ctx)
	time.Sleep(1100 * time.Millisecond) // real wall clock drives session duration
	w.Tick(ctx)
	time.Sleep(1100 * time.Millisecond)
	w.Tick(ctx)

	// Idle crossed the threshold and came back: one idle session.
	if n := enq.count(model.StreamIdleSession); n != 1 {
		t.Fatalf("expected 1 idle session, got %d", n)
	}
	// code -> slack: one app session.
	if n := enq.count(model.StreamAppSession); n != 1 {
		t.Fatalf("expected 1 app session, got %d", n)
	}
}

func TestNilSamplesAreSkipped(t *testing.T) {
	ctx := context.Background()
	enq := &memEnqueuer{}
	w := newWorkerForTest(enq, NoopIdleCollector{}, NoopAppCollector{})

	w.Tick(ctx)
	w.Tick(ctx)
	if len(enq.streams) != 0 {
		t.Fatalf("noop collectors must produce nothing, got %d items", len(enq.streams))
	}
}

func TestRunDrainsOpenSessionsOnCancel(t *testing.T) {
	enq := &memEnqueuer{}
	idle := &scriptedIdle{}
	app := &scriptedApp{samples: []*AppSample{{AppName: "code"}}}
	w := newWorkerForTest(enq, idle, app)

	w.Tick(context.Background())
	time.Sleep(1100 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("worker did not stop")
	}

	if n := enq.count(model.StreamAppSession); n != 1 {
		t.Fatalf("expected drained app session, got %d", n)
	}
}
