package track

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/tracklet/tracklet/internal/model"
)

type memEnqueuer struct {
	mu    sync.Mutex
	items []struct {
		Stream  model.Stream
		Payload string
	}
}

func (m *memEnqueuer) Enqueue(_ context.Context, stream model.Stream, payload string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, struct {
		Stream  model.Stream
		Payload string
	}{stream, payload})
	return nil
}

func (m *memEnqueuer) byStream(stream model.Stream) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, item := range m.items {
		if item.Stream == stream {
			out = append(out, item.Payload)
		}
	}
	return out
}

func decodeIdle(t *testing.T, payload string) model.IdleSessionRecord {
	t.Helper()
	var rec model.IdleSessionRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		t.Fatalf("decode idle record: %v", err)
	}
	return rec
}

func decodeApp(t *testing.T, payload string) model.AppSessionRecord {
	t.Helper()
	var rec model.AppSessionRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		t.Fatalf("decode app record: %v", err)
	}
	return rec
}

func decodeWeb(t *testing.T, payload string) model.WebSessionRecord {
	t.Helper()
	var rec model.WebSessionRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		t.Fatalf("decode web record: %v", err)
	}
	return rec
}

var base = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func TestIdleSessionEmittedOnThresholdRoundTrip(t *testing.T) {
	ctx := context.Background()
	enq := &memEnqueuer{}
	s := NewIdleSessionizer(enq, "dev-1", nil)

	if err := s.HandleIdleState(ctx, 5*time.Second, base); err != nil {
		t.Fatalf("sample: %v", err)
	}
	// Threshold crossed: the idle period started 70s before this sample.
	if err := s.HandleIdleState(ctx, 70*time.Second, base.Add(70*time.Second)); err != nil {
		t.Fatalf("sample: %v", err)
	}
	if err := s.HandleIdleState(ctx, 80*time.Second, base.Add(80*time.Second)); err != nil {
		t.Fatalf("sample: %v", err)
	}
	if got := enq.byStream(model.StreamIdleSession); len(got) != 0 {
		t.Fatalf("no session expected while still idle, got %d", len(got))
	}

	if err := s.HandleIdleState(ctx, 2*time.Second, base.Add(90*time.Second)); err != nil {
		t.Fatalf("sample: %v", err)
	}
	got := enq.byStream(model.StreamIdleSession)
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 idle session, got %d", len(got))
	}
	rec := decodeIdle(t, got[0])
	if !rec.StartAt.Equal(base) {
		t.Fatalf("expected retroactive start %v, got %v", base, rec.StartAt)
	}
	if !rec.EndAt.Equal(base.Add(90 * time.Second)) {
		t.Fatalf("unexpected end %v", rec.EndAt)
	}
	if !rec.EndAt.After(rec.StartAt) {
		t.Fatalf("end must be after start")
	}
}

func TestIdleSessionNotEmittedBelowThreshold(t *testing.T) {
	ctx := context.Background()
	enq := &memEnqueuer{}
	s := NewIdleSessionizer(enq, "dev-1", nil)

	for i := 0; i < 10; i++ {
		if err := s.HandleIdleState(ctx, 30*time.Second, base.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("sample: %v", err)
		}
	}
	if got := enq.byStream(model.StreamIdleSession); len(got) != 0 {
		t.Fatalf("expected no sessions below threshold, got %d", len(got))
	}
}

func TestIdleCloseActiveFlushesOpenPeriod(t *testing.T) {
	ctx := context.Background()
	enq := &memEnqueuer{}
	s := NewIdleSessionizer(enq, "dev-1", nil)
	s.now = func() time.Time { return base.Add(5 * time.Minute) }

	if err := s.HandleIdleState(ctx, 60*time.Second, base.Add(60*time.Second)); err != nil {
		t.Fatalf("sample: %v", err)
	}
	if err := s.CloseActive(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	got := enq.byStream(model.StreamIdleSession)
	if len(got) != 1 {
		t.Fatalf("expected flushed idle session, got %d", len(got))
	}
	rec := decodeIdle(t, got[0])
	if !rec.StartAt.Equal(base) || !rec.EndAt.Equal(base.Add(5*time.Minute)) {
		t.Fatalf("unexpected interval %v -> %v", rec.StartAt, rec.EndAt)
	}

	// Closing again is a no-op.
	if err := s.CloseActive(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if got := enq.byStream(model.StreamIdleSession); len(got) != 1 {
		t.Fatalf("second close must not emit, got %d", len(got))
	}
}

func TestAppSessionPerDistinctRun(t *testing.T) {
	ctx := context.Background()
	enq := &memEnqueuer{}
	s := NewAppSessionizer(enq, "dev-1", nil)

	samples := []struct {
		app string
		at  time.Time
	}{
		{"code", base},
		{"code", base.Add(5 * time.Second)},
		{"Code", base.Add(10 * time.Second)}, // same app, different case
		{"slack", base.Add(20 * time.Second)},
		{"code", base.Add(30 * time.Second)},
	}
	for _, sm := range samples {
		if err := s.HandleAppFocus(ctx, sm.app, "", sm.at); err != nil {
			t.Fatalf("focus %s: %v", sm.app, err)
		}
	}

	got := enq.byStream(model.StreamAppSession)
	if len(got) != 2 {
		t.Fatalf("expected 2 closed runs, got %d", len(got))
	}
	first := decodeApp(t, got[0])
	if first.AppName != "code" || !first.StartAt.Equal(base) || !first.EndAt.Equal(base.Add(20*time.Second)) {
		t.Fatalf("unexpected first session %+v", first)
	}
	second := decodeApp(t, got[1])
	if second.AppName != "slack" || !second.StartAt.Equal(base.Add(20*time.Second)) {
		t.Fatalf("unexpected second session %+v", second)
	}
	if first.EndAt.After(second.StartAt) {
		t.Fatalf("session boundaries overlap")
	}
}

func TestAppSessionTitleRefreshInPlace(t *testing.T) {
	ctx := context.Background()
	enq := &memEnqueuer{}
	s := NewAppSessionizer(enq, "dev-1", nil)

	if err := s.HandleAppFocus(ctx, "code", "main.go", base); err != nil {
		t.Fatalf("focus: %v", err)
	}
	if err := s.HandleAppFocus(ctx, "code", "other.go", base.Add(5*time.Second)); err != nil {
		t.Fatalf("focus: %v", err)
	}
	if err := s.HandleAppFocus(ctx, "code", "", base.Add(10*time.Second)); err != nil {
		t.Fatalf("focus: %v", err)
	}
	if err := s.HandleAppFocus(ctx, "slack", "", base.Add(15*time.Second)); err != nil {
		t.Fatalf("focus: %v", err)
	}

	got := enq.byStream(model.StreamAppSession)
	if len(got) != 1 {
		t.Fatalf("expected 1 closed session, got %d", len(got))
	}
	rec := decodeApp(t, got[0])
	// Latest non-empty title wins; the empty refresh does not erase it.
	if rec.WindowTitle != "other.go" {
		t.Fatalf("expected title other.go, got %q", rec.WindowTitle)
	}
}

func TestAppSessionSubSecondRunDiscarded(t *testing.T) {
	ctx := context.Background()
	enq := &memEnqueuer{}
	s := NewAppSessionizer(enq, "dev-1", nil)

	if err := s.HandleAppFocus(ctx, "flash", "", base); err != nil {
		t.Fatalf("focus: %v", err)
	}
	if err := s.HandleAppFocus(ctx, "code", "", base.Add(200*time.Millisecond)); err != nil {
		t.Fatalf("focus: %v", err)
	}
	if got := enq.byStream(model.StreamAppSession); len(got) != 0 {
		t.Fatalf("expected sub-second run to be discarded, got %d", len(got))
	}
}

func TestAppSessionClockSkewClamped(t *testing.T) {
	ctx := context.Background()
	enq := &memEnqueuer{}
	s := NewAppSessionizer(enq, "dev-1", nil)
	wall := base.Add(time.Hour)
	s.now = func() time.Time { return wall }

	if err := s.HandleAppFocus(ctx, "code", "", base); err != nil {
		t.Fatalf("focus: %v", err)
	}
	// A sample stamped before the open session's start must not produce a
	// negative interval.
	if err := s.HandleAppFocus(ctx, "slack", "", base.Add(-time.Minute)); err != nil {
		t.Fatalf("focus: %v", err)
	}

	got := enq.byStream(model.StreamAppSession)
	if len(got) != 1 {
		t.Fatalf("expected 1 session, got %d", len(got))
	}
	rec := decodeApp(t, got[0])
	if !rec.EndAt.Equal(wall) {
		t.Fatalf("expected clamped end %v, got %v", wall, rec.EndAt)
	}
}

func TestAppCloseActiveFlushes(t *testing.T) {
	ctx := context.Background()
	enq := &memEnqueuer{}
	s := NewAppSessionizer(enq, "dev-1", nil)
	s.now = func() time.Time { return base.Add(time.Minute) }

	if err := s.HandleAppFocus(ctx, "code", "main.go", base); err != nil {
		t.Fatalf("focus: %v", err)
	}
	if err := s.CloseActive(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	got := enq.byStream(model.StreamAppSession)
	if len(got) != 1 {
		t.Fatalf("expected flushed session, got %d", len(got))
	}
	rec := decodeApp(t, got[0])
	if rec.AppName != "code" || !rec.EndAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func webEvent(id, domain, url string, at time.Time) model.WebEvent {
	return model.WebEvent{EventID: id, Domain: domain, URL: url, Title: domain, Timestamp: at, Browser: "chrome"}
}

// driveActive brings the sessionizer into a browsing-active state at base:
// user recently active, browser learned via correlation, and a tab present.
func driveActive(t *testing.T, ctx context.Context, s *WebSessionizer) {
	t.Helper()
	if err := s.HandleIdleState(ctx, time.Second, base); err != nil {
		t.Fatalf("idle sample: %v", err)
	}
	if err := s.HandleAppFocus(ctx, "chrome.exe", base); err != nil {
		t.Fatalf("app focus: %v", err)
	}
	if err := s.HandleEvent(ctx, webEvent("e1", "example.com", "https://example.com/a", base.Add(time.Second))); err != nil {
		t.Fatalf("web event: %v", err)
	}
}

func TestWebRawEventsAlwaysEnqueued(t *testing.T) {
	ctx := context.Background()
	enq := &memEnqueuer{}
	s := NewWebSessionizer(enq, "dev-1", nil)

	// No foreground app, no user activity: no session forms, but the raw
	// event is still durable.
	if err := s.HandleEvent(ctx, webEvent("e1", "example.com", "https://example.com", base)); err != nil {
		t.Fatalf("web event: %v", err)
	}
	if got := enq.byStream(model.StreamWebEvent); len(got) != 1 {
		t.Fatalf("expected raw event enqueued, got %d", len(got))
	}
	if got := enq.byStream(model.StreamWebSession); len(got) != 0 {
		t.Fatalf("expected no session, got %d", len(got))
	}
}

func TestWebSessionOpensWhenAllSignalsActive(t *testing.T) {
	ctx := context.Background()
	enq := &memEnqueuer{}
	s := NewWebSessionizer(enq, "dev-1", nil)

	driveActive(t, ctx, s)
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active == nil {
		t.Fatalf("expected an open session")
	}
	if active.domain != "example.com" {
		t.Fatalf("unexpected domain %q", active.domain)
	}
}

func TestWebCorrelationLearnsAppFocusThenTabReport(t *testing.T) {
	ctx := context.Background()
	enq := &memEnqueuer{}
	s := NewWebSessionizer(enq, "dev-1", nil)

	if err := s.HandleAppFocus(ctx, "firefox.exe", base); err != nil {
		t.Fatalf("app focus: %v", err)
	}
	if err := s.HandleEvent(ctx, webEvent("e1", "example.com", "https://example.com", base.Add(2*time.Second))); err != nil {
		t.Fatalf("web event: %v", err)
	}

	s.mu.Lock()
	_, known := s.knownBrowserApps["firefox.exe"]
	s.mu.Unlock()
	if !known {
		t.Fatalf("expected firefox.exe learned as browser")
	}
}

func TestWebCorrelationLearnsTabReportThenAppFocus(t *testing.T) {
	ctx := context.Background()
	enq := &memEnqueuer{}
	s := NewWebSessionizer(enq, "dev-1", nil)

	if err := s.HandleEvent(ctx, webEvent("e1", "example.com", "https://example.com", base)); err != nil {
		t.Fatalf("web event: %v", err)
	}
	if err := s.HandleAppFocus(ctx, "Brave.exe", base.Add(2*time.Second)); err != nil {
		t.Fatalf("app focus: %v", err)
	}

	s.mu.Lock()
	_, known := s.knownBrowserApps["brave.exe"]
	s.mu.Unlock()
	if !known {
		t.Fatalf("expected brave.exe learned as browser")
	}
}

func TestWebCorrelationOutsideGraceNotLearned(t *testing.T) {
	ctx := context.Background()
	enq := &memEnqueuer{}
	s := NewWebSessionizer(enq, "dev-1", nil)

	if err := s.HandleAppFocus(ctx, "word.exe", base); err != nil {
		t.Fatalf("app focus: %v", err)
	}
	if err := s.HandleEvent(ctx, webEvent("e1", "example.com", "https://example.com", base.Add(10*time.Second))); err != nil {
		t.Fatalf("web event: %v", err)
	}

	s.mu.Lock()
	_, known := s.knownBrowserApps["word.exe"]
	s.mu.Unlock()
	if known {
		t.Fatalf("word.exe must not be learned outside grace")
	}
}

func TestWebPageChangeClosesAndReopens(t *testing.T) {
	ctx := context.Background()
	enq := &memEnqueuer{}
	s := NewWebSessionizer(enq, "dev-1", nil)

	driveActive(t, ctx, s)
	// Keep signals fresh, switch pages 2s later.
	later := base.Add(3 * time.Second)
	if err := s.HandleIdleState(ctx, time.Second, later); err != nil {
		t.Fatalf("idle sample: %v", err)
	}
	if err := s.HandleAppFocus(ctx, "chrome.exe", later); err != nil {
		t.Fatalf("app focus: %v", err)
	}
	if err := s.HandleEvent(ctx, webEvent("e2", "other.com", "https://other.com/b", later)); err != nil {
		t.Fatalf("web event: %v", err)
	}

	got := enq.byStream(model.StreamWebSession)
	if len(got) != 1 {
		t.Fatalf("expected 1 closed session, got %d", len(got))
	}
	rec := decodeWeb(t, got[0])
	if rec.Domain != "example.com" {
		t.Fatalf("unexpected closed domain %q", rec.Domain)
	}
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active == nil || active.domain != "other.com" {
		t.Fatalf("expected new session on other.com")
	}
}

func TestWebIdleClosesAtEarliestStalenessMarker(t *testing.T) {
	ctx := context.Background()
	enq := &memEnqueuer{}
	s := NewWebSessionizer(enq, "dev-1", nil)

	driveActive(t, ctx, s)
	// Refresh both signals after the session opened so the staleness
	// markers land inside the session.
	fresh := base.Add(2 * time.Second)
	if err := s.HandleIdleState(ctx, time.Second, fresh); err != nil {
		t.Fatalf("idle sample: %v", err)
	}
	if err := s.HandleAppFocus(ctx, "chrome.exe", fresh); err != nil {
		t.Fatalf("app focus: %v", err)
	}
	// User goes idle; sample arrives 90s later.
	idleAt := base.Add(90 * time.Second)
	if err := s.HandleIdleState(ctx, 89*time.Second, idleAt); err != nil {
		t.Fatalf("idle sample: %v", err)
	}

	got := enq.byStream(model.StreamWebSession)
	if len(got) != 1 {
		t.Fatalf("expected closed session, got %d", len(got))
	}
	rec := decodeWeb(t, got[0])
	// End snaps back to the earliest staleness marker, not the close time.
	if !rec.EndAt.Before(idleAt) {
		t.Fatalf("expected end before %v, got %v", idleAt, rec.EndAt)
	}
	if !rec.EndAt.After(rec.StartAt) {
		t.Fatalf("end must be after start")
	}
}

func TestWebSubSecondSessionDiscarded(t *testing.T) {
	ctx := context.Background()
	enq := &memEnqueuer{}
	s := NewWebSessionizer(enq, "dev-1", nil)

	driveActive(t, ctx, s)
	// Page change 300ms after the session opened.
	blip := base.Add(1300 * time.Millisecond)
	if err := s.HandleEvent(ctx, webEvent("e2", "blip.com", "https://blip.com", blip)); err != nil {
		t.Fatalf("web event: %v", err)
	}
	if got := enq.byStream(model.StreamWebSession); len(got) != 0 {
		t.Fatalf("expected sub-second session discarded, got %d", len(got))
	}
}

func TestWebCloseActiveFlushes(t *testing.T) {
	ctx := context.Background()
	enq := &memEnqueuer{}
	s := NewWebSessionizer(enq, "dev-1", nil)
	s.now = func() time.Time { return base.Add(time.Minute) }

	driveActive(t, ctx, s)
	if err := s.CloseActive(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	got := enq.byStream(model.StreamWebSession)
	if len(got) != 1 {
		t.Fatalf("expected flushed session, got %d", len(got))
	}
	rec := decodeWeb(t, got[0])
	if rec.Domain != "example.com" || !rec.EndAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("unexpected record %+v", rec)
	}
}
