package outbox

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tracklet/tracklet/internal/model"
)

func openForTest(t *testing.T, opts Options) *Store {
	t.Helper()
	ctx := context.Background()
	store, err := Open(ctx, filepath.Join(t.TempDir(), "outbox.db"), opts)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() }) //nolint:errcheck
	if err := ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store
}

func TestEnqueueAndLeaseOrdering(t *testing.T) {
	ctx := context.Background()
	store := openForTest(t, Options{})

	for _, payload := range []string{"a", "b", "c"} {
		if err := store.Enqueue(ctx, model.StreamAppSession, payload); err != nil {
			t.Fatalf("enqueue %q: %v", payload, err)
		}
	}
	if err := store.Enqueue(ctx, model.StreamWebEvent, "other-stream"); err != nil {
		t.Fatalf("enqueue web event: %v", err)
	}

	items, err := store.LeaseBatch(ctx, model.StreamAppSession, 2, "holder-1")
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 leased items, got %d", len(items))
	}
	if items[0].Payload != "a" || items[1].Payload != "b" {
		t.Fatalf("expected id-ordered lease, got %q then %q", items[0].Payload, items[1].Payload)
	}
	for _, item := range items {
		if item.LockedBy == nil || *item.LockedBy != "holder-1" {
			t.Fatalf("item %d not marked with lease holder", item.ID)
		}
		if item.LockedUntil == nil || !item.LockedUntil.After(time.Now().UTC().Add(-time.Second)) {
			t.Fatalf("item %d missing lease expiry", item.ID)
		}
	}
}

func TestLeasedItemsNotVisibleToSecondHolder(t *testing.T) {
	ctx := context.Background()
	store := openForTest(t, Options{})

	if err := store.Enqueue(ctx, model.StreamIdleSession, "only"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	first, err := store.LeaseBatch(ctx, model.StreamIdleSession, 10, "holder-1")
	if err != nil {
		t.Fatalf("first lease: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("expected 1 item, got %d", len(first))
	}

	second, err := store.LeaseBatch(ctx, model.StreamIdleSession, 10, "holder-2")
	if err != nil {
		t.Fatalf("second lease: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("expected locked item to be invisible, got %d items", len(second))
	}
}

func TestExpiredLeaseBecomesDueAgain(t *testing.T) {
	ctx := context.Background()
	store := openForTest(t, Options{Lease: 50 * time.Millisecond})

	if err := store.Enqueue(ctx, model.StreamWebSession, "crashy"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.LeaseBatch(ctx, model.StreamWebSession, 1, "crashed-holder"); err != nil {
		t.Fatalf("first lease: %v", err)
	}

	// Simulate a holder that died without delete or abandon.
	store.now = func() time.Time { return time.Now().UTC().Add(time.Second) }

	items, err := store.LeaseBatch(ctx, model.StreamWebSession, 1, "holder-2")
	if err != nil {
		t.Fatalf("re-lease: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected expired lease to be re-leasable, got %d items", len(items))
	}
	if items[0].Payload != "crashy" {
		t.Fatalf("unexpected payload %q", items[0].Payload)
	}
}

func TestDeleteRemovesItems(t *testing.T) {
	ctx := context.Background()
	store := openForTest(t, Options{})

	if err := store.Enqueue(ctx, model.StreamAppSession, "done"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	items, err := store.LeaseBatch(ctx, model.StreamAppSession, 1, "holder")
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if err := store.Delete(ctx, []int64{items[0].ID}); err != nil {
		t.Fatalf("delete: %v", err)
	}

	counts, err := store.PendingByStream(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if counts[string(model.StreamAppSession)] != 0 {
		t.Fatalf("expected empty outbox, got %v", counts)
	}
}

func TestAbandonIncrementsAttemptsAndBacksOff(t *testing.T) {
	ctx := context.Background()
	store := openForTest(t, Options{MaxBackoff: 300 * time.Second})

	if err := store.Enqueue(ctx, model.StreamWebEvent, "flaky"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	items, err := store.LeaseBatch(ctx, model.StreamWebEvent, 1, "holder")
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	before := time.Now().UTC()
	if err := store.Abandon(ctx, []int64{items[0].ID}); err != nil {
		t.Fatalf("abandon: %v", err)
	}

	// Not due yet, so a lease attempt returns nothing.
	again, err := store.LeaseBatch(ctx, model.StreamWebEvent, 1, "holder")
	if err != nil {
		t.Fatalf("lease after abandon: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected backed-off item to be not due, got %d items", len(again))
	}

	var attempts int
	var nextText string
	err = store.DB().QueryRowContext(ctx, `SELECT attempt_count, next_attempt_at FROM outbox WHERE id = ?`, items[0].ID).Scan(&attempts, &nextText)
	if err != nil {
		t.Fatalf("read row: %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected attempt_count 1, got %d", attempts)
	}
	next, err := parseTS(nextText)
	if err != nil {
		t.Fatalf("parse next_attempt_at: %v", err)
	}
	// First abandon: 2^1 seconds base plus up to 3s jitter.
	if next.Before(before.Add(2*time.Second)) || next.After(before.Add(6*time.Second)) {
		t.Fatalf("next_attempt_at %v outside backoff window from %v", next, before)
	}
}

func TestBackoffIsCapped(t *testing.T) {
	store := openForTest(t, Options{MaxBackoff: 300 * time.Second})
	for _, attempts := range []int{1, 5, 10, 30, 34, 64, 1000} {
		d := store.backoff(attempts)
		if d < 0 || d > 303*time.Second {
			t.Fatalf("backoff(%d) = %v outside cap+jitter", attempts, d)
		}
	}
	for _, attempts := range []int{30, 34, 64} {
		if d := store.backoff(attempts); d < 300*time.Second {
			t.Fatalf("backoff(%d) = %v should hit the cap", attempts, d)
		}
	}
}

func TestRepeatedAbandonDeltasGrowToCap(t *testing.T) {
	ctx := context.Background()
	store := openForTest(t, Options{MaxBackoff: 300 * time.Second})
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	if err := store.Enqueue(ctx, model.StreamAppSession, "flaky"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	var id int64
	if err := store.DB().QueryRowContext(ctx, `SELECT id FROM outbox`).Scan(&id); err != nil {
		t.Fatalf("read id: %v", err)
	}

	for n := 1; n <= 12; n++ {
		if err := store.Abandon(ctx, []int64{id}); err != nil {
			t.Fatalf("abandon %d: %v", n, err)
		}
		var (
			attempts int
			nextText string
		)
		if err := store.DB().QueryRowContext(ctx, `SELECT attempt_count, next_attempt_at FROM outbox WHERE id = ?`, id).Scan(&attempts, &nextText); err != nil {
			t.Fatalf("read row after abandon %d: %v", n, err)
		}
		if attempts != n {
			t.Fatalf("expected attempt_count %d, got %d", n, attempts)
		}
		next, err := parseTS(nextText)
		if err != nil {
			t.Fatalf("parse next_attempt_at: %v", err)
		}
		base := time.Duration(1<<uint(n)) * time.Second
		if base > 300*time.Second {
			base = 300 * time.Second
		}
		delta := next.Sub(now)
		if delta < base || delta > base+3*time.Second {
			t.Fatalf("attempt %d: delta %v outside [%v, %v]", n, delta, base, base+3*time.Second)
		}
	}
}

func TestAbandonAfterLongOutageStaysCapped(t *testing.T) {
	ctx := context.Background()
	store := openForTest(t, Options{MaxBackoff: 300 * time.Second})
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	if err := store.Enqueue(ctx, model.StreamWebEvent, "flaky"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	var id int64
	if err := store.DB().QueryRowContext(ctx, `SELECT id FROM outbox`).Scan(&id); err != nil {
		t.Fatalf("read id: %v", err)
	}
	// Hours of failed sends push the attempt count past the point where
	// 2^attempts seconds no longer fits in a Duration.
	if _, err := store.DB().ExecContext(ctx, `UPDATE outbox SET attempt_count = 33 WHERE id = ?`, id); err != nil {
		t.Fatalf("seed attempt count: %v", err)
	}

	if err := store.Abandon(ctx, []int64{id}); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	var nextText string
	if err := store.DB().QueryRowContext(ctx, `SELECT next_attempt_at FROM outbox WHERE id = ?`, id).Scan(&nextText); err != nil {
		t.Fatalf("read row: %v", err)
	}
	next, err := parseTS(nextText)
	if err != nil {
		t.Fatalf("parse next_attempt_at: %v", err)
	}
	delta := next.Sub(now)
	if delta < 300*time.Second || delta > 303*time.Second {
		t.Fatalf("delta %v outside capped window [300s, 303s]", delta)
	}

	items, err := store.LeaseBatch(ctx, model.StreamWebEvent, 1, "holder")
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("rescheduled item must not be immediately due, got %d items", len(items))
	}
}

func TestTimestampEncodingOrdersLexically(t *testing.T) {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	a := base.Add(120 * time.Millisecond)
	b := base.Add(123 * time.Millisecond)
	if ts(a) >= ts(b) {
		t.Fatalf("ts(%v)=%q not lexically before ts(%v)=%q", a, ts(a), b, ts(b))
	}
	for _, v := range []time.Time{base, a, b} {
		parsed, err := parseTS(ts(v))
		if err != nil {
			t.Fatalf("round trip of %v: %v", v, err)
		}
		if !parsed.Equal(v) {
			t.Fatalf("round trip of %v gave %v", v, parsed)
		}
	}
}

func TestNextSequenceIsMonotonic(t *testing.T) {
	ctx := context.Background()
	store := openForTest(t, Options{})

	var last int64
	for i := 0; i < 5; i++ {
		seq, err := store.NextSequence(ctx)
		if err != nil {
			t.Fatalf("next sequence: %v", err)
		}
		if seq <= last {
			t.Fatalf("sequence went backwards: %d after %d", seq, last)
		}
		last = seq
	}
}

func TestPendingByStreamCounts(t *testing.T) {
	ctx := context.Background()
	store := openForTest(t, Options{})

	for i := 0; i < 3; i++ {
		if err := store.Enqueue(ctx, model.StreamWebEvent, "e"); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if err := store.Enqueue(ctx, model.StreamIdleSession, "i"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	counts, err := store.PendingByStream(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if counts[string(model.StreamWebEvent)] != 3 || counts[string(model.StreamIdleSession)] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func TestEnqueueRejectsUnknownStream(t *testing.T) {
	ctx := context.Background()
	store := openForTest(t, Options{})
	if err := store.Enqueue(ctx, model.Stream("bogus"), "x"); err == nil {
		t.Fatalf("expected unknown stream rejection")
	}
}
