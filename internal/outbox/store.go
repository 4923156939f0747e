// Package outbox is the agent's durable queue of undelivered records.
//
// Items are appended by the sessionizers, leased in batches by the sender,
// and removed only after a confirmed remote acknowledgment. A lease that is
// never resolved expires on its own and the items become due again, so a
// crashed sender loses nothing.
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tracklet/tracklet/internal/model"
)

var ErrNotFound = errors.New("not found")

type Options struct {
	Lease      time.Duration
	MaxBackoff time.Duration
}

type Store struct {
	db         *sql.DB
	lease      time.Duration
	maxBackoff time.Duration
	now        func() time.Time
}

func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	if opts.Lease <= 0 {
		opts.Lease = 60 * time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 300 * time.Second
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db, lease: opts.Lease, maxBackoff: opts.MaxBackoff, now: time.Now}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Enqueue durably appends one item. The item is immediately due.
func (s *Store) Enqueue(ctx context.Context, stream model.Stream, payload string) error {
	if !stream.Valid() {
		return fmt.Errorf("enqueue: unknown stream %q", stream)
	}
	now := ts(s.now())
	_, err := s.db.ExecContext(ctx, `
INSERT INTO outbox(stream, payload, created_at, next_attempt_at)
VALUES (?, ?, ?, ?)
`, string(stream), payload, now, now)
	if err != nil {
		return fmt.Errorf("enqueue outbox item: %w", err)
	}
	return nil
}

// LeaseBatch atomically selects up to limit unsent, unlocked-or-expired, due
// items of the stream in id order and locks them for the holder until
// now+lease. The select and the lock run in one transaction so two holders
// can never lease the same item.
func (s *Store) LeaseBatch(ctx context.Context, stream model.Stream, limit int, holder string) ([]model.OutboxItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin lease tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := s.now()
	rows, err := tx.QueryContext(ctx, `
SELECT id, stream, payload, created_at, attempt_count, next_attempt_at, locked_until, locked_by, sent_at
FROM outbox
WHERE stream = ?
  AND sent_at IS NULL
  AND (locked_until IS NULL OR locked_until < ?)
  AND next_attempt_at <= ?
ORDER BY id ASC
LIMIT ?
`, string(stream), ts(now), ts(now), limit)
	if err != nil {
		return nil, fmt.Errorf("select leaseable items: %w", err)
	}
	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, tx.Commit()
	}

	expiry := ts(now.Add(s.lease))
	ids := make([]int64, len(items))
	args := make([]any, 0, len(items)+2)
	args = append(args, expiry, holder)
	for i, item := range items {
		ids[i] = item.ID
		args = append(args, item.ID)
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE outbox SET locked_until = ?, locked_by = ?
WHERE id IN (`+placeholders(len(ids))+`)
`, args...); err != nil {
		return nil, fmt.Errorf("lock leased items: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit lease tx: %w", err)
	}

	lockedUntil := now.Add(s.lease)
	for i := range items {
		items[i].LockedUntil = &lockedUntil
		items[i].LockedBy = &holder
	}
	return items, nil
}

// Delete permanently removes acknowledged items.
func (s *Store) Delete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE id IN (`+placeholders(len(ids))+`)`, args...); err != nil {
		return fmt.Errorf("delete outbox items: %w", err)
	}
	return nil
}

// Abandon releases the lock on each item, increments its attempt count and
// reschedules it with capped exponential backoff plus up to 3s of jitter.
func (s *Store) Abandon(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin abandon tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, id := range ids {
		var attempts int
		err := tx.QueryRowContext(ctx, `SELECT attempt_count FROM outbox WHERE id = ?`, id).Scan(&attempts)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return fmt.Errorf("read attempt count for %d: %w", id, err)
		}
		attempts++
		next := s.now().Add(s.backoff(attempts))
		if _, err := tx.ExecContext(ctx, `
UPDATE outbox
SET locked_until = NULL, locked_by = NULL, attempt_count = ?, next_attempt_at = ?
WHERE id = ?
`, attempts, ts(next), id); err != nil {
			return fmt.Errorf("reschedule item %d: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit abandon tx: %w", err)
	}
	return nil
}

// NextSequence atomically increments and returns the global batch counter.
func (s *Store) NextSequence(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin sequence tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `UPDATE sequence SET value = value + 1 WHERE key = 'global'`); err != nil {
		return 0, fmt.Errorf("increment sequence: %w", err)
	}
	var value int64
	if err := tx.QueryRowContext(ctx, `SELECT value FROM sequence WHERE key = 'global'`).Scan(&value); err != nil {
		return 0, fmt.Errorf("read sequence: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit sequence tx: %w", err)
	}
	return value, nil
}

// PendingByStream counts unsent items per stream.
func (s *Store) PendingByStream(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT stream, COUNT(*) FROM outbox WHERE sent_at IS NULL GROUP BY stream
`)
	if err != nil {
		return nil, fmt.Errorf("count pending items: %w", err)
	}
	defer rows.Close()

	counts := map[string]int64{}
	for rows.Next() {
		var stream string
		var n int64
		if err := rows.Scan(&stream, &n); err != nil {
			return nil, fmt.Errorf("scan pending count: %w", err)
		}
		counts[stream] = n
	}
	return counts, rows.Err()
}

func (s *Store) backoff(attempts int) time.Duration {
	// Compare in float seconds before converting: 2^attempts nanoseconds
	// overflows a Duration past ~33 attempts.
	base := s.maxBackoff
	if secs := math.Pow(2, float64(attempts)); secs < s.maxBackoff.Seconds() {
		base = time.Duration(secs * float64(time.Second))
	}
	jitter := time.Duration(rand.Float64() * float64(3*time.Second))
	return base + jitter
}

func scanItems(rows *sql.Rows) ([]model.OutboxItem, error) {
	defer rows.Close()
	var items []model.OutboxItem
	for rows.Next() {
		var (
			item                              model.OutboxItem
			stream, createdAt, nextAttemptAt  string
			lockedUntil, lockedBy, sentAtText sql.NullString
		)
		if err := rows.Scan(&item.ID, &stream, &item.Payload, &createdAt, &item.AttemptCount, &nextAttemptAt, &lockedUntil, &lockedBy, &sentAtText); err != nil {
			return nil, fmt.Errorf("scan outbox item: %w", err)
		}
		item.Stream = model.Stream(stream)
		var err error
		if item.CreatedAt, err = parseTS(createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		if item.NextAttemptAt, err = parseTS(nextAttemptAt); err != nil {
			return nil, fmt.Errorf("parse next_attempt_at: %w", err)
		}
		if lockedUntil.Valid {
			t, err := parseTS(lockedUntil.String)
			if err != nil {
				return nil, fmt.Errorf("parse locked_until: %w", err)
			}
			item.LockedUntil = &t
		}
		if lockedBy.Valid {
			v := lockedBy.String
			item.LockedBy = &v
		}
		if sentAtText.Valid {
			t, err := parseTS(sentAtText.String)
			if err != nil {
				return nil, fmt.Errorf("parse sent_at: %w", err)
			}
			item.SentAt = &t
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// tsLayout is fixed-width so the lexical order of stored timestamps matches
// chronological order in the SQL comparisons.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
