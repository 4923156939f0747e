// Package ingestd is the central ingestion server: idempotent batch intake
// plus a small device registry.
package ingestd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tracklet/tracklet/internal/model"
)

var ErrNotFound = errors.New("not found")

// InsertChunkSize bounds how many rows go into one INSERT statement.
const InsertChunkSize = 500

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
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
	return &Store{db: db}, nil
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

// UpsertDeviceSeen registers the device on first contact and bumps
// last_seen_at after that. Hostname and agent version are only overwritten
// when non-empty.
func (s *Store) UpsertDeviceSeen(ctx context.Context, deviceID, hostname, agentVersion string, lastSeenAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO devices(id, hostname, agent_version, last_seen_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	last_seen_at=excluded.last_seen_at,
	hostname=CASE WHEN excluded.hostname != '' THEN excluded.hostname ELSE devices.hostname END,
	agent_version=CASE WHEN excluded.agent_version != '' THEN excluded.agent_version ELSE devices.agent_version END
`, deviceID, hostname, agentVersion, ts(lastSeenAt))
	if err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}
	return nil
}

// UpdateDevice patches the review metadata. seen=true stamps
// last_reviewed_at now, seen=false clears it, nil leaves it alone.
func (s *Store) UpdateDevice(ctx context.Context, deviceID string, displayName *string, seen *bool) error {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM devices WHERE id = ?`, deviceID).Scan(&exists)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check device: %w", err)
	}

	if displayName != nil {
		name := strings.TrimSpace(*displayName)
		if _, err := s.db.ExecContext(ctx, `UPDATE devices SET display_name = ? WHERE id = ?`, nullIfEmpty(name), deviceID); err != nil {
			return fmt.Errorf("update display name: %w", err)
		}
	}
	if seen != nil {
		var reviewedAt any
		if *seen {
			reviewedAt = ts(time.Now().UTC())
		}
		if _, err := s.db.ExecContext(ctx, `UPDATE devices SET last_reviewed_at = ? WHERE id = ?`, reviewedAt, deviceID); err != nil {
			return fmt.Errorf("update reviewed at: %w", err)
		}
	}
	return nil
}

// ListDevices returns all devices, most recently seen first.
func (s *Store) ListDevices(ctx context.Context) ([]model.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, COALESCE(hostname, ''), COALESCE(display_name, ''), last_seen_at, last_reviewed_at
FROM devices
ORDER BY last_seen_at DESC
`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []model.Device
	for rows.Next() {
		var (
			d          model.Device
			lastSeen   string
			reviewedAt sql.NullString
		)
		if err := rows.Scan(&d.ID, &d.Hostname, &d.DisplayName, &lastSeen, &reviewedAt); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		if d.LastSeenAt, err = parseTS(lastSeen); err != nil {
			return nil, fmt.Errorf("parse last_seen_at: %w", err)
		}
		if reviewedAt.Valid {
			t, err := parseTS(reviewedAt.String)
			if err != nil {
				return nil, fmt.Errorf("parse last_reviewed_at: %w", err)
			}
			d.LastReviewedAt = &t
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// Cursor returns the stored high-water mark, or nil if the device/stream
// pair has never been seen.
func (s *Store) Cursor(ctx context.Context, deviceID, stream string) (*model.IngestCursor, error) {
	var (
		c      model.IngestCursor
		sentAt string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT device_id, stream, last_sequence, last_batch_id, last_sent_at
FROM ingest_cursors WHERE device_id = ? AND stream = ?
`, deviceID, stream).Scan(&c.DeviceID, &c.Stream, &c.LastSequence, &c.LastBatchID, &sentAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cursor: %w", err)
	}
	if c.LastSentAt, err = parseTS(sentAt); err != nil {
		return nil, fmt.Errorf("parse last_sent_at: %w", err)
	}
	return &c, nil
}

// AdvanceCursor moves the high-water mark forward. A stored sequence that
// is already >= seq is left untouched.
func (s *Store) AdvanceCursor(ctx context.Context, deviceID, stream string, seq int64, batchID string, sentAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO ingest_cursors(device_id, stream, last_sequence, last_batch_id, last_sent_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(device_id, stream) DO UPDATE SET
	last_sequence=excluded.last_sequence,
	last_batch_id=excluded.last_batch_id,
	last_sent_at=excluded.last_sent_at
WHERE excluded.last_sequence > ingest_cursors.last_sequence
`, deviceID, stream, seq, batchID, ts(sentAt))
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}

// InsertAppSessions bulk-inserts rows, ignoring session_id conflicts, and
// returns how many actually landed.
func (s *Store) InsertAppSessions(ctx context.Context, deviceID string, rows []model.AppSessionRecord) (int, error) {
	return s.insertChunked(ctx, len(rows), func(lo, hi int) (sql.Result, error) {
		q := strings.Builder{}
		q.WriteString(`INSERT OR IGNORE INTO app_sessions(session_id, device_id, process_name, window_title, start_at, end_at) VALUES `)
		args := make([]any, 0, (hi-lo)*6)
		for i := lo; i < hi; i++ {
			if i > lo {
				q.WriteString(",")
			}
			q.WriteString("(?, ?, ?, ?, ?, ?)")
			r := rows[i]
			args = append(args, r.SessionID, deviceID, r.AppName, nullIfEmpty(r.WindowTitle), ts(r.StartAt), ts(r.EndAt))
		}
		return s.db.ExecContext(ctx, q.String(), args...)
	})
}

func (s *Store) InsertIdleSessions(ctx context.Context, deviceID string, rows []model.IdleSessionRecord) (int, error) {
	return s.insertChunked(ctx, len(rows), func(lo, hi int) (sql.Result, error) {
		q := strings.Builder{}
		q.WriteString(`INSERT OR IGNORE INTO idle_sessions(session_id, device_id, start_at, end_at) VALUES `)
		args := make([]any, 0, (hi-lo)*4)
		for i := lo; i < hi; i++ {
			if i > lo {
				q.WriteString(",")
			}
			q.WriteString("(?, ?, ?, ?)")
			r := rows[i]
			args = append(args, r.SessionID, deviceID, ts(r.StartAt), ts(r.EndAt))
		}
		return s.db.ExecContext(ctx, q.String(), args...)
	})
}

func (s *Store) InsertWebSessions(ctx context.Context, deviceID string, rows []model.WebSessionRecord) (int, error) {
	return s.insertChunked(ctx, len(rows), func(lo, hi int) (sql.Result, error) {
		q := strings.Builder{}
		q.WriteString(`INSERT OR IGNORE INTO web_sessions(session_id, device_id, domain, title, url, browser, start_at, end_at) VALUES `)
		args := make([]any, 0, (hi-lo)*8)
		for i := lo; i < hi; i++ {
			if i > lo {
				q.WriteString(",")
			}
			q.WriteString("(?, ?, ?, ?, ?, ?, ?, ?)")
			r := rows[i]
			args = append(args, r.SessionID, deviceID, r.Domain, nullIfEmpty(r.Title), nullIfEmpty(r.URL), nullIfEmpty(r.Browser), ts(r.StartAt), ts(r.EndAt))
		}
		return s.db.ExecContext(ctx, q.String(), args...)
	})
}

func (s *Store) InsertWebEvents(ctx context.Context, deviceID string, rows []model.WebEvent, receivedAt time.Time) (int, error) {
	received := ts(receivedAt)
	return s.insertChunked(ctx, len(rows), func(lo, hi int) (sql.Result, error) {
		q := strings.Builder{}
		q.WriteString(`INSERT OR IGNORE INTO web_events(event_id, device_id, domain, title, url, timestamp, browser, received_at) VALUES `)
		args := make([]any, 0, (hi-lo)*8)
		for i := lo; i < hi; i++ {
			if i > lo {
				q.WriteString(",")
			}
			q.WriteString("(?, ?, ?, ?, ?, ?, ?, ?)")
			r := rows[i]
			args = append(args, r.EventID, deviceID, r.Domain, nullIfEmpty(r.Title), nullIfEmpty(r.URL), ts(r.Timestamp), nullIfEmpty(r.Browser), received)
		}
		return s.db.ExecContext(ctx, q.String(), args...)
	})
}

func (s *Store) insertChunked(ctx context.Context, total int, exec func(lo, hi int) (sql.Result, error)) (int, error) {
	if total == 0 {
		return 0, nil
	}
	inserted := 0
	for lo := 0; lo < total; lo += InsertChunkSize {
		hi := lo + InsertChunkSize
		if hi > total {
			hi = total
		}
		res, err := exec(lo, hi)
		if err != nil {
			return inserted, fmt.Errorf("insert chunk: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return inserted, fmt.Errorf("rows affected: %w", err)
		}
		inserted += int(n)
	}
	return inserted, nil
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// tsLayout is fixed-width so lexical order on stored timestamps matches
// chronological order (ListDevices sorts on last_seen_at as text).
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
