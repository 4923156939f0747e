package track

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tracklet/tracklet/internal/model"
)

// MinSessionDuration is the debounce below which a closed session is
// discarded instead of enqueued.
const MinSessionDuration = time.Second

type activeAppSession struct {
	appName     string
	windowTitle string
	startAt     time.Time
	lastSeenAt  time.Time
}

// AppSessionizer tracks the foreground application and emits one session per
// contiguous run of the same app. App identity is case-insensitive.
type AppSessionizer struct {
	enq      Enqueuer
	deviceID string
	log      *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	active *activeAppSession
}

func NewAppSessionizer(enq Enqueuer, deviceID string, log *slog.Logger) *AppSessionizer {
	if log == nil {
		log = slog.Default()
	}
	return &AppSessionizer{enq: enq, deviceID: deviceID, log: log, now: time.Now}
}

// HandleAppFocus processes one foreground sample. A sample for the current
// app refreshes lastSeen (and the title when non-empty) in place; a sample
// for a different app closes the current session and opens a new one.
func (s *AppSessionizer) HandleAppFocus(ctx context.Context, appName, windowTitle string, timestamp time.Time) error {
	var record *model.AppSessionRecord

	s.mu.Lock()
	if s.active != nil && strings.EqualFold(s.active.appName, appName) {
		s.active.lastSeenAt = timestamp
		if strings.TrimSpace(windowTitle) != "" {
			s.active.windowTitle = windowTitle
		}
		s.mu.Unlock()
		return nil
	}
	if s.active != nil {
		end := timestamp
		if end.Before(s.active.startAt) {
			// Clock skew: never emit a negative interval.
			end = s.now().UTC()
		}
		record = &model.AppSessionRecord{
			SessionID:   uuid.NewString(),
			DeviceID:    s.deviceID,
			AppName:     s.active.appName,
			WindowTitle: s.active.windowTitle,
			StartAt:     s.active.startAt,
			EndAt:       end,
		}
	}
	s.active = &activeAppSession{
		appName:     appName,
		windowTitle: windowTitle,
		startAt:     timestamp,
		lastSeenAt:  timestamp,
	}
	s.mu.Unlock()

	s.log.Info("app start", "app", appName, "title", windowTitle, "start", timestamp)
	return s.enqueueClosed(ctx, record)
}

// CloseActive finalizes the open session, ending it now.
func (s *AppSessionizer) CloseActive(ctx context.Context) error {
	var record *model.AppSessionRecord

	s.mu.Lock()
	if s.active != nil {
		record = &model.AppSessionRecord{
			SessionID:   uuid.NewString(),
			DeviceID:    s.deviceID,
			AppName:     s.active.appName,
			WindowTitle: s.active.windowTitle,
			StartAt:     s.active.startAt,
			EndAt:       s.now().UTC(),
		}
		s.active = nil
	}
	s.mu.Unlock()

	return s.enqueueClosed(ctx, record)
}

func (s *AppSessionizer) enqueueClosed(ctx context.Context, record *model.AppSessionRecord) error {
	if record == nil {
		return nil
	}
	if record.EndAt.Sub(record.StartAt) < MinSessionDuration {
		return nil
	}
	if err := enqueueJSON(ctx, s.enq, model.StreamAppSession, record); err != nil {
		return err
	}
	s.log.Info("app end", "app", record.AppName, "start", record.StartAt, "end", record.EndAt, "secs", record.EndAt.Sub(record.StartAt).Seconds())
	return nil
}
