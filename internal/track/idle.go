package track

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tracklet/tracklet/internal/model"
)

// IdleThreshold is the idle duration at or above which the user counts as
// idle.
const IdleThreshold = 60 * time.Second

// IdleSessionizer emits one idle session per contiguous idle period. The
// session start is inferred retroactively: when the threshold is first
// crossed, the idle period already began idleDuration ago.
type IdleSessionizer struct {
	enq      Enqueuer
	deviceID string
	log      *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	idle      bool
	idleStart time.Time
}

func NewIdleSessionizer(enq Enqueuer, deviceID string, log *slog.Logger) *IdleSessionizer {
	if log == nil {
		log = slog.Default()
	}
	return &IdleSessionizer{enq: enq, deviceID: deviceID, log: log, now: time.Now}
}

// HandleIdleState processes one idle sample.
func (s *IdleSessionizer) HandleIdleState(ctx context.Context, idleDuration time.Duration, timestamp time.Time) error {
	var record *model.IdleSessionRecord

	s.mu.Lock()
	idleNow := idleDuration >= IdleThreshold
	switch {
	case !s.idle && idleNow:
		s.idleStart = timestamp.Add(-idleDuration)
		s.idle = true
		s.log.Info("idle start", "start", s.idleStart)
	case s.idle && !idleNow:
		start := s.idleStart
		if start.IsZero() {
			start = timestamp.Add(-IdleThreshold)
		}
		record = &model.IdleSessionRecord{
			SessionID: uuid.NewString(),
			DeviceID:  s.deviceID,
			StartAt:   start,
			EndAt:     timestamp,
		}
		s.idle = false
		s.idleStart = time.Time{}
	}
	s.mu.Unlock()

	if record == nil {
		return nil
	}
	if err := enqueueJSON(ctx, s.enq, model.StreamIdleSession, record); err != nil {
		return err
	}
	s.log.Info("idle end", "start", record.StartAt, "end", record.EndAt, "secs", record.EndAt.Sub(record.StartAt).Seconds())
	return nil
}

// CloseActive finalizes an open idle period, ending it now.
func (s *IdleSessionizer) CloseActive(ctx context.Context) error {
	var record *model.IdleSessionRecord

	s.mu.Lock()
	if s.idle && !s.idleStart.IsZero() {
		record = &model.IdleSessionRecord{
			SessionID: uuid.NewString(),
			DeviceID:  s.deviceID,
			StartAt:   s.idleStart,
			EndAt:     s.now().UTC(),
		}
		s.idle = false
		s.idleStart = time.Time{}
	}
	s.mu.Unlock()

	if record == nil {
		return nil
	}
	return enqueueJSON(ctx, s.enq, model.StreamIdleSession, record)
}
