package sender

import (
	"sync/atomic"
	"time"
)

// State publishes the last successful flush time for the diagnostics
// surface.
type State struct {
	lastFlushUnixMs atomic.Int64
}

func (s *State) MarkFlushed(at time.Time) {
	s.lastFlushUnixMs.Store(at.UnixMilli())
}

// LastFlushAt returns nil until the first successful flush.
func (s *State) LastFlushAt() *time.Time {
	ms := s.lastFlushUnixMs.Load()
	if ms == 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}
