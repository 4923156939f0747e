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

// ForegroundGrace is how recently the browser must have held focus for the
// page to count as active; IdleGrace is the same bound for user activity.
const (
	ForegroundGrace = 3 * time.Second
	IdleGrace       = 3 * time.Second
)

type currentTab struct {
	domain  string
	url     string
	title   string
	browser string
	seenAt  time.Time
}

type activeWebSession struct {
	deviceID string
	browser  string
	domain   string
	url      string
	title    string
	startAt  time.Time
	lastSeen time.Time
}

// WebSessionizer correlates three independent signals (tab reports from the
// browser extension, foreground app samples, idle samples) into active
// browsing sessions. Browser processes are not configured up front: an app
// that holds focus within grace of a tab report is learned as a browser.
type WebSessionizer struct {
	enq      Enqueuer
	deviceID string
	log      *slog.Logger
	now      func() time.Time

	mu                  sync.Mutex
	active              *activeWebSession
	tab                 *currentTab
	knownBrowserApps    map[string]struct{}
	lastBrowserActiveAt time.Time
	lastUserActiveAt    time.Time
	lastForegroundApp   string
	lastForegroundAppAt time.Time
	lastTabEventAt      time.Time
}

func NewWebSessionizer(enq Enqueuer, deviceID string, log *slog.Logger) *WebSessionizer {
	if log == nil {
		log = slog.Default()
	}
	return &WebSessionizer{
		enq:              enq,
		deviceID:         deviceID,
		log:              log,
		now:              time.Now,
		knownBrowserApps: map[string]struct{}{},
	}
}

// HandleEvent processes one raw tab report. The raw event is always
// enqueued verbatim before any session bookkeeping.
func (s *WebSessionizer) HandleEvent(ctx context.Context, evt model.WebEvent) error {
	if err := enqueueJSON(ctx, s.enq, model.StreamWebEvent, evt); err != nil {
		return err
	}

	ts := evt.Timestamp
	if ts.IsZero() {
		ts = s.now().UTC()
	}

	s.mu.Lock()
	if s.lastForegroundApp != "" && !s.lastForegroundAppAt.IsZero() && ts.Sub(s.lastForegroundAppAt) <= ForegroundGrace {
		s.knownBrowserApps[strings.ToLower(s.lastForegroundApp)] = struct{}{}
		s.lastBrowserActiveAt = s.lastForegroundAppAt
	}
	s.lastTabEventAt = ts

	browser := evt.Browser
	if strings.TrimSpace(browser) == "" {
		browser = "chromium"
	}
	s.tab = &currentTab{
		domain:  evt.Domain,
		url:     evt.URL,
		title:   evt.Title,
		browser: browser,
		seenAt:  ts,
	}
	toClose := s.evaluateLocked(ts)
	s.mu.Unlock()

	return s.enqueueClosed(ctx, toClose)
}

// HandleAppFocus processes one foreground sample. A focus sample that lands
// within grace of the last tab report also learns the app as a browser, so
// correlation works in either arrival order.
func (s *WebSessionizer) HandleAppFocus(ctx context.Context, appName string, timestamp time.Time) error {
	s.mu.Lock()
	s.lastForegroundApp = appName
	s.lastForegroundAppAt = timestamp

	if !s.lastTabEventAt.IsZero() && timestamp.Sub(s.lastTabEventAt) <= ForegroundGrace {
		s.knownBrowserApps[strings.ToLower(appName)] = struct{}{}
	}
	if _, ok := s.knownBrowserApps[strings.ToLower(appName)]; ok {
		s.lastBrowserActiveAt = timestamp
	}
	toClose := s.evaluateLocked(timestamp)
	s.mu.Unlock()

	return s.enqueueClosed(ctx, toClose)
}

// HandleIdleState processes one idle sample.
func (s *WebSessionizer) HandleIdleState(ctx context.Context, idleDuration time.Duration, timestamp time.Time) error {
	s.mu.Lock()
	if idleDuration < IdleThreshold {
		s.lastUserActiveAt = timestamp
	}
	toClose := s.evaluateLocked(timestamp)
	s.mu.Unlock()

	return s.enqueueClosed(ctx, toClose)
}

// CloseActive finalizes the open session, ending it now.
func (s *WebSessionizer) CloseActive(ctx context.Context) error {
	var toClose *model.WebSessionRecord

	s.mu.Lock()
	if s.active != nil {
		toClose = s.closeRecordLocked(s.now().UTC())
		s.active = nil
	}
	s.mu.Unlock()

	return s.enqueueClosed(ctx, toClose)
}

// evaluateLocked runs one state transition and returns a session to close,
// if any. Callers hold s.mu.
func (s *WebSessionizer) evaluateLocked(now time.Time) *model.WebSessionRecord {
	browserActive := !s.lastBrowserActiveAt.IsZero() && now.Sub(s.lastBrowserActiveAt) <= ForegroundGrace
	userActive := !s.lastUserActiveAt.IsZero() && now.Sub(s.lastUserActiveAt) <= IdleGrace
	hasTab := s.tab != nil && strings.TrimSpace(s.tab.url) != ""
	shouldBeActive := browserActive && userActive && hasTab

	if shouldBeActive {
		if s.active == nil {
			s.active = &activeWebSession{
				deviceID: s.deviceID,
				browser:  s.tab.browser,
				domain:   s.tab.domain,
				url:      s.tab.url,
				title:    s.tab.title,
				startAt:  now,
				lastSeen: now,
			}
			return nil
		}
		if !s.samePageLocked() {
			end := now
			if end.Before(s.active.startAt) {
				end = s.now().UTC()
			}
			toClose := s.closeRecordLocked(end)
			s.active = &activeWebSession{
				deviceID: s.active.deviceID,
				browser:  s.tab.browser,
				domain:   s.tab.domain,
				url:      s.tab.url,
				title:    s.tab.title,
				startAt:  now,
				lastSeen: now,
			}
			return toClose
		}
		s.active.lastSeen = now
		if strings.TrimSpace(s.tab.title) != "" {
			s.active.title = s.tab.title
		}
		if strings.TrimSpace(s.tab.url) != "" {
			s.active.url = s.tab.url
		}
		return nil
	}

	if s.active == nil {
		return nil
	}

	// The session went inactive at the earliest staleness marker, not now.
	end := now
	if !s.lastBrowserActiveAt.IsZero() && s.lastBrowserActiveAt.Before(end) {
		end = s.lastBrowserActiveAt
	}
	if !s.lastUserActiveAt.IsZero() && s.lastUserActiveAt.Before(end) {
		end = s.lastUserActiveAt
	}
	if end.Before(s.active.startAt) {
		end = now
	}
	toClose := s.closeRecordLocked(end)
	s.active = nil
	return toClose
}

func (s *WebSessionizer) closeRecordLocked(end time.Time) *model.WebSessionRecord {
	return &model.WebSessionRecord{
		SessionID: uuid.NewString(),
		DeviceID:  s.active.deviceID,
		Domain:    s.active.domain,
		Title:     s.active.title,
		URL:       s.active.url,
		Browser:   s.active.browser,
		StartAt:   s.active.startAt,
		EndAt:     end,
	}
}

func (s *WebSessionizer) samePageLocked() bool {
	return strings.EqualFold(s.active.browser, s.tab.browser) &&
		s.active.domain == s.tab.domain &&
		s.active.url == s.tab.url
}

func (s *WebSessionizer) enqueueClosed(ctx context.Context, record *model.WebSessionRecord) error {
	if record == nil {
		return nil
	}
	if record.EndAt.Sub(record.StartAt) < MinSessionDuration {
		return nil
	}
	if err := enqueueJSON(ctx, s.enq, model.StreamWebSession, record); err != nil {
		return err
	}
	s.log.Info("web session end", "domain", record.Domain, "start", record.StartAt, "end", record.EndAt)
	return nil
}
