package model

import "time"

// Stream discriminates the kinds of records the agent collects and ships.
type Stream string

const (
	StreamAppSession  Stream = "app_session"
	StreamIdleSession Stream = "idle_session"
	StreamWebSession  Stream = "web_session"
	StreamWebEvent    Stream = "web_event"
)

// Streams lists every stream in deterministic send order.
var Streams = []Stream{StreamWebEvent, StreamWebSession, StreamAppSession, StreamIdleSession}

// CursorStream maps a session stream to the server-side cursor key.
// Web events are deduplicated per row and carry no cursor.
func (s Stream) CursorStream() string {
	switch s {
	case StreamAppSession:
		return "app"
	case StreamIdleSession:
		return "idle"
	case StreamWebSession:
		return "web"
	default:
		return ""
	}
}

func (s Stream) Valid() bool {
	switch s {
	case StreamAppSession, StreamIdleSession, StreamWebSession, StreamWebEvent:
		return true
	}
	return false
}

// OutboxItem is one durable unit of undelivered work.
type OutboxItem struct {
	ID            int64
	Stream        Stream
	Payload       string
	CreatedAt     time.Time
	AttemptCount  int
	NextAttemptAt time.Time
	LockedUntil   *time.Time
	LockedBy      *string
	SentAt        *time.Time
}

// AppSessionRecord is a finalized foreground-app interval.
type AppSessionRecord struct {
	SessionID   string    `json:"sessionId"`
	DeviceID    string    `json:"deviceId"`
	AppName     string    `json:"appName"`
	WindowTitle string    `json:"windowTitle,omitempty"`
	StartAt     time.Time `json:"startAt"`
	EndAt       time.Time `json:"endAt"`
}

// IdleSessionRecord is a finalized user-idle interval.
type IdleSessionRecord struct {
	SessionID string    `json:"sessionId"`
	DeviceID  string    `json:"deviceId"`
	StartAt   time.Time `json:"startAt"`
	EndAt     time.Time `json:"endAt"`
}

// WebSessionRecord is a finalized active-browsing interval on one page.
type WebSessionRecord struct {
	SessionID string    `json:"sessionId"`
	DeviceID  string    `json:"deviceId"`
	Domain    string    `json:"domain"`
	Title     string    `json:"title,omitempty"`
	URL       string    `json:"url,omitempty"`
	Browser   string    `json:"browser,omitempty"`
	StartAt   time.Time `json:"startAt"`
	EndAt     time.Time `json:"endAt"`
}

// WebEvent is one raw tab report from a browser extension.
type WebEvent struct {
	EventID   string    `json:"eventId"`
	Domain    string    `json:"domain"`
	Title     string    `json:"title,omitempty"`
	URL       string    `json:"url,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Browser   string    `json:"browser,omitempty"`
}

// DeviceIdentity is the persisted identity of this installation.
type DeviceIdentity struct {
	DeviceID     string    `json:"deviceId"`
	CreatedAt    time.Time `json:"createdAt"`
	Hostname     string    `json:"hostname,omitempty"`
	OS           string    `json:"os,omitempty"`
	AgentVersion string    `json:"agentVersion,omitempty"`
}

// Device is a server-side registry row.
type Device struct {
	ID             string
	Hostname       string
	DisplayName    string
	LastSeenAt     time.Time
	LastReviewedAt *time.Time
}

// IngestCursor is the per-device per-stream high-water mark.
type IngestCursor struct {
	DeviceID     string
	Stream       string
	LastSequence int64
	LastBatchID  string
	LastSentAt   time.Time
}

// Error codes used by both HTTP surfaces.
const (
	ErrRefInvalid         = "E_REF_INVALID"
	ErrRefNotFound        = "E_REF_NOT_FOUND"
	ErrUnauthorized       = "E_UNAUTHORIZED"
	ErrForbidden          = "E_FORBIDDEN"
	ErrPreconditionFailed = "E_PRECONDITION_FAILED"
	ErrBatchTooLarge      = "E_BATCH_TOO_LARGE"
)
