package api

import (
	"time"

	"github.com/tracklet/tracklet/internal/model"
)

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error APIError `json:"error"`
}

// Local control-plane requests (collector process -> agent daemon).

type IdleEventRequest struct {
	IdleSeconds  float64   `json:"idleSeconds"`
	TimestampUTC time.Time `json:"timestampUtc"`
}

type AppFocusEventRequest struct {
	AppName      string    `json:"appName"`
	WindowTitle  string    `json:"windowTitle,omitempty"`
	TimestampUTC time.Time `json:"timestampUtc"`
}

type WebEventRequest struct {
	EventID   string    `json:"eventId"`
	Domain    string    `json:"domain"`
	Title     string    `json:"title,omitempty"`
	URL       string    `json:"url,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Browser   string    `json:"browser,omitempty"`
}

type AcceptedResponse struct {
	Accepted bool `json:"accepted"`
}

type VersionResponse struct {
	Version string   `json:"version"`
	Routes  []string `json:"routes"`
}

type DiagResponse struct {
	DeviceID        string           `json:"deviceId"`
	AgentVersion    string           `json:"agentVersion"`
	PendingByStream map[string]int64 `json:"pendingByStream"`
	LastFlushAt     *time.Time       `json:"lastFlushAt,omitempty"`
	GeneratedAt     time.Time        `json:"generatedAt"`
}

// Remote ingestion batches (agent sender -> ingestion server).

type AppSessionBatch struct {
	DeviceID     string                   `json:"deviceId"`
	AgentVersion string                   `json:"agentVersion"`
	BatchID      string                   `json:"batchId"`
	Sequence     int64                    `json:"sequence"`
	SentAt       time.Time                `json:"sentAt"`
	Sessions     []model.AppSessionRecord `json:"sessions"`
}

type IdleSessionBatch struct {
	DeviceID     string                    `json:"deviceId"`
	AgentVersion string                    `json:"agentVersion"`
	BatchID      string                    `json:"batchId"`
	Sequence     int64                     `json:"sequence"`
	SentAt       time.Time                 `json:"sentAt"`
	Sessions     []model.IdleSessionRecord `json:"sessions"`
}

type WebSessionBatch struct {
	DeviceID     string                   `json:"deviceId"`
	AgentVersion string                   `json:"agentVersion"`
	BatchID      string                   `json:"batchId"`
	Sequence     int64                    `json:"sequence"`
	SentAt       time.Time                `json:"sentAt"`
	Sessions     []model.WebSessionRecord `json:"sessions"`
}

type WebEventBatch struct {
	DeviceID     string           `json:"deviceId"`
	AgentVersion string           `json:"agentVersion"`
	BatchID      string           `json:"batchId"`
	Sequence     int64            `json:"sequence"`
	SentAt       time.Time        `json:"sentAt"`
	Events       []model.WebEvent `json:"events"`
}

type IngestResponse struct {
	Received          int `json:"received"`
	Invalid           int `json:"invalid"`
	Inserted          int `json:"inserted"`
	DuplicatesIgnored int `json:"duplicatesIgnored"`
}

// Device registry.

type HeartbeatRequest struct {
	DeviceID     string    `json:"deviceId"`
	Hostname     string    `json:"hostname,omitempty"`
	AgentVersion string    `json:"agentVersion,omitempty"`
	LastSeenAt   time.Time `json:"lastSeenAt"`
}

type HeartbeatResponse struct {
	Upserted bool `json:"upserted"`
}

type DeviceResponse struct {
	DeviceID       string     `json:"deviceId"`
	Hostname       string     `json:"hostname,omitempty"`
	DisplayName    string     `json:"displayName,omitempty"`
	LastSeenAt     time.Time  `json:"lastSeenAt"`
	LastReviewedAt *time.Time `json:"lastReviewedAt,omitempty"`
}

type DevicesEnvelope struct {
	Devices []DeviceResponse `json:"devices"`
	Total   int              `json:"total"`
}

// UpdateDeviceRequest patches the review metadata of a device.
// Seen=true stamps lastReviewedAt now; Seen=false clears it.
type UpdateDeviceRequest struct {
	DisplayName *string `json:"displayName,omitempty"`
	Seen        *bool   `json:"seen,omitempty"`
}

type UpdatedResponse struct {
	Updated bool `json:"updated"`
}
