package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/tracklet/tracklet/internal/api"
	"github.com/tracklet/tracklet/internal/model"
)

// Heartbeat periodically announces the device to the server registry. Each
// failure stretches the next delay (5s doubling, capped at 60s on top of
// the base interval); the first success resets it.
type Heartbeat struct {
	client   *http.Client
	endpoint string
	identity model.DeviceIdentity
	interval time.Duration
	log      *slog.Logger
	now      func() time.Time
}

func NewHeartbeat(client *http.Client, endpoint string, identity model.DeviceIdentity, interval time.Duration, log *slog.Logger) *Heartbeat {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Heartbeat{
		client:   client,
		endpoint: endpoint,
		identity: identity,
		interval: interval,
		log:      log,
		now:      time.Now,
	}
}

// Run sends heartbeats until ctx is canceled.
func (h *Heartbeat) Run(ctx context.Context) {
	var backoff time.Duration
	for {
		if h.Send(ctx) {
			backoff = 0
		} else {
			if backoff == 0 {
				backoff = 5 * time.Second
			} else {
				backoff *= 2
				if backoff > 60*time.Second {
					backoff = 60 * time.Second
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(h.interval + backoff):
		}
	}
}

// Send posts one heartbeat and reports whether the server accepted it.
func (h *Heartbeat) Send(ctx context.Context) bool {
	body, err := json.Marshal(api.HeartbeatRequest{
		DeviceID:     h.identity.DeviceID,
		Hostname:     h.identity.Hostname,
		AgentVersion: h.identity.AgentVersion,
		LastSeenAt:   h.now().UTC(),
	})
	if err != nil {
		h.log.Warn("heartbeat marshal", "err", err)
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		h.log.Warn("heartbeat request", "err", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		h.log.Warn("heartbeat send", "err", err)
		return false
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		h.log.Warn("heartbeat rejected", "status", resp.StatusCode)
		return false
	}
	h.log.Debug("heartbeat ok", "device", h.identity.DeviceID)
	return true
}
