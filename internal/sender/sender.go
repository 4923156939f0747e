// Package sender drains the outbox to the ingestion server, one stream at a
// time on an independent randomized cadence.
package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tracklet/tracklet/internal/api"
	"github.com/tracklet/tracklet/internal/config"
	"github.com/tracklet/tracklet/internal/model"
	"github.com/tracklet/tracklet/internal/outbox"
)

// StreamConfig is the explicit per-stream send configuration.
type StreamConfig struct {
	Endpoint    string
	BatchSize   int
	MinInterval time.Duration
	MaxInterval time.Duration
}

// StreamConfigs builds the per-stream table from the agent config.
func StreamConfigs(cfg *config.AgentConfig) map[model.Stream]StreamConfig {
	base := cfg.ServerBaseURL
	return map[model.Stream]StreamConfig{
		model.StreamWebEvent: {
			Endpoint:    base + "/events/web/batch",
			BatchSize:   cfg.WebEventBatchSize,
			MinInterval: cfg.WebEventSendMin,
			MaxInterval: cfg.WebEventSendMax,
		},
		model.StreamWebSession: {
			Endpoint:    base + "/ingest/web-sessions",
			BatchSize:   cfg.WebSessionBatchSize,
			MinInterval: cfg.WebSessionSendMin,
			MaxInterval: cfg.WebSessionSendMax,
		},
		model.StreamAppSession: {
			Endpoint:    base + "/ingest/app-sessions",
			BatchSize:   cfg.AppSessionBatchSize,
			MinInterval: cfg.AppSessionSendMin,
			MaxInterval: cfg.AppSessionSendMax,
		},
		model.StreamIdleSession: {
			Endpoint:    base + "/ingest/idle-sessions",
			BatchSize:   cfg.IdleSessionBatchSize,
			MinInterval: cfg.IdleSessionSendMin,
			MaxInterval: cfg.IdleSessionSendMax,
		},
	}
}

// Sender leases due batches, maps them to wire contracts and posts them.
// Success deletes the rows; anything else abandons them back to the outbox
// with backoff. Items are never deleted on a failed send.
type Sender struct {
	store      *outbox.Store
	client     *http.Client
	configs    map[model.Stream]StreamConfig
	identity   model.DeviceIdentity
	state      *State
	log        *slog.Logger
	instanceID string
	nextSendAt map[model.Stream]time.Time
	now        func() time.Time
}

func New(store *outbox.Store, client *http.Client, configs map[model.Stream]StreamConfig, identity model.DeviceIdentity, state *State, log *slog.Logger) *Sender {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if state == nil {
		state = &State{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sender{
		store:      store,
		client:     client,
		configs:    configs,
		identity:   identity,
		state:      state,
		log:        log,
		instanceID: uuid.NewString(),
		nextSendAt: map[model.Stream]time.Time{},
		now:        time.Now,
	}
}

func (s *Sender) State() *State {
	return s.state
}

// Run ticks until ctx is canceled. Each tick checks every stream's own
// schedule; a stream that is not due is skipped entirely.
func (s *Sender) Run(ctx context.Context, tick time.Duration) {
	if tick <= 0 {
		tick = 5 * time.Second
	}
	for _, stream := range model.Streams {
		s.scheduleNext(stream)
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick processes every due stream once.
func (s *Sender) Tick(ctx context.Context) {
	for _, stream := range model.Streams {
		if ctx.Err() != nil {
			return
		}
		if !s.due(stream) {
			continue
		}
		if err := s.ProcessStream(ctx, stream); err != nil {
			s.log.Error("process stream", "stream", stream, "err", err)
		}
		s.scheduleNext(stream)
	}
}

func (s *Sender) due(stream model.Stream) bool {
	next, ok := s.nextSendAt[stream]
	if !ok {
		return true
	}
	return !s.now().Before(next)
}

func (s *Sender) scheduleNext(stream model.Stream) {
	cfg, ok := s.configs[stream]
	if !ok {
		return
	}
	s.nextSendAt[stream] = s.now().Add(drawInterval(cfg.MinInterval, cfg.MaxInterval))
}

// drawInterval picks uniformly within [min, max] so a fleet of devices does
// not retry in lockstep.
func drawInterval(min, max time.Duration) time.Duration {
	if min < time.Second {
		min = time.Second
	}
	if max < min {
		max = min
	}
	if max == min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)+1))
}

// ProcessStream leases one batch for the stream and attempts a single send.
func (s *Sender) ProcessStream(ctx context.Context, stream model.Stream) error {
	cfg, ok := s.configs[stream]
	if !ok {
		return fmt.Errorf("no config for stream %s", stream)
	}
	limit := cfg.BatchSize
	if limit <= 0 {
		limit = 50
	}

	batch, err := s.store.LeaseBatch(ctx, stream, limit, s.instanceID)
	if err != nil {
		return fmt.Errorf("lease %s batch: %w", stream, err)
	}
	if len(batch) == 0 {
		return nil
	}

	ids := make([]int64, len(batch))
	for i, item := range batch {
		ids[i] = item.ID
	}

	payload, count, err := s.buildBatch(ctx, stream, batch)
	if err != nil {
		if abandonErr := s.store.Abandon(ctx, ids); abandonErr != nil {
			return fmt.Errorf("abandon after build failure: %w", abandonErr)
		}
		return err
	}
	if count == 0 {
		// Nothing decodable left; drop the poison rows.
		return s.store.Delete(ctx, ids)
	}

	ok, status, err := s.post(ctx, cfg.Endpoint, payload)
	if err != nil || !ok {
		if abandonErr := s.store.Abandon(ctx, ids); abandonErr != nil {
			return fmt.Errorf("abandon failed batch: %w", abandonErr)
		}
		if err != nil {
			s.log.Warn("send failed", "stream", stream, "err", err)
			return nil
		}
		s.log.Warn("send rejected", "stream", stream, "status", status)
		return nil
	}

	s.state.MarkFlushed(s.now().UTC())
	if err := s.store.Delete(ctx, ids); err != nil {
		return fmt.Errorf("delete acked batch: %w", err)
	}
	s.log.Debug("batch sent", "stream", stream, "items", count)
	return nil
}

func (s *Sender) buildBatch(ctx context.Context, stream model.Stream, batch []model.OutboxItem) (any, int, error) {
	batchID := uuid.NewString()
	seq, err := s.store.NextSequence(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("next sequence: %w", err)
	}
	sentAt := s.now().UTC()
	agentVersion := s.identity.AgentVersion
	if agentVersion == "" {
		agentVersion = "unknown"
	}

	switch stream {
	case model.StreamWebEvent:
		events := make([]model.WebEvent, 0, len(batch))
		for _, item := range batch {
			var evt model.WebEvent
			if err := json.Unmarshal([]byte(item.Payload), &evt); err != nil {
				s.log.Warn("undecodable outbox payload", "stream", stream, "id", item.ID)
				continue
			}
			events = append(events, evt)
		}
		return api.WebEventBatch{
			DeviceID:     s.identity.DeviceID,
			AgentVersion: agentVersion,
			BatchID:      batchID,
			Sequence:     seq,
			SentAt:       sentAt,
			Events:       events,
		}, len(events), nil
	case model.StreamWebSession:
		sessions := make([]model.WebSessionRecord, 0, len(batch))
		for _, item := range batch {
			var rec model.WebSessionRecord
			if err := json.Unmarshal([]byte(item.Payload), &rec); err != nil {
				s.log.Warn("undecodable outbox payload", "stream", stream, "id", item.ID)
				continue
			}
			sessions = append(sessions, rec)
		}
		return api.WebSessionBatch{
			DeviceID:     s.identity.DeviceID,
			AgentVersion: agentVersion,
			BatchID:      batchID,
			Sequence:     seq,
			SentAt:       sentAt,
			Sessions:     sessions,
		}, len(sessions), nil
	case model.StreamAppSession:
		sessions := make([]model.AppSessionRecord, 0, len(batch))
		for _, item := range batch {
			var rec model.AppSessionRecord
			if err := json.Unmarshal([]byte(item.Payload), &rec); err != nil {
				s.log.Warn("undecodable outbox payload", "stream", stream, "id", item.ID)
				continue
			}
			sessions = append(sessions, rec)
		}
		return api.AppSessionBatch{
			DeviceID:     s.identity.DeviceID,
			AgentVersion: agentVersion,
			BatchID:      batchID,
			Sequence:     seq,
			SentAt:       sentAt,
			Sessions:     sessions,
		}, len(sessions), nil
	case model.StreamIdleSession:
		sessions := make([]model.IdleSessionRecord, 0, len(batch))
		for _, item := range batch {
			var rec model.IdleSessionRecord
			if err := json.Unmarshal([]byte(item.Payload), &rec); err != nil {
				s.log.Warn("undecodable outbox payload", "stream", stream, "id", item.ID)
				continue
			}
			sessions = append(sessions, rec)
		}
		return api.IdleSessionBatch{
			DeviceID:     s.identity.DeviceID,
			AgentVersion: agentVersion,
			BatchID:      batchID,
			Sequence:     seq,
			SentAt:       sentAt,
			Sessions:     sessions,
		}, len(sessions), nil
	default:
		return nil, 0, fmt.Errorf("unknown stream %s", stream)
	}
}

func (s *Sender) post(ctx context.Context, endpoint string, payload any) (bool, int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return false, 0, fmt.Errorf("marshal batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return false, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return false, 0, err
	}
	defer resp.Body.Close() //nolint:errcheck
	return resp.StatusCode >= 200 && resp.StatusCode < 300, resp.StatusCode, nil
}
