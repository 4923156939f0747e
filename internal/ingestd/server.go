package ingestd

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tracklet/tracklet/internal/api"
	"github.com/tracklet/tracklet/internal/model"
)

// Hard batch and field limits. Oversized fields are truncated, oversized
// batches rejected.
const (
	MaxSessionsPerRequest  = 5000
	MaxWebEventsPerRequest = 5000

	maxDeviceIDLen     = 64
	maxAgentVersionLen = 64
	maxProcessLen      = 255
	maxDomainLen       = 255
	maxTitleLen        = 512
	maxURLLen          = 2048
	maxBrowserLen      = 64
)

type Server struct {
	store   *Store
	log     *slog.Logger
	httpSrv *http.Server
	now     func() time.Time
}

func NewServer(store *Store, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	mux := http.NewServeMux()
	s := &Server{
		store: store,
		log:   log,
		now:   time.Now,
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/ingest/app-sessions", s.appSessionsHandler)
	mux.HandleFunc("/ingest/idle-sessions", s.idleSessionsHandler)
	mux.HandleFunc("/ingest/web-sessions", s.webSessionsHandler)
	mux.HandleFunc("/events/web/batch", s.webEventBatchHandler)
	mux.HandleFunc("/devices/heartbeat", s.heartbeatHandler)
	mux.HandleFunc("/devices", s.devicesHandler)
	mux.HandleFunc("/devices/", s.deviceByIDHandler)
	return s
}

// Handler exposes the route table, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// ListenAndServe serves on addr until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.httpSrv.Addr = addr

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	s.writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok", GeneratedAt: s.now().UTC()})
}

// envelope is the shared batch header of every ingest request.
type envelope struct {
	deviceID     string
	agentVersion string
	batchID      string
	sequence     int64
	sentAt       time.Time
}

func (s *Server) validateEnvelope(deviceID, agentVersion, batchID string, sequence int64, sentAt time.Time, count, maxCount int) (envelope, string, string) {
	deviceID = strings.TrimSpace(deviceID)
	agentVersion = strings.TrimSpace(agentVersion)
	switch {
	case strings.TrimSpace(batchID) == "":
		return envelope{}, model.ErrRefInvalid, "batchId is required"
	case sequence < 0:
		return envelope{}, model.ErrRefInvalid, "sequence must be >= 0"
	case deviceID == "":
		return envelope{}, model.ErrRefInvalid, "deviceId is required"
	case len(deviceID) > maxDeviceIDLen:
		return envelope{}, model.ErrRefInvalid, "deviceId is too long"
	case agentVersion == "":
		return envelope{}, model.ErrRefInvalid, "agentVersion is required"
	case len(agentVersion) > maxAgentVersionLen:
		return envelope{}, model.ErrRefInvalid, "agentVersion is too long"
	case count == 0:
		return envelope{}, model.ErrRefInvalid, "batch is empty"
	case count > maxCount:
		return envelope{}, model.ErrBatchTooLarge, "batch exceeds max size"
	case sentAt.After(s.now().UTC().Add(24 * time.Hour)):
		return envelope{}, model.ErrRefInvalid, "sentAt is too far in the future"
	}
	return envelope{
		deviceID:     deviceID,
		agentVersion: agentVersion,
		batchID:      batchID,
		sequence:     sequence,
		sentAt:       sentAt,
	}, "", ""
}

// checkCursor short-circuits full-batch retransmissions: a sequence at or
// below the stored high-water mark was already applied in its entirety.
func (s *Server) checkCursor(ctx context.Context, env envelope, stream string, received int, w http.ResponseWriter) (bool, error) {
	cursor, err := s.store.Cursor(ctx, env.deviceID, stream)
	if err != nil {
		return false, err
	}
	if cursor != nil && env.sequence <= cursor.LastSequence {
		s.log.Info("batch already applied", "device", env.deviceID, "stream", stream, "sequence", env.sequence, "cursor", cursor.LastSequence)
		s.writeJSON(w, http.StatusOK, api.IngestResponse{Received: received, DuplicatesIgnored: received})
		return true, nil
	}
	return false, nil
}

func (s *Server) finishBatch(ctx context.Context, env envelope, stream string, received, invalid, attempted, inserted int, w http.ResponseWriter) error {
	if err := s.store.AdvanceCursor(ctx, env.deviceID, stream, env.sequence, env.batchID, env.sentAt); err != nil {
		return err
	}
	s.writeJSON(w, http.StatusOK, api.IngestResponse{
		Received:          received,
		Invalid:           invalid,
		Inserted:          inserted,
		DuplicatesIgnored: attempted - inserted,
	})
	return nil
}

func (s *Server) appSessionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.AppSessionBatch
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid JSON body")
		return
	}
	env, code, msg := s.validateEnvelope(req.DeviceID, req.AgentVersion, req.BatchID, req.Sequence, req.SentAt, len(req.Sessions), MaxSessionsPerRequest)
	if msg != "" {
		s.writeError(w, http.StatusBadRequest, code, msg)
		return
	}
	ctx := r.Context()
	if err := s.store.UpsertDeviceSeen(ctx, env.deviceID, "", env.agentVersion, s.now().UTC()); err != nil {
		s.serverError(w, "register device", err)
		return
	}
	cursorStream := model.StreamAppSession.CursorStream()
	done, err := s.checkCursor(ctx, env, cursorStream, len(req.Sessions), w)
	if err != nil {
		s.serverError(w, "read cursor", err)
		return
	}
	if done {
		return
	}

	maxFuture := s.now().UTC().Add(24 * time.Hour)
	rows := make([]model.AppSessionRecord, 0, len(req.Sessions))
	invalid := 0
	for _, sess := range req.Sessions {
		name := strings.TrimSpace(sess.AppName)
		if strings.TrimSpace(sess.SessionID) == "" || name == "" ||
			!sess.EndAt.After(sess.StartAt) || sess.StartAt.After(maxFuture) || sess.EndAt.After(maxFuture) {
			invalid++
			continue
		}
		sess.AppName = truncate(name, maxProcessLen)
		sess.WindowTitle = truncate(strings.TrimSpace(sess.WindowTitle), maxTitleLen)
		rows = append(rows, sess)
	}
	if len(rows) == 0 {
		s.writeJSON(w, http.StatusOK, api.IngestResponse{Received: len(req.Sessions), Invalid: invalid})
		return
	}

	inserted, err := s.store.InsertAppSessions(ctx, env.deviceID, rows)
	if err != nil {
		s.serverError(w, "insert app sessions", err)
		return
	}
	if err := s.finishBatch(ctx, env, cursorStream, len(req.Sessions), invalid, len(rows), inserted, w); err != nil {
		s.serverError(w, "advance cursor", err)
	}
}

func (s *Server) idleSessionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.IdleSessionBatch
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid JSON body")
		return
	}
	env, code, msg := s.validateEnvelope(req.DeviceID, req.AgentVersion, req.BatchID, req.Sequence, req.SentAt, len(req.Sessions), MaxSessionsPerRequest)
	if msg != "" {
		s.writeError(w, http.StatusBadRequest, code, msg)
		return
	}
	ctx := r.Context()
	if err := s.store.UpsertDeviceSeen(ctx, env.deviceID, "", env.agentVersion, s.now().UTC()); err != nil {
		s.serverError(w, "register device", err)
		return
	}
	cursorStream := model.StreamIdleSession.CursorStream()
	done, err := s.checkCursor(ctx, env, cursorStream, len(req.Sessions), w)
	if err != nil {
		s.serverError(w, "read cursor", err)
		return
	}
	if done {
		return
	}

	maxFuture := s.now().UTC().Add(24 * time.Hour)
	rows := make([]model.IdleSessionRecord, 0, len(req.Sessions))
	invalid := 0
	for _, sess := range req.Sessions {
		if strings.TrimSpace(sess.SessionID) == "" ||
			!sess.EndAt.After(sess.StartAt) || sess.StartAt.After(maxFuture) || sess.EndAt.After(maxFuture) {
			invalid++
			continue
		}
		rows = append(rows, sess)
	}
	if len(rows) == 0 {
		s.writeJSON(w, http.StatusOK, api.IngestResponse{Received: len(req.Sessions), Invalid: invalid})
		return
	}

	inserted, err := s.store.InsertIdleSessions(ctx, env.deviceID, rows)
	if err != nil {
		s.serverError(w, "insert idle sessions", err)
		return
	}
	if err := s.finishBatch(ctx, env, cursorStream, len(req.Sessions), invalid, len(rows), inserted, w); err != nil {
		s.serverError(w, "advance cursor", err)
	}
}

func (s *Server) webSessionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.WebSessionBatch
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid JSON body")
		return
	}
	env, code, msg := s.validateEnvelope(req.DeviceID, req.AgentVersion, req.BatchID, req.Sequence, req.SentAt, len(req.Sessions), MaxSessionsPerRequest)
	if msg != "" {
		s.writeError(w, http.StatusBadRequest, code, msg)
		return
	}
	ctx := r.Context()
	if err := s.store.UpsertDeviceSeen(ctx, env.deviceID, "", env.agentVersion, s.now().UTC()); err != nil {
		s.serverError(w, "register device", err)
		return
	}
	cursorStream := model.StreamWebSession.CursorStream()
	done, err := s.checkCursor(ctx, env, cursorStream, len(req.Sessions), w)
	if err != nil {
		s.serverError(w, "read cursor", err)
		return
	}
	if done {
		return
	}

	maxFuture := s.now().UTC().Add(24 * time.Hour)
	rows := make([]model.WebSessionRecord, 0, len(req.Sessions))
	invalid := 0
	for _, sess := range req.Sessions {
		domain := strings.TrimSpace(sess.Domain)
		if strings.TrimSpace(sess.SessionID) == "" || domain == "" ||
			!sess.EndAt.After(sess.StartAt) || sess.StartAt.After(maxFuture) || sess.EndAt.After(maxFuture) {
			invalid++
			continue
		}
		sess.Domain = truncate(domain, maxDomainLen)
		sess.Title = truncate(strings.TrimSpace(sess.Title), maxTitleLen)
		sess.URL = truncate(strings.TrimSpace(sess.URL), maxURLLen)
		sess.Browser = truncate(strings.TrimSpace(sess.Browser), maxBrowserLen)
		rows = append(rows, sess)
	}
	if len(rows) == 0 {
		s.writeJSON(w, http.StatusOK, api.IngestResponse{Received: len(req.Sessions), Invalid: invalid})
		return
	}

	inserted, err := s.store.InsertWebSessions(ctx, env.deviceID, rows)
	if err != nil {
		s.serverError(w, "insert web sessions", err)
		return
	}
	if err := s.finishBatch(ctx, env, cursorStream, len(req.Sessions), invalid, len(rows), inserted, w); err != nil {
		s.serverError(w, "advance cursor", err)
	}
}

// webEventBatchHandler ingests raw tab events. Events carry no cursor:
// idempotency is purely row-level on event_id.
func (s *Server) webEventBatchHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.WebEventBatch
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid JSON body")
		return
	}
	env, code, msg := s.validateEnvelope(req.DeviceID, req.AgentVersion, req.BatchID, req.Sequence, req.SentAt, len(req.Events), MaxWebEventsPerRequest)
	if msg != "" {
		s.writeError(w, http.StatusBadRequest, code, msg)
		return
	}
	ctx := r.Context()
	now := s.now().UTC()
	if err := s.store.UpsertDeviceSeen(ctx, env.deviceID, "", env.agentVersion, now); err != nil {
		s.serverError(w, "register device", err)
		return
	}

	maxFuture := now.Add(48 * time.Hour)
	rows := make([]model.WebEvent, 0, len(req.Events))
	invalid := 0
	for _, evt := range req.Events {
		domain := strings.TrimSpace(evt.Domain)
		if strings.TrimSpace(evt.EventID) == "" || domain == "" ||
			evt.Timestamp.IsZero() || evt.Timestamp.After(maxFuture) {
			invalid++
			continue
		}
		evt.Domain = truncate(domain, maxDomainLen)
		evt.Title = truncate(strings.TrimSpace(evt.Title), maxTitleLen)
		evt.URL = truncate(strings.TrimSpace(evt.URL), maxURLLen)
		evt.Browser = truncate(strings.TrimSpace(evt.Browser), maxBrowserLen)
		rows = append(rows, evt)
	}
	if len(rows) == 0 {
		s.writeJSON(w, http.StatusOK, api.IngestResponse{Received: len(req.Events), Invalid: invalid})
		return
	}

	inserted, err := s.store.InsertWebEvents(ctx, env.deviceID, rows, now)
	if err != nil {
		s.serverError(w, "insert web events", err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.IngestResponse{
		Received:          len(req.Events),
		Invalid:           invalid,
		Inserted:          inserted,
		DuplicatesIgnored: len(rows) - inserted,
	})
}

func (s *Server) heartbeatHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid JSON body")
		return
	}
	deviceID := strings.TrimSpace(req.DeviceID)
	if deviceID == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "deviceId is required")
		return
	}
	if len(deviceID) > maxDeviceIDLen {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "deviceId is too long")
		return
	}
	now := s.now().UTC()
	lastSeen := req.LastSeenAt
	if lastSeen.IsZero() {
		lastSeen = now
	}
	if lastSeen.After(now.Add(24 * time.Hour)) {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "lastSeenAt is too far in the future")
		return
	}
	hostname := truncate(strings.TrimSpace(req.Hostname), maxDomainLen)
	agentVersion := truncate(strings.TrimSpace(req.AgentVersion), maxAgentVersionLen)
	if err := s.store.UpsertDeviceSeen(r.Context(), deviceID, hostname, agentVersion, lastSeen); err != nil {
		s.serverError(w, "heartbeat upsert", err)
		return
	}
	s.log.Info("heartbeat upserted", "device", deviceID)
	s.writeJSON(w, http.StatusOK, api.HeartbeatResponse{Upserted: true})
}

func (s *Server) devicesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	devices, err := s.store.ListDevices(r.Context())
	if err != nil {
		s.serverError(w, "list devices", err)
		return
	}
	out := make([]api.DeviceResponse, 0, len(devices))
	for _, d := range devices {
		out = append(out, api.DeviceResponse{
			DeviceID:       d.ID,
			Hostname:       d.Hostname,
			DisplayName:    d.DisplayName,
			LastSeenAt:     d.LastSeenAt,
			LastReviewedAt: d.LastReviewedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, api.DevicesEnvelope{Devices: out, Total: len(out)})
}

func (s *Server) deviceByIDHandler(w http.ResponseWriter, r *http.Request) {
	deviceID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/devices/"), "/")
	if deviceID == "" || strings.Contains(deviceID, "/") {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "device route not found")
		return
	}
	if r.Method != http.MethodPatch {
		s.methodNotAllowed(w, http.MethodPatch)
		return
	}
	var req api.UpdateDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid JSON body")
		return
	}
	err := s.store.UpdateDevice(r.Context(), deviceID, req.DisplayName, req.Seen)
	if errors.Is(err, ErrNotFound) {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "device not found")
		return
	}
	if err != nil {
		s.serverError(w, "update device", err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.UpdatedResponse{Updated: true})
}

func (s *Server) serverError(w http.ResponseWriter, op string, err error) {
	s.log.Error(op, "err", err)
	s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, "internal error")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	s.writeJSON(w, status, api.ErrorResponse{Error: api.APIError{Code: code, Message: msg}})
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, model.ErrRefInvalid, "method not allowed")
}

// truncate cuts to at most max bytes without splitting a rune.
func truncate(v string, max int) string {
	if len(v) <= max {
		return v
	}
	for max > 0 && !utf8.RuneStart(v[max]) {
		max--
	}
	return v[:max]
}
