// Package localapi is the agent's loopback control-plane: signal intake for
// collector-side processes plus health and diagnostics.
package localapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tracklet/tracklet/internal/api"
	"github.com/tracklet/tracklet/internal/model"
	"github.com/tracklet/tracklet/internal/outbox"
	"github.com/tracklet/tracklet/internal/sender"
	"github.com/tracklet/tracklet/internal/track"
)

// HeaderAgentToken carries the shared secret on every request.
const HeaderAgentToken = "X-Agent-Token"

var routes = []string{
	"GET /health",
	"GET /version",
	"GET /diag",
	"POST /events/idle",
	"POST /events/app-focus",
	"POST /events/web",
}

type Server struct {
	token       string
	identity    model.DeviceIdentity
	appSess     *track.AppSessionizer
	idleSess    *track.IdleSessionizer
	webSess     *track.WebSessionizer
	store       *outbox.Store
	senderState *sender.State
	log         *slog.Logger
	httpSrv     *http.Server
	mux         *http.ServeMux
}

func NewServer(token string, identity model.DeviceIdentity, appSess *track.AppSessionizer, idleSess *track.IdleSessionizer, webSess *track.WebSessionizer, store *outbox.Store, senderState *sender.State, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	mux := http.NewServeMux()
	s := &Server{
		token:       token,
		identity:    identity,
		appSess:     appSess,
		idleSess:    idleSess,
		webSess:     webSess,
		store:       store,
		senderState: senderState,
		log:         log,
		mux:         mux,
		httpSrv: &http.Server{
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	s.httpSrv.Handler = s.auth(mux)

	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/version", s.versionHandler)
	mux.HandleFunc("/diag", s.diagHandler)
	mux.HandleFunc("/events/idle", s.idleEventHandler)
	mux.HandleFunc("/events/app-focus", s.appFocusHandler)
	mux.HandleFunc("/events/web", s.webEventHandler)
	return s
}

// Handler exposes the authenticated handler chain.
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

// auth rejects requests with a missing token with 401 and a wrong token
// with 403. The distinction lets clients tell misconfiguration apart from a
// forgotten header.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		provided := r.Header.Get(HeaderAgentToken)
		if provided == "" {
			s.log.Warn("local api auth failed: missing token header")
			s.writeError(w, http.StatusUnauthorized, model.ErrUnauthorized, "missing "+HeaderAgentToken+" header")
			return
		}
		if provided != s.token {
			s.log.Warn("local api auth failed: token mismatch")
			s.writeError(w, http.StatusForbidden, model.ErrForbidden, "invalid agent token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	s.writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok", GeneratedAt: time.Now().UTC()})
}

func (s *Server) versionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	s.writeJSON(w, http.StatusOK, api.VersionResponse{
		Version: s.identity.AgentVersion,
		Routes:  routes,
	})
}

func (s *Server) diagHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	pending := map[string]int64{}
	if s.store != nil {
		counts, err := s.store.PendingByStream(r.Context())
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, "failed to read outbox stats")
			return
		}
		pending = counts
	}
	var lastFlush *time.Time
	if s.senderState != nil {
		lastFlush = s.senderState.LastFlushAt()
	}
	s.writeJSON(w, http.StatusOK, api.DiagResponse{
		DeviceID:        s.identity.DeviceID,
		AgentVersion:    s.identity.AgentVersion,
		PendingByStream: pending,
		LastFlushAt:     lastFlush,
		GeneratedAt:     time.Now().UTC(),
	})
}

func (s *Server) idleEventHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.IdleEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid JSON body")
		return
	}
	if req.IdleSeconds < 0 {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "idleSeconds must be >= 0")
		return
	}
	ts := req.TimestampUTC
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	dur := time.Duration(req.IdleSeconds * float64(time.Second))
	if err := s.idleSess.HandleIdleState(r.Context(), dur, ts); err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, "failed to record idle state")
		return
	}
	if err := s.webSess.HandleIdleState(r.Context(), dur, ts); err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, "failed to record idle state")
		return
	}
	s.writeJSON(w, http.StatusAccepted, api.AcceptedResponse{Accepted: true})
}

func (s *Server) appFocusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.AppFocusEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.AppName) == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "appName is required")
		return
	}
	ts := req.TimestampUTC
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	if err := s.appSess.HandleAppFocus(r.Context(), req.AppName, req.WindowTitle, ts); err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, "failed to record app focus")
		return
	}
	if err := s.webSess.HandleAppFocus(r.Context(), req.AppName, ts); err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, "failed to record app focus")
		return
	}
	s.writeJSON(w, http.StatusAccepted, api.AcceptedResponse{Accepted: true})
}

func (s *Server) webEventHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.WebEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.EventID) == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "eventId is required")
		return
	}
	if strings.TrimSpace(req.Domain) == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "domain is required")
		return
	}
	evt := model.WebEvent{
		EventID:   req.EventID,
		Domain:    req.Domain,
		Title:     req.Title,
		URL:       req.URL,
		Timestamp: req.Timestamp,
		Browser:   req.Browser,
	}
	if err := s.webSess.HandleEvent(r.Context(), evt); err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, "failed to record web event")
		return
	}
	s.writeJSON(w, http.StatusAccepted, api.AcceptedResponse{Accepted: true})
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
