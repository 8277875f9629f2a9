package httpapi

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/voxwire/voxwire/internal/config"
	"github.com/voxwire/voxwire/internal/delegate"
	"github.com/voxwire/voxwire/internal/history"
	"github.com/voxwire/voxwire/internal/observability"
	"github.com/voxwire/voxwire/internal/wire"
)

type Server struct {
	cfg      config.Config
	dialer   wire.Dialer
	backend  delegate.Backend
	archive  history.Archive
	metrics  *observability.Metrics
	calls    *callRegistry
	upgrader websocket.Upgrader
}

func New(cfg config.Config, dialer wire.Dialer, backend delegate.Backend, archive history.Archive, metrics *observability.Metrics) *Server {
	if archive == nil {
		archive = history.NopArchive{}
	}
	return &Server{
		cfg:     cfg,
		dialer:  dialer,
		backend: backend,
		archive: archive,
		metrics: metrics,
		calls:   newCallRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from the
				// same origin, so another site cannot drive the user's mic
				// if the bridge is ever exposed beyond localhost.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Get("/v1/call/ws", s.handleCallWS)
	r.Get("/v1/calls", s.handleListCalls)
	r.Get("/v1/calls/{id}/transcript", s.handleTranscript)
	r.Post("/v1/calls/{id}/reconnect", s.handleForceReconnect)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"delegate_mode": s.delegateMode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if strings.TrimSpace(s.cfg.ModelWSURL) == "" {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "model stream URL not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ready",
		"delegate_mode": s.delegateMode(),
	})
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.LatencySnapshot())
}

type callStatus struct {
	CallID        string `json:"call_id"`
	State         string `json:"state"`
	DroppedFrames uint64 `json:"dropped_frames"`
}

func (s *Server) handleListCalls(w http.ResponseWriter, _ *http.Request) {
	managers := s.calls.snapshot()
	out := make([]callStatus, 0, len(managers))
	for _, mgr := range managers {
		out = append(out, callStatus{
			CallID:        mgr.CallID(),
			State:         mgr.State().String(),
			DroppedFrames: mgr.DroppedFrames(),
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"calls": out})
}

func (s *Server) handleForceReconnect(w http.ResponseWriter, r *http.Request) {
	callID := strings.TrimSpace(chi.URLParam(r, "id"))
	mgr, ok := s.calls.get(callID)
	if !ok {
		respondError(w, http.StatusNotFound, "call_not_found", "no live call with that id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), reconnectTimeout)
	defer cancel()
	if err := mgr.ForceReconnect(ctx); err != nil {
		respondError(w, http.StatusConflict, "reconnect_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, callStatus{
		CallID:        mgr.CallID(),
		State:         mgr.State().String(),
		DroppedFrames: mgr.DroppedFrames(),
	})
}

type transcriptResponse struct {
	CallID string         `json:"call_id"`
	Turns  []history.Turn `json:"turns"`
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	callID := strings.TrimSpace(chi.URLParam(r, "id"))
	if callID == "" {
		respondError(w, http.StatusBadRequest, "invalid_call_id", "missing call id")
		return
	}

	limit := 50
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	turns, err := s.archive.RecentTurns(ctx, callID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "archive_error", err.Error())
		return
	}
	if turns == nil {
		turns = []history.Turn{}
	}
	respondJSON(w, http.StatusOK, transcriptResponse{CallID: callID, Turns: turns})
}

func (s *Server) delegateMode() string {
	switch s.backend.(type) {
	case nil:
		return "disabled"
	case *delegate.MockBackend:
		return "mock"
	case *delegate.HTTPBackend:
		return "http"
	case *delegate.OpenAIBackend:
		return "openai"
	default:
		return "custom"
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = sonic.ConfigDefault.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
