// Package httpapi exposes the session state and lifecycle over HTTP.
//
//	GET  /health                 liveness
//	GET  /readiness              orchestrator state
//	GET  /metrics                Prometheus
//	GET  /api/v1/session         current Snapshot
//	POST /api/v1/session/start   {"exercise": "squat"}
//	POST /api/v1/session/pause
//	POST /api/v1/session/resume
//	POST /api/v1/session/finish  finalized Session
//	GET  /api/v1/sessions        persisted session summaries (?limit=N)
//	GET  /api/v1/sessions/{id}   persisted Session
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/e7canasta/orion-form-coach/internal/framesource"
	"github.com/e7canasta/orion-form-coach/internal/logger"
	"github.com/e7canasta/orion-form-coach/internal/metrics"
	"github.com/e7canasta/orion-form-coach/internal/session"
	"github.com/e7canasta/orion-form-coach/internal/store"
)

// Controller is the session lifecycle surface. *session.Orchestrator implements it.
type Controller interface {
	StartSession(ctx context.Context, exercise string) error
	FinishSession(ctx context.Context) (*session.Session, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Snapshot() session.Snapshot
}

// SessionStore reads persisted sessions. *store.Store implements it.
type SessionStore interface {
	ListSessions(ctx context.Context, limit int) ([]store.Summary, error)
	GetSession(ctx context.Context, id string) (*session.Session, error)
}

// StartRequest is the body of POST /api/v1/session/start.
type StartRequest struct {
	Exercise string `json:"exercise"`
}

// FinishResponse carries the finalized session and any persistence error.
type FinishResponse struct {
	Session *session.Session `json:"session"`
	Error   string           `json:"error,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Handler exposes session endpoints using go-chi.
type Handler struct {
	ctl     Controller
	store   SessionStore
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler returns a Handler. store and m may be nil (history endpoints
// answer 503, metrics are not recorded).
func NewHandler(ctl Controller, st SessionStore, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{ctl: ctl, store: st, log: log, metrics: m}
}

// Router builds the chi router with request logging and metrics middleware.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(logger.RequestLogger(h.log))
	if h.metrics != nil {
		r.Use(metrics.RequestMiddleware(h.metrics))
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler(nil))
	}

	r.Get("/health", h.Health)
	r.Get("/readiness", h.Readiness)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/session", func(r chi.Router) {
			r.Get("/", h.GetSnapshot)
			r.Post("/start", h.StartSession)
			r.Post("/pause", h.PauseSession)
			r.Post("/resume", h.ResumeSession)
			r.Post("/finish", h.FinishSession)
		})
		r.Get("/sessions", h.ListSessions)
		r.Get("/sessions/{id}", h.GetSession)
	})
	return r
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readiness handles GET /readiness.
func (h *Handler) Readiness(w http.ResponseWriter, r *http.Request) {
	snap := h.ctl.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ready",
		"state":        snap.State,
		"is_detecting": snap.IsDetecting,
	})
}

// GetSnapshot handles GET /api/v1/session.
func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctl.Snapshot())
}

// StartSession handles POST /api/v1/session/start.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Debug("invalid start body", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
		return
	}
	if req.Exercise == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "exercise is required"})
		return
	}

	if err := h.ctl.StartSession(r.Context(), req.Exercise); err != nil {
		h.log.Info("start session rejected",
			slog.String("exercise", req.Exercise),
			slog.String("error", err.Error()))
		writeJSON(w, statusFor(err), errorBody{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusCreated, h.ctl.Snapshot())
}

// PauseSession handles POST /api/v1/session/pause.
func (h *Handler) PauseSession(w http.ResponseWriter, r *http.Request) {
	if err := h.ctl.Pause(r.Context()); err != nil {
		writeJSON(w, statusFor(err), errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, h.ctl.Snapshot())
}

// ResumeSession handles POST /api/v1/session/resume.
func (h *Handler) ResumeSession(w http.ResponseWriter, r *http.Request) {
	if err := h.ctl.Resume(r.Context()); err != nil {
		h.log.Warn("resume session failed", slog.String("error", err.Error()))
		writeJSON(w, statusFor(err), errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, h.ctl.Snapshot())
}

// FinishSession handles POST /api/v1/session/finish. A persistence failure
// still returns the finalized session, with the error attached.
func (h *Handler) FinishSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.ctl.FinishSession(r.Context())
	if s == nil {
		if err != nil {
			writeJSON(w, statusFor(err), errorBody{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no session"})
		return
	}

	resp := FinishResponse{Session: s}
	if err != nil {
		h.log.Error("finish session persistence failed",
			slog.String("session_id", s.ID),
			slog.String("error", err.Error()))
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListSessions handles GET /api/v1/sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "no session store"})
		return
	}
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	list, err := h.store.ListSessions(r.Context(), limit)
	if err != nil {
		h.log.Error("list sessions failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "list sessions failed"})
		return
	}
	if list == nil {
		list = []store.Summary{}
	}
	writeJSON(w, http.StatusOK, list)
}

// GetSession handles GET /api/v1/sessions/{id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "no session store"})
		return
	}
	id := chi.URLParam(r, "id")

	s, err := h.store.GetSession(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case err != nil:
		h.log.Error("get session failed", slog.String("session_id", id), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "get session failed"})
	default:
		writeJSON(w, http.StatusOK, s)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, framesource.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, session.ErrDisposed), errors.Is(err, framesource.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
