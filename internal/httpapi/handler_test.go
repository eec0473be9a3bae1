package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-form-coach/internal/framesource"
	"github.com/e7canasta/orion-form-coach/internal/metrics"
	"github.com/e7canasta/orion-form-coach/internal/session"
	"github.com/e7canasta/orion-form-coach/internal/store"
)

var _ Controller = (*session.Orchestrator)(nil)
var _ SessionStore = (*store.Store)(nil)

type fakeController struct {
	state     session.State
	exercise  string
	startErr  error
	finished  *session.Session
	finishErr error
	pauses    int
}

func (c *fakeController) StartSession(ctx context.Context, exercise string) error {
	if c.startErr != nil {
		return c.startErr
	}
	c.exercise = exercise
	c.state = session.StateRunning
	return nil
}

func (c *fakeController) FinishSession(ctx context.Context) (*session.Session, error) {
	c.state = session.StateStopped
	return c.finished, c.finishErr
}

func (c *fakeController) Pause(ctx context.Context) error {
	c.pauses++
	c.state = session.StatePaused
	return nil
}

func (c *fakeController) Resume(ctx context.Context) error {
	c.state = session.StateRunning
	return nil
}

func (c *fakeController) Snapshot() session.Snapshot {
	return session.Snapshot{State: c.state, Exercise: c.exercise, IsDetecting: c.state == session.StateRunning}
}

type fakeStore struct {
	sessions map[string]*session.Session
	limit    int
}

func (s *fakeStore) ListSessions(ctx context.Context, limit int) ([]store.Summary, error) {
	s.limit = limit
	var out []store.Summary
	for _, sess := range s.sessions {
		out = append(out, store.Summary{ID: sess.ID, Exercise: sess.Exercise, RepCount: sess.RepCount})
	}
	return out, nil
}

func (s *fakeStore) GetSession(ctx context.Context, id string) (*session.Session, error) {
	if sess, ok := s.sessions[id]; ok {
		return sess, nil
	}
	return nil, store.ErrNotFound
}

func newTestServer(t *testing.T, ctl *fakeController, st SessionStore) (http.Handler, *metrics.Metrics) {
	t.Helper()
	log := slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	m := metrics.New()
	return NewHandler(ctl, st, log, m).Router(), m
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestLifecycleEndpoints(t *testing.T) {
	ctl := &fakeController{state: session.StateStopped}
	h, _ := newTestServer(t, ctl, nil)

	rec := do(t, h, http.MethodPost, "/api/v1/session/start", StartRequest{Exercise: "squat"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var snap session.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, session.StateRunning, snap.State)
	assert.Equal(t, "squat", snap.Exercise)

	rec = do(t, h, http.MethodPost, "/api/v1/session/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, ctl.pauses)

	rec = do(t, h, http.MethodPost, "/api/v1/session/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/session", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.True(t, snap.IsDetecting)
}

func TestStartErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		body any
		want int
	}{
		{"missing exercise", nil, StartRequest{}, http.StatusBadRequest},
		{"already running", session.ErrAlreadyRunning, StartRequest{Exercise: "squat"}, http.StatusConflict},
		{"permission", framesource.ErrPermissionDenied, StartRequest{Exercise: "squat"}, http.StatusForbidden},
		{"device busy", framesource.ErrDeviceUnavailable, StartRequest{Exercise: "squat"}, http.StatusServiceUnavailable},
		{"other", errors.New("rules: boom"), StartRequest{Exercise: "squat"}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestServer(t, &fakeController{startErr: tt.err}, nil)
			rec := do(t, h, http.MethodPost, "/api/v1/session/start", tt.body)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestStartBadJSON(t *testing.T) {
	h, _ := newTestServer(t, &fakeController{}, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/session/start", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFinish(t *testing.T) {
	end := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	finished := &session.Session{ID: "s-1", Exercise: "squat", RepCount: 4, EndTime: &end}

	h, _ := newTestServer(t, &fakeController{finished: finished, finishErr: errors.New("store: disk full")}, nil)
	rec := do(t, h, http.MethodPost, "/api/v1/session/finish", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp FinishResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 4, resp.Session.RepCount)
	assert.Equal(t, "store: disk full", resp.Error)

	h, _ = newTestServer(t, &fakeController{}, nil)
	rec = do(t, h, http.MethodPost, "/api/v1/session/finish", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionHistory(t *testing.T) {
	st := &fakeStore{sessions: map[string]*session.Session{
		"s-1": {ID: "s-1", Exercise: "lunge", RepCount: 8},
	}}
	h, _ := newTestServer(t, &fakeController{}, st)

	rec := do(t, h, http.MethodGet, "/api/v1/sessions?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []store.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "lunge", list[0].Exercise)
	assert.Equal(t, 5, st.limit)

	rec = do(t, h, http.MethodGet, "/api/v1/sessions?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/sessions/s-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/sessions/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHistoryWithoutStore(t *testing.T) {
	h, _ := newTestServer(t, &fakeController{}, nil)
	rec := do(t, h, http.MethodGet, "/api/v1/sessions", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	h, _ := newTestServer(t, &fakeController{state: session.StateStopped}, nil)

	rec := do(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/readiness", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"stopped"`)

	rec = do(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "formcoach_http_requests_total")
}
