package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-form-coach/internal/estimator"
	"github.com/e7canasta/orion-form-coach/internal/session"
)

var (
	_ estimator.Observer = (*Metrics)(nil)
	_ session.Observer   = (*Metrics)(nil)
)

func TestPipelineCounters(t *testing.T) {
	m := New()

	m.FrameReceived()
	m.FrameReceived()
	m.FrameDropped(estimator.DropBusy)
	m.FrameDropped(estimator.DropBusy)
	m.FrameDropped(estimator.DropLowConfidence)
	m.InferenceFailed()
	m.PoseEmitted(30 * time.Millisecond)
	m.RepCompleted("squat", 0.9)
	m.RepAbandoned("squat", "timeout")
	m.ViolationActivated("squat", "knee_valgus")
	m.FormScore("squat", 0.75)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.framesReceived))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.framesDropped.WithLabelValues("busy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.framesDropped.WithLabelValues("low_confidence")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inferenceFailed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.posesEmitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.repsCompleted.WithLabelValues("squat")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.repsAbandoned.WithLabelValues("squat", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.violationsActive.WithLabelValues("squat", "knee_valgus")))
	assert.Equal(t, 0.75, testutil.ToFloat64(m.formScore.WithLabelValues("squat")))
}

func TestStateOneHot(t *testing.T) {
	m := New()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionState.WithLabelValues("stopped")))

	m.StateChanged(session.StateRunning)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.sessionState.WithLabelValues("stopped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionState.WithLabelValues("running")))
}

func TestHandlerAndMiddleware(t *testing.T) {
	m := New()
	refreshed := false

	mw := RequestMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	mw.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errorsTotal))

	rec := httptest.NewRecorder()
	m.Handler(func() { refreshed = true }).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "formcoach_http_requests_total 1")
	assert.True(t, refreshed)
}
