package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderCounts(t *testing.T) {
	r := NewRecorder()
	r.LoopCreated("idle")
	r.LoopCreated("planning")
	r.LoopStarted()
	r.LoopFinalized("merge")
	r.LoopDiscarded()
	r.LoopsReset(3)
	r.LoopsReset(0) // ignored

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, body, `looper_loops_created_total{initial_status="idle"} 1`)
	assert.Contains(t, body, `looper_loops_created_total{initial_status="planning"} 1`)
	assert.Contains(t, body, "looper_loops_started_total 1")
	assert.Contains(t, body, `looper_loops_finalized_total{action="merge"} 1`)
	assert.Contains(t, body, "looper_stale_loops_reset_total 3")
}

func TestNilRecorderIsNoOp(t *testing.T) {
	var r *Recorder
	r.LoopCreated("idle")
	r.LoopStarted()
	r.LoopFinalized("push")
	r.LoopDiscarded()
	r.LoopsReset(1)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)
	assert.Equal(t, 404, rec.Code)
}

func TestNewQueryServiceRejectsBadURL(t *testing.T) {
	_, err := NewQueryService("://not-a-url")
	assert.Error(t, err)

	svc, err := NewQueryService("http://127.0.0.1:9090")
	require.NoError(t, err)
	assert.NotNil(t, svc)
}

func TestHandlerOutputIsPrometheusFormat(t *testing.T) {
	r := NewRecorder()
	r.LoopStarted()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)
	assert.True(t, strings.Contains(rec.Body.String(), "# HELP looper_loops_started_total"))
}
