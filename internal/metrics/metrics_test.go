package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()

	m.EventEmitted("post:created")
	m.EventEmitted("post:created")
	m.JobProcessed("karma:earn", 10*time.Millisecond)
	m.JobRetried("karma:earn", time.Millisecond)
	m.JobFailed("karma:earn", time.Millisecond)
	m.Delivery("room", false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.eventsEmitted.WithLabelValues("post:created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobsProcessed.WithLabelValues("karma:earn")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobsRetried.WithLabelValues("karma:earn")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobsFailed.WithLabelValues("karma:earn")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveries.WithLabelValues("room", "error")))
}

func TestGauges(t *testing.T) {
	m := New()

	m.SetPresence(3, 2, 5)
	m.SetQueueDepth("notifications", 42)
	m.SetStoreHealth(false, 7)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.activeConnections))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.activeRooms))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.queueDepth.WithLabelValues("notifications")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.storeUp))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.EventEmitted("x")
		m.JobFailed("q", time.Second)
		m.SetPresence(1, 1, 1)
		m.ObserveRequest("GET", "/", 200, time.Millisecond)
	})
}

func TestHandler(t *testing.T) {
	m := New()
	m.EventEmitted("announcement")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `notify_events_emitted_total{type="announcement"} 1`)
}
