package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"notify-service/internal/events"
	"notify-service/internal/metrics"
	"notify-service/internal/monitoring"
	"notify-service/internal/queue"
	"notify-service/internal/store"
	"notify-service/internal/websocket"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testApp struct {
	engine   *gin.Engine
	registry *websocket.Registry
	queues   *queue.Engine
}

func newTestApp(t *testing.T, adminToken string) *testApp {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := store.NewMemory()
	t.Cleanup(func() { st.Close() })

	m := metrics.New()
	registry := websocket.NewRegistry(nil)
	hub := websocket.NewHub(registry, websocket.HubOptions{Metrics: m})
	go hub.Run()
	t.Cleanup(hub.Stop)

	graph := events.NewStoreGraph(st)
	router := events.NewRouter(hub, registry, events.RouterOptions{Store: st, Graph: graph, Metrics: m})
	events.RegisterDefaults(router)

	engine, err := queue.New(st, []queue.Definition{
		{Name: "notifications", Priority: queue.PriorityHigh, Concurrency: 1, MaxRetries: 1},
		{Name: "trends:calculate", Priority: queue.PriorityLow, Concurrency: 1, MaxRetries: 2, RetryDelay: time.Second},
	}, queue.Options{PollTimeout: 20 * time.Millisecond, SweepInterval: 10 * time.Millisecond, Metrics: m})
	require.NoError(t, err)
	t.Cleanup(engine.StopAllWorkers)

	require.NoError(t, engine.Register("notifications", queue.ProcessorFunc(func(ctx context.Context, job *queue.Job) error {
		return errors.New("provider rejected message")
	})))
	require.NoError(t, engine.Register("trends:calculate", queue.ProcessorFunc(func(ctx context.Context, job *queue.Job) error {
		return nil
	})))

	monitor := monitoring.New(st, engine, registry, monitoring.Options{QueueDepthThreshold: 1, Metrics: m})

	r := NewRouter(Dependencies{
		Hub:        hub,
		Registry:   registry,
		Events:     router,
		Graph:      graph,
		Queues:     engine,
		Monitor:    monitor,
		Metrics:    m,
		AdminToken: adminToken,
	})
	r.SetupRoutes()
	return &testApp{engine: r.GetEngine(), registry: registry, queues: engine}
}

func (a *testApp) do(t *testing.T, method, path string, body any, headers ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	w := httptest.NewRecorder()
	a.engine.ServeHTTP(w, req)

	var out map[string]any
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func TestLivenessAndMetrics(t *testing.T) {
	app := newTestApp(t, "")

	w, body := app.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])

	w, _ = app.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "notify_")
}

func TestAdminToken(t *testing.T) {
	app := newTestApp(t, "s3cret")

	w, _ := app.do(t, http.MethodGet, "/api/v1/queues", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = app.do(t, http.MethodGet, "/api/v1/queues", nil, "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = app.do(t, http.MethodGet, "/api/v1/queues", nil, "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, w.Code)

	// Liveness stays public.
	w, _ = app.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestQueueRoutes(t *testing.T) {
	app := newTestApp(t, "")

	t.Run("List", func(t *testing.T) {
		w, body := app.do(t, http.MethodGet, "/api/v1/queues", nil)
		require.Equal(t, http.StatusOK, w.Code)
		queues := body["queues"].([]any)
		require.Len(t, queues, 2)
		first := queues[0].(map[string]any)
		assert.Equal(t, "notifications", first["name"])
		assert.Equal(t, "0s", first["config"].(map[string]any)["retryDelay"])
	})

	t.Run("EnqueueAndInspect", func(t *testing.T) {
		w, body := app.do(t, http.MethodPost, "/api/v1/queues/trends:calculate/jobs", map[string]any{
			"payload": map[string]any{"window": "1h"},
		})
		require.Equal(t, http.StatusCreated, w.Code)
		assert.NotEmpty(t, body["id"])

		w, body = app.do(t, http.MethodGet, "/api/v1/queues/trends:calculate", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, 1.0, body["length"])
		assert.Equal(t, false, body["workerRunning"])
	})

	t.Run("EnqueueRejectsBadInput", func(t *testing.T) {
		w, _ := app.do(t, http.MethodPost, "/api/v1/queues/missing/jobs", map[string]any{})
		assert.Equal(t, http.StatusNotFound, w.Code)

		w, _ = app.do(t, http.MethodPost, "/api/v1/queues/trends:calculate/jobs", map[string]any{"priority": "urgent"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Update", func(t *testing.T) {
		w, _ := app.do(t, http.MethodPost, "/api/v1/queues/trends:calculate/start", nil)
		require.Equal(t, http.StatusOK, w.Code)
		// Starting twice is not an error.
		w, _ = app.do(t, http.MethodPost, "/api/v1/queues/trends:calculate/start", nil)
		require.Equal(t, http.StatusOK, w.Code)

		w, _ = app.do(t, http.MethodPut, "/api/v1/queues/trends:calculate", map[string]any{"concurrency": 4})
		assert.Equal(t, http.StatusConflict, w.Code)

		w, _ = app.do(t, http.MethodPost, "/api/v1/queues/trends:calculate/stop", nil)
		require.Equal(t, http.StatusOK, w.Code)

		w, body := app.do(t, http.MethodPut, "/api/v1/queues/trends:calculate", map[string]any{"concurrency": 4, "retryDelay": "3s"})
		require.Equal(t, http.StatusOK, w.Code)
		cfg := body["config"].(map[string]any)
		assert.Equal(t, 4.0, cfg["concurrency"])
		assert.Equal(t, "3s", cfg["retryDelay"])

		w, _ = app.do(t, http.MethodPut, "/api/v1/queues/trends:calculate", map[string]any{"retryDelay": "soon"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		w, _ = app.do(t, http.MethodPut, "/api/v1/queues/trends:calculate", map[string]any{"concurrency": 0})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Clear", func(t *testing.T) {
		_, err := app.queues.Enqueue(context.Background(), "trends:calculate", nil, queue.EnqueueOptions{})
		require.NoError(t, err)

		w, body := app.do(t, http.MethodDelete, "/api/v1/queues/trends:calculate", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.GreaterOrEqual(t, body["removed"].(float64), 1.0)

		w, _ = app.do(t, http.MethodDelete, "/api/v1/queues/missing", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestFailedJobRoutes(t *testing.T) {
	app := newTestApp(t, "")

	w, body := app.do(t, http.MethodPost, "/api/v1/queues/notifications/jobs", map[string]any{"payload": map[string]any{"to": "u1"}})
	require.Equal(t, http.StatusCreated, w.Code)
	id := body["id"].(string)

	w, _ = app.do(t, http.MethodPost, "/api/v1/queues/notifications/start", nil)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Eventually(t, func() bool {
		_, body := app.do(t, http.MethodGet, "/api/v1/jobs/failed?limit=10", nil)
		return body["count"] == 1.0
	}, 2*time.Second, 10*time.Millisecond)

	w, _ = app.do(t, http.MethodPost, "/api/v1/queues/notifications/stop", nil)
	require.Equal(t, http.StatusOK, w.Code)

	_, body = app.do(t, http.MethodGet, "/api/v1/jobs/failed", nil)
	job := body["jobs"].([]any)[0].(map[string]any)
	assert.Equal(t, id, job["id"])
	assert.Equal(t, "provider rejected message", job["finalError"])

	w, _ = app.do(t, http.MethodGet, "/api/v1/jobs/failed?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = app.do(t, http.MethodPost, "/api/v1/jobs/failed/"+id+"/retry", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)

	w, _ = app.do(t, http.MethodPost, "/api/v1/jobs/failed/"+id+"/retry", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	_, body = app.do(t, http.MethodGet, "/api/v1/queues/notifications", nil)
	assert.Equal(t, 1.0, body["length"])
}

func TestEventRoutes(t *testing.T) {
	app := newTestApp(t, "")

	t.Run("Emit", func(t *testing.T) {
		w, body := app.do(t, http.MethodPost, "/api/v1/events", map[string]any{
			"type":    "karma:earned",
			"payload": map[string]any{"userId": "u1", "amount": 5},
		})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, false, body["dropped"])
	})

	t.Run("UnknownTypeIsDropped", func(t *testing.T) {
		w, body := app.do(t, http.MethodPost, "/api/v1/events", map[string]any{"type": "user:teleported"})
		require.Equal(t, http.StatusAccepted, w.Code)
		assert.Equal(t, true, body["dropped"])
	})

	t.Run("InvalidPayload", func(t *testing.T) {
		w, _ := app.do(t, http.MethodPost, "/api/v1/events", map[string]any{"type": "karma:earned", "payload": map[string]any{}})
		assert.Equal(t, http.StatusBadRequest, w.Code)

		w, _ = app.do(t, http.MethodPost, "/api/v1/events", map[string]any{"payload": map[string]any{}})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Types", func(t *testing.T) {
		w, body := app.do(t, http.MethodGet, "/api/v1/events/types", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, body["types"], "post:created")
	})

	t.Run("Snapshot", func(t *testing.T) {
		w, _ := app.do(t, http.MethodPost, "/api/v1/events", map[string]any{
			"type":    "poll:voted",
			"payload": map[string]any{"pollId": "7", "results": map[string]any{"yes": 2}},
		})
		require.Equal(t, http.StatusOK, w.Code)

		w, body := app.do(t, http.MethodGet, "/api/v1/rooms/poll:7/snapshot/poll:voted", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "7", body["payload"].(map[string]any)["pollId"])

		w, _ = app.do(t, http.MethodGet, "/api/v1/rooms/poll:8/snapshot/poll:voted", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("Followers", func(t *testing.T) {
		w, _ := app.do(t, http.MethodPost, "/api/v1/users/a1/followers", map[string]any{"followerId": "f1"})
		assert.Equal(t, http.StatusCreated, w.Code)

		w, _ = app.do(t, http.MethodPost, "/api/v1/users/a1/followers", map[string]any{})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestPresenceRoutes(t *testing.T) {
	app := newTestApp(t, "")
	conn := app.registry.OnConnect()
	require.NoError(t, app.registry.Authenticate(conn, "u1"))
	require.NoError(t, app.registry.JoinRoom("u1", "post:1"))

	w, body := app.do(t, http.MethodGet, "/api/v1/connections", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1.0, body["connections"])
	assert.Equal(t, 1.0, body["rooms"])

	w, body = app.do(t, http.MethodGet, "/api/v1/rooms/post:1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1.0, body["size"])
	assert.Equal(t, []any{"u1"}, body["members"])

	w, body = app.do(t, http.MethodGet, "/api/v1/users/u1/rooms", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["reachable"])
	assert.Equal(t, []any{"post:1"}, body["rooms"])
	assert.Equal(t, []any{conn}, body["connections"])
}

func TestHealthRoutes(t *testing.T) {
	app := newTestApp(t, "")

	_, err := app.queues.Enqueue(context.Background(), "trends:calculate", nil, queue.EnqueueOptions{})
	require.NoError(t, err)
	_, err = app.queues.Enqueue(context.Background(), "trends:calculate", nil, queue.EnqueueOptions{})
	require.NoError(t, err)

	w, body := app.do(t, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["healthy"])
	assert.Equal(t, "healthy", body["store"].(map[string]any)["status"])

	w, body = app.do(t, http.MethodGet, "/api/v1/alerts?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1.0, body["count"])
	alert := body["alerts"].([]any)[0].(map[string]any)
	assert.Equal(t, monitoring.AlertQueueDepth, alert["type"])
	assert.Equal(t, "trends:calculate", alert["subject"])
}
