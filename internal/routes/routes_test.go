package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"hubstream/internal/config"
	"hubstream/internal/handler"
	"hubstream/internal/metrics"
	"hubstream/internal/normalizer"
	"hubstream/internal/repository"
	"hubstream/internal/service"
)

func testConfig() *config.Config {
	return &config.Config{
		App: config.AppConfig{Name: "hubstream", Version: "test", Environment: "test"},
	}
}

const batchBody = `{"batch_id":"9b1f","events":[
	{"event_type":"state_changed","entity_id":"sensor.temperature","domain":"sensor",
	 "new_state":{"state":"21.5","last_changed":"2024-05-01T12:00:00Z","last_updated":"2024-05-01T12:00:00Z"},
	 "context":{"id":"c1"},"time_fired":"2024-05-01T12:00:00Z"},
	{"event_type":"state_changed","entity_id":"light.kitchen","domain":"light",
	 "new_state":{"state":"on","attributes":{"brightness":180},"last_changed":"2024-05-01T12:00:01Z","last_updated":"2024-05-01T12:00:01Z"},
	 "context":{"id":"c2"},"time_fired":"2024-05-01T12:00:01Z"}
]}`

func TestBatchEndpoint_WritesPoints(t *testing.T) {
	m := metrics.New()
	repo := repository.NewMemoryPointRepository()
	norm := normalizer.New("state_changes", nil, zap.NewNop(), m)
	writer := service.NewWriterService(config.WriterConfig{
		Measurement: "state_changes",
		MaxSize:     100,
		MaxAge:      time.Hour,
		QueueSize:   4,
	}, norm, repo, nil, zap.NewNop(), m)

	done := make(chan error, 1)
	go func() { done <- writer.Run(context.Background()) }()

	router := NewRouter(testConfig(), zap.NewNop(), m, writer).Handler()

	req := httptest.NewRequest(http.MethodPost, "/events:batch", strings.NewReader(batchBody))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"accepted":2`)

	require.NoError(t, writer.Close(context.Background()))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("writer did not stop")
	}

	assert.Len(t, repo.Points(), 2)
	assert.Len(t, repo.PointsFor("light.kitchen"), 1)
}

func TestBatchPathRewrite(t *testing.T) {
	var seen string
	next := http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) { seen = r.URL.Path })

	for path, want := range map[string]string{
		"/events:batch": "/events/batch",
		"/events":       "/events",
		"/health":       "/health",
	} {
		BatchPathRewrite(next).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, path, nil))
		assert.Equal(t, want, seen)
	}
}

func TestHealthOnlyRouter(t *testing.T) {
	m := metrics.New()
	m.EventsReceived.Inc()

	router := NewRouter(testConfig(), zap.NewNop(), m, nil, handler.Check{
		Name:     "hub",
		Critical: true,
		Probe: func(context.Context) (map[string]interface{}, error) {
			return map[string]interface{}{"state": "SUBSCRIBED"}, nil
		},
	}).Handler()

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}

	assert.Equal(t, http.StatusOK, get("/health").Code)
	assert.Equal(t, http.StatusOK, get("/ready").Code)
	assert.Equal(t, http.StatusOK, get("/live").Code)

	metricsResp := get("/metrics")
	require.Equal(t, http.StatusOK, metricsResp.Code)
	assert.Contains(t, metricsResp.Body.String(), "hubstream_events_received_total 1")

	assert.Equal(t, http.StatusMovedPermanently, get("/docs").Code)
	assert.Equal(t, http.StatusOK, get("/swagger/doc.json").Code)

	// no writer, no event routes
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/events", strings.NewReader("{}")))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRequestIDPropagation(t *testing.T) {
	router := NewRouter(testConfig(), zap.NewNop(), nil, nil).Handler()

	req := httptest.NewRequest(http.MethodGet, "/live", nil)
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}
