package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"hubstream/internal/model"
	"hubstream/internal/service"
)

type fakeWriter struct {
	mu      sync.Mutex
	calls   [][]*model.CanonicalEvent
	writeFn func(events []*model.CanonicalEvent) (*service.WriteSummary, error)
}

func (w *fakeWriter) Write(_ context.Context, events []*model.CanonicalEvent) (*service.WriteSummary, error) {
	w.mu.Lock()
	w.calls = append(w.calls, events)
	w.mu.Unlock()

	if w.writeFn != nil {
		return w.writeFn(events)
	}
	return &service.WriteSummary{Accepted: len(events)}, nil
}

func (w *fakeWriter) callCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.calls)
}

func newEventRouter(h *EventHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	h.RegisterRoutes(router.Group(""))
	return router
}

const eventJSON = `{
	"event_type": "state_changed",
	"entity_id": "sensor.temperature",
	"domain": "sensor",
	"new_state": {"state": "21.5", "attributes": {"unit_of_measurement": "°C"}, "last_changed": "2024-05-01T12:00:00Z", "last_updated": "2024-05-01T12:00:00Z"},
	"context": {"id": "01HX"},
	"time_fired": "2024-05-01T12:00:00Z"
}`

func post(router http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

type apiResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Details string `json:"details"`
	} `json:"error"`
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) apiResponse {
	t.Helper()
	var resp apiResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

func TestPostEvent_Accepted(t *testing.T) {
	writer := &fakeWriter{}
	router := newEventRouter(NewEventHandler(writer, zap.NewNop()))

	w := post(router, "/events", eventJSON)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Len(t, writer.calls, 1)
	require.Len(t, writer.calls[0], 1)

	event := writer.calls[0][0]
	assert.Equal(t, "sensor.temperature", event.EntityID)
	state, ok := event.NewState.State.AsString()
	assert.True(t, ok)
	assert.Equal(t, "21.5", state)

	resp := decodeResponse(t, w)
	assert.True(t, resp.Success)
	assert.JSONEq(t, `{"accepted":1,"rejected":0,"field_errors":0}`, string(resp.Data))
}

func TestPostEvent_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		writeErr   error
		summary    *service.WriteSummary
		wantStatus int
		wantCode   string
		retryAfter string
	}{
		{
			name:       "malformed json",
			body:       `{"entity_id":`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "BAD_REQUEST",
		},
		{
			name: "event rejected by writer",
			body: eventJSON,
			summary: &service.WriteSummary{Rejected: 1, Rejections: []service.EventRejection{
				{Index: 0, EntityID: "sensor.temperature", Reason: "validation", Error: "new_state is required"},
			}},
			wantStatus: http.StatusBadRequest,
			wantCode:   "BAD_REQUEST",
		},
		{
			name:       "queue full",
			body:       eventJSON,
			writeErr:   service.ErrQueueFull,
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "SERVICE_UNAVAILABLE",
			retryAfter: "5",
		},
		{
			name:       "shutting down",
			body:       eventJSON,
			writeErr:   service.ErrShuttingDown,
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "SERVICE_UNAVAILABLE",
			retryAfter: "5",
		},
		{
			name:       "processing error",
			body:       eventJSON,
			writeErr:   errors.New("normalizer exploded"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   "INTERNAL_SERVER_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writer := &fakeWriter{writeFn: func(events []*model.CanonicalEvent) (*service.WriteSummary, error) {
				if tt.writeErr != nil {
					return &service.WriteSummary{}, tt.writeErr
				}
				return tt.summary, nil
			}}
			router := newEventRouter(NewEventHandler(writer, zap.NewNop()))

			w := post(router, "/events", tt.body)

			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			assert.Equal(t, tt.retryAfter, w.Header().Get("Retry-After"))
			resp := decodeResponse(t, w)
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.wantCode, resp.Error.Code)
		})
	}
}

func TestPostBatch_Accepted(t *testing.T) {
	writer := &fakeWriter{writeFn: func(events []*model.CanonicalEvent) (*service.WriteSummary, error) {
		return &service.WriteSummary{
			Accepted: len(events) - 1,
			Rejected: 1,
			Rejections: []service.EventRejection{
				{Index: 1, EntityID: "sensor.humidity", Reason: "validation", Error: "bad"},
			},
		}, nil
	}}
	router := newEventRouter(NewEventHandler(writer, zap.NewNop()))

	body := `{"batch_id":"b-1","events":[` + eventJSON + `,` + eventJSON + `,` + eventJSON + `]}`
	w := post(router, "/events/batch", body)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Len(t, writer.calls, 1)
	assert.Len(t, writer.calls[0], 3)

	var result struct {
		BatchID  string `json:"batch_id"`
		Accepted int    `json:"accepted"`
		Rejected int    `json:"rejected"`
	}
	require.NoError(t, json.Unmarshal(decodeResponse(t, w).Data, &result))
	assert.Equal(t, "b-1", result.BatchID)
	assert.Equal(t, 2, result.Accepted)
	assert.Equal(t, 1, result.Rejected)
}

func TestPostBatch_Validation(t *testing.T) {
	t.Run("empty batch", func(t *testing.T) {
		writer := &fakeWriter{}
		w := post(newEventRouter(NewEventHandler(writer, zap.NewNop())), "/events/batch", `{"batch_id":"b-1","events":[]}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Zero(t, writer.callCount())
	})

	t.Run("malformed json", func(t *testing.T) {
		writer := &fakeWriter{}
		w := post(newEventRouter(NewEventHandler(writer, zap.NewNop())), "/events/batch", `{"events":[{]}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Zero(t, writer.callCount())
	})

	t.Run("too many events", func(t *testing.T) {
		writer := &fakeWriter{}
		h := NewEventHandler(writer, zap.NewNop())
		h.maxBatchEvents = 2
		body := `{"events":[` + eventJSON + `,` + eventJSON + `,` + eventJSON + `]}`
		w := post(newEventRouter(h), "/events/batch", body)
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
		assert.Zero(t, writer.callCount())
	})

	t.Run("body too large", func(t *testing.T) {
		writer := &fakeWriter{}
		h := NewEventHandler(writer, zap.NewNop())
		h.maxBodyBytes = 64
		body := `{"events":[` + eventJSON + `]}`
		w := post(newEventRouter(h), "/events/batch", body)
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
		assert.Zero(t, writer.callCount())
	})
}

func TestPostBatch_QueueFullAsksForRetry(t *testing.T) {
	writer := &fakeWriter{writeFn: func([]*model.CanonicalEvent) (*service.WriteSummary, error) {
		return &service.WriteSummary{Accepted: 1}, service.ErrQueueFull
	}}
	h := NewEventHandler(writer, zap.NewNop())
	h.retryAfter = 1500 * time.Millisecond

	var body bytes.Buffer
	body.WriteString(`{"batch_id":"b-2","events":[` + eventJSON + `]}`)
	w := post(newEventRouter(h), "/events/batch", body.String())

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
}
