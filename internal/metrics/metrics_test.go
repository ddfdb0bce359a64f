package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hubstream/internal/model"
)

func TestSetConnectionState(t *testing.T) {
	m := New()

	m.SetConnectionState(model.ConnectionConnecting)
	m.SetConnectionState(model.ConnectionSubscribed)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionState.WithLabelValues("SUBSCRIBED")))
	for _, state := range []string{"DISCONNECTED", "CONNECTING", "AUTHENTICATING", "CLOSING"} {
		assert.Equal(t, 0.0, testutil.ToFloat64(m.ConnectionState.WithLabelValues(state)), state)
	}
}

func TestSetBreakerState(t *testing.T) {
	m := New()

	m.SetBreakerState("downstream", model.CircuitOpen)
	m.SetBreakerState("other", model.CircuitClosed)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("downstream", "OPEN")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("downstream", "CLOSED")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("downstream", "HALF_OPEN")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("other", "CLOSED")))
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.EventsReceived.Add(3)
	m.EventsDropped.WithLabelValues("validation").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "hubstream_events_received_total 3")
	assert.Contains(t, string(body), `hubstream_events_dropped_total{reason="validation"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestRegistriesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.PointsWritten.Add(5)

	assert.Equal(t, 5.0, testutil.ToFloat64(a.PointsWritten))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.PointsWritten))

	families, err := b.Registry().Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() == "hubstream_points_written_total" {
			require.Len(t, family.GetMetric(), 1)
			assert.Equal(t, 0.0, family.GetMetric()[0].GetCounter().GetValue())
			return
		}
	}
	t.Fatal("points_written family not registered")
}
