package repository

import (
	"context"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"hubstream/internal/config"
	"hubstream/internal/model"
)

// fakeWriteEndpoint refuses any body that writes attr_mode as a number
type fakeWriteEndpoint struct {
	mu       sync.Mutex
	requests []*http.Request
	bodies   []string
	status   int
}

func (f *fakeWriteEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	f.requests = append(f.requests, r)
	f.bodies = append(f.bodies, string(body))
	status := f.status
	f.mu.Unlock()

	switch {
	case r.URL.Path == "/health":
		w.WriteHeader(http.StatusOK)
	case status != 0:
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"code":"internal error","message":"storage unavailable"}`))
	case strings.Contains(string(body), "attr_mode=1"):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"code":"unprocessable entity","message":"failure writing points to database: partial write: field type conflict: input field \"attr_mode\" on measurement \"state_changes\" is type float, already exists as type string"}`))
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func newLineProtocolRepo(t *testing.T, endpoint *fakeWriteEndpoint) PointRepository {
	server := httptest.NewServer(endpoint)
	t.Cleanup(server.Close)

	repo, err := NewLineProtocolRepository(config.LineProtocolConfig{
		URL:     server.URL,
		Org:     "home",
		Bucket:  "hubstream",
		Token:   "secret",
		Timeout: time.Second,
	}, zap.NewNop())
	require.NoError(t, err)
	return repo
}

func TestLineProtocolRepository_WritesBatch(t *testing.T) {
	endpoint := &fakeWriteEndpoint{}
	repo := newLineProtocolRepo(t, endpoint)

	points := []*model.NormalizedPoint{
		testPoint("sensor.a", map[string]model.FieldValue{"state": {Type: model.FieldFloat, Float: 1}}),
		testPoint("sensor.b", map[string]model.FieldValue{"state": {Type: model.FieldFloat, Float: 2}}),
	}

	result, err := repo.WritePoints(context.Background(), points)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Written)
	assert.Empty(t, result.Rejected)

	require.Len(t, endpoint.requests, 1)
	req := endpoint.requests[0]
	assert.Equal(t, "/api/v2/write", req.URL.Path)
	assert.Equal(t, "home", req.URL.Query().Get("org"))
	assert.Equal(t, "hubstream", req.URL.Query().Get("bucket"))
	assert.Equal(t, "ns", req.URL.Query().Get("precision"))
	assert.Equal(t, "Token secret", req.Header.Get("Authorization"))
	assert.Equal(t, 2, strings.Count(endpoint.bodies[0], "\n"))
}

func TestLineProtocolRepository_RejectsOnlyConflictingPoints(t *testing.T) {
	endpoint := &fakeWriteEndpoint{}
	repo := newLineProtocolRepo(t, endpoint)

	points := []*model.NormalizedPoint{
		testPoint("sensor.a", map[string]model.FieldValue{"attr_mode": {Type: model.FieldString, Str: "eco"}}),
		testPoint("sensor.b", map[string]model.FieldValue{"attr_mode": {Type: model.FieldFloat, Float: 1}}),
		testPoint("sensor.c", map[string]model.FieldValue{"state": {Type: model.FieldFloat, Float: 3}}),
	}

	result, err := repo.WritePoints(context.Background(), points)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Written)
	require.Len(t, result.Rejected, 1)
	assert.Equal(t, "sensor.b", result.Rejected[0].Point.Tags["entity_id"])
	assert.ErrorIs(t, result.Rejected[0].Err, model.ErrTypeConflict)

	var writeErr *WriteError
	require.ErrorAs(t, result.Rejected[0].Err, &writeErr)
	assert.Equal(t, http.StatusUnprocessableEntity, writeErr.StatusCode)

	assert.Len(t, endpoint.requests, 4, "one batch request then one request per point")
}

func TestLineProtocolRepository_RejectsNonFiniteFloatPerPoint(t *testing.T) {
	endpoint := &fakeWriteEndpoint{}
	repo := newLineProtocolRepo(t, endpoint)

	points := []*model.NormalizedPoint{
		testPoint("sensor.a", map[string]model.FieldValue{"state": {Type: model.FieldFloat, Float: 1}}),
		testPoint("sensor.b", map[string]model.FieldValue{"state": {Type: model.FieldFloat, Float: math.Inf(1)}}),
	}

	result, err := repo.WritePoints(context.Background(), points)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Written)
	require.Len(t, result.Rejected, 1)
	assert.Same(t, points[1], result.Rejected[0].Point)
	assert.ErrorIs(t, result.Rejected[0].Err, model.ErrNormalization)
	assert.NotErrorIs(t, result.Rejected[0].Err, model.ErrTypeConflict)

	require.Len(t, endpoint.bodies, 1)
	assert.Contains(t, endpoint.bodies[0], "entity_id=sensor.a")
	assert.NotContains(t, endpoint.bodies[0], "sensor.b")
}

func TestLineProtocolRepository_StoreFailure(t *testing.T) {
	endpoint := &fakeWriteEndpoint{status: http.StatusServiceUnavailable}
	repo := newLineProtocolRepo(t, endpoint)

	_, err := repo.WritePoints(context.Background(), []*model.NormalizedPoint{
		testPoint("sensor.a", map[string]model.FieldValue{"state": {Type: model.FieldFloat, Float: 1}}),
	})
	require.Error(t, err)

	var writeErr *WriteError
	require.ErrorAs(t, err, &writeErr)
	assert.Equal(t, "storage unavailable", writeErr.Message)
	assert.False(t, writeErr.IsTypeConflict())
	assert.NotErrorIs(t, err, model.ErrTypeConflict)
}

func TestLineProtocolRepository_HealthCheck(t *testing.T) {
	endpoint := &fakeWriteEndpoint{}
	repo := newLineProtocolRepo(t, endpoint)

	require.NoError(t, repo.HealthCheck(context.Background()))
	assert.Equal(t, "/health", endpoint.requests[0].URL.Path)
}

func TestNewLineProtocolRepository_RequiresURL(t *testing.T) {
	_, err := NewLineProtocolRepository(config.LineProtocolConfig{}, zap.NewNop())
	assert.Error(t, err)
}
