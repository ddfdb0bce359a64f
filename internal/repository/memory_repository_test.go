package repository

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hubstream/internal/model"
)

func TestMemoryPointRepository_TypeConflictPerPoint(t *testing.T) {
	repo := NewMemoryPointRepository()
	ctx := context.Background()

	first := testPoint("sensor.a", map[string]model.FieldValue{
		"attr_mode": {Type: model.FieldString, Str: "eco"},
	})
	result, err := repo.WritePoints(ctx, []*model.NormalizedPoint{first})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Written)

	conflicting := testPoint("sensor.b", map[string]model.FieldValue{
		"attr_mode": {Type: model.FieldFloat, Float: 1},
		"state":     {Type: model.FieldFloat, Float: 2},
	})
	boolString := testPoint("sensor.c", map[string]model.FieldValue{
		"attr_mode": {Type: model.FieldBoolString, Str: "true"},
	})

	result, err = repo.WritePoints(ctx, []*model.NormalizedPoint{conflicting, boolString})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Written, "a string-typed boolean shares the string storage type")
	require.Len(t, result.Rejected, 1)
	assert.Same(t, conflicting, result.Rejected[0].Point)
	assert.ErrorIs(t, result.Rejected[0].Err, model.ErrTypeConflict)

	types, err := repo.FieldTypes(ctx, "state_changes")
	require.NoError(t, err)
	assert.Equal(t, map[string]model.FieldType{"attr_mode": model.FieldString}, types,
		"fields of a rejected point are not registered")
}

func TestMemoryPointRepository_RejectsNonFiniteFloat(t *testing.T) {
	repo := NewMemoryPointRepository()

	nan := testPoint("sensor.a", map[string]model.FieldValue{"state": {Type: model.FieldFloat, Float: math.NaN()}})
	ok := testPoint("sensor.b", map[string]model.FieldValue{"state": {Type: model.FieldFloat, Float: 3}})

	result, err := repo.WritePoints(context.Background(), []*model.NormalizedPoint{nan, ok})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Written)
	require.Len(t, result.Rejected, 1)
	assert.Same(t, nan, result.Rejected[0].Point)
	assert.ErrorIs(t, result.Rejected[0].Err, model.ErrNormalization)
	assert.Empty(t, repo.PointsFor("sensor.a"))
}

func TestMemoryPointRepository_IdempotentRewrite(t *testing.T) {
	repo := NewMemoryPointRepository()
	ctx := context.Background()

	p := testPoint("sensor.a", map[string]model.FieldValue{"state": {Type: model.FieldFloat, Float: 1}})
	for i := 0; i < 3; i++ {
		_, err := repo.WritePoints(ctx, []*model.NormalizedPoint{p})
		require.NoError(t, err)
	}

	later := testPoint("sensor.a", map[string]model.FieldValue{"state": {Type: model.FieldFloat, Float: 2}})
	later.Time = p.Time.Add(time.Second)
	_, err := repo.WritePoints(ctx, []*model.NormalizedPoint{later})
	require.NoError(t, err)

	points := repo.PointsFor("sensor.a")
	require.Len(t, points, 2)
	assert.Equal(t, 1.0, points[0].Fields["state"].Float)
	assert.Equal(t, 2.0, points[1].Fields["state"].Float)
	assert.Equal(t, 4, repo.Writes())
}

func TestMemoryPointRepository_FailWith(t *testing.T) {
	repo := NewMemoryPointRepository()
	boom := errors.New("disk full")
	repo.FailWith(boom)

	_, err := repo.WritePoints(context.Background(), []*model.NormalizedPoint{
		testPoint("sensor.a", map[string]model.FieldValue{"state": {Type: model.FieldFloat, Float: 1}}),
	})
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, repo.HealthCheck(context.Background()), boom)
	assert.Empty(t, repo.Points())

	repo.FailWith(nil)
	assert.NoError(t, repo.HealthCheck(context.Background()))
}
