// internal/repository/memory_repository.go
package repository

import (
	"context"
	"sort"
	"sync"

	"hubstream/internal/model"
)

// MemoryPointRepository keeps points in memory. It enforces the same
// single-type-per-field rule as the persistent stores.
type MemoryPointRepository struct {
	mu       sync.RWMutex
	points   map[string]*model.NormalizedPoint
	order    []string
	registry map[string]map[string]model.FieldType
	failWith error
	writes   int
}

// NewMemoryPointRepository creates an empty store
func NewMemoryPointRepository() *MemoryPointRepository {
	return &MemoryPointRepository{
		points:   make(map[string]*model.NormalizedPoint),
		registry: make(map[string]map[string]model.FieldType),
	}
}

// FailWith makes every following write fail with err until reset with nil
func (r *MemoryPointRepository) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failWith = err
}

// WritePoints stores points keyed by measurement, entity and time; a
// rewrite of the same key replaces the point
func (r *MemoryPointRepository) WritePoints(ctx context.Context, points []*model.NormalizedPoint) (*WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.writes++
	if r.failWith != nil {
		return nil, r.failWith
	}

	result := &WriteResult{}
	for _, p := range points {
		if err := checkRepresentable(p); err != nil {
			result.reject(p, err)
			continue
		}

		registry := r.registry[p.Measurement]
		if registry == nil {
			registry = make(map[string]model.FieldType)
			r.registry[p.Measurement] = registry
		}

		added, err := checkFieldTypes(registry, p)
		if err != nil {
			result.reject(p, err)
			continue
		}
		for name, fieldType := range added {
			registry[name] = fieldType
		}

		key := p.Key()
		if _, exists := r.points[key]; !exists {
			r.order = append(r.order, key)
		}
		r.points[key] = p
		result.Written++
	}
	return result, nil
}

// FieldTypes returns the registered field types of a measurement
func (r *MemoryPointRepository) FieldTypes(_ context.Context, measurement string) (map[string]model.FieldType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]model.FieldType, len(r.registry[measurement]))
	for name, fieldType := range r.registry[measurement] {
		out[name] = fieldType
	}
	return out, nil
}

// Points returns the stored points in first-write order
func (r *MemoryPointRepository) Points() []*model.NormalizedPoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*model.NormalizedPoint, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.points[key])
	}
	return out
}

// PointsFor returns the stored points of one entity ordered by time
func (r *MemoryPointRepository) PointsFor(entityID string) []*model.NormalizedPoint {
	var out []*model.NormalizedPoint
	for _, p := range r.Points() {
		if p.Tags["entity_id"] == entityID {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}

// Writes returns the number of WritePoints calls
func (r *MemoryPointRepository) Writes() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.writes
}

// HealthCheck reports the injected failure, if any
func (r *MemoryPointRepository) HealthCheck(context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.failWith
}

// Close is a no-op
func (r *MemoryPointRepository) Close() error {
	return nil
}
