// internal/repository/interfaces.go
package repository

import (
	"context"
	"fmt"
	"math"
	"sort"

	"hubstream/internal/model"
)

// PointRepository persists normalized points
type PointRepository interface {
	// WritePoints writes a batch. Points rejected for a field type conflict
	// or an unrepresentable value are reported in the result; any other
	// failure fails the whole call.
	WritePoints(ctx context.Context, points []*model.NormalizedPoint) (*WriteResult, error)

	// FieldTypes returns the field types the store already holds for a measurement
	FieldTypes(ctx context.Context, measurement string) (map[string]model.FieldType, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

// RejectedPoint is a point the store refused
type RejectedPoint struct {
	Point *model.NormalizedPoint
	Err   error
}

// WriteResult reports the outcome of one WritePoints call
type WriteResult struct {
	Written  int
	Rejected []RejectedPoint
}

func (r *WriteResult) reject(p *model.NormalizedPoint, err error) {
	r.Rejected = append(r.Rejected, RejectedPoint{Point: p, Err: err})
}

// checkFieldTypes compares every field of p with the registered types and
// returns the new fields p would register
func checkFieldTypes(registry map[string]model.FieldType, p *model.NormalizedPoint) (map[string]model.FieldType, error) {
	var added map[string]model.FieldType
	for _, name := range sortedFieldNames(p.Fields) {
		fieldType := p.Fields[name].Type
		registered, ok := registry[name]
		if !ok {
			if added == nil {
				added = make(map[string]model.FieldType)
			}
			added[name] = fieldType
			continue
		}
		if registered.StorageType() != fieldType.StorageType() {
			return nil, typeConflict(p, name, registered, fieldType)
		}
	}
	return added, nil
}

// checkRepresentable rejects float fields no store can hold
func checkRepresentable(p *model.NormalizedPoint) error {
	for _, name := range sortedFieldNames(p.Fields) {
		fv := p.Fields[name]
		if fv.Type == model.FieldFloat && (math.IsInf(fv.Float, 0) || math.IsNaN(fv.Float)) {
			return model.NewPipelineError(model.ErrNormalization, "write",
				fmt.Errorf("field %s of %s is not a finite float", name, p.Tags["entity_id"]))
		}
	}
	return nil
}

func typeConflict(p *model.NormalizedPoint, field string, registered, got model.FieldType) error {
	return model.NewPipelineError(model.ErrTypeConflict, "write",
		fmt.Errorf("measurement %s field %s is %s, point for %s has %s",
			p.Measurement, field, registered.StorageType(), p.Tags["entity_id"], got.StorageType()))
}

func sortedFieldNames[V any](fields map[string]V) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
