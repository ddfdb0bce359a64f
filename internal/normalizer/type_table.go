// internal/normalizer/type_table.go
package normalizer

import (
	"fmt"
	"sort"
	"sync"

	"hubstream/internal/model"
)

// ParseFieldType parses a configured declared type
func ParseFieldType(s string) (model.FieldType, error) {
	switch t := model.FieldType(s); t {
	case model.FieldFloat, model.FieldInteger, model.FieldString, model.FieldBool, model.FieldBoolString:
		return t, nil
	default:
		return "", fmt.Errorf("unknown field type %q", s)
	}
}

// ParseFieldTypes parses a field name to type map, as found in configuration
func ParseFieldTypes(raw map[string]string) (map[string]model.FieldType, error) {
	types := make(map[string]model.FieldType, len(raw))
	for field, s := range raw {
		t, err := ParseFieldType(s)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", field, err)
		}
		types[field] = t
	}
	return types, nil
}

// TypeTable holds the declared type of every field per measurement. The
// first type seen for a field is frozen for the lifetime of the table.
type TypeTable struct {
	mu    sync.RWMutex
	types map[string]map[string]model.FieldType
}

// NewTypeTable creates an empty table
func NewTypeTable() *TypeTable {
	return &TypeTable{types: make(map[string]map[string]model.FieldType)}
}

// Seed declares types for fields that have none yet. Existing declarations
// win, so seeding is safe to repeat.
func (t *TypeTable) Seed(measurement string, types map[string]model.FieldType) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fields := t.fieldsLocked(measurement)
	for name, typ := range types {
		if _, ok := fields[name]; !ok {
			fields[name] = typ
		}
	}
}

// Declared returns the declared type of a field
func (t *TypeTable) Declared(measurement, field string) (model.FieldType, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	typ, ok := t.types[measurement][field]
	return typ, ok
}

// Resolve returns the declared type of a field, declaring inferred when the
// field has not been seen before
func (t *TypeTable) Resolve(measurement, field string, inferred model.FieldType) model.FieldType {
	if typ, ok := t.Declared(measurement, field); ok {
		return typ
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	fields := t.fieldsLocked(measurement)
	if typ, ok := fields[field]; ok {
		return typ
	}
	fields[field] = inferred
	return inferred
}

// Snapshot returns a copy of the declarations for one measurement
func (t *TypeTable) Snapshot(measurement string) map[string]model.FieldType {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]model.FieldType, len(t.types[measurement]))
	for name, typ := range t.types[measurement] {
		out[name] = typ
	}
	return out
}

// Fields returns the declared field names of a measurement in sorted order
func (t *TypeTable) Fields(measurement string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.types[measurement]))
	for name := range t.types[measurement] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (t *TypeTable) fieldsLocked(measurement string) map[string]model.FieldType {
	fields, ok := t.types[measurement]
	if !ok {
		fields = make(map[string]model.FieldType)
		t.types[measurement] = fields
	}
	return fields
}
