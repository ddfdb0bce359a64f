// internal/model/point.go
package model

import "time"

// FieldType is the declared storage type of a field
type FieldType string

const (
	FieldFloat      FieldType = "float"
	FieldInteger    FieldType = "integer"
	FieldString     FieldType = "string"
	FieldBool       FieldType = "bool"
	FieldBoolString FieldType = "bool_string"
)

// StorageType returns the type the storage engine sees for the field.
// String-typed booleans are stored as strings.
func (t FieldType) StorageType() FieldType {
	if t == FieldBoolString {
		return FieldString
	}
	return t
}

// FieldValue is a typed field value
type FieldValue struct {
	Type  FieldType `json:"type"`
	Float float64   `json:"float,omitempty"`
	Int   int64     `json:"int,omitempty"`
	Str   string    `json:"str,omitempty"`
	Bool  bool      `json:"bool,omitempty"`
}

// Interface returns the Go value held by the field
func (f FieldValue) Interface() interface{} {
	switch f.Type.StorageType() {
	case FieldFloat:
		return f.Float
	case FieldInteger:
		return f.Int
	case FieldBool:
		return f.Bool
	default:
		return f.Str
	}
}

// NormalizedPoint is the storage engine write unit
type NormalizedPoint struct {
	Measurement string                `json:"measurement"`
	Tags        map[string]string     `json:"tags"`
	Fields      map[string]FieldValue `json:"fields"`
	Time        time.Time             `json:"time"`
}

// Key identifies the point for idempotent writes
func (p *NormalizedPoint) Key() string {
	return p.Measurement + "|" + p.Tags["entity_id"] + "|" + p.Time.UTC().Format(time.RFC3339Nano)
}
