// Package normalizer converts canonical events into typed storage points.
package normalizer

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"hubstream/internal/metrics"
	"hubstream/internal/model"
)

// FieldError describes one field dropped from a point
type FieldError struct {
	Field        string          `json:"field"`
	DeclaredType model.FieldType `json:"declared_type"`
	Value        string          `json:"value"`
	Err          error           `json:"-"`
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %s (%s) value %q: %v", e.Field, e.DeclaredType, e.Value, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

// Normalizer builds one NormalizedPoint per event using a shared TypeTable
type Normalizer struct {
	measurement string
	table       *TypeTable
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

// New creates a normalizer writing into measurement. m may be nil.
func New(measurement string, table *TypeTable, logger *zap.Logger, m *metrics.Metrics) *Normalizer {
	if table == nil {
		table = NewTypeTable()
	}
	return &Normalizer{
		measurement: measurement,
		table:       table,
		logger:      logger.With(zap.String("component", "normalizer")),
		metrics:     m,
	}
}

// Measurement returns the measurement points are written to
func (n *Normalizer) Measurement() string {
	return n.measurement
}

// Table returns the type table shared with the store
func (n *Normalizer) Table() *TypeTable {
	return n.table
}

// Normalize re-validates the event and converts it into a point. Fields that
// cannot be coerced to their declared type are left out of the point and
// reported; the rest of the point is kept.
func (n *Normalizer) Normalize(event *model.CanonicalEvent) (*model.NormalizedPoint, []FieldError, error) {
	if event == nil {
		return nil, nil, model.NewPipelineError(model.ErrValidation, "normalize", fmt.Errorf("nil event"))
	}
	if err := event.Validate(); err != nil {
		return nil, nil, err
	}

	point := &model.NormalizedPoint{
		Measurement: n.measurement,
		Tags:        n.tags(event),
		Fields:      make(map[string]model.FieldValue),
		Time:        event.Timestamp().UTC(),
	}

	var fieldErrs []FieldError
	set := func(name string, v model.Value) {
		if v.IsNull() {
			return
		}
		if ferr := n.setField(point, name, v); ferr != nil {
			fieldErrs = append(fieldErrs, *ferr)
		}
	}

	n.setState(point, event.NewState.State, set)

	names := make([]string, 0, len(event.NewState.Attributes))
	for name := range event.NewState.Attributes {
		names = append(names, name)
	}
	sort.Strings(names)
	fieldOf := make(map[string]string, len(names))
	for _, name := range names {
		v := event.NewState.Attributes[name]
		if v.IsNull() {
			continue
		}
		field := "attr_" + FieldName(name)
		if first, taken := fieldOf[field]; taken {
			fieldErrs = append(fieldErrs, FieldError{
				Field:        field,
				DeclaredType: n.table.Resolve(n.measurement, field, inferType(v)),
				Value:        v.Text(),
				Err: model.NewPipelineError(model.ErrNormalization, "attribute",
					fmt.Errorf("attribute %q maps to the same field as %q", name, first)),
			})
			continue
		}
		fieldOf[field] = name
		set(field, v)
	}

	if event.DurationInState != nil {
		set("duration_in_state", model.NumberValue(*event.DurationInState))
	}

	if w := event.Enrichment.Weather; w != nil {
		setFloat := func(name string, f *float64) {
			if f != nil {
				set(name, model.NumberValue(*f))
			}
		}
		setFloat("weather_temperature", w.Temperature)
		setFloat("weather_humidity", w.Humidity)
		setFloat("weather_pressure", w.Pressure)
		setFloat("weather_wind_speed", w.WindSpeed)
		setFloat("weather_wind_bearing", w.WindBearing)
		if w.Condition != "" {
			set("weather_condition", model.StringValue(w.Condition))
		}
	}

	if md := event.Enrichment.Metadata; md != nil {
		if md.Manufacturer != "" {
			set("device_manufacturer", model.StringValue(md.Manufacturer))
		}
		if md.Model != "" {
			set("device_model", model.StringValue(md.Model))
		}
	}

	for _, ferr := range fieldErrs {
		if n.metrics != nil {
			n.metrics.FieldErrors.WithLabelValues(string(ferr.DeclaredType)).Inc()
		}
		n.logger.Warn("Dropped field from point",
			zap.String("entity_id", event.EntityID),
			zap.String("field", ferr.Field),
			zap.String("declared_type", string(ferr.DeclaredType)),
			zap.String("value", ferr.Value),
			zap.Error(ferr.Err),
		)
	}

	if len(point.Fields) == 0 {
		return nil, fieldErrs, model.NewPipelineError(model.ErrNormalization, "normalize",
			fmt.Errorf("no field of %s could be normalized", event.EntityID))
	}
	return point, fieldErrs, nil
}

func (n *Normalizer) tags(event *model.CanonicalEvent) map[string]string {
	tags := map[string]string{
		"entity_id":  event.EntityID,
		"domain":     event.Domain,
		"event_type": string(event.EventType),
	}
	if md := event.Enrichment.Metadata; md != nil {
		if md.DeviceID != "" {
			tags["device_id"] = md.DeviceID
		}
		if md.AreaID != "" {
			tags["area_id"] = md.AreaID
		}
	}
	return tags
}

// setState writes the numeric state field when the state parses as a finite
// number and the field is declared float; anything else goes to state_str
func (n *Normalizer) setState(point *model.NormalizedPoint, state model.Value, set func(string, model.Value)) {
	if d, numeric := parseNumber(state); numeric && isFinite(d) {
		declared := n.table.Resolve(n.measurement, "state", model.FieldFloat)
		if declared == model.FieldFloat {
			set("state", state)
			return
		}
	}
	set("state_str", model.StringValue(state.Text()))
}

func (n *Normalizer) setField(point *model.NormalizedPoint, name string, v model.Value) *FieldError {
	declared := n.table.Resolve(n.measurement, name, inferType(v))

	fv, err := Coerce(v, declared)
	if err != nil {
		return &FieldError{
			Field:        name,
			DeclaredType: declared,
			Value:        v.Text(),
			Err:          model.NewPipelineError(model.ErrNormalization, "coerce", err),
		}
	}
	point.Fields[name] = fv
	return nil
}

// Coerce converts v to the declared type
func Coerce(v model.Value, declared model.FieldType) (model.FieldValue, error) {
	switch declared {
	case model.FieldFloat:
		d, ok := parseNumber(v)
		if !ok {
			return model.FieldValue{}, fmt.Errorf("%s value is not numeric", v.Kind())
		}
		if !isFinite(d) {
			return model.FieldValue{}, fmt.Errorf("%s is out of float range", d.String())
		}
		f, _ := d.Float64()
		return model.FieldValue{Type: model.FieldFloat, Float: f}, nil

	case model.FieldInteger:
		d, ok := parseNumber(v)
		if !ok {
			return model.FieldValue{}, fmt.Errorf("%s value is not numeric", v.Kind())
		}
		if !d.IsInteger() {
			return model.FieldValue{}, fmt.Errorf("%s is not an integer", d.String())
		}
		if d.LessThan(minInt64) || d.GreaterThan(maxInt64) {
			return model.FieldValue{}, fmt.Errorf("%s is out of integer range", d.String())
		}
		return model.FieldValue{Type: model.FieldInteger, Int: d.IntPart()}, nil

	case model.FieldBool, model.FieldBoolString:
		b, ok := parseBool(v)
		if !ok {
			return model.FieldValue{}, fmt.Errorf("%s value is not a boolean", v.Kind())
		}
		if declared == model.FieldBool {
			return model.FieldValue{Type: model.FieldBool, Bool: b}, nil
		}
		return model.FieldValue{Type: model.FieldBoolString, Str: boolString(b)}, nil

	case model.FieldString:
		if b, ok := v.AsBool(); ok {
			return model.FieldValue{Type: model.FieldString, Str: boolString(b)}, nil
		}
		return model.FieldValue{Type: model.FieldString, Str: v.Text()}, nil

	default:
		return model.FieldValue{}, fmt.Errorf("unknown declared type %q", declared)
	}
}

// FieldName maps an attribute name onto [a-z0-9_]
func FieldName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// inferType picks the type a field is declared with when first seen.
// Booleans are stored as strings so a later string value cannot conflict.
func inferType(v model.Value) model.FieldType {
	switch v.Kind() {
	case model.KindNumber:
		return model.FieldFloat
	case model.KindBool:
		return model.FieldBoolString
	default:
		return model.FieldString
	}
}

var (
	minInt64 = decimal.NewFromInt(math.MinInt64)
	maxInt64 = decimal.NewFromInt(math.MaxInt64)
)

func parseNumber(v model.Value) (decimal.Decimal, bool) {
	if f, ok := v.AsNumber(); ok {
		if math.IsInf(f, 0) || math.IsNaN(f) {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromFloat(f), true
	}
	if s, ok := v.AsString(); ok {
		d, err := decimal.NewFromString(strings.TrimSpace(s))
		if err != nil {
			return decimal.Decimal{}, false
		}
		return d, true
	}
	return decimal.Decimal{}, false
}

func isFinite(d decimal.Decimal) bool {
	f, _ := d.Float64()
	return !math.IsInf(f, 0) && !math.IsNaN(f)
}

func parseBool(v model.Value) (bool, bool) {
	if b, ok := v.AsBool(); ok {
		return b, true
	}
	if s, ok := v.AsString(); ok {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true":
			return true, true
		case "false":
			return false, true
		}
	}
	return false, false
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
