// internal/repository/line_protocol.go
package repository

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"hubstream/internal/model"
)

var (
	measurementEscaper = strings.NewReplacer(",", `\,`, " ", `\ `, "\n", `\n`)
	keyEscaper         = strings.NewReplacer(",", `\,`, "=", `\=`, " ", `\ `, "\n", `\n`)
	stringEscaper      = strings.NewReplacer(`"`, `\"`, `\`, `\\`)
)

// EncodeLine renders one point in line protocol with a nanosecond timestamp.
// Tags and fields are written in key order; empty tag values are omitted.
func EncodeLine(p *model.NormalizedPoint) (string, error) {
	if p.Measurement == "" {
		return "", fmt.Errorf("point has no measurement")
	}
	if len(p.Fields) == 0 {
		return "", fmt.Errorf("point for %s has no fields", p.Tags["entity_id"])
	}

	var b strings.Builder
	b.WriteString(measurementEscaper.Replace(p.Measurement))

	for _, key := range sortedFieldNames(p.Tags) {
		value := p.Tags[key]
		if value == "" {
			continue
		}
		b.WriteByte(',')
		b.WriteString(keyEscaper.Replace(key))
		b.WriteByte('=')
		b.WriteString(keyEscaper.Replace(value))
	}

	for i, key := range sortedFieldNames(p.Fields) {
		if i == 0 {
			b.WriteByte(' ')
		} else {
			b.WriteByte(',')
		}
		b.WriteString(keyEscaper.Replace(key))
		b.WriteByte('=')

		value, err := encodeFieldValue(p.Fields[key])
		if err != nil {
			return "", fmt.Errorf("field %s: %w", key, err)
		}
		b.WriteString(value)
	}

	b.WriteByte(' ')
	b.WriteString(strconv.FormatInt(p.Time.UnixNano(), 10))
	return b.String(), nil
}

// EncodeLines renders a batch, one point per line
func EncodeLines(points []*model.NormalizedPoint) ([]byte, error) {
	var b strings.Builder
	for _, p := range points {
		line, err := EncodeLine(p)
		if err != nil {
			return nil, err
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return []byte(b.String()), nil
}

func encodeFieldValue(f model.FieldValue) (string, error) {
	switch f.Type.StorageType() {
	case model.FieldFloat:
		if math.IsNaN(f.Float) || math.IsInf(f.Float, 0) {
			return "", fmt.Errorf("float value %v is not representable", f.Float)
		}
		return strconv.FormatFloat(f.Float, 'f', -1, 64), nil
	case model.FieldInteger:
		return strconv.FormatInt(f.Int, 10) + "i", nil
	case model.FieldBool:
		return strconv.FormatBool(f.Bool), nil
	case model.FieldString:
		return `"` + stringEscaper.Replace(f.Str) + `"`, nil
	default:
		return "", fmt.Errorf("unknown field type %q", f.Type)
	}
}
