// Package telemetry turns loosely typed unit payloads into model.Telemetry.
//
// All trust-boundary parsing for inbound telemetry lives here. Normalize is
// total: it never panics, never produces NaN or infinities, and reports
// problems through a *DecodeError alongside a best-effort record.
package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"solartracker/solarsync/internal/model"
)

// DecodeError describes why a payload could not be fully normalized.
type DecodeError struct {
	// Err is set when the payload is not a JSON object at all.
	Err error
	// Fields lists keys that were present but could not be coerced.
	Fields []string
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode telemetry: %v", e.Err)
	}
	return fmt.Sprintf("decode telemetry: invalid fields %s", strings.Join(e.Fields, ","))
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Malformed reports whether nothing usable could be read from the payload.
func (e *DecodeError) Malformed() bool { return e.Err != nil }

var (
	errNotObject    = errors.New("payload is not a JSON object")
	errTrailingData = errors.New("data after the JSON object")
)

// maxExactInt bounds integer fields to values a float64 represents exactly.
const maxExactInt = 1 << 53

var intFields = []struct {
	key string
	dst func(*model.Telemetry) **int
}{
	{"top", func(t *model.Telemetry) **int { return &t.Top }},
	{"left", func(t *model.Telemetry) **int { return &t.Left }},
	{"right", func(t *model.Telemetry) **int { return &t.Right }},
	{"avg", func(t *model.Telemetry) **int { return &t.Avg }},
	{"horizontalError", func(t *model.Telemetry) **int { return &t.HorizontalError }},
	{"verticalError", func(t *model.Telemetry) **int { return &t.VerticalError }},
}

var floatFields = []struct {
	key string
	dst func(*model.Telemetry) **float64
}{
	{"tiltAngle", func(t *model.Telemetry) **float64 { return &t.TiltAngle }},
	{"panAngle", func(t *model.Telemetry) **float64 { return &t.PanAngle }},
	{"panTarget", func(t *model.Telemetry) **float64 { return &t.PanTarget }},
	{"powerW", func(t *model.Telemetry) **float64 { return &t.PowerW }},
	{"powerActualW", func(t *model.Telemetry) **float64 { return &t.PowerActualW }},
	{"tempC", func(t *model.Telemetry) **float64 { return &t.TempC }},
	{"batteryPct", func(t *model.Telemetry) **float64 { return &t.BatteryPct }},
	{"batteryV", func(t *model.Telemetry) **float64 { return &t.BatteryV }},
	{"efficiency", func(t *model.Telemetry) **float64 { return &t.Efficiency }},
	{"energyWh", func(t *model.Telemetry) **float64 { return &t.EnergyWh }},
	{"energyKWh", func(t *model.Telemetry) **float64 { return &t.EnergyKWh }},
	{"co2kg", func(t *model.Telemetry) **float64 { return &t.CO2kg }},
	{"trees", func(t *model.Telemetry) **float64 { return &t.Trees }},
	{"phones", func(t *model.Telemetry) **float64 { return &t.Phones }},
	{"phoneMinutes", func(t *model.Telemetry) **float64 { return &t.PhoneMinutes }},
	{"pesos", func(t *model.Telemetry) **float64 { return &t.Pesos }},
}

var boolFields = []struct {
	key string
	dst func(*model.Telemetry) **bool
}{
	{"manual", func(t *model.Telemetry) **bool { return &t.Manual }},
	{"steady", func(t *model.Telemetry) **bool { return &t.Steady }},
	{"wifiConnected", func(t *model.Telemetry) **bool { return &t.WiFiConnected }},
}

// Normalize decodes payload into a typed record. The returned error, when
// non-nil, is always a *DecodeError; the record is still the best effort.
func Normalize(payload []byte) (model.Telemetry, error) {
	fields, err := decodeObject(payload)
	if err != nil {
		return model.Telemetry{}, &DecodeError{Err: err}
	}
	return NormalizeFields(fields)
}

// NormalizeFields is Normalize for an already decoded JSON object.
func NormalizeFields(fields map[string]any) (model.Telemetry, error) {
	var (
		out     model.Telemetry
		invalid []string
	)

	out.Name, invalid = identity(fields)
	if v, ok := fields["device_id"]; ok {
		if s, ok := String(v); ok && (s == "" || ValidUnitID(s)) {
			out.DeviceID = s
		} else if v != nil {
			invalid = append(invalid, "device_id")
		}
	}

	for _, f := range intFields {
		v, ok := fields[f.key]
		if !ok || absent(v) {
			continue
		}
		n, ok := Int(v)
		if !ok {
			invalid = append(invalid, f.key)
			continue
		}
		*f.dst(&out) = &n
	}

	for _, f := range floatFields {
		v, ok := fields[f.key]
		if !ok || absent(v) {
			continue
		}
		x, ok := Float(v)
		if !ok {
			invalid = append(invalid, f.key)
			continue
		}
		*f.dst(&out) = &x
	}

	for _, f := range boolFields {
		v, ok := fields[f.key]
		if !ok || absent(v) {
			continue
		}
		b, ok := Bool(v)
		if !ok {
			invalid = append(invalid, f.key)
			continue
		}
		*f.dst(&out) = &b
	}

	if v, ok := fields["wifiSSID"]; ok && v != nil {
		if s, ok := String(v); ok {
			out.WiFiSSID = &s
		} else {
			invalid = append(invalid, "wifiSSID")
		}
	}

	if len(invalid) > 0 {
		sort.Strings(invalid)
		return out, &DecodeError{Fields: invalid}
	}
	return out, nil
}

func decodeObject(payload []byte) (map[string]any, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, errors.New("empty payload")
	}
	if trimmed[0] != '{' {
		return nil, errNotObject
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, errNotObject
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errTrailingData
	}
	return fields, nil
}

// absent treats JSON null and blank strings as a missing field.
func absent(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
		return true
	}
	return false
}

// Float coerces JSON numbers and numeric strings to a finite float64.
func Float(v any) (float64, bool) {
	var (
		f   float64
		err error
	)
	switch x := v.(type) {
	case json.Number:
		f, err = strconv.ParseFloat(string(x), 64)
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case string:
		f, err = strconv.ParseFloat(strings.TrimSpace(x), 64)
	default:
		return 0, false
	}
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// Int coerces like Float and truncates toward zero.
func Int(v any) (int, bool) {
	f, ok := Float(v)
	if !ok {
		return 0, false
	}
	f = math.Trunc(f)
	if f > maxExactInt || f < -maxExactInt {
		return 0, false
	}
	return int(f), true
}

// Bool accepts true/false, "true"/"false", "1"/"0" and the numbers 1 and 0.
func Bool(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "1":
			return true, true
		case "false", "0":
			return false, true
		}
		return false, false
	case json.Number, float64, int, int64:
		f, ok := Float(x)
		if !ok {
			return false, false
		}
		switch f {
		case 1:
			return true, true
		case 0:
			return false, true
		}
	}
	return false, false
}

// String accepts strings and JSON numbers, trimming surrounding whitespace.
func String(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x), true
	case json.Number:
		return x.String(), true
	}
	return "", false
}
