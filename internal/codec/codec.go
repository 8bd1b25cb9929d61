package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"helmetwatch/internal/model"
)

// DecodeError reports a frame that could not be turned into readings. The
// frame is dropped; the connection is unaffected.
type DecodeError struct {
	Field  string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := "decode"
	if e.Field != "" {
		msg += " " + e.Field
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError reports whether err is, or wraps, a *DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// combinedOrder is the fan-out order of combined frames.
var combinedOrder = []model.Kind{model.KindGas, model.KindTemperature, model.KindHumidity}

// Codec decodes device frames. Units supplies the unit for scalar readings
// that arrive without one, including every scalar inside a combined frame.
type Codec struct {
	Units map[model.Kind]string
}

func New(units map[model.Kind]string) *Codec {
	return &Codec{Units: units}
}

var defaultCodec = &Codec{}

// Decode decodes one frame with no unit fallbacks.
func Decode(raw []byte) ([]model.SensorReading, error) {
	return defaultCodec.Decode(raw)
}

// Decode turns one JSON object into one or more readings. Combined frames
// yield one reading per present sensor, all sharing the frame timestamp.
func (c *Codec) Decode(raw []byte) ([]model.SensorReading, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, &DecodeError{Reason: "empty frame"}
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, &DecodeError{Reason: "invalid json", Err: err}
	}
	if obj == nil {
		return nil, &DecodeError{Reason: "frame is not an object"}
	}
	typ, err := stringField(obj, "type")
	if err != nil {
		return nil, err
	}
	kind := model.Kind(strings.ToLower(strings.TrimSpace(typ)))
	switch kind {
	case model.KindGas, model.KindTemperature, model.KindHumidity:
		r, err := c.decodeScalar(kind, obj)
		if err != nil {
			return nil, err
		}
		return []model.SensorReading{r}, nil
	case model.KindAccelerometer, model.KindGyroscope:
		r, err := decodeMotion(kind, obj)
		if err != nil {
			return nil, err
		}
		return []model.SensorReading{r}, nil
	case model.KindGPS:
		r, err := decodeGPS(obj)
		if err != nil {
			return nil, err
		}
		return []model.SensorReading{r}, nil
	case model.KindCombined:
		return c.decodeCombined(obj)
	default:
		return nil, &DecodeError{Field: "type", Reason: fmt.Sprintf("unknown type %q", typ)}
	}
}

func (c *Codec) decodeScalar(kind model.Kind, obj map[string]json.RawMessage) (*model.ScalarReading, error) {
	value, err := numberField(obj, "value")
	if err != nil {
		return nil, err
	}
	ts, err := numberField(obj, "timestamp")
	if err != nil {
		return nil, err
	}
	unit := ""
	if _, ok := obj["unit"]; ok {
		if unit, err = stringField(obj, "unit"); err != nil {
			return nil, err
		}
	}
	if unit == "" {
		unit = c.unit(kind)
	}
	return &model.ScalarReading{Kind: kind, Value: value, Unit: unit, Timestamp: ts}, nil
}

func decodeMotion(kind model.Kind, obj map[string]json.RawMessage) (*model.MotionReading, error) {
	var vals [4]float64
	for i, name := range []string{"x", "y", "z", "timestamp"} {
		v, err := numberField(obj, name)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	return &model.MotionReading{Kind: kind, X: vals[0], Y: vals[1], Z: vals[2], Timestamp: vals[3]}, nil
}

func decodeGPS(obj map[string]json.RawMessage) (*model.GPSReading, error) {
	lat, err := numberField(obj, "latitude")
	if err != nil {
		return nil, err
	}
	lon, err := numberField(obj, "longitude")
	if err != nil {
		return nil, err
	}
	ts, err := numberField(obj, "timestamp")
	if err != nil {
		return nil, err
	}
	return newGPS(lat, lon, ts)
}

func newGPS(lat, lon, ts float64) (*model.GPSReading, error) {
	if lat < -90 || lat > 90 {
		return nil, &DecodeError{Field: "latitude", Reason: fmt.Sprintf("out of range: %v", lat)}
	}
	if lon < -180 || lon > 180 {
		return nil, &DecodeError{Field: "longitude", Reason: fmt.Sprintf("out of range: %v", lon)}
	}
	return &model.GPSReading{Latitude: lat, Longitude: lon, Timestamp: ts}, nil
}

func (c *Codec) decodeCombined(obj map[string]json.RawMessage) ([]model.SensorReading, error) {
	ts, err := numberField(obj, "timestamp")
	if err != nil {
		return nil, err
	}
	rawSensors, ok := obj["sensors"]
	if !ok || isNull(rawSensors) {
		return nil, &DecodeError{Field: "sensors", Reason: "missing"}
	}
	var sensors map[string]json.RawMessage
	if err := json.Unmarshal(rawSensors, &sensors); err != nil {
		return nil, &DecodeError{Field: "sensors", Reason: "not an object", Err: err}
	}

	out := make([]model.SensorReading, 0, len(combinedOrder)+1)
	for _, kind := range combinedOrder {
		if _, ok := sensors[string(kind)]; !ok {
			continue
		}
		v, err := numberField(sensors, string(kind))
		if err != nil {
			return nil, prefixField(err, "sensors.")
		}
		out = append(out, &model.ScalarReading{Kind: kind, Value: v, Unit: c.unit(kind), Timestamp: ts})
	}

	_, hasLat := sensors["latitude"]
	_, hasLon := sensors["longitude"]
	switch {
	case hasLat && hasLon:
		lat, err := numberField(sensors, "latitude")
		if err != nil {
			return nil, prefixField(err, "sensors.")
		}
		lon, err := numberField(sensors, "longitude")
		if err != nil {
			return nil, prefixField(err, "sensors.")
		}
		gps, err := newGPS(lat, lon, ts)
		if err != nil {
			return nil, prefixField(err, "sensors.")
		}
		out = append(out, gps)
	case hasLat:
		return nil, &DecodeError{Field: "sensors.longitude", Reason: "missing, latitude has no partner"}
	case hasLon:
		return nil, &DecodeError{Field: "sensors.latitude", Reason: "missing, longitude has no partner"}
	}
	return out, nil
}

func (c *Codec) unit(kind model.Kind) string {
	if c == nil || c.Units == nil {
		return ""
	}
	return c.Units[kind]
}

func prefixField(err error, prefix string) error {
	var de *DecodeError
	if errors.As(err, &de) && de.Field != "" {
		de.Field = prefix + de.Field
	}
	return err
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func stringField(obj map[string]json.RawMessage, name string) (string, error) {
	raw, ok := obj[name]
	if !ok || isNull(raw) {
		return "", &DecodeError{Field: name, Reason: "missing"}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", &DecodeError{Field: name, Reason: "not a string", Err: err}
	}
	return s, nil
}

// numberField accepts JSON numbers and numeric strings. Non-finite values
// are rejected.
func numberField(obj map[string]json.RawMessage, name string) (float64, error) {
	raw, ok := obj[name]
	if !ok || isNull(raw) {
		return 0, &DecodeError{Field: name, Reason: "missing"}
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return 0, &DecodeError{Field: name, Reason: "not a number", Err: err}
		}
		parsed, perr := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if perr != nil {
			return 0, &DecodeError{Field: name, Reason: "not a number", Err: perr}
		}
		v = parsed
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, &DecodeError{Field: name, Reason: "not finite"}
	}
	return v, nil
}
