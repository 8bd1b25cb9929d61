package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"helmetwatch/internal/model"
)

func decodeErr(t *testing.T, err error) *DecodeError {
	t.Helper()
	require.Error(t, err)
	de, ok := err.(*DecodeError)
	require.True(t, ok, "expected *DecodeError, got %T", err)
	return de
}

func TestDecodeGas(t *testing.T) {
	got, err := Decode([]byte(`{"type":"gas","value":45.3,"unit":"ppm","timestamp":1634567890.123}`))
	require.NoError(t, err)
	require.Len(t, got, 1)
	r, ok := got[0].(*model.ScalarReading)
	require.True(t, ok)
	assert.Equal(t, model.KindGas, r.Kind)
	assert.Equal(t, 45.3, r.Value)
	assert.Equal(t, "ppm", r.Unit)
	assert.Equal(t, 1634567890.123, r.Timestamp)
}

func TestDecodeUnitFallback(t *testing.T) {
	c := New(map[model.Kind]string{model.KindTemperature: "°C"})
	got, err := c.Decode([]byte(`{"type":"temperature","value":"28.5","timestamp":10}`))
	require.NoError(t, err)
	r := got[0].(*model.ScalarReading)
	assert.Equal(t, 28.5, r.Value)
	assert.Equal(t, "°C", r.Unit)
}

func TestDecodeMotion(t *testing.T) {
	got, err := Decode([]byte(`{"type":"accelerometer","x":0.1,"y":-0.2,"z":9.81,"timestamp":5}`))
	require.NoError(t, err)
	r := got[0].(*model.MotionReading)
	assert.Equal(t, model.KindAccelerometer, r.Kind)
	assert.Equal(t, 9.81, r.Z)

	_, err = Decode([]byte(`{"type":"gyroscope","x":0.1,"y":-0.2,"timestamp":5}`))
	assert.Equal(t, "z", decodeErr(t, err).Field)
}

func TestDecodeGPSFrame(t *testing.T) {
	got, err := Decode([]byte(`{"type":"gps","latitude":51.5,"longitude":-0.12,"timestamp":7}`))
	require.NoError(t, err)
	r := got[0].(*model.GPSReading)
	assert.Equal(t, 51.5, r.Latitude)
	assert.Equal(t, -0.12, r.Longitude)

	_, err = Decode([]byte(`{"type":"gps","latitude":95,"longitude":0,"timestamp":7}`))
	assert.Equal(t, "latitude", decodeErr(t, err).Field)
}

func TestDecodeCombined(t *testing.T) {
	c := New(map[model.Kind]string{model.KindGas: "ppm", model.KindTemperature: "°C"})
	got, err := c.Decode([]byte(`{"type":"combined","timestamp":100.5,
		"sensors":{"temperature":28.5,"gas":45.3,"longitude":2.35,"latitude":48.85,"pressure":1013}}`))
	require.NoError(t, err)
	require.Len(t, got, 3)

	kinds := make([]model.Kind, len(got))
	for i, r := range got {
		kinds[i] = r.ReadingKind()
		assert.Equal(t, 100.5, r.Time())
	}
	assert.Equal(t, []model.Kind{model.KindGas, model.KindTemperature, model.KindGPS}, kinds)
	assert.Equal(t, "ppm", got[0].(*model.ScalarReading).Unit)
	gps := got[2].(*model.GPSReading)
	assert.Equal(t, 48.85, gps.Latitude)
	assert.Equal(t, 2.35, gps.Longitude)
}

func TestDecodeCombinedTwoSensors(t *testing.T) {
	got, err := Decode([]byte(`{"type":"combined","timestamp":1,"sensors":{"gas":45.3,"temperature":28.5}}`))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, model.KindGas, got[0].ReadingKind())
	assert.Equal(t, model.KindTemperature, got[1].ReadingKind())
	assert.Equal(t, got[0].Time(), got[1].Time())
}

func TestDecodeCombinedEmpty(t *testing.T) {
	got, err := Decode([]byte(`{"type":"combined","timestamp":1,"sensors":{}}`))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDecodeCombinedLoneCoordinate(t *testing.T) {
	_, err := Decode([]byte(`{"type":"combined","timestamp":1,"sensors":{"latitude":48.8}}`))
	assert.Equal(t, "sensors.longitude", decodeErr(t, err).Field)
}

func TestDecodeCombinedBadValue(t *testing.T) {
	_, err := Decode([]byte(`{"type":"combined","timestamp":1,"sensors":{"gas":"high"}}`))
	assert.Equal(t, "sensors.gas", decodeErr(t, err).Field)
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		field string
	}{
		{"missing type", `{"value":1,"timestamp":1}`, "type"},
		{"unknown type", `{"type":"pressure","value":1,"timestamp":1}`, "type"},
		{"non numeric value", `{"type":"gas","value":"abc","timestamp":1}`, "value"},
		{"missing value", `{"type":"gas","timestamp":1}`, "value"},
		{"null value", `{"type":"gas","value":null,"timestamp":1}`, "value"},
		{"nan string", `{"type":"gas","value":"NaN","timestamp":1}`, "value"},
		{"missing timestamp", `{"type":"humidity","value":40}`, "timestamp"},
		{"combined without sensors", `{"type":"combined","timestamp":1}`, "sensors"},
		{"bad json", `{"type":`, ""},
		{"array", `[1,2]`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.frame))
			de := decodeErr(t, err)
			assert.Equal(t, tt.field, de.Field)
			assert.True(t, IsDecodeError(err))
		})
	}
}
