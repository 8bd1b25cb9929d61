package model

import (
	"math"
	"time"
)

type Kind string

const (
	KindGas           Kind = "gas"
	KindTemperature   Kind = "temperature"
	KindHumidity      Kind = "humidity"
	KindGPS           Kind = "gps"
	KindAccelerometer Kind = "accelerometer"
	KindGyroscope     Kind = "gyroscope"
	// KindCombined only appears on the wire; combined frames are fanned out
	// into one reading per contained sensor.
	KindCombined Kind = "combined"
)

const (
	TopicNetworkStatus = "network.status"
	TopicFeatures      = "ml.features"
	TopicFallAlert     = "ml.fall_alert"
	TopicHazardAlert   = "alert.hazard"
)

// SensorTopic returns the bus topic readings of kind k are published on.
func SensorTopic(k Kind) string {
	return "sensor." + string(k)
}

// SensorReading is the closed set of decoded device readings. Consumers
// switch on the concrete type: *ScalarReading, *GPSReading or *MotionReading.
type SensorReading interface {
	ReadingKind() Kind
	Time() float64
	sensorReading()
}

type ScalarReading struct {
	Kind      Kind    `json:"type"`
	Value     float64 `json:"value"`
	Unit      string  `json:"unit,omitempty"`
	Timestamp float64 `json:"timestamp"`
}

type GPSReading struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timestamp float64 `json:"timestamp"`
}

type MotionReading struct {
	Kind      Kind    `json:"type"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Z         float64 `json:"z"`
	Timestamp float64 `json:"timestamp"`
}

func (r *ScalarReading) ReadingKind() Kind { return r.Kind }
func (r *ScalarReading) Time() float64     { return r.Timestamp }
func (*ScalarReading) sensorReading()      {}

func (*GPSReading) ReadingKind() Kind { return KindGPS }
func (r *GPSReading) Time() float64   { return r.Timestamp }
func (*GPSReading) sensorReading()    {}

func (r *MotionReading) ReadingKind() Kind { return r.Kind }
func (r *MotionReading) Time() float64     { return r.Timestamp }
func (*MotionReading) sensorReading()      {}

// Magnitude is the euclidean norm of the sample.
func (r *MotionReading) Magnitude() float64 {
	return math.Sqrt(r.X*r.X + r.Y*r.Y + r.Z*r.Z)
}

// EpochTime converts a float epoch-seconds timestamp to time.Time.
func EpochTime(ts float64) time.Time {
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateFailed       ConnectionState = "failed"
)

type StatusEvent struct {
	State     ConnectionState `json:"state"`
	Previous  ConnectionState `json:"previous"`
	Protocol  string          `json:"protocol"`
	Address   string          `json:"address"`
	Attempt   int             `json:"attempt,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

const (
	FeatureMeanMagnitude = iota
	FeatureMagnitudeVariance
	FeatureMagnitudeStdDev
	FeaturePeakMagnitude
	FeatureMinMagnitude
	FeatureMagnitudeRange
	FeatureMeanJerk
	FeaturePeakJerk
	FeatureSignalMagnitudeArea
	FeatureZVariance
	NumFeatures
)

var FeatureNames = [NumFeatures]string{
	"mean_magnitude",
	"magnitude_variance",
	"magnitude_stddev",
	"peak_magnitude",
	"min_magnitude",
	"magnitude_range",
	"mean_jerk",
	"peak_jerk",
	"signal_magnitude_area",
	"z_variance",
}

type FeatureVector struct {
	Source     Kind                 `json:"source"`
	Timestamp  float64              `json:"timestamp"`
	WindowSize int                  `json:"window_size"`
	Values     [NumFeatures]float64 `json:"values"`
}

// Named returns the feature values keyed by feature name.
func (v FeatureVector) Named() map[string]float64 {
	out := make(map[string]float64, NumFeatures)
	for i, name := range FeatureNames {
		out[name] = v.Values[i]
	}
	return out
}

type FallAlert struct {
	ID         string        `json:"id"`
	Timestamp  float64       `json:"timestamp"`
	Confidence float64       `json:"confidence"`
	Threshold  float64       `json:"threshold"`
	Source     Kind          `json:"source"`
	Features   FeatureVector `json:"features"`
}

type HazardLevel string

const (
	LevelNormal  HazardLevel = "normal"
	LevelWarning HazardLevel = "warning"
	LevelDanger  HazardLevel = "danger"
)

type HazardAlert struct {
	Timestamp float64     `json:"timestamp"`
	Sensor    Kind        `json:"sensor"`
	Value     float64     `json:"value"`
	Unit      string      `json:"unit,omitempty"`
	Level     HazardLevel `json:"level"`
	Threshold float64     `json:"threshold"`
}
