package engine

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"helmetwatch/internal/model"
)

func TestMotionWindowEvictsOldest(t *testing.T) {
	w := NewMotionWindow(3)
	assert.Equal(t, 3, w.Cap())
	for i := 1; i <= 5; i++ {
		w.Push(Sample{Z: float64(i)}, float64(i))
		assert.LessOrEqual(t, w.Len(), 3)
	}
	require.True(t, w.Full())
	samples, ts := w.Samples()
	assert.Equal(t, []float64{3, 4, 5}, ts)
	assert.Equal(t, []Sample{{Z: 3}, {Z: 4}, {Z: 5}}, samples)

	w.Reset()
	assert.Zero(t, w.Len())
	assert.False(t, w.Full())
}

func TestComputeFeatures(t *testing.T) {
	samples := []Sample{{X: 3, Y: 4}, {X: 0, Y: 0, Z: 5}, {X: 0, Y: 0, Z: 10}}
	ts := []float64{1.0, 1.5, 2.0}
	fv := ComputeFeatures(model.KindAccelerometer, samples, ts)

	assert.Equal(t, model.KindAccelerometer, fv.Source)
	assert.Equal(t, 2.0, fv.Timestamp)
	assert.Equal(t, 3, fv.WindowSize)
	v := fv.Values
	assert.InDelta(t, 20.0/3, v[model.FeatureMeanMagnitude], 1e-9)
	assert.InDelta(t, 50.0/9, v[model.FeatureMagnitudeVariance], 1e-9)
	assert.InDelta(t, math.Sqrt(50.0/9), v[model.FeatureMagnitudeStdDev], 1e-9)
	assert.Equal(t, 10.0, v[model.FeaturePeakMagnitude])
	assert.Equal(t, 5.0, v[model.FeatureMinMagnitude])
	assert.Equal(t, 5.0, v[model.FeatureMagnitudeRange])
	// magnitude deltas 0 and 5 over 0.5s each
	assert.InDelta(t, 5.0, v[model.FeatureMeanJerk], 1e-9)
	assert.InDelta(t, 10.0, v[model.FeaturePeakJerk], 1e-9)
	assert.InDelta(t, 22.0/3, v[model.FeatureSignalMagnitudeArea], 1e-9)
	assert.InDelta(t, 50.0/3, v[model.FeatureZVariance], 1e-9)
}

func TestComputeFeaturesDeterministic(t *testing.T) {
	samples := []Sample{{1, 2, 3}, {2, 3, 4}, {0, 0, 9.8}}
	ts := []float64{0, 0, 0.1}
	a := ComputeFeatures(model.KindGyroscope, samples, ts)
	b := ComputeFeatures(model.KindGyroscope, samples, ts)
	assert.Equal(t, a, b)
	for _, val := range a.Values {
		assert.False(t, math.IsNaN(val))
	}
}

func TestComputeFeaturesEmpty(t *testing.T) {
	fv := ComputeFeatures(model.KindAccelerometer, nil, nil)
	assert.Zero(t, fv.WindowSize)
	assert.Equal(t, [model.NumFeatures]float64{}, fv.Values)
}

func TestCooldownAllowAt(t *testing.T) {
	c := NewCooldown()
	base := model.EpochTime(100)
	assert.True(t, c.AllowAt("k", base, 2e9))
	assert.False(t, c.AllowAt("k", model.EpochTime(101), 2e9))
	assert.True(t, c.AllowAt("k", model.EpochTime(102), 2e9))
	// clock went backwards: gate reopens
	assert.True(t, c.AllowAt("k", model.EpochTime(5), 2e9))
	assert.True(t, c.AllowAt("other", model.EpochTime(5), 2e9))
}
