package engine

import (
	"math"

	"helmetwatch/internal/model"
)

// ComputeFeatures summarises a window of motion samples. It depends only on
// its arguments. Jerk uses the timestamp delta between neighbours; when two
// samples share a timestamp the raw magnitude change is used.
func ComputeFeatures(source model.Kind, samples []Sample, timestamps []float64) model.FeatureVector {
	fv := model.FeatureVector{Source: source, WindowSize: len(samples)}
	n := len(samples)
	if n == 0 {
		return fv
	}
	if len(timestamps) == n {
		fv.Timestamp = timestamps[n-1]
	}

	mags := make([]float64, n)
	var sum, sma float64
	peak, low := math.Inf(-1), math.Inf(1)
	for i, s := range samples {
		m := math.Sqrt(s.X*s.X + s.Y*s.Y + s.Z*s.Z)
		mags[i] = m
		sum += m
		sma += math.Abs(s.X) + math.Abs(s.Y) + math.Abs(s.Z)
		peak = math.Max(peak, m)
		low = math.Min(low, m)
	}
	mean := sum / float64(n)
	variance := 0.0
	for _, m := range mags {
		variance += (m - mean) * (m - mean)
	}
	variance /= float64(n)

	var jerkSum, jerkPeak float64
	for i := 1; i < n; i++ {
		j := math.Abs(mags[i] - mags[i-1])
		if len(timestamps) == n {
			if dt := timestamps[i] - timestamps[i-1]; dt > 0 {
				j /= dt
			}
		}
		jerkSum += j
		jerkPeak = math.Max(jerkPeak, j)
	}
	meanJerk := 0.0
	if n > 1 {
		meanJerk = jerkSum / float64(n-1)
	}

	fv.Values[model.FeatureMeanMagnitude] = mean
	fv.Values[model.FeatureMagnitudeVariance] = variance
	fv.Values[model.FeatureMagnitudeStdDev] = math.Sqrt(variance)
	fv.Values[model.FeaturePeakMagnitude] = peak
	fv.Values[model.FeatureMinMagnitude] = low
	fv.Values[model.FeatureMagnitudeRange] = peak - low
	fv.Values[model.FeatureMeanJerk] = meanJerk
	fv.Values[model.FeaturePeakJerk] = jerkPeak
	fv.Values[model.FeatureSignalMagnitudeArea] = sma / float64(n)
	fv.Values[model.FeatureZVariance] = zVariance(samples)
	return fv
}

func zVariance(samples []Sample) float64 {
	var mean, m2 float64
	for i, s := range samples {
		diff := s.Z - mean
		mean += diff / float64(i+1)
		m2 += diff * (s.Z - mean)
	}
	return m2 / float64(len(samples))
}
