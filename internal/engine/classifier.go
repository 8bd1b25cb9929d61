package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"helmetwatch/internal/model"
)

// Classifier scores a feature vector with a fall probability in [0, 1].
type Classifier interface {
	Predict(fv model.FeatureVector) (float64, error)
}

// ModelError is a failed or invalid classifier invocation. It never stops
// ingestion; the window is treated as no detection.
type ModelError struct {
	Model string
	Err   error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("model %s: %v", e.Model, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(model.FeatureVector) (float64, error)

func (f ClassifierFunc) Predict(fv model.FeatureVector) (float64, error) { return f(fv) }

const varianceResidual = 0.015

// VarianceModel flags a fall when the z-axis variance of an accelerometer
// window exceeds Limit. Below the limit, and for every other source, it
// reports the residual 1.5% fall probability.
type VarianceModel struct {
	Limit float64
}

func (v VarianceModel) Predict(fv model.FeatureVector) (float64, error) {
	limit := v.Limit
	if limit <= 0 {
		limit = 5.0
	}
	if fv.Source != model.KindAccelerometer {
		return varianceResidual, nil
	}
	zv := fv.Values[model.FeatureZVariance]
	if math.IsNaN(zv) {
		return 0, errors.New("z variance is NaN")
	}
	if zv <= limit {
		return varianceResidual, nil
	}
	return math.Min(zv*10, 99.9) / 100, nil
}

// SourceWeights holds one linear layer over the feature vector.
type SourceWeights struct {
	Weights []float64 `json:"weights" yaml:"weights"`
	Bias    float64   `json:"bias" yaml:"bias"`
}

// LogisticModel is a pretrained logistic regression with optional
// per-source weights. Sources without their own entry use Default.
type LogisticModel struct {
	Name    string                       `json:"name" yaml:"name"`
	Version string                       `json:"version" yaml:"version"`
	Default SourceWeights                `json:"default" yaml:"default"`
	Sources map[model.Kind]SourceWeights `json:"sources,omitempty" yaml:"sources,omitempty"`

	// Mean and Scale standardise features before the linear layer.
	Mean  []float64 `json:"mean,omitempty" yaml:"mean,omitempty"`
	Scale []float64 `json:"scale,omitempty" yaml:"scale,omitempty"`
}

// LoadModel reads a LogisticModel artifact from a JSON or YAML file.
func LoadModel(path string) (*LogisticModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ModelError{Model: path, Err: err}
	}
	m := &LogisticModel{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, m)
	default:
		err = json.Unmarshal(data, m)
	}
	if err != nil {
		return nil, &ModelError{Model: path, Err: err}
	}
	if m.Name == "" {
		m.Name = filepath.Base(path)
	}
	if err := m.validate(); err != nil {
		return nil, &ModelError{Model: m.Name, Err: err}
	}
	return m, nil
}

func (m *LogisticModel) validate() error {
	check := func(label string, w SourceWeights) error {
		if len(w.Weights) != model.NumFeatures {
			return fmt.Errorf("%s: want %d weights, got %d", label, model.NumFeatures, len(w.Weights))
		}
		return nil
	}
	if err := check("default", m.Default); err != nil {
		return err
	}
	for src, w := range m.Sources {
		if err := check(string(src), w); err != nil {
			return err
		}
	}
	if len(m.Mean) != 0 && len(m.Mean) != model.NumFeatures {
		return fmt.Errorf("mean: want %d values, got %d", model.NumFeatures, len(m.Mean))
	}
	if len(m.Scale) != 0 && len(m.Scale) != model.NumFeatures {
		return fmt.Errorf("scale: want %d values, got %d", model.NumFeatures, len(m.Scale))
	}
	return nil
}

func (m *LogisticModel) Predict(fv model.FeatureVector) (float64, error) {
	w, ok := m.Sources[fv.Source]
	if !ok {
		w = m.Default
	}
	if len(w.Weights) != model.NumFeatures {
		return 0, fmt.Errorf("no weights for source %q", fv.Source)
	}
	z := w.Bias
	for i, x := range fv.Values {
		if len(m.Mean) == model.NumFeatures {
			x -= m.Mean[i]
		}
		if len(m.Scale) == model.NumFeatures && m.Scale[i] != 0 {
			x /= m.Scale[i]
		}
		z += w.Weights[i] * x
	}
	return 1 / (1 + math.Exp(-z)), nil
}

// NewClassifier returns the artifact at modelPath, or the variance
// heuristic when no path is configured.
func NewClassifier(modelPath string, varianceLimit float64) (Classifier, string, error) {
	if strings.TrimSpace(modelPath) == "" {
		return VarianceModel{Limit: varianceLimit}, "variance", nil
	}
	m, err := LoadModel(modelPath)
	if err != nil {
		return nil, "", err
	}
	return m, m.Name, nil
}
