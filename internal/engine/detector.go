package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"helmetwatch/internal/eventbus"
	"helmetwatch/internal/model"
)

type DetectorConfig struct {
	Enabled   bool
	Threshold float64
	Debounce  time.Duration
}

const fallGateKey = "fall"

// Detector turns feature vectors into debounced fall alerts.
type Detector struct {
	classifier Classifier
	name       string
	bus        Bus
	logger     *slog.Logger
	metrics    Metrics

	cfg  atomic.Pointer[DetectorConfig]
	gate *Cooldown
	// NewID generates alert ids.
	NewID func() string

	mu  sync.Mutex
	sub eventbus.SubscriptionID
}

func NewDetector(classifier Classifier, name string, cfg DetectorConfig, bus Bus, logger *slog.Logger, metrics Metrics) *Detector {
	d := &Detector{
		classifier: classifier,
		name:       name,
		bus:        bus,
		logger:     logger,
		metrics:    metrics,
		gate:       NewCooldown(),
		NewID:      uuid.NewString,
	}
	d.UpdateConfig(cfg)
	return d
}

// UpdateConfig swaps threshold, debounce and the enabled flag.
func (d *Detector) UpdateConfig(cfg DetectorConfig) {
	if cfg.Threshold < 0 {
		cfg.Threshold = 0
	}
	d.cfg.Store(&cfg)
}

func (d *Detector) Config() DetectorConfig {
	return *d.cfg.Load()
}

func (d *Detector) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sub != 0 {
		return
	}
	d.sub = d.bus.Subscribe(model.TopicFeatures, d.Handle)
}

func (d *Detector) Stop() {
	d.mu.Lock()
	id := d.sub
	d.sub = 0
	d.mu.Unlock()
	if id != 0 {
		d.bus.Unsubscribe(id)
	}
}

// Handle is the bus handler for feature vectors. Model failures are logged
// and counted here so they never surface as handler errors.
func (d *Detector) Handle(ev eventbus.Event) error {
	fv, ok := ev.Payload.(model.FeatureVector)
	if !ok {
		return fmt.Errorf("detector: unexpected payload %T", ev.Payload)
	}
	alert, fired, err := d.Evaluate(fv)
	if err != nil {
		if d.metrics != nil {
			d.metrics.ModelFailed()
		}
		if d.logger != nil {
			d.logger.Error("fall classifier failed", "model", d.name, "source", string(fv.Source), "err", err)
		}
		return nil
	}
	if fired {
		d.bus.Publish(model.TopicFallAlert, alert)
	}
	return nil
}

// Evaluate scores fv and applies threshold and debounce. The debounce is
// measured on feature timestamps.
func (d *Detector) Evaluate(fv model.FeatureVector) (model.FallAlert, bool, error) {
	cfg := d.Config()
	if !cfg.Enabled {
		return model.FallAlert{}, false, nil
	}
	confidence, err := d.predict(fv)
	if err != nil {
		return model.FallAlert{}, false, err
	}
	if d.metrics != nil {
		d.metrics.Prediction(confidence)
	}
	if confidence < cfg.Threshold {
		return model.FallAlert{}, false, nil
	}
	if !d.gate.AllowAt(fallGateKey, model.EpochTime(fv.Timestamp), cfg.Debounce) {
		if d.logger != nil {
			d.logger.Debug("fall alert debounced", "confidence", confidence, "timestamp", fv.Timestamp)
		}
		return model.FallAlert{}, false, nil
	}
	alert := model.FallAlert{
		ID:         d.NewID(),
		Timestamp:  fv.Timestamp,
		Confidence: confidence,
		Threshold:  cfg.Threshold,
		Source:     fv.Source,
		Features:   fv,
	}
	if d.metrics != nil {
		d.metrics.FallAlert()
	}
	if d.logger != nil {
		d.logger.Warn("fall detected",
			"id", alert.ID,
			"confidence", confidence,
			"threshold", cfg.Threshold,
			"source", string(fv.Source),
		)
	}
	return alert, true, nil
}

func (d *Detector) predict(fv model.FeatureVector) (conf float64, err error) {
	if d.classifier == nil {
		return 0, &ModelError{Model: d.name, Err: errors.New("no classifier loaded")}
	}
	defer func() {
		if r := recover(); r != nil {
			err = &ModelError{Model: d.name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	conf, err = d.classifier.Predict(fv)
	if err != nil {
		var me *ModelError
		if errors.As(err, &me) {
			return 0, err
		}
		return 0, &ModelError{Model: d.name, Err: err}
	}
	if math.IsNaN(conf) || conf < 0 || conf > 1 {
		return 0, &ModelError{Model: d.name, Err: fmt.Errorf("confidence %v outside [0,1]", conf)}
	}
	return conf, nil
}
