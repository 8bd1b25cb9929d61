package engine

import (
	"log/slog"

	"helmetwatch/internal/config"
	"helmetwatch/internal/model"
)

// Engine wires the feature extractor, fall detector and hazard monitor onto
// the bus. All three run inline in the publisher's goroutine.
type Engine struct {
	logger    *slog.Logger
	Extractor *Extractor
	Detector  *Detector
	Hazards   *HazardMonitor
}

func NewEngine(cfg *config.Config, bus Bus, classifier Classifier, modelName string, logger *slog.Logger, metrics Metrics) *Engine {
	return &Engine{
		logger:    logger,
		Extractor: NewExtractor(cfg.ML.FallDetection.WindowSize, bus, logger, metrics),
		Detector:  NewDetector(classifier, modelName, DetectorConfigFrom(cfg), bus, logger, metrics),
		Hazards:   NewHazardMonitor(HazardConfigFrom(cfg), bus, logger, metrics),
	}
}

// Start subscribes the detector before the extractor so no feature vector
// is published without a consumer.
func (e *Engine) Start() {
	e.Detector.Start()
	e.Extractor.Start()
	e.Hazards.Start()
	if e.logger != nil {
		cfg := e.Detector.Config()
		e.logger.Info("engine started",
			"fall_detection", cfg.Enabled,
			"threshold", cfg.Threshold,
			"debounce", cfg.Debounce.String(),
			"window_size", e.Extractor.WindowSize(),
		)
	}
}

func (e *Engine) Stop() {
	e.Extractor.Stop()
	e.Hazards.Stop()
	e.Detector.Stop()
}

// UpdateConfig applies a reloaded configuration.
func (e *Engine) UpdateConfig(cfg *config.Config) {
	e.Extractor.Resize(cfg.ML.FallDetection.WindowSize)
	e.Detector.UpdateConfig(DetectorConfigFrom(cfg))
	e.Hazards.UpdateConfig(HazardConfigFrom(cfg))
}

func DetectorConfigFrom(cfg *config.Config) DetectorConfig {
	return DetectorConfig{
		Enabled:   cfg.ML.FallDetection.Enabled,
		Threshold: cfg.ML.FallDetection.Threshold,
		Debounce:  cfg.DebounceDuration(),
	}
}

func HazardConfigFrom(cfg *config.Config) HazardConfig {
	hc := HazardConfig{
		Sensors:  make(map[model.Kind]Thresholds),
		Cooldown: config.Seconds(cfg.Alerts.HazardCooldown),
	}
	for _, k := range hazardKinds {
		sc, ok := cfg.Sensors[string(k)]
		if !ok || !sc.Enabled {
			continue
		}
		if sc.WarningThreshold <= 0 && sc.DangerThreshold <= 0 {
			continue
		}
		hc.Sensors[k] = Thresholds{Warning: sc.WarningThreshold, Danger: sc.DangerThreshold}
	}
	return hc
}
