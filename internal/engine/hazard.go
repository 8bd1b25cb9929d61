package engine

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"helmetwatch/internal/eventbus"
	"helmetwatch/internal/model"
)

type Thresholds struct {
	Warning float64
	Danger  float64
}

// Level classifies v. A zero threshold disables that level.
func (t Thresholds) Level(v float64) (model.HazardLevel, float64) {
	switch {
	case t.Danger > 0 && v >= t.Danger:
		return model.LevelDanger, t.Danger
	case t.Warning > 0 && v >= t.Warning:
		return model.LevelWarning, t.Warning
	default:
		return model.LevelNormal, 0
	}
}

type HazardConfig struct {
	Sensors  map[model.Kind]Thresholds
	Cooldown time.Duration
}

var hazardKinds = []model.Kind{model.KindGas, model.KindTemperature, model.KindHumidity}

// HazardMonitor publishes an alert when a scalar sensor rises into a
// warning or danger band.
type HazardMonitor struct {
	bus     Bus
	logger  *slog.Logger
	metrics Metrics

	cfg      atomic.Pointer[HazardConfig]
	cooldown *Cooldown

	mu     sync.Mutex
	levels map[model.Kind]model.HazardLevel
	subs   []eventbus.SubscriptionID
}

func NewHazardMonitor(cfg HazardConfig, bus Bus, logger *slog.Logger, metrics Metrics) *HazardMonitor {
	h := &HazardMonitor{
		bus:      bus,
		logger:   logger,
		metrics:  metrics,
		cooldown: NewCooldown(),
		levels:   make(map[model.Kind]model.HazardLevel),
	}
	h.UpdateConfig(cfg)
	return h
}

func (h *HazardMonitor) UpdateConfig(cfg HazardConfig) {
	h.cfg.Store(&cfg)
}

func (h *HazardMonitor) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.subs) > 0 {
		return
	}
	for _, k := range hazardKinds {
		h.subs = append(h.subs, h.bus.Subscribe(model.SensorTopic(k), h.Handle))
	}
}

func (h *HazardMonitor) Stop() {
	h.mu.Lock()
	subs := h.subs
	h.subs = nil
	h.mu.Unlock()
	for _, id := range subs {
		h.bus.Unsubscribe(id)
	}
}

// Level returns the last observed level of sensor.
func (h *HazardMonitor) Level(sensor model.Kind) model.HazardLevel {
	h.mu.Lock()
	defer h.mu.Unlock()
	if lvl, ok := h.levels[sensor]; ok {
		return lvl
	}
	return model.LevelNormal
}

func (h *HazardMonitor) Handle(ev eventbus.Event) error {
	r, ok := ev.Payload.(*model.ScalarReading)
	if !ok {
		return fmt.Errorf("hazard: unexpected payload %T on %s", ev.Payload, ev.Topic)
	}
	if alert, fired := h.Observe(r); fired {
		h.bus.Publish(model.TopicHazardAlert, alert)
	}
	return nil
}

// Observe records the level of r and reports an alert when the level rose.
func (h *HazardMonitor) Observe(r *model.ScalarReading) (model.HazardAlert, bool) {
	cfg := h.cfg.Load()
	th, ok := cfg.Sensors[r.Kind]
	if !ok {
		return model.HazardAlert{}, false
	}
	level, limit := th.Level(r.Value)

	h.mu.Lock()
	prev, seen := h.levels[r.Kind]
	if !seen {
		prev = model.LevelNormal
	}
	h.levels[r.Kind] = level
	h.mu.Unlock()

	if rank(level) <= rank(prev) {
		return model.HazardAlert{}, false
	}
	key := string(r.Kind) + "|" + string(level)
	if !h.cooldown.AllowAt(key, model.EpochTime(r.Timestamp), cfg.Cooldown) {
		return model.HazardAlert{}, false
	}
	alert := model.HazardAlert{
		Timestamp: r.Timestamp,
		Sensor:    r.Kind,
		Value:     r.Value,
		Unit:      r.Unit,
		Level:     level,
		Threshold: limit,
	}
	if h.metrics != nil {
		h.metrics.HazardAlert(r.Kind, level)
	}
	if h.logger != nil {
		h.logger.Warn("hazard threshold crossed",
			"sensor", string(r.Kind),
			"level", string(level),
			"value", r.Value,
			"threshold", limit,
		)
	}
	return alert, true
}

func rank(l model.HazardLevel) int {
	switch l {
	case model.LevelDanger:
		return 2
	case model.LevelWarning:
		return 1
	default:
		return 0
	}
}
