package engine

import (
	"fmt"
	"log/slog"
	"sync"

	"helmetwatch/internal/eventbus"
	"helmetwatch/internal/model"
)

// Extractor keeps one MotionWindow per motion sensor and publishes a
// FeatureVector on every sample once that window is full.
type Extractor struct {
	bus     Bus
	logger  *slog.Logger
	metrics Metrics

	mu      sync.Mutex
	size    int
	windows map[model.Kind]*MotionWindow
	subs    []eventbus.SubscriptionID
}

func NewExtractor(windowSize int, bus Bus, logger *slog.Logger, metrics Metrics) *Extractor {
	if windowSize <= 0 {
		windowSize = 50
	}
	return &Extractor{
		bus:     bus,
		logger:  logger,
		metrics: metrics,
		size:    windowSize,
		windows: map[model.Kind]*MotionWindow{
			model.KindAccelerometer: NewMotionWindow(windowSize),
			model.KindGyroscope:     NewMotionWindow(windowSize),
		},
	}
}

func (x *Extractor) Start() {
	x.mu.Lock()
	defer x.mu.Unlock()
	if len(x.subs) > 0 {
		return
	}
	for _, k := range []model.Kind{model.KindAccelerometer, model.KindGyroscope} {
		x.subs = append(x.subs, x.bus.Subscribe(model.SensorTopic(k), x.Handle))
	}
}

func (x *Extractor) Stop() {
	x.mu.Lock()
	subs := x.subs
	x.subs = nil
	x.mu.Unlock()
	for _, id := range subs {
		x.bus.Unsubscribe(id)
	}
}

func (x *Extractor) WindowSize() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.size
}

// Resize replaces both windows when the size changes. Buffered samples are
// discarded.
func (x *Extractor) Resize(windowSize int) {
	if windowSize <= 0 {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if windowSize == x.size {
		return
	}
	x.size = windowSize
	for k := range x.windows {
		x.windows[k] = NewMotionWindow(windowSize)
	}
	if x.logger != nil {
		x.logger.Info("motion windows resized", "window_size", windowSize)
	}
}

// Handle is the bus handler for motion topics.
func (x *Extractor) Handle(ev eventbus.Event) error {
	r, ok := ev.Payload.(*model.MotionReading)
	if !ok {
		return fmt.Errorf("extractor: unexpected payload %T on %s", ev.Payload, ev.Topic)
	}
	fv, ok := x.Push(r)
	if !ok {
		return nil
	}
	x.bus.Publish(model.TopicFeatures, fv)
	return nil
}

// Push adds r to its window and returns the features when the window is full.
func (x *Extractor) Push(r *model.MotionReading) (model.FeatureVector, bool) {
	x.mu.Lock()
	w, ok := x.windows[r.Kind]
	if !ok {
		x.mu.Unlock()
		return model.FeatureVector{}, false
	}
	w.Push(Sample{X: r.X, Y: r.Y, Z: r.Z}, r.Timestamp)
	if !w.Full() {
		x.mu.Unlock()
		return model.FeatureVector{}, false
	}
	samples, timestamps := w.Samples()
	x.mu.Unlock()

	fv := ComputeFeatures(r.Kind, samples, timestamps)
	if x.metrics != nil {
		x.metrics.FeaturesComputed(r.Kind)
	}
	return fv, true
}
