package engine

import (
	"math"
	"testing"
	"time"

	"helmetwatch/internal/config"
	"helmetwatch/internal/eventbus"
	"helmetwatch/internal/model"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.ML.FallDetection.WindowSize = 50
	cfg.ML.FallDetection.Threshold = 0.7
	cfg.ML.FallDetection.Debounce = 2
	cfg.Alerts.HazardCooldown = 0
	return cfg
}

type collector struct {
	falls   []model.FallAlert
	hazards []model.HazardAlert
	feats   []model.FeatureVector
}

func newEngineForTest(cfg *config.Config, cls Classifier) (*Engine, *eventbus.Bus, *collector) {
	bus := eventbus.New(nil)
	c := &collector{}
	bus.Subscribe(model.TopicFallAlert, func(ev eventbus.Event) error {
		c.falls = append(c.falls, ev.Payload.(model.FallAlert))
		return nil
	})
	bus.Subscribe(model.TopicHazardAlert, func(ev eventbus.Event) error {
		c.hazards = append(c.hazards, ev.Payload.(model.HazardAlert))
		return nil
	})
	bus.Subscribe(model.TopicFeatures, func(ev eventbus.Event) error {
		c.feats = append(c.feats, ev.Payload.(model.FeatureVector))
		return nil
	})
	eng := NewEngine(cfg, bus, cls, "stub", nil, nil)
	eng.Start()
	return eng, bus, c
}

func accel(ts float64, z float64) *model.MotionReading {
	return &model.MotionReading{Kind: model.KindAccelerometer, X: 0.1, Y: 0.1, Z: z, Timestamp: ts}
}

// fiftiethSample reports 0.85 once the window contains a spike as its newest sample.
func fiftiethSample() Classifier {
	return ClassifierFunc(func(fv model.FeatureVector) (float64, error) {
		if fv.Values[model.FeaturePeakMagnitude] > 20 {
			return 0.85, nil
		}
		return 0.1, nil
	})
}

func TestFallAlertOnFullWindow(t *testing.T) {
	_, bus, c := newEngineForTest(testConfig(), fiftiethSample())
	for i := 0; i < 49; i++ {
		bus.Publish(model.SensorTopic(model.KindAccelerometer), accel(1000+float64(i)*0.01, 9.8))
	}
	if len(c.feats) != 0 {
		t.Fatalf("features published before window full: %d", len(c.feats))
	}
	bus.Publish(model.SensorTopic(model.KindAccelerometer), accel(1000.49, 30))
	if len(c.feats) != 1 {
		t.Fatalf("expected one feature vector, got %d", len(c.feats))
	}
	if len(c.falls) != 1 {
		t.Fatalf("expected exactly one fall alert, got %d", len(c.falls))
	}
	a := c.falls[0]
	if a.Confidence != 0.85 || a.Threshold != 0.7 || a.Source != model.KindAccelerometer {
		t.Fatalf("unexpected alert %+v", a)
	}
	if a.ID == "" {
		t.Fatalf("alert id not set")
	}
}

func TestFallAlertDebounce(t *testing.T) {
	_, bus, c := newEngineForTest(testConfig(), ClassifierFunc(func(model.FeatureVector) (float64, error) {
		return 0.9, nil
	}))
	ts := 2000.0
	for i := 0; i < 150; i++ {
		bus.Publish(model.SensorTopic(model.KindAccelerometer), accel(ts, 9.8))
		ts += 0.01
	}
	// 101 vectors over one second stay inside the 2s debounce
	if len(c.falls) != 1 {
		t.Fatalf("expected one alert within debounce, got %d", len(c.falls))
	}
	for i := 0; i < 250; i++ {
		bus.Publish(model.SensorTopic(model.KindAccelerometer), accel(ts, 9.8))
		ts += 0.01
	}
	if len(c.falls) != 2 {
		t.Fatalf("expected a second alert after debounce, got %d", len(c.falls))
	}
}

func TestFallAlertBelowThreshold(t *testing.T) {
	_, bus, c := newEngineForTest(testConfig(), ClassifierFunc(func(model.FeatureVector) (float64, error) {
		return 0.69, nil
	}))
	for i := 0; i < 80; i++ {
		bus.Publish(model.SensorTopic(model.KindAccelerometer), accel(float64(i)*0.01, 9.8))
	}
	if len(c.feats) != 31 {
		t.Fatalf("expected 31 feature vectors, got %d", len(c.feats))
	}
	if len(c.falls) != 0 {
		t.Fatalf("unexpected alert")
	}
}

func TestModelErrorIsNoDetection(t *testing.T) {
	calls := 0
	_, bus, c := newEngineForTest(testConfig(), ClassifierFunc(func(model.FeatureVector) (float64, error) {
		calls++
		if calls == 1 {
			return 1.7, nil
		}
		panic("corrupt model")
	}))
	for i := 0; i < 52; i++ {
		bus.Publish(model.SensorTopic(model.KindAccelerometer), accel(float64(i)*0.01, 9.8))
	}
	if calls != 3 {
		t.Fatalf("expected classifier called per window, got %d", calls)
	}
	if len(c.falls) != 0 {
		t.Fatalf("model errors must not alert")
	}
}

func TestDisabledDetection(t *testing.T) {
	cfg := testConfig()
	cfg.ML.FallDetection.Enabled = false
	_, bus, c := newEngineForTest(cfg, ClassifierFunc(func(model.FeatureVector) (float64, error) {
		return 1, nil
	}))
	for i := 0; i < 60; i++ {
		bus.Publish(model.SensorTopic(model.KindGyroscope), &model.MotionReading{Kind: model.KindGyroscope, Timestamp: float64(i)})
	}
	if len(c.falls) != 0 {
		t.Fatalf("alert while disabled")
	}
	if len(c.feats) == 0 {
		t.Fatalf("features should still be computed")
	}
}

func TestUpdateConfigAppliesThreshold(t *testing.T) {
	cfg := testConfig()
	eng, bus, c := newEngineForTest(cfg, ClassifierFunc(func(model.FeatureVector) (float64, error) {
		return 0.75, nil
	}))
	next := testConfig()
	next.ML.FallDetection.Threshold = 0.8
	eng.UpdateConfig(next)
	for i := 0; i < 60; i++ {
		bus.Publish(model.SensorTopic(model.KindAccelerometer), accel(float64(i)*0.01, 9.8))
	}
	if len(c.falls) != 0 {
		t.Fatalf("threshold update not applied")
	}
}

func TestHazardAlerts(t *testing.T) {
	cfg := testConfig()
	_, bus, c := newEngineForTest(cfg, VarianceModel{})
	gas := func(ts, v float64) *model.ScalarReading {
		return &model.ScalarReading{Kind: model.KindGas, Value: v, Unit: "ppm", Timestamp: ts}
	}
	for i, v := range []float64{10, 55, 60, 120, 130, 20, 70} {
		bus.Publish(model.SensorTopic(model.KindGas), gas(float64(i), v))
	}
	if len(c.hazards) != 3 {
		t.Fatalf("expected 3 hazard alerts, got %d", len(c.hazards))
	}
	want := []model.HazardLevel{model.LevelWarning, model.LevelDanger, model.LevelWarning}
	for i, a := range c.hazards {
		if a.Level != want[i] {
			t.Fatalf("alert %d: level %s, want %s", i, a.Level, want[i])
		}
	}
	if c.hazards[1].Threshold != 100 {
		t.Fatalf("danger threshold = %v", c.hazards[1].Threshold)
	}
}

func TestHazardCooldown(t *testing.T) {
	cfg := testConfig()
	cfg.Alerts.HazardCooldown = 60
	_, bus, c := newEngineForTest(cfg, VarianceModel{})
	for i, v := range []float64{55, 10, 55, 10, 55} {
		bus.Publish(model.SensorTopic(model.KindTemperature),
			&model.ScalarReading{Kind: model.KindTemperature, Value: v, Timestamp: 100 + float64(i)})
	}
	if len(c.hazards) != 1 {
		t.Fatalf("expected cooldown to suppress repeats, got %d", len(c.hazards))
	}
}

func TestStopUnsubscribes(t *testing.T) {
	eng, bus, _ := newEngineForTest(testConfig(), VarianceModel{})
	eng.Stop()
	for _, topic := range []string{model.SensorTopic(model.KindAccelerometer), model.SensorTopic(model.KindGas)} {
		if n := bus.SubscriberCount(topic); n != 0 {
			t.Fatalf("%s still has %d subscribers", topic, n)
		}
	}
	if n := bus.SubscriberCount(model.TopicFeatures); n != 1 {
		t.Fatalf("only the collector should remain on features, got %d", n)
	}
}

func TestDetectorDefaultDebounce(t *testing.T) {
	cfg := testConfig()
	cfg.ML.FallDetection.Debounce = 0
	if got := DetectorConfigFrom(cfg).Debounce; got != time.Second {
		t.Fatalf("debounce = %v", got)
	}
}

func TestVarianceModelIgnoresHeadTurn(t *testing.T) {
	cls, name, err := NewClassifier("", 5.0)
	if err != nil {
		t.Fatalf("classifier: %v", err)
	}
	if name != "variance" {
		t.Fatalf("classifier name = %q", name)
	}
	_, bus, c := newEngineForTest(testConfig(), cls)
	ts := 3000.0
	for i := 0; i < 50; i++ {
		bus.Publish(model.SensorTopic(model.KindAccelerometer), accel(ts, 9.8))
		bus.Publish(model.SensorTopic(model.KindGyroscope), &model.MotionReading{
			Kind: model.KindGyroscope, Z: 10 * math.Sin(float64(i)/3), Timestamp: ts,
		})
		ts += 0.01
	}
	if len(c.feats) != 2 {
		t.Fatalf("expected one vector per source, got %d", len(c.feats))
	}
	if len(c.falls) != 0 {
		t.Fatalf("head turn raised %d fall alerts, first from %s", len(c.falls), c.falls[0].Source)
	}
}
