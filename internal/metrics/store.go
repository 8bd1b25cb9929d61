package metrics

import (
	"sort"
	"sync"
	"time"

	"helmetwatch/internal/eventbus"
	"helmetwatch/internal/model"
)

// Latest is the most recent reading of one sensor.
type Latest struct {
	Reading    model.SensorReading `json:"reading"`
	ReceivedAt time.Time           `json:"received_at"`
	Count      uint64              `json:"count"`
}

// Store keeps the latest reading per sensor kind and the latest feature
// vector per motion source, for the gauges and the API.
type Store struct {
	mu       sync.RWMutex
	byKind   map[model.Kind]Latest
	features map[model.Kind]model.FeatureVector
	status   model.StatusEvent
	subs     []eventbus.SubscriptionID
	observer *Collector
}

// NewStore returns an empty store. A non-nil collector also receives every
// scalar value.
func NewStore(observer *Collector) *Store {
	return &Store{
		observer: observer,
		byKind:   make(map[model.Kind]Latest),
		features: make(map[model.Kind]model.FeatureVector),
		status:   model.StatusEvent{State: model.StateDisconnected},
	}
}

type subscriber interface {
	Subscribe(topic string, h eventbus.Handler) eventbus.SubscriptionID
}

// Attach subscribes the store to every sensor topic, features and status.
func (s *Store) Attach(bus subscriber) {
	for _, k := range []model.Kind{model.KindGas, model.KindTemperature, model.KindHumidity,
		model.KindGPS, model.KindAccelerometer, model.KindGyroscope} {
		s.subs = append(s.subs, bus.Subscribe(model.SensorTopic(k), func(ev eventbus.Event) error {
			if r, ok := ev.Payload.(model.SensorReading); ok {
				s.Update(r)
			}
			return nil
		}))
	}
	s.subs = append(s.subs, bus.Subscribe(model.TopicFeatures, func(ev eventbus.Event) error {
		if fv, ok := ev.Payload.(model.FeatureVector); ok {
			s.UpdateFeatures(fv)
		}
		return nil
	}))
	s.subs = append(s.subs, bus.Subscribe(model.TopicNetworkStatus, func(ev eventbus.Event) error {
		if st, ok := ev.Payload.(model.StatusEvent); ok {
			s.mu.Lock()
			s.status = st
			s.mu.Unlock()
		}
		return nil
	}))
}

func (s *Store) Update(r model.SensorReading) {
	if r == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.byKind[r.ReadingKind()]
	s.byKind[r.ReadingKind()] = Latest{Reading: r, ReceivedAt: time.Now().UTC(), Count: prev.Count + 1}
	if s.observer != nil {
		s.observer.ObserveReading(r)
	}
}

func (s *Store) UpdateFeatures(fv model.FeatureVector) {
	s.mu.Lock()
	s.features[fv.Source] = fv
	s.mu.Unlock()
}

func (s *Store) Get(kind model.Kind) (Latest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.byKind[kind]
	return l, ok
}

func (s *Store) GetAll() map[model.Kind]Latest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[model.Kind]Latest, len(s.byKind))
	for k, l := range s.byKind {
		out[k] = l
	}
	return out
}

// Features returns the latest vectors ordered by source.
func (s *Store) Features() []model.FeatureVector {
	s.mu.RLock()
	out := make([]model.FeatureVector, 0, len(s.features))
	for _, fv := range s.features {
		out = append(out, fv)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

func (s *Store) Status() model.StatusEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byKind = make(map[model.Kind]Latest)
	s.features = make(map[model.Kind]model.FeatureVector)
}
