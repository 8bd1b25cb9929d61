package alerts

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"helmetwatch/internal/eventbus"
	"helmetwatch/internal/model"
)

type Kind string

const (
	KindFall   Kind = "fall"
	KindHazard Kind = "hazard"
)

// Entry is one fall or hazard alert as shown on the alert log.
type Entry struct {
	ID        string             `json:"id"`
	Kind      Kind               `json:"kind"`
	Timestamp time.Time          `json:"timestamp"`
	Fall      *model.FallAlert   `json:"fall,omitempty"`
	Hazard    *model.HazardAlert `json:"hazard,omitempty"`
}

func FromFall(a model.FallAlert) Entry {
	id := a.ID
	if id == "" {
		id = uuid.NewString()
	}
	return Entry{ID: id, Kind: KindFall, Timestamp: model.EpochTime(a.Timestamp), Fall: &a}
}

func FromHazard(a model.HazardAlert) Entry {
	return Entry{ID: uuid.NewString(), Kind: KindHazard, Timestamp: model.EpochTime(a.Timestamp), Hazard: &a}
}

// Store is a bounded in-memory alert log; the oldest entry is dropped first.
type Store struct {
	mu    sync.RWMutex
	buf   []Entry
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit}
}

type subscriber interface {
	Subscribe(topic string, h eventbus.Handler) eventbus.SubscriptionID
}

// Attach records every fall and hazard alert published on bus.
func (s *Store) Attach(bus subscriber) {
	bus.Subscribe(model.TopicFallAlert, func(ev eventbus.Event) error {
		if a, ok := ev.Payload.(model.FallAlert); ok {
			s.Add(FromFall(a))
		}
		return nil
	})
	bus.Subscribe(model.TopicHazardAlert, func(ev eventbus.Event) error {
		if a, ok := ev.Payload.(model.HazardAlert); ok {
			s.Add(FromHazard(a))
		}
		return nil
	})
}

func (s *Store) Add(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, e)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = e
}

// List returns up to limit most recent entries, oldest first.
func (s *Store) List(limit int) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]Entry, 0, limit)
	for i := len(s.buf) - limit; i < len(s.buf); i++ {
		out = append(out, s.buf[i])
	}
	return out
}

func (s *Store) Since(ts time.Time) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0)
	for _, e := range s.buf {
		if !e.Timestamp.Before(ts) {
			out = append(out, e)
		}
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buf)
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}
