// Package bridge forwards bus events to external brokers.
package bridge

import (
	"encoding/json"
	"strings"
	"time"

	"helmetwatch/internal/eventbus"
)

// Envelope is the wire form of a forwarded event.
type Envelope struct {
	Topic   string    `json:"topic"`
	SentAt  time.Time `json:"sent_at"`
	Payload any       `json:"payload"`
}

func Encode(ev eventbus.Event, now time.Time) ([]byte, error) {
	return json.Marshal(Envelope{Topic: ev.Topic, SentAt: now.UTC(), Payload: ev.Payload})
}

// MQTTTopic maps a bus topic under prefix, e.g. sensor.gas -> helmetwatch/sensor/gas.
func MQTTTopic(prefix, topic string) string {
	t := strings.ReplaceAll(topic, ".", "/")
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return t
	}
	return prefix + "/" + t
}
