package engine

import (
	"helmetwatch/internal/eventbus"
	"helmetwatch/internal/model"
)

// Bus is the subset of the event bus used by engine components.
type Bus interface {
	Subscribe(topic string, h eventbus.Handler) eventbus.SubscriptionID
	Unsubscribe(id eventbus.SubscriptionID)
	Publish(topic string, payload any)
}

// Metrics receives engine counters. Nil is allowed wherever it is accepted.
type Metrics interface {
	FeaturesComputed(source model.Kind)
	Prediction(confidence float64)
	ModelFailed()
	FallAlert()
	HazardAlert(sensor model.Kind, level model.HazardLevel)
}
