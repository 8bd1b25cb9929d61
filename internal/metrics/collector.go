package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"helmetwatch/internal/model"
)

const namespace = "helmetwatch"

var connectionStates = []model.ConnectionState{
	model.StateDisconnected, model.StateConnecting, model.StateConnected,
	model.StateReconnecting, model.StateFailed,
}

// Collector owns a private registry with the ingestion, engine and sink
// metrics. It satisfies the metrics interfaces of network and engine.
type Collector struct {
	registry *prometheus.Registry

	connectAttempts *prometheus.CounterVec
	connectionState *prometheus.GaugeVec
	framesReceived  prometheus.Counter
	decodeFailures  prometheus.Counter
	readings        *prometheus.CounterVec
	readingsDropped *prometheus.CounterVec
	sensorValue     *prometheus.GaugeVec
	featureVectors  *prometheus.CounterVec
	confidence      prometheus.Histogram
	modelFailures   prometheus.Counter
	fallAlerts      prometheus.Counter
	hazardAlerts    *prometheus.CounterVec
	handlerErrors   *prometheus.CounterVec
	sinkDropped     *prometheus.CounterVec
	sinkFailures    *prometheus.CounterVec
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		connectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "network", Name: "connect_attempts_total",
			Help: "Device connection attempts by outcome.",
		}, []string{"result"}),
		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "network", Name: "connection_state",
			Help: "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "network", Name: "frames_received_total",
			Help: "Raw frames read from the device.",
		}),
		decodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "network", Name: "decode_failures_total",
			Help: "Frames dropped because they could not be decoded.",
		}),
		readings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sensor", Name: "readings_total",
			Help: "Readings published per sensor.",
		}, []string{"sensor"}),
		readingsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sensor", Name: "readings_dropped_total",
			Help: "Readings dropped because the sensor is disabled.",
		}, []string{"sensor"}),
		sensorValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sensor", Name: "value",
			Help: "Latest scalar sensor value.",
		}, []string{"sensor"}),
		featureVectors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ml", Name: "feature_vectors_total",
			Help: "Feature vectors computed per motion source.",
		}, []string{"source"}),
		confidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "ml", Name: "fall_confidence",
			Help:    "Classifier fall confidence.",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
		modelFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ml", Name: "model_failures_total",
			Help: "Classifier invocations that failed.",
		}),
		fallAlerts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ml", Name: "fall_alerts_total",
			Help: "Fall alerts published.",
		}),
		hazardAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "alerts", Name: "hazard_total",
			Help: "Hazard alerts by sensor and level.",
		}, []string{"sensor", "level"}),
		handlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "handler_errors_total",
			Help: "Event handlers that returned an error or panicked.",
		}, []string{"topic"}),
		sinkDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sink", Name: "dropped_total",
			Help: "Events dropped because a sink queue was full.",
		}, []string{"sink"}),
		sinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sink", Name: "failures_total",
			Help: "Events a sink failed to deliver.",
		}, []string{"sink"}),
	}
	c.registry.MustRegister(
		c.connectAttempts, c.connectionState, c.framesReceived, c.decodeFailures,
		c.readings, c.readingsDropped, c.sensorValue, c.featureVectors, c.confidence,
		c.modelFailures, c.fallAlerts, c.hazardAlerts, c.handlerErrors,
		c.sinkDropped, c.sinkFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.StateChanged(model.StateDisconnected)
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) ConnectAttempt(ok bool) {
	result := "failure"
	if ok {
		result = "success"
	}
	c.connectAttempts.WithLabelValues(result).Inc()
}

func (c *Collector) StateChanged(state model.ConnectionState) {
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		c.connectionState.WithLabelValues(string(s)).Set(v)
	}
}

func (c *Collector) FrameReceived() { c.framesReceived.Inc() }
func (c *Collector) DecodeFailed()  { c.decodeFailures.Inc() }

func (c *Collector) ReadingPublished(kind model.Kind) {
	c.readings.WithLabelValues(string(kind)).Inc()
}

func (c *Collector) ReadingDropped(kind model.Kind) {
	c.readingsDropped.WithLabelValues(string(kind)).Inc()
}

// ObserveReading updates the value gauge for scalar readings.
func (c *Collector) ObserveReading(r model.SensorReading) {
	if sr, ok := r.(*model.ScalarReading); ok {
		c.sensorValue.WithLabelValues(string(sr.Kind)).Set(sr.Value)
	}
}

func (c *Collector) FeaturesComputed(source model.Kind) {
	c.featureVectors.WithLabelValues(string(source)).Inc()
}

func (c *Collector) Prediction(confidence float64) { c.confidence.Observe(confidence) }
func (c *Collector) ModelFailed()                  { c.modelFailures.Inc() }
func (c *Collector) FallAlert()                    { c.fallAlerts.Inc() }

func (c *Collector) HazardAlert(sensor model.Kind, level model.HazardLevel) {
	c.hazardAlerts.WithLabelValues(string(sensor), string(level)).Inc()
}

// HandlerError is meant for eventbus.Bus.OnHandlerError.
func (c *Collector) HandlerError(topic string, _ error) {
	c.handlerErrors.WithLabelValues(topic).Inc()
}

func (c *Collector) SinkDropped(sink string) { c.sinkDropped.WithLabelValues(sink).Inc() }
func (c *Collector) SinkFailed(sink string)  { c.sinkFailures.WithLabelValues(sink).Inc() }
