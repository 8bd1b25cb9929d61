package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"helmetwatch/internal/config"
	"helmetwatch/internal/eventbus"
)

// mqttClient is the part of mqtt.Client the writer needs.
type mqttClient interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

type MQTTWriter struct {
	client  mqttClient
	prefix  string
	qos     byte
	timeout time.Duration
	logger  *slog.Logger
}

func NewMQTTWriter(cfg config.MQTTConfig, logger *slog.Logger) (*MQTTWriter, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("MQTT broker address is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("helmetwatch-%d", time.Now().Unix())
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		if logger != nil {
			logger.Warn("mqtt connection lost", "broker", cfg.Broker, "err", err)
		}
	})
	opts.SetOnConnectHandler(func(mqtt.Client) {
		if logger != nil {
			logger.Info("mqtt connected", "broker", cfg.Broker)
		}
	})
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetMaxReconnectInterval(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)

	return newMQTTWriter(mqtt.NewClient(opts), cfg, logger), nil
}

func newMQTTWriter(client mqttClient, cfg config.MQTTConfig, logger *slog.Logger) *MQTTWriter {
	return &MQTTWriter{
		client:  client,
		prefix:  cfg.Prefix,
		qos:     cfg.QoS,
		timeout: 5 * time.Second,
		logger:  logger,
	}
}

// Connect starts the broker session. The client keeps retrying in the
// background, so Connect gives up waiting after the publish timeout.
func (w *MQTTWriter) Connect(ctx context.Context) error {
	token := w.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", err)
		}
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(w.timeout):
	}
	return nil
}

func (w *MQTTWriter) Name() string { return "mqtt" }

func (w *MQTTWriter) Write(ctx context.Context, batch []eventbus.Event) error {
	var errs []error
	now := time.Now()
	for _, ev := range batch {
		payload, err := Encode(ev, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("encode %s: %w", ev.Topic, err))
			continue
		}
		token := w.client.Publish(MQTTTopic(w.prefix, ev.Topic), w.qos, false, payload)
		if err := waitToken(ctx, token, w.timeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to publish message: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (w *MQTTWriter) Close() error {
	w.client.Disconnect(250)
	return nil
}

func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return fmt.Errorf("publish timed out after %s", timeout)
	}
}
