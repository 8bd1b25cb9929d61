package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"helmetwatch/internal/config"
	"helmetwatch/internal/eventbus"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaWriter produces one message per event, keyed by bus topic so each
// topic stays ordered within its partition.
type KafkaWriter struct {
	w messageWriter
}

func NewKafkaWriter(cfg config.KafkaConfig) (*KafkaWriter, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("kafka brokers and topic are required")
	}
	return &KafkaWriter{w: &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}}, nil
}

func (k *KafkaWriter) Name() string { return "kafka" }

func (k *KafkaWriter) Write(ctx context.Context, batch []eventbus.Event) error {
	if len(batch) == 0 {
		return nil
	}
	now := time.Now()
	msgs := make([]kafka.Message, 0, len(batch))
	for _, ev := range batch {
		value, err := Encode(ev, now)
		if err != nil {
			return fmt.Errorf("encode %s: %w", ev.Topic, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(ev.Topic),
			Value: value,
			Time:  now,
		})
	}
	return k.w.WriteMessages(ctx, msgs...)
}

func (k *KafkaWriter) Close() error {
	return k.w.Close()
}
