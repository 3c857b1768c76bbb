package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/nevergoodstudy-hub/netops/pkg/engine"
)

type messageWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Kafka publishes each report as a JSON message keyed by run id.
type Kafka struct {
	writer messageWriter
	topic  string
}

func NewKafka(brokers []string, topic string) *Kafka {
	return &Kafka{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		},
		topic: topic,
	}
}

func (k *Kafka) Write(ctx context.Context, rep *engine.RunReport) error {
	value, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(rep.ID.String()),
		Value: value,
		Time:  time.Now(),
	})
	if errors.Is(err, kafka.UnknownTopicOrPartition) {
		return fmt.Errorf("kafka topic %q does not exist: %w", k.topic, err)
	}
	if err != nil {
		return fmt.Errorf("publish report: %w", err)
	}
	return nil
}

func (k *Kafka) Close() error { return k.writer.Close() }
