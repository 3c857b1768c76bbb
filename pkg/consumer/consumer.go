// Package consumer reads JSON messages of one type from a Kafka topic.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// ErrDecode marks a message that could not be decoded. The message is
// committed anyway so it is not redelivered.
var ErrDecode = errors.New("undecodable message")

type Config struct {
	Brokers []string
	GroupID string
	Topic   string
}

type fetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer commits each message before Read returns it. Delivery is at most
// once: a message that was read but not yet processed when the process
// stops is not redelivered.
type Consumer[T any] struct {
	reader fetcher
}

func NewConsumer[T any](cfg Config) *Consumer[T] {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		GroupID: cfg.GroupID,
		Topic:   cfg.Topic,
	})
	return &Consumer[T]{reader: r}
}

// Read blocks for the next message. Errors wrapping ErrDecode are
// per-message; any other error comes from the reader itself.
func (c *Consumer[T]) Read(ctx context.Context) (T, error) {
	var zero T

	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return zero, err
	}

	var payload T
	if err := json.Unmarshal(msg.Value, &payload); err != nil {
		if cerr := c.reader.CommitMessages(ctx, msg); cerr != nil {
			return zero, cerr
		}
		return zero, fmt.Errorf("%w at offset %d: %v", ErrDecode, msg.Offset, err)
	}

	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		return zero, err
	}

	return payload, nil
}

func (c *Consumer[T]) Close() error {
	return c.reader.Close()
}
