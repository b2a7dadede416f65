// Package transport wraps the Kafka producer and consumer used for row
// events. Messages are keyed by file key with a hash balancer, so every
// event for one file lands on the same partition and is consumed in
// emission order.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/carelink/vaxbatch/internal/config"
	"github.com/carelink/vaxbatch/internal/model"
)

// Producer publishes row events.
type Producer struct {
	writer *kafka.Writer
}

// NewProducer constructs a Producer for the row event topic.
func NewProducer(cfg *config.Config) *Producer {
	return &Producer{writer: &kafka.Writer{
		Addr:         kafka.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaTopic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 5 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
	}}
}

// Publish sends one row event, keyed by its file key.
func (p *Producer) Publish(ctx context.Context, event *model.RowEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal row event: %w", err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.FileKey),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("publish row event: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}

// Consumer reads row events within a consumer group. Offsets are committed
// only after a batch has been fully handled, so unfinished work is
// redelivered.
type Consumer struct {
	reader *kafka.Reader
}

// NewConsumer constructs a Consumer for the row event topic.
func NewConsumer(cfg *config.Config) *Consumer {
	return &Consumer{reader: kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		GroupID:  cfg.KafkaGroupID,
		Topic:    cfg.KafkaTopic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})}
}

// Fetch blocks until the next message is available.
func (c *Consumer) Fetch(ctx context.Context) (kafka.Message, *model.RowEvent, error) {
	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return kafka.Message{}, nil, err
	}
	var event model.RowEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return kafka.Message{}, nil, fmt.Errorf("decode row event: %w", err)
	}
	return msg, &event, nil
}

// Commit marks messages as processed.
func (c *Consumer) Commit(ctx context.Context, msgs ...kafka.Message) error {
	return c.reader.CommitMessages(ctx, msgs...)
}

// Close shuts the reader down.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
