package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Writer is the subset of *kafka.Writer the publisher needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Reader is the subset of *kafka.Reader the consumer needs.
type Reader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaConfig holds configuration parameters for Kafka.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	GroupID      string
	WriteTimeout time.Duration
}

func (cfg KafkaConfig) withDefaults() KafkaConfig {
	if len(cfg.Brokers) == 0 {
		cfg.Brokers = []string{"localhost:9092"}
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return cfg
}

// NewKafkaWriter returns a writer that hashes message keys onto partitions so
// events for one aggregate stay ordered.
func NewKafkaWriter(cfg KafkaConfig) *kafka.Writer {
	cfg = cfg.withDefaults()
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		WriteTimeout:           cfg.WriteTimeout,
		AllowAutoTopicCreation: true,
	}
}

// NewKafkaReader creates a new Kafka consumer group reader.
func NewKafkaReader(cfg KafkaConfig) *kafka.Reader {
	cfg = cfg.withDefaults()
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		Topic:          cfg.Topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        time.Second,
		CommitInterval: time.Second,
	})
}

// KafkaPublisher implements Publisher on a Kafka writer.
type KafkaPublisher struct {
	writer Writer
	logger *zap.Logger
}

func NewKafkaPublisher(writer Writer, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPublisher{writer: writer, logger: logger.Named("events")}
}

func (p *KafkaPublisher) Publish(ctx context.Context, events ...Envelope) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(events))
	for _, evt := range events {
		value, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", evt.Type, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(evt.Key),
			Value: value,
			Headers: []kafka.Header{
				{Key: "type", Value: []byte(evt.Type)},
			},
		})
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		p.logger.Error("publish failed", zap.Int("count", len(msgs)), zap.String("type", events[0].Type), zap.Error(err))
		return fmt.Errorf("publish events: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LogPublisher only logs events. It stands in when no brokers are configured.
type LogPublisher struct {
	Logger *zap.Logger
}

func (p LogPublisher) Publish(_ context.Context, events ...Envelope) error {
	logger := p.Logger
	if logger == nil {
		return nil
	}
	for _, evt := range events {
		logger.Debug("event dropped, kafka disabled", zap.String("type", evt.Type), zap.String("key", evt.Key))
	}
	return nil
}

// ErrEmptyMessage is returned by Decode for tombstones and empty values.
var ErrEmptyMessage = errors.New("empty kafka message")

// DecodeMessage parses a Kafka message value into an envelope.
func DecodeMessage(msg kafka.Message) (Envelope, error) {
	if len(msg.Value) == 0 {
		return Envelope{}, ErrEmptyMessage
	}
	var evt Envelope
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if evt.Type == "" {
		return Envelope{}, errors.New("envelope without type")
	}
	return evt, nil
}
