package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// Emitter is satisfied by *Router.
type Emitter interface {
	Emit(ctx context.Context, eventType string, payload map[string]any) (Report, error)
}

type KafkaSourceConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaRecord struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// KafkaSource feeds domain events published on a Kafka topic into the
// router. Records are committed after routing, including records that could
// not be decoded, so a poison record never blocks the partition.
type KafkaSource struct {
	reader  messageReader
	emitter Emitter
	logger  *slog.Logger
}

func NewKafkaSource(cfg KafkaSourceConfig, emitter Emitter, logger *slog.Logger) *KafkaSource {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
		MaxWait:        500 * time.Millisecond,
	})
	return newKafkaSource(reader, emitter, logger)
}

func newKafkaSource(reader messageReader, emitter Emitter, logger *slog.Logger) *KafkaSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaSource{
		reader:  reader,
		emitter: emitter,
		logger:  logger.With("component", "kafka_source"),
	}
}

// Run consumes until ctx is cancelled.
func (s *KafkaSource) Run(ctx context.Context) error {
	s.logger.Info("Kafka event source started")
	for {
		m, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			s.logger.Error("Failed to fetch Kafka message", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		s.handle(ctx, m)

		if err := s.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			s.logger.Error("Failed to commit Kafka message", "partition", m.Partition, "offset", m.Offset, "error", err)
		}
	}
}

func (s *KafkaSource) handle(ctx context.Context, m kafka.Message) {
	var rec kafkaRecord
	if err := json.Unmarshal(m.Value, &rec); err != nil || rec.Type == "" {
		s.logger.Warn("Skipping malformed event record", "partition", m.Partition, "offset", m.Offset, "error", err)
		return
	}

	if _, err := s.emitter.Emit(ctx, rec.Type, rec.Payload); err != nil {
		s.logger.Error("Failed to route event record", "type", rec.Type, "offset", m.Offset, "error", err)
	}
}

func (s *KafkaSource) Close() error {
	return s.reader.Close()
}
