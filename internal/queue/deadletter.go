package queue

import (
	"context"
	"encoding/json"

	"notify-service/internal/adapters/kafka"

	"github.com/IBM/sarama"
	"github.com/pkg/errors"
)

// DeadLetterSink receives every job that exhausted its attempts, after it
// was appended to the failed list.
type DeadLetterSink interface {
	Publish(ctx context.Context, job *FailedJob) error
}

// KafkaDeadLetterSink forwards dead letters to a Kafka topic keyed by queue.
type KafkaDeadLetterSink struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaDeadLetterSink(brokers []string, topic string) (*KafkaDeadLetterSink, error) {
	producer, err := kafka.InitKafkaProducer(brokers, "notify-service")
	if err != nil {
		return nil, errors.Wrap(err, "create dead letter producer")
	}
	return newKafkaDeadLetterSink(producer, topic), nil
}

func newKafkaDeadLetterSink(producer sarama.SyncProducer, topic string) *KafkaDeadLetterSink {
	return &KafkaDeadLetterSink{producer: producer, topic: topic}
}

func (s *KafkaDeadLetterSink) Publish(ctx context.Context, job *FailedJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "marshal dead letter")
	}
	_, _, err = s.producer.SendMessage(&sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(job.Queue),
		Value: sarama.ByteEncoder(data),
	})
	if err != nil {
		return errors.Wrapf(err, "publish dead letter %s", job.ID)
	}
	return nil
}

func (s *KafkaDeadLetterSink) Close() error {
	return s.producer.Close()
}
