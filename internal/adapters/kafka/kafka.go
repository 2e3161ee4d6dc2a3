package kafka

import (
	"errors"

	"github.com/IBM/sarama"
)

// InitKafkaProducer returns a synchronous producer that waits for all
// in-sync replicas. Records with the same key land on the same partition.
func InitKafkaProducer(brokers []string, clientID string) (sarama.SyncProducer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}

	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Version = sarama.V2_0_0_0
	config.ClientID = clientID
	config.Producer.MaxMessageBytes = 1000000

	return sarama.NewSyncProducer(brokers, config)
}
