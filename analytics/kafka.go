package analytics

import (
	"context"
	"encoding/json"
	"time"

	"github.com/IBM/sarama"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

var _ PaymentPublisher = &KafkaPaymentPublisher{}

const paymentOutcomeTopic = "billing.payment_outcome"

// KafkaPaymentPublisher writes executed charge outcomes to Kafka,
// keyed by subscription so one subscription's attempts stay ordered
// within a partition.
type KafkaPaymentPublisher struct {
	logger   *zap.Logger
	producer sarama.SyncProducer
}

// NewSaramaConfig returns the producer settings the payment stream
// expects: full acks and producer-side success returns, which
// SyncProducer requires.
func NewSaramaConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Version = sarama.V3_3_0_0
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	return config
}

func NewKafkaPaymentPublisher(logger *zap.Logger, brokers []string) (*KafkaPaymentPublisher, error) {
	if logger == nil {
		return nil, extErrors.New("nil logger is invalid")
	}
	producer, err := sarama.NewSyncProducer(brokers, NewSaramaConfig())
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot connect to Kafka")
	}
	return &KafkaPaymentPublisher{
		logger:   logger,
		producer: producer,
	}, nil
}

func (p *KafkaPaymentPublisher) Close() error {
	return p.producer.Close()
}

func (p *KafkaPaymentPublisher) PublishOutcome(ctx context.Context, outcome PaymentOutcome) error {
	if outcome.ExecutedAt.IsZero() {
		outcome.ExecutedAt = time.Now().UTC()
	}
	body, err := json.Marshal(outcome)
	if err != nil {
		return extErrors.Wrap(err, "Cannot encode outcome into bytes")
	}
	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: paymentOutcomeTopic,
		Key:   sarama.StringEncoder(outcome.SubscriptionID),
		Value: sarama.ByteEncoder(body),
	})
	if err != nil {
		return extErrors.Wrap(err, "Cannot publish payment outcome")
	}
	p.logger.Debug("Published payment outcome",
		zap.String("AttemptID", outcome.AttemptID),
		zap.Int32("Partition", partition),
		zap.Int64("Offset", offset),
	)
	return nil
}
