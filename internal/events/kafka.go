package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/IBM/sarama"

	"github.com/moltbunker/usdstake/internal/ledger"
	"github.com/moltbunker/usdstake/internal/logging"
)

// KafkaSink publishes events to a Kafka topic keyed by account, so all
// events of one account land on the same partition in order.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaSink connects a synchronous producer to brokers.
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka sink requires at least one broker")
	}
	if topic == "" {
		return nil, errors.New("kafka sink requires a topic")
	}

	cfg := sarama.NewConfig()
	cfg.ClientID = "usdstake"
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	logging.Info("kafka sink ready", "brokers", brokers, "topic", topic, logging.Component("events"))
	return NewKafkaSinkWithProducer(producer, topic), nil
}

// NewKafkaSinkWithProducer wraps an existing producer.
func NewKafkaSinkWithProducer(producer sarama.SyncProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Publish(ctx context.Context, ev ledger.Event) error {
	msg := NewMessage(ev)
	body, err := msg.encode()
	if err != nil {
		return err
	}

	partition, offset, err := k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(msg.Account),
		Value: sarama.ByteEncoder(body),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(msg.Type)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send to kafka: %w", err)
	}

	logging.Debug("event sent to kafka",
		"event", msg.Type,
		"partition", partition,
		"offset", offset)
	return nil
}

func (k *KafkaSink) Close() error {
	return k.producer.Close()
}
