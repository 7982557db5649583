package sink

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// Kafka publishes message bodies to a topic.
type Kafka struct {
	w     kafkaWriter
	topic string
}

func NewKafka(cfg KafkaConfig) *Kafka {
	if len(cfg.Brokers) == 0 {
		panic("kafka brokers are required")
	}
	if cfg.Topic == "" {
		panic("kafka topic is required")
	}
	return newKafka(&kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.LeastBytes{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}, cfg.Topic)
}

func newKafka(w kafkaWriter, topic string) *Kafka {
	if w == nil {
		panic("kafka writer is required")
	}
	return &Kafka{w: w, topic: topic}
}

func (k *Kafka) Publish(ctx context.Context, body []byte) error {
	if len(body) == 0 {
		return fmt.Errorf("empty message body")
	}
	if err := k.w.WriteMessages(ctx, kafka.Message{Value: body}); err != nil {
		return fmt.Errorf("kafka write topic=%q: %w", k.topic, err)
	}
	return nil
}

// Close flushes pending writes and releases the writer.
func (k *Kafka) Close() error {
	return k.w.Close()
}
