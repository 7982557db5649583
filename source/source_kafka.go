package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/segmentio/kafka-go"
)

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type SourceKafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// SourceKafka consumes a topic as part of a consumer group. Ack commits the
// message offset.
//
// Offsets are committed per partition, so acknowledging a message also
// acknowledges any earlier uncommitted message of the same partition. A failed
// message is redelivered only if the process stops before a later offset of
// its partition commits; otherwise it is skipped. Consumers must tolerate lost
// messages, as the usage logger does by recomputing the total every batch.
type SourceKafka struct {
	r kafkaReader
}

// NewKafka builds a SourceKafka backed by a kafka-go Reader.
func NewKafka(cfg SourceKafkaConfig) *SourceKafka {
	if len(cfg.Brokers) == 0 {
		panic("kafka brokers are required")
	}
	if cfg.Topic == "" {
		panic("kafka topic is required")
	}
	if cfg.GroupID == "" {
		panic("kafka group id is required")
	}
	return newKafka(kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	}))
}

func newKafka(r kafkaReader) *SourceKafka {
	if r == nil {
		panic("kafka reader is required")
	}
	return &SourceKafka{r: r}
}

func (s *SourceKafka) Receive(ctx context.Context) (Message, error) {
	m, err := s.r.FetchMessage(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrClosed
		}
		return nil, err
	}
	return &kafkaMessage{m: m}, nil
}

func (s *SourceKafka) Ack(ctx context.Context, msg Message) error {
	return s.AckBatch(ctx, []Message{msg})
}

func (s *SourceKafka) AckBatch(ctx context.Context, msgs []Message) error {
	out := make([]kafka.Message, 0, len(msgs))
	for _, m := range msgs {
		km, ok := m.(*kafkaMessage)
		if !ok {
			return fmt.Errorf("kafka ack: unexpected message type %T", m)
		}
		out = append(out, km.m)
	}
	if len(out) == 0 {
		return nil
	}
	if err := s.r.CommitMessages(ctx, out...); err != nil {
		return fmt.Errorf("kafka commit: %w", err)
	}
	return nil
}

// Close stops the underlying reader.
func (s *SourceKafka) Close() error {
	return s.r.Close()
}

type kafkaMessage struct {
	m kafka.Message
}

func (m *kafkaMessage) ID() string {
	return m.m.Topic + "/" + strconv.Itoa(m.m.Partition) + "/" + strconv.FormatInt(m.m.Offset, 10)
}

func (m *kafkaMessage) Data() Envelope {
	return Envelope{Body: string(m.m.Value), ReceiptHandle: m.ID()}
}

// Fail is a no-op; see SourceKafka for the redelivery caveat.
func (m *kafkaMessage) Fail(ctx context.Context, reason error) error {
	return nil
}
