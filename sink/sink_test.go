package sink

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/segmentio/kafka-go"
)

type fakeSQSAPI struct {
	mu sync.Mutex

	sendCalls int
	lastIn    *sqs.SendMessageInput

	sendErr error
}

func (f *fakeSQSAPI) SendMessage(ctx context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sendCalls++
	f.lastIn = in
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return &sqs.SendMessageOutput{MessageId: aws.String("out-1")}, nil
}

type fakeKafkaWriter struct {
	written  []kafka.Message
	writeErr error
	closed   bool
}

func (f *fakeKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, msgs...)
	return nil
}

func (f *fakeKafkaWriter) Close() error {
	f.closed = true
	return nil
}

func TestNewSQS_Panics(t *testing.T) {
	for name, fn := range map[string]func(){
		"nil client": func() { NewSQS(nil, "q") },
		"blank url":  func() { NewSQS(&fakeSQSAPI{}, "  ") },
	} {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Fatalf("expected panic")
				}
			}()
			fn()
		})
	}
}

func TestSQS_Publish_SendsBodyToQueue(t *testing.T) {
	f := &fakeSQSAPI{}
	p := NewSQS(f, "https://sqs.local/log")

	body := []byte(`{"info":"File copied","bucket":"dest"}`)
	if err := p.Publish(context.Background(), body); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sendCalls != 1 {
		t.Fatalf("expected 1 send, got %d", f.sendCalls)
	}
	if got := aws.ToString(f.lastIn.QueueUrl); got != "https://sqs.local/log" {
		t.Fatalf("queue url=%q", got)
	}
	if got := aws.ToString(f.lastIn.MessageBody); got != string(body) {
		t.Fatalf("body=%q", got)
	}
}

func TestSQS_Publish_WrapsError(t *testing.T) {
	f := &fakeSQSAPI{sendErr: errors.New("throttled")}
	p := NewSQS(f, "q")

	err := p.Publish(context.Background(), []byte("x"))
	if !errors.Is(err, f.sendErr) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestSQS_Publish_RejectsEmptyBody(t *testing.T) {
	f := &fakeSQSAPI{}
	if err := NewSQS(f, "q").Publish(context.Background(), nil); err == nil {
		t.Fatalf("expected error")
	}
	if f.sendCalls != 0 {
		t.Fatalf("expected no send, got %d", f.sendCalls)
	}
}

func TestKafka_Publish(t *testing.T) {
	w := &fakeKafkaWriter{}
	p := newKafka(w, "completions")

	if err := p.Publish(context.Background(), []byte("hello")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(w.written) != 1 || string(w.written[0].Value) != "hello" {
		t.Fatalf("unexpected writes: %+v", w.written)
	}

	w.writeErr = errors.New("leader not available")
	if err := p.Publish(context.Background(), []byte("x")); !errors.Is(err, w.writeErr) {
		t.Fatalf("expected wrapped error, got %v", err)
	}

	if err := p.Close(); err != nil || !w.closed {
		t.Fatalf("close: err=%v closed=%v", err, w.closed)
	}
}

func TestPublisherFunc(t *testing.T) {
	var got string
	var p Publisher = PublisherFunc(func(ctx context.Context, body []byte) error {
		got = string(body)
		return nil
	})
	if err := p.Publish(context.Background(), []byte("x")); err != nil || got != "x" {
		t.Fatalf("got=%q err=%v", got, err)
	}
}
