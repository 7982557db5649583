package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrClosed is returned when Receive is called after the source has been closed.
var ErrClosed = errors.New("source closed")

type SourceSQSConfig struct {
	WaitTimeSeconds int32
	MaxMessages     int32
	VisibilityTO    int32

	Pollers int
	BufSize int

	// FailVisibilityTimeoutSeconds, when set, is applied to a message on Fail
	// so it is redelivered after that delay instead of the queue default.
	FailVisibilityTimeoutSeconds *int32

	// Logger receives poll errors. Nil disables logging.
	Logger *zap.Logger
}

func (c *SourceSQSConfig) validate() {
	if c.WaitTimeSeconds < 0 || c.WaitTimeSeconds > 20 {
		panic("wait time seconds must be between 0 and 20")
	}
	if c.MaxMessages < 1 || c.MaxMessages > 10 {
		panic("max messages must be between 1 and 10")
	}
	if c.VisibilityTO < 0 {
		panic("visibility timeout must be non-negative")
	}
	if c.Pollers < 1 {
		panic("pollers must be at least 1")
	}
	if c.BufSize < 1 {
		panic("buffer size must be at least 1")
	}
	if c.FailVisibilityTimeoutSeconds != nil && *c.FailVisibilityTimeoutSeconds < 0 {
		panic("fail visibility timeout seconds must be non-negative")
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

var DefaultSourceSQSConfig = SourceSQSConfig{
	WaitTimeSeconds: 20,
	MaxMessages:     10,
	VisibilityTO:    50,
	Pollers:         1,
	BufSize:         64,
}

type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	ChangeMessageVisibilityBatch(ctx context.Context, params *sqs.ChangeMessageVisibilityBatchInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityBatchOutput, error)
}

// polled is a received message and the time it left the queue.
type polled struct {
	m  *sqstypes.Message
	at time.Time
}

// SourceSQS long-polls one queue with a fixed number of pollers and hands
// messages out through Receive. Acknowledgement deletes the message.
//
// Messages that waited in the read-ahead buffer for longer than VisibilityTO
// are dropped by Receive: the queue has already made them visible again, so
// handling them would duplicate work and ack with a stale receipt handle.
type SourceSQS struct {
	cfg SourceSQSConfig

	client      sqsAPI
	queueURL    string
	queueURLPtr *string

	bufCh chan polled
	now   func() time.Time

	closeOnce sync.Once
	cancel    context.CancelFunc

	wg sync.WaitGroup
}

func NewSQS(ctx context.Context, client sqsAPI, queueURL string, cfg SourceSQSConfig) *SourceSQS {
	s := newSQS(client, queueURL, cfg)
	s.startPollers(ctx)
	return s
}

func newSQS(client sqsAPI, queueURL string, cfg SourceSQSConfig) *SourceSQS {
	if client == nil {
		panic("sqs client is required")
	}
	if queueURL == "" {
		panic("queue url is required")
	}
	cfg.validate()

	s := &SourceSQS{
		cfg:      cfg,
		client:   client,
		queueURL: queueURL,
		bufCh:    make(chan polled, cfg.BufSize),
		now:      time.Now,
		cancel:   func() {},
	}
	s.queueURLPtr = &s.queueURL
	return s
}

func (s *SourceSQS) startPollers(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(s.cfg.Pollers)
	for i := 0; i < s.cfg.Pollers; i++ {
		go func() {
			defer s.wg.Done()
			s.pollLoop(ctx)
		}()
	}
	go func() {
		s.wg.Wait()
		close(s.bufCh)
	}()
}

func (s *SourceSQS) pollLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		reqCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.WaitTimeSeconds+5)*time.Second)
		out, err := s.client.ReceiveMessage(reqCtx, &sqs.ReceiveMessageInput{
			QueueUrl:              s.queueURLPtr,
			MaxNumberOfMessages:   s.cfg.MaxMessages,
			WaitTimeSeconds:       s.cfg.WaitTimeSeconds,
			VisibilityTimeout:     s.cfg.VisibilityTO,
			MessageAttributeNames: []string{"All"},
		})
		cancel()

		if err != nil {
			if ctx.Err() == nil {
				s.cfg.Logger.Warn("sqs receive failed", zap.String("queue_url", s.queueURL), zap.Error(err))
			}
			select {
			case <-time.After(250 * time.Millisecond):
				continue
			case <-ctx.Done():
				return
			}
		}

		at := s.now()
		for i := range out.Messages {
			select {
			case s.bufCh <- polled{m: &out.Messages[i], at: at}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Close stops the pollers. Messages already buffered are still returned by
// Receive; after that Receive returns ErrClosed.
func (s *SourceSQS) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
	})
}

func (s *SourceSQS) Receive(ctx context.Context) (Message, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case p, ok := <-s.bufCh:
			if !ok {
				return nil, ErrClosed
			}
			if s.expired(p) {
				s.cfg.Logger.Warn("dropping message held past its visibility timeout",
					zap.String("queue_url", s.queueURL),
					zap.String("message_id", aws.ToString(p.m.MessageId)),
					zap.Duration("held", s.now().Sub(p.at)),
				)
				continue
			}
			return &message{src: s, m: p.m}, nil
		}
	}
}

func (s *SourceSQS) expired(p polled) bool {
	if s.cfg.VisibilityTO <= 0 {
		return false
	}
	return s.now().Sub(p.at) >= time.Duration(s.cfg.VisibilityTO)*time.Second
}

// Ack deletes a single message using its receipt handle.
func (s *SourceSQS) Ack(ctx context.Context, msg Message) error {
	rh := msg.Data().ReceiptHandle
	if rh == "" {
		return fmt.Errorf("message %s has no receipt handle", msg.ID())
	}
	_, err := s.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      s.queueURLPtr,
		ReceiptHandle: &rh,
	})
	if err != nil {
		return fmt.Errorf("sqs delete message id=%s: %w", msg.ID(), err)
	}
	return nil
}

// AckBatch deletes messages in chunks of ten.
func (s *SourceSQS) AckBatch(ctx context.Context, msgs []Message) error {
	metas := make([]AckMetadata, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		metas = append(metas, AckMetadata{ID: m.ID(), Handle: m.Data().ReceiptHandle})
	}
	return s.AckBatchMeta(ctx, metas)
}

// AckBatchMeta is the fast path used by AckGroup when every message exposes
// AckMetadata.
func (s *SourceSQS) AckBatchMeta(ctx context.Context, metas []AckMetadata) error {
	if len(metas) == 0 {
		return nil
	}

	const max = 10

	entries := make([]sqstypes.DeleteMessageBatchRequestEntry, 0, max)
	in := sqs.DeleteMessageBatchInput{QueueUrl: s.queueURLPtr}

	for i := 0; i < len(metas); i += max {
		end := i + max
		if end > len(metas) {
			end = len(metas)
		}

		entries = entries[:0]
		for j := i; j < end; j++ {
			entries = append(entries, sqstypes.DeleteMessageBatchRequestEntry{
				Id:            &metas[j].ID,
				ReceiptHandle: &metas[j].Handle,
			})
		}

		in.Entries = entries
		out, err := s.client.DeleteMessageBatch(ctx, &in)
		if err != nil {
			return err
		}
		if len(out.Failed) > 0 {
			f := out.Failed[0]
			return fmt.Errorf("sqs delete failed id=%s code=%s message=%s",
				aws.ToString(f.Id), aws.ToString(f.Code), aws.ToString(f.Message))
		}
	}
	return nil
}

// ExtendVisibilityBatch sets the visibility timeout of the given messages,
// in chunks of ten. Any failed entry fails the call.
func (s *SourceSQS) ExtendVisibilityBatch(ctx context.Context, metas []AckMetadata, visibilityTimeoutSeconds int32) error {
	if len(metas) == 0 {
		return nil
	}

	const max = 10

	entries := make([]sqstypes.ChangeMessageVisibilityBatchRequestEntry, 0, max)
	in := sqs.ChangeMessageVisibilityBatchInput{QueueUrl: s.queueURLPtr}

	for i := 0; i < len(metas); i += max {
		end := i + max
		if end > len(metas) {
			end = len(metas)
		}

		entries = entries[:0]
		for j := i; j < end; j++ {
			entries = append(entries, sqstypes.ChangeMessageVisibilityBatchRequestEntry{
				Id:                &metas[j].ID,
				ReceiptHandle:     &metas[j].Handle,
				VisibilityTimeout: visibilityTimeoutSeconds,
			})
		}

		in.Entries = entries
		out, err := s.client.ChangeMessageVisibilityBatch(ctx, &in)
		if err != nil {
			return err
		}
		if len(out.Failed) > 0 {
			f := out.Failed[0]
			return fmt.Errorf("sqs visibility batch failed id=%s code=%s message=%s",
				aws.ToString(f.Id), aws.ToString(f.Code), aws.ToString(f.Message))
		}
	}
	return nil
}

type message struct {
	src *SourceSQS
	m   *sqstypes.Message

	idOnce sync.Once
	id     string
}

// ID returns the SQS message id, or a generated one when SQS omitted it.
// Batch entry ids must be unique within a request.
func (m *message) ID() string {
	m.idOnce.Do(func() {
		m.id = aws.ToString(m.m.MessageId)
		if m.id == "" {
			m.id = uuid.NewString()
		}
	})
	return m.id
}

func (m *message) Data() Envelope {
	return Envelope{
		Body:          aws.ToString(m.m.Body),
		ReceiptHandle: aws.ToString(m.m.ReceiptHandle),
	}
}

func (m *message) AckMeta() (AckMetadata, bool) {
	rh := aws.ToString(m.m.ReceiptHandle)
	if rh == "" {
		return AckMetadata{}, false
	}
	return AckMetadata{ID: m.ID(), Handle: rh}, true
}

func (m *message) Fail(ctx context.Context, err error) error {
	if m.src.cfg.FailVisibilityTimeoutSeconds == nil {
		return nil
	}
	_, callErr := m.src.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          m.src.queueURLPtr,
		ReceiptHandle:     m.m.ReceiptHandle,
		VisibilityTimeout: *m.src.cfg.FailVisibilityTimeoutSeconds,
	})
	if callErr != nil && !errors.Is(callErr, context.Canceled) && !errors.Is(callErr, context.DeadlineExceeded) {
		return callErr
	}
	return nil
}
