// Package replicator copies objects named by storage-change notifications
// from their source bucket into the destination bucket.
//
// A message is acknowledged only after the copy succeeded and the completion
// event was published. Anything else leaves the message on the queue for
// redelivery; copies overwrite, so replaying a message is safe.
package replicator

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/baldanca/bucket-replicator/event"
	"github.com/baldanca/bucket-replicator/logger"
	"github.com/baldanca/bucket-replicator/objectstore"
	"github.com/baldanca/bucket-replicator/sink"
	"github.com/baldanca/bucket-replicator/source"
	"github.com/baldanca/bucket-replicator/worker"
)

const tracerName = "github.com/baldanca/bucket-replicator/replicator"

// Handler is the worker.Handler of the copier role.
type Handler struct {
	store       objectstore.Store
	completions sink.Publisher
	acker       source.Acker
	destination string

	retry  worker.RetryPolicy
	log    *zap.Logger
	tracer trace.Tracer
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger. Nil keeps the no-op default.
func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) { h.log = logger.OrNop(l) }
}

// WithRetry sets the policy applied to publishing and acknowledging.
// Store calls are never retried here.
func WithRetry(p worker.RetryPolicy) Option {
	return func(h *Handler) {
		if p != nil {
			h.retry = p
		}
	}
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(h *Handler) {
		if t != nil {
			h.tracer = t
		}
	}
}

// New returns a Handler copying into destination. It panics on a missing
// dependency.
func New(store objectstore.Store, completions sink.Publisher, acker source.Acker, destination string, opts ...Option) *Handler {
	if store == nil {
		panic("object store is required")
	}
	if completions == nil {
		panic("completion publisher is required")
	}
	if acker == nil {
		panic("acker is required")
	}
	if destination == "" {
		panic("destination bucket is required")
	}

	h := &Handler{
		store:       store,
		completions: completions,
		acker:       acker,
		destination: destination,
		retry:       worker.NoRetry(),
		log:         zap.NewNop(),
		tracer:      otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleBatch replicates each message in order. Every message has its own
// failure boundary: successes are acknowledged, failures are returned in a
// *worker.BatchError.
func (h *Handler) HandleBatch(ctx context.Context, msgs []source.Message) (worker.Response, error) {
	berr := &worker.BatchError{}
	for _, m := range msgs {
		if err := ctx.Err(); err != nil {
			berr.Add(m.ID(), "", err)
			continue
		}
		if key, err := h.replicate(ctx, m); err != nil {
			berr.Add(m.ID(), key, err)
		}
	}
	return worker.Partial(len(msgs), berr), berr.OrNil()
}

func (h *Handler) replicate(ctx context.Context, m source.Message) (key string, err error) {
	change, err := event.DecodeNotification(m.Data().Body)
	if err != nil {
		return "", err
	}
	key = change.Key

	ctx, span := h.tracer.Start(ctx, "replicator.replicate", trace.WithAttributes(
		attribute.String("message.id", m.ID()),
		attribute.String("source.bucket", change.Bucket),
		attribute.String("object.key", key),
		attribute.String("event.name", change.EventName),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	src := objectstore.Ref{Bucket: change.Bucket, Key: key}
	dst := objectstore.Ref{Bucket: h.destination, Key: key}

	meta, err := h.store.Head(ctx, src)
	if err != nil {
		return key, err
	}
	if err := h.store.Copy(ctx, src, dst); err != nil {
		return key, err
	}

	body, err := event.NewCompletion(h.destination).Marshal()
	if err != nil {
		return key, err
	}
	if err := h.retry.Do(ctx, func(ctx context.Context) error {
		return h.completions.Publish(ctx, body)
	}); err != nil {
		return key, fmt.Errorf("publish completion: %w", err)
	}

	if err := h.retry.Do(ctx, func(ctx context.Context) error {
		return h.acker.Ack(ctx, m)
	}); err != nil {
		return key, fmt.Errorf("ack message: %w", err)
	}

	h.log.Info("object replicated",
		zap.String("message_id", m.ID()),
		zap.String("bucket", change.Bucket),
		zap.String("key", key),
		zap.String("event_name", change.EventName),
		zap.String("destination", h.destination),
		zap.Int64("size", meta.Size),
	)
	return key, nil
}
