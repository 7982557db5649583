// Package usage reports how much space ephemeral objects take in the
// destination bucket each time a batch of completion events arrives.
//
// The figure is recomputed by walking the whole bucket; it is a snapshot and
// may lag concurrent copies and evictions.
package usage

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/baldanca/bucket-replicator/event"
	"github.com/baldanca/bucket-replicator/logger"
	"github.com/baldanca/bucket-replicator/metrics"
	"github.com/baldanca/bucket-replicator/objectstore"
	"github.com/baldanca/bucket-replicator/policy"
	"github.com/baldanca/bucket-replicator/source"
	"github.com/baldanca/bucket-replicator/worker"
)

const tracerName = "github.com/baldanca/bucket-replicator/usage"

// Usage is the aggregate of the ephemeral objects of one bucket.
type Usage struct {
	Bytes   int64
	Objects int
}

// Aggregate walks bucket and sums the sizes of objects matched by classify.
func Aggregate(ctx context.Context, store objectstore.Store, bucket string, classify policy.Classifier) (Usage, error) {
	var u Usage
	err := store.Walk(ctx, bucket, func(obj objectstore.ObjectMeta) error {
		if classify(obj.Key) {
			u.Bytes += obj.Size
			u.Objects++
		}
		return nil
	})
	if err != nil {
		return Usage{}, err
	}
	return u, nil
}

// Handler is the worker.Handler of the usage logger role.
type Handler struct {
	store    objectstore.Store
	acker    source.Acker
	bucket   string
	classify policy.Classifier

	threshold int64

	retry   worker.RetryPolicy
	metrics *metrics.Metrics
	log     *zap.Logger
	tracer  trace.Tracer
}

// Option configures a Handler.
type Option func(*Handler)

// WithClassifier replaces the default ephemeral classifier.
func WithClassifier(c policy.Classifier) Option {
	return func(h *Handler) {
		if c != nil {
			h.classify = c
		}
	}
}

// WithThreshold enables the over-threshold warning. Zero disables it.
func WithThreshold(bytes int64) Option {
	return func(h *Handler) { h.threshold = bytes }
}

// WithMetrics publishes the aggregate as gauges.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithLogger sets the logger. Nil keeps the no-op default.
func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) { h.log = logger.OrNop(l) }
}

// WithRetry sets the policy applied to acknowledging.
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

// New returns a Handler reporting on bucket. It panics on a missing dependency.
func New(store objectstore.Store, acker source.Acker, bucket string, opts ...Option) *Handler {
	if store == nil {
		panic("object store is required")
	}
	if acker == nil {
		panic("acker is required")
	}
	if bucket == "" {
		panic("bucket is required")
	}

	h := &Handler{
		store:    store,
		acker:    acker,
		bucket:   bucket,
		classify: policy.Default(),
		retry:    worker.NoRetry(),
		log:      zap.NewNop(),
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleBatch checks that each message is a completion event, computes the
// usage once for the whole batch and acknowledges the messages that parsed.
// If the bucket cannot be walked nothing is acknowledged.
func (h *Handler) HandleBatch(ctx context.Context, msgs []source.Message) (worker.Response, error) {
	berr := &worker.BatchError{}
	var group source.AckGroup

	for _, m := range msgs {
		if _, err := event.DecodeCompletion(m.Data().Body); err != nil {
			berr.Add(m.ID(), "", err)
			continue
		}
		group.Add(m)
	}
	if group.Len() == 0 {
		return worker.Partial(len(msgs), berr), berr.OrNil()
	}

	ctx, span := h.tracer.Start(ctx, "usage.aggregate", trace.WithAttributes(
		attribute.String("bucket", h.bucket),
	))
	defer span.End()

	u, err := Aggregate(ctx, h.store, h.bucket, h.classify)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.log.Error("Error accessing objects in "+h.bucket, zap.String("bucket", h.bucket), zap.Error(err))
		return worker.Response{
			StatusCode: http.StatusInternalServerError,
			Body:       "usage aggregation failed",
		}, fmt.Errorf("aggregate usage of %s: %w", h.bucket, err)
	}
	span.SetAttributes(attribute.Int64("usage.bytes", u.Bytes), attribute.Int("usage.objects", u.Objects))

	h.log.Info(fmt.Sprintf("Total size of all objects in %s: %d bytes", h.bucket, u.Bytes),
		zap.String("bucket", h.bucket),
		zap.Int64("total_bytes", u.Bytes),
		zap.Int("objects", u.Objects),
	)
	h.metrics.RecordUsage(h.bucket, u.Bytes, u.Objects, h.threshold)
	if h.threshold > 0 && u.Bytes > h.threshold {
		h.log.Warn("ephemeral usage above threshold",
			zap.String("bucket", h.bucket),
			zap.Int64("total_bytes", u.Bytes),
			zap.Int64("threshold_bytes", h.threshold),
		)
	}

	if err := h.retry.Do(ctx, func(ctx context.Context) error {
		return group.Commit(ctx, h.acker)
	}); err != nil {
		for _, m := range group.Messages() {
			berr.Add(m.ID(), "", fmt.Errorf("ack message: %w", err))
		}
	}

	resp := worker.Partial(len(msgs), berr)
	if berr.Len() == 0 {
		resp.Body = "Log processing completed successfully."
	}
	return resp, berr.OrNil()
}
