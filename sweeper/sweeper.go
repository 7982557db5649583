// Package sweeper evicts the oldest ephemeral object from the destination
// bucket each time it is triggered.
//
// There is no index: every sweep walks the bucket. One trigger removes at
// most one object, so the bucket size only trends toward the bound.
package sweeper

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/baldanca/bucket-replicator/logger"
	"github.com/baldanca/bucket-replicator/metrics"
	"github.com/baldanca/bucket-replicator/objectstore"
	"github.com/baldanca/bucket-replicator/policy"
	"github.com/baldanca/bucket-replicator/source"
	"github.com/baldanca/bucket-replicator/worker"
)

const tracerName = "github.com/baldanca/bucket-replicator/sweeper"

// NoopBody is the response body of a sweep that found nothing to evict.
const NoopBody = "No temporary objects to delete."

// Oldest walks bucket and returns the ephemeral object with the smallest
// LastModified. On equal timestamps the first one walked wins. ok is false
// when the bucket holds no ephemeral object.
func Oldest(ctx context.Context, store objectstore.Store, bucket string, classify policy.Classifier) (oldest objectstore.ObjectMeta, ok bool, err error) {
	err = store.Walk(ctx, bucket, func(obj objectstore.ObjectMeta) error {
		if !classify(obj.Key) {
			return nil
		}
		if !ok || obj.LastModified.Before(oldest.LastModified) {
			oldest = obj
			ok = true
		}
		return nil
	})
	if err != nil {
		return objectstore.ObjectMeta{}, false, err
	}
	return oldest, ok, nil
}

// Handler is the worker.Handler of the sweeper role.
type Handler struct {
	store    objectstore.Store
	acker    source.Acker
	bucket   string
	classify policy.Classifier

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

// WithMetrics counts sweeps by outcome.
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

// New returns a Handler evicting from bucket. It panics on a missing dependency.
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

// HandleBatch runs one sweep for the whole batch; message contents are not
// inspected. The batch is acknowledged only when the sweep succeeded.
func (h *Handler) HandleBatch(ctx context.Context, msgs []source.Message) (worker.Response, error) {
	if len(msgs) == 0 {
		return worker.OK(NoopBody), nil
	}

	resp, err := h.Sweep(ctx)
	if err != nil {
		h.metrics.RecordEviction(metrics.EvictionFailed)
		return resp, err
	}

	var group source.AckGroup
	for _, m := range msgs {
		group.Add(m)
	}
	if err := h.retry.Do(ctx, func(ctx context.Context) error {
		return group.Commit(ctx, h.acker)
	}); err != nil {
		berr := &worker.BatchError{}
		for _, m := range msgs {
			berr.Add(m.ID(), "", fmt.Errorf("ack message: %w", err))
		}
		return worker.Partial(len(msgs), berr), berr
	}
	return resp, nil
}

// Sweep deletes the oldest ephemeral object of the bucket, if any.
func (h *Handler) Sweep(ctx context.Context) (resp worker.Response, err error) {
	ctx, span := h.tracer.Start(ctx, "sweeper.sweep", trace.WithAttributes(
		attribute.String("bucket", h.bucket),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	oldest, ok, err := Oldest(ctx, h.store, h.bucket, h.classify)
	if err != nil {
		h.log.Error("Error for deleting temporary objects", zap.String("bucket", h.bucket), zap.Error(err))
		return worker.Response{StatusCode: http.StatusInternalServerError, Body: "sweep failed"},
			fmt.Errorf("find oldest ephemeral object in %s: %w", h.bucket, err)
	}
	if !ok {
		h.metrics.RecordEviction(metrics.EvictionNoop)
		h.log.Debug("no ephemeral objects to evict", zap.String("bucket", h.bucket))
		return worker.OK(NoopBody), nil
	}

	span.SetAttributes(attribute.String("object.key", oldest.Key))
	if err := h.store.Delete(ctx, objectstore.Ref{Bucket: h.bucket, Key: oldest.Key}); err != nil {
		h.log.Error("Error for deleting temporary objects",
			zap.String("bucket", h.bucket),
			zap.String("key", oldest.Key),
			zap.Error(err),
		)
		return worker.Response{StatusCode: http.StatusInternalServerError, Body: "sweep failed"},
			fmt.Errorf("evict %s/%s: %w", h.bucket, oldest.Key, err)
	}

	h.metrics.RecordEviction(metrics.EvictionDeleted)
	h.log.Info(fmt.Sprintf("Successfully deleted the oldest object %s from %s", oldest.Key, h.bucket),
		zap.String("bucket", h.bucket),
		zap.String("key", oldest.Key),
		zap.Int64("size", oldest.Size),
		zap.Time("last_modified", oldest.LastModified),
	)
	return worker.OK("Deleted " + oldest.Key), nil
}
