package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/baldanca/bucket-replicator/logger"
	"github.com/baldanca/bucket-replicator/metrics"
	"github.com/baldanca/bucket-replicator/source"
)

const tracerName = "github.com/baldanca/bucket-replicator/worker"

// stopTimeout bounds the last dispatch after the run context is canceled.
const stopTimeout = 10 * time.Second

// RunnerConfig controls batching and per-batch limits.
type RunnerConfig struct {
	// Component names the handler in logs and metrics.
	Component string
	Batch     BatcherConfig
	// HandlerTimeout bounds one HandleBatch call. Zero means no bound.
	HandlerTimeout time.Duration

	// LeaseVisibilityTimeout, when > 0 and the source is a
	// source.VisibilityExtender, is reapplied to the batch every
	// LeaseRenewEvery while the handler runs. LeaseRenewEvery defaults to half
	// the timeout.
	LeaseVisibilityTimeout int32
	LeaseRenewEvery        time.Duration
}

// Runner receives messages from a source, groups them into batches and hands
// each batch to a handler.
type Runner struct {
	cfg     RunnerConfig
	source  source.Sourcer
	handler Handler
	batcher *Batcher
	lease   source.AckGroup

	log     *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

func WithLogger(l *zap.Logger) RunnerOption {
	return func(r *Runner) { r.log = logger.OrNop(l) }
}

func WithMetrics(m *metrics.Metrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

func WithTracer(t trace.Tracer) RunnerOption {
	return func(r *Runner) {
		if t != nil {
			r.tracer = t
		}
	}
}

// NewRunner validates cfg and returns a Runner reading from src.
func NewRunner(src source.Sourcer, h Handler, cfg RunnerConfig, opts ...RunnerOption) (*Runner, error) {
	if src == nil {
		return nil, fmt.Errorf("source is nil")
	}
	if h == nil {
		return nil, fmt.Errorf("handler is nil")
	}
	if cfg.HandlerTimeout < 0 {
		return nil, fmt.Errorf("HandlerTimeout must be >= 0")
	}
	if cfg.LeaseVisibilityTimeout < 0 || cfg.LeaseRenewEvery < 0 {
		return nil, fmt.Errorf("lease settings must be >= 0")
	}
	b, err := NewBatcher(cfg.Batch)
	if err != nil {
		return nil, err
	}

	r := &Runner{
		cfg:     cfg,
		source:  src,
		handler: h,
		batcher: b,
		log:     zap.NewNop(),
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With(zap.String("component", cfg.Component))
	return r, nil
}

// Run receives until ctx is canceled or the source is closed. Messages still
// buffered at that point are dispatched before Run returns. Handler failures
// are logged and never stop the loop; unacknowledged messages are redelivered
// by the transport.
func (r *Runner) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return r.dispatchRemainingOnStop(ctx)
		}
		if r.batcher.ShouldFlushTime(time.Now()) {
			r.dispatch(ctx)
			continue
		}

		recvCtx := ctx
		var cancel context.CancelFunc
		if deadline, ok := r.batcher.Deadline(); ok {
			recvCtx, cancel = context.WithDeadline(ctx, deadline)
		}
		msg, err := r.source.Receive(recvCtx)
		if cancel != nil {
			cancel()
		}

		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				r.dispatch(ctx)
				continue
			}
			if errors.Is(err, source.ErrClosed) || ctx.Err() != nil {
				return r.dispatchRemainingOnStop(ctx)
			}
			return fmt.Errorf("receive: %w", err)
		}

		if r.batcher.Add(time.Now(), msg) {
			r.dispatch(ctx)
		}
	}
}

func (r *Runner) dispatchRemainingOnStop(ctx context.Context) error {
	if r.batcher.Len() == 0 {
		return nil
	}
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()

	r.dispatch(stopCtx)
	return nil
}

func (r *Runner) dispatch(ctx context.Context) {
	msgs := r.batcher.Flush()
	if len(msgs) == 0 {
		return
	}
	r.HandleBatch(ctx, msgs)
}

// HandleBatch runs the handler on msgs once and processes its outcome.
func (r *Runner) HandleBatch(ctx context.Context, msgs []source.Message) Response {
	batchID := uuid.NewString()
	log := r.log.With(zap.String("batch_id", batchID), zap.Int("batch_size", len(msgs)))

	ctx, span := r.tracer.Start(ctx, r.cfg.Component+".batch", trace.WithAttributes(
		attribute.String("batch.id", batchID),
		attribute.Int("batch.size", len(msgs)),
	))
	defer span.End()

	hctx, abort := context.WithCancel(ctx)
	defer abort()
	if r.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(hctx, r.cfg.HandlerTimeout)
		defer cancel()
	}

	stopLease := r.startLease(hctx, msgs, abort, log)
	started := time.Now()
	resp, err := r.handler.HandleBatch(hctx, msgs)
	stopLease()
	log = log.With(zap.Duration("elapsed", time.Since(started)))

	span.SetAttributes(attribute.Int("response.status_code", resp.StatusCode))

	if err == nil {
		r.metrics.RecordMessages(r.cfg.Component, metrics.StatusAcked, len(msgs))
		span.SetStatus(codes.Ok, "")
		log.Info("batch processed",
			zap.Int("status_code", resp.StatusCode),
			zap.String("body", resp.Body),
		)
		return resp
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	failed := r.failedMessages(msgs, err)
	r.metrics.RecordMessages(r.cfg.Component, metrics.StatusAcked, len(msgs)-len(failed))
	r.metrics.RecordMessages(r.cfg.Component, metrics.StatusFailed, len(failed))

	var berr *BatchError
	if errors.As(err, &berr) {
		for _, it := range berr.Items {
			log.Error("message failed",
				zap.String("message_id", it.MessageID),
				zap.String("key", it.Key),
				zap.Error(it.Err),
			)
		}
	} else {
		log.Error("batch failed", zap.Error(err))
	}
	log.Warn("batch finished with failures",
		zap.Int("status_code", resp.StatusCode),
		zap.String("body", resp.Body),
		zap.Int("failed", len(failed)),
	)

	// The handler context may already be expired.
	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	for _, m := range failed {
		if ferr := m.Fail(failCtx, err); ferr != nil {
			log.Warn("fail message", zap.String("message_id", m.ID()), zap.Error(ferr))
		}
	}
	return resp
}

// startLease keeps msgs invisible to other consumers until stop is called.
// A failed renewal aborts the handler, since the messages may already be
// handed to someone else.
func (r *Runner) startLease(ctx context.Context, msgs []source.Message, abort context.CancelFunc, log *zap.Logger) (stop func()) {
	ext, ok := r.source.(source.VisibilityExtender)
	if !ok || r.cfg.LeaseVisibilityTimeout <= 0 {
		return func() {}
	}

	r.lease.Clear()
	for _, m := range msgs {
		r.lease.Add(m)
	}
	metas := r.lease.Metas()
	if len(metas) == 0 {
		return func() {}
	}

	renewEvery := r.cfg.LeaseRenewEvery
	if renewEvery <= 0 {
		renewEvery = time.Duration(r.cfg.LeaseVisibilityTimeout) * time.Second / 2
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(renewEvery)
		defer t.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := ext.ExtendVisibilityBatch(ctx, metas, r.cfg.LeaseVisibilityTimeout); err != nil {
					if ctx.Err() != nil {
						return
					}
					log.Error("lease renewal failed, aborting batch", zap.Error(err))
					abort()
					return
				}
			}
		}
	}()

	// Waiting for the goroutine keeps metas stable until the next batch reuses them.
	return func() {
		cancel()
		<-done
	}
}

// failedMessages returns the messages named by a *BatchError, or all of msgs
// for any other error.
func (r *Runner) failedMessages(msgs []source.Message, err error) []source.Message {
	var berr *BatchError
	if !errors.As(err, &berr) {
		return msgs
	}
	ids := make(map[string]struct{}, berr.Len())
	for _, id := range berr.FailedIDs() {
		ids[id] = struct{}{}
	}
	out := make([]source.Message, 0, len(ids))
	for _, m := range msgs {
		if _, ok := ids[m.ID()]; ok {
			out = append(out, m)
		}
	}
	return out
}
