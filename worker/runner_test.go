package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/baldanca/bucket-replicator/metrics"
	"github.com/baldanca/bucket-replicator/source"
	"github.com/baldanca/bucket-replicator/source/sourcetest"
)

type recordingHandler struct {
	mu      sync.Mutex
	batches [][]string
	done    chan struct{}

	fn func(ctx context.Context, msgs []source.Message) (Response, error)
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{done: make(chan struct{}, 16)}
}

func (h *recordingHandler) HandleBatch(ctx context.Context, msgs []source.Message) (Response, error) {
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID())
	}
	h.mu.Lock()
	h.batches = append(h.batches, ids)
	h.mu.Unlock()
	defer func() { h.done <- struct{}{} }()

	if h.fn != nil {
		return h.fn(ctx, msgs)
	}
	return OK("ok"), nil
}

func (h *recordingHandler) Batches() [][]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]string(nil), h.batches...)
}

func TestNewRunner_Validates(t *testing.T) {
	q := sourcetest.NewQueue()
	h := newRecordingHandler()

	_, err := NewRunner(nil, h, RunnerConfig{Batch: DefaultBatcherConfig})
	assert.Error(t, err)

	_, err = NewRunner(q, nil, RunnerConfig{Batch: DefaultBatcherConfig})
	assert.Error(t, err)

	_, err = NewRunner(q, h, RunnerConfig{Batch: BatcherConfig{}})
	assert.Error(t, err)

	_, err = NewRunner(q, h, RunnerConfig{Batch: DefaultBatcherConfig, HandlerTimeout: -time.Second})
	assert.Error(t, err)
}

func TestRunner_Run_BatchesByMaxItemsAndDrainsOnClose(t *testing.T) {
	q := sourcetest.NewQueue(sourcetest.Messages("a", "b", "c")...)
	q.Close()

	h := newRecordingHandler()
	r, err := NewRunner(q, h, RunnerConfig{
		Component: "test",
		Batch:     BatcherConfig{MaxItems: 2, FlushInterval: time.Hour},
	}, WithLogger(zap.NewNop()))
	require.NoError(t, err)

	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, [][]string{{"m0", "m1"}, {"m2"}}, h.Batches())
}

func TestRunner_Run_FlushesOnInterval(t *testing.T) {
	q := sourcetest.NewQueue(sourcetest.Messages("a", "b")...)
	h := newRecordingHandler()

	r, err := NewRunner(q, h, RunnerConfig{
		Component: "test",
		Batch:     BatcherConfig{MaxItems: 10, FlushInterval: 20 * time.Millisecond},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("batch was not dispatched on interval")
	}
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
	assert.Equal(t, [][]string{{"m0", "m1"}}, h.Batches())
}

func TestRunner_Run_DispatchesPartialBatchOnCancel(t *testing.T) {
	q := sourcetest.NewQueue(sourcetest.Messages("a")...)
	h := newRecordingHandler()

	r, err := NewRunner(q, h, RunnerConfig{
		Batch: BatcherConfig{MaxItems: 10, FlushInterval: time.Hour},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, r.Run(ctx))
	assert.Equal(t, [][]string{{"m0"}}, h.Batches())
}

func TestRunner_HandleBatch_AppliesHandlerTimeout(t *testing.T) {
	h := newRecordingHandler()
	var hadDeadline bool
	h.fn = func(ctx context.Context, msgs []source.Message) (Response, error) {
		_, hadDeadline = ctx.Deadline()
		return OK(""), nil
	}

	r, err := NewRunner(sourcetest.NewQueue(), h, RunnerConfig{
		Batch:          DefaultBatcherConfig,
		HandlerTimeout: time.Second,
	})
	require.NoError(t, err)

	resp := r.HandleBatch(context.Background(), sourcetest.Messages("a"))
	assert.Equal(t, 200, resp.StatusCode)
	assert.True(t, hadDeadline)
}

func TestRunner_HandleBatch_FailsOnlyReportedMessages(t *testing.T) {
	msgs := sourcetest.Messages("a", "b", "c")
	h := newRecordingHandler()
	h.fn = func(ctx context.Context, msgs []source.Message) (Response, error) {
		berr := &BatchError{}
		berr.Add("m1", "b.txt", errors.New("copy failed"))
		return Partial(len(msgs), berr), berr
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	r, err := NewRunner(sourcetest.NewQueue(), h, RunnerConfig{Component: "copier", Batch: DefaultBatcherConfig}, WithMetrics(m))
	require.NoError(t, err)

	resp := r.HandleBatch(context.Background(), msgs)
	assert.Equal(t, 207, resp.StatusCode)

	assert.Equal(t, 0, msgs[0].(*sourcetest.Message).Failed())
	assert.Equal(t, 1, msgs[1].(*sourcetest.Message).Failed())
	assert.Equal(t, 0, msgs[2].(*sourcetest.Message).Failed())

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Messages.WithLabelValues("copier", metrics.StatusAcked)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Messages.WithLabelValues("copier", metrics.StatusFailed)))
}

func TestRunner_HandleBatch_FailsAllOnPlainError(t *testing.T) {
	msgs := sourcetest.Messages("a", "b")
	h := newRecordingHandler()
	h.fn = func(ctx context.Context, msgs []source.Message) (Response, error) {
		return Response{StatusCode: 500, Body: "list failed"}, errors.New("list failed")
	}

	r, err := NewRunner(sourcetest.NewQueue(), h, RunnerConfig{Batch: DefaultBatcherConfig})
	require.NoError(t, err)

	resp := r.HandleBatch(context.Background(), msgs)
	assert.Equal(t, 500, resp.StatusCode)
	for _, m := range msgs {
		assert.Equal(t, 1, m.(*sourcetest.Message).Failed())
	}
}

type leasingQueue struct {
	*sourcetest.Queue

	mu     sync.Mutex
	calls  int
	metas  []source.AckMetadata
	timeos []int32
	err    error
}

func (q *leasingQueue) ExtendVisibilityBatch(ctx context.Context, metas []source.AckMetadata, timeoutSeconds int32) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	q.metas = append([]source.AckMetadata(nil), metas...)
	q.timeos = append(q.timeos, timeoutSeconds)
	return q.err
}

func (q *leasingQueue) Calls() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.calls
}

func TestRunner_HandleBatch_RenewsLeaseWhileHandlerRuns(t *testing.T) {
	q := &leasingQueue{Queue: sourcetest.NewQueue()}
	h := newRecordingHandler()
	h.fn = func(ctx context.Context, msgs []source.Message) (Response, error) {
		require.Eventually(t, func() bool { return q.Calls() >= 2 }, time.Second, 5*time.Millisecond)
		return OK("ok"), nil
	}

	r, err := NewRunner(q, h, RunnerConfig{
		Batch:                  DefaultBatcherConfig,
		LeaseVisibilityTimeout: 60,
		LeaseRenewEvery:        10 * time.Millisecond,
	})
	require.NoError(t, err)

	resp := r.HandleBatch(context.Background(), sourcetest.Messages("a", "b"))
	assert.Equal(t, 200, resp.StatusCode)

	q.mu.Lock()
	assert.Equal(t, []source.AckMetadata{{ID: "m0", Handle: "rh-m0"}, {ID: "m1", Handle: "rh-m1"}}, q.metas)
	for _, to := range q.timeos {
		assert.Equal(t, int32(60), to)
	}
	q.mu.Unlock()

	// No renewals once the handler has returned.
	after := q.Calls()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, q.Calls())
}

func TestRunner_HandleBatch_AbortsHandlerWhenLeaseRenewalFails(t *testing.T) {
	q := &leasingQueue{Queue: sourcetest.NewQueue(), err: errors.New("receipt handle is invalid")}
	h := newRecordingHandler()
	h.fn = func(ctx context.Context, msgs []source.Message) (Response, error) {
		select {
		case <-ctx.Done():
			return Response{StatusCode: 500, Body: "aborted"}, ctx.Err()
		case <-time.After(5 * time.Second):
			return OK("ok"), nil
		}
	}

	r, err := NewRunner(q, h, RunnerConfig{
		Batch:                  DefaultBatcherConfig,
		LeaseVisibilityTimeout: 60,
		LeaseRenewEvery:        10 * time.Millisecond,
	})
	require.NoError(t, err)

	msgs := sourcetest.Messages("a")
	resp := r.HandleBatch(context.Background(), msgs)
	assert.Equal(t, 500, resp.StatusCode)
	assert.Equal(t, 1, q.Calls())
	assert.Equal(t, 1, msgs[0].(*sourcetest.Message).Failed())
}

func TestRunner_HandleBatch_NoLeaseWithoutTimeout(t *testing.T) {
	q := &leasingQueue{Queue: sourcetest.NewQueue()}
	h := newRecordingHandler()
	h.fn = func(ctx context.Context, msgs []source.Message) (Response, error) {
		time.Sleep(30 * time.Millisecond)
		return OK("ok"), nil
	}

	r, err := NewRunner(q, h, RunnerConfig{Batch: DefaultBatcherConfig, LeaseRenewEvery: 5 * time.Millisecond})
	require.NoError(t, err)

	r.HandleBatch(context.Background(), sourcetest.Messages("a"))
	assert.Equal(t, 0, q.Calls())
}

func TestRunner_Run_FlushesExpiredBatchBeforeReceiving(t *testing.T) {
	q := sourcetest.NewQueue()
	h := newRecordingHandler()
	r, err := NewRunner(q, h, RunnerConfig{
		Batch: BatcherConfig{MaxItems: 10, FlushInterval: time.Minute},
	})
	require.NoError(t, err)

	// A batch whose interval already elapsed is handed over without waiting
	// on the source.
	r.batcher.Add(time.Now().Add(-2*time.Minute), sourcetest.NewMessage("late", "x"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	select {
	case <-h.done:
	case <-time.After(time.Second):
		t.Fatal("expired batch was not dispatched")
	}
	assert.Equal(t, [][]string{{"late"}}, h.Batches())
}
