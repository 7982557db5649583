package objectstore

import (
	"context"
	"io"
	"time"

	"github.com/baldanca/bucket-replicator/metrics"
)

// Instrumented wraps a Store and records latency and outcome of every call.
type Instrumented struct {
	next Store
	m    *metrics.Metrics
}

func NewInstrumented(next Store, m *metrics.Metrics) *Instrumented {
	if next == nil {
		panic("store is required")
	}
	return &Instrumented{next: next, m: m}
}

func (s *Instrumented) Head(ctx context.Context, ref Ref) (ObjectMeta, error) {
	start := time.Now()
	meta, err := s.next.Head(ctx, ref)
	s.m.RecordStoreOp(metrics.OpHead, start, err)
	return meta, err
}

func (s *Instrumented) Copy(ctx context.Context, src, dst Ref) error {
	start := time.Now()
	err := s.next.Copy(ctx, src, dst)
	s.m.RecordStoreOp(metrics.OpCopy, start, err)
	return err
}

func (s *Instrumented) Delete(ctx context.Context, ref Ref) error {
	start := time.Now()
	err := s.next.Delete(ctx, ref)
	s.m.RecordStoreOp(metrics.OpDelete, start, err)
	return err
}

// Walk records the full enumeration as a single list operation.
func (s *Instrumented) Walk(ctx context.Context, bucket string, fn WalkFunc) error {
	start := time.Now()
	err := s.next.Walk(ctx, bucket, fn)
	s.m.RecordStoreOp(metrics.OpList, start, err)
	return err
}

func (s *Instrumented) Put(ctx context.Context, ref Ref, body io.Reader, size int64, contentType string) error {
	start := time.Now()
	err := s.next.Put(ctx, ref, body, size, contentType)
	s.m.RecordStoreOp(metrics.OpPut, start, err)
	return err
}
