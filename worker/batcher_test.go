package worker

import (
	"testing"
	"time"

	"github.com/baldanca/bucket-replicator/source/sourcetest"
)

func TestBatcherConfig_Validate(t *testing.T) {
	ok := DefaultBatcherConfig
	if err := ok.Validate(); err != nil {
		t.Fatalf("expected default config to be valid: %v", err)
	}

	c := ok
	c.MaxItems = 0
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error when MaxItems <= 0")
	}

	c = ok
	c.FlushInterval = 0
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error when FlushInterval <= 0")
	}
}

func TestBatcher_Add_ActivatesAndSetsDeadline(t *testing.T) {
	cfg := BatcherConfig{MaxItems: 10, FlushInterval: 2 * time.Second}

	b, err := NewBatcher(cfg)
	if err != nil {
		t.Fatalf("NewBatcher: %v", err)
	}

	if _, ok := b.Deadline(); ok {
		t.Fatalf("expected no deadline initially")
	}

	now := time.Unix(100, 0)
	if b.Add(now, sourcetest.NewMessage("a", "")) {
		t.Fatalf("did not expect flush after one message")
	}

	dl, ok := b.Deadline()
	if !ok {
		t.Fatalf("expected deadline ok")
	}
	if want := now.Add(cfg.FlushInterval); !dl.Equal(want) {
		t.Fatalf("deadline=%v want=%v", dl, want)
	}

	// The deadline is anchored on the first message.
	_ = b.Add(now.Add(time.Second), sourcetest.NewMessage("b", ""))
	if dl2, _ := b.Deadline(); !dl2.Equal(dl) {
		t.Fatalf("deadline moved to %v", dl2)
	}
}

func TestBatcher_Add_FlushByMaxItems(t *testing.T) {
	b, _ := NewBatcher(BatcherConfig{MaxItems: 3, FlushInterval: time.Minute})
	now := time.Unix(0, 0)

	if b.Add(now, sourcetest.NewMessage("1", "")) {
		t.Fatalf("should not flush at 1")
	}
	if b.Add(now, sourcetest.NewMessage("2", "")) {
		t.Fatalf("should not flush at 2")
	}
	if !b.Add(now, sourcetest.NewMessage("3", "")) {
		t.Fatalf("expected flush at 3 (MaxItems)")
	}
}

func TestBatcher_ShouldFlushTime(t *testing.T) {
	b, _ := NewBatcher(BatcherConfig{MaxItems: 10, FlushInterval: time.Second})

	now := time.Unix(100, 0)
	if b.ShouldFlushTime(now) {
		t.Fatalf("inactive batcher must not flush")
	}
	_ = b.Add(now, sourcetest.NewMessage("1", ""))

	if b.ShouldFlushTime(now) {
		t.Fatalf("should not flush at start time")
	}
	if !b.ShouldFlushTime(now.Add(time.Second)) {
		t.Fatalf("expected flush at deadline")
	}
}

func TestBatcher_Flush_ResetsState(t *testing.T) {
	b, _ := NewBatcher(BatcherConfig{MaxItems: 10, FlushInterval: 10 * time.Second})
	now := time.Unix(0, 0)

	_ = b.Add(now, sourcetest.NewMessage("x", ""))
	_ = b.Add(now, sourcetest.NewMessage("y", ""))

	out := b.Flush()
	if len(out) != 2 || out[0].ID() != "x" || out[1].ID() != "y" {
		t.Fatalf("unexpected batch: %v", out)
	}
	if b.Len() != 0 {
		t.Fatalf("expected empty batcher after flush, got %d", b.Len())
	}
	if _, ok := b.Deadline(); ok {
		t.Fatalf("expected deadline cleared after flush")
	}
	if len(b.Flush()) != 0 {
		t.Fatalf("expected second flush to be empty")
	}
}
