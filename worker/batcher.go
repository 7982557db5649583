package worker

import (
	"errors"
	"time"

	"github.com/baldanca/bucket-replicator/source"
)

type BatcherConfig struct {
	MaxItems      int
	FlushInterval time.Duration
}

var DefaultBatcherConfig = BatcherConfig{
	MaxItems:      1,
	FlushInterval: time.Second,
}

func (c BatcherConfig) Validate() error {
	if c.MaxItems <= 0 {
		return errors.New("MaxItems must be > 0")
	}
	if c.FlushInterval <= 0 {
		return errors.New("FlushInterval must be > 0")
	}
	return nil
}

// Batcher groups received messages until MaxItems is reached or the flush
// interval since the first message has elapsed.
type Batcher struct {
	cfg BatcherConfig

	msgs []source.Message

	deadline time.Time
	active   bool
}

func NewBatcher(cfg BatcherConfig) (*Batcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Batcher{cfg: cfg}, nil
}

// Add appends msg and reports whether the batch is full.
func (b *Batcher) Add(now time.Time, msg source.Message) (flushNow bool) {
	if !b.active {
		b.active = true
		b.deadline = now.Add(b.cfg.FlushInterval)
	}
	b.msgs = append(b.msgs, msg)
	return len(b.msgs) >= b.cfg.MaxItems
}

func (b *Batcher) Len() int {
	return len(b.msgs)
}

func (b *Batcher) ShouldFlushTime(now time.Time) bool {
	if !b.active {
		return false
	}
	return !now.Before(b.deadline)
}

func (b *Batcher) Deadline() (t time.Time, ok bool) {
	if !b.active {
		return time.Time{}, false
	}
	return b.deadline, true
}

// Flush hands over the buffered messages and resets the batcher.
func (b *Batcher) Flush() []source.Message {
	out := b.msgs

	b.msgs = nil
	b.active = false
	b.deadline = time.Time{}

	return out
}
