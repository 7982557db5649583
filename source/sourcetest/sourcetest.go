// Package sourcetest provides in-memory implementations of the source
// interfaces for handler tests.
package sourcetest

import (
	"context"
	"strconv"
	"sync"

	"github.com/baldanca/bucket-replicator/source"
)

// Message is an in-memory source.Message.
type Message struct {
	MsgID  string
	Body   string
	Handle string

	mu      sync.Mutex
	failed  int
	lastErr error
}

// NewMessage returns a message whose receipt handle is derived from id.
func NewMessage(id, body string) *Message {
	return &Message{MsgID: id, Body: body, Handle: "rh-" + id}
}

func (m *Message) ID() string { return m.MsgID }

func (m *Message) Data() source.Envelope {
	return source.Envelope{Body: m.Body, ReceiptHandle: m.Handle}
}

// AckMeta exposes the receipt handle so batch operations can address the
// message without going through Data.
func (m *Message) AckMeta() (source.AckMetadata, bool) {
	if m.Handle == "" {
		return source.AckMetadata{}, false
	}
	return source.AckMetadata{ID: m.MsgID, Handle: m.Handle}, true
}

func (m *Message) Fail(ctx context.Context, reason error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed++
	m.lastErr = reason
	return nil
}

// Failed reports how many times Fail was called.
func (m *Message) Failed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failed
}

// Messages builds one message per body with ids m0, m1, ...
func Messages(bodies ...string) []source.Message {
	out := make([]source.Message, 0, len(bodies))
	for i, b := range bodies {
		out = append(out, NewMessage("m"+strconv.Itoa(i), b))
	}
	return out
}

// Acker records acknowledged message ids.
type Acker struct {
	mu sync.Mutex

	acked []string
	calls int

	// Err, when set, fails every acknowledgement.
	Err error
	// FailFor fails the acknowledgement of the listed ids only.
	FailFor map[string]error
}

func (a *Acker) Ack(ctx context.Context, msg source.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if err := a.errFor(msg.ID()); err != nil {
		return err
	}
	a.acked = append(a.acked, msg.ID())
	return nil
}

func (a *Acker) AckBatch(ctx context.Context, msgs []source.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	for _, m := range msgs {
		if err := a.errFor(m.ID()); err != nil {
			return err
		}
	}
	for _, m := range msgs {
		a.acked = append(a.acked, m.ID())
	}
	return nil
}

func (a *Acker) errFor(id string) error {
	if a.Err != nil {
		return a.Err
	}
	return a.FailFor[id]
}

// Acked returns the acknowledged ids in order.
func (a *Acker) Acked() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.acked...)
}

// Calls returns the number of Ack and AckBatch calls, including failed ones.
func (a *Acker) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// Queue is a source.Sourcer that hands out a fixed list of messages, then
// blocks until Close is called or the context ends.
type Queue struct {
	Acker

	ch     chan source.Message
	closed chan struct{}
	once   sync.Once
}

func NewQueue(msgs ...source.Message) *Queue {
	q := &Queue{
		ch:     make(chan source.Message, len(msgs)),
		closed: make(chan struct{}),
	}
	for _, m := range msgs {
		q.ch <- m
	}
	return q
}

func (q *Queue) Receive(ctx context.Context) (source.Message, error) {
	select {
	case m := <-q.ch:
		return m, nil
	default:
	}
	select {
	case m := <-q.ch:
		return m, nil
	case <-q.closed:
		return nil, source.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close makes Receive return source.ErrClosed once the queue is drained.
func (q *Queue) Close() {
	q.once.Do(func() { close(q.closed) })
}
