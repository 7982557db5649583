package source

import "context"

// Envelope is the raw inbound message as delivered by the transport.
//
// ReceiptHandle is the only thing needed to acknowledge the message; the body
// is left for handlers to decode.
type Envelope struct {
	Body          string
	ReceiptHandle string
}

// Message represents one unit received from a Source.
type Message interface {
	ID() string
	Data() Envelope
	// Fail reports that processing failed. Implementations may shorten or
	// extend the redelivery delay; the message stays unacknowledged either way.
	Fail(ctx context.Context, reason error) error
}

// Acker removes messages from their source after successful processing.
type Acker interface {
	Ack(ctx context.Context, msg Message) error
	AckBatch(ctx context.Context, msgs []Message) error
}

// Sourcer reads messages and acknowledges them.
//
// Receive blocks until a message is available or the context is canceled.
type Sourcer interface {
	Acker
	Receive(ctx context.Context) (Message, error)
}

// VisibilityExtender can extend the visibility timeout for a batch of messages.
//
// Queues with leases implement it so a handler that runs longer than the
// visibility timeout keeps its messages hidden from other consumers.
type VisibilityExtender interface {
	ExtendVisibilityBatch(ctx context.Context, metas []AckMetadata, timeoutSeconds int32) error
}

// AckMetadata is a compact, source-specific handle used for fast acknowledgements.
type AckMetadata struct {
	ID     string
	Handle string
}

type ackMetable interface {
	AckMeta() (AckMetadata, bool)
}

type ackMetaBatcher interface {
	AckBatchMeta(ctx context.Context, metas []AckMetadata) error
}

// AckGroup accumulates messages that should be acknowledged together.
//
// If the Acker supports fast acknowledgements via AckBatchMeta, the AckGroup
// will prefer it when all messages provide AckMetadata.
type AckGroup struct {
	msgs  []Message
	metas []AckMetadata
}

// Add appends a message to the group.
func (g *AckGroup) Add(m Message) {
	g.msgs = append(g.msgs, m)

	if am, ok := m.(ackMetable); ok {
		if meta, ok := am.AckMeta(); ok {
			g.metas = append(g.metas, meta)
		}
	}
}

// Len returns the number of messages in the group.
func (g *AckGroup) Len() int {
	return len(g.msgs)
}

// Messages returns the grouped messages in insertion order.
func (g *AckGroup) Messages() []Message {
	return g.msgs
}

// Metas returns the AckMetadata collected so far. Messages without metadata
// are not represented.
func (g *AckGroup) Metas() []AckMetadata {
	return g.metas
}

// Commit acknowledges the group against the given Acker.
func (g *AckGroup) Commit(ctx context.Context, a Acker) error {
	if len(g.msgs) == 0 {
		return nil
	}

	if fast, ok := a.(ackMetaBatcher); ok && len(g.metas) == len(g.msgs) {
		return fast.AckBatchMeta(ctx, g.metas)
	}

	return a.AckBatch(ctx, g.msgs)
}

// Clear resets the group and releases references to messages.
func (g *AckGroup) Clear() {
	for i := range g.msgs {
		g.msgs[i] = nil
	}
	g.msgs = g.msgs[:0]
	g.metas = g.metas[:0]
}
