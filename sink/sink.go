package sink

import "context"

// Publisher sends one message body to a channel.
type Publisher interface {
	Publish(ctx context.Context, body []byte) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, body []byte) error

func (f PublisherFunc) Publish(ctx context.Context, body []byte) error {
	return f(ctx, body)
}
