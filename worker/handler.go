package worker

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/baldanca/bucket-replicator/source"
)

// Response is what a handler reports for one batch.
type Response struct {
	StatusCode int
	Body       string
}

// OK returns a 200 response with the given body.
func OK(body string) Response {
	return Response{StatusCode: http.StatusOK, Body: body}
}

// Handler processes one batch of messages. Handlers acknowledge the messages
// they completed themselves; a *BatchError return lists the ones they did not.
// Any other error means no message of the batch was acknowledged.
type Handler interface {
	HandleBatch(ctx context.Context, msgs []source.Message) (Response, error)
}

type HandlerFunc func(ctx context.Context, msgs []source.Message) (Response, error)

func (f HandlerFunc) HandleBatch(ctx context.Context, msgs []source.Message) (Response, error) {
	return f(ctx, msgs)
}

// ItemError is the failure of one message within a batch.
type ItemError struct {
	MessageID string
	// Key is the object key involved, when known.
	Key string
	Err error
}

func (e *ItemError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("message %s: %v", e.MessageID, e.Err)
	}
	return fmt.Sprintf("message %s key=%q: %v", e.MessageID, e.Key, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

// BatchError collects per-message failures of a batch. Messages not listed
// were acknowledged.
type BatchError struct {
	Items []*ItemError
}

// Add records a failure for the message with the given id.
func (e *BatchError) Add(messageID, key string, err error) {
	e.Items = append(e.Items, &ItemError{MessageID: messageID, Key: key, Err: err})
}

// Len returns the number of failed messages.
func (e *BatchError) Len() int {
	if e == nil {
		return 0
	}
	return len(e.Items)
}

// FailedIDs returns the ids of failed messages in the order they were added.
func (e *BatchError) FailedIDs() []string {
	ids := make([]string, 0, e.Len())
	for _, it := range e.Items {
		ids = append(ids, it.MessageID)
	}
	return ids
}

// OrNil returns e when it holds failures, or nil.
func (e *BatchError) OrNil() error {
	if e.Len() == 0 {
		return nil
	}
	return e
}

func (e *BatchError) Error() string {
	switch e.Len() {
	case 0:
		return "batch: no failures"
	case 1:
		return "batch: 1 message failed: " + e.Items[0].Error()
	}
	parts := make([]string, 0, len(e.Items))
	for _, it := range e.Items {
		parts = append(parts, it.Error())
	}
	return fmt.Sprintf("batch: %d messages failed: %s", len(e.Items), strings.Join(parts, "; "))
}

func (e *BatchError) Unwrap() []error {
	errs := make([]error, 0, e.Len())
	for _, it := range e.Items {
		errs = append(errs, it)
	}
	return errs
}

// Partial builds the response for a batch of total messages where berr holds
// the failures: 200 when nothing failed, 207 on partial success, 500 when
// every message failed.
func Partial(total int, berr *BatchError) Response {
	failed := berr.Len()
	switch {
	case failed == 0:
		return OK(fmt.Sprintf("processed %d messages", total))
	case failed < total:
		return Response{
			StatusCode: http.StatusMultiStatus,
			Body:       fmt.Sprintf("processed %d of %d messages", total-failed, total),
		}
	default:
		return Response{
			StatusCode: http.StatusInternalServerError,
			Body:       fmt.Sprintf("all %d messages failed", total),
		}
	}
}
