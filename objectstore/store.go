// Package objectstore defines the bucket-addressed object storage operations the
// replicator depends on, with adapters in s3store and miniostore.
//
// Every destination-mutating operation is idempotent: Copy overwrites and
// Delete succeeds when the key is already gone. Handlers running concurrently
// against the same bucket rely on this instead of locking.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	// ErrNotFound is returned when the requested object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrBucketNotFound is returned when the bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrAccessDenied is returned when the credentials lack permission for the operation.
	ErrAccessDenied = errors.New("access denied")
)

// ObjectError wraps an error with the operation and object location.
type ObjectError struct {
	Op     string
	Bucket string
	Key    string
	Err    error
}

func (e *ObjectError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("objectstore: %s bucket=%q: %v", e.Op, e.Bucket, e.Err)
	}
	return fmt.Sprintf("objectstore: %s %s/%s: %v", e.Op, e.Bucket, e.Key, e.Err)
}

func (e *ObjectError) Unwrap() error {
	return e.Err
}

// Ref addresses one object.
type Ref struct {
	Bucket string
	Key    string
}

func (r Ref) String() string {
	return r.Bucket + "/" + r.Key
}

// ObjectMeta is the live view of one stored object.
type ObjectMeta struct {
	Key          string
	Size         int64
	LastModified time.Time
	ETag         string
}

// WalkFunc is called for every object returned by Walk, in listing order.
// Returning an error stops the walk and Walk returns that error.
type WalkFunc func(obj ObjectMeta) error

// Store is the set of object storage primitives used by the handlers.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Head returns the metadata of an object. Missing objects yield ErrNotFound.
	Head(ctx context.Context, ref Ref) (ObjectMeta, error)

	// Copy copies src to dst server-side, overwriting dst if present.
	Copy(ctx context.Context, src, dst Ref) error

	// Delete removes an object. Deleting a missing object succeeds.
	Delete(ctx context.Context, ref Ref) error

	// Walk enumerates every object in bucket, draining all pages internally.
	// Objects are visited in lexicographic key order.
	Walk(ctx context.Context, bucket string, fn WalkFunc) error

	// Put stores an object, overwriting any existing one.
	Put(ctx context.Context, ref Ref, body io.Reader, size int64, contentType string) error
}

// List collects the whole bucket listing into memory.
func List(ctx context.Context, s Store, bucket string) ([]ObjectMeta, error) {
	var out []ObjectMeta
	err := s.Walk(ctx, bucket, func(obj ObjectMeta) error {
		out = append(out, obj)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
