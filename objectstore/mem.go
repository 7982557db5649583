package objectstore

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Store used by tests and local runs.
//
// Buckets are created on first write. Failure hooks let tests force errors for
// a given operation; they are consulted before the operation touches state.
type MemStore struct {
	mu      sync.Mutex
	buckets map[string]map[string]memObject

	// Now supplies LastModified for writes. Defaults to time.Now.
	Now func() time.Time

	HeadErr   func(ref Ref) error
	CopyErr   func(src, dst Ref) error
	DeleteErr func(ref Ref) error
	WalkErr   func(bucket string) error

	copies  int
	deletes int
	walks   int
}

type memObject struct {
	data     []byte
	modified time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{buckets: make(map[string]map[string]memObject)}
}

func (m *MemStore) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Seed stores data at ref with an explicit modification time.
func (m *MemStore) Seed(ref Ref, data []byte, modified time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bucketLocked(ref.Bucket)[ref.Key] = memObject{data: append([]byte(nil), data...), modified: modified}
}

// Object returns a copy of the stored bytes.
func (m *MemStore) Object(ref Ref) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.buckets[ref.Bucket][ref.Key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.data...), true
}

// Keys returns the sorted keys of bucket.
func (m *MemStore) Keys(bucket string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedKeysLocked(bucket)
}

// Counts reports how many copies, deletes and walks were performed.
func (m *MemStore) Counts() (copies, deletes, walks int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.copies, m.deletes, m.walks
}

func (m *MemStore) bucketLocked(bucket string) map[string]memObject {
	b, ok := m.buckets[bucket]
	if !ok {
		b = make(map[string]memObject)
		m.buckets[bucket] = b
	}
	return b
}

func (m *MemStore) sortedKeysLocked(bucket string) []string {
	b := m.buckets[bucket]
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *MemStore) Head(ctx context.Context, ref Ref) (ObjectMeta, error) {
	if err := ctx.Err(); err != nil {
		return ObjectMeta{}, err
	}
	if m.HeadErr != nil {
		if err := m.HeadErr(ref); err != nil {
			return ObjectMeta{}, &ObjectError{Op: "Head", Bucket: ref.Bucket, Key: ref.Key, Err: err}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.buckets[ref.Bucket][ref.Key]
	if !ok {
		return ObjectMeta{}, &ObjectError{Op: "Head", Bucket: ref.Bucket, Key: ref.Key, Err: ErrNotFound}
	}
	return ObjectMeta{Key: ref.Key, Size: int64(len(obj.data)), LastModified: obj.modified}, nil
}

func (m *MemStore) Copy(ctx context.Context, src, dst Ref) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.CopyErr != nil {
		if err := m.CopyErr(src, dst); err != nil {
			return &ObjectError{Op: "Copy", Bucket: dst.Bucket, Key: dst.Key, Err: err}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.buckets[src.Bucket][src.Key]
	if !ok {
		return &ObjectError{Op: "Copy", Bucket: src.Bucket, Key: src.Key, Err: ErrNotFound}
	}
	m.bucketLocked(dst.Bucket)[dst.Key] = memObject{data: append([]byte(nil), obj.data...), modified: m.now()}
	m.copies++
	return nil
}

func (m *MemStore) Delete(ctx context.Context, ref Ref) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.DeleteErr != nil {
		if err := m.DeleteErr(ref); err != nil {
			return &ObjectError{Op: "Delete", Bucket: ref.Bucket, Key: ref.Key, Err: err}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buckets[ref.Bucket], ref.Key)
	m.deletes++
	return nil
}

func (m *MemStore) Walk(ctx context.Context, bucket string, fn WalkFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.WalkErr != nil {
		if err := m.WalkErr(bucket); err != nil {
			return &ObjectError{Op: "List", Bucket: bucket, Err: err}
		}
	}

	// Snapshot under the lock so fn may call back into the store.
	m.mu.Lock()
	m.walks++
	keys := m.sortedKeysLocked(bucket)
	objs := make([]ObjectMeta, 0, len(keys))
	for _, k := range keys {
		obj := m.buckets[bucket][k]
		objs = append(objs, ObjectMeta{Key: k, Size: int64(len(obj.data)), LastModified: obj.modified})
	}
	m.mu.Unlock()

	for _, obj := range objs {
		if err := fn(obj); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemStore) Put(ctx context.Context, ref Ref, body io.Reader, size int64, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var buf bytes.Buffer
	if size > 0 {
		buf.Grow(int(size))
	}
	if _, err := io.Copy(&buf, body); err != nil {
		return &ObjectError{Op: "Put", Bucket: ref.Bucket, Key: ref.Key, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.bucketLocked(ref.Bucket)[ref.Key] = memObject{data: buf.Bytes(), modified: m.now()}
	return nil
}
