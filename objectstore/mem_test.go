package objectstore

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStore_CopyOverwritesAndStampsTime(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemStore()
	m.Now = func() time.Time { return now }

	src := Ref{Bucket: "src", Key: "a.txt"}
	dst := Ref{Bucket: "dst", Key: "a.txt"}
	m.Seed(src, []byte("v1"), now.Add(-time.Hour))
	m.Seed(dst, []byte("old"), now.Add(-2*time.Hour))

	require.NoError(t, m.Copy(context.Background(), src, dst))

	got, ok := m.Object(dst)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), got)

	meta, err := m.Head(context.Background(), dst)
	require.NoError(t, err)
	assert.Equal(t, now, meta.LastModified)
	assert.Equal(t, int64(2), meta.Size)
}

func TestMemStore_MissingObjects(t *testing.T) {
	m := NewMemStore()
	ref := Ref{Bucket: "b", Key: "nope"}

	_, err := m.Head(context.Background(), ref)
	require.ErrorIs(t, err, ErrNotFound)

	var oe *ObjectError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "Head", oe.Op)
	assert.Equal(t, "nope", oe.Key)

	require.ErrorIs(t, m.Copy(context.Background(), ref, Ref{Bucket: "d", Key: "nope"}), ErrNotFound)
	require.NoError(t, m.Delete(context.Background(), ref))
}

func TestMemStore_WalkIsSortedAndStoppable(t *testing.T) {
	m := NewMemStore()
	for _, k := range []string{"c", "a", "b"} {
		m.Seed(Ref{Bucket: "b", Key: k}, []byte(k), time.Time{})
	}

	objs, err := List(context.Background(), m, "b")
	require.NoError(t, err)
	keys := make([]string, 0, len(objs))
	for _, o := range objs {
		keys = append(keys, o.Key)
	}
	assert.Equal(t, []string{"a", "b", "c"}, keys)

	stop := errors.New("stop")
	var seen int
	err = m.Walk(context.Background(), "b", func(ObjectMeta) error {
		seen++
		return stop
	})
	require.ErrorIs(t, err, stop)
	assert.Equal(t, 1, seen)
}

func TestMemStore_WalkCallbackMayMutate(t *testing.T) {
	m := NewMemStore()
	m.Seed(Ref{Bucket: "b", Key: "a"}, nil, time.Time{})
	m.Seed(Ref{Bucket: "b", Key: "b"}, nil, time.Time{})

	err := m.Walk(context.Background(), "b", func(o ObjectMeta) error {
		return m.Delete(context.Background(), Ref{Bucket: "b", Key: o.Key})
	})
	require.NoError(t, err)
	assert.Empty(t, m.Keys("b"))
}

func TestMemStore_Hooks(t *testing.T) {
	m := NewMemStore()
	boom := errors.New("boom")
	m.Seed(Ref{Bucket: "b", Key: "k"}, []byte("x"), time.Time{})

	m.DeleteErr = func(Ref) error { return boom }
	require.ErrorIs(t, m.Delete(context.Background(), Ref{Bucket: "b", Key: "k"}), boom)
	assert.Equal(t, []string{"k"}, m.Keys("b"))

	m.WalkErr = func(string) error { return boom }
	require.ErrorIs(t, m.Walk(context.Background(), "b", func(ObjectMeta) error { return nil }), boom)
}

func TestMemStore_Put(t *testing.T) {
	m := NewMemStore()
	ref := Ref{Bucket: "b", Key: "seed.txt"}

	require.NoError(t, m.Put(context.Background(), ref, bytes.NewReader([]byte("hello")), 5, "text/plain"))
	got, ok := m.Object(ref)
	require.True(t, ok)
	assert.Equal(t, "hello", string(got))
}

func TestMemStore_CanceledContext(t *testing.T) {
	m := NewMemStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Head(ctx, Ref{Bucket: "b", Key: "k"})
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, m.Walk(ctx, "b", func(ObjectMeta) error { return nil }), context.Canceled)
}
