package inmem

import (
	"context"
	"testing"

	"github.com/shinkai-labs/shinkai-node/store"
	"github.com/stretchr/testify/require"
)

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.Put(ctx, store.CFJobs, "job1", []byte("v1")))
	v, ok, err := s.Get(ctx, store.CFJobs, "job1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v)

	require.NoError(t, s.Delete(ctx, store.CFJobs, "job1"))
	_, ok, err = s.Get(ctx, store.CFJobs, "job1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPrefixIterOrdered(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Put(ctx, store.CFVecFS, "alice|/docs/b", []byte("b")))
	require.NoError(t, s.Put(ctx, store.CFVecFS, "alice|/docs/a", []byte("a")))
	require.NoError(t, s.Put(ctx, store.CFVecFS, "bob|/docs/a", []byte("x")))

	kvs, err := s.PrefixIter(ctx, store.CFVecFS, "alice|")
	require.NoError(t, err)
	require.Len(t, kvs, 2)
	require.Equal(t, "alice|/docs/a", kvs[0].Key)
	require.Equal(t, "alice|/docs/b", kvs[1].Key)
}

func TestPrefixIterOverDeletedPrefixIsEmpty(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Put(ctx, store.CFTools, "t1", []byte("v")))
	require.NoError(t, s.Delete(ctx, store.CFTools, "t1"))
	kvs, err := s.PrefixIter(ctx, store.CFTools, "t1")
	require.NoError(t, err)
	require.Empty(t, kvs)
}

func TestWriteBatchAtomic(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Put(ctx, store.CFIdentity, "code1", []byte("unused")))

	err := s.WriteBatch(ctx, []store.WriteOp{
		{CF: store.CFIdentity, Key: "code1", Delete: true},
		{CF: store.CFIdentity, Key: "code1-used", Value: []byte("yes")},
	})
	require.NoError(t, err)

	_, ok, _ := s.Get(ctx, store.CFIdentity, "code1")
	require.False(t, ok)
	v, ok, _ := s.Get(ctx, store.CFIdentity, "code1-used")
	require.True(t, ok)
	require.Equal(t, []byte("yes"), v)
}
