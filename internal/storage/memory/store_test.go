package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagemine/internal/storage"
)

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()

	_, err := s.Get(ctx, "miningProgress")
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.Put(ctx, "miningProgress", []byte(`{"isActive":true}`)))
	got, err := s.Get(ctx, "miningProgress")
	require.NoError(t, err)
	require.Equal(t, `{"isActive":true}`, string(got))

	require.NoError(t, s.Delete(ctx, "miningProgress"))
	require.NoError(t, s.Delete(ctx, "miningProgress"))
	_, err = s.Get(ctx, "miningProgress")
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.NoError(t, s.Close())
}

func TestStoreCopiesValues(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	value := []byte("abc")
	require.NoError(t, s.Put(ctx, "k", value))
	value[0] = 'z'

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "abc", string(got))
	got[1] = 'z'

	again, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "abc", string(again))
}

func TestStoreRejectsEmptyKey(t *testing.T) {
	t.Parallel()

	require.Error(t, New().Put(context.Background(), " ", []byte("x")))
	require.Error(t, storage.ValidateKey("bad\nkey"))
	require.NoError(t, storage.ValidateKey("miningProgress:page-1"))
}

func TestStoreCompareAndSwap(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()

	require.ErrorIs(t, s.CompareAndSwap(ctx, "k", nil, []byte("a")), storage.ErrConflict)
	require.NoError(t, s.Put(ctx, "k", []byte("a")))
	require.ErrorIs(t, s.CompareAndSwap(ctx, "k", []byte("b"), []byte("c")), storage.ErrConflict)
	require.NoError(t, s.CompareAndSwap(ctx, "k", []byte("a"), []byte("c")))

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "c", string(got))
}
