package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	regstore "github.com/shinkai-labs/shinkai-node/registry/store"
)

func TestSaveGetDelete(t *testing.T) {
	ctx := context.Background()
	s := New()

	m := &regstore.Manifest{RouterKey: "weather", Name: "weather", Version: "1.0.0"}
	require.NoError(t, s.Save(ctx, "alice", m))

	got, err := s.Get(ctx, "alice", "weather")
	require.NoError(t, err)
	require.Equal(t, "1.0.0", got.Version)

	require.NoError(t, s.Delete(ctx, "alice", "weather"))
	_, err = s.Get(ctx, "alice", "weather")
	require.ErrorIs(t, err, regstore.ErrNotFound)
}

func TestListOrderedByRouterKey(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.Save(ctx, "alice", &regstore.Manifest{RouterKey: "z", Name: "z", Version: "1"}))
	require.NoError(t, s.Save(ctx, "alice", &regstore.Manifest{RouterKey: "a", Name: "a", Version: "1"}))

	all, err := s.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "a", all[0].RouterKey)
	require.Equal(t, "z", all[1].RouterKey)
}

func TestProfilesAreIsolated(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.Save(ctx, "alice", &regstore.Manifest{RouterKey: "a", Name: "a", Version: "1"}))

	_, err := s.Get(ctx, "bob", "a")
	require.ErrorIs(t, err, regstore.ErrNotFound)
}
