package memory_test

import (
	"context"
	"testing"

	"github.com/CZERTAINLY/Radar/internal/model"
	"github.com/CZERTAINLY/Radar/internal/store/memory"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	s := memory.New()

	key := model.IPAddressKey("127.0.0.1")
	r, created, err := s.FindOrCreate(ctx, key)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, 0, s.Len(), "FindOrCreate must not persist")

	require.NoError(t, s.Commit(ctx, r))
	require.Equal(t, 1, s.Len())
	require.ErrorIs(t, s.Commit(ctx, r), model.ErrConflict)

	again, created, err := s.FindOrCreate(ctx, key)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, r.ResourceID(), again.ResourceID())
	require.Equal(t, "127.0.0.1", again.(*model.IPAddress).Address)
	require.Equal(t, int64(2), s.Lookups())
}

func TestStore_OpenPortLinksStoredPort(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	s := memory.New()

	port, _, err := s.FindOrCreate(ctx, model.PortKey(model.UDP, 53))
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, port))

	open, created, err := s.FindOrCreate(ctx, model.OpenPortKey(model.UDP, 53))
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, port.ResourceID(), open.(*model.OpenPort).Port.ID)
}

func TestStore_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, _, err := memory.New().FindOrCreate(ctx, model.IPAddressKey("10.0.0.1"))
	require.ErrorIs(t, err, model.ErrStoreUnavailable)
}
