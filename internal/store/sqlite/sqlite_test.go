package sqlite_test

import (
	"path/filepath"
	"testing"

	"github.com/CZERTAINLY/Radar/internal/model"
	"github.com/CZERTAINLY/Radar/internal/resolve"
	"github.com/CZERTAINLY/Radar/internal/store/sqlite"

	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	db, err := sqlite.InitDB(ctx, ":memory:")
	require.NoError(t, err)
	store := sqlite.New(db)
	t.Cleanup(func() { _ = store.Close() })

	t.Run("ip address", func(t *testing.T) {
		r, created, err := store.FindOrCreate(ctx, model.IPAddressKey("127.0.0.1"))
		require.NoError(t, err)
		require.True(t, created)
		require.NoError(t, store.Commit(ctx, r))

		again, created, err := store.FindOrCreate(ctx, model.IPAddressKey("127.0.0.1"))
		require.NoError(t, err)
		require.False(t, created)
		require.Equal(t, r, again)

		require.ErrorIs(t, store.Commit(ctx, r), model.ErrConflict)
	})

	t.Run("open port", func(t *testing.T) {
		res, err := resolve.OpenPort(ctx, store, model.PortValue(53, model.UDP))
		require.NoError(t, err)
		require.Len(t, res.Created, 2)
		res, err = resolve.Commit(ctx, store, res)
		require.NoError(t, err)

		again, err := resolve.OpenPort(ctx, store, model.PortValue(53, model.UDP))
		require.NoError(t, err)
		require.Empty(t, again.Created)
		open := again.Resource.(*model.OpenPort)
		require.Equal(t, res.Resource.ResourceID(), open.ID)
		require.Equal(t, model.UDP, open.Port.Protocol)
		require.Equal(t, uint16(53), open.Port.Number)
	})

	t.Run("conflict", func(t *testing.T) {
		first, _, err := store.FindOrCreate(ctx, model.PortKey(model.TCP, 8080))
		require.NoError(t, err)
		second, _, err := store.FindOrCreate(ctx, model.PortKey(model.TCP, 8080))
		require.NoError(t, err)
		require.NoError(t, store.Commit(ctx, first))
		require.ErrorIs(t, store.Commit(ctx, second), model.ErrConflict)
	})

	t.Run("open port without port", func(t *testing.T) {
		r, _, err := store.FindOrCreate(ctx, model.OpenPortKey(model.TCP, 9))
		require.NoError(t, err)
		require.Error(t, store.Commit(ctx, r))
	})
}

func TestStore_Reopen(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	path := filepath.Join(t.TempDir(), "radar.db")

	db, err := sqlite.InitDB(ctx, path)
	require.NoError(t, err)
	store := sqlite.New(db)
	r, created, err := store.FindOrCreate(ctx, model.IPAddressKey("10.0.0.1"))
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, store.Commit(ctx, r))
	require.NoError(t, store.Close())

	db, err = sqlite.InitDB(ctx, path)
	require.NoError(t, err)
	store = sqlite.New(db)
	t.Cleanup(func() { _ = store.Close() })
	again, created, err := store.FindOrCreate(ctx, model.IPAddressKey("10.0.0.1"))
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, r.ResourceID(), again.ResourceID())
}
