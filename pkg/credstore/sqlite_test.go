package credstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	store, err := NewSQLiteStore(filepath.Join(dir, "creds.db"), filepath.Join(dir, "scratch"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	strategy := store.StrategyFor("alpha")
	dir, err := strategy.Materialize(ctx)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "creds.json"), []byte(`{"k":"v"}`), 0o600))
	require.NoError(t, strategy.Persist(ctx))

	exists, err := store.Exists(ctx, "alpha")
	require.NoError(t, err)
	require.True(t, exists)

	// Wipe the scratch dir and restore from the blob alone.
	require.NoError(t, os.RemoveAll(dir))
	restored, err := store.StrategyFor("alpha").Materialize(ctx)
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(restored, "nested", "creds.json"))
	require.NoError(t, err)
	require.Equal(t, `{"k":"v"}`, string(data))
}

func TestSQLiteStoreListAndDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	for _, id := range []string{"b", "a"} {
		strategy := store.StrategyFor(id)
		dir, err := strategy.Materialize(ctx)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte(id), 0o600))
		require.NoError(t, strategy.Persist(ctx))
	}

	ids, err := store.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, ids)

	require.NoError(t, store.Delete(ctx, "a"))
	exists, err := store.Exists(ctx, "a")
	require.NoError(t, err)
	require.False(t, exists)

	ids, err = store.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, ids)
}

func TestSQLiteMaterializeEmptySession(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	dir, err := store.StrategyFor("fresh").Materialize(ctx)
	require.NoError(t, err)
	require.DirExists(t, dir)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}
