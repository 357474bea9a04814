package gateway

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/marionette/pkg/credstore"
)

// Persisted sessions come back at startup even when crash recovery is
// switched off; the toggle only governs what happens after an engine dies.
func TestRunRestoresPersistedSessions(t *testing.T) {
	store, err := credstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(store.Root(), "session-alpha"), 0o755))

	cfg := testConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.RecoverSessions = false

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := NewServer(ctx, cfg, newFakeFactory(), store)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.Eventually(t, func() bool {
		return srv.Manager().Count() == 1
	}, time.Second, 10*time.Millisecond)
	_, ok := srv.Manager().Get("alpha")
	require.True(t, ok)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
