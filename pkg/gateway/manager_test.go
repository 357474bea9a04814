package gateway

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/marionette/pkg/automation"
	"github.com/go-go-golems/marionette/pkg/credstore"
)

func newTestManager(t *testing.T) (*SessionManager, *fakeFactory, *credstore.LocalStore) {
	t.Helper()
	store, err := credstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	factory := newFakeFactory()
	m := NewSessionManager(context.Background(), testConfig(), factory, store, nil)
	return m, factory, store
}

func TestStartSessionIsIdempotent(t *testing.T) {
	m, factory, _ := newTestManager(t)

	first := m.StartSession("alpha")
	require.True(t, first.Success)
	require.Equal(t, "session_initiated", first.Message)

	second := m.StartSession("alpha")
	require.True(t, second.Success)
	require.Equal(t, "session_already_exists", second.Message)
	require.Same(t, first.Session, second.Session)

	require.Equal(t, 1, m.Count())
	require.Equal(t, 1, factory.callCount())
}

func TestStartSessionInitializesEngine(t *testing.T) {
	m, factory, _ := newTestManager(t)

	res := m.StartSession("alpha")
	require.True(t, res.Success)

	client := factory.client("alpha")
	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return client.initialized
	}, time.Second, 10*time.Millisecond)
}

func TestValidateSessionStates(t *testing.T) {
	m, factory, _ := newTestManager(t)
	ctx := context.Background()

	v := m.ValidateSession(ctx, "ghost")
	require.False(t, v.Success)
	require.Equal(t, MsgSessionNotFound, v.Message)

	opening := newFakeClient()
	opening.state = automation.StateOpening
	factory.script("opening", opening)
	m.StartSession("opening")
	v = m.ValidateSession(ctx, "opening")
	require.False(t, v.Success)
	require.Equal(t, MsgSessionNotConnected, v.Message)
	require.Equal(t, automation.StateOpening, v.State)

	opening.mu.Lock()
	opening.state = automation.StateConnected
	opening.mu.Unlock()
	v = m.ValidateSession(ctx, "opening")
	require.True(t, v.Success)
	require.Equal(t, MsgSessionConnected, v.Message)
}

func TestValidateSessionFailsClosedAfterProbeBudget(t *testing.T) {
	m, factory, _ := newTestManager(t)

	dead := newFakeClient()
	dead.probeErr = errors.New("probe refused")
	factory.script("dead", dead)
	m.StartSession("dead")

	v := m.ValidateSession(context.Background(), "dead")
	require.False(t, v.Success)
	require.Equal(t, MsgSessionClosed, v.Message)
}

func TestValidateSessionReportsClosedTransport(t *testing.T) {
	m, factory, _ := newTestManager(t)

	closed := newFakeClient()
	closed.pageClosed = true
	factory.script("closed", closed)
	m.StartSession("closed")

	v := m.ValidateSession(context.Background(), "closed")
	require.False(t, v.Success)
	require.Equal(t, MsgBrowserTabClosed, v.Message)
}

func TestTerminateUnknownSessionTouchesNothing(t *testing.T) {
	m, _, store := newTestManager(t)

	marker := filepath.Join(store.Root(), "session-keep")
	require.NoError(t, os.MkdirAll(marker, 0o755))

	err := m.TerminateSession(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrSessionNotFound)

	_, statErr := os.Stat(marker)
	require.NoError(t, statErr)
}

func TestTerminateConnectedSessionLogsOutAndDeletesCredentials(t *testing.T) {
	m, factory, store := newTestManager(t)
	ctx := context.Background()

	m.StartSession("alpha")
	_, err := store.StrategyFor("alpha").Materialize(ctx)
	require.NoError(t, err)

	require.NoError(t, m.TerminateSession(ctx, "alpha"))

	client := factory.client("alpha")
	client.mu.Lock()
	require.True(t, client.loggedOut)
	require.False(t, client.destroyed)
	client.mu.Unlock()

	exists, err := store.Exists(ctx, "alpha")
	require.NoError(t, err)
	require.False(t, exists)
	require.Equal(t, 0, m.Count())
}

func TestTerminateNotConnectedSessionDestroys(t *testing.T) {
	m, factory, _ := newTestManager(t)
	ctx := context.Background()

	idle := newFakeClient()
	idle.state = automation.StateUnpaired
	factory.script("idle", idle)
	m.StartSession("idle")

	require.NoError(t, m.TerminateSession(ctx, "idle"))

	idle.mu.Lock()
	require.True(t, idle.destroyed)
	require.False(t, idle.loggedOut)
	idle.mu.Unlock()
	require.Equal(t, 0, m.Count())
}

func TestTerminatedIDCanStartFresh(t *testing.T) {
	m, factory, _ := newTestManager(t)
	ctx := context.Background()

	m.StartSession("alpha")
	require.NoError(t, m.TerminateSession(ctx, "alpha"))

	factory.mu.Lock()
	delete(factory.clients, "alpha")
	factory.mu.Unlock()

	res := m.StartSession("alpha")
	require.True(t, res.Success)
	require.Equal(t, "session_initiated", res.Message)
	require.Equal(t, 1, m.Count())
}

func TestRestartKeepsCredentials(t *testing.T) {
	m, factory, store := newTestManager(t)
	ctx := context.Background()

	m.StartSession("alpha")
	old := factory.client("alpha")
	_, err := store.StrategyFor("alpha").Materialize(ctx)
	require.NoError(t, err)

	factory.mu.Lock()
	delete(factory.clients, "alpha")
	factory.mu.Unlock()

	res, err := m.RestartSession(ctx, "alpha")
	require.NoError(t, err)
	require.True(t, res.Success)

	old.mu.Lock()
	require.True(t, old.destroyed)
	old.mu.Unlock()

	exists, err := store.Exists(ctx, "alpha")
	require.NoError(t, err)
	require.True(t, exists)
	require.NotSame(t, old, factory.client("alpha"))
}

func TestRestartUnknownSession(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.RestartSession(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestFlushOnlyInactiveSparesConnected(t *testing.T) {
	m, factory, store := newTestManager(t)
	ctx := context.Background()

	m.StartSession("live")
	_, err := store.StrategyFor("live").Materialize(ctx)
	require.NoError(t, err)

	idle := newFakeClient()
	idle.state = automation.StateOpening
	factory.script("idle", idle)
	m.StartSession("idle")
	_, err = store.StrategyFor("idle").Materialize(ctx)
	require.NoError(t, err)

	require.NoError(t, m.FlushSessions(ctx, true))

	liveExists, err := store.Exists(ctx, "live")
	require.NoError(t, err)
	require.True(t, liveExists)
	idleExists, err := store.Exists(ctx, "idle")
	require.NoError(t, err)
	require.False(t, idleExists)
	require.Equal(t, 1, m.Count())
}

func TestFlushAllTerminatesEverything(t *testing.T) {
	m, _, store := newTestManager(t)
	ctx := context.Background()

	for _, id := range []string{"one", "two"} {
		m.StartSession(id)
		_, err := store.StrategyFor(id).Materialize(ctx)
		require.NoError(t, err)
	}

	require.NoError(t, m.FlushSessions(ctx, false))

	ids, err := store.List(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)
	require.Equal(t, 0, m.Count())
}

func TestFlushReclaimsOrphanedCredentials(t *testing.T) {
	m, _, store := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(filepath.Join(store.Root(), "session-orphan"), 0o755))

	require.NoError(t, m.FlushSessions(ctx, false))

	exists, err := store.Exists(ctx, "orphan")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestTerminatedEngineIsRecoveredUnderSameID(t *testing.T) {
	store, err := credstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	factory := newFakeFactory()
	cfg := testConfig()
	cfg.RecoverSessions = true
	m := NewSessionManager(context.Background(), cfg, factory, store, nil)

	m.StartSession("alpha")
	old := factory.client("alpha")
	require.Eventually(t, func() bool {
		return old.terminationHandlerCount() == 1
	}, time.Second, 10*time.Millisecond)

	// A new engine must be built when the old one dies.
	factory.mu.Lock()
	delete(factory.clients, "alpha")
	factory.mu.Unlock()

	old.fireTermination("page closed")

	require.Eventually(t, func() bool {
		sess, ok := m.Get("alpha")
		return ok && sess.Client != automation.Client(old)
	}, time.Second, 10*time.Millisecond)

	old.mu.Lock()
	require.True(t, old.destroyed)
	old.mu.Unlock()
	require.Equal(t, 1, m.Count())
}

func TestRestoreAllRebuildsFromCredentialFolders(t *testing.T) {
	m, _, store := newTestManager(t)
	ctx := context.Background()

	for _, name := range []string{"session-x", "session-y", "not-a-session"} {
		require.NoError(t, os.MkdirAll(filepath.Join(store.Root(), name), 0o755))
	}

	require.NoError(t, m.RestoreAll(ctx))

	require.Equal(t, 2, m.Count())
	require.ElementsMatch(t, []string{"x", "y"}, m.IDs())
}
