package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/marionette/pkg/automation"
	"github.com/go-go-golems/marionette/pkg/credstore"
)

// SessionManager owns the registry of live sessions and drives their
// lifecycle: create, validate, restart, terminate, flush and restore.
//
// The registry map is the only shared mutable structure; every mutation
// happens under mu. An operation on one session never blocks progress of
// another: the lock is held only for map access and client construction,
// never across engine round-trips.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	cfg     *Config
	factory automation.Factory
	store   credstore.Store
	fanout  *Fanout

	baseCtx context.Context
	logger  zerolog.Logger
}

func NewSessionManager(baseCtx context.Context, cfg *Config, factory automation.Factory, store credstore.Store, fanout *Fanout) *SessionManager {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &SessionManager{
		sessions: map[string]*Session{},
		cfg:      cfg,
		factory:  factory,
		store:    store,
		fanout:   fanout,
		baseCtx:  baseCtx,
		logger:   log.With().Str("component", "session-manager").Logger(),
	}
}

// Get returns the live session for an id, if any.
func (m *SessionManager) Get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Count returns the number of live sessions.
func (m *SessionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// IDs returns the ids of all live sessions.
func (m *SessionManager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// StartSession creates a session for the id, or returns the existing one.
// Idempotent by id: a second start is success, not an error, and the
// registry keeps exactly one entry. The handle is registered before the
// engine connection finishes; readiness is observed via events.
func (m *SessionManager) StartSession(sessionID string) StartResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[sessionID]; ok {
		return StartResult{Success: true, Message: "session_already_exists", Session: s}
	}

	strategy := m.store.StrategyFor(sessionID)
	client, err := m.factory.New(automation.ClientOptions{
		SessionID:        sessionID,
		Strategy:         strategy,
		ProtocolVersion:  m.cfg.WebVersion,
		VersionCacheMode: m.cfg.WebVersionCacheType,
	})
	if err != nil {
		m.logger.Error().Err(err).Str("session_id", sessionID).Msg("engine construction failed")
		return StartResult{Success: false, Message: err.Error()}
	}

	sess := &Session{
		ID:         sessionID,
		Client:     client,
		WebhookURL: m.cfg.WebhookURLFor(sessionID),
		CreatedAt:  time.Now(),
	}
	if m.fanout != nil {
		m.fanout.Attach(sess)
	}
	m.sessions[sessionID] = sess

	go m.initializeSession(sess)

	m.logger.Info().Str("session_id", sessionID).Msg("session initiated")
	return StartResult{Success: true, Message: "session_initiated", Session: sess}
}

// initializeSession runs the engine connection detached from the start
// request and arms auto-recovery once the transport handle exists.
func (m *SessionManager) initializeSession(sess *Session) {
	if err := sess.Client.Initialize(m.baseCtx); err != nil {
		m.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("engine initialize failed")
	}
	if !m.cfg.RecoverSessions {
		return
	}
	if err := sess.Client.AwaitConstructed(m.baseCtx, m.cfg.ConstructTimeout); err != nil {
		return
	}
	id, client := sess.ID, sess.Client
	client.OnTermination(func(reason string) {
		m.logger.Warn().Str("session_id", id).Str("reason", reason).Msg("engine terminated unexpectedly, restoring")
		m.recoverSession(id, client)
	})
}

// recoverSession destroys a dead engine and re-creates the session under the
// same id.
func (m *SessionManager) recoverSession(sessionID string, old automation.Client) {
	m.mu.Lock()
	if cur, ok := m.sessions[sessionID]; ok && cur.Client == old {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(m.baseCtx, m.cfg.DisconnectWait)
	defer cancel()
	if err := old.Destroy(ctx); err != nil {
		m.logger.Debug().Err(err).Str("session_id", sessionID).Msg("destroy during recovery failed")
	}
	m.StartSession(sessionID)
}

// ValidateSession is the authoritative readiness check: registry presence,
// transport handle, bounded liveness probe, then connection state. Exactly
// CONNECTED classifies as ready. The probe retries because engines can
// report a stale or crashed state; it fails closed after the retry budget.
func (m *SessionManager) ValidateSession(ctx context.Context, sessionID string) Validation {
	sess, ok := m.Get(sessionID)
	if !ok {
		return Validation{Message: MsgSessionNotFound}
	}
	client := sess.Client

	if err := client.AwaitConstructed(ctx, m.cfg.ConstructTimeout); err != nil {
		return Validation{Message: err.Error()}
	}

	for attempt := 1; ; attempt++ {
		if client.PageClosed() {
			return Validation{Message: MsgBrowserTabClosed}
		}
		probeCtx, cancel := context.WithTimeout(ctx, time.Second)
		err := client.ProbeLiveness(probeCtx)
		cancel()
		if err == nil {
			break
		}
		if attempt >= m.cfg.LivenessRetries {
			return Validation{Message: MsgSessionClosed}
		}
	}

	state, err := client.State(ctx)
	if err != nil {
		return Validation{Message: err.Error()}
	}
	if state != automation.StateConnected {
		return Validation{State: state, Message: MsgSessionNotConnected}
	}
	return Validation{Success: true, State: state, Message: MsgSessionConnected}
}

// TerminateSession validates and then deletes the session. Unknown ids
// return ErrSessionNotFound and touch nothing on disk.
func (m *SessionManager) TerminateSession(ctx context.Context, sessionID string) error {
	v := m.ValidateSession(ctx, sessionID)
	if v.Message == MsgSessionNotFound {
		return ErrSessionNotFound
	}
	return m.deleteSession(ctx, sessionID, v)
}

// deleteSession tears a session down. Connected sessions get a graceful
// logout, not-connected ones a hard destroy; either way teardown proceeds
// to credential deletion and registry removal, because a stuck session must
// not block reuse of its id.
func (m *SessionManager) deleteSession(ctx context.Context, sessionID string, v Validation) error {
	// Orphaned credentials (folder on disk, no live handle) still get
	// deleted, otherwise flush could never reclaim them.
	sess, ok := m.Get(sessionID)
	if ok {
		client := sess.Client
		client.ClearTerminationHandlers()

		switch {
		case v.Success:
			m.logger.Info().Str("session_id", sessionID).Msg("logging out session")
			if err := client.Logout(ctx); err != nil {
				m.logger.Warn().Err(err).Str("session_id", sessionID).Msg("logout failed, continuing teardown")
			}
		case v.Message == MsgSessionNotConnected:
			m.logger.Info().Str("session_id", sessionID).Msg("destroying session")
			if err := client.Destroy(ctx); err != nil {
				m.logger.Warn().Err(err).Str("session_id", sessionID).Msg("destroy failed, continuing teardown")
			}
		}

		m.waitForDisconnect(ctx, client)
	}

	delErr := m.store.Delete(ctx, sessionID)
	if delErr != nil {
		m.logger.Error().Err(delErr).Str("session_id", sessionID).Msg("credential deletion failed")
	}

	if sess != nil {
		m.mu.Lock()
		if cur, ok := m.sessions[sessionID]; ok && cur == sess {
			delete(m.sessions, sessionID)
		}
		m.mu.Unlock()
	}

	return errors.Wrap(delErr, "delete credentials")
}

// waitForDisconnect polls until the engine reports disconnected or the
// bound elapses, then proceeds regardless: guaranteed forward progress is
// worth the small risk of a locked-file error.
func (m *SessionManager) waitForDisconnect(ctx context.Context, client automation.Client) {
	deadline := time.Now().Add(m.cfg.DisconnectWait)
	for client.BrowserConnected() && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// RestartSession reloads a session's engine without deleting its
// credentials.
func (m *SessionManager) RestartSession(ctx context.Context, sessionID string) (StartResult, error) {
	sess, ok := m.Get(sessionID)
	if !ok {
		return StartResult{}, ErrSessionNotFound
	}
	client := sess.Client
	client.ClearTerminationHandlers()
	if err := client.Destroy(ctx); err != nil {
		m.logger.Warn().Err(err).Str("session_id", sessionID).Msg("destroy during restart failed")
	}

	m.mu.Lock()
	if cur, ok := m.sessions[sessionID]; ok && cur == sess {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()

	return m.StartSession(sessionID), nil
}

// FlushSessions terminates every session discoverable from persisted
// credential folders or the live registry: only the not-connected ones when
// onlyInactive is set, all of them otherwise. Per-session failures are
// logged, not surfaced.
func (m *SessionManager) FlushSessions(ctx context.Context, onlyInactive bool) error {
	ids, err := m.store.List(ctx)
	if err != nil {
		return errors.Wrap(err, "scan credential store")
	}
	// Live sessions whose credentials have not hit disk yet are still
	// subject to flush.
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	for _, id := range m.IDs() {
		if _, ok := seen[id]; !ok {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		v := m.ValidateSession(ctx, id)
		if onlyInactive && v.Success {
			continue
		}
		if err := m.deleteSession(ctx, id, v); err != nil {
			m.logger.Warn().Err(err).Str("session_id", id).Msg("flush: session teardown failed")
		}
	}
	return nil
}

// RestoreAll reconstructs in-memory sessions from persisted credentials
// alone. Run once at process start.
func (m *SessionManager) RestoreAll(ctx context.Context) error {
	ids, err := m.store.List(ctx)
	if err != nil {
		return errors.Wrap(err, "scan credential store")
	}
	for _, id := range ids {
		m.logger.Info().Str("session_id", id).Msg("existing session detected")
		if res := m.StartSession(id); !res.Success {
			m.logger.Warn().Str("session_id", id).Str("message", res.Message).Msg("session restore failed")
		}
	}
	return nil
}
