// Package credstore persists per-session authentication material. The
// gateway decides when credentials are created and deleted; stores never
// clean up on their own (engine logout paths must not remove folders behind
// the gateway's back).
package credstore

import (
	"context"
	"regexp"
)

// FolderPrefix is the fixed prefix for on-disk session folders. Folder
// presence under the sessions root is the sole source of truth for restore
// scans.
const FolderPrefix = "session-"

var folderPattern = regexp.MustCompile(`^session-(.+)$`)

// FolderName returns the credential folder name for a session id.
func FolderName(sessionID string) string { return FolderPrefix + sessionID }

// SessionIDFromFolder extracts the session id from a folder name, or ""
// when the name does not match the session folder convention.
func SessionIDFromFolder(name string) string {
	m := folderPattern.FindStringSubmatch(name)
	if m == nil {
		return ""
	}
	return m[1]
}

// Strategy hands one session's credential material to an automation engine.
type Strategy interface {
	SessionID() string
	// Materialize ensures local credential material exists and returns the
	// directory holding it. For remote stores this restores the persisted
	// blob into a working directory.
	Materialize(ctx context.Context) (string, error)
	// Persist captures the local credential material back into the store.
	// Local stores treat this as a no-op.
	Persist(ctx context.Context) error
}

// Store is the credential store adapter consumed by the session manager.
type Store interface {
	// Exists reports whether credential material for the session id has
	// been persisted.
	Exists(ctx context.Context, sessionID string) (bool, error)
	// StrategyFor binds a credential strategy to the session id.
	StrategyFor(sessionID string) Strategy
	// Delete removes the session's credential material entirely.
	Delete(ctx context.Context, sessionID string) error
	// List returns the session ids with persisted credential material.
	List(ctx context.Context) ([]string, error)
}
