package gateway

import (
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/marionette/pkg/automation"
)

// Session is one live chat identity: an engine handle plus its resolved
// webhook target. The manager's registry exclusively owns the handle.
type Session struct {
	ID         string
	Client     automation.Client
	WebhookURL string
	CreatedAt  time.Time
}

// Validation is the tri-state readiness result used by every guarded
// operation route.
type Validation struct {
	Success bool             `json:"success"`
	State   automation.State `json:"state,omitempty"`
	Message string           `json:"message"`
}

// Validation messages are part of the HTTP contract.
const (
	MsgSessionNotFound     = "session_not_found"
	MsgSessionNotConnected = "session_not_connected"
	MsgSessionConnected    = "session_connected"
	MsgBrowserTabClosed    = "browser tab closed"
	MsgSessionClosed       = "session closed"
)

// StartResult is the structured outcome of a start request. Construction
// failures are reported here, never thrown past the manager boundary.
type StartResult struct {
	Success bool     `json:"success"`
	Message string   `json:"message"`
	Session *Session `json:"-"`
}

// ErrSessionNotFound indicates an operation against an id with no live
// session.
var ErrSessionNotFound = errors.New("session not found")
