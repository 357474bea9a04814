package automation

import (
	"context"
	"time"

	"github.com/go-go-golems/marionette/pkg/credstore"
)

// State is the connection state reported by the automation engine.
type State string

const (
	StateConnected State = "CONNECTED"
	StateOpening   State = "OPENING"
	StatePairing   State = "PAIRING"
	StateUnpaired  State = "UNPAIRED"
	StateTimeout   State = "TIMEOUT"
	StateUnknown   State = ""
)

// EventType names an engine event. The strings double as webhook dataType
// values, so they are part of the external contract.
type EventType string

const (
	EventQR                    EventType = "qr"
	EventAuthenticated         EventType = "authenticated"
	EventAuthFailure           EventType = "auth_failure"
	EventReady                 EventType = "ready"
	EventChangeState           EventType = "change_state"
	EventDisconnected          EventType = "disconnected"
	EventLoadingScreen         EventType = "loading_screen"
	EventMessage               EventType = "message"
	EventMessageCreate         EventType = "message_create"
	EventMessageAck            EventType = "message_ack"
	EventMessageEdit           EventType = "message_edit"
	EventMessageReaction       EventType = "message_reaction"
	EventMessageCiphertext     EventType = "message_ciphertext"
	EventMessageRevokeEveryone EventType = "message_revoke_everyone"
	EventMessageRevokeMe       EventType = "message_revoke_me"
	EventMediaUploaded         EventType = "media_uploaded"
	EventGroupJoin             EventType = "group_join"
	EventGroupLeave            EventType = "group_leave"
	EventGroupUpdate           EventType = "group_update"
	EventCall                  EventType = "call"
	EventContactChanged        EventType = "contact_changed"
	EventChatRemoved           EventType = "chat_removed"
	EventChatArchived          EventType = "chat_archived"
	EventUnreadCount           EventType = "unread_count"

	// EventMedia is synthesized by the fan-out when a received message
	// carries a downloadable attachment; engines never emit it directly.
	EventMedia EventType = "media"
)

// Catalogue lists every event type an engine may emit, in a stable order.
func Catalogue() []EventType {
	return []EventType{
		EventQR, EventAuthenticated, EventAuthFailure, EventReady,
		EventChangeState, EventDisconnected, EventLoadingScreen,
		EventMessage, EventMessageCreate, EventMessageAck, EventMessageEdit,
		EventMessageReaction, EventMessageCiphertext,
		EventMessageRevokeEveryone, EventMessageRevokeMe, EventMediaUploaded,
		EventGroupJoin, EventGroupLeave, EventGroupUpdate, EventCall,
		EventContactChanged, EventChatRemoved, EventChatArchived,
		EventUnreadCount,
	}
}

// Event is a single engine emission. Data keys depend on the event type; for
// message events Data["message"] holds a Message value.
type Event struct {
	Type EventType
	Data map[string]any
}

// Handler receives events for one subscribed type.
type Handler func(Event)

// Message is the engine-agnostic shape of a chat message.
type Message struct {
	ID        string `json:"id"`
	ChatID    string `json:"chatId"`
	From      string `json:"from"`
	To        string `json:"to,omitempty"`
	Body      string `json:"body"`
	Timestamp int64  `json:"timestamp"`
	FromMe    bool   `json:"fromMe"`
	HasMedia  bool   `json:"hasMedia"`
	MediaSize int64  `json:"mediaSize,omitempty"`
	MimeType  string `json:"mimeType,omitempty"`
}

// Media is a decoded attachment payload.
type Media struct {
	Data     []byte `json:"data"`
	MimeType string `json:"mimetype"`
	FileName string `json:"filename,omitempty"`
}

// Chat is a conversation summary.
type Chat struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	IsGroup     bool   `json:"isGroup"`
	UnreadCount int    `json:"unreadCount"`
	Timestamp   int64  `json:"timestamp,omitempty"`
}

// Contact is an address-book entry.
type Contact struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	PushName   string `json:"pushname,omitempty"`
	IsBusiness bool   `json:"isBusiness,omitempty"`
}

// GroupInfo describes a created or joined group.
type GroupInfo struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Participants []string `json:"participants"`
}

// ClientOptions configures a new engine instance for one session.
type ClientOptions struct {
	SessionID string
	// Strategy provides the session's persisted credential material. The
	// engine must not delete it on logout; the gateway controls deletion.
	Strategy credstore.Strategy
	// ProtocolVersion optionally pins the wire protocol version the engine
	// should speak. Empty means engine default.
	ProtocolVersion string
	// VersionCacheMode selects how a pinned version is cached
	// (none, local, remote).
	VersionCacheMode string
	UserAgent        string
}

// Client is one live automation engine instance bound to a single session.
//
// Lifecycle methods never panic across the boundary; failures come back as
// errors. Readiness is observed through events and the probe methods, never
// by reaching into engine internals.
type Client interface {
	// Initialize starts the engine connection. It returns once the attempt
	// has been handed to the engine; readiness is signalled by events.
	Initialize(ctx context.Context) error

	// AwaitConstructed blocks until the underlying transport handle exists
	// or the timeout elapses. A constructed client is not necessarily ready.
	AwaitConstructed(ctx context.Context, timeout time.Duration) error

	// ProbeLiveness issues one cheap round-trip against the engine. Callers
	// apply their own bounded-retry policy on top.
	ProbeLiveness(ctx context.Context) error

	// PageClosed reports whether the engine's transport has been torn down.
	PageClosed() bool

	// State returns the engine's current connection state.
	State(ctx context.Context) (State, error)

	// QR returns the last pairing code the engine issued, or "" if none is
	// pending.
	QR() string

	// Logout invalidates the server-side session and disconnects.
	Logout(ctx context.Context) error

	// Destroy tears the engine down locally without server-side logout.
	Destroy(ctx context.Context) error

	// BrowserConnected reports whether the engine process still holds its
	// connection; teardown polls this before credential deletion.
	BrowserConnected() bool

	// On registers a handler for one event type. Must be called before
	// Initialize; handlers run on the engine's event goroutine in emission
	// order.
	On(t EventType, h Handler)

	// OnTermination registers a hook fired when the engine dies unexpectedly
	// (transport crash or close). Used for auto-recovery.
	OnTermination(h func(reason string))

	// ClearTerminationHandlers detaches recovery hooks so a deliberate
	// teardown is not mistaken for a crash.
	ClearTerminationHandlers()

	SendMessage(ctx context.Context, chatID, body string) (*Message, error)
	GetChats(ctx context.Context) ([]Chat, error)
	GetChatByID(ctx context.Context, chatID string) (*Chat, error)
	GetContacts(ctx context.Context) ([]Contact, error)
	CreateGroup(ctx context.Context, name string, participants []string) (*GroupInfo, error)
	IsRegisteredUser(ctx context.Context, id string) (bool, error)
	SendSeen(ctx context.Context, chatID string) error
	DownloadMedia(ctx context.Context, msg Message) (*Media, error)
}

// Factory constructs engine clients. The gateway injects one factory at
// process start; tests inject fakes.
type Factory interface {
	New(opts ClientOptions) (Client, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(opts ClientOptions) (Client, error)

func (f FactoryFunc) New(opts ClientOptions) (Client, error) { return f(opts) }
