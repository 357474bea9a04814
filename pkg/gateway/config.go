package gateway

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-go-golems/marionette/pkg/automation"
)

// Config is the gateway's process-wide configuration, resolved once at
// startup from the environment (see cmd/marionette).
type Config struct {
	// Addr is the HTTP listen address.
	Addr string
	// SessionsPath is the root directory for per-session credential folders.
	SessionsPath string
	// APIKey guards every endpoint and is forwarded on outbound webhooks.
	APIKey string
	// BaseWebhookURL is the default delivery target; per-session overrides
	// come from the environment (<SESSIONID>_WEBHOOK_URL, uppercased).
	BaseWebhookURL string
	// MaxAttachmentSize bounds automatic media downloads, in bytes.
	MaxAttachmentSize int64
	// SetMessagesAsSeen marks chats read after message traffic.
	SetMessagesAsSeen bool
	// DisabledCallbacks lists event types that are never subscribed.
	DisabledCallbacks []string
	// WebVersion optionally pins the engine's wire protocol version.
	WebVersion string
	// WebVersionCacheType selects the pinned version cache mode
	// (none, local, remote).
	WebVersionCacheType string
	// RecoverSessions re-creates a session when its engine dies unexpectedly.
	RecoverSessions bool

	RateLimitMax    int
	RateLimitWindow time.Duration

	// ConstructTimeout bounds waits for the engine transport handle.
	ConstructTimeout time.Duration
	// DisconnectWait bounds the poll for engine disconnect before credential
	// deletion.
	DisconnectWait time.Duration
	// LivenessRetries is the probe attempt budget before a session is
	// considered closed.
	LivenessRetries int

	CredentialStore    string
	CredentialStoreDSN string

	RedisEnabled  bool
	RedisAddr     string
	RedisGroup    string
	RedisConsumer string

	disabledOnce sync.Once
	disabled     map[automation.EventType]struct{}
	// lookupEnv is swappable in tests; defaults to os.LookupEnv.
	lookupEnv func(string) (string, bool)
}

// DefaultConfig mirrors the recognized environment surface's defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:                ":3000",
		SessionsPath:        "./sessions",
		MaxAttachmentSize:   10_000_000,
		WebVersionCacheType: "none",
		RateLimitMax:        1000,
		RateLimitWindow:     time.Second,
		ConstructTimeout:    10 * time.Second,
		DisconnectWait:      10 * time.Second,
		LivenessRetries:     3,
		CredentialStore:     "local",
		RedisAddr:           "localhost:6379",
		RedisGroup:          "marionette",
		RedisConsumer:       "notifier-1",
	}
}

// EventEnabled reports whether the event type should be subscribed at all.
// Safe for concurrent use; detached event goroutines consult it too.
func (c *Config) EventEnabled(t automation.EventType) bool {
	c.disabledOnce.Do(func() {
		c.disabled = make(map[automation.EventType]struct{}, len(c.DisabledCallbacks))
		for _, name := range c.DisabledCallbacks {
			name = strings.TrimSpace(name)
			if name != "" {
				c.disabled[automation.EventType(name)] = struct{}{}
			}
		}
	})
	_, off := c.disabled[t]
	return !off
}

// WebhookURLFor resolves the delivery target for a session: the uppercased
// <SESSIONID>_WEBHOOK_URL environment override wins, then the global
// default. Resolved once at session creation and immutable afterwards.
func (c *Config) WebhookURLFor(sessionID string) string {
	lookup := c.lookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if v, ok := lookup(strings.ToUpper(sessionID) + "_WEBHOOK_URL"); ok && v != "" {
		return v
	}
	return c.BaseWebhookURL
}
