package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/marionette/pkg/automation"
)

// fakeClient is a scriptable engine used across the gateway tests.
type fakeClient struct {
	mu sync.Mutex

	state        automation.State
	probeErr     error
	pageClosed   bool
	connected    bool
	qr           string
	initErr      error
	constructErr error

	initialized  bool
	loggedOut    bool
	destroyed    bool
	seenChats    []string
	sentBodies   []string
	handlers     map[automation.EventType][]automation.Handler
	termHandlers []func(string)
	media        *automation.Media
	mediaErr     error
}

var _ automation.Client = &fakeClient{}

func newFakeClient() *fakeClient {
	return &fakeClient{
		state:     automation.StateConnected,
		connected: true,
		handlers:  map[automation.EventType][]automation.Handler{},
	}
}

func (f *fakeClient) Initialize(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initialized = true
	return f.initErr
}

func (f *fakeClient) AwaitConstructed(context.Context, time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.constructErr
}

func (f *fakeClient) ProbeLiveness(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probeErr
}

func (f *fakeClient) PageClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pageClosed
}

func (f *fakeClient) State(context.Context) (automation.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, nil
}

func (f *fakeClient) QR() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.qr
}

func (f *fakeClient) Logout(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loggedOut = true
	f.connected = false
	return nil
}

func (f *fakeClient) Destroy(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = true
	f.connected = false
	return nil
}

func (f *fakeClient) BrowserConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) On(t automation.EventType, h automation.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[t] = append(f.handlers[t], h)
}

func (f *fakeClient) OnTermination(h func(string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.termHandlers = append(f.termHandlers, h)
}

func (f *fakeClient) ClearTerminationHandlers() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.termHandlers = nil
}

// emit drives registered handlers the way a live engine would.
func (f *fakeClient) emit(t automation.EventType, data map[string]any) {
	f.mu.Lock()
	hs := append([]automation.Handler(nil), f.handlers[t]...)
	f.mu.Unlock()
	for _, h := range hs {
		h(automation.Event{Type: t, Data: data})
	}
}

// fireTermination invokes registered termination handlers the way the
// engine does when its session dies out from under it.
func (f *fakeClient) fireTermination(reason string) {
	f.mu.Lock()
	hs := append([]func(string){}, f.termHandlers...)
	f.mu.Unlock()
	for _, h := range hs {
		h(reason)
	}
}

func (f *fakeClient) terminationHandlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.termHandlers)
}

func (f *fakeClient) handlerCount(t automation.EventType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers[t])
}

func (f *fakeClient) SendMessage(_ context.Context, chatID, body string) (*automation.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentBodies = append(f.sentBodies, body)
	return &automation.Message{ID: "msg-1", ChatID: chatID, Body: body, FromMe: true}, nil
}

func (f *fakeClient) GetChats(context.Context) ([]automation.Chat, error) {
	return []automation.Chat{{ID: "123@c.us", Name: "alice"}}, nil
}

func (f *fakeClient) GetChatByID(_ context.Context, chatID string) (*automation.Chat, error) {
	return &automation.Chat{ID: chatID, Name: "alice"}, nil
}

func (f *fakeClient) GetContacts(context.Context) ([]automation.Contact, error) {
	return []automation.Contact{{ID: "123@c.us", Name: "alice"}}, nil
}

func (f *fakeClient) CreateGroup(_ context.Context, name string, participants []string) (*automation.GroupInfo, error) {
	return &automation.GroupInfo{ID: "g-1", Name: name, Participants: participants}, nil
}

func (f *fakeClient) IsRegisteredUser(context.Context, string) (bool, error) { return true, nil }

func (f *fakeClient) SendSeen(_ context.Context, chatID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seenChats = append(f.seenChats, chatID)
	return nil
}

func (f *fakeClient) seenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seenChats)
}

func (f *fakeClient) DownloadMedia(context.Context, automation.Message) (*automation.Media, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mediaErr != nil {
		return nil, f.mediaErr
	}
	if f.media != nil {
		return f.media, nil
	}
	return nil, errors.New("no media scripted")
}

// fakeFactory hands out pre-built clients, creating connected defaults on
// demand, and counts constructions.
type fakeFactory struct {
	mu      sync.Mutex
	clients map[string]*fakeClient
	calls   int
}

var _ automation.Factory = &fakeFactory{}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{clients: map[string]*fakeClient{}}
}

func (f *fakeFactory) New(opts automation.ClientOptions) (automation.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if c, ok := f.clients[opts.SessionID]; ok {
		return c, nil
	}
	c := newFakeClient()
	f.clients[opts.SessionID] = c
	return c, nil
}

func (f *fakeFactory) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeFactory) client(id string) *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients[id]
}

func (f *fakeFactory) script(id string, c *fakeClient) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clients[id] = c
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.ConstructTimeout = 100 * time.Millisecond
	cfg.DisconnectWait = 50 * time.Millisecond
	return cfg
}
