package meow

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/go-go-golems/marionette/pkg/automation"

	_ "github.com/mattn/go-sqlite3"
)

// mediaCacheSize bounds how many downloadable message payloads we keep
// around waiting for a DownloadMedia call.
const mediaCacheSize = 256

// Factory builds whatsmeow-backed engine clients.
type Factory struct{}

var _ automation.Factory = &Factory{}

func NewFactory() *Factory { return &Factory{} }

func (f *Factory) New(opts automation.ClientOptions) (automation.Client, error) {
	if opts.SessionID == "" {
		return nil, errors.New("session id is required")
	}
	if opts.Strategy == nil {
		return nil, errors.New("credential strategy is required")
	}
	return &Client{
		opts:        opts,
		logger:      log.With().Str("component", "meow-client").Str("session_id", opts.SessionID).Logger(),
		handlers:    map[automation.EventType][]automation.Handler{},
		constructed: make(chan struct{}),
		lastInbound: map[string]inboundRef{},
		mediaCache:  map[string]*waE2E.Message{},
	}, nil
}

// inboundRef remembers enough of the last inbound message per chat to issue
// a read receipt later.
type inboundRef struct {
	ids    []types.MessageID
	sender types.JID
}

// Client is one whatsmeow session. All mutable state sits behind mu except
// the closed flag, which teardown paths flip exactly once.
type Client struct {
	opts   automation.ClientOptions
	logger zerolog.Logger

	mu           sync.Mutex
	wa           *whatsmeow.Client
	container    *sqlstore.Container
	handlers     map[automation.EventType][]automation.Handler
	termHandlers []func(string)
	qr           string
	qrCancel     context.CancelFunc
	lastInbound  map[string]inboundRef
	mediaCache   map[string]*waE2E.Message
	mediaOrder   []string

	constructOnce sync.Once
	constructed   chan struct{}
	closed        atomic.Bool
}

var _ automation.Client = &Client{}

func (c *Client) Initialize(ctx context.Context) error {
	dir, err := c.opts.Strategy.Materialize(ctx)
	if err != nil {
		return errors.Wrap(err, "materialize credentials")
	}

	dsn := "file:" + filepath.Join(dir, "credentials.db") + "?_foreign_keys=on"
	dbLog := waLog.Zerolog(c.logger.With().Str("subcomponent", "sqlstore").Logger())
	container, err := sqlstore.New(ctx, "sqlite3", dsn, dbLog)
	if err != nil {
		return errors.Wrap(err, "open device store")
	}

	c.applyDeviceProps()

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return errors.Wrap(err, "load device")
	}

	wa := whatsmeow.NewClient(device, waLog.Zerolog(c.logger))
	wa.AddEventHandler(c.route)

	c.mu.Lock()
	c.wa = wa
	c.container = container
	c.mu.Unlock()
	c.constructOnce.Do(func() { close(c.constructed) })

	if wa.Store.ID == nil {
		// Fresh device: pairing codes arrive on the QR channel, which must
		// be requested before the first Connect.
		qrCtx, cancel := context.WithCancel(context.Background())
		c.mu.Lock()
		c.qrCancel = cancel
		c.mu.Unlock()
		qrChan, err := wa.GetQRChannel(qrCtx)
		if err != nil {
			cancel()
			return errors.Wrap(err, "open qr channel")
		}
		if err := wa.Connect(); err != nil {
			cancel()
			return errors.Wrap(err, "connect")
		}
		go c.consumeQR(qrChan)
		return nil
	}

	if err := wa.Connect(); err != nil {
		return errors.Wrap(err, "connect")
	}
	return nil
}

// applyDeviceProps pins the advertised companion version and platform when
// the session asks for one.
func (c *Client) applyDeviceProps() {
	if c.opts.UserAgent != "" {
		store.DeviceProps.Os = proto.String(c.opts.UserAgent)
	}
	if c.opts.ProtocolVersion == "" {
		return
	}
	parts := strings.SplitN(c.opts.ProtocolVersion, ".", 3)
	if len(parts) != 3 {
		c.logger.Warn().Str("version", c.opts.ProtocolVersion).Msg("unparseable protocol version, using engine default")
		return
	}
	nums := make([]uint32, 3)
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			c.logger.Warn().Str("version", c.opts.ProtocolVersion).Msg("unparseable protocol version, using engine default")
			return
		}
		nums[i] = uint32(n)
	}
	store.DeviceProps.Version.Primary = proto.Uint32(nums[0])
	store.DeviceProps.Version.Secondary = proto.Uint32(nums[1])
	store.DeviceProps.Version.Tertiary = proto.Uint32(nums[2])
}

func (c *Client) consumeQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case "code":
			c.mu.Lock()
			c.qr = item.Code
			c.mu.Unlock()
			c.emit(automation.EventQR, map[string]any{"qr": item.Code})
		case "success":
			c.mu.Lock()
			c.qr = ""
			cancel := c.qrCancel
			c.qrCancel = nil
			c.mu.Unlock()
			if cancel != nil {
				cancel()
			}
			return
		case "timeout":
			c.mu.Lock()
			c.qr = ""
			c.mu.Unlock()
			c.emit(automation.EventAuthFailure, map[string]any{"message": "qr pairing timed out"})
			return
		default:
			if item.Error != nil {
				c.logger.Warn().Err(item.Error).Msg("qr pairing error")
				c.emit(automation.EventAuthFailure, map[string]any{"message": item.Error.Error()})
			}
			return
		}
	}
}

func (c *Client) AwaitConstructed(ctx context.Context, timeout time.Duration) error {
	select {
	case <-c.constructed:
		return nil
	case <-time.After(timeout):
		return errors.New("engine handle not constructed in time")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) ProbeLiveness(ctx context.Context) error {
	if c.closed.Load() {
		return errors.New("engine is closed")
	}
	c.mu.Lock()
	wa := c.wa
	c.mu.Unlock()
	if wa == nil {
		return errors.New("engine not initialized")
	}
	if !wa.IsConnected() {
		return errors.New("engine socket not connected")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return nil
}

func (c *Client) PageClosed() bool { return c.closed.Load() }

func (c *Client) State(ctx context.Context) (automation.State, error) {
	if c.closed.Load() {
		return automation.StateUnknown, errors.New("engine is closed")
	}
	c.mu.Lock()
	wa := c.wa
	qr := c.qr
	c.mu.Unlock()
	if wa == nil {
		return automation.StateUnknown, errors.New("engine not initialized")
	}
	switch {
	case wa.IsConnected() && wa.IsLoggedIn():
		return automation.StateConnected, nil
	case wa.IsConnected() && qr != "":
		return automation.StatePairing, nil
	case wa.IsConnected():
		return automation.StateUnpaired, nil
	default:
		return automation.StateOpening, nil
	}
}

func (c *Client) QR() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.qr
}

// Logout invalidates the server-side pairing, then tears the client down.
// Credentials are not persisted: the caller deletes them right after.
func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	wa := c.wa
	c.mu.Unlock()
	if wa == nil {
		return errors.New("engine not initialized")
	}
	err := wa.Logout(ctx)
	c.teardown()
	if err != nil {
		return errors.Wrap(err, "logout")
	}
	return nil
}

// Destroy tears the client down locally, keeping the server-side pairing.
// Credential material is persisted so a later restart can resume.
func (c *Client) Destroy(ctx context.Context) error {
	c.teardown()
	if err := c.opts.Strategy.Persist(ctx); err != nil {
		return errors.Wrap(err, "persist credentials")
	}
	return nil
}

func (c *Client) teardown() {
	if c.closed.Swap(true) {
		return
	}
	c.mu.Lock()
	wa := c.wa
	container := c.container
	cancel := c.qrCancel
	c.qrCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if wa != nil {
		wa.Disconnect()
	}
	if container != nil {
		if err := container.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("device store close failed")
		}
	}
}

func (c *Client) BrowserConnected() bool {
	if c.closed.Load() {
		return false
	}
	c.mu.Lock()
	wa := c.wa
	c.mu.Unlock()
	return wa != nil && wa.IsConnected()
}

func (c *Client) On(t automation.EventType, h automation.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[t] = append(c.handlers[t], h)
}

func (c *Client) OnTermination(h func(reason string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.termHandlers = append(c.termHandlers, h)
}

func (c *Client) ClearTerminationHandlers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.termHandlers = nil
}

func (c *Client) emit(t automation.EventType, data map[string]any) {
	c.mu.Lock()
	hs := append([]automation.Handler(nil), c.handlers[t]...)
	c.mu.Unlock()
	ev := automation.Event{Type: t, Data: data}
	for _, h := range hs {
		h(ev)
	}
}

func (c *Client) fireTermination(reason string) {
	c.mu.Lock()
	hs := append([]func(string){}, c.termHandlers...)
	c.mu.Unlock()
	for _, h := range hs {
		go h(reason)
	}
}

// live returns the connected client or an error describing why operations
// cannot proceed.
func (c *Client) live() (*whatsmeow.Client, error) {
	if c.closed.Load() {
		return nil, errors.New("engine is closed")
	}
	c.mu.Lock()
	wa := c.wa
	c.mu.Unlock()
	if wa == nil {
		return nil, errors.New("engine not initialized")
	}
	if !wa.IsLoggedIn() {
		return nil, errors.New("session is not authenticated")
	}
	return wa, nil
}

// parseChatJID accepts bare phone numbers, full JIDs, and the legacy
// "@c.us" suffix some callers still send.
func parseChatJID(id string) (types.JID, error) {
	n := strings.TrimSpace(id)
	n = strings.Replace(n, "@c.us", "@"+types.DefaultUserServer, 1)
	if !strings.ContainsRune(n, '@') {
		n += "@" + types.DefaultUserServer
	}
	jid, err := types.ParseJID(n)
	if err != nil {
		return types.JID{}, errors.Wrapf(err, "invalid chat id %q", id)
	}
	return jid, nil
}

func (c *Client) SendMessage(ctx context.Context, chatID, body string) (*automation.Message, error) {
	wa, err := c.live()
	if err != nil {
		return nil, err
	}
	jid, err := parseChatJID(chatID)
	if err != nil {
		return nil, err
	}
	resp, err := wa.SendMessage(ctx, jid, &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text: proto.String(body),
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "send message")
	}
	return &automation.Message{
		ID:        string(resp.ID),
		ChatID:    jid.String(),
		Body:      body,
		Timestamp: resp.Timestamp.Unix(),
		FromMe:    true,
	}, nil
}

func (c *Client) GetChats(ctx context.Context) ([]automation.Chat, error) {
	wa, err := c.live()
	if err != nil {
		return nil, err
	}
	groups, err := wa.GetJoinedGroups(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list joined groups")
	}
	chats := make([]automation.Chat, 0, len(groups))
	for _, g := range groups {
		chats = append(chats, automation.Chat{
			ID:      g.JID.String(),
			Name:    g.Name,
			IsGroup: true,
		})
	}
	contacts, err := wa.Store.Contacts.GetAllContacts(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list contacts")
	}
	for jid, info := range contacts {
		name := info.FullName
		if name == "" {
			name = info.PushName
		}
		chats = append(chats, automation.Chat{
			ID:   jid.String(),
			Name: name,
		})
	}
	return chats, nil
}

func (c *Client) GetChatByID(ctx context.Context, chatID string) (*automation.Chat, error) {
	wa, err := c.live()
	if err != nil {
		return nil, err
	}
	jid, err := parseChatJID(chatID)
	if err != nil {
		return nil, err
	}
	if jid.Server == types.GroupServer {
		info, err := wa.GetGroupInfo(ctx, jid)
		if err != nil {
			return nil, errors.Wrap(err, "get group info")
		}
		return &automation.Chat{ID: jid.String(), Name: info.Name, IsGroup: true}, nil
	}
	info, err := wa.Store.Contacts.GetContact(ctx, jid)
	if err != nil {
		return nil, errors.Wrap(err, "get contact")
	}
	name := info.FullName
	if name == "" {
		name = info.PushName
	}
	return &automation.Chat{ID: jid.String(), Name: name}, nil
}

func (c *Client) GetContacts(ctx context.Context) ([]automation.Contact, error) {
	wa, err := c.live()
	if err != nil {
		return nil, err
	}
	all, err := wa.Store.Contacts.GetAllContacts(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list contacts")
	}
	contacts := make([]automation.Contact, 0, len(all))
	for jid, info := range all {
		contacts = append(contacts, automation.Contact{
			ID:         jid.String(),
			Name:       info.FullName,
			PushName:   info.PushName,
			IsBusiness: info.BusinessName != "",
		})
	}
	return contacts, nil
}

func (c *Client) CreateGroup(ctx context.Context, name string, participants []string) (*automation.GroupInfo, error) {
	wa, err := c.live()
	if err != nil {
		return nil, err
	}
	jids := make([]types.JID, 0, len(participants))
	for _, p := range participants {
		jid, err := parseChatJID(p)
		if err != nil {
			return nil, err
		}
		if jid.Server == types.GroupServer {
			return nil, errors.Errorf("participant %q is a group, not a user", p)
		}
		jids = append(jids, jid)
	}
	group, err := wa.CreateGroup(ctx, whatsmeow.ReqCreateGroup{
		Name:         name,
		Participants: jids,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create group")
	}
	members := make([]string, 0, len(group.Participants))
	for _, p := range group.Participants {
		members = append(members, p.JID.String())
	}
	return &automation.GroupInfo{
		ID:           group.JID.String(),
		Name:         group.Name,
		Participants: members,
	}, nil
}

func (c *Client) IsRegisteredUser(ctx context.Context, id string) (bool, error) {
	wa, err := c.live()
	if err != nil {
		return false, err
	}
	n := strings.TrimSpace(id)
	n = strings.TrimSuffix(n, "@c.us")
	n = strings.TrimSuffix(n, "@"+types.DefaultUserServer)
	if !strings.HasPrefix(n, "+") {
		n = "+" + n
	}
	infos, err := wa.IsOnWhatsApp(ctx, []string{n})
	if err != nil {
		return false, errors.Wrap(err, "registration lookup")
	}
	if len(infos) == 0 {
		return false, nil
	}
	return infos[0].IsIn, nil
}

func (c *Client) SendSeen(ctx context.Context, chatID string) error {
	wa, err := c.live()
	if err != nil {
		return err
	}
	jid, err := parseChatJID(chatID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	ref, ok := c.lastInbound[jid.String()]
	c.mu.Unlock()
	if !ok || len(ref.ids) == 0 {
		return nil
	}
	if err := wa.MarkRead(ctx, ref.ids, time.Now(), jid, ref.sender); err != nil {
		return errors.Wrap(err, "mark read")
	}
	return nil
}

func (c *Client) DownloadMedia(ctx context.Context, msg automation.Message) (*automation.Media, error) {
	wa, err := c.live()
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	waMsg, ok := c.mediaCache[msg.ID]
	c.mu.Unlock()
	if !ok {
		return nil, errors.Errorf("no downloadable payload cached for message %s", msg.ID)
	}
	data, err := wa.DownloadAny(ctx, waMsg)
	if err != nil {
		return nil, errors.Wrap(err, "download media")
	}
	return &automation.Media{Data: data, MimeType: msg.MimeType}, nil
}

// cacheMedia keeps the raw payload around for a later download, evicting
// the oldest entry past the cap.
func (c *Client) cacheMedia(id string, waMsg *waE2E.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.mediaCache[id]; exists {
		return
	}
	c.mediaCache[id] = waMsg
	c.mediaOrder = append(c.mediaOrder, id)
	for len(c.mediaOrder) > mediaCacheSize {
		oldest := c.mediaOrder[0]
		c.mediaOrder = c.mediaOrder[1:]
		delete(c.mediaCache, oldest)
	}
}

func (c *Client) rememberInbound(chatJID, sender types.JID, id types.MessageID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ref := c.lastInbound[chatJID.String()]
	ref.sender = sender
	ref.ids = append(ref.ids, id)
	if len(ref.ids) > 32 {
		ref.ids = ref.ids[len(ref.ids)-32:]
	}
	c.lastInbound[chatJID.String()] = ref
}
