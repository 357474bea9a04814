package gateway

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/marionette/pkg/automation"
	"github.com/go-go-golems/marionette/pkg/webhook"
)

// Fanout subscribes to engine events and hands them to the webhook
// dispatcher. Disabled event types are never subscribed at all, so they
// incur no listener and no overhead. Fanout is the only subscriber to any
// engine's events.
type Fanout struct {
	cfg        *Config
	dispatcher *webhook.Dispatcher
	logger     zerolog.Logger
}

func NewFanout(cfg *Config, dispatcher *webhook.Dispatcher) *Fanout {
	return &Fanout{
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     log.With().Str("component", "event-fanout").Logger(),
	}
}

// Attach registers listeners for every enabled event type on the session's
// engine. Must run before the engine is initialized.
func (f *Fanout) Attach(sess *Session) {
	for _, t := range automation.Catalogue() {
		switch t {
		case automation.EventMessage, automation.EventMessageCreate, automation.EventMessageAck:
			// handled below with media and mark-as-seen side effects
			continue
		}
		if !f.cfg.EventEnabled(t) {
			continue
		}
		t := t
		sess.Client.On(t, func(ev automation.Event) {
			f.dispatcher.Dispatch(sess.ID, sess.WebhookURL, string(t), ev.Data)
		})
	}
	f.attachMessageHandlers(sess)
}

func (f *Fanout) attachMessageHandlers(sess *Session) {
	if f.cfg.EventEnabled(automation.EventMessage) {
		sess.Client.On(automation.EventMessage, func(ev automation.Event) {
			f.dispatcher.Dispatch(sess.ID, sess.WebhookURL, string(automation.EventMessage), ev.Data)
			if msg, ok := ev.Data["message"].(automation.Message); ok {
				f.handleInboundMedia(sess, msg)
				f.markSeen(sess, msg)
			}
		})
	}
	for _, t := range []automation.EventType{automation.EventMessageCreate, automation.EventMessageAck} {
		if !f.cfg.EventEnabled(t) {
			continue
		}
		t := t
		sess.Client.On(t, func(ev automation.Event) {
			f.dispatcher.Dispatch(sess.ID, sess.WebhookURL, string(t), ev.Data)
			if msg, ok := ev.Data["message"].(automation.Message); ok {
				f.markSeen(sess, msg)
			} else if chatID, ok := ev.Data["chatId"].(string); ok {
				// receipt-shaped acks carry only the chat id
				f.markSeen(sess, automation.Message{ChatID: chatID})
			}
		})
	}
}

// handleInboundMedia emits a second, separate webhook event carrying the
// decoded attachment. Downloads run detached from the event goroutine.
// Oversized attachments are reported with a null payload rather than
// silently dropped.
func (f *Fanout) handleInboundMedia(sess *Session, msg automation.Message) {
	if !msg.HasMedia || !f.cfg.EventEnabled(automation.EventMedia) {
		return
	}
	if f.cfg.MaxAttachmentSize > 0 && msg.MediaSize > f.cfg.MaxAttachmentSize {
		f.dispatcher.Dispatch(sess.ID, sess.WebhookURL, string(automation.EventMedia), map[string]any{
			"messageMedia": nil,
			"message":      msg,
		})
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		media, err := sess.Client.DownloadMedia(ctx, msg)
		if err != nil {
			f.logger.Warn().Err(err).
				Str("session_id", sess.ID).
				Str("message_id", msg.ID).
				Msg("media download failed")
			return
		}
		f.dispatcher.Dispatch(sess.ID, sess.WebhookURL, string(automation.EventMedia), map[string]any{
			"messageMedia": media,
			"message":      msg,
		})
	}()
}

// markSeen fires a detached mark-chat-as-read call when the policy is on.
func (f *Fanout) markSeen(sess *Session, msg automation.Message) {
	if !f.cfg.SetMessagesAsSeen || msg.ChatID == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sess.Client.SendSeen(ctx, msg.ChatID); err != nil {
			f.logger.Debug().Err(err).
				Str("session_id", sess.ID).
				Str("chat_id", msg.ChatID).
				Msg("send seen failed")
		}
	}()
}
