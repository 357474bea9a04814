package webhook

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Topic is the watermill topic carrying outbound webhook envelopes.
const Topic = "gateway.webhooks"

// envelope is the wire shape on the dispatch topic. It carries the resolved
// webhook URL so the consumer needs no registry state.
type envelope struct {
	SessionID  string          `json:"sessionId"`
	DataType   string          `json:"dataType"`
	WebhookURL string          `json:"webhookUrl"`
	Data       json.RawMessage `json:"data"`
}

// Dispatcher publishes webhook envelopes onto the dispatch topic. Publish
// failures are logged and dropped; a failed dispatch for one event never
// blocks subsequent events.
type Dispatcher struct {
	pub    message.Publisher
	logger zerolog.Logger
}

func NewDispatcher(pub message.Publisher) *Dispatcher {
	return &Dispatcher{
		pub:    pub,
		logger: log.With().Str("component", "webhook-dispatcher").Logger(),
	}
}

// Dispatch queues one event for delivery. Safe to call from engine event
// goroutines; it never blocks on the HTTP delivery.
func (d *Dispatcher) Dispatch(sessionID, webhookURL, dataType string, data any) {
	if webhookURL == "" {
		d.logger.Debug().
			Str("session_id", sessionID).
			Str("data_type", dataType).
			Msg("no webhook url configured, dropping event")
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		d.logger.Error().Err(err).
			Str("session_id", sessionID).
			Str("data_type", dataType).
			Msg("failed to encode webhook data")
		return
	}
	b, err := json.Marshal(envelope{
		SessionID:  sessionID,
		DataType:   dataType,
		WebhookURL: webhookURL,
		Data:       raw,
	})
	if err != nil {
		d.logger.Error().Err(err).Str("session_id", sessionID).Msg("failed to encode webhook envelope")
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), b)
	if err := d.pub.Publish(Topic, msg); err != nil {
		d.logger.Error().Err(err).
			Str("session_id", sessionID).
			Str("data_type", dataType).
			Msg("failed to publish webhook envelope")
	}
}

// AddNotifierHandler wires the dispatch topic into the notifier. Each
// envelope is delivered on a detached goroutine and always acked: delivery
// order across sessions is unconstrained and failures are not retried here.
func AddNotifierHandler(router *message.Router, sub message.Subscriber, n *Notifier) error {
	if router == nil || sub == nil || n == nil {
		return errors.New("webhook: router, subscriber and notifier are required")
	}
	router.AddNoPublisherHandler("webhook-notifier", Topic, sub, func(msg *message.Message) error {
		var e envelope
		if err := json.Unmarshal(msg.Payload, &e); err != nil {
			log.Warn().Err(err).Str("msg_id", msg.UUID).Msg("dropping malformed webhook envelope")
			return nil
		}
		go func() {
			_ = n.Post(context.Background(), e.WebhookURL, Payload{
				DataType:  e.DataType,
				Data:      e.Data,
				SessionID: e.SessionID,
			})
		}()
		return nil
	})
	return nil
}
