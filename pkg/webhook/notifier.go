// Package webhook delivers gateway events to configured webhook URLs.
//
// Dispatch and delivery are decoupled: events are published to a watermill
// topic (in-memory by default, Redis Streams optionally) and a single
// consumer posts them. Dispatch order follows emission order per session;
// delivery is fire-and-forget with no retry.
package webhook

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Payload is the outbound POST body shape.
type Payload struct {
	DataType  string `json:"dataType"`
	Data      any    `json:"data"`
	SessionID string `json:"sessionId"`
}

// Notifier posts JSON payloads to webhook URLs. Failures are logged and
// never retried.
type Notifier struct {
	client *resty.Client
	apiKey string
	logger zerolog.Logger
}

func NewNotifier(apiKey string) *Notifier {
	client := resty.New()
	client.SetTimeout(15 * time.Second)
	client.SetRedirectPolicy(resty.FlexibleRedirectPolicy(5))
	return &Notifier{
		client: client,
		apiKey: apiKey,
		logger: log.With().Str("component", "webhook-notifier").Logger(),
	}
}

// Post delivers one payload. The x-api-key header carries the shared secret
// so receivers can authenticate the gateway.
func (n *Notifier) Post(ctx context.Context, url string, p Payload) error {
	if url == "" {
		return errors.New("webhook: empty url")
	}
	req := n.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(p)
	if n.apiKey != "" {
		req.SetHeader("x-api-key", n.apiKey)
	}
	resp, err := req.Post(url)
	if err != nil {
		n.logger.Warn().Err(err).
			Str("url", url).
			Str("data_type", p.DataType).
			Str("session_id", p.SessionID).
			Msg("webhook delivery failed")
		return errors.Wrap(err, "post webhook")
	}
	if resp.IsError() {
		n.logger.Warn().
			Int("status", resp.StatusCode()).
			Str("url", url).
			Str("data_type", p.DataType).
			Str("session_id", p.SessionID).
			Msg("webhook endpoint returned error status")
		return errors.Errorf("webhook endpoint returned %d", resp.StatusCode())
	}
	return nil
}
