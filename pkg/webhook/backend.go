package webhook

import (
	"context"
	"strings"

	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// BackendConfig selects the dispatch transport. The in-memory gochannel
// transport is the fire-and-forget default; Redis Streams makes the handoff
// durable and consumer-group backed (the HTTP POST itself is still never
// retried).
type BackendConfig struct {
	RedisEnabled  bool
	RedisAddr     string
	RedisGroup    string
	RedisConsumer string
}

// Backend owns the publisher, subscriber and message router for webhook
// dispatch.
type Backend struct {
	pub    message.Publisher
	sub    message.Subscriber
	router *message.Router
}

func NewBackend(cfg BackendConfig) (*Backend, error) {
	logger := NewWatermillLogger(log.With().Str("component", "webhook-backend").Logger())

	router, err := message.NewRouter(message.RouterConfig{}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "new message router")
	}

	if !cfg.RedisEnabled {
		ps := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, logger)
		return &Backend{pub: ps, sub: ps, router: router}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "new redis publisher")
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: cfg.RedisGroup,
		Consumer:      cfg.RedisConsumer,
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "new redis subscriber")
	}
	if err := ensureGroupAtTail(context.Background(), client, Topic, cfg.RedisGroup); err != nil {
		return nil, err
	}
	return &Backend{pub: pub, sub: sub, router: router}, nil
}

func (b *Backend) Publisher() message.Publisher   { return b.pub }
func (b *Backend) Subscriber() message.Subscriber { return b.sub }
func (b *Backend) MessageRouter() *message.Router { return b.router }

// Run drives the message router until ctx is cancelled.
func (b *Backend) Run(ctx context.Context) error {
	return b.router.Run(ctx)
}

func (b *Backend) Close() error {
	if b == nil || b.router == nil {
		return nil
	}
	return b.router.Close()
}

// ensureGroupAtTail creates the consumer group at $ so a fresh consumer does
// not replay the full stream history.
func ensureGroupAtTail(ctx context.Context, client *redis.Client, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrap(err, "create redis consumer group")
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}
