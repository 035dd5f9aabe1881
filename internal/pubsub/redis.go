package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix  = "cowrite:doc:"
	channelPattern = channelPrefix + "*"
)

// ChannelFor returns the Redis channel of a document.
func ChannelFor(documentID string) string {
	return channelPrefix + documentID
}

// RedisBus publishes to one channel per document and receives every document
// through a single pattern subscription per instance.
type RedisBus struct {
	rdb    redis.UniversalClient
	logger *zap.Logger
	ready  chan struct{}
}

// NewRedisBus constructs a RedisBus.
func NewRedisBus(rdb redis.UniversalClient, logger *zap.Logger) (*RedisBus, error) {
	if rdb == nil {
		return nil, fmt.Errorf("pubsub: redis client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBus{rdb: rdb, logger: logger, ready: make(chan struct{})}, nil
}

// Publish sends event on its document channel.
func (b *RedisBus) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("pubsub: encode event: %w", err)
	}
	if err := b.rdb.Publish(ctx, ChannelFor(event.DocumentID.String()), payload).Err(); err != nil {
		return fmt.Errorf("pubsub: publish %s: %w", event.Type, err)
	}
	return nil
}

// Ready is closed once Run holds an active subscription.
func (b *RedisBus) Ready() <-chan struct{} {
	return b.ready
}

// Run subscribes to every document channel and delivers decoded events. It
// must be called once per bus.
func (b *RedisBus) Run(ctx context.Context, deliver func(Event)) error {
	subscription := b.rdb.PSubscribe(ctx, channelPattern)
	defer func() {
		if err := subscription.Close(); err != nil {
			b.logger.Debug("closing redis subscription", zap.Error(err))
		}
	}()
	if _, err := subscription.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("pubsub: subscribe %s: %w", channelPattern, err)
	}
	close(b.ready)

	messages := subscription.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-messages:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(message.Payload), &event); err != nil {
				b.logger.Warn("dropping undecodable event", zap.String("channel", message.Channel), zap.Error(err))
				continue
			}
			if event.DocumentID.String() != strings.TrimPrefix(message.Channel, channelPrefix) {
				b.logger.Warn("dropping event on mismatched channel", zap.String("channel", message.Channel))
				continue
			}
			deliver(event)
		}
	}
}
