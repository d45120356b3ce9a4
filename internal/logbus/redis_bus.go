package logbus

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/gogotex/gogotex/backend/go-services/pkg/logger"
	"github.com/gogotex/gogotex/backend/go-services/pkg/metrics"
)

// RedisBus is a Bus backed by Redis Pub/Sub, letting subscribers live in
// a different process than the orchestrator (e.g. an HTTP server
// streaming to browser clients while the compile worker runs
// separately). Channel naming: "compile:log:<compilationID>".
type RedisBus struct {
	client *redis.Client
	prefix string
}

// NewRedisBus wraps an existing Redis client. prefix may be empty.
func NewRedisBus(client *redis.Client, prefix string) *RedisBus {
	if prefix == "" {
		prefix = "compile:log:"
	}
	return &RedisBus{client: client, prefix: prefix}
}

func (b *RedisBus) channelName(compilationID string) string {
	return b.prefix + compilationID
}

// Publish is fire-and-forget: a Redis publish error is logged and
// swallowed, never propagated to the caller, per the Log Bus contract.
func (b *RedisBus) Publish(compilationID string, event Event) {
	data, err := event.Marshal()
	if err != nil {
		logger.Errorf("logbus: marshal event for %s: %v", compilationID, err)
		return
	}
	if err := b.client.Publish(context.Background(), b.channelName(compilationID), data).Err(); err != nil {
		logger.Warnf("logbus: publish to %s failed: %v", compilationID, err)
	}
}

// Subscribe opens a Redis subscription and decodes incoming messages
// into Events on a buffered channel. The subscription (and returned
// channel) closes once a done event is forwarded or unsubscribe is
// called.
func (b *RedisBus) Subscribe(compilationID string) (<-chan Event, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	ps := b.client.Subscribe(ctx, b.channelName(compilationID))

	out := make(chan Event, subscriberBufferSize)
	go func() {
		defer close(out)
		defer ps.Close()
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				event, err := Unmarshal([]byte(msg.Payload))
				if err != nil {
					logger.Warnf("logbus: discard malformed event on %s: %v", compilationID, err)
					continue
				}
				select {
				case out <- event:
				default:
					logger.Warnf("logbus: dropped event for %s (subscriber slow)", compilationID)
					metrics.LogBusDroppedTotal.Inc()
				}
				if event.Kind == KindDone {
					return
				}
			}
		}
	}()

	return out, cancel
}
