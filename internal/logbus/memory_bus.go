package logbus

import (
	"sync"

	"github.com/gogotex/gogotex/backend/go-services/pkg/logger"
	"github.com/gogotex/gogotex/backend/go-services/pkg/metrics"
)

// subscriberBufferSize bounds how far a slow subscriber can lag before
// publishes to it are dropped; publishers never block on delivery.
const subscriberBufferSize = 64

// MemoryBus is a process-local fan-out Bus, used when no Redis client
// is configured (mirrors the memory/Redis pairing already used by
// pkg/middleware's rate limiter).
type MemoryBus struct {
	mu          sync.Mutex
	channels    map[string]*memoryChannel
	DropCounter func(compilationID string)
}

type memoryChannel struct {
	mu          sync.Mutex
	subscribers map[int]chan Event
	nextID      int
	done        bool
}

// NewMemoryBus returns an empty MemoryBus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{channels: make(map[string]*memoryChannel)}
}

func (b *MemoryBus) channelFor(compilationID string) *memoryChannel {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[compilationID]
	if !ok {
		ch = &memoryChannel{subscribers: make(map[int]chan Event)}
		b.channels[compilationID] = ch
	}
	return ch
}

// Publish delivers event to current subscribers on a best-effort,
// non-blocking basis. It never returns an error: failures to publish
// must not abort the compilation driving them.
func (b *MemoryBus) Publish(compilationID string, event Event) {
	ch := b.channelFor(compilationID)
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.done {
		return
	}
	for id, sub := range ch.subscribers {
		select {
		case sub <- event:
		default:
			logger.Warnf("logbus: dropped event for %s (subscriber %d slow)", compilationID, id)
			metrics.LogBusDroppedTotal.Inc()
			if b.DropCounter != nil {
				b.DropCounter(compilationID)
			}
			if event.Kind == KindDone {
				// Discard the oldest buffered event so the terminal
				// event still reaches the subscriber.
				select {
				case <-sub:
				default:
				}
				select {
				case sub <- event:
				default:
				}
			}
		}
	}
	if event.Kind == KindDone {
		// The finished channel stays registered so a later Subscribe
		// sees done and gets a closed channel.
		ch.done = true
		for _, sub := range ch.subscribers {
			close(sub)
		}
		ch.subscribers = map[int]chan Event{}
	}
}

// Subscribe registers a new subscriber for compilationID. The returned
// channel delivers only events published after this call; a channel
// already past its done event yields a closed, empty events channel.
func (b *MemoryBus) Subscribe(compilationID string) (<-chan Event, func()) {
	ch := b.channelFor(compilationID)
	ch.mu.Lock()
	defer ch.mu.Unlock()

	sub := make(chan Event, subscriberBufferSize)
	if ch.done {
		close(sub)
		return sub, func() {}
	}
	id := ch.nextID
	ch.nextID++
	ch.subscribers[id] = sub

	unsubscribe := func() {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		if s, ok := ch.subscribers[id]; ok {
			delete(ch.subscribers, id)
			close(s)
		}
	}
	return sub, unsubscribe
}
