package events

import (
	"sync"

	"github.com/rs/zerolog"

	"looper/pkg/logx"
)

const subscriberBuffer = 64

// Bus fans lifecycle events out to subscribers. Each subscriber owns a
// buffered channel; a full channel drops the event rather than blocking the
// emitter.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	closed      bool
	logger      zerolog.Logger
}

// NewBus creates a Bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[int]chan Event),
		logger:      logx.Component("events"),
	}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function. The unsubscribe function is idempotent.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subscribers[id] = ch

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if existing, ok := b.subscribers[id]; ok {
				delete(b.subscribers, id)
				close(existing)
			}
		})
	}
	return ch, unsubscribe
}

// Emit delivers an event to every subscriber without blocking.
func (b *Bus) Emit(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.logger.Debug().
		Str("kind", string(event.Kind)).
		Str("loop_id", event.LoopID).
		Msg("emit")

	for id, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			b.logger.Warn().
				Int("subscriber", id).
				Str("kind", string(event.Kind)).
				Msg("subscriber channel full, dropping event")
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
}
