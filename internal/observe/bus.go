package observe

import (
	"sync"

	"go.uber.org/zap"
)

const defaultSubscriberBuffer = 64

// Bus fans events out to sinks and subscribers. Sinks run inline;
// subscribers get a buffered channel and lose events they are too slow for.
type Bus struct {
	logger *zap.Logger

	mu     sync.RWMutex
	sinks  []Sink
	subs   map[int]chan Event
	nextID int
}

// NewBus creates an event bus with the given sinks
func NewBus(logger *zap.Logger, sinks ...Sink) *Bus {
	return &Bus{
		logger: logger,
		sinks:  sinks,
		subs:   make(map[int]chan Event),
	}
}

// AddSink registers another sink
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Emit publishes an event
func (b *Bus) Emit(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.sinks {
		s.Handle(e)
	}
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.logger.Warn("Subscriber channel full, dropping event",
				zap.Int("subscriber", id),
				zap.String("kind", string(e.Kind)))
		}
	}
}

// Subscribe returns a channel of future events and a function that
// unsubscribes and closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}
