package events

import (
	"sync"

	"github.com/rs/zerolog"
)

// Handler consumes an event envelope. Handlers run synchronously on the
// emitting goroutine; long work must be handed off to a queue.
type Handler func(e *Envelope)

// Bus is the in-process pub/sub bus. It drives side effects inside the
// process (matching triggers, capability recomputation); durable delivery is
// the outbox's job.
type Bus struct {
	handlers map[EventType][]Handler
	mu       sync.RWMutex
	log      zerolog.Logger
}

// NewBus creates a new event bus
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
		log:      log.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe registers a handler for an event type.
func (b *Bus) Subscribe(eventType EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

// Emit delivers an envelope to all subscribers of its type and logs it.
// A panicking handler is recovered and logged; remaining handlers still run.
func (b *Bus) Emit(e *Envelope) {
	b.mu.RLock()
	handlers := b.handlers[e.Type]
	b.mu.RUnlock()

	b.log.Info().
		Str("event_type", string(e.Type)).
		Str("aggregate_id", e.AggregateID).
		Str("event_id", e.EventID).
		Int("schema_version", e.SchemaVersion).
		Msg("Event emitted")

	for _, h := range handlers {
		b.dispatch(h, e)
	}
}

func (b *Bus) dispatch(h Handler, e *Envelope) {
	defer func() {
		if p := recover(); p != nil {
			b.log.Error().
				Interface("panic", p).
				Str("event_type", string(e.Type)).
				Str("event_id", e.EventID).
				Msg("Event handler panicked")
		}
	}()
	h(e)
}
