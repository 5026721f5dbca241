package acquisition

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/obdlog/internal/logger"
)

type subscriber struct {
	fn    func(Event)
	types map[EventType]bool // nil means all
}

// EventBus delivers events synchronously to subscribers in the emitting
// goroutine. Each pipeline owns its own bus.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[int]subscriber
	order  []int
	nextID int
	log    zerolog.Logger
}

func NewEventBus() *EventBus {
	return &EventBus{
		subs: make(map[int]subscriber),
		log:  logger.For("events"),
	}
}

// Subscribe registers fn for every event and returns an id for Unsubscribe.
// Handlers run on the acquisition worker: they must not block, and must
// call Pipeline.RequestStop rather than Pipeline.Stop, which would wait on
// the worker itself.
func (b *EventBus) Subscribe(fn func(Event)) int {
	return b.add(subscriber{fn: fn})
}

// SubscribeTypes registers fn for the listed event types only. The same
// rules as Subscribe apply to fn.
func (b *EventBus) SubscribeTypes(fn func(Event), types ...EventType) int {
	set := make(map[EventType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return b.add(subscriber{fn: fn, types: set})
}

func (b *EventBus) add(s subscriber) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[b.nextID] = s
	b.order = append(b.order, b.nextID)
	return b.nextID
}

// Unsubscribe removes a subscriber. Unknown ids are ignored.
func (b *EventBus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[id]; !ok {
		return
	}
	delete(b.subs, id)
	for i, v := range b.order {
		if v == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Emit calls every matching subscriber in subscription order. A panicking
// subscriber is logged and skipped.
func (b *EventBus) Emit(e Event) {
	b.mu.RLock()
	targets := make([]func(Event), 0, len(b.order))
	for _, id := range b.order {
		s := b.subs[id]
		if s.types != nil && !s.types[e.Type] {
			continue
		}
		targets = append(targets, s.fn)
	}
	b.mu.RUnlock()

	for _, fn := range targets {
		b.deliver(fn, e)
	}
}

func (b *EventBus) deliver(fn func(Event), e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Str("event", e.Type.String()).Msg("subscriber panicked")
		}
	}()
	fn(e)
}
