package engine

import (
	"context"
	"sync"

	"github.com/periplon/engine/observability"
	"github.com/periplon/engine/orchestrate/hub"
)

// Bus fans a run's lifecycle events out to any number of subscribers — a
// CLI progress printer, a WebSocket handler, a test recorder — without
// those consumers coupling to the Scheduler or Debugger directly. It
// implements observability.Observer so it can sit wherever an Observer is
// expected (scheduler.Config.Observer, debugger.New), and is itself
// typically wrapped in an observability.MultiObserver alongside a
// SlogObserver.
//
// Adapted from orchestrate/hub: where the hub fans messaging.Message to
// registered agents addressed by id, Bus fans observability.Event to
// anonymous Subscriptions, since a workflow run has no multi-agent
// addressing to preserve. It reuses hub.MessageChannel[T] directly for the
// per-subscriber buffer.
type Bus struct {
	mu   sync.Mutex
	subs map[int]*hub.MessageChannel[observability.Event]
	next int
	ctx  context.Context
}

// NewBus returns a Bus whose subscriptions' Receive calls return ctx's
// error once ctx is done. A Subscription stays registered until Close.
func NewBus(ctx context.Context) *Bus {
	return &Bus{
		subs: make(map[int]*hub.MessageChannel[observability.Event]),
		ctx:  ctx,
	}
}

// Subscription is a live feed of events from a Bus.
type Subscription struct {
	id      int
	bus     *Bus
	channel *hub.MessageChannel[observability.Event]
}

// Subscribe registers a new subscription with the given channel buffer
// size. Call Close when done listening.
func (b *Bus) Subscribe(bufferSize int) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := hub.NewMessageChannel[observability.Event](b.ctx, bufferSize)
	id := b.next
	b.next++
	b.subs[id] = ch
	return &Subscription{id: id, bus: b, channel: ch}
}

// Receive blocks for the next event, ctx cancellation, or the Bus's own
// context being done.
func (s *Subscription) Receive(ctx context.Context) (observability.Event, error) {
	return s.channel.Receive(ctx)
}

// Close unregisters the subscription and releases its buffer.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	s.channel.Close()
}

// OnEvent implements observability.Observer, delivering event to every live
// subscription without blocking: a subscriber whose buffer is full drops
// the event rather than stalling the run that produced it.
func (b *Bus) OnEvent(_ context.Context, event observability.Event) {
	b.mu.Lock()
	channels := make([]*hub.MessageChannel[observability.Event], 0, len(b.subs))
	for _, ch := range b.subs {
		channels = append(channels, ch)
	}
	b.mu.Unlock()

	for _, ch := range channels {
		ch.TrySend(event)
	}
}
