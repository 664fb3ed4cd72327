// Package bus is the per-world event bus. Every published event is
// persisted with an atomically assigned sequence number before any
// subscriber sees it; fan-out is synchronous in registration order, so a
// subscriber's view is always a prefix-consistent slice of the world's
// event log. Subscribing replays persisted events past a cursor before
// attaching to the live stream, through the same ordered delivery path.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/agentworld/agentworld/internal/store"
	"github.com/agentworld/agentworld/internal/world"
)

// Handler receives one event. Handlers run on the publisher's goroutine;
// they must not block and must not mutate the event.
type Handler func(evt world.Event)

// SubscribeOptions filter and position a new subscription.
type SubscribeOptions struct {
	SinceSeq int64  // replay events with seq > SinceSeq
	ChatID   string // when set, only this chat's events (plus world-scoped ones)
}

// Subscription is a live attachment to the bus. Handle ids are one-shot:
// an unsubscribed id never becomes valid again.
type Subscription struct {
	ID     string
	ChatID string
	fn     Handler
}

// Bus is one world's event bus.
type Bus struct {
	worldID string
	events  store.EventStore

	// mu serializes publish and subscribe so sequence assignment,
	// replay, and live attachment cannot interleave: a subscriber either
	// sees an event during replay or live, never both, never neither.
	mu   sync.Mutex
	subs []*Subscription

	closed bool
}

// New creates the bus for a world.
func New(worldID string, events store.EventStore) *Bus {
	return &Bus{worldID: worldID, events: events}
}

// WorldID returns the owning world's id.
func (b *Bus) WorldID() string { return b.worldID }

// Publish persists the event, assigns its seq, then notifies subscribers
// in registration order. A failing subscriber does not affect the others.
// On persistence failure nothing is delivered.
func (b *Bus) Publish(ctx context.Context, channel, chatID string, payload interface{}) (*world.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("bus for world %s is closed", b.worldID)
	}

	evt := &world.Event{
		WorldID: b.worldID,
		ChatID:  chatID,
		Channel: channel,
		Payload: payload,
	}
	if _, err := b.events.Append(ctx, evt); err != nil {
		return nil, fmt.Errorf("persist event: %w", err)
	}

	for _, sub := range b.subs {
		b.deliver(sub, *evt)
	}
	return evt, nil
}

// Subscribe replays all persisted events with seq > opts.SinceSeq
// (filtered by opts.ChatID when set) through fn, then attaches fn to the
// live stream. Replay and live delivery share the publish lock, so the
// subscriber observes one gap-free ordered stream.
func (b *Bus) Subscribe(ctx context.Context, opts SubscribeOptions, fn Handler) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("bus for world %s is closed", b.worldID)
	}

	sub := &Subscription{
		ID:     uuid.NewString(),
		ChatID: opts.ChatID,
		fn:     fn,
	}

	replay, err := b.events.ReadSince(ctx, b.worldID, opts.SinceSeq, opts.ChatID, "")
	if err != nil {
		return nil, fmt.Errorf("replay events: %w", err)
	}
	for _, evt := range replay {
		b.deliver(sub, evt)
	}

	b.subs = append(b.subs, sub)
	return sub, nil
}

// Unsubscribe detaches a handle. Unknown or already-detached ids are a
// no-op.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.ID == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Snapshot returns the ids of currently attached subscriptions. A
// reconnect reset detaches exactly this set, so listeners attached after
// the snapshot survive.
func (b *Bus) Snapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, len(b.subs))
	for i, sub := range b.subs {
		ids[i] = sub.ID
	}
	return ids
}

// SubscriberCount reports attached subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close detaches all subscribers and rejects further publishes. Called
// on world unload.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = nil
}

// deliver invokes one handler, applying the subscription's chat filter.
// World-scoped events (no chat id) always pass. Panics are contained so
// one broken subscriber cannot break the fan-out.
func (b *Bus) deliver(sub *Subscription, evt world.Event) {
	if sub.ChatID != "" && evt.ChatID != "" && evt.ChatID != sub.ChatID {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("bus subscriber panicked", "world", b.worldID, "subscription", sub.ID, "panic", r)
		}
	}()
	sub.fn(evt)
}
