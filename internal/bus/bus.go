// Package bus implements a bounded, drop-oldest in-process broadcast event
// bus used to fan invalidation events out to cache tiers, generalized from
// O-tero-Distributed-Caching-System's Encore pubsub topic/subscription
// pattern (cache-manager/subscriptions.go) into a plain Go type, since no
// Encore runtime is available outside that repo's own framework.
package bus

import (
	"sync"

	"github.com/google/uuid"
)

// InvalidationEvent describes an upstream mutation that should orphan
// matching cache entries, mirroring the Pattern/TriggeredBy shape of
// O-tero's own InvalidationEvent (invalidation/service.go).
type InvalidationEvent struct {
	ID          string
	Bucket      string
	Key         string // empty means "whole bucket"
	VersionID   string // empty means "all versions of Key"
	TriggeredBy string
}

// NewInvalidationEvent stamps a fresh correlation ID onto an event.
func NewInvalidationEvent(bucket, key, versionID, triggeredBy string) InvalidationEvent {
	return InvalidationEvent{ID: uuid.NewString(), Bucket: bucket, Key: key, VersionID: versionID, TriggeredBy: triggeredBy}
}

// Subscription is a handle returned by Bus.Subscribe. Unsubscribe removes
// the subscriber; it is safe to call more than once.
type Subscription struct {
	id  string
	bus *Bus
}

// Unsubscribe detaches this subscription from the bus.
func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s.id)
}

// Bus is a bounded, drop-oldest broadcast channel for InvalidationEvents.
// Each subscriber has its own bounded channel; a slow subscriber drops its
// own oldest buffered event rather than blocking the publisher or other
// subscribers, per spec.md §9's note on bounded fan-out.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]chan InvalidationEvent
	buffer int
}

// New constructs a Bus whose per-subscriber channel holds up to buffer
// events before dropping the oldest.
func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{subs: make(map[string]chan InvalidationEvent), buffer: buffer}
}

// Subscribe registers a new subscriber and returns its event channel and a
// handle to unsubscribe. The channel is closed when Unsubscribe is called.
func (b *Bus) Subscribe() (<-chan InvalidationEvent, *Subscription) {
	id := uuid.NewString()
	ch := make(chan InvalidationEvent, b.buffer)
	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()
	return ch, &Subscription{id: id, bus: b}
}

func (b *Bus) unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish broadcasts ev to every current subscriber. A subscriber whose
// channel is full has its oldest buffered event dropped to make room,
// rather than blocking the publisher.
func (b *Bus) Publish(ev InvalidationEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// Close unsubscribes and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
