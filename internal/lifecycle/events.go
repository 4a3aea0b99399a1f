// internal/lifecycle/events.go
package lifecycle

import "sync"

// TargetEventKind classifies the lifecycle transitions observable on a
// Browser or BrowserContext event bus.
type TargetEventKind uint8

const (
	// TargetEventCreated fires after a target has been inserted into the
	// registry and bound to its owning context.
	TargetEventCreated TargetEventKind = iota + 1
	// TargetEventChanged fires when an existing target's observable
	// properties (URL, etc.) change without an identity change. It is
	// triggered by higher layers, not by a raw protocol notification.
	TargetEventChanged
	// TargetEventDestroyed fires after a target has been removed from the
	// registry and its closed hook has run.
	TargetEventDestroyed
)

func (k TargetEventKind) String() string {
	switch k {
	case TargetEventCreated:
		return "created"
	case TargetEventChanged:
		return "changed"
	case TargetEventDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// TargetEvent is the payload dispatched on a TargetBus.
type TargetEvent struct {
	Kind   TargetEventKind
	Target *Target
}

// TargetBus is a typed publish/subscribe bus with deterministic,
// registration-order dispatch. Each Browser and each BrowserContext owns one;
// there are no ambient process-wide emitters.
type TargetBus struct {
	mu     sync.Mutex
	nextID uint64
	subs   []busSubscriber
}

type busSubscriber struct {
	id uint64
	fn func(TargetEvent)
}

func newTargetBus() *TargetBus {
	return &TargetBus{}
}

// Subscribe registers fn for every event emitted on the bus and returns the
// cancel func that removes it. Cancel is idempotent.
func (b *TargetBus) Subscribe(fn func(TargetEvent)) (cancel func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs = append(b.subs, busSubscriber{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i := range b.subs {
			if b.subs[i].id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// emit dispatches ev to the subscribers registered at the time of the call,
// in registration order. Dispatch happens outside the bus lock so handlers
// may subscribe or unsubscribe reentrantly.
func (b *TargetBus) emit(ev TargetEvent) {
	b.mu.Lock()
	snapshot := make([]busSubscriber, len(b.subs))
	copy(snapshot, b.subs)
	b.mu.Unlock()

	for _, sub := range snapshot {
		sub.fn(ev)
	}
}

// size reports the current subscriber count. Used by tests to verify that
// terminated waits leave no listeners behind.
func (b *TargetBus) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
