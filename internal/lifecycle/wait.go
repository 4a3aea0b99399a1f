// internal/lifecycle/wait.go
package lifecycle

import (
	"context"
	"sync"
	"time"
)

type waitOptions struct {
	timeout time.Duration
}

// WaitOption configures a single WaitForTarget call.
type WaitOption func(*waitOptions)

// WithWaitTimeout bounds the wait. A value of 0 disables the timeout
// entirely; the wait then resolves only on a matching event (or ctx
// cancellation).
func WithWaitTimeout(d time.Duration) WaitOption {
	return func(o *waitOptions) {
		o.timeout = d
	}
}

// WaitForTarget resolves the first target satisfying predicate. The current
// registry snapshot is evaluated first, so an already-matching target
// resolves immediately without waiting for an event; otherwise the predicate
// is raced against future created/changed events in delivery order. On every
// terminal transition (match, timeout, cancellation) the event subscription
// is removed, so no listener leaks regardless of outcome.
//
// The timeout defaults to DefaultWaitTimeout; see WithWaitTimeout.
func (b *Browser) WaitForTarget(ctx context.Context, predicate func(*Target) bool, opts ...WaitOption) (*Target, error) {
	o := waitOptions{timeout: b.waitTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	matched := make(chan *Target, 1)
	var once sync.Once

	// Subscribe before snapshotting so no event can slip through the gap
	// between the existing-targets check and the waiting state.
	cancel := b.events.Subscribe(func(ev TargetEvent) {
		if ev.Kind != TargetEventCreated && ev.Kind != TargetEventChanged {
			return
		}
		if predicate(ev.Target) {
			once.Do(func() { matched <- ev.Target })
		}
	})
	defer cancel()

	for _, t := range b.Targets() {
		if predicate(t) {
			return t, nil
		}
	}

	var timeoutCh <-chan time.Time
	if o.timeout > 0 {
		timer := time.NewTimer(o.timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case t := <-matched:
		return t, nil
	case <-timeoutCh:
		return nil, &TimeoutError{Op: "target", Bound: o.timeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
