// internal/lifecycle/target.go
package lifecycle

import (
	"context"
	"sync"
)

// Target represents one remote browsing context (a page or an auxiliary
// target) inside the controlled browser process. Targets are created and
// destroyed exclusively by the Browser's lifecycle handlers; callers obtain
// them through the Browser/BrowserContext accessors and keep a stable handle
// for as long as the remote target exists.
type Target struct {
	id      string
	typ     string
	browser *Browser
	context *BrowserContext

	mu       sync.Mutex
	url      string
	page     *pageCell
	onClosed func()

	closeOnce sync.Once
	closed    chan struct{}
}

func newTarget(b *Browser, owner *BrowserContext, info TargetInfo) *Target {
	return &Target{
		id:      info.TargetID,
		typ:     info.Type,
		url:     info.URL,
		browser: b,
		context: owner,
		closed:  make(chan struct{}),
	}
}

// ID returns the stable identifier assigned by the browser process.
func (t *Target) ID() string { return t.id }

// Type returns the target classification ("page" or an auxiliary kind).
func (t *Target) Type() string { return t.typ }

// Browser returns the owning registry.
func (t *Target) Browser() *Browser { return t.browser }

// BrowserContext returns the isolation scope this target belongs to.
func (t *Target) BrowserContext() *BrowserContext { return t.context }

// URL returns the last URL reported for this target.
func (t *Target) URL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.url
}

func (t *Target) setURL(url string) {
	t.mu.Lock()
	t.url = url
	t.mu.Unlock()
}

// IsPage reports whether this target can materialize a Page handle.
func (t *Target) IsPage() bool { return t.typ == TargetTypePage }

// Closed returns a channel that is closed when the underlying remote target
// has been torn down.
func (t *Target) Closed() <-chan struct{} { return t.closed }

// OnClosed registers the hook invoked when the remote target is destroyed.
// The page layer uses it to settle any waiters tied to this target's page.
// The hook runs at most once, regardless of how often teardown is signalled.
func (t *Target) OnClosed(fn func()) {
	t.mu.Lock()
	t.onClosed = fn
	t.mu.Unlock()
}

// Page lazily materializes the automation handle for this target. The first
// caller triggers creation through the browser's PageFactory; every caller,
// concurrent or later, observes the exact same outcome. A target therefore
// never produces two distinct Page objects over its lifetime, even when the
// first access races.
func (t *Target) Page(ctx context.Context) (Page, error) {
	if !t.IsPage() {
		return nil, ErrNotAPage
	}

	t.mu.Lock()
	cell := t.page
	if cell == nil {
		cell = newPageCell()
		t.page = cell
		t.mu.Unlock()

		// First caller computes; the settled cell serves everyone else.
		page, err := t.browser.factory.CreatePage(ctx, t)
		cell.settle(page, err)
		return page, err
	}
	t.mu.Unlock()

	return cell.wait(ctx)
}

// pageCell returns the materialization cell, or nil if no page was ever
// requested. Used by the provisional-commit handler to decide relevance.
func (t *Target) pageCell() *pageCell {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.page
}

// adoptPage transplants a materialization cell from another target so that
// future Page calls against this target resolve to the identical object the
// caller already holds. Invoked only by the provisional-commit handler.
func (t *Target) adoptPage(cell *pageCell) {
	t.mu.Lock()
	t.page = cell
	t.mu.Unlock()
}

// close marks the target as torn down and runs the closed hook at most once.
func (t *Target) close() {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.mu.Lock()
		hook := t.onClosed
		t.mu.Unlock()
		if hook != nil {
			hook()
		}
	})
}

// pageCell is a once-only initialization cell: the first Page call stores the
// in-flight computation, and all observers share the settled result.
type pageCell struct {
	done chan struct{}
	page Page
	err  error
}

func newPageCell() *pageCell {
	return &pageCell{done: make(chan struct{})}
}

func (c *pageCell) settle(page Page, err error) {
	c.page = page
	c.err = err
	close(c.done)
}

func (c *pageCell) wait(ctx context.Context) (Page, error) {
	select {
	case <-c.done:
		return c.page, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
