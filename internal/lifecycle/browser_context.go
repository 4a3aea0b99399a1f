// internal/lifecycle/browser_context.go
package lifecycle

import (
	"context"

	"go.uber.org/zap"
)

// BrowserContext is an isolation scope (profile) grouping a subset of the
// browser's targets. It holds no target state of its own: it is a filtered
// view over the Browser's registry plus a close capability. The default
// context has an empty id, is always present, and can never be closed;
// created contexts carry the id the browser process assigned and behave like
// incognito profiles.
type BrowserContext struct {
	id      string
	browser *Browser
	events  *TargetBus
}

func newBrowserContext(b *Browser, id string) *BrowserContext {
	return &BrowserContext{
		id:      id,
		browser: b,
		events:  newTargetBus(),
	}
}

// ID returns the context id assigned by the browser process; empty for the
// default context.
func (c *BrowserContext) ID() string { return c.id }

// Browser returns the owning registry.
func (c *BrowserContext) Browser() *Browser { return c.browser }

// Events returns the context-scoped lifecycle event bus.
func (c *BrowserContext) Events() *TargetBus { return c.events }

// IsIncognito reports whether this is a created (non-default) context.
func (c *BrowserContext) IsIncognito() bool { return c.id != "" }

// Targets returns the subset of the browser's registry owned by this
// context. Ownership is compared by identity, not by id, so a disposed
// context never aliases a later one.
func (c *BrowserContext) Targets() []*Target {
	all := c.browser.Targets()
	targets := make([]*Target, 0, len(all))
	for _, t := range all {
		if t.BrowserContext() == c {
			targets = append(targets, t)
		}
	}
	return targets
}

// Pages materializes the page handle of every page-type target in this
// context, preserving target order. A target whose page cannot be
// materialized (for example because it raced with a destroy) is dropped
// rather than failing the whole listing.
func (c *BrowserContext) Pages(ctx context.Context) ([]Page, error) {
	var pages []Page
	for _, t := range c.Targets() {
		if !t.IsPage() {
			continue
		}
		page, err := t.Page(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.browser.logger.Debug("Dropping page that could not be materialized.",
				zap.String("target_id", t.ID()), zap.Error(err))
			continue
		}
		pages = append(pages, page)
	}
	return pages, nil
}

// NewPage creates a page-type target scoped to this context and returns its
// page handle.
func (c *BrowserContext) NewPage(ctx context.Context) (Page, error) {
	return c.browser.createPageInContext(ctx, c.id)
}

// WaitForTarget delegates to the browser's wait, conjoining the predicate
// with membership in this context.
func (c *BrowserContext) WaitForTarget(ctx context.Context, predicate func(*Target) bool, opts ...WaitOption) (*Target, error) {
	return c.browser.WaitForTarget(ctx, func(t *Target) bool {
		return t.BrowserContext() == c && predicate(t)
	}, opts...)
}

// Close tears down this context and every target in it. Closing the default
// context is a programming error and fails immediately with
// ErrDefaultContextClose.
func (c *BrowserContext) Close(ctx context.Context) error {
	if !c.IsIncognito() {
		return ErrDefaultContextClose
	}
	return c.browser.disposeContext(ctx, c.id)
}
