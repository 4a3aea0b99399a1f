// internal/page/page.go

// Package page materializes page handles over target sessions. A Page wraps
// the session the browser process assigned when attaching to a page target
// and issues page-scoped commands through it. When a target commit swaps the
// underlying target, the handle survives: RebindTarget re-attaches and the
// page keeps its identity.
package page

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/foxhound-cli/internal/lifecycle"
)

const (
	methodAttachToTarget = "Target.attachToTarget"
	methodNavigate       = "Page.navigate"
	methodScreenshot     = "Page.screenshot"
	methodClosePage      = "Page.close"
)

// Transport is the slice of the connection the page layer needs: plain
// commands for attaching, session-scoped commands for everything after.
type Transport interface {
	Send(ctx context.Context, method string, params, result any) error
	SendSession(ctx context.Context, sessionID, method string, params, result any) error
}

type attachParams struct {
	TargetID string `json:"targetId"`
}

type attachResult struct {
	SessionID string `json:"sessionId"`
}

// Factory builds Page handles for page-type targets. It satisfies
// lifecycle.PageFactory.
type Factory struct {
	conn   Transport
	logger *zap.Logger
}

// NewFactory returns a factory issuing attach commands over conn.
func NewFactory(conn Transport, logger *zap.Logger) *Factory {
	return &Factory{conn: conn, logger: logger.Named("page")}
}

// CreatePage attaches to the target and wraps the resulting session.
func (f *Factory) CreatePage(ctx context.Context, t *lifecycle.Target) (lifecycle.Page, error) {
	var res attachResult
	err := f.conn.Send(ctx, methodAttachToTarget, attachParams{TargetID: t.ID()}, &res)
	if err != nil {
		return nil, fmt.Errorf("failed to attach to target %s: %w", t.ID(), err)
	}
	if res.SessionID == "" {
		return nil, fmt.Errorf("attach to target %s returned an empty session id", t.ID())
	}

	p := &Page{
		id:        uuid.NewString(),
		conn:      f.conn,
		logger:    f.logger.With(zap.String("target_id", t.ID())),
		browser:   t.Browser(),
		target:    t,
		sessionID: res.SessionID,
		closed:    make(chan struct{}),
	}
	t.OnClosed(p.didClose)
	return p, nil
}

// Page is a live handle on a page target's session. The handle's identity is
// stable across target commits; only the session and target underneath swap.
type Page struct {
	id     string
	conn   Transport
	logger *zap.Logger

	browser *lifecycle.Browser

	mu        sync.Mutex
	target    *lifecycle.Target
	sessionID string

	closeOnce sync.Once
	closed    chan struct{}
}

var _ lifecycle.Page = (*Page)(nil)

// ID returns the handle's own identity, distinct from any target id.
func (p *Page) ID() string { return p.id }

// SessionID returns the current session routing id.
func (p *Page) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// Target returns the target currently backing this handle.
func (p *Page) Target() *lifecycle.Target {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.target
}

// URL returns the backing target's current URL.
func (p *Page) URL() string {
	return p.Target().URL()
}

// Closed is closed once the backing target is gone for good.
func (p *Page) Closed() <-chan struct{} { return p.closed }

// RebindTarget re-attaches this handle to the committed target. The old
// session is dead once the browser process commits, so only the new attach
// matters; the handle's identity and any state callers hold on it survive.
func (p *Page) RebindTarget(ctx context.Context, targetID string) error {
	var res attachResult
	err := p.conn.Send(ctx, methodAttachToTarget, attachParams{TargetID: targetID}, &res)
	if err != nil {
		return fmt.Errorf("failed to rebind to committed target %s: %w", targetID, err)
	}
	if res.SessionID == "" {
		return fmt.Errorf("rebind to target %s returned an empty session id", targetID)
	}

	t, ok := p.browser.Target(targetID)

	p.mu.Lock()
	p.sessionID = res.SessionID
	if ok {
		p.target = t
	}
	p.mu.Unlock()

	if ok {
		t.OnClosed(p.didClose)
	}
	p.logger.Debug("Rebound page to committed target.",
		zap.String("new_target_id", targetID), zap.String("session_id", res.SessionID))
	return nil
}

type navigateParams struct {
	URL string `json:"url"`
}

type navigateResult struct {
	NavigationID string `json:"navigationId,omitempty"`
}

// Navigate drives the page to url and records the new URL on the backing
// target so registry snapshots stay current.
func (p *Page) Navigate(ctx context.Context, url string) error {
	var res navigateResult
	if err := p.conn.SendSession(ctx, p.SessionID(), methodNavigate, navigateParams{URL: url}, &res); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	p.browser.TargetChanged(p.Target(), url)
	return nil
}

type screenshotParams struct {
	Format string `json:"format,omitempty"`
}

type screenshotResult struct {
	Data string `json:"data"`
}

// Screenshot captures the page as PNG bytes. When the browser carries a task
// queue the capture runs through it, serializing with other queued page work;
// the command error still belongs to the caller, not the queue.
func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	tq := p.browser.TaskQueue()
	if tq == nil {
		return p.capture(ctx)
	}

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	tq.Queue(func() error {
		data, err := p.capture(ctx)
		done <- result{data: data, err: err}
		return nil
	})

	select {
	case res := <-done:
		return res.data, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Page) capture(ctx context.Context) ([]byte, error) {
	var res screenshotResult
	if err := p.conn.SendSession(ctx, p.SessionID(), methodScreenshot, screenshotParams{Format: "png"}, &res); err != nil {
		return nil, fmt.Errorf("failed to capture screenshot: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(res.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode screenshot payload: %w", err)
	}
	return data, nil
}

// Close asks the browser process to close the page. The target teardown
// arrives back through the lifecycle events, which is what finally closes
// this handle.
func (p *Page) Close(ctx context.Context) error {
	if err := p.conn.SendSession(ctx, p.SessionID(), methodClosePage, nil, nil); err != nil {
		return fmt.Errorf("failed to close page: %w", err)
	}
	return nil
}

func (p *Page) didClose() {
	p.closeOnce.Do(func() {
		close(p.closed)
	})
}
