// internal/lifecycle/helpers_test.go
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"go.uber.org/zap"
)

// fakeConn is an in-memory Connection. Commands are answered by per-method
// handlers and notifications are injected through emit, dispatched
// synchronously like the real read loop.
type fakeConn struct {
	mu       sync.Mutex
	handlers map[string]func(params, result any) error
	subs     map[string][]fakeSub
	nextSub  int
	sent     []string
}

type fakeSub struct {
	id int
	fn func(json.RawMessage)
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		handlers: make(map[string]func(params, result any) error),
		subs:     make(map[string][]fakeSub),
	}
}

func (c *fakeConn) handle(method string, fn func(params, result any) error) {
	c.mu.Lock()
	c.handlers[method] = fn
	c.mu.Unlock()
}

func (c *fakeConn) Send(ctx context.Context, method string, params, result any) error {
	c.mu.Lock()
	c.sent = append(c.sent, method)
	fn := c.handlers[method]
	c.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(params, result)
}

func (c *fakeConn) Subscribe(method string, fn func(json.RawMessage)) (cancel func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[method] = append(c.subs[method], fakeSub{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		subs := c.subs[method]
		for i := range subs {
			if subs[i].id == id {
				c.subs[method] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

func (c *fakeConn) subscriberCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, subs := range c.subs {
		n += len(subs)
	}
	return n
}

// emit injects a notification, dispatching to subscribers synchronously.
func (c *fakeConn) emit(t *testing.T, method string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to marshal %s payload: %v", method, err)
	}
	c.mu.Lock()
	subs := make([]fakeSub, len(c.subs[method]))
	copy(subs, c.subs[method])
	c.mu.Unlock()
	for _, sub := range subs {
		sub.fn(raw)
	}
}

func (c *fakeConn) emitCreated(t *testing.T, info TargetInfo) {
	t.Helper()
	c.emit(t, EventTargetCreated, targetCreatedEvent{TargetInfo: info})
}

func (c *fakeConn) emitDestroyed(t *testing.T, targetID string) {
	t.Helper()
	c.emit(t, EventTargetDestroyed, targetDestroyedEvent{TargetID: targetID})
}

func (c *fakeConn) emitCommitted(t *testing.T, oldID, newID string) {
	t.Helper()
	c.emit(t, EventProvisionalTargetCommitted, provisionalTargetCommittedEvent{
		OldTargetID: oldID, NewTargetID: newID,
	})
}

// fakePage records rebind calls and exposes them for assertions.
type fakePage struct {
	mu       sync.Mutex
	targetID string
	rebinds  []string
}

func (p *fakePage) RebindTarget(ctx context.Context, targetID string) error {
	p.mu.Lock()
	p.rebinds = append(p.rebinds, targetID)
	p.targetID = targetID
	p.mu.Unlock()
	return nil
}

func (p *fakePage) reboundTo() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.rebinds))
	copy(out, p.rebinds)
	return out
}

// fakeFactory counts materializations. gate, when set, blocks CreatePage
// until released so tests can hold a materialization in flight.
type fakeFactory struct {
	mu    sync.Mutex
	calls int
	fail  error
	gate  chan struct{}
}

func (f *fakeFactory) CreatePage(ctx context.Context, t *Target) (Page, error) {
	f.mu.Lock()
	f.calls++
	gate := f.gate
	fail := f.fail
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail != nil {
		return nil, fail
	}
	return &fakePage{targetID: t.ID()}, nil
}

func (f *fakeFactory) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// newTestBrowser assembles a Browser over fakes. The newPage handler mimics
// the real browser process: the creation notification is delivered before the
// command reply resolves.
func newTestBrowser(t *testing.T, opts ...Option) (*Browser, *fakeConn, *fakeFactory) {
	t.Helper()
	conn := newFakeConn()
	factory := &fakeFactory{}

	var pageSeq int
	var seqMu sync.Mutex
	conn.handle(MethodNewPage, func(params, result any) error {
		p := params.(newPageParams)
		seqMu.Lock()
		pageSeq++
		id := fmt.Sprintf("target-%d", pageSeq)
		seqMu.Unlock()
		conn.emitCreated(t, TargetInfo{
			TargetID:         id,
			BrowserContextID: p.BrowserContextID,
			Type:             TargetTypePage,
			URL:              "about:blank",
		})
		result.(*newPageResult).TargetID = id
		return nil
	})

	var ctxSeq int
	conn.handle(MethodCreateBrowserContext, func(params, result any) error {
		seqMu.Lock()
		ctxSeq++
		id := fmt.Sprintf("context-%d", ctxSeq)
		seqMu.Unlock()
		result.(*createBrowserContextResult).BrowserContextID = id
		return nil
	})

	b, err := NewBrowser(context.Background(), conn, factory, zap.NewNop(), opts...)
	if err != nil {
		t.Fatalf("NewBrowser failed: %v", err)
	}
	return b, conn, factory
}
