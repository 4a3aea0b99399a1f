// internal/lifecycle/browser.go
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mstoykov/k6-taskqueue-lib/taskqueue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultWaitTimeout bounds WaitForTarget when no explicit timeout is given.
const DefaultWaitTimeout = 30 * time.Second

// Browser is the process-wide registry of targets and isolation contexts for
// one controlled browser process. It owns the target-id and context-id maps,
// routes the protocol's lifecycle notifications into registry mutations, and
// is the single component allowed to mutate that state. Callers read through
// snapshots and drive creation through commands that await the (by then
// processed) registry update.
type Browser struct {
	ctx     context.Context
	conn    Connection
	factory PageFactory
	logger  *zap.Logger
	events  *TargetBus

	mu             sync.Mutex
	defaultContext *BrowserContext
	contexts       map[string]*BrowserContext
	targets        map[string]*Target

	closeOnce     sync.Once
	closeErr      error
	closeCallback func(context.Context) error
	unsubs        []func()

	taskQueue   *taskqueue.TaskQueue
	waitTimeout time.Duration

	// desyncs counts lifecycle notifications that referenced unknown target
	// ids. A non-zero value means the upstream event stream broke ordering.
	desyncs atomic.Uint64
}

// Option configures a Browser at construction time.
type Option func(*Browser)

// WithCloseCallback supplies the externally owned teardown action (process
// kill, transport close). It runs at most once, after all lifecycle
// listeners have been deregistered.
func WithCloseCallback(fn func(context.Context) error) Option {
	return func(b *Browser) { b.closeCallback = fn }
}

// WithTaskQueue hands the browser the strictly serializing queue that higher
// layers use for operations that must not overlap (e.g. screenshots).
func WithTaskQueue(tq *taskqueue.TaskQueue) Option {
	return func(b *Browser) { b.taskQueue = tq }
}

// WithDefaultWaitTimeout overrides the default WaitForTarget bound.
func WithDefaultWaitTimeout(d time.Duration) Option {
	return func(b *Browser) { b.waitTimeout = d }
}

// NewBrowser wires a Browser to the connection's lifecycle notifications and
// enables target discovery. On failure no listeners remain registered.
func NewBrowser(ctx context.Context, conn Connection, factory PageFactory, logger *zap.Logger, opts ...Option) (*Browser, error) {
	b := &Browser{
		ctx:         ctx,
		conn:        conn,
		factory:     factory,
		logger:      logger.Named("browser"),
		events:      newTargetBus(),
		contexts:    make(map[string]*BrowserContext),
		targets:     make(map[string]*Target),
		waitTimeout: DefaultWaitTimeout,
	}
	b.defaultContext = newBrowserContext(b, "")

	for _, opt := range opts {
		opt(b)
	}

	for _, method := range []string{EventTargetCreated, EventTargetDestroyed, EventProvisionalTargetCommitted} {
		b.unsubs = append(b.unsubs, conn.Subscribe(method, b.lifecycleHandler(method)))
	}

	// Existing targets are replayed as created notifications once discovery
	// is enabled, so the registry converges without a separate listing call.
	if err := conn.Send(ctx, MethodTargetEnable, nil, nil); err != nil {
		for _, unsub := range b.unsubs {
			unsub()
		}
		return nil, fmt.Errorf("failed to enable target discovery: %w", err)
	}

	return b, nil
}

// Events returns the browser-wide lifecycle event bus.
func (b *Browser) Events() *TargetBus { return b.events }

// TaskQueue returns the serializing queue capability handed to higher
// layers, or nil when none was configured.
func (b *Browser) TaskQueue() *taskqueue.TaskQueue { return b.taskQueue }

// IsConnected always reports true for an attached session: the only way to
// sever the connection in this design is Close, after which the Browser must
// not be used.
func (b *Browser) IsConnected() bool { return true }

// Disconnect always fails. Detaching while leaving the process running is
// deliberately not offered.
func (b *Browser) Disconnect() error { return ErrDisconnectUnsupported }

// DefaultBrowserContext returns the always-present, non-closable context.
// The same instance is returned for the browser's whole lifetime.
func (b *Browser) DefaultBrowserContext() *BrowserContext { return b.defaultContext }

// BrowserContexts returns the default context first, followed by every
// created context in stable (id-sorted) order.
func (b *Browser) BrowserContexts() []*BrowserContext {
	b.mu.Lock()
	ids := make([]string, 0, len(b.contexts))
	for id := range b.contexts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*BrowserContext, 0, len(ids)+1)
	out = append(out, b.defaultContext)
	for _, id := range ids {
		out = append(out, b.contexts[id])
	}
	b.mu.Unlock()
	return out
}

// CreateIncognitoBrowserContext allocates a new isolation scope in the
// browser process and registers it. On command failure nothing is
// registered.
func (b *Browser) CreateIncognitoBrowserContext(ctx context.Context) (*BrowserContext, error) {
	var res createBrowserContextResult
	if err := b.conn.Send(ctx, MethodCreateBrowserContext, nil, &res); err != nil {
		return nil, err
	}
	if res.BrowserContextID == "" {
		return nil, fmt.Errorf("browser returned an empty context id")
	}

	bc := newBrowserContext(b, res.BrowserContextID)
	b.mu.Lock()
	b.contexts[res.BrowserContextID] = bc
	b.mu.Unlock()

	b.logger.Debug("Created incognito browser context.", zap.String("context_id", res.BrowserContextID))
	return bc, nil
}

// disposeContext tears down a created context in the browser process and
// removes it from the registry. Removal is terminal: a later notification
// naming this id is treated as an unknown context.
func (b *Browser) disposeContext(ctx context.Context, contextID string) error {
	if contextID == "" {
		return ErrDefaultContextClose
	}
	params := removeBrowserContextParams{BrowserContextID: contextID}
	if err := b.conn.Send(ctx, MethodRemoveBrowserContext, params, nil); err != nil {
		return err
	}

	b.mu.Lock()
	delete(b.contexts, contextID)
	b.mu.Unlock()

	b.logger.Debug("Disposed browser context.", zap.String("context_id", contextID))
	return nil
}

// Targets returns a snapshot of the full registry at call time, in stable
// (id-sorted) order.
func (b *Browser) Targets() []*Target {
	b.mu.Lock()
	ids := make([]string, 0, len(b.targets))
	for id := range b.targets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*Target, 0, len(ids))
	for _, id := range ids {
		out = append(out, b.targets[id])
	}
	b.mu.Unlock()
	return out
}

// Target looks up a registered target by id.
func (b *Browser) Target(targetID string) (*Target, bool) {
	b.mu.Lock()
	t, ok := b.targets[targetID]
	b.mu.Unlock()
	return t, ok
}

// Desyncs reports how many lifecycle notifications referenced unknown ids.
// A non-zero count means the upstream event stream broke its ordering
// guarantees.
func (b *Browser) Desyncs() uint64 { return b.desyncs.Load() }

// NewPage creates a page in the default context.
func (b *Browser) NewPage(ctx context.Context) (Page, error) {
	return b.createPageInContext(ctx, "")
}

// createPageInContext spawns a page-type target scoped to contextID (empty
// for the default context) and materializes its page. By the time the
// command resolves, the targetCreated notification has been processed, so a
// missing registry entry is an internal inconsistency, not a user error.
func (b *Browser) createPageInContext(ctx context.Context, contextID string) (Page, error) {
	params := newPageParams{BrowserContextID: contextID}
	var res newPageResult
	if err := b.conn.Send(ctx, MethodNewPage, params, &res); err != nil {
		return nil, err
	}

	b.mu.Lock()
	t := b.targets[res.TargetID]
	b.mu.Unlock()
	if t == nil {
		err := &DesyncError{Event: MethodNewPage, TargetID: res.TargetID}
		b.noteDesync(err)
		return nil, err
	}
	return t.Page(ctx)
}

// Pages returns the union of every context's pages. Contexts are queried
// concurrently; results are flattened preserving context iteration order and
// context-internal target order.
func (b *Browser) Pages(ctx context.Context) ([]Page, error) {
	contexts := b.BrowserContexts()
	results := make([][]Page, len(contexts))

	g, gctx := errgroup.WithContext(ctx)
	for i, bc := range contexts {
		g.Go(func() error {
			pages, err := bc.Pages(gctx)
			if err != nil {
				return err
			}
			results[i] = pages
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var pages []Page
	for _, ps := range results {
		pages = append(pages, ps...)
	}
	return pages, nil
}

// TargetChanged re-emits a change of an existing target's observable
// properties. It is invoked by higher layers (navigation tracking in the
// page layer), never by a raw protocol notification.
func (b *Browser) TargetChanged(t *Target, url string) {
	t.setURL(url)
	b.emitTargetEvent(TargetEventChanged, t)
}

// Close deregisters all lifecycle listeners and then invokes the externally
// supplied close callback exactly once. Deregistration happens first so a
// failing callback never leaves listeners attached.
func (b *Browser) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		unsubs := b.unsubs
		b.unsubs = nil
		b.mu.Unlock()
		for _, unsub := range unsubs {
			unsub()
		}
		if b.closeCallback != nil {
			b.closeErr = b.closeCallback(ctx)
		}
	})
	return b.closeErr
}

// -- Lifecycle notification routing --

// lifecycleHandler adapts a raw subscription callback for one notification
// method into the typed handler, rejecting malformed payloads.
func (b *Browser) lifecycleHandler(method string) func(json.RawMessage) {
	return func(params json.RawMessage) {
		ev, err := decodeLifecycleEvent(method, params)
		if err != nil {
			b.logger.Error("Rejecting malformed lifecycle notification.",
				zap.String("method", method), zap.Error(err))
			return
		}
		switch ev := ev.(type) {
		case targetCreatedEvent:
			b.onTargetCreated(ev.TargetInfo)
		case targetDestroyedEvent:
			b.onTargetDestroyed(ev.TargetID)
		case provisionalTargetCommittedEvent:
			b.onProvisionalTargetCommitted(ev.OldTargetID, ev.NewTargetID)
		}
	}
}

func (b *Browser) onTargetCreated(info TargetInfo) {
	owner := b.defaultContext
	if info.BrowserContextID != "" {
		b.mu.Lock()
		bc, known := b.contexts[info.BrowserContextID]
		b.mu.Unlock()
		if known {
			owner = bc
		} else {
			// Known approximation: without a context-creation handshake in
			// the protocol there is no way to distinguish an externally
			// created context, so its targets fold into the default context.
			b.logger.Warn("Target references an unknown browser context; assigning to the default context.",
				zap.String("target_id", info.TargetID),
				zap.String("context_id", info.BrowserContextID))
		}
	}

	t := newTarget(b, owner, info)
	b.mu.Lock()
	b.targets[info.TargetID] = t
	b.mu.Unlock()

	b.logger.Debug("Target created.",
		zap.String("target_id", info.TargetID), zap.String("type", info.Type))
	b.emitTargetEvent(TargetEventCreated, t)
}

func (b *Browser) onTargetDestroyed(targetID string) {
	b.mu.Lock()
	t := b.targets[targetID]
	b.mu.Unlock()
	if t == nil {
		b.noteDesync(&DesyncError{Event: EventTargetDestroyed, TargetID: targetID})
		return
	}

	// Settle the target (closed hook, page-layer waiters) before the
	// registry entry disappears.
	t.close()

	b.mu.Lock()
	delete(b.targets, targetID)
	b.mu.Unlock()

	b.logger.Debug("Target destroyed.", zap.String("target_id", targetID))
	b.emitTargetEvent(TargetEventDestroyed, t)
}

// onProvisionalTargetCommitted handles the cross-process navigation handoff:
// the browser process speculatively navigated on a new target and has now
// confirmed it. The old target's page materialization cell is transplanted
// onto the new target, so the caller-visible Page identity survives the
// substitution, and the page's live session is rebound once the page has
// settled.
func (b *Browser) onProvisionalTargetCommitted(oldTargetID, newTargetID string) {
	b.mu.Lock()
	oldTarget := b.targets[oldTargetID]
	newTarget := b.targets[newTargetID]
	b.mu.Unlock()

	// No page was ever requested on the old target: nothing to transplant.
	if oldTarget == nil {
		return
	}
	cell := oldTarget.pageCell()
	if cell == nil {
		return
	}

	// The creation notification for the replacement target always precedes
	// its commit; a missing entry means the stream broke ordering.
	if newTarget == nil {
		b.noteDesync(&DesyncError{Event: EventProvisionalTargetCommitted, TargetID: newTargetID})
		return
	}

	// Transplant synchronously so a racing Page call on the new target
	// observes the shared cell, then rebind once the page has settled.
	newTarget.adoptPage(cell)
	b.logger.Debug("Provisional target committed; page identity transplanted.",
		zap.String("old_target_id", oldTargetID), zap.String("new_target_id", newTargetID))

	go b.rebindCommittedPage(cell, newTarget)
}

func (b *Browser) rebindCommittedPage(cell *pageCell, newTarget *Target) {
	page, err := cell.wait(b.ctx)
	if err != nil {
		b.logger.Debug("Committed target's page never materialized; skipping rebind.",
			zap.String("target_id", newTarget.ID()), zap.Error(err))
		return
	}
	if err := page.RebindTarget(b.ctx, newTarget.ID()); err != nil {
		b.logger.Error("Failed to rebind page session to committed target.",
			zap.String("target_id", newTarget.ID()), zap.Error(err))
	}
}

// emitTargetEvent notifies the browser-wide bus and the owning context's bus.
func (b *Browser) emitTargetEvent(kind TargetEventKind, t *Target) {
	ev := TargetEvent{Kind: kind, Target: t}
	b.events.emit(ev)
	t.BrowserContext().events.emit(ev)
}

func (b *Browser) noteDesync(err *DesyncError) {
	b.desyncs.Add(1)
	b.logger.Error("Lifecycle event stream desynchronized.",
		zap.String("event", err.Event),
		zap.String("target_id", err.TargetID),
		zap.Error(err))
}
