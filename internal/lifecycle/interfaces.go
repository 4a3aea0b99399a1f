// internal/lifecycle/interfaces.go
package lifecycle

import (
	"context"
	"encoding/json"
)

// Connection is the command/event channel to the browser process. The
// lifecycle layer only needs request/response command dispatch plus a way to
// subscribe to named protocol notifications; the concrete implementation
// (WebSocket transport, message framing, session routing) lives in the
// juggler package.
type Connection interface {
	// Send issues a protocol command and decodes the result payload into
	// result (which may be nil when the caller ignores the reply). A command
	// rejected by the browser process surfaces as a *juggler.ProtocolError.
	Send(ctx context.Context, method string, params, result any) error

	// Subscribe registers fn for every notification named method, in
	// registration order and delivery order. The returned cancel func
	// removes the subscription; it is safe to call more than once.
	Subscribe(method string, fn func(params json.RawMessage)) (cancel func())
}

// Page is the caller-facing automation handle bound to a target's protocol
// session. The lifecycle layer treats it as opaque except for the identity
// continuity contract: when a provisional target commits, the page must move
// its live session to the committed target without changing object identity.
type Page interface {
	// RebindTarget re-attaches the page's live session to the given target.
	// Invoked by the provisional-commit handler; everything else about the
	// page is outside this layer's scope.
	RebindTarget(ctx context.Context, targetID string) error
}

// PageFactory materializes the Page handle for a page-type target, binding a
// protocol session to it. Called at most once per target by the lazy
// materialization cell in Target.Page.
type PageFactory interface {
	CreatePage(ctx context.Context, t *Target) (Page, error)
}
