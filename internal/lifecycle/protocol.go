// internal/lifecycle/protocol.go
package lifecycle

import (
	"encoding/json"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// Protocol surface consumed by the lifecycle layer. Command and notification
// names follow Firefox's remote debugging ("juggler") Target domain.
const (
	// TargetTypePage marks targets that host a page and therefore can
	// materialize a Page handle.
	TargetTypePage = "page"

	MethodTargetEnable         = "Target.enable"
	MethodCreateBrowserContext = "Target.createBrowserContext"
	MethodRemoveBrowserContext = "Target.removeBrowserContext"
	MethodNewPage              = "Target.newPage"

	EventTargetCreated              = "Target.targetCreated"
	EventTargetDestroyed            = "Target.targetDestroyed"
	EventProvisionalTargetCommitted = "Target.provisionalTargetCommitted"
)

var protocolJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// TargetInfo describes a remote target as reported by the browser process.
type TargetInfo struct {
	TargetID         string `json:"targetId"`
	BrowserContextID string `json:"browserContextId,omitempty"`
	Type             string `json:"type"`
	URL              string `json:"url,omitempty"`
	OpenerID         string `json:"openerId,omitempty"`
}

type createBrowserContextResult struct {
	BrowserContextID string `json:"browserContextId"`
}

type removeBrowserContextParams struct {
	BrowserContextID string `json:"browserContextId"`
}

type newPageParams struct {
	BrowserContextID string `json:"browserContextId,omitempty"`
}

type newPageResult struct {
	TargetID string `json:"targetId"`
}

// lifecycleEvent is the closed set of notifications the registry reacts to.
// Each variant carries its required fields explicitly; payloads missing them
// are rejected at decode time rather than silently defaulted.
type lifecycleEvent interface {
	isLifecycleEvent()
}

type targetCreatedEvent struct {
	TargetInfo TargetInfo `json:"targetInfo"`
}

type targetDestroyedEvent struct {
	TargetID string `json:"targetId"`
}

type provisionalTargetCommittedEvent struct {
	OldTargetID string `json:"oldTargetId"`
	NewTargetID string `json:"newTargetId"`
}

func (targetCreatedEvent) isLifecycleEvent()              {}
func (targetDestroyedEvent) isLifecycleEvent()            {}
func (provisionalTargetCommittedEvent) isLifecycleEvent() {}

// decodeLifecycleEvent parses the payload of one of the three lifecycle
// notifications and validates its required fields.
func decodeLifecycleEvent(method string, params json.RawMessage) (lifecycleEvent, error) {
	switch method {
	case EventTargetCreated:
		var ev targetCreatedEvent
		if err := protocolJSON.Unmarshal(params, &ev); err != nil {
			return nil, fmt.Errorf("malformed %s payload: %w", method, err)
		}
		if ev.TargetInfo.TargetID == "" {
			return nil, fmt.Errorf("malformed %s payload: missing targetInfo.targetId", method)
		}
		if ev.TargetInfo.Type == "" {
			return nil, fmt.Errorf("malformed %s payload: missing targetInfo.type", method)
		}
		return ev, nil

	case EventTargetDestroyed:
		var ev targetDestroyedEvent
		if err := protocolJSON.Unmarshal(params, &ev); err != nil {
			return nil, fmt.Errorf("malformed %s payload: %w", method, err)
		}
		if ev.TargetID == "" {
			return nil, fmt.Errorf("malformed %s payload: missing targetId", method)
		}
		return ev, nil

	case EventProvisionalTargetCommitted:
		var ev provisionalTargetCommittedEvent
		if err := protocolJSON.Unmarshal(params, &ev); err != nil {
			return nil, fmt.Errorf("malformed %s payload: %w", method, err)
		}
		if ev.OldTargetID == "" || ev.NewTargetID == "" {
			return nil, fmt.Errorf("malformed %s payload: missing oldTargetId/newTargetId", method)
		}
		return ev, nil

	default:
		return nil, fmt.Errorf("unrecognized lifecycle notification %q", method)
	}
}
