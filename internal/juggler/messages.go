// internal/juggler/messages.go
package juggler

import (
	"encoding/json"
	"fmt"
)

// message is the wire frame shared by commands, replies, and notifications.
// Commands carry an id and a method; replies echo the id with a result or an
// error; notifications carry a method with no id. A sessionId, when present,
// routes the frame to a target-scoped session.
type message struct {
	ID        int64           `json:"id,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

// ProtocolError is a command the browser process rejected. It propagates
// unchanged to the caller of the method that issued the command; nothing is
// suppressed or retried locally.
type ProtocolError struct {
	Method  string
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("protocol error on %s (code %d): %s", e.Method, e.Code, e.Message)
	}
	return fmt.Sprintf("protocol error on %s: %s", e.Method, e.Message)
}
