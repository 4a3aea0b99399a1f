// internal/lifecycle/protocol_test.go
package lifecycle

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeLifecycleEvent(t *testing.T) {
	t.Run("decodes a created notification", func(t *testing.T) {
		raw := json.RawMessage(`{"targetInfo":{"targetId":"t1","type":"page","url":"about:blank","browserContextId":"c1"}}`)
		ev, err := decodeLifecycleEvent(EventTargetCreated, raw)
		require.NoError(t, err)

		created, ok := ev.(targetCreatedEvent)
		require.True(t, ok)
		assert.Equal(t, "t1", created.TargetInfo.TargetID)
		assert.Equal(t, "page", created.TargetInfo.Type)
		assert.Equal(t, "c1", created.TargetInfo.BrowserContextID)
	})

	t.Run("decodes a destroyed notification", func(t *testing.T) {
		ev, err := decodeLifecycleEvent(EventTargetDestroyed, json.RawMessage(`{"targetId":"t1"}`))
		require.NoError(t, err)
		assert.Equal(t, targetDestroyedEvent{TargetID: "t1"}, ev)
	})

	t.Run("decodes a commit notification", func(t *testing.T) {
		ev, err := decodeLifecycleEvent(EventProvisionalTargetCommitted,
			json.RawMessage(`{"oldTargetId":"a","newTargetId":"b"}`))
		require.NoError(t, err)
		assert.Equal(t, provisionalTargetCommittedEvent{OldTargetID: "a", NewTargetID: "b"}, ev)
	})

	t.Run("rejects payloads missing required fields", func(t *testing.T) {
		cases := map[string]struct {
			method  string
			payload string
		}{
			"created without target id": {EventTargetCreated, `{"targetInfo":{"type":"page"}}`},
			"created without type":      {EventTargetCreated, `{"targetInfo":{"targetId":"t1"}}`},
			"destroyed without id":      {EventTargetDestroyed, `{}`},
			"commit without old id":     {EventProvisionalTargetCommitted, `{"newTargetId":"b"}`},
			"commit without new id":     {EventProvisionalTargetCommitted, `{"oldTargetId":"a"}`},
		}
		for name, tc := range cases {
			t.Run(name, func(t *testing.T) {
				_, err := decodeLifecycleEvent(tc.method, json.RawMessage(tc.payload))
				assert.Error(t, err)
			})
		}
	})

	t.Run("rejects malformed JSON", func(t *testing.T) {
		_, err := decodeLifecycleEvent(EventTargetDestroyed, json.RawMessage(`{`))
		assert.Error(t, err)
	})

	t.Run("rejects unrecognized methods", func(t *testing.T) {
		_, err := decodeLifecycleEvent("Target.somethingElse", json.RawMessage(`{}`))
		assert.Error(t, err)
	})
}
