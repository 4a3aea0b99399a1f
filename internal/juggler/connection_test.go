// internal/juggler/connection_test.go
package juggler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// The connection read loop exits when the test closes the connection;
		// the HTTP test server's accept loop is torn down by ts.Close.
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

// wsServer is a scripted protocol endpoint. Each incoming command frame is
// answered by the configured handler; push injects notification frames.
type wsServer struct {
	t       *testing.T
	ts      *httptest.Server
	handler func(req *message) *message

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newWSServer(t *testing.T, handler func(req *message) *message) *wsServer {
	t.Helper()
	s := &wsServer{t: t, handler: handler}
	upgrader := websocket.Upgrader{}

	s.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, ws)
		s.mu.Unlock()

		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var req message
			if err := json.Unmarshal(data, &req); err != nil {
				continue
			}
			if resp := s.handler(&req); resp != nil {
				resp.ID = req.ID
				payload, err := json.Marshal(resp)
				if err != nil {
					continue
				}
				if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(s.ts.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.ts.URL, "http")
}

func (s *wsServer) push(msg *message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(s.t, s.conns, "no client connected yet")
	payload, err := json.Marshal(msg)
	require.NoError(s.t, err)
	require.NoError(s.t, s.conns[len(s.conns)-1].WriteMessage(websocket.TextMessage, payload))
}

func (s *wsServer) dropClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ws := range s.conns {
		_ = ws.Close()
	}
	s.conns = nil
}

func dialTest(t *testing.T, s *wsServer) *Connection {
	t.Helper()
	conn, err := Dial(context.Background(), s.url(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestConnectionSend(t *testing.T) {
	t.Run("should correlate the reply and decode its result", func(t *testing.T) {
		s := newWSServer(t, func(req *message) *message {
			assert.Equal(t, "Target.newPage", req.Method)
			return &message{Result: json.RawMessage(`{"targetId":"t1"}`)}
		})
		conn := dialTest(t, s)

		var res struct {
			TargetID string `json:"targetId"`
		}
		err := conn.Send(context.Background(), "Target.newPage", map[string]string{"browserContextId": "c1"}, &res)
		require.NoError(t, err)
		assert.Equal(t, "t1", res.TargetID)
	})

	t.Run("should surface a browser rejection as a protocol error", func(t *testing.T) {
		s := newWSServer(t, func(req *message) *message {
			return &message{Error: &wireError{Code: -32000, Message: "no such target"}}
		})
		conn := dialTest(t, s)

		err := conn.Send(context.Background(), "Target.attachToTarget", nil, nil)
		var perr *ProtocolError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, "Target.attachToTarget", perr.Method)
		assert.Equal(t, -32000, perr.Code)
		assert.Contains(t, perr.Error(), "no such target")
	})

	t.Run("should route session-scoped commands with their session id", func(t *testing.T) {
		var gotSession string
		s := newWSServer(t, func(req *message) *message {
			gotSession = req.SessionID
			return &message{Result: json.RawMessage(`{}`)}
		})
		conn := dialTest(t, s)

		require.NoError(t, conn.SendSession(context.Background(), "sess-1", "Page.navigate", nil, nil))
		assert.Equal(t, "sess-1", gotSession)
	})

	t.Run("should honor context cancellation while waiting", func(t *testing.T) {
		block := make(chan struct{})
		s := newWSServer(t, func(req *message) *message {
			<-block
			return nil
		})
		defer close(block)
		conn := dialTest(t, s)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := conn.Send(ctx, "Target.enable", nil, nil)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("should fail in-flight and later sends once closed", func(t *testing.T) {
		block := make(chan struct{})
		s := newWSServer(t, func(req *message) *message {
			<-block
			return nil
		})
		defer close(block)
		conn := dialTest(t, s)

		inflight := make(chan error, 1)
		go func() {
			inflight <- conn.Send(context.Background(), "Target.enable", nil, nil)
		}()
		time.Sleep(10 * time.Millisecond)

		require.NoError(t, conn.Close())
		assert.ErrorIs(t, <-inflight, ErrConnectionClosed)
		assert.ErrorIs(t, conn.Send(context.Background(), "Target.enable", nil, nil), ErrConnectionClosed)
	})
}

func TestConnectionSubscribe(t *testing.T) {
	t.Run("should dispatch notifications in registration order", func(t *testing.T) {
		s := newWSServer(t, func(req *message) *message { return nil })
		conn := dialTest(t, s)

		var mu sync.Mutex
		var order []int
		done := make(chan struct{})
		conn.Subscribe("Target.targetCreated", func(json.RawMessage) {
			mu.Lock()
			order = append(order, 1)
			mu.Unlock()
		})
		conn.Subscribe("Target.targetCreated", func(json.RawMessage) {
			mu.Lock()
			order = append(order, 2)
			mu.Unlock()
			close(done)
		})

		s.push(&message{Method: "Target.targetCreated", Params: json.RawMessage(`{"targetInfo":{"targetId":"t1","type":"page"}}`)})

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("notification never arrived")
		}
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []int{1, 2}, order)
	})

	t.Run("cancel removes the subscription and is idempotent", func(t *testing.T) {
		s := newWSServer(t, func(req *message) *message { return nil })
		conn := dialTest(t, s)

		var calls int
		var mu sync.Mutex
		cancel := conn.Subscribe("Target.targetDestroyed", func(json.RawMessage) {
			mu.Lock()
			calls++
			mu.Unlock()
		})
		survivor := make(chan struct{})
		conn.Subscribe("Target.targetDestroyed", func(json.RawMessage) { close(survivor) })

		cancel()
		cancel()

		s.push(&message{Method: "Target.targetDestroyed", Params: json.RawMessage(`{"targetId":"t1"}`)})

		select {
		case <-survivor:
		case <-time.After(time.Second):
			t.Fatal("surviving subscriber never ran")
		}
		mu.Lock()
		defer mu.Unlock()
		assert.Zero(t, calls)
	})
}

func TestConnectionShutdown(t *testing.T) {
	t.Run("transport failure settles Done and fails pending sends", func(t *testing.T) {
		block := make(chan struct{})
		s := newWSServer(t, func(req *message) *message {
			<-block
			return nil
		})
		defer close(block)
		conn := dialTest(t, s)

		inflight := make(chan error, 1)
		go func() {
			inflight <- conn.Send(context.Background(), "Target.enable", nil, nil)
		}()
		time.Sleep(10 * time.Millisecond)

		s.dropClients()

		select {
		case <-conn.Done():
		case <-time.After(time.Second):
			t.Fatal("Done never settled after the transport dropped")
		}
		assert.ErrorIs(t, <-inflight, ErrConnectionClosed)
	})

	t.Run("Close is idempotent", func(t *testing.T) {
		s := newWSServer(t, func(req *message) *message { return nil })
		conn := dialTest(t, s)

		require.NoError(t, conn.Close())
		require.NoError(t, conn.Close())
		select {
		case <-conn.Done():
		default:
			t.Fatal("Done should be settled after Close")
		}
	})
}

func TestDialFailure(t *testing.T) {
	_, err := Dial(context.Background(), "ws://127.0.0.1:1/nope", zap.NewNop())
	assert.Error(t, err)
}
