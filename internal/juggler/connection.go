// internal/juggler/connection.go
package juggler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

// ErrConnectionClosed is returned by Send once the connection has shut down,
// and delivered to every call that was still in flight at that moment.
var ErrConnectionClosed = errors.New("juggler connection closed")

const dialHandshakeTimeout = 30 * time.Second

var wireJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Connection multiplexes typed commands and lifecycle notifications over one
// WebSocket to the browser process. Replies are correlated by id; every
// notification is dispatched synchronously from the single read loop, so
// subscribers observe events in exactly the order the browser delivered
// them.
type Connection struct {
	ws     *websocket.Conn
	logger *zap.Logger

	// writeMu serializes frame writes; gorilla permits one concurrent writer.
	writeMu sync.Mutex

	mu        sync.Mutex
	lastID    int64
	pending   map[int64]chan *message
	subs      map[string][]eventSubscriber
	nextSubID uint64
	closed    bool
	closeErr  error

	done       chan struct{}
	readerDone chan struct{}
	closeOnce  sync.Once
}

type eventSubscriber struct {
	id uint64
	fn func(params json.RawMessage)
}

// Dial connects to the browser's remote debugging endpoint.
func Dial(ctx context.Context, url string, logger *zap.Logger) (*Connection, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialHandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, url, nil) //nolint:bodyclose // gorilla owns the response after the upgrade
	if err != nil {
		return nil, fmt.Errorf("failed to dial browser endpoint %s: %w", url, err)
	}
	return NewConnection(ws, logger), nil
}

// NewConnection wraps an established WebSocket and starts the read loop.
func NewConnection(ws *websocket.Conn, logger *zap.Logger) *Connection {
	c := &Connection{
		ws:         ws,
		logger:     logger.Named("juggler"),
		pending:    make(map[int64]chan *message),
		subs:       make(map[string][]eventSubscriber),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Send issues a command and decodes its result payload into result (which
// may be nil). A rejection from the browser surfaces as a *ProtocolError;
// transport failures and cancellation surface as plain errors.
func (c *Connection) Send(ctx context.Context, method string, params, result any) error {
	return c.send(ctx, "", method, params, result)
}

// SendSession issues a command scoped to a target session. Used by the page
// layer for page-level operations after attaching.
func (c *Connection) SendSession(ctx context.Context, sessionID, method string, params, result any) error {
	return c.send(ctx, sessionID, method, params, result)
}

func (c *Connection) send(ctx context.Context, sessionID, method string, params, result any) error {
	var rawParams json.RawMessage
	if params != nil {
		encoded, err := wireJSON.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to encode %s params: %w", method, err)
		}
		rawParams = encoded
	}

	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return err
	}
	c.lastID++
	id := c.lastID
	reply := make(chan *message, 1)
	c.pending[id] = reply
	c.mu.Unlock()

	frame, err := wireJSON.Marshal(message{ID: id, SessionID: sessionID, Method: method, Params: rawParams})
	if err != nil {
		c.dropPending(id)
		return fmt.Errorf("failed to encode %s frame: %w", method, err)
	}

	c.writeMu.Lock()
	err = c.ws.WriteMessage(websocket.TextMessage, frame)
	c.writeMu.Unlock()
	if err != nil {
		c.dropPending(id)
		return fmt.Errorf("failed to write %s command: %w", method, err)
	}

	select {
	case msg := <-reply:
		if msg.Error != nil {
			return &ProtocolError{Method: method, Code: msg.Error.Code, Message: msg.Error.Message}
		}
		if result != nil && len(msg.Result) > 0 {
			if err := wireJSON.Unmarshal(msg.Result, result); err != nil {
				return fmt.Errorf("failed to decode %s result: %w", method, err)
			}
		}
		return nil
	case <-c.done:
		c.mu.Lock()
		closeErr := c.closeErr
		c.mu.Unlock()
		return closeErr
	case <-ctx.Done():
		c.dropPending(id)
		return ctx.Err()
	}
}

// Subscribe registers fn for every notification named method. Handlers run
// on the read loop in registration order; the returned cancel func is
// idempotent.
func (c *Connection) Subscribe(method string, fn func(params json.RawMessage)) (cancel func()) {
	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subs[method] = append(c.subs[method], eventSubscriber{id: id, fn: fn})
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

// Close shuts the connection down and fails every in-flight call with
// ErrConnectionClosed. Safe to call repeatedly and from event handlers.
func (c *Connection) Close() error {
	c.shutdown(ErrConnectionClosed)
	return nil
}

// Done is closed once the connection has shut down, whether by Close or by a
// transport failure.
func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) shutdown(reason error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.closeErr = reason
		c.mu.Unlock()
		close(c.done)
		if err := c.ws.Close(); err != nil {
			c.logger.Debug("WebSocket close returned an error.", zap.Error(err))
		}
	})
}

func (c *Connection) dropPending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// readLoop is the single reader: replies resolve their pending call,
// notifications fan out to subscribers in order. It exits when the socket
// fails or Close tears it down.
func (c *Connection) readLoop() {
	defer close(c.readerDone)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				// Expected: Close already ran.
			default:
				c.logger.Debug("Connection read failed; shutting down.", zap.Error(err))
			}
			c.shutdown(fmt.Errorf("%w: %v", ErrConnectionClosed, err))
			return
		}

		var msg message
		if err := wireJSON.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("Dropping undecodable frame.", zap.Error(err))
			continue
		}

		switch {
		case msg.ID != 0:
			c.mu.Lock()
			reply, ok := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.mu.Unlock()
			if ok {
				reply <- &msg
			}
		case msg.Method != "":
			c.dispatchEvent(&msg)
		default:
			c.logger.Warn("Dropping frame with neither id nor method.")
		}
	}
}

func (c *Connection) dispatchEvent(msg *message) {
	c.mu.Lock()
	subs := make([]eventSubscriber, len(c.subs[msg.Method]))
	copy(subs, c.subs[msg.Method])
	c.mu.Unlock()

	for _, sub := range subs {
		sub.fn(msg.Params)
	}
}
