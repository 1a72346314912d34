// ABOUTME: Represents a single connected WeChat device and serializes writes to its WebSocket.
// ABOUTME: Tracks the per-connection rate limiter and routes resolve_target results by request ID.

package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/wap-gateway/internal/protocol"
	"github.com/2389/wap-gateway/internal/ratelimit"
)

// ErrClosed is returned when writing to a connection that has been closed.
var ErrClosed = errors.New("connection closed")

// WriteWait bounds a single frame write.
const WriteWait = 10 * time.Second

// Socket is the subset of *websocket.Conn a Connection writes through.
type Socket interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// ConnectionParams holds the parameters for creating a new Connection.
type ConnectionParams struct {
	ID        string // generated when empty
	AccountID string
	RemoteIP  string
	Socket    Socket
	Limiter   *ratelimit.Window // defaults to 10 frames per second
	Logger    *slog.Logger
}

// Connection represents an authenticated device socket.
type Connection struct {
	ID          string
	AccountID   string
	RemoteIP    string
	ConnectedAt time.Time

	socket  Socket
	writeMu sync.Mutex
	limiter *ratelimit.Window

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	closed  bool
	pending map[string]chan protocol.ResolveTargetResult
	logger  *slog.Logger
}

// NewConnection creates a new Connection for an authenticated device.
func NewConnection(params ConnectionParams) *Connection {
	id := params.ID
	if id == "" {
		id = uuid.NewString()
	}
	limiter := params.Limiter
	if limiter == nil {
		limiter = ratelimit.NewWindow(ratelimit.DefaultWindow, ratelimit.DefaultCapacity)
	}
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		ID:          id,
		AccountID:   params.AccountID,
		RemoteIP:    params.RemoteIP,
		ConnectedAt: time.Now(),
		socket:      params.Socket,
		limiter:     limiter,
		ctx:         ctx,
		cancel:      cancel,
		pending:     make(map[string]chan protocol.ResolveTargetResult),
		logger:      logger,
	}
}

// Context is cancelled when the connection closes. Work done on behalf of
// the device (pairing lookups, host dispatch) runs under it.
func (c *Connection) Context() context.Context {
	return c.ctx
}

// Allow reports whether another inbound frame fits in the current window.
func (c *Connection) Allow(now time.Time) bool {
	return c.limiter.Allow(now)
}

// Send encodes cmd and writes it as a single text frame.
func (c *Connection) Send(cmd protocol.Command) error {
	data, err := protocol.Encode(cmd)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

// Ping writes a WebSocket ping control frame.
func (c *Connection) Ping() error {
	if c.Closed() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.socket.WriteControl(websocket.PingMessage, nil, time.Now().Add(WriteWait))
}

func (c *Connection) write(messageType int, data []byte) error {
	if c.Closed() {
		return ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.socket.SetWriteDeadline(time.Now().Add(WriteWait)); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	if err := c.socket.WriteMessage(messageType, data); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// Close sends a close frame with code and reason, closes the socket and
// cancels the connection context. Pending resolve requests are released.
// Calling Close more than once is a no-op.
func (c *Connection) Close(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	c.cancel()

	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	if err := c.socket.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		c.logger.Debug("close frame not sent", "client_id", c.ID, "error", err)
	}
	c.writeMu.Unlock()

	_ = c.socket.Close()
}

// Closed reports whether Close has been called.
func (c *Connection) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// CreateRequest registers a pending resolve_target request and returns the
// channel its result will arrive on. The caller must call CloseRequest.
func (c *Connection) CreateRequest(requestID string) (<-chan protocol.ResolveTargetResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	ch := make(chan protocol.ResolveTargetResult, 1)
	c.pending[requestID] = ch
	return ch, nil
}

// CloseRequest closes and removes the result channel for a request.
func (c *Connection) CloseRequest(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ch, ok := c.pending[requestID]; ok {
		close(ch)
		delete(c.pending, requestID)
	}
}

// HandleResolveResult routes a resolve_target_result to its pending request.
// Results for unknown requests are logged and discarded.
func (c *Connection) HandleResolveResult(res protocol.ResolveTargetResult) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ch, ok := c.pending[res.RequestID]
	if !ok {
		c.logger.Warn("received resolve result for unknown request",
			"request_id", res.RequestID,
			"client_id", c.ID,
		)
		return false
	}

	// Non-blocking send; a duplicate result for the same request is dropped.
	select {
	case ch <- res:
		return true
	default:
		c.logger.Warn("duplicate resolve result dropped",
			"request_id", res.RequestID,
			"client_id", c.ID,
		)
		return false
	}
}

// Info returns a snapshot of the connection for listings.
func (c *Connection) Info() ClientInfo {
	return ClientInfo{
		ID:          c.ID,
		AccountID:   c.AccountID,
		RemoteIP:    c.RemoteIP,
		ConnectedAt: c.ConnectedAt,
	}
}
