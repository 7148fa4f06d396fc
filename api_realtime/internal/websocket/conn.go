package websocket

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"chatrelay/pkg/logging"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. A full subscribe frame
	// of conversation channels must fit.
	maxMessageSize = 64 * 1024
)

// State is the lifecycle position of a connection.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateResolvingIdentity
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateResolvingIdentity:
		return "resolving_identity"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is one client socket. The read side is driven by the gateway's serve
// goroutine and the write side by writePump, so gorilla's one-reader and
// one-writer rule holds.
type Conn struct {
	id     string
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	logger logging.Entry

	ctx    context.Context
	cancel context.CancelFunc

	state  atomic.Int32
	closed atomic.Bool

	closeOnce   sync.Once
	cleanupOnce sync.Once
	closeCode   int
	closeReason string

	// receipts bounds the read receipts in flight for this socket
	receipts chan struct{}

	// Set before the connection becomes active, read-only afterwards.
	tenant  string
	subject string
	userID  string
}

func newConn(id string, ws *websocket.Conn, sendBuffer int, logger logging.Entry) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		id:     id,
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (c *Conn) ID() string { return c.id }

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool { return c.closed.Load() }

func (c *Conn) State() State { return State(c.state.Load()) }

func (c *Conn) setState(s State) { c.state.Store(int32(s)) }

func (c *Conn) Subject() string { return c.subject }

func (c *Conn) Tenant() string { return c.tenant }

// Done is closed once the connection starts closing.
func (c *Conn) Done() <-chan struct{} { return c.done }

// CloseCode returns the code the server closed with, or 0.
func (c *Conn) CloseCode() int {
	select {
	case <-c.done:
		return c.closeCode
	default:
		return 0
	}
}

// Close starts the close handshake with code. Only the first call wins.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		c.closed.Store(true)
		c.setState(StateClosing)
		c.cancel()
		close(c.done)
	})
}

// enqueue hands payload to the write pump without blocking. A full buffer
// closes the socket with 1013.
func (c *Conn) enqueue(payload []byte) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		c.logger.WithField("buffered", len(c.send)).Warn("Send buffer full, closing slow consumer")
		c.Close(CloseTryAgainLater, ReasonSlowConsumer)
		return false
	}
}

// writePump owns all writes to the socket. Each payload is written as its own
// text frame so relayed events reach the client byte-for-byte.
func (c *Conn) writePump(logger logging.Entry, onSlow func()) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			if c.closeReason == ReasonSlowConsumer && onSlow != nil {
				onSlow()
			}
			if c.closeCode != websocket.CloseAbnormalClosure {
				msg := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
				_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			}
			return

		case message := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				logger.WithError(err).Debug("WebSocket write failed")
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}

// readLoop delivers text frames to handle in arrival order until the socket
// fails or closes.
func (c *Conn) readLoop(handle func([]byte)) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) && !c.Closed() {
				c.logger.WithError(err).Info("WebSocket connection error")
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				c.Close(closeErr.Code, "")
			} else {
				c.Close(websocket.CloseAbnormalClosure, "")
			}
			return
		}
		if c.Closed() {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		handle(message)
	}
}
