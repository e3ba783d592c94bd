// Package transport carries packets between the client and one node over a
// WebSocket. Each binary message is one packet.
package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
)

const (
	defaultSendBuffer      = 1024
	defaultMaxReconnect    = 10
	defaultInitialBackoff  = time.Second
	defaultMaxBackoff      = 30 * time.Second
	defaultWriteWait       = 10 * time.Second
	defaultReliableTimeout = 2 * time.Second
)

var (
	// ErrClosed is returned by SendReliable after Close.
	ErrClosed = errors.New("connection closed")

	// ErrSendTimeout is returned when a reliable frame could not be queued in time.
	ErrSendTimeout = errors.New("timed out queueing reliable frame")
)

// Receiver takes inbound frames off the read loop.
type Receiver interface {
	Enqueue(node uuid.UUID, raw []byte)
}

// Config describes one node connection.
type Config struct {
	URL             string
	Node            uuid.UUID
	SendBuffer      int
	MaxReconnect    int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	WriteWait       time.Duration
	ReliableTimeout time.Duration

	// OnConnected runs after every successful dial, including reconnects.
	OnConnected func()
	// OnDisconnected runs when an established connection drops, before the
	// first reconnect attempt.
	OnDisconnected func()
	// OnLost runs once reconnecting has been given up.
	OnLost func()
}

func (c *Config) setDefaults() {
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	if c.MaxReconnect <= 0 {
		c.MaxReconnect = defaultMaxReconnect
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.WriteWait <= 0 {
		c.WriteWait = defaultWriteWait
	}
	if c.ReliableTimeout <= 0 {
		c.ReliableTimeout = defaultReliableTimeout
	}
}

// Conn manages a WebSocket connection with a single write goroutine.
type Conn struct {
	cfg  Config
	recv Receiver

	mu     sync.Mutex
	conn   *ws.Conn
	gone   chan struct{} // closed when conn is replaced
	sendCh chan []byte
	done   chan struct{} // closed on shutdown
	closed bool

	logger *slog.Logger
}

// Dial connects to the node and starts the read and write loops.
func Dial(cfg Config, recv Receiver, logger *slog.Logger) (*Conn, error) {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	c := &Conn{
		cfg:    cfg,
		recv:   recv,
		sendCh: make(chan []byte, cfg.SendBuffer),
		done:   make(chan struct{}),
		logger: logger.With("node", cfg.Node.String()),
	}

	conn, err := c.dialOnce()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.conn = conn
	c.gone = make(chan struct{})
	gone := c.gone
	c.mu.Unlock()

	c.connected(conn, gone)
	return c, nil
}

// dialOnce performs a single WebSocket dial with the node query param.
func (c *Conn) dialOnce() (*ws.Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket URL: %w", err)
	}
	q := u.Query()
	q.Set("node", c.cfg.Node.String())
	u.RawQuery = q.Encode()

	conn, _, err := ws.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return conn, nil
}

func (c *Conn) connected(conn *ws.Conn, gone <-chan struct{}) {
	go c.writeLoop(conn, gone)
	go c.readLoop(conn)
	if c.cfg.OnConnected != nil {
		c.cfg.OnConnected()
	}
}

// writeLoop drains sendCh and writes frames to conn.
// Only one writeLoop runs at a time; it returns on error or shutdown.
func (c *Conn) writeLoop(conn *ws.Conn, gone <-chan struct{}) {
	for {
		select {
		case <-c.done:
			return
		case <-gone:
			return
		case data := <-c.sendCh:
			if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
				c.logger.Warn("WebSocket SetWriteDeadline error", "error", err)
				go c.reconnect(conn)
				return
			}
			if err := conn.WriteMessage(ws.BinaryMessage, data); err != nil {
				c.logger.Warn("WebSocket write error", "error", err)
				go c.reconnect(conn)
				return
			}
		}
	}
}

// readLoop hands binary frames to the receiver.
func (c *Conn) readLoop(conn *ws.Conn) {
	for {
		kind, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.logger.Warn("WebSocket read error", "error", err)
			go c.reconnect(conn)
			return
		}
		if kind != ws.BinaryMessage {
			c.logger.Debug("Ignoring non-binary frame", "type", kind)
			continue
		}
		c.recv.Enqueue(c.cfg.Node, message)
	}
}

// reconnect re-establishes the connection with exponential backoff. Both
// loops call it when they fail; only the first call for a given conn acts.
func (c *Conn) reconnect(failed *ws.Conn) {
	c.mu.Lock()
	if c.closed || c.conn != failed {
		c.mu.Unlock()
		return
	}
	_ = c.conn.Close()
	c.conn = nil
	close(c.gone)
	c.mu.Unlock()

	c.logger.Warn("Node connection dropped")
	if c.cfg.OnDisconnected != nil {
		c.cfg.OnDisconnected()
	}

	backoff := c.cfg.InitialBackoff
	for attempt := 1; attempt <= c.cfg.MaxReconnect; attempt++ {
		c.logger.Info("Reconnecting to node", "attempt", attempt, "backoff", backoff)
		select {
		case <-c.done:
			return
		case <-time.After(backoff):
		}

		conn, err := c.dialOnce()
		if err != nil {
			c.logger.Warn("Reconnect dial failed", "attempt", attempt, "error", err)
			backoff *= 2
			if backoff > c.cfg.MaxBackoff {
				backoff = c.cfg.MaxBackoff
			}
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.conn = conn
		c.gone = make(chan struct{})
		gone := c.gone
		c.mu.Unlock()

		c.logger.Info("Node reconnected", "attempt", attempt)
		c.connected(conn, gone)
		return
	}

	c.logger.Error("Node reconnect failed after max attempts", "maxAttempts", c.cfg.MaxReconnect)
	if c.cfg.OnLost != nil {
		c.cfg.OnLost()
	}
}

// Connected reports whether a socket is currently open.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send queues an unreliable frame. It drops the frame and returns false
// when the send buffer is full.
func (c *Conn) Send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.sendCh <- data:
		return true
	default:
		return false
	}
}

// SendReliable queues every frame, waiting for buffer space up to the
// reliable timeout per frame.
func (c *Conn) SendReliable(frames ...[]byte) error {
	timer := time.NewTimer(c.cfg.ReliableTimeout)
	defer timer.Stop()

	for i, data := range frames {
		if i > 0 {
			timer.Reset(c.cfg.ReliableTimeout)
		}
		select {
		case c.sendCh <- data:
		case <-c.done:
			return ErrClosed
		case <-timer.C:
			return fmt.Errorf("frame %d of %d: %w", i+1, len(frames), ErrSendTimeout)
		}
	}
	return nil
}

// Close sends a WebSocket close frame and shuts down all goroutines.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(
			ws.CloseMessage,
			ws.FormatCloseMessage(ws.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		return conn.Close()
	}
	return nil
}
