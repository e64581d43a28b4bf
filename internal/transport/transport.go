// Package transport carries text frames between the client and a chat room over one websocket.
//
// A connection reports its lifecycle to a Sink as events. Opened is delivered at most once and
// always before any Frame. Exactly one terminal event (Errored before open, Closed after) ends the
// stream. All events of one connection are delivered from a single goroutine, in network order.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteWait        = 10 * time.Second
	defaultPingPeriod       = 30 * time.Second
	defaultReadTimeout      = 75 * time.Second
	maxFrameBytes           = 1 << 20
)

var (
	// ErrNotOpen reports a write on a connection that is not open.
	ErrNotOpen = errors.New("transport: connection not open")
	// ErrInvalidTarget reports a target that cannot be turned into a websocket URL.
	ErrInvalidTarget = errors.New("transport: invalid target")

	noOpLogger = zap.NewNop()
)

// Event is a connection lifecycle notification.
type Event interface {
	transportEvent()
}

// Opened reports that the websocket handshake completed.
type Opened struct{}

// Frame carries one inbound text frame.
type Frame struct {
	Data []byte
}

// Closed reports that an open connection ended. Err is nil for a locally requested close.
type Closed struct {
	Err error
}

// Errored reports that the connection failed before it opened.
type Errored struct {
	Err error
}

func (Opened) transportEvent()  {}
func (Frame) transportEvent()   {}
func (Closed) transportEvent()  {}
func (Errored) transportEvent() {}

// Sink receives connection events.
type Sink func(Event)

// Conn is an opening or open connection.
type Conn interface {
	Write(data []byte) error
	Close() error
}

// Target names the room endpoint to connect to.
type Target struct {
	BaseURL  string
	Room     string
	Username string
}

// URL returns ws(s)://<host>/ws/<room>/<username> derived from the http(s) base URL.
func (t Target) URL() (string, error) {
	base, err := url.Parse(strings.TrimSpace(t.BaseURL))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	switch base.Scheme {
	case "http", "ws":
		base.Scheme = "ws"
	case "https", "wss":
		base.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidTarget, base.Scheme)
	}
	if base.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidTarget)
	}
	if strings.TrimSpace(t.Room) == "" || strings.TrimSpace(t.Username) == "" {
		return "", fmt.Errorf("%w: room and username required", ErrInvalidTarget)
	}
	base.RawQuery = ""
	base.Fragment = ""
	prefix := strings.TrimRight(base.String(), "/")
	return prefix + "/ws/" + url.PathEscape(t.Room) + "/" + url.PathEscape(t.Username), nil
}

// DialerConfig configures a Dialer.
type DialerConfig struct {
	HandshakeTimeout time.Duration
	PingPeriod       time.Duration
	Logger           *zap.Logger
}

// Dialer opens websocket connections.
type Dialer struct {
	dialer     *websocket.Dialer
	pingPeriod time.Duration
	logger     *zap.Logger
}

// NewDialer constructs a Dialer.
func NewDialer(cfg DialerConfig) *Dialer {
	handshakeTimeout := cfg.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}
	pingPeriod := cfg.PingPeriod
	if pingPeriod <= 0 {
		pingPeriod = defaultPingPeriod
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Dialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		pingPeriod: pingPeriod,
		logger:     logger,
	}
}

// Open starts connecting to target and returns immediately. Progress is reported to sink.
func (d *Dialer) Open(ctx context.Context, target Target, sink Sink) Conn {
	dialCtx, cancel := context.WithCancel(ctx)
	conn := &Connection{
		cancel:     cancel,
		sink:       sink,
		logger:     d.logger.With(zap.String("room", target.Room), zap.String("user", target.Username)),
		pingPeriod: d.pingPeriod,
		done:       make(chan struct{}),
	}

	endpoint, err := target.URL()
	if err != nil {
		go conn.fail(err)
		return conn
	}
	go conn.dial(dialCtx, d.dialer, endpoint)
	return conn
}

// Connection is one websocket connection. Write and Close are safe for concurrent use.
type Connection struct {
	cancel     context.CancelFunc
	sink       Sink
	logger     *zap.Logger
	pingPeriod time.Duration

	mu     sync.Mutex
	ws     *websocket.Conn
	closed bool

	done chan struct{}
}

// Write sends one text frame.
func (c *Connection) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil || c.closed {
		return ErrNotOpen
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(defaultWriteWait)); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

// Close ends the connection or aborts the pending dial. It is idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.mu.Unlock()

	c.cancel()
	if ws == nil {
		return nil
	}
	deadline := time.Now().Add(defaultWriteWait)
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closed"), deadline)
	return ws.Close()
}

// Done is closed once the terminal event has been delivered.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) dial(ctx context.Context, dialer *websocket.Dialer, endpoint string) {
	ws, response, err := dialer.DialContext(ctx, endpoint, nil)
	if response != nil && response.Body != nil {
		_ = response.Body.Close()
	}
	if err != nil {
		if response != nil {
			err = fmt.Errorf("%w (status %d)", err, response.StatusCode)
		}
		c.fail(err)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ws.Close()
		c.finish(Closed{})
		return
	}
	c.ws = ws
	c.mu.Unlock()

	c.logger.Debug("websocket opened", zap.String("url", endpoint))
	c.sink(Opened{})
	go c.pingLoop(ws)
	c.readLoop(ws)
}

func (c *Connection) readLoop(ws *websocket.Conn) {
	ws.SetReadLimit(maxFrameBytes)
	_ = ws.SetReadDeadline(time.Now().Add(defaultReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(defaultReadTimeout))
	})

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			local := c.closed
			c.closed = true
			c.mu.Unlock()
			c.cancel()
			_ = ws.Close()
			if local {
				c.finish(Closed{})
				return
			}
			c.logger.Debug("websocket closed", zap.Error(err))
			c.finish(Closed{Err: err})
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(defaultReadTimeout))
		if messageType != websocket.TextMessage {
			c.logger.Debug("non-text frame ignored", zap.Int("type", messageType))
			continue
		}
		c.sink(Frame{Data: data})
	}
}

func (c *Connection) pingLoop(ws *websocket.Conn) {
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(defaultWriteWait)); err != nil {
				return
			}
		}
	}
}

func (c *Connection) fail(err error) {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.logger.Debug("websocket dial failed", zap.Error(err))
	c.finish(Errored{Err: err})
}

func (c *Connection) finish(event Event) {
	c.sink(event)
	close(c.done)
}
