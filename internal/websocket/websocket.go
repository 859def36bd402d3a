// Package websocket implements transport.Transport over gorilla/websocket.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/torosent/swarmfire/internal/clientmetrics"
	"github.com/torosent/swarmfire/internal/protocol"
	"github.com/torosent/swarmfire/internal/tracing"
	"github.com/torosent/swarmfire/internal/transport"
)

const (
	defaultHandshakeTimeout = 30 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultMaxMessageSize   = 1024 * 1024
	closeGrace              = time.Second
	frameBuffer             = 64

	// SessionHeader carries the session id on the upgrade request.
	SessionHeader = "X-Swarmfire-Session"
)

// Config configures the WebSocket transport behavior.
type Config struct {
	URL              string
	Headers          http.Header
	Dialect          *protocol.Dialect
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	MaxMessageSize   int64
	// Propagate injects W3C trace context into the upgrade request.
	Propagate bool
}

func (c *Config) normalize() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.Dialect == nil {
		c.Dialect = protocol.Envelope
	}
}

type frame struct {
	data []byte
	err  error
}

// Transport is one client connection. Frames are read by a background
// goroutine so Receive can honor its timeout without poisoning the
// connection with a read deadline.
type Transport struct {
	cfg       Config
	sessionID int
	dialer    *websocket.Dialer
	metrics   *clientmetrics.ClientMetrics

	mu         sync.Mutex
	conn       *websocket.Conn
	cancelDial context.CancelFunc
	rawConn    net.Conn // dialed socket while the upgrade is pending
	frames     chan frame
	done       chan struct{}
	closed     bool

	writeMu sync.Mutex
}

var _ transport.Transport = (*Transport)(nil)

// New creates a transport for one session.
func New(cfg Config, sessionID int) *Transport {
	cfg.normalize()
	t := &Transport{
		cfg:       cfg,
		sessionID: sessionID,
		metrics:   clientmetrics.New(),
		done:      make(chan struct{}),
	}
	t.dialer = &websocket.Dialer{
		NetDialContext:   t.netDial,
		HandshakeTimeout: cfg.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
		Subprotocols:     cfg.Dialect.Subprotocols(),
	}
	return t
}

// netDial records the raw socket so Close can cut a pending upgrade short;
// cancelling the dial context alone does not interrupt the handshake read.
func (t *Transport) netDial(ctx context.Context, network, addr string) (net.Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		c.Close()
		return nil, transport.ErrNotConnected
	}
	t.rawConn = c
	return c, nil
}

// Open dials the endpoint. Close aborts an in-flight dial.
func (t *Transport) Open(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return transport.Wrap("open", transport.ErrNotConnected)
	}
	if t.conn != nil {
		t.mu.Unlock()
		return transport.Wrap("open", fmt.Errorf("already connected"))
	}
	dialCtx, cancel := context.WithCancel(ctx)
	t.cancelDial = cancel
	t.mu.Unlock()
	defer cancel()

	headers := t.requestHeaders(ctx)
	conn, resp, err := t.dialer.DialContext(dialCtx, t.cfg.URL, headers)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelDial = nil
	t.rawConn = nil

	if t.closed {
		if conn != nil {
			conn.Close()
		}
		return transport.Wrap("open", transport.ErrNotConnected)
	}
	if err != nil {
		t.metrics.IncrementErrors()
		if ctx.Err() != nil {
			return transport.Wrap("open", ctx.Err())
		}
		if resp != nil {
			return transport.Wrap("open", fmt.Errorf("%w: websocket dial failed with status %d: %v", transport.ErrConnectionRefused, resp.StatusCode, err))
		}
		return transport.Wrap("open", fmt.Errorf("%w: websocket dial failed: %v", transport.ErrConnectionRefused, err))
	}

	conn.SetReadLimit(t.cfg.MaxMessageSize)
	t.conn = conn
	t.frames = make(chan frame, frameBuffer)
	t.metrics.MarkConnected()
	go t.readLoop(conn, t.frames)
	return nil
}

func (t *Transport) requestHeaders(ctx context.Context) http.Header {
	headers := t.cfg.Headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	headers.Set(SessionHeader, strconv.Itoa(t.sessionID))
	if t.cfg.Propagate {
		tracing.InjectHTTPHeaders(ctx, headers)
	}
	return headers
}

func (t *Transport) readLoop(conn *websocket.Conn, out chan<- frame) {
	defer close(out)
	for {
		_, data, err := conn.ReadMessage()
		if err == nil {
			t.metrics.IncrementReceived(int64(len(data)))
		}
		select {
		case out <- frame{data: data, err: err}:
		case <-t.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// Send encodes msg with the configured dialect and writes one text frame.
func (t *Transport) Send(ctx context.Context, msg protocol.Message) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return transport.Wrap("send", transport.ErrNotConnected)
	}

	data, err := t.cfg.Dialect.Encode(msg)
	if err != nil {
		return transport.Wrap("send", err)
	}

	deadline := time.Now().Add(t.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := ctx.Err(); err != nil {
		return transport.Wrap("send", err)
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		t.metrics.IncrementErrors()
		return transport.Wrap("send", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.metrics.IncrementErrors()
		return transport.Wrap("send", err)
	}
	t.metrics.IncrementSent(int64(len(data)))
	return nil
}

// Receive waits up to timeout for the next frame. A clean close by the
// server is reported as transport.StatusClosed.
func (t *Transport) Receive(ctx context.Context, timeout time.Duration) (transport.Delivery, error) {
	t.mu.Lock()
	frames := t.frames
	t.mu.Unlock()
	if frames == nil {
		return transport.Delivery{}, transport.Wrap("receive", transport.ErrNotConnected)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f, ok := <-frames:
		if !ok {
			return transport.Delivery{Status: transport.StatusClosed}, nil
		}
		if f.err != nil {
			if isCleanClose(f.err) {
				return transport.Delivery{Status: transport.StatusClosed}, nil
			}
			t.metrics.IncrementErrors()
			return transport.Delivery{}, transport.Wrap("receive", f.err)
		}
		msg, err := t.cfg.Dialect.Decode(f.data)
		if err != nil {
			t.metrics.IncrementErrors()
			return transport.Delivery{}, transport.Wrap("receive", err)
		}
		return transport.Delivery{Status: transport.StatusMessage, Message: msg}, nil
	case <-timer.C:
		return transport.Delivery{Status: transport.StatusNoMessage}, nil
	case <-t.done:
		return transport.Delivery{}, transport.Wrap("receive", transport.ErrNotConnected)
	case <-ctx.Done():
		return transport.Delivery{}, ctx.Err()
	}
}

func isCleanClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}

// Close sends a close frame and releases the connection. It is idempotent
// and safe to call concurrently with every other method.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	if t.cancelDial != nil {
		t.cancelDial()
	}
	if t.rawConn != nil {
		t.rawConn.Close()
		t.rawConn = nil
	}
	conn := t.conn
	t.conn = nil
	close(t.done)
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	t.metrics.MarkDisconnected()

	err := conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeGrace),
	)
	closeErr := conn.Close()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return err
	}
	return closeErr
}

// Metrics returns the current wire counters.
func (t *Transport) Metrics() clientmetrics.Snapshot {
	return t.metrics.Snapshot()
}

// Factory builds transports that share one configuration and keeps them so
// wire totals can be summed after the run.
type Factory struct {
	cfg Config

	mu         sync.Mutex
	transports []*Transport
}

// NewFactory returns a factory for cfg.
func NewFactory(cfg Config) *Factory {
	return &Factory{cfg: cfg}
}

// New builds the transport for one session.
func (f *Factory) New(sessionID int) transport.Transport {
	t := New(f.cfg, sessionID)
	f.mu.Lock()
	f.transports = append(f.transports, t)
	f.mu.Unlock()
	return t
}

// Totals sums the counters of every transport built so far.
func (f *Factory) Totals() clientmetrics.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	var total clientmetrics.Snapshot
	for _, t := range f.transports {
		total = total.Add(t.Metrics())
	}
	return total
}
