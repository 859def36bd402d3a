// Package transporttest provides a scripted in-memory transport for exercising
// sessions without a network.
package transporttest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/torosent/swarmfire/internal/protocol"
	"github.com/torosent/swarmfire/internal/transport"
)

// ErrInjected is the failure returned by scripted send failures.
var ErrInjected = errors.New("connection reset by peer")

// Script describes how the fake server behaves.
type Script struct {
	RefuseOpen  bool
	WithholdAck bool
	AckDelay    time.Duration
	// OpenDelay stalls Open like a pending upgrade. Only Close cuts it short;
	// the context is ignored.
	OpenDelay time.Duration

	// BeforeAck messages are delivered after init and before the ack.
	BeforeAck []protocol.Message
	// AfterStart messages are delivered once the subscription starts. An empty
	// ID is replaced with the subscription id.
	AfterStart []protocol.Message

	DataEvery      time.Duration
	KeepaliveEvery time.Duration

	// FailAfterSends makes the Nth+1 application send fail.
	FailAfterSends int
	// HangAfterSends makes the Nth+1 application send block until Close.
	HangAfterSends int
	// CloseAfterStart closes the connection from the remote side once the
	// subscription starts, after the given delay.
	CloseAfterStart time.Duration
	// ReceiveErr is returned by Receive once the subscription starts.
	ReceiveErr error
}

// Transport implements transport.Transport against a Script.
type Transport struct {
	script Script

	mu             sync.Mutex
	open           bool
	sent           []protocol.Message
	appSends       int
	subscriptionID string
	started        bool
	closeCalls     int

	inbox        chan protocol.Message
	remoteClosed chan struct{}
	remoteOnce   sync.Once
	closed       chan struct{}
	closeOnce    sync.Once
}

// New returns a transport following script.
func New(script Script) *Transport {
	return &Transport{
		script:       script,
		inbox:        make(chan protocol.Message, 1024),
		remoteClosed: make(chan struct{}),
		closed:       make(chan struct{}),
	}
}

func (t *Transport) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return transport.Wrap("open", err)
	}
	if t.script.RefuseOpen {
		return transport.Wrap("open", fmt.Errorf("%w: dial tcp 127.0.0.1:1", transport.ErrConnectionRefused))
	}
	if t.script.OpenDelay > 0 {
		select {
		case <-time.After(t.script.OpenDelay):
		case <-t.closed:
			return transport.Wrap("open", transport.ErrNotConnected)
		}
	}
	t.mu.Lock()
	t.open = true
	t.mu.Unlock()
	return nil
}

func (t *Transport) Send(ctx context.Context, msg protocol.Message) error {
	t.mu.Lock()
	if !t.open || t.isClosed() {
		t.mu.Unlock()
		return transport.Wrap("send", transport.ErrNotConnected)
	}
	if msg.Type == protocol.TypeData {
		if t.script.FailAfterSends > 0 && t.appSends >= t.script.FailAfterSends {
			t.mu.Unlock()
			return transport.Wrap("send", ErrInjected)
		}
		if t.script.HangAfterSends > 0 && t.appSends >= t.script.HangAfterSends {
			t.mu.Unlock()
			<-t.closed
			return transport.Wrap("send", transport.ErrNotConnected)
		}
		t.appSends++
	}
	t.sent = append(t.sent, msg)
	t.mu.Unlock()

	switch msg.Type {
	case protocol.TypeInit:
		t.onInit()
	case protocol.TypeStart:
		t.onStart(msg.ID)
	}
	return nil
}

func (t *Transport) onInit() {
	for _, m := range t.script.BeforeAck {
		t.push(m)
	}
	if t.script.WithholdAck {
		return
	}
	if t.script.AckDelay <= 0 {
		t.push(protocol.Message{Type: protocol.TypeAck})
		return
	}
	go func() {
		select {
		case <-time.After(t.script.AckDelay):
			t.push(protocol.Message{Type: protocol.TypeAck})
		case <-t.closed:
		}
	}()
}

func (t *Transport) onStart(id string) {
	t.mu.Lock()
	t.subscriptionID = id
	t.started = true
	t.mu.Unlock()

	for _, m := range t.script.AfterStart {
		if m.ID == "" {
			m.ID = id
		}
		t.push(m)
	}
	if t.script.DataEvery > 0 {
		go t.every(t.script.DataEvery, func(seq int) protocol.Message {
			return protocol.Message{ID: id, Type: protocol.TypeData, Payload: map[string]any{"seq": seq}}
		})
	}
	if t.script.KeepaliveEvery > 0 {
		go t.every(t.script.KeepaliveEvery, func(int) protocol.Message {
			return protocol.Message{Type: protocol.TypeKeepalive}
		})
	}
	if t.script.CloseAfterStart > 0 {
		go func() {
			select {
			case <-time.After(t.script.CloseAfterStart):
				t.CloseRemote()
			case <-t.closed:
			}
		}()
	}
}

func (t *Transport) every(interval time.Duration, build func(seq int) protocol.Message) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for seq := 1; ; seq++ {
		select {
		case <-ticker.C:
			t.push(build(seq))
		case <-t.closed:
			return
		case <-t.remoteClosed:
			return
		}
	}
}

func (t *Transport) push(m protocol.Message) {
	select {
	case t.inbox <- m:
	case <-t.closed:
	}
}

func (t *Transport) Receive(ctx context.Context, timeout time.Duration) (transport.Delivery, error) {
	t.mu.Lock()
	open := t.open
	started := t.started
	t.mu.Unlock()
	if !open || t.isClosed() {
		return transport.Delivery{}, transport.Wrap("receive", transport.ErrNotConnected)
	}
	if started && t.script.ReceiveErr != nil {
		return transport.Delivery{}, transport.Wrap("receive", t.script.ReceiveErr)
	}

	select {
	case m := <-t.inbox:
		return transport.Delivery{Status: transport.StatusMessage, Message: m}, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case m := <-t.inbox:
		return transport.Delivery{Status: transport.StatusMessage, Message: m}, nil
	case <-t.remoteClosed:
		return transport.Delivery{Status: transport.StatusClosed}, nil
	case <-t.closed:
		return transport.Delivery{}, transport.Wrap("receive", transport.ErrNotConnected)
	case <-timer.C:
		return transport.Delivery{Status: transport.StatusNoMessage}, nil
	case <-ctx.Done():
		return transport.Delivery{}, transport.Wrap("receive", ctx.Err())
	}
}

func (t *Transport) Close() error {
	t.mu.Lock()
	t.closeCalls++
	t.mu.Unlock()
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

// CloseRemote simulates the server closing the connection cleanly.
func (t *Transport) CloseRemote() {
	t.remoteOnce.Do(func() { close(t.remoteClosed) })
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

// Sent returns a copy of every message sent so far.
func (t *Transport) Sent() []protocol.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]protocol.Message(nil), t.sent...)
}

// SentOfType counts sent messages with type typ.
func (t *Transport) SentOfType(typ protocol.Type) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, m := range t.sent {
		if m.Type == typ {
			n++
		}
	}
	return n
}

// CloseCalls reports how many times Close was invoked.
func (t *Transport) CloseCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCalls
}

// Pool hands out one scripted transport per session and remembers them.
type Pool struct {
	script func(sessionID int) Script

	mu         sync.Mutex
	transports map[int]*Transport
}

// NewPool creates a pool whose transports follow script(sessionID).
func NewPool(script func(sessionID int) Script) *Pool {
	return &Pool{script: script, transports: make(map[int]*Transport)}
}

// Uniform creates a pool where every session follows the same script.
func Uniform(script Script) *Pool {
	return NewPool(func(int) Script { return script })
}

// Factory adapts the pool to transport.Factory.
func (p *Pool) Factory() transport.Factory {
	return func(sessionID int) transport.Transport {
		t := New(p.script(sessionID))
		p.mu.Lock()
		p.transports[sessionID] = t
		p.mu.Unlock()
		return t
	}
}

// Get returns the transport created for sessionID, or nil.
func (p *Pool) Get(sessionID int) *Transport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transports[sessionID]
}
