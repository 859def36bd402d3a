package session

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/torosent/swarmfire/internal/protocol"
)

// State is a position in the handshake/subscription lifecycle.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingAck
	StateSubscribing
	StateStreaming
	StateCompleting
	StateClosed
	StateError
)

var stateNames = [...]string{
	StateIdle:        "idle",
	StateConnecting:  "connecting",
	StateAwaitingAck: "awaiting_ack",
	StateSubscribing: "subscribing",
	StateStreaming:   "streaming",
	StateCompleting:  "completing",
	StateClosed:      "closed",
	StateError:       "error",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == StateClosed || s == StateError }

// Handshaking reports whether the session has not reached the stream yet.
func (s State) Handshaking() bool {
	return s == StateConnecting || s == StateAwaitingAck || s == StateSubscribing
}

// Effect tells the session what an inbound message requires of it.
type Effect int

const (
	EffectNone Effect = iota
	// EffectAcked means the handshake finished and start must be sent.
	EffectAcked
	// EffectData means one subscription payload arrived.
	EffectData
	// EffectKeepalive means the idle clock should be reset.
	EffectKeepalive
	// EffectServerComplete means the server ended the subscription.
	EffectServerComplete
)

// ErrInvalidTransition is returned when a transition is requested from a state
// that does not allow it.
var ErrInvalidTransition = errors.New("invalid transition")

// Machine holds the protocol state of one session. Transitions must be applied
// by a single goroutine; State may be read concurrently.
type Machine struct {
	state          atomic.Int32
	subscriptionID string
	err            error
}

// NewMachine returns a machine in StateIdle for the given subscription.
func NewMachine(subscriptionID string) *Machine {
	return &Machine{subscriptionID: subscriptionID}
}

func (m *Machine) State() State { return State(m.state.Load()) }

// Err returns the failure that moved the machine to StateError.
func (m *Machine) Err() error { return m.err }

func (m *Machine) move(to State, from ...State) error {
	cur := m.State()
	for _, f := range from {
		if cur == f {
			m.state.Store(int32(to))
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, to)
}

// Begin moves Idle to Connecting.
func (m *Machine) Begin() error { return m.move(StateConnecting, StateIdle) }

// Opened moves Connecting to AwaitingAck once the transport is open.
func (m *Machine) Opened() error { return m.move(StateAwaitingAck, StateConnecting) }

// Subscribed moves Subscribing to Streaming once start has been sent.
func (m *Machine) Subscribed() error { return m.move(StateStreaming, StateSubscribing) }

// Complete moves Subscribing or Streaming to Completing.
func (m *Machine) Complete() error {
	return m.move(StateCompleting, StateSubscribing, StateStreaming)
}

// Closed moves Completing to Closed after the transport closed.
func (m *Machine) Closed() error { return m.move(StateClosed, StateCompleting) }

// Fail moves any non-terminal state to Error. It reports whether the
// transition happened.
func (m *Machine) Fail(err error) bool {
	if m.State().Terminal() {
		return false
	}
	m.err = err
	m.state.Store(int32(StateError))
	return true
}

// Handle dispatches an inbound message for the current state. A returned
// error means the machine is now in StateError.
func (m *Machine) Handle(msg protocol.Message) (Effect, error) {
	switch state := m.State(); state {
	case StateAwaitingAck:
		return m.handleHandshake(msg)
	case StateSubscribing, StateStreaming:
		return m.handleStream(msg)
	case StateCompleting, StateClosed, StateError:
		return EffectNone, nil
	default:
		return m.reject(violation("unexpected %s while %s", describe(msg), state))
	}
}

func (m *Machine) handleHandshake(msg protocol.Message) (Effect, error) {
	switch msg.Type {
	case protocol.TypeAck:
		m.state.Store(int32(StateSubscribing))
		return EffectAcked, nil
	case protocol.TypeKeepalive:
		return EffectNone, nil
	case protocol.TypeError:
		return m.reject(serverError("handshake", msg))
	case protocol.TypeData:
		return m.reject(violation("data received before ack"))
	default:
		return m.reject(violation("unexpected %s while awaiting ack", describe(msg)))
	}
}

func (m *Machine) handleStream(msg protocol.Message) (Effect, error) {
	switch msg.Type {
	case protocol.TypeData:
		if msg.ID != m.subscriptionID {
			return m.reject(violation("data for unknown subscription %q", msg.ID))
		}
		return EffectData, nil
	case protocol.TypeKeepalive:
		return EffectKeepalive, nil
	case protocol.TypeError:
		return m.reject(serverError("stream", msg))
	case protocol.TypeComplete:
		if msg.ID != "" && msg.ID != m.subscriptionID {
			return m.reject(violation("complete for unknown subscription %q", msg.ID))
		}
		m.state.Store(int32(StateCompleting))
		return EffectServerComplete, nil
	default:
		return m.reject(violation("unexpected %s while streaming", describe(msg)))
	}
}

func (m *Machine) reject(err error) (Effect, error) {
	m.Fail(err)
	return EffectNone, err
}

func describe(msg protocol.Message) string {
	if msg.Type == protocol.TypeUnknown {
		return fmt.Sprintf("unrecognized message type %q", msg.Tag)
	}
	return fmt.Sprintf("%s message", msg.Type)
}
