package session

import (
	"fmt"
	"time"

	"github.com/torosent/swarmfire/internal/protocol"
)

// Kind is the terminal classification of a session.
type Kind int

const (
	// KindPending is the zero value; an outcome of this kind is not terminal.
	KindPending Kind = iota
	KindCompleted
	KindFailed
	KindTimedOut
)

func (k Kind) String() string {
	switch k {
	case KindPending:
		return "pending"
	case KindCompleted:
		return "completed"
	case KindFailed:
		return "failed"
	case KindTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Outcome is the immutable result of one session.
type Outcome struct {
	SessionID      int    `json:"session_id" yaml:"session_id"`
	SubscriptionID string `json:"subscription_id" yaml:"subscription_id"`
	Kind           Kind   `json:"kind" yaml:"kind"`
	Reason         Reason `json:"reason,omitempty" yaml:"reason,omitempty"`
	Detail         string `json:"detail,omitempty" yaml:"detail,omitempty"`
	State          State  `json:"state" yaml:"state"`
	Sent           int64  `json:"sent" yaml:"sent"`
	Received       int64  `json:"received" yaml:"received"`
	Errors         int64  `json:"errors" yaml:"errors"`

	StartedAt        time.Time     `json:"started_at" yaml:"started_at"`
	EndedAt          time.Time     `json:"ended_at" yaml:"ended_at"`
	HandshakeLatency time.Duration `json:"-" yaml:"-"`

	DurationMs  float64 `json:"duration_ms" yaml:"duration_ms"`
	HandshakeMs float64 `json:"handshake_ms,omitempty" yaml:"handshake_ms,omitempty"`
}

// Terminal reports whether the outcome has been finalized.
func (o Outcome) Terminal() bool { return o.Kind != KindPending }

// Duration is the wall-clock lifetime of the session.
func (o Outcome) Duration() time.Duration {
	if o.StartedAt.IsZero() || o.EndedAt.Before(o.StartedAt) {
		return 0
	}
	return o.EndedAt.Sub(o.StartedAt)
}

// Observer receives session lifecycle events. Implementations must be safe
// for concurrent use by many sessions.
type Observer interface {
	SessionStarted(sessionID int)
	MessageSent(sessionID int)
	MessageReceived(sessionID int, msg protocol.Message)
	SessionError(sessionID int, err error)
	SessionFinished(o Outcome)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) SessionStarted(int)                    {}
func (NopObserver) MessageSent(int)                       {}
func (NopObserver) MessageReceived(int, protocol.Message) {}
func (NopObserver) SessionError(int, error)               {}
func (NopObserver) SessionFinished(Outcome)               {}
