// Package transport abstracts one bidirectional, message-oriented connection
// to a remote endpoint.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/torosent/swarmfire/internal/protocol"
)

var (
	// ErrNotConnected is returned by Send and Receive before Open succeeds
	// or after Close.
	ErrNotConnected = errors.New("not connected")
	// ErrConnectionRefused marks a failed Open.
	ErrConnectionRefused = errors.New("connection refused")
)

// Status classifies the result of a Receive call.
type Status int

const (
	// StatusNoMessage means the timeout expired with nothing to read.
	StatusNoMessage Status = iota
	// StatusMessage means Delivery.Message holds a decoded message.
	StatusMessage
	// StatusClosed means the remote end closed the connection cleanly.
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusNoMessage:
		return "no-message"
	case StatusMessage:
		return "message"
	case StatusClosed:
		return "closed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Delivery is what Receive hands back.
type Delivery struct {
	Status  Status
	Message protocol.Message
}

// Transport is one connection owned by a single session.
type Transport interface {
	// Open establishes the connection.
	Open(ctx context.Context) error
	// Send writes one message. It fails with ErrNotConnected when not open.
	Send(ctx context.Context, msg protocol.Message) error
	// Receive waits up to timeout for the next message. Expiry is reported as
	// StatusNoMessage, not as an error.
	Receive(ctx context.Context, timeout time.Duration) (Delivery, error)
	// Close releases the connection. It is idempotent.
	Close() error
}

// Error describes a failed transport operation.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap annotates err with op unless it is nil or already a *Error.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	return &Error{Op: op, Err: err}
}

// Factory builds a fresh transport for the session with the given id.
type Factory func(sessionID int) Transport
