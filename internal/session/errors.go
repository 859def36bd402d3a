package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/torosent/swarmfire/internal/protocol"
	"github.com/torosent/swarmfire/internal/transport"
)

// Reason classifies why a session did not complete cleanly.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonConnectionRefused
	ReasonProtocolViolation
	ReasonTimeout
	ReasonTransportClosed
	ReasonTransport
	ReasonServerError
	ReasonAborted
)

var reasonNames = [...]string{
	ReasonNone:              "",
	ReasonConnectionRefused: "connection_refused",
	ReasonProtocolViolation: "protocol_violation",
	ReasonTimeout:           "timeout",
	ReasonTransportClosed:   "transport_closed",
	ReasonTransport:         "transport_error",
	ReasonServerError:       "server_error",
	ReasonAborted:           "aborted",
}

func (r Reason) String() string {
	if r < 0 || int(r) >= len(reasonNames) {
		return fmt.Sprintf("reason(%d)", int(r))
	}
	return reasonNames[r]
}

func (r Reason) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// Error carries a classified session failure.
type Error struct {
	Reason  Reason
	Err     error
	Payload map[string]any
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Reason, e.Err)
	if len(e.Payload) > 0 {
		if raw, err := json.Marshal(e.Payload); err == nil {
			msg += " " + string(raw)
		}
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func violation(format string, args ...any) error {
	return &Error{Reason: ReasonProtocolViolation, Err: fmt.Errorf(format, args...)}
}

func serverError(phase string, msg protocol.Message) error {
	return &Error{
		Reason:  ReasonServerError,
		Err:     fmt.Errorf("server error during %s", phase),
		Payload: msg.Payload,
	}
}

func timeoutError(format string, args ...any) error {
	return &Error{Reason: ReasonTimeout, Err: fmt.Errorf(format, args...)}
}

// Classify maps an arbitrary failure onto a Reason.
func Classify(err error) Reason {
	if err == nil {
		return ReasonNone
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Reason
	}
	switch {
	case errors.Is(err, transport.ErrConnectionRefused):
		return ReasonConnectionRefused
	case errors.Is(err, protocol.ErrMalformed):
		return ReasonProtocolViolation
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	default:
		return ReasonTransport
	}
}
