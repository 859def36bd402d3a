// Package protocol defines the tagged message envelope exchanged between a
// simulated session and the server, and the dialects that map canonical
// message types onto wire tags.
package protocol

import (
	"errors"
	"fmt"
	"time"
)

// ErrMalformed reports a frame that cannot be decoded into a Message.
var ErrMalformed = errors.New("malformed message")

// Type is the canonical message type understood by the session state machine.
type Type int

const (
	// TypeUnknown marks a wire tag the active dialect does not recognize.
	TypeUnknown Type = iota
	TypeInit
	TypeAck
	TypeStart
	TypeData
	TypeError
	TypeComplete
	TypeKeepalive
)

var typeNames = [...]string{
	TypeUnknown:   "unknown",
	TypeInit:      "init",
	TypeAck:       "ack",
	TypeStart:     "start",
	TypeData:      "data",
	TypeError:     "error",
	TypeComplete:  "complete",
	TypeKeepalive: "keepalive",
}

func (t Type) String() string {
	if t < 0 || int(t) >= len(typeNames) {
		return fmt.Sprintf("type(%d)", int(t))
	}
	return typeNames[t]
}

// Message is the envelope carried over a transport. Payload is opaque to the
// core; only Type drives dispatch.
type Message struct {
	ID      string
	Type    Type
	Payload map[string]any

	// Tag holds the raw wire tag of a decoded message.
	Tag string
}

// AppMessage builds the application message a session emits on every cadence
// tick once its subscription is streaming.
func AppMessage(subscriptionID string, sessionID int, sequence int64, now time.Time) Message {
	return Message{
		ID:   subscriptionID,
		Type: TypeData,
		Payload: map[string]any{
			"sender":    fmt.Sprintf("load-client-%d", sessionID),
			"content":   fmt.Sprintf("Hello from client %d, message %d", sessionID, sequence),
			"sequence":  sequence,
			"timestamp": float64(now.UnixNano()) / float64(time.Second),
		},
	}
}
