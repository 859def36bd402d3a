package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	DialectEnvelope  = "envelope"
	DialectGraphQLWS = "graphql-ws"
)

// Dialect maps canonical message types to the wire tags of one protocol and
// shapes the init/start payloads that protocol expects.
type Dialect struct {
	name         string
	subprotocols []string
	outbound     map[Type]string
	inbound      map[string]Type
	initPayload  func(token string) map[string]any
	startPayload func(document string) map[string]any
}

// Envelope is the generic dialect whose wire tags equal the canonical type names.
var Envelope = &Dialect{
	name: DialectEnvelope,
	outbound: map[Type]string{
		TypeInit:      "init",
		TypeAck:       "ack",
		TypeStart:     "start",
		TypeData:      "data",
		TypeError:     "error",
		TypeComplete:  "complete",
		TypeKeepalive: "keepalive",
	},
	inbound: map[string]Type{
		"init":      TypeInit,
		"ack":       TypeAck,
		"start":     TypeStart,
		"data":      TypeData,
		"error":     TypeError,
		"complete":  TypeComplete,
		"keepalive": TypeKeepalive,
	},
	initPayload: func(token string) map[string]any {
		if token == "" {
			return nil
		}
		return map[string]any{"token": token}
	},
	startPayload: func(document string) map[string]any {
		return map[string]any{"document": document}
	},
}

// GraphQLWS is the legacy subscriptions-transport-ws protocol.
var GraphQLWS = &Dialect{
	name:         DialectGraphQLWS,
	subprotocols: []string{"graphql-ws"},
	outbound: map[Type]string{
		TypeInit:      "connection_init",
		TypeAck:       "connection_ack",
		TypeStart:     "start",
		TypeData:      "data",
		TypeError:     "error",
		TypeComplete:  "stop",
		TypeKeepalive: "ka",
	},
	inbound: map[string]Type{
		"connection_init":  TypeInit,
		"connection_ack":   TypeAck,
		"connection_error": TypeError,
		"start":            TypeStart,
		"data":             TypeData,
		"error":            TypeError,
		"complete":         TypeComplete,
		"ka":               TypeKeepalive,
	},
	initPayload: func(token string) map[string]any {
		return map[string]any{"authToken": token}
	},
	startPayload: func(document string) map[string]any {
		return map[string]any{
			"query":     document,
			"variables": map[string]any{},
		}
	},
}

// Lookup resolves a dialect by name. An empty name selects Envelope.
func Lookup(name string) (*Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", DialectEnvelope:
		return Envelope, nil
	case DialectGraphQLWS:
		return GraphQLWS, nil
	default:
		return nil, fmt.Errorf("unknown dialect %q (supported: %s, %s)", name, DialectEnvelope, DialectGraphQLWS)
	}
}

// Name returns the dialect identifier.
func (d *Dialect) Name() string { return d.name }

// Subprotocols returns the WebSocket subprotocols to negotiate.
func (d *Dialect) Subprotocols() []string {
	return append([]string(nil), d.subprotocols...)
}

// InitMessage builds the handshake opener, carrying token when present.
func (d *Dialect) InitMessage(token string) Message {
	return Message{Type: TypeInit, Payload: d.initPayload(token)}
}

// StartMessage builds the subscription request for document.
func (d *Dialect) StartMessage(subscriptionID, document string) Message {
	return Message{ID: subscriptionID, Type: TypeStart, Payload: d.startPayload(document)}
}

// StopMessage builds the client-side completion of a subscription.
func (d *Dialect) StopMessage(subscriptionID string) Message {
	return Message{ID: subscriptionID, Type: TypeComplete}
}

type wireMessage struct {
	ID      string         `json:"id,omitempty"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Encode renders msg as a JSON text frame.
func (d *Dialect) Encode(msg Message) ([]byte, error) {
	tag, ok := d.outbound[msg.Type]
	if !ok {
		if msg.Tag == "" {
			return nil, fmt.Errorf("%s: no wire tag for %s", d.name, msg.Type)
		}
		tag = msg.Tag
	}
	return json.Marshal(wireMessage{ID: msg.ID, Type: tag, Payload: msg.Payload})
}

// Decode parses a frame. Unrecognized tags decode to TypeUnknown with Tag set;
// frames that are not JSON objects with a string "type" wrap ErrMalformed.
func (d *Dialect) Decode(data []byte) (Message, error) {
	if !gjson.ValidBytes(data) {
		return Message{}, fmt.Errorf("%w: invalid JSON", ErrMalformed)
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return Message{}, fmt.Errorf("%w: expected object, got %s", ErrMalformed, root.Type)
	}

	fields := root.Map()
	typeField, ok := fields["type"]
	if !ok || typeField.Type != gjson.String {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	msg := Message{Tag: typeField.Str, Type: TypeUnknown}
	if t, ok := d.inbound[typeField.Str]; ok {
		msg.Type = t
	}
	if id, ok := fields["id"]; ok {
		msg.ID = id.String()
	}

	if payload, ok := fields["payload"]; ok {
		switch {
		case payload.IsObject():
			var m map[string]any
			if err := json.Unmarshal([]byte(payload.Raw), &m); err != nil {
				return Message{}, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
			}
			msg.Payload = m
		case payload.Type == gjson.Null:
		default:
			msg.Payload = map[string]any{"value": payload.Value()}
		}
	}
	return msg, nil
}
