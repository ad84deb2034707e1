// Package wire frames and parses the JSON-RPC messages exchanged with
// clients. One JSON object travels per WebSocket text message (or per line
// on raw stream connections).
package wire

import (
	"encoding/json"
	"strconv"

	"pkt.systems/middlewared/internal/apierr"
)

// Message discriminators.
const (
	MsgConnect   = "connect"
	MsgConnected = "connected"
	MsgMethod    = "method"
	MsgResult    = "result"
	MsgError     = "error"
	MsgSub       = "sub"
	MsgNoSub     = "nosub"
	MsgAdded     = "added"
	MsgChanged   = "changed"
	MsgRemoved   = "removed"
	MsgPing      = "ping"
	MsgPong      = "pong"
)

// ProtocolVersion is the only version accepted in connect.
const ProtocolVersion = "1"

// Message is the union of every frame shape. Fields not used by a given msg
// stay empty and are omitted on encode.
type Message struct {
	Msg string `json:"msg"`
	// ID is the client-chosen call id, the server-assigned subscription id,
	// or the object id of an event delivery. It is echoed byte for byte.
	ID json.RawMessage `json:"id,omitempty"`

	// connect / connected
	Version string   `json:"version,omitempty"`
	Support []string `json:"support,omitempty"`
	Session string   `json:"session,omitempty"`

	// method
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Timeout float64         `json:"timeout,omitempty"`

	// result / error
	Result json.RawMessage `json:"result,omitempty"`
	Error  *apierr.Wire    `json:"error,omitempty"`

	// sub / nosub / deliveries
	Collection   string          `json:"collection,omitempty"`
	Ref          string          `json:"ref,omitempty"`
	Filters      json.RawMessage `json:"filters,omitempty"`
	Snapshot     bool            `json:"snapshot,omitempty"`
	Subscription string          `json:"subscription,omitempty"`
	Fields       json.RawMessage `json:"fields,omitempty"`
}

// IDString renders the raw id as text: strings are unquoted, numbers keep
// their literal form.
func (m *Message) IDString() string {
	return RawString(m.ID)
}

// RawString unquotes a JSON string or returns the literal for other scalars.
func RawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// StringID encodes s as a JSON string id.
func StringID(s string) json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}

// IntID encodes n as a JSON number id.
func IntID(n int64) json.RawMessage {
	return json.RawMessage(strconv.FormatInt(n, 10))
}

// Connected builds the handshake reply.
func Connected(session string) *Message {
	return &Message{Msg: MsgConnected, Session: session}
}

// Result builds a successful call reply. value is encoded with encoding/json.
func Result(id json.RawMessage, value any) (*Message, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return &Message{Msg: MsgResult, ID: id, Result: data}, nil
}

// ErrorReply builds a failed call reply.
func ErrorReply(id json.RawMessage, err *apierr.Error) *Message {
	w := err.ToWire()
	return &Message{Msg: MsgError, ID: id, Error: &w}
}

// Event kinds published on the bus map to delivery messages.
func Delivery(kind, collection, subscription string, objectID json.RawMessage, fields json.RawMessage) *Message {
	return &Message{Msg: kind, Collection: collection, Subscription: subscription, ID: objectID, Fields: fields}
}
