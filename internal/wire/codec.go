package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Close codes sent in WebSocket close frames.
const (
	CloseNormal   = 1000
	CloseAuth     = 1008
	CloseTooLarge = 1009
	CloseOverflow = 4000
	CloseProtocol = 4001
)

// DefaultMaxFrameBytes is the frame ceiling used when none is configured.
const DefaultMaxFrameBytes = 8 << 20

// ErrFrameTooLarge is returned before parsing when a frame exceeds the ceiling.
var ErrFrameTooLarge = errors.New("wire: frame too large")

// ProtocolError describes a frame that violates the framing rules. The
// connection is closed with CloseProtocol.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "wire: protocol error: " + e.Reason }

func protocolErrorf(format string, args ...any) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// IsProtocolError reports whether err is a *ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// Decode parses one inbound frame. The size ceiling is enforced before any
// parsing; maxBytes <= 0 disables it.
func Decode(data []byte, maxBytes int64) (*Message, error) {
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, ErrFrameTooLarge
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, protocolErrorf("frame is not a JSON object")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return nil, protocolErrorf("invalid JSON: %v", err)
	}
	if dec.More() {
		return nil, protocolErrorf("trailing data after JSON object")
	}
	if err := validate(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func validate(msg *Message) error {
	switch msg.Msg {
	case MsgConnect, MsgPing, MsgPong:
		return nil
	case MsgMethod:
		if msg.Method == "" {
			return protocolErrorf("method message without method name")
		}
		if len(msg.ID) == 0 {
			return protocolErrorf("method message without id")
		}
		params := bytes.TrimSpace(msg.Params)
		if len(params) == 0 || bytes.Equal(params, []byte("null")) {
			msg.Params = json.RawMessage("[]")
			return nil
		}
		if params[0] != '[' {
			return protocolErrorf("params must be an array")
		}
		return nil
	case MsgSub:
		if msg.Collection == "" {
			return protocolErrorf("sub message without collection")
		}
		if len(msg.ID) > 0 && msg.Ref == "" {
			msg.Ref = msg.IDString()
		}
		return nil
	case MsgNoSub:
		if len(msg.ID) == 0 {
			return protocolErrorf("nosub message without id")
		}
		return nil
	case "":
		return protocolErrorf("missing msg discriminator")
	default:
		return protocolErrorf("unsupported msg %q", msg.Msg)
	}
}

// Encode serializes an outbound message.
func Encode(msg *Message) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeParams splits the params array into its elements.
func DecodeParams(params json.RawMessage) ([]json.RawMessage, error) {
	if len(bytes.TrimSpace(params)) == 0 {
		return nil, nil
	}
	var out []json.RawMessage
	if err := json.Unmarshal(params, &out); err != nil {
		return nil, protocolErrorf("params must be an array: %v", err)
	}
	return out, nil
}
