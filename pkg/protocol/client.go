package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrInvalidMessage = errors.New("invalid message")
	ErrUnknownType    = errors.New("unknown message type")
)

// ClientMessage is the union of every client to server message. Only the
// fields of the given Type are meaningful.
type ClientMessage struct {
	Type MessageType `json:"type"`
	// pong
	Timestamp int64 `json:"timestamp,omitempty"`
	// subscribe, unsubscribe
	Patterns []string `json:"patterns,omitempty"`
	// resync
	LastVersion string `json:"last_version,omitempty"`
}

// DecodeClient parses one inbound frame. Malformed JSON and a missing type
// wrap ErrInvalidMessage; an unrecognised type wraps ErrUnknownType.
func DecodeClient(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	switch msg.Type {
	case TypePong, TypeResync:
	case TypeSubscribe, TypeUnsubscribe:
		if len(msg.Patterns) == 0 {
			return nil, fmt.Errorf("%w: %s requires at least one pattern", ErrInvalidMessage, msg.Type)
		}
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	default:
		return &msg, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
	return &msg, nil
}

// Encode marshals any message in this package
func Encode(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}
