package event

import (
	"encoding/json"
	"fmt"
)

type envelope struct {
	Type MessageType     `json:"t"`
	Body json.RawMessage `json:"b"`
}

// Encode serializes a message into a wire frame.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, ErrNilMessage
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type(), err)
	}
	return json.Marshal(envelope{Type: msg.Type(), Body: body})
}

// Decode parses a wire frame produced by Encode.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	var msg Message
	switch env.Type {
	case TypeEvent:
		msg = &Event{}
	case TypeCommand:
		msg = &Command{}
	case TypeResult:
		msg = &Result{}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, env.Type)
	}
	if err := json.Unmarshal(env.Body, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return msg, nil
}
