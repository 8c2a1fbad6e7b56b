package protocol

import (
	"encoding/json"
	"fmt"
)

// Encode serializes a message after validating its required fields.
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type, err)
	}
	return data, nil
}

// Decode parses a wire payload. Malformed payloads and envelopes without a
// type are errors; the caller drops the message and keeps the connection.
// A well-formed message with an unrecognized type decodes fine and reports
// Known() == false.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if m.Type == "" {
		return Message{}, ErrMissingType
	}
	return m, nil
}
