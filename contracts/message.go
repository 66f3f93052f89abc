package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// ContentType is the MIME type set on every published message body
const ContentType = "application/json"

// Message is the unit of work carried in a delivery body
type Message struct {
	ID      uint32 `json:"id"`
	Content string `json:"content"`
}

// NewMessage creates a message
func NewMessage(id uint32, content string) Message {
	return Message{ID: id, Content: content}
}

// String renders the message for progress output
func (m Message) String() string {
	return fmt.Sprintf("Message { id: %d, content: %q }", m.ID, m.Content)
}

// Encode serializes a message to its JSON wire form
func Encode(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message %d: %w", msg.ID, err)
	}
	return body, nil
}

// wireMessage detects missing fields, which plain unmarshalling into Message
// would silently zero.
type wireMessage struct {
	ID      *uint32 `json:"id"`
	Content *string `json:"content"`
}

// Decode parses a delivery body into a message
func Decode(body []byte) (Message, error) {
	if !utf8.Valid(body) {
		return Message{}, newDecodeError(body, ErrInvalidEncoding)
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return Message{}, newDecodeError(body, ErrEmptyBody)
	}

	var wire wireMessage
	if err := json.Unmarshal(trimmed, &wire); err != nil {
		return Message{}, newDecodeError(body, err)
	}

	if wire.ID == nil {
		return Message{}, newDecodeError(body, fmt.Errorf("%w: id", ErrMissingField))
	}
	if wire.Content == nil {
		return Message{}, newDecodeError(body, fmt.Errorf("%w: content", ErrMissingField))
	}

	return Message{ID: *wire.ID, Content: *wire.Content}, nil
}
