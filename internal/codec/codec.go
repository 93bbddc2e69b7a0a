// Package codec turns transport messages into broker payloads and back.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/HsiangNianian/AMonItor/transport/internal/protocol"
)

var (
	ErrMissingID   = errors.New("codec: missing message id")
	ErrUnknownKind = errors.New("codec: unknown message kind")
)

// EncodeError reports a message that could not be serialized.
type EncodeError struct {
	ID  string
	Err error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("codec: encode message %q: %v", e.ID, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// DecodeError reports a malformed inbound payload.
type DecodeError struct {
	Size int
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("codec: decode %d bytes: %v", e.Size, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func Encode(msg *protocol.Message) ([]byte, error) {
	if msg == nil {
		return nil, &EncodeError{Err: errors.New("nil message")}
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, &EncodeError{ID: msg.ID, Err: err}
	}
	return b, nil
}

func Decode(data []byte) (*protocol.Message, error) {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &DecodeError{Size: len(data), Err: err}
	}
	if msg.ID == "" {
		return nil, &DecodeError{Size: len(data), Err: ErrMissingID}
	}
	if !msg.Kind.Valid() {
		return nil, &DecodeError{Size: len(data), Err: fmt.Errorf("%w: %q", ErrUnknownKind, msg.Kind)}
	}
	return &msg, nil
}
