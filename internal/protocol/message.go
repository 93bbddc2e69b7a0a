package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind tells requests and responses apart on the wire.
type Kind string

const (
	KindAct Kind = "act"
	KindRes Kind = "res"
)

func (k Kind) Valid() bool {
	return k == KindAct || k == KindRes
}

// Message is the transport envelope published on action and response channels.
type Message struct {
	ID      string          `json:"id"`
	Kind    Kind            `json:"kind"`
	Origin  string          `json:"origin,omitempty"`
	Pattern string          `json:"pattern,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Meta    Meta            `json:"meta"`
}

// Meta carries optional per-message metadata.
type Meta struct {
	// Timeout in milliseconds the caller is willing to wait.
	Timeout int64  `json:"timeout,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
	// Sent is the unix millisecond timestamp of publication.
	Sent    int64 `json:"sent,omitempty"`
	NoReply bool  `json:"no_reply,omitempty"`
}

// Error is a handler failure relayed back to the caller.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewResponse builds the reply to req. A non-nil err takes precedence over payload.
func NewResponse(req *Message, origin string, payload json.RawMessage, err error) *Message {
	res := &Message{
		ID:      req.ID,
		Kind:    KindRes,
		Origin:  origin,
		Pattern: req.Pattern,
		Meta:    Meta{TraceID: req.Meta.TraceID},
	}
	if err != nil {
		var pe *Error
		if errors.As(err, &pe) {
			res.Error = pe
		} else {
			res.Error = &Error{Code: "action_failed", Message: err.Error()}
		}
		return res
	}
	res.Payload = payload
	return res
}
