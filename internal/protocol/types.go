package protocol

import "encoding/json"

// Panel envelope types exchanged over the gateway websocket.
const (
	TypeAction       = "action"
	TypeActionAck    = "action_ack"
	TypeActionResult = "action_result"
	TypeError        = "error"
)

type Envelope struct {
	MsgID     string          `json:"msg_id"`
	TraceID   string          `json:"trace_id,omitempty"`
	Type      string          `json:"type"`
	TargetID  string          `json:"target_id,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type ActionPayload struct {
	Action  string          `json:"action"`
	Params  json.RawMessage `json:"params,omitempty"`
	NoReply bool            `json:"no_reply,omitempty"`
}

type ActionAckPayload struct {
	ActionMsgID string `json:"action_msg_id"`
	Success     bool   `json:"success"`
	Message     string `json:"message,omitempty"`
}

type ActionResultPayload struct {
	ActionMsgID string          `json:"action_msg_id"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *Error          `json:"error,omitempty"`
}
