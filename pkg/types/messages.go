package types

import (
	"encoding/json"
	"time"
)

// MessageType discriminates stream envelopes on the wire.
type MessageType string

// Server-to-client and client-to-server envelope types.
const (
	MessageConnected MessageType = "connected"
	MessageLog       MessageType = "log"
	MessageLogs      MessageType = "logs"
	MessageOutput    MessageType = "output"
	MessageComplete  MessageType = "complete"
	MessageError     MessageType = "error"
	MessageCancelled MessageType = "cancelled"
	MessageEnd       MessageType = "end"
	MessagePing      MessageType = "ping"

	MessageExec   MessageType = "exec"
	MessageResize MessageType = "resize"
	MessageCancel MessageType = "cancel"
)

// StreamMessage is the server-to-client envelope carried on every streaming
// endpoint. Fields not relevant to a given message type are omitted.
type StreamMessage struct {
	Type      MessageType `json:"type"`
	BuildID   string      `json:"buildId,omitempty"`
	Data      string      `json:"data,omitempty"`
	Status    BuildStatus `json:"status,omitempty"`
	Code      int         `json:"code,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewStreamMessage builds an envelope of the given type stamped with the
// current time.
func NewStreamMessage(msgType MessageType) StreamMessage {
	return StreamMessage{Type: msgType, Timestamp: time.Now()}
}

// ClientMessage is the client-to-server control envelope. Data carries the
// type-specific payload: raw input bytes for "exec", terminal dimensions for
// "resize". A frame that does not parse into this envelope is a protocol
// error and is ignored rather than treated as data.
type ClientMessage struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ResizePayload is the Data payload of a "resize" client message.
type ResizePayload struct {
	Cols uint `json:"cols"`
	Rows uint `json:"rows"`
}
