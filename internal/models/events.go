package models

import (
	"github.com/goccy/go-json"
)

// Client -> server actions.
const (
	ActionJoinPrefix     = "join:"
	ActionLeavePrefix    = "leave:"
	ActionSendMessage    = "message:send"
	ActionMarkRead       = "message:read"
	ActionReactionAdd    = "reaction:add"
	ActionReactionRemove = "reaction:remove"
)

// Server -> client events.
const (
	EventAck               = "ack"
	EventConnectionSuccess = "connection:success"
	EventConnectionError   = "connection:error"
	EventMessageDelivered  = "message:delivered"
	EventMessageCreated    = "message:created"
	EventMessageFailed     = "message:failed"
	EventMessageRead       = "message:read"
	EventReactionAdded     = "reaction:added"
	EventReactionRemoved   = "reaction:removed"
)

// Envelope is the frame every event and action travels in. ID is the
// client's correlation id and is echoed back in the matching ack.
type Envelope struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Type string      `json:"type"`
	ID   string      `json:"id,omitempty"`
	Data interface{} `json:"data,omitempty"`
}

// Encode builds a server -> client frame.
func Encode(eventType string, data interface{}) ([]byte, error) {
	return json.Marshal(outbound{Type: eventType, Data: data})
}

// EncodeAck builds the reply to the action carrying correlation id id.
func EncodeAck(id string, ack Ack) ([]byte, error) {
	return json.Marshal(outbound{Type: EventAck, ID: id, Data: ack})
}

// EncodeAction builds a client -> server frame.
func EncodeAction(actionType, id string, data interface{}) ([]byte, error) {
	return json.Marshal(outbound{Type: actionType, ID: id, Data: data})
}

// DecodeEnvelope parses a raw frame without looking at its payload.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, Reject(ErrProtocol, "Invalid frame")
	}
	if env.Type == "" {
		return Envelope{}, Reject(ErrProtocol, "Missing event type")
	}
	return env, nil
}

// Ack answers a single client action.
type Ack struct {
	Success bool        `json:"success"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// AckError builds a failed ack carrying the client-visible text of err.
func AckError(err error) Ack {
	return Ack{Success: false, Error: PublicError(err)}
}

type ConnectionSuccess struct {
	UserID string   `json:"userId"`
	Rooms  []string `json:"rooms"`
}

type ConnectionError struct {
	Error            string `json:"error"`
	Reason           string `json:"reason"`
	ReconnectAttempt int    `json:"reconnectAttempt"`
}

type MessageDelivered struct {
	MessageID string         `json:"messageId"`
	TempID    string         `json:"tempId,omitempty"`
	Status    DeliveryStatus `json:"status"`
}

type MessageCreated struct {
	Message *Message `json:"message"`
	TempID  string   `json:"tempId,omitempty"`
}

type MessageFailed struct {
	Error  string         `json:"error"`
	TempID string         `json:"tempId"`
	Status DeliveryStatus `json:"status"`
}

type MessageRead struct {
	MessageID string         `json:"messageId"`
	UserID    string         `json:"userId"`
	Status    DeliveryStatus `json:"status"`
}

type ReactionAdded struct {
	MessageID string    `json:"messageId"`
	Reaction  *Reaction `json:"reaction"`
}

type ReactionRemoved struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	Type      string `json:"type"`
}
