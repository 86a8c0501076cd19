// Package protocol defines the WebSocket message protocol between push
// clients and the switchboard.
package protocol

import "github.com/xiaot623/gogo/switchboard/internal/domain"

// Message types from client to server
const (
	TypeHello       = "hello"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
)

// Message types from server to client
const (
	TypeHelloAck     = "hello_ack"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeEvent        = "event"
	TypePong         = "pong"
	TypeError        = "error"
)

// BaseMessage contains common fields for all messages.
type BaseMessage struct {
	Type      string `json:"type"`
	Ts        int64  `json:"ts"`
	RequestID string `json:"request_id,omitempty"`
}

// HelloMessage is sent by the client to open the conversation.
type HelloMessage struct {
	BaseMessage
	APIKey     string            `json:"api_key,omitempty"`
	ClientMeta map[string]string `json:"client_meta,omitempty"`
}

// HelloAckMessage answers a valid hello.
type HelloAckMessage struct {
	BaseMessage
	ConnectionID string `json:"connection_id"`
}

// SubscribeMessage selects one topic. Exactly one of the ids is set.
type SubscribeMessage struct {
	BaseMessage
	SessionID      string `json:"session_id,omitempty"`
	ConnectionID   string `json:"connection_id,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
}

// SubscriptionMessage confirms a subscribe or unsubscribe.
type SubscriptionMessage struct {
	BaseMessage
	Topic string `json:"topic"`
}

// EventMessage carries one domain event to the client.
type EventMessage struct {
	BaseMessage
	Topic string        `json:"topic"`
	Event *domain.Event `json:"event"`
}

// ErrorMessage is sent when a client request fails.
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrorCodeInvalidMessage = "invalid_message"
	ErrorCodeUnauthorized   = "unauthorized"
	ErrorCodeHelloRequired  = "hello_required"
	ErrorCodeForbidden      = "forbidden"
	ErrorCodeNotFound       = "not_found"
	ErrorCodeInternalError  = "internal_error"
)
