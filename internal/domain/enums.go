// Package domain defines the core domain models for the switchboard.
package domain

// SessionStatus represents the lifecycle status of a session.
type SessionStatus string

const (
	SessionStatusQueued SessionStatus = "QUEUED"
	SessionStatusActive SessionStatus = "ACTIVE"
	SessionStatusPaused SessionStatus = "PAUSED"
	SessionStatusClosed SessionStatus = "CLOSED"
)

// sessionRank orders the forward chain QUEUED → ACTIVE → PAUSED → CLOSED.
var sessionRank = map[SessionStatus]int{
	SessionStatusQueued: 0,
	SessionStatusActive: 1,
	SessionStatusPaused: 2,
	SessionStatusClosed: 3,
}

// Valid reports whether s is a known session status.
func (s SessionStatus) Valid() bool {
	_, ok := sessionRank[s]
	return ok
}

// CanTransitionTo reports whether the edge s → next is permitted.
// Forward moves along the chain are allowed, plus PAUSED → ACTIVE and
// the CLOSED → ACTIVE reopen.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	from, ok := sessionRank[s]
	if !ok {
		return false
	}
	to, ok := sessionRank[next]
	if !ok {
		return false
	}
	if to > from {
		return true
	}
	return next == SessionStatusActive && (s == SessionStatusPaused || s == SessionStatusClosed)
}

// MessageStatus represents the delivery status of a message.
type MessageStatus string

const (
	MessageStatusPending   MessageStatus = "PENDING"
	MessageStatusSent      MessageStatus = "SENT"
	MessageStatusDelivered MessageStatus = "DELIVERED"
	MessageStatusRead      MessageStatus = "READ"
	MessageStatusFailed    MessageStatus = "FAILED"
)

var messageRank = map[MessageStatus]int{
	MessageStatusPending:   0,
	MessageStatusSent:      1,
	MessageStatusDelivered: 2,
	MessageStatusRead:      3,
}

// Valid reports whether s is a known message status.
func (s MessageStatus) Valid() bool {
	_, ok := messageRank[s]
	return ok || s == MessageStatusFailed
}

// Predecessors returns the statuses a message may hold immediately before
// moving to s. Status never regresses: FAILED is reachable from PENDING or
// SENT only, and terminal statuses have no successors.
func (s MessageStatus) Predecessors() []MessageStatus {
	if s == MessageStatusFailed {
		return []MessageStatus{MessageStatusPending, MessageStatusSent}
	}
	rank, ok := messageRank[s]
	if !ok {
		return nil
	}
	var out []MessageStatus
	for _, st := range []MessageStatus{MessageStatusPending, MessageStatusSent, MessageStatusDelivered} {
		if messageRank[st] < rank {
			out = append(out, st)
		}
	}
	return out
}

// CanAdvanceTo reports whether s → next is a forward move.
func (s MessageStatus) CanAdvanceTo(next MessageStatus) bool {
	for _, p := range next.Predecessors() {
		if p == s {
			return true
		}
	}
	return false
}

// Direction of a message relative to the organization.
type Direction string

const (
	DirectionInbound  Direction = "INBOUND"
	DirectionOutbound Direction = "OUTBOUND"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionInbound || d == DirectionOutbound
}

// Author identifies who produced a message.
type Author string

const (
	AuthorCustomer      Author = "CUSTOMER"
	AuthorAgent         Author = "AGENT"
	AuthorAI            Author = "AI"
	AuthorBusiness      Author = "BUSINESS"
	AuthorSystem        Author = "SYSTEM"
	AuthorAgentPlatform Author = "AGENT_PLATFORM"
)

// Valid reports whether a is a known author.
func (a Author) Valid() bool {
	switch a {
	case AuthorCustomer, AuthorAgent, AuthorAI, AuthorBusiness, AuthorSystem, AuthorAgentPlatform:
		return true
	}
	return false
}

// MessageType is the kind of content a message carries.
type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeImage    MessageType = "image"
	MessageTypeAudio    MessageType = "audio"
	MessageTypeVideo    MessageType = "video"
	MessageTypeDocument MessageType = "document"
	MessageTypeLocation MessageType = "location"
	MessageTypeContact  MessageType = "contact"
	MessageTypeList     MessageType = "list"
	MessageTypeButtons  MessageType = "buttons"
)

// IsMedia reports whether t carries a media attachment.
func (t MessageType) IsMedia() bool {
	switch t {
	case MessageTypeImage, MessageTypeAudio, MessageTypeVideo, MessageTypeDocument:
		return true
	}
	return false
}

// ConnectionStatus represents the transport state of a connection.
type ConnectionStatus string

const (
	ConnectionStatusPending      ConnectionStatus = "PENDING"
	ConnectionStatusConnecting   ConnectionStatus = "CONNECTING"
	ConnectionStatusConnected    ConnectionStatus = "CONNECTED"
	ConnectionStatusDisconnected ConnectionStatus = "DISCONNECTED"
	ConnectionStatusError        ConnectionStatus = "ERROR"
)

// Valid reports whether s is a known connection status.
func (s ConnectionStatus) Valid() bool {
	switch s {
	case ConnectionStatusPending, ConnectionStatusConnecting, ConnectionStatusConnected,
		ConnectionStatusDisconnected, ConnectionStatusError:
		return true
	}
	return false
}

// Unreachable reports whether the transport is known to be down.
func (s ConnectionStatus) Unreachable() bool {
	return s == ConnectionStatusDisconnected || s == ConnectionStatusError
}

// EventKind represents the kind of a domain event.
type EventKind string

const (
	EventConnectionStatus       EventKind = "connection.status"
	EventConnectionCreated      EventKind = "connection.created"
	EventSessionMessageReceived EventKind = "session.message.received"
	EventSessionMessageCreated  EventKind = "session.message.created"
	EventSessionMessageStatus   EventKind = "session.message.status"
	EventSessionStatus          EventKind = "session.status"
	EventSessionCreated         EventKind = "session.created"
	EventSessionAIBlocked       EventKind = "session.ai_blocked"
	EventSessionAIUnblocked     EventKind = "session.ai_unblocked"
	EventContactBlacklisted     EventKind = "contact.blacklisted"
	EventContactWhitelisted     EventKind = "contact.whitelisted"
)

// Reasons recorded on sessions.
const (
	BlockReasonAutoPausedHuman = "AUTO_PAUSED_HUMAN"
	BlockReasonManual          = "MANUAL"
	EndReasonInactivity        = "INACTIVITY_TIMEOUT"
)
