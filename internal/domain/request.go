package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// MaxDelayMs caps human-pacing delays before a send.
const MaxDelayMs = 30000

// DispatchRequest is the input of the message dispatch pipeline.
type DispatchRequest struct {
	SessionID           string          `json:"session_id"`
	Type                MessageType     `json:"type"`
	Direction           Direction       `json:"direction,omitempty"`
	Author              Author          `json:"author,omitempty"`
	Content             string          `json:"content"`
	ExternalID          string          `json:"external_id,omitempty"`
	MediaURL            string          `json:"media_url,omitempty"`
	Caption             string          `json:"caption,omitempty"`
	FileName            string          `json:"file_name,omitempty"`
	MimeType            string          `json:"mime_type,omitempty"`
	PauseSession        bool            `json:"pause_session,omitempty"`
	SendExternalMessage *bool           `json:"send_external_message,omitempty"`
	DelayMs             int             `json:"delay_ms,omitempty"`
	ShowTyping          bool            `json:"show_typing,omitempty"`
	InteractiveData     json.RawMessage `json:"interactive_data,omitempty"`
}

// ApplyDefaults fills the optional fields with their defaults.
func (r *DispatchRequest) ApplyDefaults() {
	if r.Type == "" {
		r.Type = MessageTypeText
	}
	if r.Direction == "" {
		r.Direction = DirectionOutbound
	}
	if r.Author == "" {
		r.Author = AuthorAgent
	}
	if r.SendExternalMessage == nil {
		send := true
		r.SendExternalMessage = &send
	}
}

// SendsExternally reports whether the request must reach the transport.
func (r *DispatchRequest) SendsExternally() bool {
	return r.Direction == DirectionOutbound && (r.SendExternalMessage == nil || *r.SendExternalMessage)
}

// Validate checks the request and builds its payload.
func (r *DispatchRequest) Validate() (Payload, error) {
	if strings.TrimSpace(r.SessionID) == "" {
		return nil, NewValidationError("session_id", "is required")
	}
	if strings.TrimSpace(r.Content) == "" {
		return nil, NewValidationError("content", "must not be empty")
	}
	if !r.Direction.Valid() {
		return nil, NewValidationError("direction", "must be INBOUND or OUTBOUND")
	}
	if !r.Author.Valid() {
		return nil, NewValidationError("author", "unknown author "+string(r.Author))
	}
	if r.DelayMs < 0 || r.DelayMs > MaxDelayMs {
		return nil, NewValidationError("delay_ms", "must be between 0 and 30000")
	}
	return BuildPayload(r)
}

// InboundMessage is a message received from a transport webhook.
type InboundMessage struct {
	ConnectionID string          `json:"connection_id"`
	From         string          `json:"from"`
	ChatID       string          `json:"chat_id,omitempty"`
	PushName     string          `json:"push_name,omitempty"`
	ExternalID   string          `json:"external_id,omitempty"`
	Type         MessageType     `json:"type,omitempty"`
	Content      string          `json:"content"`
	MediaURL     string          `json:"media_url,omitempty"`
	Caption      string          `json:"caption,omitempty"`
	FileName     string          `json:"file_name,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// MessageStatusUpdate is a delivery receipt reported by a transport.
type MessageStatusUpdate struct {
	ConnectionID string        `json:"connection_id"`
	ExternalID   string        `json:"external_id"`
	Status       MessageStatus `json:"status"`
	Error        string        `json:"error,omitempty"`
}

// CreateConnectionRequest registers a new connection.
type CreateConnectionRequest struct {
	OrganizationID         string            `json:"organization_id"`
	Name                   string            `json:"name"`
	Provider               string            `json:"provider"`
	Credentials            map[string]string `json:"credentials,omitempty"`
	WebhookURL             string            `json:"webhook_url,omitempty"`
	AutoPauseOnHumanReply  *bool             `json:"auto_pause_on_human_reply,omitempty"`
	AutoPauseDurationHours int               `json:"auto_pause_duration_hours,omitempty"`
}

// SessionFilter narrows session listings.
type SessionFilter struct {
	OrganizationID string
	ConnectionID   string
	ContactID      string
	Status         SessionStatus
	Page           int
	Limit          int
}

// MessageFilter narrows message listings.
type MessageFilter struct {
	OrganizationID string
	SessionID      string
	ContactID      string
	Direction      Direction
	Author         Author
	Page           int
	Limit          int
}

// Normalize clamps pagination to page >= 1 and 1 <= limit <= 100.
func Normalize(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	return page, limit
}

// Pagination is returned alongside list results.
type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// NewPagination computes page counts for a listing.
func NewPagination(page, limit, total int) Pagination {
	pages := 0
	if limit > 0 {
		pages = (total + limit - 1) / limit
	}
	return Pagination{Page: page, Limit: limit, Total: total, TotalPages: pages}
}

// MediaDownload is the result of a media fetch.
type MediaDownload struct {
	URL         string `json:"url,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Data        []byte `json:"data,omitempty"`
}

// ProcessDecision explains whether the AI should answer a message.
type ProcessDecision struct {
	Process bool   `json:"process"`
	Reason  string `json:"reason"`
}

// SessionUpdate carries the columns written by a session status transition.
type SessionUpdate struct {
	Status      SessionStatus
	ClosedAt    *time.Time
	EndReason   string
	PausedUntil *time.Time
	UpdatedAt   time.Time
}

// MessageUpdate carries the columns written by a message status transition.
type MessageUpdate struct {
	Status     MessageStatus
	ExternalID string
	Error      string
	At         time.Time
}
