package domain

import (
	"encoding/json"
	"time"
)

// Connection is a configured messaging channel owned by an organization.
type Connection struct {
	ID             string           `json:"id"`
	OrganizationID string           `json:"organization_id"`
	Name           string           `json:"name"`
	Provider       string           `json:"provider"`
	Status         ConnectionStatus `json:"status"`
	// Credentials holds the sealed transport secrets. Never serialized.
	Credentials string `json:"-"`
	WebhookURL  string `json:"webhook_url,omitempty"`

	AutoPauseOnHumanReply  bool `json:"auto_pause_on_human_reply"`
	AutoPauseDurationHours int  `json:"auto_pause_duration_hours"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AutoPauseDuration returns the AI suppression window applied after a human
// reply. Out-of-range settings fall back to 24h.
func (c *Connection) AutoPauseDuration() time.Duration {
	hours := c.AutoPauseDurationHours
	if hours < 1 || hours > 168 {
		hours = 24
	}
	return time.Duration(hours) * time.Hour
}

// Contact is the remote party of a session. A contact with BypassBots set
// never receives automated replies.
type Contact struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	PhoneNumber    string    `json:"phone_number"`
	ExternalID     string    `json:"external_id,omitempty"`
	Name           string    `json:"name,omitempty"`
	BypassBots     bool      `json:"bypass_bots"`
	CreatedAt      time.Time `json:"created_at"`
}

// Session is a conversation thread between one contact and one connection.
type Session struct {
	ID             string        `json:"id"`
	OrganizationID string        `json:"organization_id"`
	ContactID      string        `json:"contact_id"`
	ConnectionID   string        `json:"connection_id"`
	Status         SessionStatus `json:"status"`

	AIEnabled      bool       `json:"ai_enabled"`
	AIBlockedUntil *time.Time `json:"ai_blocked_until"`
	AIBlockReason  string     `json:"ai_block_reason,omitempty"`

	PausedUntil     *time.Time `json:"paused_until"`
	ClosedAt        *time.Time `json:"closed_at,omitempty"`
	EndReason       string     `json:"end_reason,omitempty"`
	LastMessageAt   *time.Time `json:"last_message_at,omitempty"`
	WindowExpiresAt *time.Time `json:"window_expires_at,omitempty"`
	Tags            []string   `json:"tags"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsAIActive reports whether automated replies are allowed at now.
// The block window expires lazily: nothing flips a flag when it ends, so
// callers must evaluate this at every decision point instead of caching it.
func (s *Session) IsAIActive(now time.Time) bool {
	if !s.AIEnabled {
		return false
	}
	return s.AIBlockedUntil == nil || !s.AIBlockedUntil.After(now)
}

// CanReplyWithinWindow reports whether the 24h customer-service window is open.
func (s *Session) CanReplyWithinWindow(now time.Time) bool {
	return s.WindowExpiresAt != nil && s.WindowExpiresAt.After(now)
}

// Message is an individual unit of conversation content.
type Message struct {
	ID              string          `json:"id"`
	SessionID       string          `json:"session_id"`
	ContactID       string          `json:"contact_id"`
	ConnectionID    string          `json:"connection_id"`
	CorrelationID   string          `json:"correlation_id"`
	ExternalID      string          `json:"external_id,omitempty"`
	Direction       Direction       `json:"direction"`
	Author          Author          `json:"author"`
	Type            MessageType     `json:"type"`
	Content         string          `json:"content"`
	Status          MessageStatus   `json:"status"`
	MediaURL        string          `json:"media_url,omitempty"`
	Caption         string          `json:"caption,omitempty"`
	FileName        string          `json:"file_name,omitempty"`
	InteractiveData json.RawMessage `json:"interactive_data,omitempty"`
	Error           string          `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
}

// Event is a transient fan-out unit. It is never persisted.
type Event struct {
	Kind           EventKind       `json:"event"`
	OrganizationID string          `json:"organization_id,omitempty"`
	SessionID      string          `json:"session_id,omitempty"`
	ConnectionID   string          `json:"connection_id,omitempty"`
	Data           json.RawMessage `json:"data"`
	Timestamp      int64           `json:"timestamp"` // Unix milliseconds
}

// Topic prefixes used by the fan-out bus.
const (
	topicSession      = "session:events:"
	topicConnection   = "instance:status:"
	topicOrganization = "org:events:"
)

// SessionTopic returns the topic carrying events of one session.
func SessionTopic(id string) string { return topicSession + id }

// ConnectionTopic returns the topic carrying events of one connection.
func ConnectionTopic(id string) string { return topicConnection + id }

// OrganizationTopic returns the topic carrying every event of an organization.
func OrganizationTopic(id string) string { return topicOrganization + id }

// Topics returns every topic e is published on.
func (e *Event) Topics() []string {
	var topics []string
	if e.SessionID != "" {
		topics = append(topics, SessionTopic(e.SessionID))
	}
	if e.ConnectionID != "" && e.SessionID == "" {
		topics = append(topics, ConnectionTopic(e.ConnectionID))
	}
	if e.OrganizationID != "" {
		topics = append(topics, OrganizationTopic(e.OrganizationID))
	}
	return topics
}
