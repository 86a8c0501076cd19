// Package broker defines the provider-agnostic transport surface and routes
// calls to the implementation matching a connection's provider.
package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xiaot623/gogo/switchboard/internal/domain"
)

// Presence is a chat presence state shown to the recipient.
type Presence string

const (
	PresenceComposing Presence = "composing"
	PresencePaused    Presence = "paused"
)

// Credentials are the opened transport secrets of a connection.
type Credentials struct {
	Token         string `json:"token,omitempty"`
	BaseURL       string `json:"base_url,omitempty"`
	PhoneNumberID string `json:"phone_number_id,omitempty"`
	APIVersion    string `json:"api_version,omitempty"`
}

// ParseCredentials decodes opened credential JSON.
func ParseCredentials(data []byte) (Credentials, error) {
	var creds Credentials
	if len(data) == 0 {
		return creds, nil
	}
	if err := json.Unmarshal(data, &creds); err != nil {
		return creds, fmt.Errorf("decode credentials: %w", err)
	}
	return creds, nil
}

// SendResult is what a transport reports for an accepted message.
type SendResult struct {
	ExternalID string `json:"external_id"`
}

// Broker is the capability surface every transport implements.
type Broker interface {
	Kind() Kind

	// Recipient resolves the transport address of a contact.
	Recipient(contact *domain.Contact) (string, error)

	SendText(ctx context.Context, creds Credentials, to string, p domain.TextPayload) (*SendResult, error)
	SendMedia(ctx context.Context, creds Credentials, to string, p domain.MediaPayload) (*SendResult, error)
	SendList(ctx context.Context, creds Credentials, to string, p domain.ListPayload) (*SendResult, error)
	SendButtons(ctx context.Context, creds Credentials, to string, p domain.ButtonsPayload) (*SendResult, error)
	SendLocation(ctx context.Context, creds Credentials, to string, p domain.LocationPayload) (*SendResult, error)
	SendContact(ctx context.Context, creds Credentials, to string, p domain.ContactPayload) (*SendResult, error)
	SendPresence(ctx context.Context, creds Credentials, to string, presence Presence) error

	MarkAsRead(ctx context.Context, creds Credentials, to, externalID string) error
	React(ctx context.Context, creds Credentials, to, externalID, emoji string) error
	Delete(ctx context.Context, creds Credentials, to, externalID string) error
	DownloadMedia(ctx context.Context, creds Credentials, externalID string) (*domain.MediaDownload, error)
}

// HealthChecker is implemented by brokers that can probe their provider.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Send dispatches a typed payload to the matching broker capability.
func Send(ctx context.Context, b Broker, creds Credentials, to string, payload domain.Payload) (*SendResult, error) {
	switch p := payload.(type) {
	case domain.TextPayload:
		return b.SendText(ctx, creds, to, p)
	case domain.MediaPayload:
		return b.SendMedia(ctx, creds, to, p)
	case domain.ListPayload:
		return b.SendList(ctx, creds, to, p)
	case domain.ButtonsPayload:
		return b.SendButtons(ctx, creds, to, p)
	case domain.LocationPayload:
		return b.SendLocation(ctx, creds, to, p)
	case domain.ContactPayload:
		return b.SendContact(ctx, creds, to, p)
	}
	return nil, fmt.Errorf("broker: unsupported payload %T", payload)
}
