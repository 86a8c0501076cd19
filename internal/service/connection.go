package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xiaot623/gogo/switchboard/internal/domain"
	"github.com/xiaot623/gogo/switchboard/internal/policy"
)

// ConnectionStatusEvent is the payload of connection.status.
type ConnectionStatusEvent struct {
	ConnectionID string                  `json:"connection_id"`
	From         domain.ConnectionStatus `json:"from"`
	To           domain.ConnectionStatus `json:"to"`
}

// CreateConnection registers a connection with sealed credentials.
func (s *Service) CreateConnection(ctx context.Context, req *domain.CreateConnectionRequest) (*domain.Connection, error) {
	if strings.TrimSpace(req.OrganizationID) == "" {
		return nil, domain.NewValidationError("organization_id", "is required")
	}
	if strings.TrimSpace(req.Name) == "" {
		return nil, domain.NewValidationError("name", "is required")
	}
	if _, err := s.router.KindFor(req.Provider); err != nil {
		return nil, domain.NewValidationError("provider", err.Error())
	}
	hours := req.AutoPauseDurationHours
	if hours == 0 {
		hours = 24
	}
	if hours < 1 || hours > 168 {
		return nil, domain.NewValidationError("auto_pause_duration_hours", "must be between 1 and 168")
	}
	if err := s.authorize(ctx, policy.ActionSessionWrite, req.OrganizationID); err != nil {
		return nil, err
	}

	sealed, err := s.sealCredentials(req.Credentials)
	if err != nil {
		return nil, err
	}
	autoPause := true
	if req.AutoPauseOnHumanReply != nil {
		autoPause = *req.AutoPauseOnHumanReply
	}

	now := s.now().UTC()
	conn := &domain.Connection{
		ID:                     newID(),
		OrganizationID:         req.OrganizationID,
		Name:                   req.Name,
		Provider:               req.Provider,
		Status:                 domain.ConnectionStatusPending,
		Credentials:            sealed,
		WebhookURL:             req.WebhookURL,
		AutoPauseOnHumanReply:  autoPause,
		AutoPauseDurationHours: hours,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := s.store.CreateConnection(ctx, conn); err != nil {
		return nil, fmt.Errorf("failed to create connection: %w", err)
	}
	s.emit(ctx, domain.EventConnectionCreated, conn.OrganizationID, "", conn.ID, conn)
	return conn, nil
}

func (s *Service) sealCredentials(creds map[string]string) (string, error) {
	if len(creds) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(creds)
	if err != nil {
		return "", fmt.Errorf("failed to encode credentials: %w", err)
	}
	if s.vault == nil {
		return string(raw), nil
	}
	sealed, err := s.vault.Seal(raw)
	if err != nil {
		return "", fmt.Errorf("failed to seal credentials: %w", err)
	}
	return sealed, nil
}

// GetConnection returns one connection.
func (s *Service) GetConnection(ctx context.Context, id string) (*domain.Connection, error) {
	conn, err := s.loadConnection(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, policy.ActionSessionRead, conn.OrganizationID); err != nil {
		return nil, err
	}
	return conn, nil
}

// UpdateConnectionStatus records a transport state change reported by a provider.
func (s *Service) UpdateConnectionStatus(ctx context.Context, id string, status domain.ConnectionStatus) (*domain.Connection, error) {
	if !status.Valid() {
		return nil, domain.NewValidationError("status", "unknown connection status "+string(status))
	}
	conn, err := s.loadConnection(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, policy.ActionSessionWrite, conn.OrganizationID); err != nil {
		return nil, err
	}
	if conn.Status == status {
		return conn, nil
	}

	now := s.now().UTC()
	ok, err := s.store.UpdateConnectionStatus(ctx, id, status, now)
	if err != nil {
		return nil, fmt.Errorf("failed to update connection status: %w", err)
	}
	if !ok {
		return nil, domain.ErrConnectionNotFound
	}
	from := conn.Status
	conn.Status = status
	conn.UpdatedAt = now

	s.logger.Info().Str("connection_id", id).Str("from", string(from)).Str("to", string(status)).Msg("connection status changed")
	s.emit(ctx, domain.EventConnectionStatus, conn.OrganizationID, "", conn.ID,
		ConnectionStatusEvent{ConnectionID: id, From: from, To: status})
	return conn, nil
}

// SessionTopic authorizes a live subscription to one session's events.
func (s *Service) SessionTopic(ctx context.Context, sessionID string) (string, error) {
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if err := s.authorize(ctx, policy.ActionEventSubscribe, session.OrganizationID); err != nil {
		return "", err
	}
	return domain.SessionTopic(sessionID), nil
}

// ConnectionTopic authorizes a live subscription to one connection's events.
func (s *Service) ConnectionTopic(ctx context.Context, connectionID string) (string, error) {
	conn, err := s.loadConnection(ctx, connectionID)
	if err != nil {
		return "", err
	}
	if err := s.authorize(ctx, policy.ActionEventSubscribe, conn.OrganizationID); err != nil {
		return "", err
	}
	return domain.ConnectionTopic(connectionID), nil
}

// OrganizationTopic authorizes a live subscription to every event of an organization.
func (s *Service) OrganizationTopic(ctx context.Context, organizationID string) (string, error) {
	if err := s.authorize(ctx, policy.ActionEventSubscribe, organizationID); err != nil {
		return "", err
	}
	return domain.OrganizationTopic(organizationID), nil
}
