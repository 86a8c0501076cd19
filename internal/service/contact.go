package service

import (
	"context"
	"fmt"
	"time"

	"github.com/xiaot623/gogo/switchboard/internal/domain"
	"github.com/xiaot623/gogo/switchboard/internal/policy"
)

// Organization session timeouts accepted by SetSessionTimeout.
const (
	minSessionTimeoutHours = 1
	maxSessionTimeoutHours = 72
)

// ContactBypassEvent is the payload of contact.blacklisted and contact.whitelisted.
type ContactBypassEvent struct {
	ContactID  string `json:"contact_id"`
	BypassBots bool   `json:"bypass_bots"`
}

// SetContactBypassBots excludes a contact from automated replies, or lets
// the autopilot answer it again.
func (s *Service) SetContactBypassBots(ctx context.Context, contactID string, bypass bool) (*domain.Contact, error) {
	contact, err := s.store.GetContact(ctx, contactID)
	if err != nil {
		return nil, fmt.Errorf("failed to get contact: %w", err)
	}
	if contact == nil {
		return nil, domain.ErrContactNotFound
	}
	if err := s.authorize(ctx, policy.ActionContactWrite, contact.OrganizationID); err != nil {
		return nil, err
	}

	ok, err := s.store.SetContactBypassBots(ctx, contactID, bypass)
	if err != nil {
		return nil, fmt.Errorf("failed to update contact: %w", err)
	}
	if !ok {
		return nil, domain.ErrContactNotFound
	}
	contact.BypassBots = bypass

	kind := domain.EventContactWhitelisted
	if bypass {
		kind = domain.EventContactBlacklisted
	}
	s.logger.Info().Str("contact_id", contactID).Bool("bypass_bots", bypass).Msg("contact bot bypass changed")
	s.emit(ctx, kind, contact.OrganizationID, "", "", ContactBypassEvent{ContactID: contactID, BypassBots: bypass})
	return contact, nil
}

// SetSessionTimeout overrides the inactivity timeout of one organization.
func (s *Service) SetSessionTimeout(ctx context.Context, organizationID string, hours int) error {
	if organizationID == "" {
		return domain.NewValidationError("organization_id", "is required")
	}
	if hours < minSessionTimeoutHours || hours > maxSessionTimeoutHours {
		return domain.NewValidationError("hours", fmt.Sprintf("must be between %d and %d", minSessionTimeoutHours, maxSessionTimeoutHours))
	}
	if err := s.authorize(ctx, policy.ActionSettingsWrite, organizationID); err != nil {
		return err
	}
	if err := s.store.SetSessionTimeout(ctx, organizationID, hours, s.now().UTC()); err != nil {
		return fmt.Errorf("failed to set session timeout: %w", err)
	}
	return nil
}

// SessionTimeout returns the inactivity timeout applied to an organization.
func (s *Service) SessionTimeout(ctx context.Context, organizationID string) (time.Duration, error) {
	if err := s.authorize(ctx, policy.ActionSessionRead, organizationID); err != nil {
		return 0, err
	}
	hours, err := s.store.GetSessionTimeout(ctx, organizationID)
	if err != nil {
		return 0, fmt.Errorf("failed to get session timeout: %w", err)
	}
	if hours == 0 {
		return s.config.SessionTimeout, nil
	}
	return time.Duration(hours) * time.Hour, nil
}
