package service

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/xiaot623/gogo/switchboard/internal/broker"
	"github.com/xiaot623/gogo/switchboard/internal/domain"
	"github.com/xiaot623/gogo/switchboard/internal/policy"
	"github.com/xiaot623/gogo/switchboard/internal/retry"
)

// RedactedContent replaces the content of deleted messages.
const RedactedContent = "[message deleted]"

// messageContext loads a message with its session and checks action against
// the session's organization.
func (s *Service) messageContext(ctx context.Context, id, action string) (*domain.Message, *domain.Session, error) {
	msg, err := s.store.GetMessage(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get message: %w", err)
	}
	if msg == nil {
		return nil, nil, domain.ErrMessageNotFound
	}
	session, err := s.loadSession(ctx, msg.SessionID)
	if err != nil {
		return nil, nil, err
	}
	if err := s.authorize(ctx, action, session.OrganizationID); err != nil {
		return nil, nil, err
	}
	return msg, session, nil
}

// GetMessage returns one message.
func (s *Service) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	msg, _, err := s.messageContext(ctx, id, policy.ActionMessageRead)
	return msg, err
}

// ListMessages returns a page of messages, newest first.
func (s *Service) ListMessages(ctx context.Context, filter domain.MessageFilter) ([]domain.Message, domain.Pagination, error) {
	if filter.SessionID != "" {
		session, err := s.loadSession(ctx, filter.SessionID)
		if err != nil {
			return nil, domain.Pagination{}, err
		}
		filter.OrganizationID = session.OrganizationID
	} else {
		filter.OrganizationID = callerOrganization(ctx, filter.OrganizationID)
	}
	if err := s.authorize(ctx, policy.ActionMessageRead, filter.OrganizationID); err != nil {
		return nil, domain.Pagination{}, err
	}
	if filter.Direction != "" && !filter.Direction.Valid() {
		return nil, domain.Pagination{}, domain.NewValidationError("direction", "must be INBOUND or OUTBOUND")
	}
	if filter.Author != "" && !filter.Author.Valid() {
		return nil, domain.Pagination{}, domain.NewValidationError("author", "unknown author "+string(filter.Author))
	}

	filter.Page, filter.Limit = domain.Normalize(filter.Page, filter.Limit)
	messages, total, err := s.store.ListMessages(ctx, filter)
	if err != nil {
		return nil, domain.Pagination{}, fmt.Errorf("failed to list messages: %w", err)
	}
	return messages, domain.NewPagination(filter.Page, filter.Limit, total), nil
}

// providerCall resolves the transport of a message that must already exist
// on the provider side.
func (s *Service) providerCall(ctx context.Context, msg *domain.Message, session *domain.Session) (broker.Broker, broker.Credentials, string, error) {
	if msg.ExternalID == "" {
		return nil, broker.Credentials{}, "", domain.NewValidationError("message_id", "message has no provider id")
	}
	conn, err := s.loadConnection(ctx, msg.ConnectionID)
	if err != nil {
		return nil, broker.Credentials{}, "", err
	}
	if conn.Status.Unreachable() {
		return nil, broker.Credentials{}, "", &domain.InstanceDisconnectedError{ConnectionID: conn.ID, Status: conn.Status}
	}
	return s.target(ctx, conn, session)
}

// MarkAsRead sends a read receipt for an inbound message and records READ.
func (s *Service) MarkAsRead(ctx context.Context, id string) (*domain.Message, error) {
	msg, session, err := s.messageContext(ctx, id, policy.ActionMessageWrite)
	if err != nil {
		return nil, err
	}
	if msg.Direction == domain.DirectionInbound && msg.ExternalID != "" {
		b, creds, to, err := s.providerCall(ctx, msg, session)
		if err != nil {
			return nil, err
		}
		if err := retry.Run(ctx, s.retrier, func(ctx context.Context) error {
			return b.MarkAsRead(ctx, creds, to, msg.ExternalID)
		}); err != nil {
			return nil, deliveryError(msg.ID, err)
		}
	}
	if err := s.advance(ctx, session, msg, domain.MessageStatusRead, ""); err != nil {
		return nil, err
	}
	return msg, nil
}

// advance moves msg forward to status. A status that is not ahead of the
// current one is ignored.
func (s *Service) advance(ctx context.Context, session *domain.Session, msg *domain.Message, status domain.MessageStatus, reason string) error {
	now := s.now().UTC()
	ok, err := s.store.UpdateMessageStatus(ctx, msg.ID, status.Predecessors(),
		domain.MessageUpdate{Status: status, Error: reason, At: now})
	if err != nil {
		return fmt.Errorf("failed to update message status: %w", err)
	}
	if !ok {
		return nil
	}
	msg.Status = status
	msg.UpdatedAt = now
	switch status {
	case domain.MessageStatusSent:
		msg.SentAt = &now
	case domain.MessageStatusDelivered:
		msg.DeliveredAt = &now
	case domain.MessageStatusRead:
		msg.ReadAt = &now
	case domain.MessageStatusFailed:
		msg.Error = reason
	}
	s.emitStatus(ctx, session, msg, false)
	return nil
}

// React sends an emoji reaction to a message.
func (s *Service) React(ctx context.Context, id, emoji string) error {
	emoji = strings.TrimSpace(emoji)
	if n := utf8.RuneCountInString(emoji); n < 1 || n > 10 {
		return domain.NewValidationError("emoji", "must be between 1 and 10 characters")
	}
	msg, session, err := s.messageContext(ctx, id, policy.ActionMessageWrite)
	if err != nil {
		return err
	}
	b, creds, to, err := s.providerCall(ctx, msg, session)
	if err != nil {
		return err
	}
	if err := retry.Run(ctx, s.retrier, func(ctx context.Context) error {
		return b.React(ctx, creds, to, msg.ExternalID, emoji)
	}); err != nil {
		return deliveryError(msg.ID, err)
	}
	return nil
}

// DeleteMessage deletes a message at the provider when possible and redacts
// it locally. Rows are never removed.
func (s *Service) DeleteMessage(ctx context.Context, id string) (*domain.Message, error) {
	msg, session, err := s.messageContext(ctx, id, policy.ActionMessageWrite)
	if err != nil {
		return nil, err
	}
	if msg.Direction == domain.DirectionOutbound && msg.ExternalID != "" {
		b, creds, to, err := s.providerCall(ctx, msg, session)
		if err != nil {
			return nil, err
		}
		err = retry.Run(ctx, s.retrier, func(ctx context.Context) error {
			return b.Delete(ctx, creds, to, msg.ExternalID)
		})
		switch {
		case err == nil:
		case broker.KindOf(err) == broker.NotSupported:
			s.logger.Info().Str("message_id", msg.ID).Str("broker", string(b.Kind())).
				Msg("provider cannot delete messages, redacting locally only")
		default:
			return nil, deliveryError(msg.ID, err)
		}
	}

	now := s.now().UTC()
	ok, err := s.store.RedactMessage(ctx, msg.ID, RedactedContent, now)
	if err != nil {
		return nil, fmt.Errorf("failed to redact message: %w", err)
	}
	if !ok {
		return nil, domain.ErrMessageNotFound
	}
	msg.Content = RedactedContent
	msg.MediaURL = ""
	msg.Caption = ""
	msg.FileName = ""
	msg.InteractiveData = nil
	msg.UpdatedAt = now
	s.emitStatus(ctx, session, msg, true)
	return msg, nil
}

// DownloadMedia returns the media of a message: a stored http(s) URL as is,
// otherwise the bytes fetched from the provider.
func (s *Service) DownloadMedia(ctx context.Context, id string) (*domain.MediaDownload, error) {
	msg, _, err := s.messageContext(ctx, id, policy.ActionMessageRead)
	if err != nil {
		return nil, err
	}
	if !msg.Type.IsMedia() {
		return nil, domain.NewValidationError("message_id", "message has no media")
	}
	if u := strings.ToLower(msg.MediaURL); strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return &domain.MediaDownload{URL: msg.MediaURL}, nil
	}

	ref := msg.MediaURL
	if ref == "" {
		ref = msg.ExternalID
	}
	if ref == "" {
		return nil, domain.NewValidationError("message_id", "message has no media reference")
	}
	conn, err := s.loadConnection(ctx, msg.ConnectionID)
	if err != nil {
		return nil, err
	}
	b, creds, err := s.brokerFor(conn)
	if err != nil {
		return nil, err
	}
	media, err := retry.Do(ctx, s.retrier, func(ctx context.Context) (*domain.MediaDownload, error) {
		return b.DownloadMedia(ctx, creds, ref)
	})
	if err != nil {
		return nil, deliveryError(msg.ID, err)
	}
	return media, nil
}

// UpdateMessageStatusByExternalID applies a provider delivery receipt. Stale
// or regressing receipts are ignored; the result reports whether the status
// changed.
func (s *Service) UpdateMessageStatusByExternalID(ctx context.Context, update *domain.MessageStatusUpdate) (*domain.Message, bool, error) {
	if update.ConnectionID == "" || update.ExternalID == "" {
		return nil, false, domain.NewValidationError("external_id", "connection_id and external_id are required")
	}
	if !update.Status.Valid() || update.Status == domain.MessageStatusPending {
		return nil, false, domain.NewValidationError("status", "unsupported status "+string(update.Status))
	}
	msg, err := s.store.GetMessageByExternalID(ctx, update.ConnectionID, update.ExternalID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to get message: %w", err)
	}
	if msg == nil {
		return nil, false, domain.ErrMessageNotFound
	}
	session, err := s.loadSession(ctx, msg.SessionID)
	if err != nil {
		return nil, false, err
	}
	if err := s.authorize(ctx, policy.ActionMessageWrite, session.OrganizationID); err != nil {
		return nil, false, err
	}
	before := msg.Status
	if err := s.advance(ctx, session, msg, update.Status, update.Error); err != nil {
		return nil, false, err
	}
	return msg, msg.Status != before, nil
}
