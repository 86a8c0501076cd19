package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/xiaot623/gogo/switchboard/internal/adapter/agent"
	"github.com/xiaot623/gogo/switchboard/internal/auth"
	"github.com/xiaot623/gogo/switchboard/internal/broker"
	"github.com/xiaot623/gogo/switchboard/internal/domain"
	"github.com/xiaot623/gogo/switchboard/internal/policy"
)

const autopilotHistory = 20

// RecordInbound ingests a message received by a transport webhook. A
// redelivered webhook with a known external id returns the stored message.
func (s *Service) RecordInbound(ctx context.Context, in *domain.InboundMessage) (*domain.Message, error) {
	if strings.TrimSpace(in.ConnectionID) == "" {
		return nil, domain.NewValidationError("connection_id", "is required")
	}
	if strings.TrimSpace(in.From) == "" {
		return nil, domain.NewValidationError("from", "is required")
	}
	if in.Type == "" {
		in.Type = domain.MessageTypeText
	}
	if strings.TrimSpace(in.Content) == "" && in.MediaURL == "" {
		return nil, domain.NewValidationError("content", "must not be empty")
	}

	conn, err := s.loadConnection(ctx, in.ConnectionID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, policy.ActionMessageWrite, conn.OrganizationID); err != nil {
		return nil, err
	}

	if in.ExternalID != "" {
		existing, err := s.store.GetMessageByExternalID(ctx, conn.ID, in.ExternalID)
		if err != nil {
			return nil, fmt.Errorf("failed to check duplicate message: %w", err)
		}
		if existing != nil {
			return existing, nil
		}
	}

	contact, err := s.resolveContact(ctx, conn, in)
	if err != nil {
		return nil, err
	}
	session, err := s.GetOrCreateSession(ctx, contact.ID, conn.ID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	msg := &domain.Message{
		ID:              newID(),
		SessionID:       session.ID,
		ContactID:       contact.ID,
		ConnectionID:    conn.ID,
		CorrelationID:   newCorrelationID(now),
		ExternalID:      in.ExternalID,
		Direction:       domain.DirectionInbound,
		Author:          domain.AuthorCustomer,
		Type:            in.Type,
		Content:         in.Content,
		Status:          domain.MessageStatusDelivered,
		MediaURL:        in.MediaURL,
		Caption:         in.Caption,
		FileName:        in.FileName,
		InteractiveData: in.Data,
		CreatedAt:       now,
		UpdatedAt:       now,
		DeliveredAt:     &now,
	}
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}
	s.recordActivity(ctx, session, msg)

	s.logger.Info().Str("session_id", session.ID).Str("message_id", msg.ID).
		Str("connection_id", conn.ID).Msg("inbound message recorded")

	s.triggerAutopilot(session, contact, msg)
	return msg, nil
}

// resolveContact finds the sender by address, creating the contact on first contact.
func (s *Service) resolveContact(ctx context.Context, conn *domain.Connection, in *domain.InboundMessage) (*domain.Contact, error) {
	address := strings.TrimSpace(in.From)
	contact, err := s.store.FindContact(ctx, conn.OrganizationID, address)
	if err != nil {
		return nil, fmt.Errorf("failed to find contact: %w", err)
	}
	if contact != nil {
		return contact, nil
	}

	contact = &domain.Contact{
		ID:             newID(),
		OrganizationID: conn.OrganizationID,
		Name:           in.PushName,
		ExternalID:     in.ChatID,
		CreatedAt:      s.now().UTC(),
	}
	if kind, ok := broker.LookupKind(conn.Provider); ok && kind == broker.KindTelegram {
		contact.ExternalID = address
	} else {
		contact.PhoneNumber = address
	}
	if err := s.store.CreateContact(ctx, contact); err != nil {
		return nil, fmt.Errorf("failed to create contact: %w", err)
	}
	return contact, nil
}

// triggerAutopilot answers msg with the agent in the background when the
// session allows it.
func (s *Service) triggerAutopilot(session *domain.Session, contact *domain.Contact, msg *domain.Message) {
	if s.agent == nil {
		return
	}
	if decision := decideAI(session, contact, s.now()); !decision.Process {
		s.logger.Debug().Str("session_id", session.ID).Str("reason", decision.Reason).Msg("autopilot skipped")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(auth.WithCaller(context.Background(), auth.System()), s.config.AgentTimeout)
		defer cancel()

		if err := s.agentSem.Acquire(ctx, 1); err != nil {
			s.logger.Warn().Err(err).Str("session_id", session.ID).Msg("autopilot saturated, dropping message")
			return
		}
		defer s.agentSem.Release(1)

		if err := s.runAutopilot(ctx, session, msg); err != nil {
			s.logger.Error().Err(err).Str("session_id", session.ID).Str("message_id", msg.ID).Msg("autopilot failed")
		}
	}()
}

func (s *Service) runAutopilot(ctx context.Context, session *domain.Session, msg *domain.Message) error {
	history, _, err := s.store.ListMessages(ctx, domain.MessageFilter{SessionID: session.ID, Page: 1, Limit: autopilotHistory})
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}
	turns := make([]agent.Turn, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m.ID == msg.ID {
			continue
		}
		role := "user"
		if m.Direction == domain.DirectionOutbound {
			role = "assistant"
		}
		turns = append(turns, agent.Turn{Role: role, Content: m.Content})
	}

	reply, err := s.agent.Reply(ctx, &agent.InvokeRequest{
		SessionID:      session.ID,
		OrganizationID: session.OrganizationID,
		ConnectionID:   session.ConnectionID,
		ContactID:      session.ContactID,
		Input:          agent.Turn{Role: "user", Content: msg.Content},
		History:        turns,
		Context:        map[string]string{"correlation_id": msg.CorrelationID},
	})
	if err != nil {
		if errors.Is(err, agent.ErrEmptyReply) {
			return nil
		}
		return err
	}

	// A human may have taken over while the agent was thinking.
	if decision := s.ShouldProcessWithAI(ctx, session.ID, domain.DirectionInbound); !decision.Process {
		s.logger.Info().Str("session_id", session.ID).Str("reason", decision.Reason).Msg("discarding autopilot reply")
		return nil
	}

	_, err = s.Dispatch(ctx, &domain.DispatchRequest{
		SessionID: session.ID,
		Type:      domain.MessageTypeText,
		Author:    domain.AuthorAI,
		Content:   reply,
	})
	return err
}
