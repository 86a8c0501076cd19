package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/switchboard/internal/broker"
	"github.com/xiaot623/gogo/switchboard/internal/domain"
	"github.com/xiaot623/gogo/switchboard/internal/policy"
	"github.com/xiaot623/gogo/switchboard/internal/retry"
)

// MessageStatusEvent is the payload of session.message.status.
type MessageStatusEvent struct {
	MessageID     string               `json:"message_id"`
	SessionID     string               `json:"session_id"`
	CorrelationID string               `json:"correlation_id"`
	ExternalID    string               `json:"external_id,omitempty"`
	Status        domain.MessageStatus `json:"status"`
	Error         string               `json:"error,omitempty"`
	Deleted       bool                 `json:"deleted,omitempty"`
}

// newCorrelationID returns msg_<unixms>_<random>.
func newCorrelationID(now time.Time) string {
	return fmt.Sprintf("msg_%d_%s", now.UnixMilli(), strings.ReplaceAll(uuid.New().String(), "-", "")[:9])
}

// Dispatch validates, persists and, for outbound messages, delivers a message.
func (s *Service) Dispatch(ctx context.Context, req *domain.DispatchRequest) (*domain.Message, error) {
	msg, err := s.dispatch(ctx, req)
	s.metrics.Dispatch(dispatchOutcome(err))
	return msg, err
}

func dispatchOutcome(err error) string {
	var (
		validation *domain.ValidationError
		limited    *domain.RateLimitedError
		down       *domain.InstanceDisconnectedError
		failed     *domain.DeliveryFailedError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &validation), errors.Is(err, domain.ErrOutsideReplyWindow):
		return "invalid"
	case errors.As(err, &limited):
		return "rate_limited"
	case errors.As(err, &down):
		return "disconnected"
	case errors.As(err, &failed), broker.IsPermanent(err):
		return "failed"
	default:
		return "error"
	}
}

func (s *Service) dispatch(ctx context.Context, req *domain.DispatchRequest) (*domain.Message, error) {
	// 1. Validate and build the payload.
	req.ApplyDefaults()
	payload, err := req.Validate()
	if err != nil {
		return nil, err
	}

	// 2. Rate limit.
	if err := s.checkRateLimit(ctx, req.SessionID); err != nil {
		return nil, err
	}

	// 3. Load and authorize.
	session, err := s.loadSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, policy.ActionMessageSend, session.OrganizationID); err != nil {
		return nil, err
	}
	conn, err := s.loadConnection(ctx, session.ConnectionID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if req.SendsExternally() && isCloudAPI(conn) && !session.CanReplyWithinWindow(now) {
		return nil, domain.ErrOutsideReplyWindow
	}

	// 4. Reopen closed sessions.
	if session.Status == domain.SessionStatusClosed {
		if session, err = s.transition(ctx, session, domain.SessionStatusActive, ReasonReopened, nil); err != nil {
			return nil, err
		}
	}

	// 5. Persist. Outbound starts PENDING; inbound has already arrived.
	msg := &domain.Message{
		ID:              newID(),
		SessionID:       session.ID,
		ContactID:       session.ContactID,
		ConnectionID:    conn.ID,
		CorrelationID:   newCorrelationID(now),
		ExternalID:      req.ExternalID,
		Direction:       req.Direction,
		Author:          req.Author,
		Type:            payload.Type(),
		Content:         req.Content,
		Status:          domain.MessageStatusPending,
		MediaURL:        req.MediaURL,
		Caption:         req.Caption,
		FileName:        req.FileName,
		InteractiveData: req.InteractiveData,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if msg.Direction == domain.DirectionInbound {
		msg.Status = domain.MessageStatusDelivered
		msg.DeliveredAt = &now
	}
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}
	s.recordActivity(ctx, session, msg)

	// 6. Deliver.
	if req.SendsExternally() {
		if err := s.deliver(ctx, conn, session, msg, payload, req); err != nil {
			return msg, err
		}
	}

	// 7. Optional pause.
	if req.PauseSession {
		if _, err := s.transition(ctx, session, domain.SessionStatusPaused, ReasonManualPause, nil); err != nil {
			s.logger.Warn().Err(err).Str("session_id", session.ID).Msg("failed to pause session after dispatch")
		}
	}

	// 8. A human reply suppresses the autopilot.
	if req.Author == domain.AuthorAgent && req.Direction == domain.DirectionOutbound {
		if _, err := s.AutoPauseOnHumanReply(ctx, conn.ID, session.ID); err != nil {
			s.logger.Warn().Err(err).Str("session_id", session.ID).Msg("auto pause on human reply failed")
		}
	}

	return msg, nil
}

// checkRateLimit fails open when the limiter backend is unavailable.
func (s *Service) checkRateLimit(ctx context.Context, sessionID string) error {
	res, err := s.limiter.Check(ctx, sessionID)
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("rate limiter unavailable, allowing request")
		return nil
	}
	if res.Allowed {
		return nil
	}
	s.metrics.RateLimited()
	return &domain.RateLimitedError{RetryAfter: res.RetryAfter, ResetAt: res.ResetAt}
}

// recordActivity emits the creation event and touches the session clock. An
// inbound customer message reopens the reply window.
func (s *Service) recordActivity(ctx context.Context, session *domain.Session, msg *domain.Message) {
	kind := domain.EventSessionMessageCreated
	var window *time.Time
	if msg.Direction == domain.DirectionInbound {
		kind = domain.EventSessionMessageReceived
		if msg.Author == domain.AuthorCustomer {
			w := msg.CreatedAt.Add(s.config.ReplyWindow)
			window = &w
		}
	}
	if err := s.store.TouchSession(ctx, session.ID, msg.CreatedAt, window); err != nil {
		s.logger.Warn().Err(err).Str("session_id", session.ID).Msg("failed to touch session")
	} else {
		session.LastMessageAt = &msg.CreatedAt
		if window != nil {
			session.WindowExpiresAt = window
		}
	}
	s.emit(ctx, kind, session.OrganizationID, session.ID, session.ConnectionID, msg)
}

func (s *Service) deliver(ctx context.Context, conn *domain.Connection, session *domain.Session, msg *domain.Message, payload domain.Payload, req *domain.DispatchRequest) error {
	log := s.logger.With().Str("message_id", msg.ID).Str("correlation_id", msg.CorrelationID).Logger()

	if conn.Status.Unreachable() {
		s.failMessage(ctx, session, msg, "connection is "+string(conn.Status))
		return &domain.InstanceDisconnectedError{ConnectionID: conn.ID, Status: conn.Status}
	}

	b, creds, to, err := s.target(ctx, conn, session)
	if err != nil {
		s.failMessage(ctx, session, msg, err.Error())
		return deliveryError(msg.ID, err)
	}

	if req.ShowTyping {
		s.presence(ctx, b, creds, to, broker.PresenceComposing)
	}
	if req.DelayMs > 0 {
		if err := sleep(ctx, time.Duration(req.DelayMs)*time.Millisecond); err != nil {
			s.failMessage(ctx, session, msg, err.Error())
			return err
		}
	}

	result, err := retry.Do(ctx, s.retrier, func(ctx context.Context) (*broker.SendResult, error) {
		res, err := broker.Send(ctx, b, creds, to, payload)
		s.metrics.BrokerAttempt(string(b.Kind()), attemptResult(err))
		return res, err
	})

	if req.ShowTyping {
		s.presence(ctx, b, creds, to, broker.PresencePaused)
	}

	if err != nil {
		log.Warn().Err(err).Str("broker", string(b.Kind())).Msg("message delivery failed")
		s.failMessage(ctx, session, msg, err.Error())
		return deliveryError(msg.ID, err)
	}

	now := s.now().UTC()
	ok, err := s.store.UpdateMessageStatus(context.WithoutCancel(ctx), msg.ID, domain.MessageStatusSent.Predecessors(),
		domain.MessageUpdate{Status: domain.MessageStatusSent, ExternalID: result.ExternalID, At: now})
	if err != nil {
		return fmt.Errorf("failed to mark message sent: %w", err)
	}
	if ok {
		msg.Status = domain.MessageStatusSent
		msg.ExternalID = result.ExternalID
		msg.SentAt = &now
		msg.UpdatedAt = now
		s.emitStatus(ctx, session, msg, false)
	}
	log.Info().Str("broker", string(b.Kind())).Str("external_id", result.ExternalID).Msg("message sent")
	return nil
}

// deliveryError keeps permanent provider errors and cancellation as they are
// and wraps everything else.
func deliveryError(messageID string, err error) error {
	if broker.IsPermanent(err) || errors.Is(err, context.Canceled) {
		return err
	}
	var invalid *domain.ValidationError
	if errors.As(err, &invalid) {
		return err
	}
	return &domain.DeliveryFailedError{MessageID: messageID, Err: err}
}

func attemptResult(err error) string {
	if err == nil {
		return "ok"
	}
	if kind := broker.KindOf(err); kind != "" {
		return strings.ToLower(string(kind))
	}
	return "error"
}

// target resolves the broker, credentials and recipient of a session.
func (s *Service) target(ctx context.Context, conn *domain.Connection, session *domain.Session) (broker.Broker, broker.Credentials, string, error) {
	b, creds, err := s.brokerFor(conn)
	if err != nil {
		return nil, creds, "", err
	}
	contact, err := s.store.GetContact(ctx, session.ContactID)
	if err != nil {
		return nil, creds, "", fmt.Errorf("failed to get contact: %w", err)
	}
	if contact == nil {
		return nil, creds, "", domain.ErrContactNotFound
	}
	to, err := b.Recipient(contact)
	if err != nil {
		return nil, creds, "", err
	}
	return b, creds, to, nil
}

func (s *Service) brokerFor(conn *domain.Connection) (broker.Broker, broker.Credentials, error) {
	var creds broker.Credentials
	b, err := s.router.Resolve(conn.Provider)
	if err != nil {
		return nil, creds, err
	}
	raw := []byte(conn.Credentials)
	if s.vault != nil {
		if raw, err = s.vault.Open(conn.Credentials); err != nil {
			return nil, creds, fmt.Errorf("failed to open credentials of connection %s: %w", conn.ID, err)
		}
	}
	if creds, err = broker.ParseCredentials(raw); err != nil {
		return nil, creds, err
	}
	return b, creds, nil
}

func (s *Service) presence(ctx context.Context, b broker.Broker, creds broker.Credentials, to string, p broker.Presence) {
	pctx, cancel := context.WithTimeout(ctx, s.config.BrokerAttemptTimeout)
	defer cancel()
	if err := b.SendPresence(pctx, creds, to, p); err != nil {
		s.logger.Debug().Err(err).Str("presence", string(p)).Msg("presence update failed")
	}
}

// failMessage records FAILED even if the caller has gone away.
func (s *Service) failMessage(ctx context.Context, session *domain.Session, msg *domain.Message, reason string) {
	now := s.now().UTC()
	ok, err := s.store.UpdateMessageStatus(context.WithoutCancel(ctx), msg.ID, domain.MessageStatusFailed.Predecessors(),
		domain.MessageUpdate{Status: domain.MessageStatusFailed, Error: reason, At: now})
	if err != nil {
		s.logger.Error().Err(err).Str("message_id", msg.ID).Msg("failed to mark message failed")
		return
	}
	if ok {
		msg.Status = domain.MessageStatusFailed
		msg.Error = reason
		msg.UpdatedAt = now
		s.emitStatus(ctx, session, msg, false)
	}
}

func (s *Service) emitStatus(ctx context.Context, session *domain.Session, msg *domain.Message, deleted bool) {
	s.emit(ctx, domain.EventSessionMessageStatus, session.OrganizationID, session.ID, session.ConnectionID, MessageStatusEvent{
		MessageID:     msg.ID,
		SessionID:     msg.SessionID,
		CorrelationID: msg.CorrelationID,
		ExternalID:    msg.ExternalID,
		Status:        msg.Status,
		Error:         msg.Error,
		Deleted:       deleted,
	})
}

func isCloudAPI(conn *domain.Connection) bool {
	kind, ok := broker.LookupKind(conn.Provider)
	return ok && kind == broker.KindCloudAPI
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
