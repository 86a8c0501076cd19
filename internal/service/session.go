package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/xiaot623/gogo/switchboard/internal/domain"
	"github.com/xiaot623/gogo/switchboard/internal/policy"
	"github.com/xiaot623/gogo/switchboard/internal/repository"
)

// Reasons recorded by session operations.
const (
	EndReasonManual     = "MANUAL"
	ReasonReopened      = "REOPENED"
	ReasonPauseExpired  = "PAUSE_EXPIRED"
	ReasonManualPause   = "MANUAL_PAUSE"
	sweepBatchSize      = 100
	maxTransitionRounds = 3
)

// SessionStatusEvent is the payload of session.status.
type SessionStatusEvent struct {
	SessionID string               `json:"session_id"`
	From      domain.SessionStatus `json:"from"`
	To        domain.SessionStatus `json:"to"`
	Reason    string               `json:"reason,omitempty"`
}

// AIBlockEvent is the payload of session.ai_blocked and session.ai_unblocked.
type AIBlockEvent struct {
	SessionID    string     `json:"session_id"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`
	Reason       string     `json:"reason,omitempty"`
}

func (s *Service) loadSession(ctx context.Context, id string) (*domain.Session, error) {
	session, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if session == nil {
		return nil, domain.ErrSessionNotFound
	}
	return session, nil
}

func (s *Service) loadConnection(ctx context.Context, id string) (*domain.Connection, error) {
	conn, err := s.store.GetConnection(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	if conn == nil {
		return nil, domain.ErrConnectionNotFound
	}
	return conn, nil
}

// GetSession returns one session.
func (s *Service) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	session, err := s.loadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, policy.ActionSessionRead, session.OrganizationID); err != nil {
		return nil, err
	}
	return session, nil
}

// ListSessions returns a page of sessions of the caller's organization.
func (s *Service) ListSessions(ctx context.Context, filter domain.SessionFilter) ([]domain.Session, domain.Pagination, error) {
	filter.OrganizationID = callerOrganization(ctx, filter.OrganizationID)
	if err := s.authorize(ctx, policy.ActionSessionRead, filter.OrganizationID); err != nil {
		return nil, domain.Pagination{}, err
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, domain.Pagination{}, domain.NewValidationError("status", "unknown session status "+string(filter.Status))
	}
	filter.Page, filter.Limit = domain.Normalize(filter.Page, filter.Limit)
	sessions, total, err := s.store.ListSessions(ctx, filter)
	if err != nil {
		return nil, domain.Pagination{}, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, domain.NewPagination(filter.Page, filter.Limit, total), nil
}

// UpdateSessionStatus moves a session to target. Requesting the current
// status is a no-op; forbidden edges return *domain.TransitionError.
func (s *Service) UpdateSessionStatus(ctx context.Context, id string, target domain.SessionStatus, reason string) (*domain.Session, error) {
	if !target.Valid() {
		return nil, domain.NewValidationError("status", "unknown session status "+string(target))
	}
	session, err := s.loadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, policy.ActionSessionWrite, session.OrganizationID); err != nil {
		return nil, err
	}
	if target == domain.SessionStatusClosed && reason == "" {
		reason = EndReasonManual
	}
	return s.transition(ctx, session, target, reason, nil)
}

// transition applies one status change with compare-and-set on the observed
// status, re-reading the row when a concurrent writer got there first.
func (s *Service) transition(ctx context.Context, session *domain.Session, target domain.SessionStatus, reason string, pausedUntil *time.Time) (*domain.Session, error) {
	for round := 0; round < maxTransitionRounds; round++ {
		if session.Status == target {
			return session, nil
		}
		if !session.Status.CanTransitionTo(target) {
			return nil, &domain.TransitionError{From: session.Status, To: target}
		}

		now := s.now().UTC()
		upd := domain.SessionUpdate{Status: target, UpdatedAt: now}
		switch target {
		case domain.SessionStatusClosed:
			upd.ClosedAt = &now
			upd.EndReason = reason
		case domain.SessionStatusPaused:
			upd.PausedUntil = pausedUntil
		}

		ok, err := s.store.TransitionSession(ctx, session.ID, session.Status, upd)
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, domain.ErrOpenSessionExists
		}
		if err != nil {
			return nil, fmt.Errorf("failed to update session status: %w", err)
		}
		if ok {
			from := session.Status
			updated := *session
			updated.Status = target
			updated.ClosedAt = upd.ClosedAt
			updated.EndReason = upd.EndReason
			updated.PausedUntil = upd.PausedUntil
			updated.UpdatedAt = now

			s.logger.Info().Str("session_id", session.ID).Str("from", string(from)).
				Str("to", string(target)).Str("reason", reason).Msg("session status changed")
			s.emit(ctx, domain.EventSessionStatus, session.OrganizationID, session.ID, session.ConnectionID,
				SessionStatusEvent{SessionID: session.ID, From: from, To: target, Reason: reason})
			return &updated, nil
		}

		if session, err = s.loadSession(ctx, session.ID); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("session %s: status changed concurrently, giving up", session.ID)
}

// CloseSession closes a session.
func (s *Service) CloseSession(ctx context.Context, id, reason string) (*domain.Session, error) {
	return s.UpdateSessionStatus(ctx, id, domain.SessionStatusClosed, reason)
}

// PauseSession pauses a session for hours (1..168).
func (s *Service) PauseSession(ctx context.Context, id string, hours int) (*domain.Session, error) {
	if hours < 1 || hours > 168 {
		return nil, domain.NewValidationError("hours", "must be between 1 and 168")
	}
	session, err := s.loadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, policy.ActionSessionWrite, session.OrganizationID); err != nil {
		return nil, err
	}
	until := s.now().UTC().Add(time.Duration(hours) * time.Hour)
	return s.transition(ctx, session, domain.SessionStatusPaused, ReasonManualPause, &until)
}

// ResumeSession returns a paused or closed session to ACTIVE.
func (s *Service) ResumeSession(ctx context.Context, id string) (*domain.Session, error) {
	return s.UpdateSessionStatus(ctx, id, domain.SessionStatusActive, "")
}

// BlockAI suppresses automated replies for minutes. A new block replaces the
// previous one.
func (s *Service) BlockAI(ctx context.Context, id string, minutes int, reason string) (*domain.Session, error) {
	if minutes < 1 {
		return nil, domain.NewValidationError("duration_minutes", "must be positive")
	}
	session, err := s.loadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, policy.ActionSessionWrite, session.OrganizationID); err != nil {
		return nil, err
	}
	return s.blockAI(ctx, session, time.Duration(minutes)*time.Minute, reason)
}

func (s *Service) blockAI(ctx context.Context, session *domain.Session, d time.Duration, reason string) (*domain.Session, error) {
	now := s.now().UTC()
	until := now.Add(d)
	ok, err := s.store.SetAIBlock(ctx, session.ID, &until, reason, now)
	if err != nil {
		return nil, fmt.Errorf("failed to block ai: %w", err)
	}
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	updated := *session
	updated.AIBlockedUntil = &until
	updated.AIBlockReason = reason
	updated.UpdatedAt = now

	s.emit(ctx, domain.EventSessionAIBlocked, session.OrganizationID, session.ID, session.ConnectionID,
		AIBlockEvent{SessionID: session.ID, BlockedUntil: &until, Reason: reason})
	return &updated, nil
}

// UnblockAI lifts the AI block.
func (s *Service) UnblockAI(ctx context.Context, id string) (*domain.Session, error) {
	session, err := s.loadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, policy.ActionSessionWrite, session.OrganizationID); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	ok, err := s.store.SetAIBlock(ctx, session.ID, nil, "", now)
	if err != nil {
		return nil, fmt.Errorf("failed to unblock ai: %w", err)
	}
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	session.AIBlockedUntil = nil
	session.AIBlockReason = ""
	session.UpdatedAt = now

	s.emit(ctx, domain.EventSessionAIUnblocked, session.OrganizationID, session.ID, session.ConnectionID,
		AIBlockEvent{SessionID: session.ID})
	return session, nil
}

// AutoPauseOnHumanReply blocks the AI after a human agent replied, when the
// connection asks for it. It reports whether a block was applied.
func (s *Service) AutoPauseOnHumanReply(ctx context.Context, connectionID, sessionID string) (bool, error) {
	conn, err := s.loadConnection(ctx, connectionID)
	if err != nil {
		return false, err
	}
	if !conn.AutoPauseOnHumanReply {
		return false, nil
	}
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if _, err := s.blockAI(ctx, session, conn.AutoPauseDuration(), domain.BlockReasonAutoPausedHuman); err != nil {
		return false, err
	}
	return true, nil
}

// GetOrCreateSession returns the open session of a contact on a connection,
// reopening the latest closed one or creating a new one when none is open.
func (s *Service) GetOrCreateSession(ctx context.Context, contactID, connectionID string) (*domain.Session, error) {
	session, err := s.store.FindOpenSession(ctx, contactID, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find open session: %w", err)
	}
	if session != nil {
		return session, nil
	}

	latest, err := s.store.FindLatestSession(ctx, contactID, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find latest session: %w", err)
	}
	if latest != nil && latest.Status == domain.SessionStatusClosed {
		reopened, err := s.transition(ctx, latest, domain.SessionStatusActive, ReasonReopened, nil)
		if err == nil {
			return reopened, nil
		}
		if !errors.Is(err, domain.ErrOpenSessionExists) {
			return nil, err
		}
		return s.findOpen(ctx, contactID, connectionID)
	}

	conn, err := s.loadConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	session = &domain.Session{
		ID:             newID(),
		OrganizationID: conn.OrganizationID,
		ContactID:      contactID,
		ConnectionID:   connectionID,
		Status:         domain.SessionStatusQueued,
		AIEnabled:      true,
		Tags:           []string{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return s.findOpen(ctx, contactID, connectionID)
		}
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	s.emit(ctx, domain.EventSessionCreated, session.OrganizationID, session.ID, session.ConnectionID, session)
	return session, nil
}

// findOpen re-reads the open session after losing a creation race.
func (s *Service) findOpen(ctx context.Context, contactID, connectionID string) (*domain.Session, error) {
	session, err := s.store.FindOpenSession(ctx, contactID, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find open session: %w", err)
	}
	if session == nil {
		return nil, domain.ErrOpenSessionExists
	}
	return session, nil
}

// ResumeExpiredPausedSessions moves paused sessions whose pause ended back to ACTIVE.
func (s *Service) ResumeExpiredPausedSessions(ctx context.Context) (int, error) {
	return s.sweep(ctx, "resume_paused", func() ([]domain.Session, error) {
		return s.store.ListExpiredPausedSessions(ctx, s.now().UTC(), sweepBatchSize)
	}, domain.SessionStatusActive, ReasonPauseExpired)
}

// CloseInactiveSessions closes queued or active sessions idle for longer than
// their organization's session timeout, or the configured default.
func (s *Service) CloseInactiveSessions(ctx context.Context) (int, error) {
	return s.sweep(ctx, "close_inactive", func() ([]domain.Session, error) {
		return s.store.ListInactiveSessions(ctx, s.now().UTC(), s.config.SessionTimeout, sweepBatchSize)
	}, domain.SessionStatusClosed, domain.EndReasonInactivity)
}

func (s *Service) sweep(ctx context.Context, job string, list func() ([]domain.Session, error), target domain.SessionStatus, reason string) (int, error) {
	total := 0
	for {
		batch, err := list()
		if err != nil {
			return total, fmt.Errorf("failed to list sessions for %s: %w", job, err)
		}
		moved := 0
		for i := range batch {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			if _, err := s.transition(ctx, &batch[i], target, reason, nil); err != nil {
				s.logger.Warn().Err(err).Str("job", job).Str("session_id", batch[i].ID).Msg("sweep transition failed")
				continue
			}
			moved++
		}
		total += moved
		if len(batch) < sweepBatchSize || moved == 0 {
			break
		}
	}
	s.metrics.Swept(job, total)
	if total > 0 {
		s.logger.Info().Str("job", job).Int("sessions", total).Msg("sweep finished")
	}
	return total, nil
}

// AddTags adds tags to a session.
func (s *Service) AddTags(ctx context.Context, id string, tags []string) (*domain.Session, error) {
	return s.updateTags(ctx, id, func(current []string) []string {
		return normalizeTags(append(current, tags...))
	})
}

// RemoveTags removes tags from a session.
func (s *Service) RemoveTags(ctx context.Context, id string, tags []string) (*domain.Session, error) {
	drop := make(map[string]bool, len(tags))
	for _, t := range tags {
		drop[strings.TrimSpace(t)] = true
	}
	return s.updateTags(ctx, id, func(current []string) []string {
		out := make([]string, 0, len(current))
		for _, t := range current {
			if !drop[t] {
				out = append(out, t)
			}
		}
		return out
	})
}

func (s *Service) updateTags(ctx context.Context, id string, apply func([]string) []string) (*domain.Session, error) {
	session, err := s.loadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, policy.ActionSessionWrite, session.OrganizationID); err != nil {
		return nil, err
	}
	tags := apply(session.Tags)
	now := s.now().UTC()
	ok, err := s.store.SetSessionTags(ctx, id, tags, now)
	if err != nil {
		return nil, fmt.Errorf("failed to set tags: %w", err)
	}
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	session.Tags = tags
	session.UpdatedAt = now
	return session, nil
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ShouldProcessWithAI decides whether the autopilot should answer a message
// on sessionID.
func (s *Service) ShouldProcessWithAI(ctx context.Context, sessionID string, direction domain.Direction) domain.ProcessDecision {
	if direction == domain.DirectionOutbound {
		return domain.ProcessDecision{Reason: "outbound_message"}
	}
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil || session == nil {
		return domain.ProcessDecision{Reason: "session_not_found"}
	}
	contact, err := s.store.GetContact(ctx, session.ContactID)
	if err != nil {
		s.logger.Warn().Err(err).Str("contact_id", session.ContactID).Msg("failed to load contact for autopilot decision")
	}
	return decideAI(session, contact, s.now())
}

// decideAI applies the autopilot rules. contact may be nil when unknown.
func decideAI(session *domain.Session, contact *domain.Contact, now time.Time) domain.ProcessDecision {
	if contact != nil && contact.BypassBots {
		return domain.ProcessDecision{Reason: "contact_blacklisted"}
	}
	if session.Status != domain.SessionStatusActive && session.Status != domain.SessionStatusQueued {
		return domain.ProcessDecision{Reason: "session_" + strings.ToLower(string(session.Status))}
	}
	if !session.IsAIActive(now) {
		return domain.ProcessDecision{Reason: "ai_blocked"}
	}
	return domain.ProcessDecision{Process: true, Reason: "ok"}
}
