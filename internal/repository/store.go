// Package repository defines the storage interface and its SQL implementations.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/xiaot623/gogo/switchboard/internal/domain"
)

// ErrDuplicate is returned when an insert violates a unique constraint, most
// notably the one-open-session-per-pair index.
var ErrDuplicate = errors.New("duplicate record")

// Store defines the interface for data persistence. Getters return nil, nil
// for missing rows. Conditional updates report whether a row was written.
type Store interface {
	// Connection operations
	CreateConnection(ctx context.Context, conn *domain.Connection) error
	GetConnection(ctx context.Context, id string) (*domain.Connection, error)
	UpdateConnectionStatus(ctx context.Context, id string, status domain.ConnectionStatus, at time.Time) (bool, error)

	// Contact operations
	CreateContact(ctx context.Context, contact *domain.Contact) error
	GetContact(ctx context.Context, id string) (*domain.Contact, error)
	FindContact(ctx context.Context, organizationID, address string) (*domain.Contact, error)
	SetContactBypassBots(ctx context.Context, id string, bypass bool) (bool, error)

	// Organization settings
	SetSessionTimeout(ctx context.Context, organizationID string, hours int, at time.Time) error
	GetSessionTimeout(ctx context.Context, organizationID string) (int, error)

	// Session operations
	CreateSession(ctx context.Context, session *domain.Session) error
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	FindOpenSession(ctx context.Context, contactID, connectionID string) (*domain.Session, error)
	FindLatestSession(ctx context.Context, contactID, connectionID string) (*domain.Session, error)
	ListSessions(ctx context.Context, filter domain.SessionFilter) ([]domain.Session, int, error)
	TransitionSession(ctx context.Context, id string, from domain.SessionStatus, upd domain.SessionUpdate) (bool, error)
	SetAIBlock(ctx context.Context, id string, until *time.Time, reason string, at time.Time) (bool, error)
	SetSessionTags(ctx context.Context, id string, tags []string, at time.Time) (bool, error)
	TouchSession(ctx context.Context, id string, lastMessageAt time.Time, windowExpiresAt *time.Time) error
	ListInactiveSessions(ctx context.Context, now time.Time, defaultTimeout time.Duration, limit int) ([]domain.Session, error)
	ListExpiredPausedSessions(ctx context.Context, now time.Time, limit int) ([]domain.Session, error)

	// Message operations
	CreateMessage(ctx context.Context, msg *domain.Message) error
	GetMessage(ctx context.Context, id string) (*domain.Message, error)
	GetMessageByExternalID(ctx context.Context, connectionID, externalID string) (*domain.Message, error)
	ListMessages(ctx context.Context, filter domain.MessageFilter) ([]domain.Message, int, error)
	UpdateMessageStatus(ctx context.Context, id string, from []domain.MessageStatus, upd domain.MessageUpdate) (bool, error)
	RedactMessage(ctx context.Context, id, content string, at time.Time) (bool, error)

	// Lifecycle
	Close() error
}
