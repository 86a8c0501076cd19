package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/switchboard/internal/domain"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seedPair(t *testing.T, store *SQLStore) (*domain.Connection, *domain.Contact) {
	t.Helper()
	ctx := context.Background()
	conn := &domain.Connection{
		ID: "conn-1", OrganizationID: "org-1", Name: "Support", Provider: "WHATSAPP_WEB",
		Status: domain.ConnectionStatusConnected, AutoPauseOnHumanReply: true, AutoPauseDurationHours: 24,
		CreatedAt: epoch, UpdatedAt: epoch,
	}
	if err := store.CreateConnection(ctx, conn); err != nil {
		t.Fatalf("CreateConnection failed: %v", err)
	}
	contact := &domain.Contact{ID: "ct-1", OrganizationID: "org-1", PhoneNumber: "5511999999999", CreatedAt: epoch}
	if err := store.CreateContact(ctx, contact); err != nil {
		t.Fatalf("CreateContact failed: %v", err)
	}
	return conn, contact
}

func newSession(id string, status domain.SessionStatus, at time.Time) *domain.Session {
	return &domain.Session{
		ID: id, OrganizationID: "org-1", ContactID: "ct-1", ConnectionID: "conn-1",
		Status: status, AIEnabled: true, CreatedAt: at, UpdatedAt: at,
	}
}

func TestConnectionRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedPair(t, store)

	got, err := store.GetConnection(ctx, "conn-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "WHATSAPP_WEB", got.Provider)
	assert.True(t, got.AutoPauseOnHumanReply)
	assert.True(t, got.CreatedAt.Equal(epoch))

	ok, err := store.UpdateConnectionStatus(ctx, "conn-1", domain.ConnectionStatusDisconnected, epoch.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	missing, err := store.GetConnection(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestFindContactByPhoneOrExternalID(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedPair(t, store)
	require.NoError(t, store.CreateContact(ctx, &domain.Contact{ID: "ct-2", OrganizationID: "org-1", ExternalID: "777", CreatedAt: epoch}))

	byPhone, err := store.FindContact(ctx, "org-1", "5511999999999")
	require.NoError(t, err)
	require.NotNil(t, byPhone)
	assert.Equal(t, "ct-1", byPhone.ID)

	byChat, err := store.FindContact(ctx, "org-1", "777")
	require.NoError(t, err)
	require.NotNil(t, byChat)
	assert.Equal(t, "ct-2", byChat.ID)

	other, err := store.FindContact(ctx, "org-2", "777")
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestOnlyOneOpenSessionPerPair(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedPair(t, store)

	require.NoError(t, store.CreateSession(ctx, newSession("s1", domain.SessionStatusActive, epoch)))

	err := store.CreateSession(ctx, newSession("s2", domain.SessionStatusQueued, epoch.Add(time.Second)))
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	// Closing the first one frees the slot.
	ok, err := store.TransitionSession(ctx, "s1", domain.SessionStatusActive, domain.SessionUpdate{
		Status: domain.SessionStatusClosed, ClosedAt: &epoch, EndReason: "done", UpdatedAt: epoch,
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.CreateSession(ctx, newSession("s2", domain.SessionStatusQueued, epoch.Add(time.Second))))

	open, err := store.FindOpenSession(ctx, "ct-1", "conn-1")
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, "s2", open.ID)

	// Reopening s1 now collides with s2.
	_, err = store.TransitionSession(ctx, "s1", domain.SessionStatusClosed, domain.SessionUpdate{
		Status: domain.SessionStatusActive, UpdatedAt: epoch,
	})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestTransitionSessionIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedPair(t, store)
	require.NoError(t, store.CreateSession(ctx, newSession("s1", domain.SessionStatusActive, epoch)))

	ok, err := store.TransitionSession(ctx, "s1", domain.SessionStatusQueued, domain.SessionUpdate{
		Status: domain.SessionStatusPaused, UpdatedAt: epoch,
	})
	require.NoError(t, err)
	assert.False(t, ok, "stale observed status must not write")

	got, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusActive, got.Status)
}

func TestAIBlockAndTags(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedPair(t, store)
	require.NoError(t, store.CreateSession(ctx, newSession("s1", domain.SessionStatusActive, epoch)))

	until := epoch.Add(90 * time.Minute)
	ok, err := store.SetAIBlock(ctx, "s1", &until, domain.BlockReasonAutoPausedHuman, epoch)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = store.SetSessionTags(ctx, "s1", []string{"vip", "billing"}, epoch)
	require.NoError(t, err)

	got, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got.AIBlockedUntil)
	assert.True(t, got.AIBlockedUntil.Equal(until))
	assert.Equal(t, domain.BlockReasonAutoPausedHuman, got.AIBlockReason)
	assert.Equal(t, []string{"vip", "billing"}, got.Tags)

	_, err = store.SetAIBlock(ctx, "s1", nil, "", epoch)
	require.NoError(t, err)
	got, _ = store.GetSession(ctx, "s1")
	assert.Nil(t, got.AIBlockedUntil)
	assert.Empty(t, got.AIBlockReason)

	ok, err = store.SetAIBlock(ctx, "missing", &until, "x", epoch)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestContactBypassBots(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedPair(t, store)

	got, err := store.GetContact(ctx, "ct-1")
	require.NoError(t, err)
	assert.False(t, got.BypassBots)

	ok, err := store.SetContactBypassBots(ctx, "ct-1", true)
	require.NoError(t, err)
	assert.True(t, ok)
	got, err = store.FindContact(ctx, "org-1", "5511999999999")
	require.NoError(t, err)
	assert.True(t, got.BypassBots)

	ok, err = store.SetContactBypassBots(ctx, "missing", true)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSessionTimeoutSettings(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	hours, err := store.GetSessionTimeout(ctx, "org-1")
	require.NoError(t, err)
	assert.Zero(t, hours)

	require.NoError(t, store.SetSessionTimeout(ctx, "org-1", 12, epoch))
	require.NoError(t, store.SetSessionTimeout(ctx, "org-1", 48, epoch.Add(time.Minute)))
	hours, err = store.GetSessionTimeout(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 48, hours)
}

func TestSweepQueries(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedPair(t, store)
	require.NoError(t, store.CreateContact(ctx, &domain.Contact{ID: "ct-2", OrganizationID: "org-1", PhoneNumber: "5511888888888", CreatedAt: epoch}))

	stale := newSession("stale", domain.SessionStatusActive, epoch)
	require.NoError(t, store.CreateSession(ctx, stale))
	require.NoError(t, store.TouchSession(ctx, "stale", epoch.Add(time.Hour), nil))

	paused := newSession("paused", domain.SessionStatusPaused, epoch)
	paused.ContactID = "ct-2"
	until := epoch.Add(30 * time.Minute)
	paused.PausedUntil = &until
	require.NoError(t, store.CreateSession(ctx, paused))

	inactive, err := store.ListInactiveSessions(ctx, epoch.Add(3*time.Hour), time.Hour, 10)
	require.NoError(t, err)
	require.Len(t, inactive, 1)
	assert.Equal(t, "stale", inactive[0].ID)

	inactive, err = store.ListInactiveSessions(ctx, epoch.Add(90*time.Minute), time.Hour, 10)
	require.NoError(t, err)
	assert.Empty(t, inactive, "last activity is newer than the cutoff")

	// An organization override replaces the default timeout.
	require.NoError(t, store.SetSessionTimeout(ctx, "org-1", 4, epoch))
	inactive, err = store.ListInactiveSessions(ctx, epoch.Add(3*time.Hour), time.Hour, 10)
	require.NoError(t, err)
	assert.Empty(t, inactive)
	inactive, err = store.ListInactiveSessions(ctx, epoch.Add(6*time.Hour), time.Hour, 10)
	require.NoError(t, err)
	assert.Len(t, inactive, 1)

	expired, err := store.ListExpiredPausedSessions(ctx, epoch.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "paused", expired[0].ID)
}

func TestMessageStatusNeverRegresses(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedPair(t, store)
	require.NoError(t, store.CreateSession(ctx, newSession("s1", domain.SessionStatusActive, epoch)))

	msg := &domain.Message{
		ID: "m1", SessionID: "s1", ContactID: "ct-1", ConnectionID: "conn-1", CorrelationID: "msg_1_a",
		Direction: domain.DirectionOutbound, Author: domain.AuthorAgent, Type: domain.MessageTypeText,
		Content: "hi", Status: domain.MessageStatusPending, CreatedAt: epoch, UpdatedAt: epoch,
	}
	require.NoError(t, store.CreateMessage(ctx, msg))

	advance := func(to domain.MessageStatus, externalID string) bool {
		ok, err := store.UpdateMessageStatus(ctx, "m1", to.Predecessors(), domain.MessageUpdate{
			Status: to, ExternalID: externalID, At: epoch.Add(time.Minute),
		})
		require.NoError(t, err)
		return ok
	}

	assert.True(t, advance(domain.MessageStatusSent, "wamid.1"))
	assert.True(t, advance(domain.MessageStatusRead, ""))
	assert.False(t, advance(domain.MessageStatusDelivered, ""), "READ must not fall back to DELIVERED")
	assert.False(t, advance(domain.MessageStatusFailed, ""), "FAILED is unreachable from READ")

	got, err := store.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusRead, got.Status)
	assert.Equal(t, "wamid.1", got.ExternalID)
	require.NotNil(t, got.SentAt)
	require.NotNil(t, got.ReadAt)
	assert.Nil(t, got.DeliveredAt)

	byExternal, err := store.GetMessageByExternalID(ctx, "conn-1", "wamid.1")
	require.NoError(t, err)
	require.NotNil(t, byExternal)
	assert.Equal(t, "m1", byExternal.ID)
}

func TestListMessagesAndRedact(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedPair(t, store)
	require.NoError(t, store.CreateSession(ctx, newSession("s1", domain.SessionStatusActive, epoch)))

	for i, dir := range []domain.Direction{domain.DirectionInbound, domain.DirectionOutbound, domain.DirectionOutbound} {
		at := epoch.Add(time.Duration(i) * time.Second)
		require.NoError(t, store.CreateMessage(ctx, &domain.Message{
			ID: "m" + string(rune('a'+i)), SessionID: "s1", ContactID: "ct-1", ConnectionID: "conn-1",
			CorrelationID: "c", Direction: dir, Author: domain.AuthorAgent, Type: domain.MessageTypeImage,
			Content: "body", MediaURL: "https://cdn/x.png", Status: domain.MessageStatusPending,
			CreatedAt: at, UpdatedAt: at,
		}))
	}

	msgs, total, err := store.ListMessages(ctx, domain.MessageFilter{OrganizationID: "org-1", Direction: domain.DirectionOutbound, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, msgs, 1)
	assert.Equal(t, "mc", msgs[0].ID, "newest first")

	ok, err := store.RedactMessage(ctx, "ma", "[message deleted]", epoch)
	require.NoError(t, err)
	require.True(t, ok)
	got, _ := store.GetMessage(ctx, "ma")
	assert.Equal(t, "[message deleted]", got.Content)
	assert.Empty(t, got.MediaURL)
}

func TestListSessionsPaginates(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedPair(t, store)
	for i := 0; i < 3; i++ {
		s := newSession("s"+string(rune('1'+i)), domain.SessionStatusClosed, epoch.Add(time.Duration(i)*time.Minute))
		require.NoError(t, store.CreateSession(ctx, s))
	}

	sessions, total, err := store.ListSessions(ctx, domain.SessionFilter{OrganizationID: "org-1", Page: 2, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].ID)
	assert.Equal(t, []string{}, sessions[0].Tags)
}
