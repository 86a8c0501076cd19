package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/switchboard/internal/auth"
	"github.com/xiaot623/gogo/switchboard/internal/domain"
)

func TestSetContactBypassBots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.session(t, domain.SessionStatusActive)

	contact, err := f.svc.SetContactBypassBots(ctx, f.contact.ID, true)
	require.NoError(t, err)
	assert.True(t, contact.BypassBots)
	assert.Equal(t, domain.ProcessDecision{Reason: "contact_blacklisted"},
		f.svc.ShouldProcessWithAI(ctx, session.ID, domain.DirectionInbound))

	_, err = f.svc.SetContactBypassBots(ctx, f.contact.ID, false)
	require.NoError(t, err)
	assert.Equal(t, "ok", f.svc.ShouldProcessWithAI(ctx, session.ID, domain.DirectionInbound).Reason)

	assert.Equal(t, []domain.EventKind{domain.EventContactBlacklisted, domain.EventContactWhitelisted}, f.events.kinds())
	first := f.events.events[0]
	assert.Equal(t, []string{domain.OrganizationTopic("org-1")}, first.Topics())
	var payload ContactBypassEvent
	require.NoError(t, json.Unmarshal(first.Data, &payload))
	assert.Equal(t, ContactBypassEvent{ContactID: f.contact.ID, BypassBots: true}, payload)

	_, err = f.svc.SetContactBypassBots(ctx, "missing", true)
	assert.ErrorIs(t, err, domain.ErrContactNotFound)
}

func TestSetContactBypassBotsAuthorization(t *testing.T) {
	f := newFixture(t, WithPolicy(newPolicy(t)))

	viewer := auth.WithCaller(context.Background(), auth.Caller{UserID: "u1", OrganizationID: "org-1", Role: "viewer"})
	_, err := f.svc.SetContactBypassBots(viewer, f.contact.ID, true)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	stranger := auth.WithCaller(context.Background(), auth.Caller{UserID: "u2", OrganizationID: "org-2", Role: "agent"})
	_, err = f.svc.SetContactBypassBots(stranger, f.contact.ID, true)
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestAutopilotSkipsBlacklistedContact(t *testing.T) {
	bot := &stubAgent{reply: "Olá!"}
	f := newFixture(t, WithAgent(bot))
	ctx := context.Background()

	muted := &domain.Contact{ID: "ct-muted", OrganizationID: "org-1", PhoneNumber: "5511988887777", BypassBots: true, CreatedAt: epoch}
	require.NoError(t, f.store.CreateContact(ctx, muted))

	in, err := f.svc.RecordInbound(ctx, inbound("wamid-1", "oi"))
	require.NoError(t, err)
	f.svc.Wait()

	assert.Equal(t, muted.ID, in.ContactID)
	assert.Zero(t, bot.calls())
	_, total, err := f.store.ListMessages(ctx, domain.MessageFilter{SessionID: in.SessionID})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestSessionTimeoutOverride(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	timeout, err := f.svc.SessionTimeout(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, timeout)

	var verr *domain.ValidationError
	assert.ErrorAs(t, f.svc.SetSessionTimeout(ctx, "org-1", 0), &verr)
	assert.ErrorAs(t, f.svc.SetSessionTimeout(ctx, "org-1", 73), &verr)

	require.NoError(t, f.svc.SetSessionTimeout(ctx, "org-1", 2))
	timeout, err = f.svc.SessionTimeout(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, timeout)
}

func TestCloseInactiveSessionsPerOrganization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.SetSessionTimeout(ctx, "org-1", 2))

	short := f.session(t, domain.SessionStatusActive)

	other := f.createConnection(t, "conn-org2", "org-2", "WHATSAPP_WEB", domain.ConnectionStatusConnected)
	require.NoError(t, f.store.CreateContact(ctx, &domain.Contact{ID: "ct-org2", OrganizationID: "org-2", PhoneNumber: "5511977776666", CreatedAt: epoch}))
	long := &domain.Session{
		ID: newID(), OrganizationID: "org-2", ContactID: "ct-org2", ConnectionID: other.ID,
		Status: domain.SessionStatusActive, AIEnabled: true, Tags: []string{}, CreatedAt: epoch, UpdatedAt: epoch,
	}
	require.NoError(t, f.store.CreateSession(ctx, long))

	f.clock.Advance(3 * time.Hour)
	n, err := f.svc.CloseInactiveSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.SessionStatusClosed, f.reload(t, short.ID).Status)
	assert.Equal(t, domain.SessionStatusActive, f.reload(t, long.ID).Status, "org-2 keeps the 24h default")

	f.clock.Advance(22 * time.Hour)
	n, err = f.svc.CloseInactiveSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.SessionStatusClosed, f.reload(t, long.ID).Status)
}
