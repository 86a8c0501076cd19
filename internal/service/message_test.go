package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/switchboard/internal/broker"
	"github.com/xiaot623/gogo/switchboard/internal/domain"
)

func TestDeliveryReceiptsOnlyMoveForward(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.session(t, domain.SessionStatusActive)
	msg, err := f.svc.Dispatch(ctx, textRequest(session.ID, "hello"))
	require.NoError(t, err)

	receipt := func(status domain.MessageStatus) (*domain.Message, bool) {
		updated, changed, err := f.svc.UpdateMessageStatusByExternalID(ctx, &domain.MessageStatusUpdate{
			ConnectionID: f.conn.ID, ExternalID: msg.ExternalID, Status: status,
		})
		require.NoError(t, err)
		return updated, changed
	}

	updated, changed := receipt(domain.MessageStatusRead)
	assert.True(t, changed)
	assert.Equal(t, domain.MessageStatusRead, updated.Status)

	updated, changed = receipt(domain.MessageStatusDelivered)
	assert.False(t, changed, "a late DELIVERED receipt must not regress READ")
	assert.Equal(t, domain.MessageStatusRead, updated.Status)

	_, changed = receipt(domain.MessageStatusFailed)
	assert.False(t, changed, "FAILED is unreachable after delivery")

	stored, err := f.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusRead, stored.Status)
	assert.NotNil(t, stored.ReadAt)
}

func TestDeliveryReceiptUnknownMessage(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.svc.UpdateMessageStatusByExternalID(context.Background(), &domain.MessageStatusUpdate{
		ConnectionID: f.conn.ID, ExternalID: "nope", Status: domain.MessageStatusDelivered,
	})
	assert.ErrorIs(t, err, domain.ErrMessageNotFound)
}

func TestMarkAsReadSendsReceipt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg, err := f.svc.RecordInbound(ctx, inbound("wamid-9", "oi"))
	require.NoError(t, err)

	read, err := f.svc.MarkAsRead(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusRead, read.Status)
	assert.Equal(t, 1, f.broker.CallsTo("mark_read"))
}

func TestReactValidatesEmoji(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.session(t, domain.SessionStatusActive)
	msg, err := f.svc.Dispatch(ctx, textRequest(session.ID, "hello"))
	require.NoError(t, err)

	var verr *domain.ValidationError
	require.ErrorAs(t, f.svc.React(ctx, msg.ID, ""), &verr)
	require.ErrorAs(t, f.svc.React(ctx, msg.ID, "this is far too long"), &verr)

	require.NoError(t, f.svc.React(ctx, msg.ID, "👍"))
	assert.Equal(t, 1, f.broker.CallsTo("react"))
}

func TestDeleteMessageRedacts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.session(t, domain.SessionStatusActive)
	msg, err := f.svc.Dispatch(ctx, &domain.DispatchRequest{
		SessionID: session.ID, Type: domain.MessageTypeImage, Content: "look", MediaURL: "https://cdn.example.com/a.png",
	})
	require.NoError(t, err)

	deleted, err := f.svc.DeleteMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, RedactedContent, deleted.Content)
	assert.Equal(t, 1, f.broker.CallsTo("delete"))

	stored, err := f.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.NotNil(t, stored, "deleted messages are redacted, never removed")
	assert.Equal(t, RedactedContent, stored.Content)
	assert.Empty(t, stored.MediaURL)
}

func TestDeleteMessageRedactsWhenProviderCannotDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.session(t, domain.SessionStatusActive)
	msg, err := f.svc.Dispatch(ctx, textRequest(session.ID, "oops"))
	require.NoError(t, err)
	f.broker.FailNext("delete", broker.NewError(broker.NotSupported, broker.KindUazapi, "delete", "unsupported"))

	deleted, err := f.svc.DeleteMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, RedactedContent, deleted.Content)
}

func TestDownloadMedia(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.session(t, domain.SessionStatusActive)

	withURL, err := f.svc.Dispatch(ctx, &domain.DispatchRequest{
		SessionID: session.ID, Type: domain.MessageTypeDocument, Content: "invoice", MediaURL: "https://cdn.example.com/i.pdf",
	})
	require.NoError(t, err)
	media, err := f.svc.DownloadMedia(ctx, withURL.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/i.pdf", media.URL)
	assert.Zero(t, f.broker.CallsTo("download_media"))

	text, err := f.svc.Dispatch(ctx, textRequest(session.ID, "plain"))
	require.NoError(t, err)
	_, err = f.svc.DownloadMedia(ctx, text.ID)
	var verr *domain.ValidationError
	assert.ErrorAs(t, err, &verr)

	stored, err := f.svc.RecordInbound(ctx, &domain.InboundMessage{
		ConnectionID: "conn-1", From: "5511988887777", ExternalID: "media-1", Type: domain.MessageTypeImage, Content: "photo",
	})
	require.NoError(t, err)
	_, err = f.svc.DownloadMedia(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, f.broker.CallsTo("download_media"))
}

func TestListMessagesPaginates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.session(t, domain.SessionStatusActive)
	for i := 0; i < 5; i++ {
		_, err := f.svc.Dispatch(ctx, textRequest(session.ID, "hi"))
		require.NoError(t, err)
	}

	messages, page, err := f.svc.ListMessages(ctx, domain.MessageFilter{SessionID: session.ID, Page: 2, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, messages, 2)
	assert.Equal(t, domain.Pagination{Page: 2, Limit: 2, Total: 5, TotalPages: 3}, page)

	_, page, err = f.svc.ListMessages(ctx, domain.MessageFilter{SessionID: session.ID, Limit: 1000})
	require.NoError(t, err)
	assert.Equal(t, 100, page.Limit)
}
