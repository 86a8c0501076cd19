package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionTransitions(t *testing.T) {
	cases := []struct {
		from, to SessionStatus
		ok       bool
	}{
		{SessionStatusQueued, SessionStatusActive, true},
		{SessionStatusActive, SessionStatusPaused, true},
		{SessionStatusPaused, SessionStatusClosed, true},
		{SessionStatusActive, SessionStatusClosed, true},
		{SessionStatusPaused, SessionStatusActive, true},
		{SessionStatusClosed, SessionStatusActive, true},
		{SessionStatusActive, SessionStatusQueued, false},
		{SessionStatusClosed, SessionStatusPaused, false},
		{SessionStatusClosed, SessionStatusQueued, false},
		{SessionStatusPaused, SessionStatusQueued, false},
		{SessionStatusActive, SessionStatus("BOGUS"), false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, tc.from.CanTransitionTo(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestMessageStatusNeverRegresses(t *testing.T) {
	all := []MessageStatus{MessageStatusPending, MessageStatusSent, MessageStatusDelivered, MessageStatusRead, MessageStatusFailed}
	order := map[MessageStatus]int{MessageStatusPending: 0, MessageStatusSent: 1, MessageStatusDelivered: 2, MessageStatusRead: 3}

	for _, from := range all {
		for _, to := range all {
			got := from.CanAdvanceTo(to)
			switch {
			case to == MessageStatusFailed:
				assert.Equal(t, from == MessageStatusPending || from == MessageStatusSent, got, "%s -> %s", from, to)
			case from == MessageStatusFailed:
				assert.False(t, got, "%s -> %s", from, to)
			default:
				assert.Equal(t, order[to] > order[from], got, "%s -> %s", from, to)
			}
		}
	}
}

func TestIsAIActive(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Minute)
	past := now.Add(-time.Minute)

	s := &Session{AIEnabled: true}
	assert.True(t, s.IsAIActive(now))

	s.AIBlockedUntil = &future
	assert.False(t, s.IsAIActive(now))
	assert.True(t, s.IsAIActive(future), "block ends exactly at aiBlockedUntil")

	s.AIBlockedUntil = &past
	assert.True(t, s.IsAIActive(now))

	s.AIEnabled = false
	assert.False(t, s.IsAIActive(now))
}

func TestDispatchRequestValidate(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		req := DispatchRequest{SessionID: "s1", Content: "hi"}
		req.ApplyDefaults()
		p, err := req.Validate()
		require.NoError(t, err)
		assert.Equal(t, TextPayload{Body: "hi"}, p)
		assert.Equal(t, DirectionOutbound, req.Direction)
		assert.Equal(t, AuthorAgent, req.Author)
		assert.True(t, req.SendsExternally())
	})

	t.Run("empty content", func(t *testing.T) {
		req := DispatchRequest{SessionID: "s1", Content: "   "}
		req.ApplyDefaults()
		_, err := req.Validate()
		var verr *ValidationError
		require.True(t, errors.As(err, &verr))
		assert.Equal(t, "content", verr.Field)
	})

	t.Run("delay out of range", func(t *testing.T) {
		req := DispatchRequest{SessionID: "s1", Content: "hi", DelayMs: 30001}
		req.ApplyDefaults()
		_, err := req.Validate()
		require.Error(t, err)
	})

	t.Run("media caption falls back to content", func(t *testing.T) {
		req := DispatchRequest{SessionID: "s1", Content: "look", Type: MessageTypeImage, MediaURL: "https://x/y.png"}
		req.ApplyDefaults()
		p, err := req.Validate()
		require.NoError(t, err)
		media := p.(MediaPayload)
		assert.Equal(t, "look", media.Caption)
		assert.Equal(t, MessageTypeImage, media.Type())
	})

	t.Run("list requires sections", func(t *testing.T) {
		req := DispatchRequest{SessionID: "s1", Content: "menu", Type: MessageTypeList,
			InteractiveData: json.RawMessage(`{"buttonText":"open","sections":[]}`)}
		req.ApplyDefaults()
		_, err := req.Validate()
		require.Error(t, err)
	})

	t.Run("buttons", func(t *testing.T) {
		req := DispatchRequest{SessionID: "s1", Content: "pick one", Type: MessageTypeButtons,
			InteractiveData: json.RawMessage(`{"buttons":[{"id":"a","text":"A"}]}`)}
		req.ApplyDefaults()
		p, err := req.Validate()
		require.NoError(t, err)
		assert.Equal(t, "pick one", p.(ButtonsPayload).Text)
	})

	t.Run("no external send for inbound", func(t *testing.T) {
		req := DispatchRequest{SessionID: "s1", Content: "hi", Direction: DirectionInbound}
		req.ApplyDefaults()
		assert.False(t, req.SendsExternally())
	})
}

func TestEventTopics(t *testing.T) {
	e := Event{Kind: EventSessionStatus, SessionID: "s1", ConnectionID: "c1", OrganizationID: "o1"}
	assert.Equal(t, []string{"session:events:s1", "org:events:o1"}, e.Topics())

	e = Event{Kind: EventConnectionStatus, ConnectionID: "c1"}
	assert.Equal(t, []string{"instance:status:c1"}, e.Topics())
}

func TestRateLimitedRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 1, (&RateLimitedError{RetryAfter: 10 * time.Millisecond}).RetryAfterSeconds())
	assert.Equal(t, 60, (&RateLimitedError{RetryAfter: 60 * time.Second}).RetryAfterSeconds())
	assert.Equal(t, 3, (&RateLimitedError{RetryAfter: 2100 * time.Millisecond}).RetryAfterSeconds())
}
