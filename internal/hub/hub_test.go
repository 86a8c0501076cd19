package hub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/switchboard/internal/domain"
	"github.com/xiaot623/gogo/switchboard/internal/events"
	"github.com/xiaot623/gogo/switchboard/internal/protocol"
)

func startHub(t *testing.T) (*Hub, *events.MemoryBus) {
	t.Helper()
	bus := events.NewMemoryBus(8, nil)
	h := New(bus, zerolog.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(cancel)
	return h, bus
}

func next(t *testing.T, conn *Connection) []byte {
	t.Helper()
	select {
	case data, ok := <-conn.Send:
		if !ok {
			t.Fatalf("send channel closed")
		}
		return data
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for frame")
	}
	return nil
}

func TestHubForwardsTopicEvents(t *testing.T) {
	h, bus := startHub(t)
	conn := h.NewConnection(nil)
	h.Register(conn)
	topic := domain.SessionTopic("s1")
	require.NoError(t, h.Subscribe(conn, topic))

	require.NoError(t, bus.Publish(context.Background(), &domain.Event{
		Kind: domain.EventSessionStatus, SessionID: "s1", Data: json.RawMessage(`{"status":"ACTIVE"}`),
	}))

	var msg protocol.EventMessage
	require.NoError(t, json.Unmarshal(next(t, conn), &msg))
	assert.Equal(t, protocol.TypeEvent, msg.Type)
	assert.Equal(t, topic, msg.Topic)
	require.NotNil(t, msg.Event)
	assert.Equal(t, domain.EventSessionStatus, msg.Event.Kind)
}

func TestHubSharesOneFeedPerTopic(t *testing.T) {
	h, bus := startHub(t)
	topic := domain.OrganizationTopic("org-1")
	a, b := h.NewConnection(nil), h.NewConnection(nil)
	h.Register(a)
	h.Register(b)

	require.NoError(t, h.Subscribe(a, topic))
	require.NoError(t, h.Subscribe(b, topic))
	assert.Equal(t, 1, bus.SubscriberCount(topic))
	assert.Equal(t, 1, h.TopicCount())

	require.NoError(t, bus.Publish(context.Background(), &domain.Event{
		Kind: domain.EventConnectionStatus, OrganizationID: "org-1", Data: json.RawMessage(`{}`),
	}))
	next(t, a)
	next(t, b)

	h.Unsubscribe(a, topic)
	assert.Equal(t, 1, bus.SubscriberCount(topic))
	h.Unsubscribe(b, topic)
	assert.Zero(t, bus.SubscriberCount(topic), "the last listener releases the feed")
	assert.Zero(t, h.TopicCount())
}

func TestHubUnregisterReleasesEverything(t *testing.T) {
	h, bus := startHub(t)
	conn := h.NewConnection(nil)
	h.Register(conn)
	require.NoError(t, h.Subscribe(conn, domain.SessionTopic("s1")))
	require.NoError(t, h.Subscribe(conn, domain.ConnectionTopic("c1")))
	assert.Len(t, h.Topics(conn), 2)

	h.Unregister(conn)
	require.Eventually(t, func() bool { return h.ConnectionCount() == 0 }, time.Second, 5*time.Millisecond)

	_, ok := <-conn.Send
	assert.False(t, ok, "unregister closes the send channel")
	assert.Zero(t, bus.SubscriberCount(domain.SessionTopic("s1")))
	assert.Zero(t, bus.SubscriberCount(domain.ConnectionTopic("c1")))

	assert.Error(t, h.Subscribe(conn, domain.SessionTopic("s2")))
	assert.Error(t, h.SendJSONToConnection(conn, map[string]string{"type": "pong"}))
}

func TestHubSendToFullBuffer(t *testing.T) {
	h, _ := startHub(t)
	conn := h.NewConnection(nil)
	conn.Send = make(chan []byte, 1)
	h.Register(conn)

	require.NoError(t, h.SendToConnection(conn, []byte("a")))
	assert.ErrorIs(t, h.SendToConnection(conn, []byte("b")), ErrBufferFull)
}
