// Package hub tracks WebSocket clients and the topics they follow, feeding
// each topic from the event bus while at least one client listens.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/switchboard/internal/auth"
	"github.com/xiaot623/gogo/switchboard/internal/events"
	"github.com/xiaot623/gogo/switchboard/internal/metrics"
	"github.com/xiaot623/gogo/switchboard/internal/protocol"
)

const sendBuffer = 256

// ErrBufferFull is returned when a connection's send buffer is full.
var ErrBufferFull = errors.New("send buffer full")

// Subscriber opens bus subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, topics ...string) (events.Subscription, error)
}

// Connection represents a single WebSocket client.
type Connection struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte

	// Caller is the identity the socket was opened with.
	Caller auth.Caller
	// Greeted is set once the client completed the hello handshake.
	Greeted bool

	topics map[string]bool // guarded by Hub.mu
	mu     sync.Mutex
}

// TopicMessage is one payload for every client of a topic.
type TopicMessage struct {
	Topic string
	Data  []byte
}

// Hub manages all WebSocket connections.
type Hub struct {
	bus     Subscriber
	logger  zerolog.Logger
	metrics *metrics.Metrics

	connections map[string]*Connection
	topics      map[string]map[string]bool
	feeds       map[string]events.Subscription

	unregister chan *Connection
	broadcast  chan *TopicMessage
	done       chan struct{}
	stopOnce   sync.Once

	// feeds outlive the request that opened them
	ctx    context.Context
	cancel context.CancelFunc

	mu sync.RWMutex
}

// New creates a hub fed by bus.
func New(bus Subscriber, logger zerolog.Logger, m *metrics.Metrics) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		ctx:         ctx,
		cancel:      cancel,
		bus:         bus,
		logger:      logger,
		metrics:     m,
		connections: make(map[string]*Connection),
		topics:      make(map[string]map[string]bool),
		feeds:       make(map[string]events.Subscription),
		unregister:  make(chan *Connection),
		broadcast:   make(chan *TopicMessage, sendBuffer),
		done:        make(chan struct{}),
	}
}

// Run starts the hub's main loop and returns when ctx ends.
func (h *Hub) Run(ctx context.Context) {
	defer h.stop()
	for {
		select {
		case <-ctx.Done():
			return

		case conn := <-h.unregister:
			h.mu.Lock()
			_, ok := h.connections[conn.ID]
			var idle []events.Subscription
			if ok {
				delete(h.connections, conn.ID)
				for topic := range conn.topics {
					idle = h.detach(conn, topic, idle)
				}
				close(conn.Send)
			}
			h.mu.Unlock()
			closeAll(idle)
			if ok {
				h.metrics.SubscriberDelta("ws", -1)
				h.logger.Debug().Str("conn_id", conn.ID).Msg("ws connection unregistered")
			}

		case msg := <-h.broadcast:
			h.mu.RLock()
			for connID := range h.topics[msg.Topic] {
				conn, exists := h.connections[connID]
				if !exists {
					continue
				}
				select {
				case conn.Send <- msg.Data:
				default:
					h.logger.Warn().Str("conn_id", connID).Msg("ws buffer full, closing connection")
					go h.Unregister(conn)
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.cancel()
		h.mu.Lock()
		feeds := make([]events.Subscription, 0, len(h.feeds))
		for topic, sub := range h.feeds {
			feeds = append(feeds, sub)
			delete(h.feeds, topic)
		}
		h.mu.Unlock()
		closeAll(feeds)
	})
}

// NewConnection wraps an upgraded socket. It is not yet registered.
func (h *Hub) NewConnection(ws *websocket.Conn) *Connection {
	return &Connection{
		ID:     uuid.New().String(),
		Conn:   ws,
		Send:   make(chan []byte, sendBuffer),
		topics: make(map[string]bool),
	}
}

// Register registers a connection with the hub. The connection can
// subscribe as soon as Register returns.
func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	h.connections[conn.ID] = conn
	h.mu.Unlock()
	h.metrics.SubscriberDelta("ws", 1)
	h.logger.Debug().Str("conn_id", conn.ID).Msg("ws connection registered")
}

// Unregister removes a connection and closes its send channel.
func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// Subscribe adds topic to conn, opening a bus feed for the topic if it is
// the first local listener.
func (h *Hub) Subscribe(conn *Connection, topic string) error {
	h.mu.RLock()
	_, fed := h.feeds[topic]
	h.mu.RUnlock()

	var sub events.Subscription
	if !fed {
		var err error
		if sub, err = h.bus.Subscribe(h.ctx, topic); err != nil {
			return err
		}
	}

	h.mu.Lock()
	if _, ok := h.connections[conn.ID]; !ok {
		h.mu.Unlock()
		if sub != nil {
			sub.Close()
		}
		return errors.New("connection is closed")
	}
	if sub != nil {
		if _, raced := h.feeds[topic]; raced {
			defer sub.Close()
		} else {
			h.feeds[topic] = sub
			go h.pump(topic, sub)
		}
	}
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[string]bool)
	}
	h.topics[topic][conn.ID] = true
	conn.topics[topic] = true
	h.mu.Unlock()
	return nil
}

// Unsubscribe removes topic from conn.
func (h *Hub) Unsubscribe(conn *Connection, topic string) {
	h.mu.Lock()
	idle := h.detach(conn, topic, nil)
	h.mu.Unlock()
	closeAll(idle)
}

// detach must be called with h.mu held. Feeds left without listeners are
// appended to idle for the caller to close outside the lock.
func (h *Hub) detach(conn *Connection, topic string, idle []events.Subscription) []events.Subscription {
	delete(conn.topics, topic)
	if ids := h.topics[topic]; ids != nil {
		delete(ids, conn.ID)
		if len(ids) == 0 {
			delete(h.topics, topic)
			if sub, ok := h.feeds[topic]; ok {
				delete(h.feeds, topic)
				idle = append(idle, sub)
			}
		}
	}
	return idle
}

func (h *Hub) pump(topic string, sub events.Subscription) {
	for event := range sub.Events() {
		data, err := json.Marshal(protocol.EventMessage{
			BaseMessage: protocol.BaseMessage{Type: protocol.TypeEvent, Ts: time.Now().UnixMilli()},
			Topic:       topic,
			Event:       event,
		})
		if err != nil {
			h.logger.Error().Err(err).Msg("failed to encode event")
			continue
		}
		h.Broadcast(topic, data)
	}
}

// Broadcast sends data to all connections following topic.
func (h *Hub) Broadcast(topic string, data []byte) {
	select {
	case h.broadcast <- &TopicMessage{Topic: topic, Data: data}:
	case <-h.done:
	}
}

// SendToConnection queues data for one connection.
func (h *Hub) SendToConnection(conn *Connection, data []byte) (err error) {
	defer func() {
		// The hub may have closed Send concurrently.
		if recover() != nil {
			err = errors.New("connection is closed")
		}
	}()
	select {
	case conn.Send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// SendJSONToConnection queues a JSON message for one connection.
func (h *Hub) SendJSONToConnection(conn *Connection, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return h.SendToConnection(conn, data)
}

// ConnectionCount returns the number of registered connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// TopicCount returns the number of topics with at least one listener.
func (h *Hub) TopicCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics)
}

// Topics returns the topics conn follows.
func (h *Hub) Topics(conn *Connection) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(conn.topics))
	for t := range conn.topics {
		out = append(out, t)
	}
	return out
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline for the connection.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

// Close closes the underlying socket.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

func closeAll(subs []events.Subscription) {
	for _, s := range subs {
		s.Close()
	}
}
