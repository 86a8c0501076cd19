// Package ws provides the WebSocket push channel. Clients greet with hello,
// then subscribe to session, connection or organization topics.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/switchboard/internal/auth"
	"github.com/xiaot623/gogo/switchboard/internal/config"
	"github.com/xiaot623/gogo/switchboard/internal/domain"
	"github.com/xiaot623/gogo/switchboard/internal/hub"
	"github.com/xiaot623/gogo/switchboard/internal/protocol"
)

const requestTimeout = 5 * time.Second

// Topics resolves and authorizes subscription targets.
type Topics interface {
	SessionTopic(ctx context.Context, sessionID string) (string, error)
	ConnectionTopic(ctx context.Context, connectionID string) (string, error)
	OrganizationTopic(ctx context.Context, organizationID string) (string, error)
}

// Server handles WebSocket connections.
type Server struct {
	cfg      *config.Config
	hub      *hub.Hub
	topics   Topics
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

// NewServer creates a new WebSocket server.
func NewServer(cfg *config.Config, h *hub.Hub, topics Topics, logger zerolog.Logger) *Server {
	return &Server{
		cfg:    cfg,
		hub:    h,
		topics: topics,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browsers are fronted by the gateway, which enforces origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleWebSocket handles WebSocket upgrade and connection lifecycle.
func (s *Server) HandleWebSocket(c echo.Context) error {
	caller, _ := auth.FromContext(c.Request().Context())

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return nil
	}

	conn := s.hub.NewConnection(ws)
	conn.Caller = caller
	s.hub.Register(conn)

	ws.SetReadLimit(s.cfg.WSMaxMessageSize)

	go s.writePump(conn)
	go s.readPump(conn)
	return nil
}

// readPump reads messages from the WebSocket connection.
func (s *Server) readPump(conn *hub.Connection) {
	defer func() {
		s.hub.Unregister(conn)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(s.cfg.WSReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.WSReadTimeout))
		return nil
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn().Err(err).Str("conn_id", conn.ID).Msg("websocket read failed")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.cfg.WSReadTimeout))
		s.handleMessage(conn, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(s.cfg.WSPingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WSWriteTimeout))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Debug().Err(err).Str("conn_id", conn.ID).Msg("websocket write failed")
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WSWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage dispatches incoming messages to appropriate handlers.
func (s *Server) handleMessage(conn *hub.Connection, data []byte) {
	var base protocol.BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "invalid JSON message")
		return
	}

	switch base.Type {
	case protocol.TypeHello:
		s.handleHello(conn, data)
	case protocol.TypePing:
		s.reply(conn, protocol.BaseMessage{Type: protocol.TypePong, Ts: time.Now().UnixMilli(), RequestID: base.RequestID})
	case protocol.TypeSubscribe, protocol.TypeUnsubscribe:
		if !conn.Greeted {
			s.sendError(conn, base.RequestID, protocol.ErrorCodeHelloRequired, "must send hello first")
			return
		}
		s.handleSubscription(conn, base.Type, data)
	default:
		s.sendError(conn, base.RequestID, protocol.ErrorCodeInvalidMessage, "unknown message type: "+base.Type)
	}
}

func (s *Server) handleHello(conn *hub.Connection, data []byte) {
	var msg protocol.HelloMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "invalid hello message")
		return
	}
	if s.cfg.WSAPIKey != "" && msg.APIKey != s.cfg.WSAPIKey {
		s.sendError(conn, msg.RequestID, protocol.ErrorCodeUnauthorized, "invalid api_key")
		return
	}

	conn.Greeted = true
	s.hub.SendJSONToConnection(conn, protocol.HelloAckMessage{
		BaseMessage:  protocol.BaseMessage{Type: protocol.TypeHelloAck, Ts: time.Now().UnixMilli(), RequestID: msg.RequestID},
		ConnectionID: conn.ID,
	})
	s.logger.Debug().Str("conn_id", conn.ID).Str("organization_id", conn.Caller.OrganizationID).Msg("hello handshake completed")
}

func (s *Server) handleSubscription(conn *hub.Connection, kind string, data []byte) {
	var msg protocol.SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "invalid "+kind+" message")
		return
	}

	ctx, cancel := context.WithTimeout(auth.WithCaller(context.Background(), conn.Caller), requestTimeout)
	defer cancel()

	topic, err := s.resolve(ctx, &msg)
	if err != nil {
		s.sendError(conn, msg.RequestID, errorCode(err), err.Error())
		return
	}

	ack := protocol.TypeSubscribed
	if kind == protocol.TypeUnsubscribe {
		s.hub.Unsubscribe(conn, topic)
		ack = protocol.TypeUnsubscribed
	} else if err := s.hub.Subscribe(conn, topic); err != nil {
		s.logger.Error().Err(err).Str("topic", topic).Msg("subscribe failed")
		s.sendError(conn, msg.RequestID, protocol.ErrorCodeInternalError, "subscribe failed")
		return
	}
	s.reply(conn, protocol.SubscriptionMessage{
		BaseMessage: protocol.BaseMessage{Type: ack, Ts: time.Now().UnixMilli(), RequestID: msg.RequestID},
		Topic:       topic,
	})
}

func (s *Server) resolve(ctx context.Context, msg *protocol.SubscribeMessage) (string, error) {
	switch {
	case msg.SessionID != "":
		return s.topics.SessionTopic(ctx, msg.SessionID)
	case msg.ConnectionID != "":
		return s.topics.ConnectionTopic(ctx, msg.ConnectionID)
	case msg.OrganizationID != "":
		return s.topics.OrganizationTopic(ctx, msg.OrganizationID)
	}
	return "", domain.NewValidationError("", "one of session_id, connection_id or organization_id is required")
}

func errorCode(err error) string {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		return protocol.ErrorCodeInvalidMessage
	case errors.Is(err, domain.ErrForbidden):
		return protocol.ErrorCodeForbidden
	case errors.Is(err, domain.ErrSessionNotFound), errors.Is(err, domain.ErrConnectionNotFound):
		return protocol.ErrorCodeNotFound
	}
	return protocol.ErrorCodeInternalError
}

func (s *Server) reply(conn *hub.Connection, v interface{}) {
	if err := s.hub.SendJSONToConnection(conn, v); err != nil {
		s.logger.Debug().Err(err).Str("conn_id", conn.ID).Msg("reply dropped")
	}
}

// sendError sends an error message to a connection.
func (s *Server) sendError(conn *hub.Connection, requestID, code, message string) {
	s.reply(conn, protocol.ErrorMessage{
		BaseMessage: protocol.BaseMessage{Type: protocol.TypeError, Ts: time.Now().UnixMilli(), RequestID: requestID},
		Code:        code,
		Message:     message,
	})
}
