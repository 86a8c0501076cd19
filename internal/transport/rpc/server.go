// Package rpc exposes the switchboard to internal callers over JSON-RPC.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"

	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/switchboard/internal/auth"
	"github.com/xiaot623/gogo/switchboard/internal/domain"
	"github.com/xiaot623/gogo/switchboard/internal/service"
	"github.com/xiaot623/gogo/switchboard/internal/transport/http/apierror"
)

// ServiceName is the name methods are registered under.
const ServiceName = "Switchboard"

// callTimeout bounds one call. Dispatch may wait for pacing delays and retries.
const callTimeout = 2 * time.Minute

// Server exposes internal RPC endpoints.
type Server struct {
	listener  net.Listener
	rpcServer *rpc.Server
	logger    zerolog.Logger
	done      chan struct{}
}

// NewServer creates a new RPC server bound to the service.
func NewServer(svc *service.Service, logger zerolog.Logger) (*Server, error) {
	rpcServer := rpc.NewServer()
	if err := rpcServer.RegisterName(ServiceName, &Handler{service: svc}); err != nil {
		return nil, fmt.Errorf("register rpc handler: %w", err)
	}
	return &Server{
		rpcServer: rpcServer,
		logger:    logger,
		done:      make(chan struct{}),
	}, nil
}

// Start begins accepting RPC connections on addr. It blocks until Shutdown.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts RPC connections on ln.
func (s *Server) Serve(ln net.Listener) error {
	s.listener = ln
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				close(s.done)
				return nil
			}
			s.logger.Warn().Err(err).Msg("rpc accept failed")
			continue
		}
		go s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// Shutdown stops accepting new RPC connections.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}
	if err := s.listener.Close(); err != nil {
		return err
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler implements the RPC methods. Every call runs as the system caller.
type Handler struct {
	service *service.Service
}

// SessionStatusArgs requests a session status change.
type SessionStatusArgs struct {
	SessionID string               `json:"session_id"`
	Status    domain.SessionStatus `json:"status"`
	Reason    string               `json:"reason,omitempty"`
}

// BlockAIArgs requests an AI block.
type BlockAIArgs struct {
	SessionID string `json:"session_id"`
	Minutes   int    `json:"minutes"`
	Reason    string `json:"reason,omitempty"`
}

// SessionArgs identifies a session.
type SessionArgs struct {
	SessionID string `json:"session_id"`
}

// ConnectionStatusArgs reports a connection status change.
type ConnectionStatusArgs struct {
	ConnectionID string                  `json:"connection_id"`
	Status       domain.ConnectionStatus `json:"status"`
}

// MessageStatusReply is the result of a delivery receipt.
type MessageStatusReply struct {
	Message *domain.Message `json:"message"`
	Changed bool            `json:"changed"`
}

// systemContext returns the context every call runs in.
func systemContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(auth.WithCaller(context.Background(), auth.System()), callTimeout)
}

// wrap prefixes err with its stable code so remote callers can branch on it.
func wrap(err error) error {
	if err == nil {
		return nil
	}
	_, code := apierror.Status(err)
	return fmt.Errorf("%s: %w", code, err)
}

// Dispatch runs the dispatch pipeline.
func (h *Handler) Dispatch(req *domain.DispatchRequest, resp *domain.Message) error {
	if req == nil {
		return errors.New("dispatch request is required")
	}
	ctx, cancel := systemContext()
	defer cancel()

	msg, err := h.service.Dispatch(ctx, req)
	if err != nil {
		return wrap(err)
	}
	*resp = *msg
	return nil
}

// RecordInbound stores a message received by a transport.
func (h *Handler) RecordInbound(req *domain.InboundMessage, resp *domain.Message) error {
	if req == nil {
		return errors.New("inbound message is required")
	}
	ctx, cancel := systemContext()
	defer cancel()

	msg, err := h.service.RecordInbound(ctx, req)
	if err != nil {
		return wrap(err)
	}
	*resp = *msg
	return nil
}

// UpdateMessageStatus applies a delivery receipt.
func (h *Handler) UpdateMessageStatus(req *domain.MessageStatusUpdate, resp *MessageStatusReply) error {
	if req == nil {
		return errors.New("status update is required")
	}
	ctx, cancel := systemContext()
	defer cancel()

	msg, changed, err := h.service.UpdateMessageStatusByExternalID(ctx, req)
	if err != nil {
		return wrap(err)
	}
	resp.Message = msg
	resp.Changed = changed
	return nil
}

// UpdateSessionStatus moves a session along its lifecycle.
func (h *Handler) UpdateSessionStatus(req *SessionStatusArgs, resp *domain.Session) error {
	if req == nil {
		return errors.New("session status request is required")
	}
	ctx, cancel := systemContext()
	defer cancel()

	session, err := h.service.UpdateSessionStatus(ctx, req.SessionID, req.Status, req.Reason)
	if err != nil {
		return wrap(err)
	}
	*resp = *session
	return nil
}

// BlockAI silences the AI on a session.
func (h *Handler) BlockAI(req *BlockAIArgs, resp *domain.Session) error {
	if req == nil {
		return errors.New("block request is required")
	}
	if req.Reason == "" {
		req.Reason = domain.BlockReasonManual
	}
	ctx, cancel := systemContext()
	defer cancel()

	session, err := h.service.BlockAI(ctx, req.SessionID, req.Minutes, req.Reason)
	if err != nil {
		return wrap(err)
	}
	*resp = *session
	return nil
}

// UnblockAI lifts an AI block.
func (h *Handler) UnblockAI(req *SessionArgs, resp *domain.Session) error {
	if req == nil {
		return errors.New("session_id is required")
	}
	ctx, cancel := systemContext()
	defer cancel()

	session, err := h.service.UnblockAI(ctx, req.SessionID)
	if err != nil {
		return wrap(err)
	}
	*resp = *session
	return nil
}

// UpdateConnectionStatus records a transport connectivity change.
func (h *Handler) UpdateConnectionStatus(req *ConnectionStatusArgs, resp *domain.Connection) error {
	if req == nil {
		return errors.New("connection status request is required")
	}
	ctx, cancel := systemContext()
	defer cancel()

	conn, err := h.service.UpdateConnectionStatus(ctx, req.ConnectionID, req.Status)
	if err != nil {
		return wrap(err)
	}
	*resp = *conn
	return nil
}
