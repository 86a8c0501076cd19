// Package internalapi provides HTTP handlers for trusted callers: the
// transport webhooks and the connection manager.
package internalapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/switchboard/internal/domain"
	"github.com/xiaot623/gogo/switchboard/internal/service"
	"github.com/xiaot623/gogo/switchboard/internal/transport/http/apierror"
)

// Handler handles internal HTTP requests.
type Handler struct {
	service *service.Service
}

// NewHandler creates a new internal API handler.
func NewHandler(svc *service.Service) *Handler {
	return &Handler{service: svc}
}

// RegisterRoutes registers internal routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Webhook ingestion
	e.POST("/internal/inbound", h.RecordInbound)
	e.POST("/internal/message-status", h.UpdateMessageStatus)

	// Connections
	e.POST("/internal/connections", h.CreateConnection)
	e.GET("/internal/connections/:connection_id", h.GetConnection)
	e.PATCH("/internal/connections/:connection_id/status", h.UpdateConnectionStatus)

	// Contacts and organization settings
	e.PATCH("/internal/contacts/:contact_id/bypass-bots", h.SetContactBypassBots)
	e.PUT("/internal/organizations/:organization_id/session-timeout", h.SetSessionTimeout)
}

// RecordInbound stores a message received by a transport.
// POST /internal/inbound
func (h *Handler) RecordInbound(c echo.Context) error {
	var req domain.InboundMessage
	if err := c.Bind(&req); err != nil {
		return apierror.BadRequest(c, "invalid request body")
	}

	msg, err := h.service.RecordInbound(c.Request().Context(), &req)
	if err != nil {
		return apierror.Write(c, err)
	}
	return c.JSON(http.StatusOK, msg)
}

// UpdateMessageStatus applies a delivery receipt.
// POST /internal/message-status
func (h *Handler) UpdateMessageStatus(c echo.Context) error {
	var req domain.MessageStatusUpdate
	if err := c.Bind(&req); err != nil {
		return apierror.BadRequest(c, "invalid request body")
	}

	msg, changed, err := h.service.UpdateMessageStatusByExternalID(c.Request().Context(), &req)
	if err != nil {
		return apierror.Write(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"message": msg,
		"changed": changed,
	})
}

// CreateConnection registers a transport connection.
// POST /internal/connections
func (h *Handler) CreateConnection(c echo.Context) error {
	var req domain.CreateConnectionRequest
	if err := c.Bind(&req); err != nil {
		return apierror.BadRequest(c, "invalid request body")
	}

	conn, err := h.service.CreateConnection(c.Request().Context(), &req)
	if err != nil {
		return apierror.Write(c, err)
	}
	return c.JSON(http.StatusCreated, conn)
}

// GetConnection returns one connection. Credentials are never rendered.
// GET /internal/connections/:connection_id
func (h *Handler) GetConnection(c echo.Context) error {
	conn, err := h.service.GetConnection(c.Request().Context(), c.Param("connection_id"))
	if err != nil {
		return apierror.Write(c, err)
	}
	return c.JSON(http.StatusOK, conn)
}

type connectionStatusRequest struct {
	Status domain.ConnectionStatus `json:"status"`
}

// UpdateConnectionStatus records a transport connectivity change.
// PATCH /internal/connections/:connection_id/status
func (h *Handler) UpdateConnectionStatus(c echo.Context) error {
	var req connectionStatusRequest
	if err := c.Bind(&req); err != nil {
		return apierror.BadRequest(c, "invalid request body")
	}

	conn, err := h.service.UpdateConnectionStatus(c.Request().Context(), c.Param("connection_id"), req.Status)
	if err != nil {
		return apierror.Write(c, err)
	}
	return c.JSON(http.StatusOK, conn)
}

type bypassBotsRequest struct {
	BypassBots bool `json:"bypass_bots"`
}

// SetContactBypassBots blacklists or whitelists a contact for automated replies.
// PATCH /internal/contacts/:contact_id/bypass-bots
func (h *Handler) SetContactBypassBots(c echo.Context) error {
	var req bypassBotsRequest
	if err := c.Bind(&req); err != nil {
		return apierror.BadRequest(c, "invalid request body")
	}

	contact, err := h.service.SetContactBypassBots(c.Request().Context(), c.Param("contact_id"), req.BypassBots)
	if err != nil {
		return apierror.Write(c, err)
	}
	return c.JSON(http.StatusOK, contact)
}

type sessionTimeoutRequest struct {
	Hours int `json:"hours"`
}

// SetSessionTimeout overrides the inactivity timeout of an organization.
// PUT /internal/organizations/:organization_id/session-timeout
func (h *Handler) SetSessionTimeout(c echo.Context) error {
	var req sessionTimeoutRequest
	if err := c.Bind(&req); err != nil {
		return apierror.BadRequest(c, "invalid request body")
	}

	orgID := c.Param("organization_id")
	if err := h.service.SetSessionTimeout(c.Request().Context(), orgID, req.Hours); err != nil {
		return apierror.Write(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"organization_id":       orgID,
		"session_timeout_hours": req.Hours,
	})
}
