package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/switchboard/internal/domain"
	"github.com/xiaot623/gogo/switchboard/internal/transport/http/apierror"
)

// SendMessage runs the dispatch pipeline.
// POST /v1/messages
func (h *Handler) SendMessage(c echo.Context) error {
	var req domain.DispatchRequest
	if err := c.Bind(&req); err != nil {
		return apierror.BadRequest(c, "invalid request body")
	}

	msg, err := h.service.Dispatch(c.Request().Context(), &req)
	if err != nil {
		return apierror.Write(c, err)
	}
	return c.JSON(http.StatusCreated, msg)
}

// ListMessages lists messages, newest first.
// GET /v1/messages
func (h *Handler) ListMessages(c echo.Context) error {
	filter := domain.MessageFilter{
		OrganizationID: c.QueryParam("organization_id"),
		SessionID:      c.QueryParam("session_id"),
		ContactID:      c.QueryParam("contact_id"),
		Direction:      domain.Direction(c.QueryParam("direction")),
		Author:         domain.Author(c.QueryParam("author")),
		Page:           queryInt(c, "page"),
		Limit:          queryInt(c, "limit"),
	}

	messages, page, err := h.service.ListMessages(c.Request().Context(), filter)
	if err != nil {
		return apierror.Write(c, err)
	}
	return c.JSON(http.StatusOK, listResponse{Data: messages, Pagination: page})
}

// GetMessage returns one message.
// GET /v1/messages/:message_id
func (h *Handler) GetMessage(c echo.Context) error {
	msg, err := h.service.GetMessage(c.Request().Context(), c.Param("message_id"))
	if err != nil {
		return apierror.Write(c, err)
	}
	return c.JSON(http.StatusOK, msg)
}

// MarkAsRead sends a read receipt for an inbound message.
// POST /v1/messages/:message_id/read
func (h *Handler) MarkAsRead(c echo.Context) error {
	msg, err := h.service.MarkAsRead(c.Request().Context(), c.Param("message_id"))
	if err != nil {
		return apierror.Write(c, err)
	}
	return c.JSON(http.StatusOK, msg)
}

type reactRequest struct {
	Emoji string `json:"emoji"`
}

// React reacts to a message.
// POST /v1/messages/:message_id/react
func (h *Handler) React(c echo.Context) error {
	var req reactRequest
	if err := c.Bind(&req); err != nil {
		return apierror.BadRequest(c, "invalid request body")
	}
	if err := h.service.React(c.Request().Context(), c.Param("message_id"), req.Emoji); err != nil {
		return apierror.Write(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// DeleteMessage deletes a message for everyone and redacts the stored copy.
// DELETE /v1/messages/:message_id
func (h *Handler) DeleteMessage(c echo.Context) error {
	msg, err := h.service.DeleteMessage(c.Request().Context(), c.Param("message_id"))
	if err != nil {
		return apierror.Write(c, err)
	}
	return c.JSON(http.StatusOK, msg)
}

// DownloadMedia returns a message's media, either as a link or as bytes.
// GET /v1/messages/:message_id/media
func (h *Handler) DownloadMedia(c echo.Context) error {
	media, err := h.service.DownloadMedia(c.Request().Context(), c.Param("message_id"))
	if err != nil {
		return apierror.Write(c, err)
	}
	if len(media.Data) == 0 {
		return c.JSON(http.StatusOK, media)
	}
	contentType := media.ContentType
	if contentType == "" {
		contentType = echo.MIMEOctetStream
	}
	return c.Blob(http.StatusOK, contentType, media.Data)
}
