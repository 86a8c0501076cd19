package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/switchboard/internal/domain"
	"github.com/xiaot623/gogo/switchboard/internal/transport/http/apierror"
)

// ListSessions lists sessions of the caller's organization.
// GET /v1/sessions
func (h *Handler) ListSessions(c echo.Context) error {
	filter := domain.SessionFilter{
		OrganizationID: c.QueryParam("organization_id"),
		ConnectionID:   c.QueryParam("connection_id"),
		ContactID:      c.QueryParam("contact_id"),
		Status:         domain.SessionStatus(c.QueryParam("status")),
		Page:           queryInt(c, "page"),
		Limit:          queryInt(c, "limit"),
	}

	sessions, page, err := h.service.ListSessions(c.Request().Context(), filter)
	if err != nil {
		return apierror.Write(c, err)
	}
	return c.JSON(http.StatusOK, listResponse{Data: sessions, Pagination: page})
}

// GetSession returns one session.
// GET /v1/sessions/:session_id
func (h *Handler) GetSession(c echo.Context) error {
	session, err := h.service.GetSession(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return apierror.Write(c, err)
	}
	return c.JSON(http.StatusOK, session)
}

type statusRequest struct {
	Status domain.SessionStatus `json:"status"`
	Reason string               `json:"reason,omitempty"`
}

// UpdateSessionStatus moves a session along its lifecycle.
// PATCH /v1/sessions/:session_id/status
func (h *Handler) UpdateSessionStatus(c echo.Context) error {
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return apierror.BadRequest(c, "invalid request body")
	}
	return h.sessionResult(c)(h.service.UpdateSessionStatus(c.Request().Context(), c.Param("session_id"), req.Status, req.Reason))
}

type closeRequest struct {
	Reason string `json:"reason,omitempty"`
}

// CloseSession closes a session.
// POST /v1/sessions/:session_id/close
func (h *Handler) CloseSession(c echo.Context) error {
	var req closeRequest
	if err := bindOptional(c, &req); err != nil {
		return apierror.BadRequest(c, "invalid request body")
	}
	return h.sessionResult(c)(h.service.CloseSession(c.Request().Context(), c.Param("session_id"), req.Reason))
}

type pauseRequest struct {
	Hours int `json:"hours"`
}

// PauseSession pauses a session for 1 to 168 hours.
// POST /v1/sessions/:session_id/pause
func (h *Handler) PauseSession(c echo.Context) error {
	var req pauseRequest
	if err := c.Bind(&req); err != nil {
		return apierror.BadRequest(c, "invalid request body")
	}
	return h.sessionResult(c)(h.service.PauseSession(c.Request().Context(), c.Param("session_id"), req.Hours))
}

// ResumeSession reactivates a paused or closed session.
// POST /v1/sessions/:session_id/resume
func (h *Handler) ResumeSession(c echo.Context) error {
	return h.sessionResult(c)(h.service.ResumeSession(c.Request().Context(), c.Param("session_id")))
}

type blockRequest struct {
	Minutes int    `json:"minutes"`
	Reason  string `json:"reason,omitempty"`
}

// BlockAI silences the AI on a session.
// POST /v1/sessions/:session_id/ai-block
func (h *Handler) BlockAI(c echo.Context) error {
	var req blockRequest
	if err := c.Bind(&req); err != nil {
		return apierror.BadRequest(c, "invalid request body")
	}
	if req.Reason == "" {
		req.Reason = domain.BlockReasonManual
	}
	return h.sessionResult(c)(h.service.BlockAI(c.Request().Context(), c.Param("session_id"), req.Minutes, req.Reason))
}

// UnblockAI lifts an AI block.
// DELETE /v1/sessions/:session_id/ai-block
func (h *Handler) UnblockAI(c echo.Context) error {
	return h.sessionResult(c)(h.service.UnblockAI(c.Request().Context(), c.Param("session_id")))
}

type tagsRequest struct {
	Tags []string `json:"tags"`
}

// AddTags adds labels to a session.
// POST /v1/sessions/:session_id/tags
func (h *Handler) AddTags(c echo.Context) error {
	var req tagsRequest
	if err := c.Bind(&req); err != nil {
		return apierror.BadRequest(c, "invalid request body")
	}
	return h.sessionResult(c)(h.service.AddTags(c.Request().Context(), c.Param("session_id"), req.Tags))
}

// RemoveTags removes labels from a session.
// DELETE /v1/sessions/:session_id/tags
func (h *Handler) RemoveTags(c echo.Context) error {
	var req tagsRequest
	if err := c.Bind(&req); err != nil {
		return apierror.BadRequest(c, "invalid request body")
	}
	return h.sessionResult(c)(h.service.RemoveTags(c.Request().Context(), c.Param("session_id"), req.Tags))
}

func (h *Handler) sessionResult(c echo.Context) func(*domain.Session, error) error {
	return func(session *domain.Session, err error) error {
		if err != nil {
			return apierror.Write(c, err)
		}
		return c.JSON(http.StatusOK, session)
	}
}

// bindOptional binds a body that may be absent.
func bindOptional(c echo.Context, v interface{}) error {
	if c.Request().ContentLength == 0 {
		return nil
	}
	return c.Bind(v)
}
