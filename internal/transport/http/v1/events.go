package v1

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/switchboard/internal/transport/http/apierror"
)

// StreamSessionEvents streams one session's events via SSE.
// GET /v1/sessions/:session_id/events
func (h *Handler) StreamSessionEvents(c echo.Context) error {
	return h.stream(c, func(ctx context.Context) (string, error) {
		return h.service.SessionTopic(ctx, c.Param("session_id"))
	})
}

// StreamConnectionEvents streams connection status events via SSE.
// GET /v1/connections/:connection_id/events
func (h *Handler) StreamConnectionEvents(c echo.Context) error {
	return h.stream(c, func(ctx context.Context) (string, error) {
		return h.service.ConnectionTopic(ctx, c.Param("connection_id"))
	})
}

// stream follows one topic until the client goes away.
func (h *Handler) stream(c echo.Context, resolve func(context.Context) (string, error)) error {
	ctx := c.Request().Context()

	topic, err := resolve(ctx)
	if err != nil {
		return apierror.Write(c, err)
	}
	sub, err := h.events.Subscribe(ctx, topic)
	if err != nil {
		return apierror.Write(c, fmt.Errorf("failed to subscribe: %w", err))
	}
	defer sub.Close()

	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)
	c.Response().Flush()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			if _, err := fmt.Fprint(c.Response(), ": keep-alive\n\n"); err != nil {
				return nil
			}
			c.Response().Flush()

		case event, ok := <-sub.Events():
			if !ok {
				return nil
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(c.Response(), "event: %s\ndata: %s\n\n", event.Kind, data); err != nil {
				return nil
			}
			c.Response().Flush()
		}
	}
}
