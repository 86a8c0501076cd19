// Package v1 provides the external HTTP API.
package v1

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/switchboard/internal/broker"
	"github.com/xiaot623/gogo/switchboard/internal/events"
	"github.com/xiaot623/gogo/switchboard/internal/service"
)

// HealthChecker probes the configured transports.
type HealthChecker interface {
	HealthCheckAll(ctx context.Context) map[broker.Kind]error
}

// Subscriber opens live event feeds for SSE streams.
type Subscriber interface {
	Subscribe(ctx context.Context, topics ...string) (events.Subscription, error)
}

// Handler handles HTTP requests.
type Handler struct {
	service   *service.Service
	events    Subscriber
	health    HealthChecker
	keepAlive time.Duration
}

// NewHandler creates a new handler. health may be nil.
func NewHandler(svc *service.Service, subscriber Subscriber, health HealthChecker) *Handler {
	return &Handler{
		service:   svc,
		events:    subscriber,
		health:    health,
		keepAlive: 15 * time.Second,
	}
}

// RegisterRoutes registers external routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/v1")

	// Messages
	g.POST("/messages", h.SendMessage)
	g.GET("/messages", h.ListMessages)
	g.GET("/messages/:message_id", h.GetMessage)
	g.POST("/messages/:message_id/read", h.MarkAsRead)
	g.POST("/messages/:message_id/react", h.React)
	g.DELETE("/messages/:message_id", h.DeleteMessage)
	g.GET("/messages/:message_id/media", h.DownloadMedia)

	// Sessions
	g.GET("/sessions", h.ListSessions)
	g.GET("/sessions/:session_id", h.GetSession)
	g.PATCH("/sessions/:session_id/status", h.UpdateSessionStatus)
	g.POST("/sessions/:session_id/close", h.CloseSession)
	g.POST("/sessions/:session_id/pause", h.PauseSession)
	g.POST("/sessions/:session_id/resume", h.ResumeSession)
	g.POST("/sessions/:session_id/ai-block", h.BlockAI)
	g.DELETE("/sessions/:session_id/ai-block", h.UnblockAI)
	g.POST("/sessions/:session_id/tags", h.AddTags)
	g.DELETE("/sessions/:session_id/tags", h.RemoveTags)

	// Live events
	g.GET("/sessions/:session_id/events", h.StreamSessionEvents)
	g.GET("/connections/:connection_id/events", h.StreamConnectionEvents)

	e.GET("/health", h.Health)
}

// Health returns health status. Unhealthy transports are reported but do
// not fail the check.
func (h *Handler) Health(c echo.Context) error {
	resp := map[string]interface{}{"status": "healthy"}
	if h.health != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
		defer cancel()
		brokers := make(map[string]string)
		for kind, err := range h.health.HealthCheckAll(ctx) {
			if err != nil {
				brokers[string(kind)] = err.Error()
				continue
			}
			brokers[string(kind)] = "ok"
		}
		resp["brokers"] = brokers
	}
	return c.JSON(http.StatusOK, resp)
}

func queryInt(c echo.Context, name string) int {
	v, err := strconv.Atoi(c.QueryParam(name))
	if err != nil {
		return 0
	}
	return v
}

type listResponse struct {
	Data       interface{} `json:"data"`
	Pagination interface{} `json:"pagination"`
}
