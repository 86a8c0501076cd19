// Package http provides the HTTP servers of the switchboard.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/switchboard/internal/auth"
	"github.com/xiaot623/gogo/switchboard/internal/metrics"
	"github.com/xiaot623/gogo/switchboard/internal/service"
	"github.com/xiaot623/gogo/switchboard/internal/transport/http/apierror"
	"github.com/xiaot623/gogo/switchboard/internal/transport/http/internalapi"
	v1 "github.com/xiaot623/gogo/switchboard/internal/transport/http/v1"
	"github.com/xiaot623/gogo/switchboard/internal/transport/ws"
)

// ExternalDeps are the collaborators of the external server.
type ExternalDeps struct {
	Service *service.Service
	Events  v1.Subscriber
	Health  v1.HealthChecker
	WS      *ws.Server
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

// NewExternalServer creates the external-facing HTTP server: the v1 API,
// SSE and WebSocket push, health and metrics.
func NewExternalServer(deps ExternalDeps) *echo.Echo {
	e := newEcho(deps.Logger)
	e.Use(middleware.CORS())
	e.Use(auth.Middleware())

	v1.NewHandler(deps.Service, deps.Events, deps.Health).RegisterRoutes(e)
	if deps.WS != nil {
		e.GET("/ws", deps.WS.HandleWebSocket)
	}
	if deps.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(deps.Metrics.Handler()))
	}
	return e
}

// NewInternalServer creates the internal-facing HTTP server. Every request
// on it runs as the trusted system caller.
func NewInternalServer(svc *service.Service, logger zerolog.Logger) *echo.Echo {
	e := newEcho(logger)
	e.Use(auth.SystemMiddleware())

	internalapi.NewHandler(svc).RegisterRoutes(e)
	return e
}

func newEcho(logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogError:     true,
		HandleError:  true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			err := v.Error
			if apiErr, ok := c.Get(apierror.ContextKey).(error); ok {
				err = apiErr
			}
			event := logger.Info()
			if err != nil || v.Status >= 500 {
				event = logger.Error().Err(err)
			}
			event.
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("remote_ip", v.RemoteIP).
				Str("request_id", v.RequestID).
				Msg("request")
			return nil
		},
	}))
	e.Use(middleware.RequestID())
	e.Use(middleware.Recover())
	return e
}
