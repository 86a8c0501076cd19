// Package auth carries the caller identity established by the upstream
// gateway. Authentication itself happens before requests reach this service.
package auth

import (
	"context"
	"strings"

	"github.com/labstack/echo/v4"
)

// Header names set by the gateway.
const (
	HeaderUserID         = "X-User-ID"
	HeaderOrganizationID = "X-Organization-ID"
	HeaderRole           = "X-User-Role"
)

// RoleSystem is the trusted internal caller.
const RoleSystem = "system"

// Caller is who is making a request.
type Caller struct {
	UserID         string `json:"user_id,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
	Role           string `json:"role,omitempty"`
}

// System returns the trusted internal caller used by webhooks, sweeps and RPC.
func System() Caller {
	return Caller{UserID: "system", Role: RoleSystem}
}

// IsSystem reports whether c is the trusted internal caller.
func (c Caller) IsSystem() bool { return c.Role == RoleSystem }

type ctxKey struct{}

// WithCaller stores c in ctx.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// FromContext returns the caller stored in ctx.
func FromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(ctxKey{}).(Caller)
	return c, ok
}

// Middleware reads the gateway headers into the request context. Requests
// without an organization are still passed on; the policy denies them.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Request().Header
			caller := Caller{
				UserID:         strings.TrimSpace(h.Get(HeaderUserID)),
				OrganizationID: strings.TrimSpace(h.Get(HeaderOrganizationID)),
				Role:           strings.ToLower(strings.TrimSpace(h.Get(HeaderRole))),
			}
			// The system role is never taken from outside.
			if caller.Role == RoleSystem {
				caller.Role = ""
			}
			ctx := WithCaller(c.Request().Context(), caller)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// SystemMiddleware marks every request as coming from the system caller.
// It guards the internal listener only.
func SystemMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := WithCaller(c.Request().Context(), System())
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}
