// Package apierror maps service errors onto HTTP responses.
package apierror

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/switchboard/internal/broker"
	"github.com/xiaot623/gogo/switchboard/internal/domain"
)

// ContextKey holds server-side errors for the access log.
const ContextKey = "api_error"

// Body is the JSON shape of every error response.
type Body struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Field string `json:"field,omitempty"`
}

// Status returns the HTTP status and error code for err.
func Status(err error) (int, string) {
	var (
		verr         *domain.ValidationError
		terr         *domain.TransitionError
		rateLimited  *domain.RateLimitedError
		disconnected *domain.InstanceDisconnectedError
		delivery     *domain.DeliveryFailedError
	)
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, "VALIDATION_ERROR"
	case errors.Is(err, domain.ErrSessionNotFound):
		return http.StatusNotFound, "SESSION_NOT_FOUND"
	case errors.Is(err, domain.ErrMessageNotFound):
		return http.StatusNotFound, "MESSAGE_NOT_FOUND"
	case errors.Is(err, domain.ErrConnectionNotFound):
		return http.StatusNotFound, "CONNECTION_NOT_FOUND"
	case errors.Is(err, domain.ErrContactNotFound):
		return http.StatusNotFound, "CONTACT_NOT_FOUND"
	case errors.As(err, &terr):
		return http.StatusConflict, "INVALID_TRANSITION"
	case errors.Is(err, domain.ErrOpenSessionExists):
		return http.StatusConflict, "OPEN_SESSION_EXISTS"
	case errors.As(err, &rateLimited):
		return http.StatusTooManyRequests, "RATE_LIMITED"
	case errors.As(err, &disconnected):
		return http.StatusServiceUnavailable, "INSTANCE_DISCONNECTED"
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, domain.ErrOutsideReplyWindow):
		return http.StatusUnprocessableEntity, "OUTSIDE_REPLY_WINDOW"
	case errors.Is(err, broker.ErrUnknownProvider):
		return http.StatusUnprocessableEntity, "UNKNOWN_PROVIDER"
	case broker.IsPermanent(err):
		return http.StatusUnprocessableEntity, string(broker.KindOf(err))
	case errors.As(err, &delivery):
		return http.StatusBadGateway, "DELIVERY_FAILED"
	case broker.KindOf(err) != "":
		return http.StatusBadGateway, string(broker.KindOf(err))
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TIMEOUT"
	}
	return http.StatusInternalServerError, "INTERNAL_ERROR"
}

// Write renders err. Server errors hide their message.
func Write(c echo.Context, err error) error {
	status, code := Status(err)
	body := Body{Error: err.Error(), Code: code}

	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		body.Field = verr.Field
	}
	var rateLimited *domain.RateLimitedError
	if errors.As(err, &rateLimited) {
		c.Response().Header().Set("Retry-After", strconv.Itoa(rateLimited.RetryAfterSeconds()))
	}
	if status >= http.StatusInternalServerError {
		c.Set(ContextKey, err)
	}
	if status == http.StatusInternalServerError {
		body.Error = "internal error"
	}
	return c.JSON(status, body)
}

// BadRequest renders a 400 for malformed input the service never saw.
func BadRequest(c echo.Context, message string) error {
	return c.JSON(http.StatusBadRequest, Body{Error: message, Code: "VALIDATION_ERROR"})
}
