package apierror

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"

	"github.com/xiaot623/gogo/switchboard/internal/broker"
	"github.com/xiaot623/gogo/switchboard/internal/domain"
)

func TestStatus(t *testing.T) {
	transient := broker.NewError(broker.ProviderUnavailable, broker.KindUazapi, "send_text", "down")
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{domain.NewValidationError("content", "must not be empty"), http.StatusBadRequest, "VALIDATION_ERROR"},
		{fmt.Errorf("load: %w", domain.ErrSessionNotFound), http.StatusNotFound, "SESSION_NOT_FOUND"},
		{domain.ErrMessageNotFound, http.StatusNotFound, "MESSAGE_NOT_FOUND"},
		{&domain.TransitionError{From: domain.SessionStatusClosed, To: domain.SessionStatusPaused}, http.StatusConflict, "INVALID_TRANSITION"},
		{domain.ErrOpenSessionExists, http.StatusConflict, "OPEN_SESSION_EXISTS"},
		{&domain.RateLimitedError{RetryAfter: time.Second}, http.StatusTooManyRequests, "RATE_LIMITED"},
		{&domain.InstanceDisconnectedError{ConnectionID: "c1", Status: domain.ConnectionStatusDisconnected}, http.StatusServiceUnavailable, "INSTANCE_DISCONNECTED"},
		{domain.ErrForbidden, http.StatusForbidden, "FORBIDDEN"},
		{domain.ErrOutsideReplyWindow, http.StatusUnprocessableEntity, "OUTSIDE_REPLY_WINDOW"},
		{broker.NewError(broker.InvalidRecipient, broker.KindUazapi, "send_text", "bad number"), http.StatusUnprocessableEntity, "INVALID_RECIPIENT"},
		{fmt.Errorf("resolve: %w", broker.ErrUnknownProvider), http.StatusUnprocessableEntity, "UNKNOWN_PROVIDER"},
		{&domain.DeliveryFailedError{MessageID: "m1", Err: transient}, http.StatusBadGateway, "DELIVERY_FAILED"},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, "TIMEOUT"},
		{errors.New("disk on fire"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tc := range cases {
		status, code := Status(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
		assert.Equal(t, tc.code, code, tc.err.Error())
	}
}

func TestWriteSetsRetryAfterAndHidesInternals(t *testing.T) {
	e := echo.New()

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), rec)
	if err := Write(c, &domain.RateLimitedError{RetryAfter: 1500 * time.Millisecond}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))

	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), rec)
	if err := Write(c, errors.New("password=hunter2")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "hunter2")
	assert.NotNil(t, c.Get(ContextKey))
}
