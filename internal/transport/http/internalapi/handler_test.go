package internalapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/switchboard/internal/auth"
	"github.com/xiaot623/gogo/switchboard/internal/broker"
	"github.com/xiaot623/gogo/switchboard/internal/broker/mock"
	"github.com/xiaot623/gogo/switchboard/internal/config"
	"github.com/xiaot623/gogo/switchboard/internal/domain"
	"github.com/xiaot623/gogo/switchboard/internal/events"
	"github.com/xiaot623/gogo/switchboard/internal/policy"
	"github.com/xiaot623/gogo/switchboard/internal/repository"
	"github.com/xiaot623/gogo/switchboard/internal/service"
)

func newTestServer(t *testing.T) (*echo.Echo, *repository.SQLStore) {
	t.Helper()
	store, err := repository.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	engine, err := policy.NewEngine(context.Background(), "")
	require.NoError(t, err)
	router := broker.NewRouter([]broker.Broker{mock.New(broker.KindUazapi), mock.New(broker.KindTelegram)})
	svc := service.New(config.Default(), store, router, events.NewMemoryBus(8, nil), service.WithPolicy(engine))

	e := echo.New()
	e.Use(auth.SystemMiddleware())
	NewHandler(svc).RegisterRoutes(e)
	return e, store
}

func call(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestConnectionLifecycle(t *testing.T) {
	e, store := newTestServer(t)

	rec := call(t, e, http.MethodPost, "/internal/connections",
		`{"organization_id":"org-1","name":"Sales","provider":"TELEGRAM","credentials":{"token":"123:abc"}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "123:abc", "credentials never leave the service")

	var conn domain.Connection
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conn))
	assert.Equal(t, 24, conn.AutoPauseDurationHours)
	assert.True(t, conn.AutoPauseOnHumanReply)

	rec = call(t, e, http.MethodPatch, "/internal/connections/"+conn.ID+"/status", `{"status":"CONNECTED"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	stored, err := store.GetConnection(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionStatusConnected, stored.Status)

	rec = call(t, e, http.MethodPatch, "/internal/connections/"+conn.ID+"/status", `{"status":"SLEEPING"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(t, e, http.MethodGet, "/internal/connections/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInboundAndReceipts(t *testing.T) {
	e, _ := newTestServer(t)

	rec := call(t, e, http.MethodPost, "/internal/connections",
		`{"organization_id":"org-1","name":"Support","provider":"WHATSAPP_WEB"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var conn domain.Connection
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conn))

	rec = call(t, e, http.MethodPost, "/internal/inbound",
		`{"connection_id":"`+conn.ID+`","from":"5511988887777","external_id":"wamid-1","content":"oi"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var msg domain.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
	assert.Equal(t, domain.DirectionInbound, msg.Direction)

	rec = call(t, e, http.MethodPost, "/internal/inbound", `{"connection_id":"`+conn.ID+`","content":"oi"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(t, e, http.MethodPost, "/internal/message-status",
		`{"connection_id":"`+conn.ID+`","external_id":"unknown","status":"READ"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestContactBypassBotsEndpoint(t *testing.T) {
	e, store := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, store.CreateContact(ctx, &domain.Contact{ID: "ct-1", OrganizationID: "org-1", PhoneNumber: "5511999999999"}))

	rec := call(t, e, http.MethodPatch, "/internal/contacts/ct-1/bypass-bots", `{"bypass_bots":true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var contact domain.Contact
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &contact))
	assert.True(t, contact.BypassBots)

	stored, err := store.GetContact(ctx, "ct-1")
	require.NoError(t, err)
	if !stored.BypassBots {
		t.Fatalf("expected ct-1 to be blacklisted")
	}

	rec = call(t, e, http.MethodPatch, "/internal/contacts/missing/bypass-bots", `{"bypass_bots":true}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionTimeoutEndpoint(t *testing.T) {
	e, store := newTestServer(t)

	rec := call(t, e, http.MethodPut, "/internal/organizations/org-1/session-timeout", `{"hours":6}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	hours, err := store.GetSessionTimeout(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Equal(t, 6, hours)

	rec = call(t, e, http.MethodPut, "/internal/organizations/org-1/session-timeout", `{"hours":100}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
