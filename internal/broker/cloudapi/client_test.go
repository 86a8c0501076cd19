package cloudapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/switchboard/internal/broker"
	"github.com/xiaot623/gogo/switchboard/internal/domain"
)

var creds = broker.Credentials{Token: "EAAG", PhoneNumberID: "1055"}

func TestSendButtonsBuildsInteractivePayload(t *testing.T) {
	var got map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v21.0/1055/messages", r.URL.Path)
		assert.Equal(t, "Bearer EAAG", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"messaging_product":"whatsapp","messages":[{"id":"wamid.X"}]}`))
	}))
	defer server.Close()

	c := New(server.URL, "v21.0", server.Client())
	res, err := c.SendButtons(context.Background(), creds, "5511999999999", domain.ButtonsPayload{
		Text:    "Pick",
		Buttons: []domain.Button{{ID: "y", Text: "Yes"}, {ID: "n", Text: "No"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "wamid.X", res.ExternalID)

	assert.Equal(t, "interactive", got["type"])
	interactive := got["interactive"].(map[string]interface{})
	assert.Equal(t, "button", interactive["type"])
	buttons := interactive["action"].(map[string]interface{})["buttons"].([]interface{})
	assert.Len(t, buttons, 2)
}

func TestGraphErrorCodeOverridesStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"Message undeliverable","code":131026}}`))
	}))
	defer server.Close()

	c := New(server.URL, "v21.0", server.Client())
	_, err := c.SendText(context.Background(), creds, "5511999999999", domain.TextPayload{Body: "hi"})
	require.Error(t, err)
	assert.Equal(t, broker.InvalidRecipient, broker.KindOf(err))
	assert.True(t, broker.IsPermanent(err))
	assert.Contains(t, err.Error(), "Message undeliverable")
}

func TestMediaDocumentKeepsFilename(t *testing.T) {
	var got map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"messages":[{"id":"wamid.D"}]}`))
	}))
	defer server.Close()

	c := New(server.URL, "v21.0", server.Client())
	_, err := c.SendMedia(context.Background(), creds, "5511999999999", domain.MediaPayload{
		Kind: domain.MessageTypeDocument, URL: "https://x/a.pdf", Caption: "invoice", FileName: "a.pdf",
	})
	require.NoError(t, err)
	doc := got["document"].(map[string]interface{})
	assert.Equal(t, "https://x/a.pdf", doc["link"])
	assert.Equal(t, "a.pdf", doc["filename"])
	assert.Equal(t, "invoice", doc["caption"])
}

func TestDeleteIsNotSupported(t *testing.T) {
	c := New("http://unused.invalid", "v21.0", nil)
	err := c.Delete(context.Background(), creds, "5511999999999", "wamid.X")
	assert.Equal(t, broker.NotSupported, broker.KindOf(err))
	assert.False(t, broker.IsTransient(err))
}
