// Package uazapi implements the broker surface over the UAZ WhatsApp Web API.
package uazapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/xiaot623/gogo/switchboard/internal/broker"
	"github.com/xiaot623/gogo/switchboard/internal/domain"
)

// Client talks to a UAZ API server. Credentials carry the instance token and,
// optionally, a per-instance base URL.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a UAZ API client.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimSuffix(baseURL, "/"), httpClient: httpClient}
}

func (c *Client) Kind() broker.Kind { return broker.KindUazapi }

func (c *Client) Recipient(contact *domain.Contact) (string, error) {
	return broker.PhoneRecipient(broker.KindUazapi, contact)
}

type sendResponse struct {
	ID        string `json:"id"`
	MessageID string `json:"messageid"`
	Key       struct {
		ID string `json:"id"`
	} `json:"key"`
}

func (r *sendResponse) result() *broker.SendResult {
	id := r.MessageID
	if id == "" {
		id = r.ID
	}
	if id == "" {
		id = r.Key.ID
	}
	return &broker.SendResult{ExternalID: id}
}

func (c *Client) SendText(ctx context.Context, creds broker.Credentials, to string, p domain.TextPayload) (*broker.SendResult, error) {
	body := map[string]interface{}{"number": to, "text": p.Body}
	return c.sendWithFallback(ctx, creds, "send_text", body, "/send/text", "/message/sendText")
}

func (c *Client) SendMedia(ctx context.Context, creds broker.Credentials, to string, p domain.MediaPayload) (*broker.SendResult, error) {
	body := map[string]interface{}{
		"number":    to,
		"mediatype": string(p.Kind),
		"media":     p.URL,
	}
	if p.Caption != "" {
		body["caption"] = p.Caption
	}
	if p.FileName != "" {
		body["fileName"] = p.FileName
	}
	if p.MimeType != "" {
		body["mimetype"] = p.MimeType
	}
	return c.sendWithFallback(ctx, creds, "send_media", body, "/send/media", "/message/sendMedia")
}

func (c *Client) SendList(ctx context.Context, creds broker.Credentials, to string, p domain.ListPayload) (*broker.SendResult, error) {
	body := map[string]interface{}{
		"number":      to,
		"title":       p.Title,
		"description": p.Description,
		"buttonText":  p.ButtonText,
		"footerText":  p.FooterText,
		"sections":    p.Sections,
	}
	return c.send(ctx, creds, "send_list", "/send/list", body)
}

func (c *Client) SendButtons(ctx context.Context, creds broker.Credentials, to string, p domain.ButtonsPayload) (*broker.SendResult, error) {
	body := map[string]interface{}{
		"number":     to,
		"text":       p.Text,
		"buttons":    p.Buttons,
		"footerText": p.FooterText,
	}
	return c.send(ctx, creds, "send_buttons", "/send/buttons", body)
}

func (c *Client) SendLocation(ctx context.Context, creds broker.Credentials, to string, p domain.LocationPayload) (*broker.SendResult, error) {
	body := map[string]interface{}{
		"number":    to,
		"latitude":  p.Latitude,
		"longitude": p.Longitude,
		"name":      p.Name,
		"address":   p.Address,
	}
	return c.send(ctx, creds, "send_location", "/send/location", body)
}

func (c *Client) SendContact(ctx context.Context, creds broker.Credentials, to string, p domain.ContactPayload) (*broker.SendResult, error) {
	vcard := p.VCard
	if vcard == "" {
		vcard = fmt.Sprintf("BEGIN:VCARD\nVERSION:3.0\nFN:%s\nTEL;type=CELL:%s\nEND:VCARD", p.DisplayName, p.PhoneNumber)
	}
	body := map[string]interface{}{
		"number":  to,
		"contact": map[string]string{"displayName": p.DisplayName, "vcard": vcard},
	}
	return c.send(ctx, creds, "send_contact", "/send/contact", body)
}

func (c *Client) SendPresence(ctx context.Context, creds broker.Credentials, to string, presence broker.Presence) error {
	body := map[string]interface{}{"number": to, "status": string(presence)}
	return c.do(ctx, creds, "send_presence", http.MethodPost, "/chat/sendPresence", body, nil)
}

func (c *Client) MarkAsRead(ctx context.Context, creds broker.Credentials, _ string, externalID string) error {
	return c.do(ctx, creds, "mark_read", http.MethodPost, "/message/markread", map[string]string{"id": externalID}, nil)
}

func (c *Client) React(ctx context.Context, creds broker.Credentials, _ string, externalID, emoji string) error {
	body := map[string]string{"id": externalID, "emoji": emoji}
	return c.do(ctx, creds, "react", http.MethodPost, "/message/react", body, nil)
}

func (c *Client) Delete(ctx context.Context, creds broker.Credentials, _ string, externalID string) error {
	return c.do(ctx, creds, "delete", http.MethodDelete, "/message/delete", map[string]string{"id": externalID}, nil)
}

func (c *Client) DownloadMedia(ctx context.Context, creds broker.Credentials, externalID string) (*domain.MediaDownload, error) {
	var resp struct {
		FileURL  string `json:"fileURL"`
		Mimetype string `json:"mimetype"`
		Base64   string `json:"base64Data"`
	}
	path := "/message/download?id=" + url.QueryEscape(externalID)
	if err := c.do(ctx, creds, "download_media", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	out := &domain.MediaDownload{URL: resp.FileURL, ContentType: resp.Mimetype}
	if resp.Base64 != "" {
		data, err := base64.StdEncoding.DecodeString(resp.Base64)
		if err != nil {
			return nil, broker.NewError(broker.ProviderUnavailable, broker.KindUazapi, "download_media", "malformed base64 payload")
		}
		out.Data = data
	}
	return out, nil
}

// Health reports whether the API server answers at all.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return broker.TransportError(ctx, broker.KindUazapi, "health", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return broker.HTTPError(broker.KindUazapi, "health", resp.StatusCode, nil)
	}
	return nil
}

func (c *Client) send(ctx context.Context, creds broker.Credentials, op, path string, body interface{}) (*broker.SendResult, error) {
	var resp sendResponse
	if err := c.do(ctx, creds, op, http.MethodPost, path, body, &resp); err != nil {
		return nil, err
	}
	return resp.result(), nil
}

// sendWithFallback tries each endpoint in order, moving on only when the
// server does not know the route. Older servers expose the /message/* paths.
func (c *Client) sendWithFallback(ctx context.Context, creds broker.Credentials, op string, body interface{}, paths ...string) (*broker.SendResult, error) {
	var lastErr error
	for _, path := range paths {
		res, err := c.send(ctx, creds, op, path, body)
		if err == nil {
			return res, nil
		}
		lastErr = err
		var be *broker.Error
		if !errors.As(err, &be) || be.StatusCode != http.StatusNotFound {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, creds broker.Credentials, op, method, path string, body, out interface{}) error {
	if creds.Token == "" {
		return broker.NewError(broker.Unauthorized, broker.KindUazapi, op, "instance token is missing")
	}
	base := c.baseURL
	if creds.BaseURL != "" {
		base = strings.TrimSuffix(creds.BaseURL, "/")
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("uazapi: marshal %s body: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, base+path, reader)
	if err != nil {
		return fmt.Errorf("uazapi: build %s request: %w", op, err)
	}
	req.Header.Set("token", creds.Token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return broker.TransportError(ctx, broker.KindUazapi, op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return broker.TransportError(ctx, broker.KindUazapi, op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return broker.HTTPError(broker.KindUazapi, op, resp.StatusCode, data)
	}
	if out != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("uazapi: decode %s response: %w", op, err)
		}
	}
	return nil
}
