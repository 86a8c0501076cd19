// Package cloudapi implements the broker surface over the WhatsApp Cloud API.
package cloudapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/xiaot623/gogo/switchboard/internal/broker"
	"github.com/xiaot623/gogo/switchboard/internal/domain"
)

// Client talks to the Graph API. Credentials carry the access token and the
// phone number id of the sending business number.
type Client struct {
	baseURL    string
	version    string
	httpClient *http.Client
}

// New creates a Cloud API client.
func New(baseURL, version string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		version:    version,
		httpClient: httpClient,
	}
}

func (c *Client) Kind() broker.Kind { return broker.KindCloudAPI }

func (c *Client) Recipient(contact *domain.Contact) (string, error) {
	return broker.PhoneRecipient(broker.KindCloudAPI, contact)
}

type message map[string]interface{}

func newMessage(to, typ string) message {
	return message{"messaging_product": "whatsapp", "recipient_type": "individual", "to": to, "type": typ}
}

func (c *Client) SendText(ctx context.Context, creds broker.Credentials, to string, p domain.TextPayload) (*broker.SendResult, error) {
	m := newMessage(to, "text")
	m["text"] = map[string]interface{}{"body": p.Body, "preview_url": false}
	return c.send(ctx, creds, "send_text", m)
}

func (c *Client) SendMedia(ctx context.Context, creds broker.Credentials, to string, p domain.MediaPayload) (*broker.SendResult, error) {
	media := map[string]interface{}{"link": p.URL}
	// Audio does not accept captions.
	if p.Caption != "" && p.Kind != domain.MessageTypeAudio {
		media["caption"] = p.Caption
	}
	if p.Kind == domain.MessageTypeDocument && p.FileName != "" {
		media["filename"] = p.FileName
	}
	m := newMessage(to, string(p.Kind))
	m[string(p.Kind)] = media
	return c.send(ctx, creds, "send_media", m)
}

func (c *Client) SendList(ctx context.Context, creds broker.Credentials, to string, p domain.ListPayload) (*broker.SendResult, error) {
	sections := make([]map[string]interface{}, 0, len(p.Sections))
	for _, s := range p.Sections {
		rows := make([]map[string]string, 0, len(s.Rows))
		for _, r := range s.Rows {
			row := map[string]string{"id": r.ID, "title": r.Title}
			if r.Description != "" {
				row["description"] = r.Description
			}
			rows = append(rows, row)
		}
		sections = append(sections, map[string]interface{}{"title": s.Title, "rows": rows})
	}
	body := p.Description
	if body == "" {
		body = p.Title
	}
	interactive := map[string]interface{}{
		"type":   "list",
		"body":   map[string]string{"text": body},
		"action": map[string]interface{}{"button": p.ButtonText, "sections": sections},
	}
	if p.Title != "" && p.Description != "" {
		interactive["header"] = map[string]string{"type": "text", "text": p.Title}
	}
	if p.FooterText != "" {
		interactive["footer"] = map[string]string{"text": p.FooterText}
	}
	m := newMessage(to, "interactive")
	m["interactive"] = interactive
	return c.send(ctx, creds, "send_list", m)
}

func (c *Client) SendButtons(ctx context.Context, creds broker.Credentials, to string, p domain.ButtonsPayload) (*broker.SendResult, error) {
	buttons := make([]map[string]interface{}, 0, len(p.Buttons))
	for _, b := range p.Buttons {
		buttons = append(buttons, map[string]interface{}{
			"type":  "reply",
			"reply": map[string]string{"id": b.ID, "title": b.Text},
		})
	}
	interactive := map[string]interface{}{
		"type":   "button",
		"body":   map[string]string{"text": p.Text},
		"action": map[string]interface{}{"buttons": buttons},
	}
	if p.FooterText != "" {
		interactive["footer"] = map[string]string{"text": p.FooterText}
	}
	m := newMessage(to, "interactive")
	m["interactive"] = interactive
	return c.send(ctx, creds, "send_buttons", m)
}

func (c *Client) SendLocation(ctx context.Context, creds broker.Credentials, to string, p domain.LocationPayload) (*broker.SendResult, error) {
	m := newMessage(to, "location")
	m["location"] = map[string]interface{}{
		"latitude":  p.Latitude,
		"longitude": p.Longitude,
		"name":      p.Name,
		"address":   p.Address,
	}
	return c.send(ctx, creds, "send_location", m)
}

func (c *Client) SendContact(ctx context.Context, creds broker.Credentials, to string, p domain.ContactPayload) (*broker.SendResult, error) {
	contact := map[string]interface{}{
		"name": map[string]string{"formatted_name": p.DisplayName, "first_name": p.DisplayName},
	}
	if p.PhoneNumber != "" {
		contact["phones"] = []map[string]string{{"phone": p.PhoneNumber, "type": "CELL"}}
	}
	m := newMessage(to, "contacts")
	m["contacts"] = []interface{}{contact}
	return c.send(ctx, creds, "send_contact", m)
}

// SendPresence is a no-op: the Cloud API has no standalone presence call.
func (c *Client) SendPresence(context.Context, broker.Credentials, string, broker.Presence) error {
	return nil
}

func (c *Client) MarkAsRead(ctx context.Context, creds broker.Credentials, _ string, externalID string) error {
	body := map[string]string{"messaging_product": "whatsapp", "status": "read", "message_id": externalID}
	return c.do(ctx, creds, "mark_read", http.MethodPost, c.messagesURL(creds), body, nil)
}

func (c *Client) React(ctx context.Context, creds broker.Credentials, to, externalID, emoji string) error {
	m := newMessage(to, "reaction")
	m["reaction"] = map[string]string{"message_id": externalID, "emoji": emoji}
	_, err := c.send(ctx, creds, "react", m)
	return err
}

func (c *Client) Delete(context.Context, broker.Credentials, string, string) error {
	return broker.NewError(broker.NotSupported, broker.KindCloudAPI, "delete", "the Cloud API cannot delete sent messages")
}

func (c *Client) DownloadMedia(ctx context.Context, creds broker.Credentials, mediaID string) (*domain.MediaDownload, error) {
	var meta struct {
		URL      string `json:"url"`
		MimeType string `json:"mime_type"`
	}
	metaURL := fmt.Sprintf("%s/%s/%s", c.base(creds), c.apiVersion(creds), url.PathEscape(mediaID))
	if err := c.do(ctx, creds, "media_lookup", http.MethodGet, metaURL, nil, &meta); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, meta.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("cloudapi: build download request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.Token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, broker.TransportError(ctx, broker.KindCloudAPI, "download_media", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 100<<20))
	if err != nil {
		return nil, broker.TransportError(ctx, broker.KindCloudAPI, "download_media", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, broker.HTTPError(broker.KindCloudAPI, "download_media", resp.StatusCode, data)
	}
	return &domain.MediaDownload{ContentType: meta.MimeType, Data: data}, nil
}

// Health reports whether the Graph endpoint answers at all.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return broker.TransportError(ctx, broker.KindCloudAPI, "health", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return broker.HTTPError(broker.KindCloudAPI, "health", resp.StatusCode, nil)
	}
	return nil
}

func (c *Client) base(creds broker.Credentials) string {
	if creds.BaseURL != "" {
		return strings.TrimSuffix(creds.BaseURL, "/")
	}
	return c.baseURL
}

func (c *Client) apiVersion(creds broker.Credentials) string {
	if creds.APIVersion != "" {
		return creds.APIVersion
	}
	return c.version
}

func (c *Client) messagesURL(creds broker.Credentials) string {
	return fmt.Sprintf("%s/%s/%s/messages", c.base(creds), c.apiVersion(creds), url.PathEscape(creds.PhoneNumberID))
}

func (c *Client) send(ctx context.Context, creds broker.Credentials, op string, m message) (*broker.SendResult, error) {
	if creds.PhoneNumberID == "" {
		return nil, broker.NewError(broker.Unauthorized, broker.KindCloudAPI, op, "phone number id is missing")
	}
	var resp struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := c.do(ctx, creds, op, http.MethodPost, c.messagesURL(creds), m, &resp); err != nil {
		return nil, err
	}
	res := &broker.SendResult{}
	if len(resp.Messages) > 0 {
		res.ExternalID = resp.Messages[0].ID
	}
	return res, nil
}

// graphError is the error envelope of the Graph API.
type graphError struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Graph error codes that override the HTTP status classification.
var codeKinds = map[int]broker.ErrorKind{
	190:    broker.Unauthorized,          // access token expired or invalid
	131026: broker.InvalidRecipient,      // message undeliverable
	131030: broker.InvalidRecipient,      // recipient not in allowed list
	130429: broker.RateLimitedByProvider, // throughput reached
	131056: broker.RateLimitedByProvider, // pair rate limit
	80007:  broker.RateLimitedByProvider, // business account rate limit
}

func (c *Client) do(ctx context.Context, creds broker.Credentials, op, method, target string, body, out interface{}) error {
	if creds.Token == "" {
		return broker.NewError(broker.Unauthorized, broker.KindCloudAPI, op, "access token is missing")
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("cloudapi: marshal %s body: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("cloudapi: build %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return broker.TransportError(ctx, broker.KindCloudAPI, op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return broker.TransportError(ctx, broker.KindCloudAPI, op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		be := broker.HTTPError(broker.KindCloudAPI, op, resp.StatusCode, data)
		var ge graphError
		if json.Unmarshal(data, &ge) == nil && ge.Error.Code != 0 {
			be.Message = ge.Error.Message
			if kind, ok := codeKinds[ge.Error.Code]; ok {
				be.Kind = kind
			}
		}
		return be
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("cloudapi: decode %s response: %w", op, err)
		}
	}
	return nil
}
