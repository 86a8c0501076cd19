// Package telegram implements the broker surface over the Telegram Bot API.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/xiaot623/gogo/switchboard/internal/broker"
	"github.com/xiaot623/gogo/switchboard/internal/domain"
)

// Client keeps one bot per token. Recipients are chat ids taken from the
// contact's external id.
type Client struct {
	endpoint   string
	httpClient *http.Client

	mu   sync.Mutex
	bots map[string]*tgbotapi.BotAPI
}

// New creates a Telegram client. endpoint is a format string taking the
// token and the method, e.g. "https://api.telegram.org/bot%s/%s".
func New(endpoint string, httpClient *http.Client) *Client {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{endpoint: endpoint, httpClient: httpClient, bots: make(map[string]*tgbotapi.BotAPI)}
}

func (c *Client) Kind() broker.Kind { return broker.KindTelegram }

func (c *Client) Recipient(contact *domain.Contact) (string, error) {
	if contact == nil || contact.ExternalID == "" {
		return "", broker.NewError(broker.InvalidRecipient, broker.KindTelegram, "recipient", "contact has no chat id")
	}
	if _, err := strconv.ParseInt(contact.ExternalID, 10, 64); err != nil {
		return "", broker.NewError(broker.InvalidRecipient, broker.KindTelegram, "recipient", "chat id is not numeric")
	}
	return contact.ExternalID, nil
}

func (c *Client) SendText(ctx context.Context, creds broker.Credentials, to string, p domain.TextPayload) (*broker.SendResult, error) {
	chatID, err := parseChat(to)
	if err != nil {
		return nil, err
	}
	return c.send(ctx, creds, "send_text", tgbotapi.NewMessage(chatID, p.Body))
}

func (c *Client) SendMedia(ctx context.Context, creds broker.Credentials, to string, p domain.MediaPayload) (*broker.SendResult, error) {
	chatID, err := parseChat(to)
	if err != nil {
		return nil, err
	}
	file := tgbotapi.FileURL(p.URL)
	var msg tgbotapi.Chattable
	switch p.Kind {
	case domain.MessageTypeImage:
		photo := tgbotapi.NewPhoto(chatID, file)
		photo.Caption = p.Caption
		msg = photo
	case domain.MessageTypeVideo:
		video := tgbotapi.NewVideo(chatID, file)
		video.Caption = p.Caption
		msg = video
	case domain.MessageTypeAudio:
		audio := tgbotapi.NewAudio(chatID, file)
		audio.Caption = p.Caption
		msg = audio
	default:
		doc := tgbotapi.NewDocument(chatID, file)
		doc.Caption = p.Caption
		msg = doc
	}
	return c.send(ctx, creds, "send_media", msg)
}

// SendList renders the list as an inline keyboard, one button per row.
func (c *Client) SendList(ctx context.Context, creds broker.Credentials, to string, p domain.ListPayload) (*broker.SendResult, error) {
	chatID, err := parseChat(to)
	if err != nil {
		return nil, err
	}
	var text strings.Builder
	text.WriteString(p.Title)
	if p.Description != "" {
		text.WriteString("\n\n" + p.Description)
	}
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, s := range p.Sections {
		for _, r := range s.Rows {
			label := r.Title
			if s.Title != "" {
				label = s.Title + ": " + r.Title
			}
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(label, r.ID)))
		}
	}
	if p.FooterText != "" {
		text.WriteString("\n\n" + p.FooterText)
	}
	msg := tgbotapi.NewMessage(chatID, text.String())
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	return c.send(ctx, creds, "send_list", msg)
}

func (c *Client) SendButtons(ctx context.Context, creds broker.Credentials, to string, p domain.ButtonsPayload) (*broker.SendResult, error) {
	chatID, err := parseChat(to)
	if err != nil {
		return nil, err
	}
	buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(p.Buttons))
	for _, b := range p.Buttons {
		buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.ID))
	}
	text := p.Text
	if p.FooterText != "" {
		text += "\n\n" + p.FooterText
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(buttons)
	return c.send(ctx, creds, "send_buttons", msg)
}

func (c *Client) SendLocation(ctx context.Context, creds broker.Credentials, to string, p domain.LocationPayload) (*broker.SendResult, error) {
	chatID, err := parseChat(to)
	if err != nil {
		return nil, err
	}
	if p.Name != "" && p.Address != "" {
		return c.send(ctx, creds, "send_location", tgbotapi.NewVenue(chatID, p.Name, p.Address, p.Latitude, p.Longitude))
	}
	return c.send(ctx, creds, "send_location", tgbotapi.NewLocation(chatID, p.Latitude, p.Longitude))
}

func (c *Client) SendContact(ctx context.Context, creds broker.Credentials, to string, p domain.ContactPayload) (*broker.SendResult, error) {
	chatID, err := parseChat(to)
	if err != nil {
		return nil, err
	}
	contact := tgbotapi.NewContact(chatID, p.PhoneNumber, p.DisplayName)
	contact.VCard = p.VCard
	return c.send(ctx, creds, "send_contact", contact)
}

// SendPresence maps composing to the typing action. Telegram clears it on
// its own, so paused is a no-op.
func (c *Client) SendPresence(ctx context.Context, creds broker.Credentials, to string, presence broker.Presence) error {
	if presence != broker.PresenceComposing {
		return nil
	}
	chatID, err := parseChat(to)
	if err != nil {
		return err
	}
	return c.request(ctx, creds, "send_presence", tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
}

// MarkAsRead is a no-op: bots cannot send read receipts.
func (c *Client) MarkAsRead(context.Context, broker.Credentials, string, string) error {
	return nil
}

func (c *Client) React(ctx context.Context, creds broker.Credentials, to, externalID, emoji string) error {
	bot, err := c.bot(ctx, creds)
	if err != nil {
		return err
	}
	reaction, _ := json.Marshal([]map[string]string{{"type": "emoji", "emoji": emoji}})
	params := tgbotapi.Params{"chat_id": to, "message_id": externalID, "reaction": string(reaction)}
	return call(ctx, "react", func() error {
		_, err := bot.MakeRequest("setMessageReaction", params)
		return err
	})
}

func (c *Client) Delete(ctx context.Context, creds broker.Credentials, to, externalID string) error {
	chatID, err := parseChat(to)
	if err != nil {
		return err
	}
	messageID, err := strconv.Atoi(externalID)
	if err != nil {
		return broker.NewError(broker.BadRequest, broker.KindTelegram, "delete", "message id is not numeric")
	}
	return c.request(ctx, creds, "delete", tgbotapi.NewDeleteMessage(chatID, messageID))
}

// DownloadMedia resolves a file id to its download URL and fetches it.
func (c *Client) DownloadMedia(ctx context.Context, creds broker.Credentials, fileID string) (*domain.MediaDownload, error) {
	bot, err := c.bot(ctx, creds)
	if err != nil {
		return nil, err
	}
	var link string
	err = call(ctx, "download_media", func() error {
		var err error
		link, err = bot.GetFileDirectURL(fileID)
		return err
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, fmt.Errorf("telegram: build download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, broker.TransportError(ctx, broker.KindTelegram, "download_media", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 50<<20))
	if err != nil {
		return nil, broker.TransportError(ctx, broker.KindTelegram, "download_media", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, broker.HTTPError(broker.KindTelegram, "download_media", resp.StatusCode, data)
	}
	return &domain.MediaDownload{URL: link, ContentType: resp.Header.Get("Content-Type"), Data: data}, nil
}

func (c *Client) send(ctx context.Context, creds broker.Credentials, op string, msg tgbotapi.Chattable) (*broker.SendResult, error) {
	bot, err := c.bot(ctx, creds)
	if err != nil {
		return nil, err
	}
	var sent tgbotapi.Message
	err = call(ctx, op, func() error {
		var err error
		sent, err = bot.Send(msg)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &broker.SendResult{ExternalID: strconv.Itoa(sent.MessageID)}, nil
}

func (c *Client) request(ctx context.Context, creds broker.Credentials, op string, msg tgbotapi.Chattable) error {
	bot, err := c.bot(ctx, creds)
	if err != nil {
		return err
	}
	return call(ctx, op, func() error {
		_, err := bot.Request(msg)
		return err
	})
}

// bot returns the cached bot for the token, creating it on first use.
func (c *Client) bot(ctx context.Context, creds broker.Credentials) (*tgbotapi.BotAPI, error) {
	if creds.Token == "" {
		return nil, broker.NewError(broker.Unauthorized, broker.KindTelegram, "auth", "bot token is missing")
	}
	endpoint := c.endpoint
	if creds.BaseURL != "" {
		endpoint = strings.TrimSuffix(creds.BaseURL, "/") + "/bot%s/%s"
	}
	key := endpoint + "|" + creds.Token

	c.mu.Lock()
	bot, ok := c.bots[key]
	c.mu.Unlock()
	if ok {
		return bot, nil
	}

	err := call(ctx, "auth", func() error {
		var err error
		bot, err = tgbotapi.NewBotAPIWithClient(creds.Token, endpoint, c.httpClient)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.bots[key] = bot
	c.mu.Unlock()
	return bot, nil
}

// call runs fn, which cannot observe ctx, and gives up waiting when ctx ends.
func call(ctx context.Context, op string, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return classify(ctx, op, err)
	case <-ctx.Done():
		return broker.TransportError(ctx, broker.KindTelegram, op, ctx.Err())
	}
}

func classify(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return broker.TransportError(ctx, broker.KindTelegram, op, err)
	}
	be := &broker.Error{
		Kind:       broker.ClassifyStatus(apiErr.Code),
		Provider:   broker.KindTelegram,
		Op:         op,
		StatusCode: apiErr.Code,
		Message:    apiErr.Message,
		Err:        err,
	}
	msg := strings.ToLower(apiErr.Message)
	switch {
	case apiErr.Code == http.StatusForbidden:
		// Blocked by the user or kicked from the chat.
		be.Kind = broker.InvalidRecipient
	case apiErr.Code == http.StatusBadRequest && strings.Contains(msg, "chat not found"):
		be.Kind = broker.InvalidRecipient
	}
	return be
}

func parseChat(to string) (int64, error) {
	id, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return 0, broker.NewError(broker.InvalidRecipient, broker.KindTelegram, "recipient", "chat id is not numeric")
	}
	return id, nil
}
