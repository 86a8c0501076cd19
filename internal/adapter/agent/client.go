// Package agent invokes the external AI agent that drafts autopilot replies.
// The agent answers over an SSE stream of delta, done and error events.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Turn is one prior message given to the agent as context.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// InvokeRequest is the body posted to {endpoint}/invoke.
type InvokeRequest struct {
	SessionID      string            `json:"session_id"`
	OrganizationID string            `json:"organization_id"`
	ConnectionID   string            `json:"connection_id"`
	ContactID      string            `json:"contact_id"`
	Input          Turn              `json:"input_message"`
	History        []Turn            `json:"messages,omitempty"`
	Context        map[string]string `json:"context,omitempty"`
}

// SSEEvent is one parsed server-sent event.
type SSEEvent struct {
	Event string
	Data  string
}

// EventHandler is called for each event of the stream.
type EventHandler func(event SSEEvent) error

type deltaData struct {
	Text string `json:"text"`
}

type doneData struct {
	FinalMessage string `json:"final_message"`
}

// ErrorEvent is an error reported by the agent inside the stream.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorEvent) Error() string {
	return fmt.Sprintf("agent error %s: %s", e.Code, e.Message)
}

// ErrEmptyReply is returned when the stream ends without any text.
var ErrEmptyReply = errors.New("agent returned an empty reply")

// Client calls one agent endpoint.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// NewClient creates a client. timeout bounds a whole streamed invocation.
func NewClient(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		endpoint:   strings.TrimSuffix(endpoint, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Invoke posts req and streams events to handler.
func (c *Client) Invoke(ctx context.Context, req *InvokeRequest, handler EventHandler) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/invoke", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("X-Session-ID", req.SessionID)
	httpReq.Header.Set("X-Organization-ID", req.OrganizationID)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to invoke agent: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("agent returned status %d: %s", resp.StatusCode, string(data))
	}
	return parseSSE(resp.Body, handler)
}

// Reply invokes the agent and returns its final text. The done event's
// final_message wins; otherwise the concatenated deltas are used.
func (c *Client) Reply(ctx context.Context, req *InvokeRequest) (string, error) {
	var deltas strings.Builder
	var final string
	err := c.Invoke(ctx, req, func(ev SSEEvent) error {
		switch ev.Event {
		case "delta":
			var d deltaData
			if err := json.Unmarshal([]byte(ev.Data), &d); err != nil {
				return fmt.Errorf("failed to parse delta event: %w", err)
			}
			deltas.WriteString(d.Text)
		case "done":
			var d doneData
			if err := json.Unmarshal([]byte(ev.Data), &d); err != nil {
				return fmt.Errorf("failed to parse done event: %w", err)
			}
			final = d.FinalMessage
		case "error":
			var e ErrorEvent
			if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
				return fmt.Errorf("failed to parse error event: %w", err)
			}
			return &e
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if final == "" {
		final = deltas.String()
	}
	if strings.TrimSpace(final) == "" {
		return "", ErrEmptyReply
	}
	return final, nil
}

func parseSSE(r io.Reader, handler EventHandler) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	var event SSEEvent

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if event.Event != "" || event.Data != "" {
				if err := handler(event); err != nil {
					return err
				}
				event = SSEEvent{}
			}
			continue
		}
		switch {
		case strings.HasPrefix(line, "event:"):
			event.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if event.Data != "" {
				event.Data += "\n" + data
			} else {
				event.Data = data
			}
		}
	}
	if event.Event != "" || event.Data != "" {
		if err := handler(event); err != nil {
			return err
		}
	}
	return scanner.Err()
}
