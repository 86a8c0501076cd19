package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestReplyPrefersFinalMessage(t *testing.T) {
	var gotReq InvokeRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/invoke" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("X-Session-ID") != "s1" {
			t.Fatalf("missing X-Session-ID header")
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: delta\ndata: {\"text\":\"Hel\"}\n\n")
		fmt.Fprint(w, "event: delta\ndata: {\"text\":\"lo\"}\n\n")
		fmt.Fprint(w, "event: done\ndata: {\"final_message\":\"Hello there\"}\n\n")
	}))
	defer server.Close()

	client := NewClient(server.URL, time.Second)
	reply, err := client.Reply(context.Background(), &InvokeRequest{
		SessionID: "s1", OrganizationID: "org-1",
		Input: Turn{Role: "user", Content: "hi"},
	})
	if err != nil {
		t.Fatalf("reply failed: %v", err)
	}
	if reply != "Hello there" {
		t.Fatalf("unexpected reply: %q", reply)
	}
	if gotReq.Input.Content != "hi" {
		t.Fatalf("unexpected request payload: %+v", gotReq)
	}
}

func TestReplyFallsBackToDeltas(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "event: delta\ndata: {\"text\":\"Hel\"}\n\n")
		fmt.Fprint(w, "event: delta\ndata: {\"text\":\"lo\"}\n\n")
		fmt.Fprint(w, "event: done\ndata: {}\n\n")
	}))
	defer server.Close()

	reply, err := NewClient(server.URL, time.Second).Reply(context.Background(), &InvokeRequest{SessionID: "s1"})
	if err != nil {
		t.Fatalf("reply failed: %v", err)
	}
	if reply != "Hello" {
		t.Fatalf("unexpected reply: %q", reply)
	}
}

func TestReplySurfacesErrorEvent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "event: error\ndata: {\"code\":\"overloaded\",\"message\":\"try later\"}\n\n")
	}))
	defer server.Close()

	_, err := NewClient(server.URL, time.Second).Reply(context.Background(), &InvokeRequest{SessionID: "s1"})
	var evErr *ErrorEvent
	if !errors.As(err, &evErr) || evErr.Code != "overloaded" {
		t.Fatalf("expected agent error event, got %v", err)
	}
}

func TestReplyEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "event: done\ndata: {\"final_message\":\"  \"}\n\n")
	}))
	defer server.Close()

	_, err := NewClient(server.URL, time.Second).Reply(context.Background(), &InvokeRequest{SessionID: "s1"})
	if !errors.Is(err, ErrEmptyReply) {
		t.Fatalf("expected ErrEmptyReply, got %v", err)
	}
}

func TestParseSSEMultilineData(t *testing.T) {
	input := "event: delta\ndata: first line\ndata: second line\n\n"
	var events []SSEEvent
	if err := parseSSE(strings.NewReader(input), func(ev SSEEvent) error {
		events = append(events, ev)
		return nil
	}); err != nil {
		t.Fatalf("parseSSE failed: %v", err)
	}
	if len(events) != 1 || events[0].Data != "first line\nsecond line" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestNon200IsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer server.Close()

	err := NewClient(server.URL, time.Second).Invoke(context.Background(), &InvokeRequest{}, func(SSEEvent) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("expected status error, got %v", err)
	}
}
