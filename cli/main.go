// Package main provides a CLI that watches switchboard events over WebSocket.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xiaot623/gogo/switchboard/internal/auth"
	"github.com/xiaot623/gogo/switchboard/internal/protocol"
)

const reconnectDelay = 5 * time.Second

// Client is one WebSocket session against the switchboard.
type Client struct {
	conn *websocket.Conn
}

// Dial connects to addr, presenting the caller identity the gateway would set.
func Dial(ctx context.Context, addr string, header http.Header) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, addr, header)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Hello sends hello and waits for hello_ack.
func (c *Client) Hello(apiKey string) (string, error) {
	msg := protocol.HelloMessage{
		BaseMessage: protocol.BaseMessage{Type: protocol.TypeHello, Ts: time.Now().UnixMilli()},
		APIKey:      apiKey,
		ClientMeta:  map[string]string{"client": "switchboard-cli"},
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		return "", fmt.Errorf("write hello: %w", err)
	}

	var ack protocol.HelloAckMessage
	if err := c.expect(protocol.TypeHelloAck, &ack); err != nil {
		return "", err
	}
	return ack.ConnectionID, nil
}

// Subscribe selects the topic and waits for the confirmation.
func (c *Client) Subscribe(sub protocol.SubscribeMessage) (string, error) {
	sub.Type = protocol.TypeSubscribe
	sub.Ts = time.Now().UnixMilli()
	sub.RequestID = fmt.Sprintf("req_%d", time.Now().UnixNano())
	if err := c.conn.WriteJSON(sub); err != nil {
		return "", fmt.Errorf("write subscribe: %w", err)
	}

	var ok protocol.SubscriptionMessage
	if err := c.expect(protocol.TypeSubscribed, &ok); err != nil {
		return "", err
	}
	return ok.Topic, nil
}

func (c *Client) expect(typ string, out interface{}) error {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read %s: %w", typ, err)
	}
	var base protocol.BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return fmt.Errorf("unmarshal %s: %w", typ, err)
	}
	if base.Type == protocol.TypeError {
		var errMsg protocol.ErrorMessage
		json.Unmarshal(data, &errMsg)
		return fmt.Errorf("%s failed: %s - %s", typ, errMsg.Code, errMsg.Message)
	}
	if base.Type != typ {
		return fmt.Errorf("expected %s, got: %s", typ, base.Type)
	}
	return json.Unmarshal(data, out)
}

// Watch prints events until the connection drops.
func (c *Client) Watch() error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}

		var base protocol.BaseMessage
		if err := json.Unmarshal(data, &base); err != nil {
			log.Printf("Unmarshal error: %v", err)
			continue
		}
		if base.Type != protocol.TypeEvent {
			fmt.Printf("[%s] %s\n", base.Type, data)
			continue
		}

		var msg protocol.EventMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Event == nil {
			log.Printf("Bad event: %s", data)
			continue
		}
		ts := time.UnixMilli(msg.Event.Timestamp).Format(time.TimeOnly)
		fmt.Printf("%s %-28s session=%s %s\n", ts, msg.Event.Kind, msg.Event.SessionID, msg.Event.Data)
	}
}

func run(ctx context.Context, addr, apiKey string, header http.Header, sub protocol.SubscribeMessage) error {
	client, err := Dial(ctx, addr, header)
	if err != nil {
		return err
	}
	defer client.Close()
	go func() {
		<-ctx.Done()
		client.Close()
	}()

	connID, err := client.Hello(apiKey)
	if err != nil {
		return err
	}
	topic, err := client.Subscribe(sub)
	if err != nil {
		return err
	}
	log.Printf("Connected as %s, watching %s", connID, topic)
	return client.Watch()
}

func main() {
	addr := flag.String("addr", "ws://localhost:8080/ws", "WebSocket server address")
	apiKey := flag.String("api-key", "", "API key for the hello handshake")
	user := flag.String("user", "cli", "caller user id")
	org := flag.String("org", "", "caller organization id")
	role := flag.String("role", "viewer", "caller role")
	session := flag.String("session", "", "watch one session")
	connection := flag.String("connection", "", "watch one connection")
	organization := flag.String("organization", "", "watch a whole organization")
	flag.Parse()

	log.SetFlags(log.Ltime)

	sub := protocol.SubscribeMessage{SessionID: *session, ConnectionID: *connection, OrganizationID: *organization}
	if sub.SessionID == "" && sub.ConnectionID == "" && sub.OrganizationID == "" {
		fmt.Fprintln(os.Stderr, "one of -session, -connection or -organization is required")
		os.Exit(2)
	}

	header := http.Header{}
	header.Set(auth.HeaderUserID, *user)
	header.Set(auth.HeaderOrganizationID, *org)
	header.Set(auth.HeaderRole, *role)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for {
		err := run(ctx, *addr, *apiKey, header, sub)
		if ctx.Err() != nil {
			fmt.Println("\nBye!")
			return
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("Disconnected: %v", err)
		}
		log.Printf("Reconnecting in %s...", reconnectDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}
