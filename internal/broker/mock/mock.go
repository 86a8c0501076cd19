// Package mock provides an in-process broker for local runs and tests. It
// records every call and can be scripted to fail.
package mock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/xiaot623/gogo/switchboard/internal/broker"
	"github.com/xiaot623/gogo/switchboard/internal/domain"
)

// Call is one recorded broker invocation.
type Call struct {
	Op         string
	To         string
	ExternalID string
	Payload    domain.Payload
	Presence   broker.Presence
}

// Broker answers every call successfully unless an error has been queued.
type Broker struct {
	kind broker.Kind

	mu     sync.Mutex
	calls  []Call
	errors map[string][]error
	hook   func(ctx context.Context, op string) error
	seq    atomic.Int64
}

// New creates a mock broker registered under kind.
func New(kind broker.Kind) *Broker {
	return &Broker{kind: kind, errors: make(map[string][]error)}
}

// FailNext queues errs to be returned, in order, by the next calls to op.
func (b *Broker) FailNext(op string, errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errors[op] = append(b.errors[op], errs...)
}

// OnCall installs a hook run before every call. A non-nil result fails the call.
func (b *Broker) OnCall(hook func(ctx context.Context, op string) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hook = hook
}

// Calls returns a copy of the recorded calls.
func (b *Broker) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Call(nil), b.calls...)
}

// CallsTo counts recorded calls of op.
func (b *Broker) CallsTo(op string) int {
	n := 0
	for _, c := range b.Calls() {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Reset forgets calls and queued errors.
func (b *Broker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = nil
	b.errors = make(map[string][]error)
}

func (b *Broker) record(ctx context.Context, call Call) error {
	b.mu.Lock()
	b.calls = append(b.calls, call)
	hook := b.hook
	var err error
	if queued := b.errors[call.Op]; len(queued) > 0 {
		err = queued[0]
		b.errors[call.Op] = queued[1:]
	}
	b.mu.Unlock()

	if hook != nil {
		if herr := hook(ctx, call.Op); herr != nil {
			return herr
		}
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (b *Broker) send(ctx context.Context, op, to string, p domain.Payload) (*broker.SendResult, error) {
	if err := b.record(ctx, Call{Op: op, To: to, Payload: p}); err != nil {
		return nil, err
	}
	return &broker.SendResult{ExternalID: fmt.Sprintf("mock-%d", b.seq.Add(1))}, nil
}

func (b *Broker) Kind() broker.Kind { return b.kind }

func (b *Broker) Recipient(contact *domain.Contact) (string, error) {
	if b.kind == broker.KindTelegram {
		if contact == nil || contact.ExternalID == "" {
			return "", broker.NewError(broker.InvalidRecipient, b.kind, "recipient", "contact has no chat id")
		}
		return contact.ExternalID, nil
	}
	return broker.PhoneRecipient(b.kind, contact)
}

func (b *Broker) SendText(ctx context.Context, _ broker.Credentials, to string, p domain.TextPayload) (*broker.SendResult, error) {
	return b.send(ctx, "send_text", to, p)
}

func (b *Broker) SendMedia(ctx context.Context, _ broker.Credentials, to string, p domain.MediaPayload) (*broker.SendResult, error) {
	return b.send(ctx, "send_media", to, p)
}

func (b *Broker) SendList(ctx context.Context, _ broker.Credentials, to string, p domain.ListPayload) (*broker.SendResult, error) {
	return b.send(ctx, "send_list", to, p)
}

func (b *Broker) SendButtons(ctx context.Context, _ broker.Credentials, to string, p domain.ButtonsPayload) (*broker.SendResult, error) {
	return b.send(ctx, "send_buttons", to, p)
}

func (b *Broker) SendLocation(ctx context.Context, _ broker.Credentials, to string, p domain.LocationPayload) (*broker.SendResult, error) {
	return b.send(ctx, "send_location", to, p)
}

func (b *Broker) SendContact(ctx context.Context, _ broker.Credentials, to string, p domain.ContactPayload) (*broker.SendResult, error) {
	return b.send(ctx, "send_contact", to, p)
}

func (b *Broker) SendPresence(ctx context.Context, _ broker.Credentials, to string, presence broker.Presence) error {
	return b.record(ctx, Call{Op: "send_presence", To: to, Presence: presence})
}

func (b *Broker) MarkAsRead(ctx context.Context, _ broker.Credentials, to, externalID string) error {
	return b.record(ctx, Call{Op: "mark_read", To: to, ExternalID: externalID})
}

func (b *Broker) React(ctx context.Context, _ broker.Credentials, to, externalID, _ string) error {
	return b.record(ctx, Call{Op: "react", To: to, ExternalID: externalID})
}

func (b *Broker) Delete(ctx context.Context, _ broker.Credentials, to, externalID string) error {
	return b.record(ctx, Call{Op: "delete", To: to, ExternalID: externalID})
}

func (b *Broker) DownloadMedia(ctx context.Context, _ broker.Credentials, externalID string) (*domain.MediaDownload, error) {
	if err := b.record(ctx, Call{Op: "download_media", ExternalID: externalID}); err != nil {
		return nil, err
	}
	return &domain.MediaDownload{URL: "mock://media/" + externalID, ContentType: "application/octet-stream"}, nil
}

func (b *Broker) Health(ctx context.Context) error { return ctx.Err() }
