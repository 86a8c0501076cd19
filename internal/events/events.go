// Package events fans domain events out to live subscribers. Delivery is best
// effort: nothing is persisted and a slow subscriber loses events rather than
// blocking publishers.
package events

import (
	"context"
	"errors"

	"github.com/xiaot623/gogo/switchboard/internal/domain"
)

// DefaultBuffer is the per-subscription channel capacity.
const DefaultBuffer = 64

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("events: bus closed")

// Publisher accepts events for delivery.
type Publisher interface {
	Publish(ctx context.Context, event *domain.Event) error
}

// Subscription is a live feed of events on one or more topics.
type Subscription interface {
	Events() <-chan *domain.Event
	Close() error
}

// Bus is a topic-based publish/subscribe transport.
type Bus interface {
	Publisher
	Subscribe(ctx context.Context, topics ...string) (Subscription, error)
	Close() error
}

// DropFunc is called whenever an event is dropped for a slow subscriber.
type DropFunc func(topic string, event *domain.Event)
