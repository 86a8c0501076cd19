package events

import (
	"context"
	"sync"

	"github.com/xiaot623/gogo/switchboard/internal/domain"
)

// MemoryBus delivers events within the process.
type MemoryBus struct {
	mu     sync.RWMutex
	topics map[string]map[*memorySub]struct{}
	closed bool
	buffer int
	onDrop DropFunc
}

// NewMemoryBus creates an in-process bus. onDrop may be nil.
func NewMemoryBus(buffer int, onDrop DropFunc) *MemoryBus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &MemoryBus{topics: make(map[string]map[*memorySub]struct{}), buffer: buffer, onDrop: onDrop}
}

type memorySub struct {
	bus    *MemoryBus
	topics []string
	ch     chan *domain.Event
	done   chan struct{}
	once   sync.Once
}

func (s *memorySub) Events() <-chan *domain.Event { return s.ch }

func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.bus.remove(s)
		close(s.done)
		close(s.ch)
	})
	return nil
}

// Publish delivers event to every subscriber of its topics. A subscriber
// listening on several of those topics receives it once.
func (b *MemoryBus) Publish(_ context.Context, event *domain.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	seen := make(map[*memorySub]struct{})
	for _, topic := range event.Topics() {
		for sub := range b.topics[topic] {
			if _, ok := seen[sub]; ok {
				continue
			}
			seen[sub] = struct{}{}
			select {
			case sub.ch <- event:
			default:
				if b.onDrop != nil {
					b.onDrop(topic, event)
				}
			}
		}
	}
	return nil
}

// Subscribe registers a subscription on topics. It ends when ctx is done or
// Close is called.
func (b *MemoryBus) Subscribe(ctx context.Context, topics ...string) (Subscription, error) {
	sub := &memorySub{bus: b, topics: topics, ch: make(chan *domain.Event, b.buffer), done: make(chan struct{})}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	for _, topic := range topics {
		if b.topics[topic] == nil {
			b.topics[topic] = make(map[*memorySub]struct{})
		}
		b.topics[topic][sub] = struct{}{}
	}
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

func (b *MemoryBus) remove(sub *memorySub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, topic := range sub.topics {
		delete(b.topics[topic], sub)
		if len(b.topics[topic]) == 0 {
			delete(b.topics, topic)
		}
	}
}

// SubscriberCount returns the number of subscriptions on topic.
func (b *MemoryBus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Close rejects further publishes and subscriptions. Open subscriptions are
// closed by their owners.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
