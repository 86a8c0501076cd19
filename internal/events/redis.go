package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/switchboard/internal/domain"
)

// RedisBus fans events out across processes over Redis pub/sub. Topics map
// one to one onto Redis channels.
type RedisBus struct {
	client redis.UniversalClient
	buffer int
	onDrop DropFunc
	logger zerolog.Logger
}

// NewRedisBus creates a bus on client. onDrop may be nil.
func NewRedisBus(client redis.UniversalClient, buffer int, onDrop DropFunc, logger zerolog.Logger) *RedisBus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &RedisBus{client: client, buffer: buffer, onDrop: onDrop, logger: logger}
}

// Publish sends event to each of its topics.
func (b *RedisBus) Publish(ctx context.Context, event *domain.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("events: encode %s: %w", event.Kind, err)
	}
	for _, topic := range event.Topics() {
		if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
			return fmt.Errorf("events: publish to %s: %w", topic, err)
		}
	}
	return nil
}

type redisSub struct {
	ps   *redis.PubSub
	ch   chan *domain.Event
	once sync.Once
	done chan struct{}
}

func (s *redisSub) Events() <-chan *domain.Event { return s.ch }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

// Subscribe opens a Redis subscription on topics and waits for the server
// to confirm it.
func (b *RedisBus) Subscribe(ctx context.Context, topics ...string) (Subscription, error) {
	ps := b.client.Subscribe(ctx, topics...)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("events: subscribe: %w", err)
	}

	sub := &redisSub{ps: ps, ch: make(chan *domain.Event, b.buffer), done: make(chan struct{})}
	go b.pump(ctx, sub)
	return sub, nil
}

func (b *RedisBus) pump(ctx context.Context, sub *redisSub) {
	defer close(sub.ch)
	defer sub.Close()

	msgs := sub.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var event domain.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.logger.Warn().Err(err).Str("topic", msg.Channel).Msg("dropping malformed event")
				continue
			}
			select {
			case sub.ch <- &event:
			default:
				if b.onDrop != nil {
					b.onDrop(msg.Channel, &event)
				}
			}
		}
	}
}

// Close is a no-op; the Redis client is owned by the caller.
func (b *RedisBus) Close() error { return nil }
