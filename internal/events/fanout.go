package events

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/switchboard/internal/domain"
)

// Fanout publishes to the live bus first and then to every mirror. Mirror
// failures are logged and never reach the caller.
type Fanout struct {
	bus     Bus
	mirrors []Publisher
	logger  zerolog.Logger
	onSent  func(kind domain.EventKind)
}

// NewFanout creates a fan-out over bus. onSent may be nil.
func NewFanout(bus Bus, logger zerolog.Logger, onSent func(kind domain.EventKind), mirrors ...Publisher) *Fanout {
	return &Fanout{bus: bus, mirrors: mirrors, logger: logger, onSent: onSent}
}

func (f *Fanout) Publish(ctx context.Context, event *domain.Event) error {
	err := f.bus.Publish(ctx, event)
	if err == nil && f.onSent != nil {
		f.onSent(event.Kind)
	}
	for _, m := range f.mirrors {
		if merr := m.Publish(ctx, event); merr != nil {
			f.logger.Warn().Err(merr).Str("event", string(event.Kind)).Msg("event mirror failed")
		}
	}
	return err
}

func (f *Fanout) Subscribe(ctx context.Context, topics ...string) (Subscription, error) {
	return f.bus.Subscribe(ctx, topics...)
}

func (f *Fanout) Close() error {
	for _, m := range f.mirrors {
		if c, ok := m.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				f.logger.Warn().Err(err).Msg("closing event mirror")
			}
		}
	}
	return f.bus.Close()
}
