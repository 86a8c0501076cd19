package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Router selects the broker for a connection's provider string.
type Router struct {
	mu      sync.RWMutex
	brokers map[Kind]Broker
	strict  bool
	logger  zerolog.Logger
}

// RouterOption customises a Router.
type RouterOption func(*Router)

// WithStrictProviders rejects unmapped provider strings instead of falling
// back to the primary kind.
func WithStrictProviders(strict bool) RouterOption {
	return func(r *Router) { r.strict = strict }
}

// WithLogger sets the router logger.
func WithLogger(logger zerolog.Logger) RouterOption {
	return func(r *Router) { r.logger = logger }
}

// NewRouter creates a router over the given brokers.
func NewRouter(brokers []Broker, opts ...RouterOption) *Router {
	r := &Router{
		brokers: make(map[Kind]Broker, len(brokers)),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, b := range brokers {
		r.brokers[b.Kind()] = b
	}
	return r
}

// Register adds or replaces the broker for its kind.
func (r *Router) Register(b Broker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.brokers[b.Kind()] = b
}

// KindFor normalizes a provider string into a broker kind.
func (r *Router) KindFor(provider string) (Kind, error) {
	if kind, ok := LookupKind(provider); ok {
		return kind, nil
	}
	if r.strict {
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	r.logger.Warn().Str("provider", provider).Str("fallback", string(PrimaryKind)).
		Msg("unmapped provider, using primary broker")
	return PrimaryKind, nil
}

// Resolve returns the broker serving provider.
func (r *Router) Resolve(provider string) (Broker, error) {
	kind, err := r.KindFor(provider)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	b, ok := r.brokers[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, NewError(ProviderUnavailable, kind, "resolve", "no broker registered")
	}
	return b, nil
}

// HealthCheckAll probes every broker that supports it, in parallel.
// The map holds nil for healthy brokers.
func (r *Router) HealthCheckAll(ctx context.Context) map[Kind]error {
	r.mu.RLock()
	brokers := make([]Broker, 0, len(r.brokers))
	for _, b := range r.brokers {
		brokers = append(brokers, b)
	}
	r.mu.RUnlock()

	var mu sync.Mutex
	results := make(map[Kind]error, len(brokers))
	g, gctx := errgroup.WithContext(ctx)
	for _, b := range brokers {
		hc, ok := b.(HealthChecker)
		if !ok {
			continue
		}
		kind := b.Kind()
		g.Go(func() error {
			err := hc.Health(gctx)
			mu.Lock()
			results[kind] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}
