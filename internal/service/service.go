// Package service implements the switchboard's session lifecycle and message
// dispatch on top of the store, the broker router and the event bus.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/xiaot623/gogo/switchboard/internal/adapter/agent"
	"github.com/xiaot623/gogo/switchboard/internal/auth"
	"github.com/xiaot623/gogo/switchboard/internal/broker"
	"github.com/xiaot623/gogo/switchboard/internal/config"
	"github.com/xiaot623/gogo/switchboard/internal/credentials"
	"github.com/xiaot623/gogo/switchboard/internal/domain"
	"github.com/xiaot623/gogo/switchboard/internal/events"
	"github.com/xiaot623/gogo/switchboard/internal/metrics"
	"github.com/xiaot623/gogo/switchboard/internal/policy"
	"github.com/xiaot623/gogo/switchboard/internal/ratelimit"
	"github.com/xiaot623/gogo/switchboard/internal/repository"
	"github.com/xiaot623/gogo/switchboard/internal/retry"
)

// Authorizer decides whether a caller may act on an organization.
type Authorizer interface {
	Allowed(ctx context.Context, in policy.Input) (bool, error)
}

// Replier drafts an autopilot reply.
type Replier interface {
	Reply(ctx context.Context, req *agent.InvokeRequest) (string, error)
}

// Service is the switchboard core.
type Service struct {
	store   repository.Store
	router  *broker.Router
	vault   *credentials.Vault
	limiter ratelimit.Limiter
	retrier *retry.Executor
	events  events.Publisher
	policy  Authorizer
	agent   Replier
	metrics *metrics.Metrics
	config  *config.Config
	logger  zerolog.Logger
	now     func() time.Time

	agentSem *semaphore.Weighted
	wg       sync.WaitGroup
}

// Option customises a Service.
type Option func(*Service)

// WithPolicy sets the authorizer. Without one every caller is allowed.
func WithPolicy(a Authorizer) Option { return func(s *Service) { s.policy = a } }

// WithAgent enables the AI autopilot.
func WithAgent(r Replier) Option { return func(s *Service) { s.agent = r } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithLimiter overrides the rate limiter.
func WithLimiter(l ratelimit.Limiter) Option { return func(s *Service) { s.limiter = l } }

// WithVault seals connection credentials. Without one they are stored as plain JSON.
func WithVault(v *credentials.Vault) Option { return func(s *Service) { s.vault = v } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithLogger sets the service logger.
func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.logger = l } }

// New creates the service.
func New(cfg *config.Config, store repository.Store, router *broker.Router, publisher events.Publisher, opts ...Option) *Service {
	s := &Service{
		store:  store,
		router: router,
		events: publisher,
		config: cfg,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.limiter == nil {
		s.limiter = ratelimit.NewMemoryLimiter(ratelimit.Config{
			Limit:  cfg.RateLimitRequests,
			Window: cfg.RateLimitWindow,
			Prefix: cfg.RateLimitPrefix,
		})
	}
	s.retrier = retry.New(retry.Policy{
		MaxRetries:     cfg.RetryMaxRetries,
		BaseDelay:      cfg.RetryBaseDelay,
		MaxDelay:       cfg.RetryMaxDelay,
		AttemptTimeout: cfg.BrokerAttemptTimeout,
		Jitter:         true,
	}, broker.IsTransient, retry.WithObserver(func(attempt int, err error, delay time.Duration) {
		s.logger.Warn().Err(err).Int("attempt", attempt).Dur("backoff", delay).Msg("retrying broker call")
	}))

	maxAgents := int64(cfg.AgentMaxConcurrent)
	if maxAgents < 1 {
		maxAgents = 1
	}
	s.agentSem = semaphore.NewWeighted(maxAgents)
	return s
}

// Wait blocks until background autopilot runs have finished.
func (s *Service) Wait() { s.wg.Wait() }

// authorize checks the caller in ctx against organizationID. A context
// without a caller belongs to an in-process job and runs as system.
func (s *Service) authorize(ctx context.Context, action, organizationID string) error {
	caller, ok := auth.FromContext(ctx)
	if !ok {
		caller = auth.System()
	}
	if s.policy == nil {
		return nil
	}
	allowed, err := s.policy.Allowed(ctx, policy.Input{
		Action:               action,
		CallerUserID:         caller.UserID,
		CallerOrganizationID: caller.OrganizationID,
		CallerRole:           caller.Role,
		ResourceOrganization: organizationID,
	})
	if err != nil {
		return fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if !allowed {
		return domain.ErrForbidden
	}
	return nil
}

// callerOrganization returns the organization listings are scoped to. System
// callers may list across organizations.
func callerOrganization(ctx context.Context, requested string) string {
	caller, ok := auth.FromContext(ctx)
	if !ok || caller.IsSystem() {
		return requested
	}
	return caller.OrganizationID
}

// emit publishes a domain event. Delivery is best effort.
func (s *Service) emit(ctx context.Context, kind domain.EventKind, organizationID, sessionID, connectionID string, data interface{}) {
	if s.events == nil {
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		s.logger.Error().Err(err).Str("event", string(kind)).Msg("failed to marshal event")
		return
	}
	event := &domain.Event{
		Kind:           kind,
		OrganizationID: organizationID,
		SessionID:      sessionID,
		ConnectionID:   connectionID,
		Data:           raw,
		Timestamp:      s.now().UnixMilli(),
	}
	if err := s.events.Publish(context.WithoutCancel(ctx), event); err != nil {
		s.logger.Warn().Err(err).Str("event", string(kind)).Msg("failed to publish event")
	}
}

func newID() string {
	return uuid.New().String()
}
