package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/switchboard/internal/broker"
	"github.com/xiaot623/gogo/switchboard/internal/broker/mock"
	"github.com/xiaot623/gogo/switchboard/internal/config"
	"github.com/xiaot623/gogo/switchboard/internal/domain"
	"github.com/xiaot623/gogo/switchboard/internal/policy"
	"github.com/xiaot623/gogo/switchboard/internal/repository"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*domain.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e *domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) kinds() []domain.EventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.EventKind, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Kind)
	}
	return out
}

type fixture struct {
	svc     *Service
	store   *repository.SQLStore
	broker  *mock.Broker
	clock   *fakeClock
	events  *recordingPublisher
	conn    *domain.Connection
	contact *domain.Contact
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.RetryBaseDelay = 0
	cfg.RetryMaxDelay = 0
	cfg.BrokerAttemptTimeout = time.Second
	cfg.AgentTimeout = 5 * time.Second
	return cfg
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	return newFixtureWithConfig(t, testConfig(), opts...)
}

func newFixtureWithConfig(t *testing.T, cfg *config.Config, opts ...Option) *fixture {
	t.Helper()
	store, err := repository.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		store:  store,
		broker: mock.New(broker.KindUazapi),
		clock:  &fakeClock{now: epoch},
		events: &recordingPublisher{},
	}
	router := broker.NewRouter([]broker.Broker{f.broker, mock.New(broker.KindCloudAPI)})
	opts = append([]Option{WithClock(f.clock.Now)}, opts...)
	f.svc = New(cfg, store, router, f.events, opts...)

	f.conn = f.createConnection(t, "conn-1", "org-1", "WHATSAPP_WEB", domain.ConnectionStatusConnected)
	f.contact = &domain.Contact{ID: "ct-1", OrganizationID: "org-1", PhoneNumber: "+55 11 99999-9999", CreatedAt: epoch}
	require.NoError(t, store.CreateContact(context.Background(), f.contact))
	return f
}

func (f *fixture) createConnection(t *testing.T, id, org, provider string, status domain.ConnectionStatus) *domain.Connection {
	t.Helper()
	conn := &domain.Connection{
		ID: id, OrganizationID: org, Name: "Support", Provider: provider, Status: status,
		AutoPauseOnHumanReply: true, AutoPauseDurationHours: 24,
		CreatedAt: epoch, UpdatedAt: epoch,
	}
	require.NoError(t, f.store.CreateConnection(context.Background(), conn))
	return conn
}

func (f *fixture) session(t *testing.T, status domain.SessionStatus) *domain.Session {
	t.Helper()
	return f.sessionOn(t, f.conn.ID, status)
}

func (f *fixture) sessionOn(t *testing.T, connectionID string, status domain.SessionStatus) *domain.Session {
	t.Helper()
	s := &domain.Session{
		ID: newID(), OrganizationID: "org-1", ContactID: f.contact.ID, ConnectionID: connectionID,
		Status: status, AIEnabled: true, Tags: []string{}, CreatedAt: f.clock.Now(), UpdatedAt: f.clock.Now(),
	}
	if status == domain.SessionStatusClosed {
		at := f.clock.Now()
		s.ClosedAt = &at
		s.EndReason = EndReasonManual
	}
	require.NoError(t, f.store.CreateSession(context.Background(), s))
	return s
}

func (f *fixture) reload(t *testing.T, id string) *domain.Session {
	t.Helper()
	s, err := f.store.GetSession(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, s)
	return s
}

func newPolicy(t *testing.T) *policy.Engine {
	t.Helper()
	engine, err := policy.NewEngine(context.Background(), "")
	require.NoError(t, err)
	return engine
}
