package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSweeper struct {
	closed  atomic.Int32
	resumed atomic.Int32
}

func (s *countingSweeper) CloseInactiveSessions(context.Context) (int, error) {
	s.closed.Add(1)
	return 2, nil
}

func (s *countingSweeper) ResumeExpiredPausedSessions(context.Context) (int, error) {
	s.resumed.Add(1)
	return 0, errors.New("db down")
}

type prunerFunc func() int

func (f prunerFunc) Prune() int { return f() }

func TestAddRejectsBadSpec(t *testing.T) {
	s := New(zerolog.Nop())
	err := s.Add(Job{Name: "broken", Spec: "every now and then", Run: func(context.Context) (int, error) { return 0, nil }})
	assert.Error(t, err)
}

func TestEmptySpecDisablesJob(t *testing.T) {
	s := New(zerolog.Nop())
	require.NoError(t, s.Add(Job{Name: "off", Run: func(context.Context) (int, error) { return 0, nil }}))
	assert.Empty(t, s.cron.Entries())
}

func TestRegisterSchedulesMaintenanceJobs(t *testing.T) {
	s := New(zerolog.Nop())
	require.NoError(t, Register(s, &countingSweeper{}, prunerFunc(func() int { return 0 }), "@every 5m", "*/1 * * * *"))
	assert.Len(t, s.cron.Entries(), 3)

	s = New(zerolog.Nop())
	require.NoError(t, Register(s, &countingSweeper{}, nil, "@every 5m", ""))
	assert.Len(t, s.cron.Entries(), 1)
}

func TestJobsRunAndFailuresAreContained(t *testing.T) {
	sweeper := &countingSweeper{}
	s := New(zerolog.Nop())
	require.NoError(t, Register(s, sweeper, nil, "@every 1s", "@every 1s"))

	s.Start()
	require.Eventually(t, func() bool {
		return sweeper.closed.Load() >= 1 && sweeper.resumed.Load() >= 1
	}, 3*time.Second, 20*time.Millisecond)

	select {
	case <-s.Stop().Done():
	case <-time.After(time.Second):
		t.Fatalf("scheduler did not stop")
	}
}

func TestStopCancelsRunningJob(t *testing.T) {
	started := make(chan struct{})
	var cancelled atomic.Bool
	s := New(zerolog.Nop())
	require.NoError(t, s.Add(Job{Name: "slow", Spec: "@every 1s", Run: func(ctx context.Context) (int, error) {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
		return 0, ctx.Err()
	}}))

	s.Start()
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatalf("job never started")
	}
	<-s.Stop().Done()
	assert.True(t, cancelled.Load())
}
