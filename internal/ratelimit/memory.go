package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter keeps a timestamp log per key in process memory.
type MemoryLimiter struct {
	cfg Config
	now func() time.Time

	mu   sync.Mutex
	logs map[string][]time.Time
}

// NewMemoryLimiter creates an in-process limiter.
func NewMemoryLimiter(cfg Config) *MemoryLimiter {
	return &MemoryLimiter{
		cfg:  cfg,
		now:  time.Now,
		logs: make(map[string][]time.Time),
	}
}

// Check records a request for key if the window has room.
func (l *MemoryLimiter) Check(_ context.Context, key string) (Result, error) {
	now := l.now()
	k := l.cfg.key(key)

	l.mu.Lock()
	defer l.mu.Unlock()

	log := prune(l.logs[k], now.Add(-l.cfg.Window))
	if len(log) >= l.cfg.Limit {
		l.logs[k] = log
		resetAt := log[0].Add(l.cfg.Window)
		return Result{
			Allowed:    false,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: resetAt.Sub(now),
		}, nil
	}

	log = append(log, now)
	l.logs[k] = log
	return Result{
		Allowed:   true,
		Remaining: l.cfg.Limit - len(log),
		ResetAt:   log[0].Add(l.cfg.Window),
	}, nil
}

// Prune drops keys whose windows have fully elapsed.
func (l *MemoryLimiter) Prune() int {
	cutoff := l.now().Add(-l.cfg.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for k, log := range l.logs {
		if log = prune(log, cutoff); len(log) == 0 {
			delete(l.logs, k)
			removed++
		} else {
			l.logs[k] = log
		}
	}
	return removed
}

// prune drops entries at or before cutoff. log is sorted ascending.
func prune(log []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(log) && !log[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return log
	}
	return append(log[:0], log[i:]...)
}
