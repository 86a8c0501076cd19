// Package ratelimit implements per-key sliding-window rate limiting.
package ratelimit

import (
	"context"
	"time"
)

// Result is the outcome of a Check.
type Result struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"retry_after"`
}

// Limiter checks and records one request against a key. Implementations must
// make the check and the increment a single atomic step.
type Limiter interface {
	Check(ctx context.Context, key string) (Result, error)
}

// Config sizes a sliding window.
type Config struct {
	Limit  int
	Window time.Duration
	Prefix string
}

// DefaultConfig allows 20 requests per 60 seconds per session.
func DefaultConfig() Config {
	return Config{Limit: 20, Window: 60 * time.Second, Prefix: "ratelimit:session"}
}

func (c Config) key(k string) string {
	if c.Prefix == "" {
		return k
	}
	return c.Prefix + ":" + k
}
