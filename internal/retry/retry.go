// Package retry wraps a single outbound call with bounded retries and
// jittered exponential backoff.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
)

// Policy bounds the retry loop.
type Policy struct {
	MaxRetries     int           // Retries after the first attempt
	BaseDelay      time.Duration // Delay before the first retry
	MaxDelay       time.Duration // Upper bound of a single delay
	AttemptTimeout time.Duration // Deadline of each attempt; 0 disables it
	Jitter         bool          // Full jitter over [0, delay]
}

// DefaultPolicy is 2 retries, 1s base, 5s cap, 15s per attempt, with jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     2,
		BaseDelay:      time.Second,
		MaxDelay:       5 * time.Second,
		AttemptTimeout: 15 * time.Second,
		Jitter:         true,
	}
}

// Classifier reports whether err is transient and worth retrying.
type Classifier func(err error) bool

// Observer is notified before every backoff sleep.
type Observer func(attempt int, err error, delay time.Duration)

// Executor runs operations under a Policy.
type Executor struct {
	policy    Policy
	transient Classifier
	observe   Observer

	randMu sync.Mutex
	rnd    *rand.Rand
}

// Option customises an Executor.
type Option func(*Executor)

// WithObserver registers a callback invoked before each retry.
func WithObserver(fn Observer) Option {
	return func(e *Executor) { e.observe = fn }
}

// WithSeed makes jitter deterministic.
func WithSeed(seed int64) Option {
	return func(e *Executor) { e.rnd = rand.New(rand.NewSource(seed)) } // #nosec G404 -- jitter only.
}

// New creates an Executor. A nil classifier retries nothing but attempt timeouts.
func New(policy Policy, transient Classifier, opts ...Option) *Executor {
	if transient == nil {
		transient = func(error) bool { return false }
	}
	e := &Executor{
		policy:    policy,
		transient: transient,
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- jitter only.
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Policy returns the executor's policy.
func (e *Executor) Policy() Policy { return e.policy }

// Do runs fn until it succeeds, fails with a non-transient error, or the retry
// budget is spent. The last error is returned as fn produced it. Each attempt
// gets its own deadline; an attempt that hits it counts as transient.
func Do[T any](ctx context.Context, e *Executor, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	for attempt := 0; ; attempt++ {
		result, err := runAttempt(ctx, e.policy.AttemptTimeout, fn)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if attempt >= e.policy.MaxRetries || !e.retryable(err) {
			return zero, err
		}

		delay := e.backoff(attempt + 1)
		if e.observe != nil {
			e.observe(attempt+1, err, delay)
		}
		if !wait(ctx, delay) {
			return zero, ctx.Err()
		}
	}
}

// Run is Do for operations without a result.
func Run(ctx context.Context, e *Executor, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, e, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}

func (e *Executor) retryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return e.transient(err)
}

// backoff returns the delay before retry n (1-based): base * 2^(n-1), capped
// at MaxDelay, optionally with full jitter.
func (e *Executor) backoff(n int) time.Duration {
	if e.policy.BaseDelay <= 0 {
		return 0
	}
	delay := e.policy.BaseDelay
	for i := 1; i < n; i++ {
		delay *= 2
		if e.policy.MaxDelay > 0 && delay >= e.policy.MaxDelay {
			break
		}
	}
	if e.policy.MaxDelay > 0 && delay > e.policy.MaxDelay {
		delay = e.policy.MaxDelay
	}
	if !e.policy.Jitter {
		return delay
	}

	e.randMu.Lock()
	defer e.randMu.Unlock()
	return time.Duration(e.rnd.Int63n(int64(delay) + 1))
}

func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
