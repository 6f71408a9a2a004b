// Package gateway implements the resilient data-access layer that all
// registry and task-store operations funnel through: cache-aside reads,
// bounded-concurrency retries with exponential backoff, and operation
// statistics.
//
// The gateway never talks to the node cluster backend; socket-level
// retry policy belongs to the nodectl caller.
package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"time"

	"dronemesh/internal/clock"
	"dronemesh/pkg/cache"
	"dronemesh/pkg/fault"
)

const (
	DefaultMaxAttempts   = 3
	DefaultMaxConcurrent = 10
	DefaultBaseBackoff   = 100 * time.Millisecond
	DefaultTTL           = 5 * time.Minute
)

// Config tunes the gateway. Zero values take the defaults above.
type Config struct {
	// MaxAttempts is the retry budget per operation, including the
	// first try.
	MaxAttempts int

	// MaxConcurrent bounds in-flight operations against the backing
	// store across all callers of this gateway.
	MaxConcurrent int

	// BaseBackoff is scaled by 2^attempt between retries. Jitter of
	// up to half the computed delay is added to avoid synchronized
	// retry storms.
	BaseBackoff time.Duration

	// DefaultTTL applies to cached reads that pass ttl <= 0.
	DefaultTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = DefaultTTL
	}
	return c
}

// Gateway wraps a Cache and applies the retry policy to retrieval and
// write operations. Safe for concurrent use; a single Gateway is
// shared by the registry, task store, and engine.
type Gateway struct {
	cache   cache.Cache
	cfg     Config
	sem     chan struct{}
	clk     clock.Clock
	logger  *slog.Logger
	metrics *Metrics

	// sleep is swappable so retry tests don't wait out real backoff.
	sleep func(time.Duration)
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithClock substitutes the time source.
func WithClock(clk clock.Clock) Option {
	return func(g *Gateway) { g.clk = clk }
}

// WithMetrics attaches a prometheus-backed metrics set.
func WithMetrics(m *Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithSleep substitutes the backoff sleep function.
func WithSleep(fn func(time.Duration)) Option {
	return func(g *Gateway) { g.sleep = fn }
}

// New returns a Gateway over c. A nil logger discards log output.
func New(c cache.Cache, cfg Config, logger *slog.Logger, opts ...Option) *Gateway {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	g := &Gateway{
		cache:  c,
		cfg:    cfg,
		sem:    make(chan struct{}, cfg.MaxConcurrent),
		clk:    clock.Real(),
		logger: logger.With("component", "gateway"),
		sleep:  time.Sleep,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.metrics == nil {
		g.metrics = NewMetrics(nil)
	}
	return g
}

// Cached runs a cache-aside read: on a hit the retrieval function is
// never invoked; on a miss it runs under the retry policy and the
// result is stored under key for ttl (DefaultTTL if ttl <= 0).
func (g *Gateway) Cached(ctx context.Context, key string, ttl time.Duration, retrieve func(context.Context) (any, error)) (any, error) {
	if value, ok := g.cache.Get(key); ok {
		g.metrics.recordHit()
		return value, nil
	}
	start := g.clk.Now()
	value, err := g.execute(ctx, retrieve)
	g.metrics.recordMiss(g.clk.Now().Sub(start), err)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = g.cfg.DefaultTTL
	}
	g.cache.Set(key, value, ttl)
	return value, nil
}

// Do runs an uncached operation (typically a write) under the retry
// policy. It does not touch the cache; the caller owns invalidation.
func (g *Gateway) Do(ctx context.Context, op func(context.Context) (any, error)) (any, error) {
	start := g.clk.Now()
	value, err := g.execute(ctx, op)
	g.metrics.recordOp(g.clk.Now().Sub(start), err)
	return value, err
}

// Invalidate removes every cache key with the given prefix.
func (g *Gateway) Invalidate(prefix string) {
	if n := g.cache.RemoveByPrefix(prefix); n > 0 {
		g.logger.Debug("cache invalidated", "prefix", prefix, "keys", n)
	}
}

// Stats returns a snapshot of the operation counters.
func (g *Gateway) Stats() Stats {
	return g.metrics.snapshot()
}

// execute applies the semaphore and retry policy to op. Client faults
// (validation, conflict) are surfaced immediately; anything else is
// retried up to the budget and then wrapped as a transient error.
func (g *Gateway) execute(ctx context.Context, op func(context.Context) (any, error)) (any, error) {
	var lastErr error
	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		select {
		case g.sem <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		value, err := op(ctx)
		<-g.sem

		if err == nil {
			return value, nil
		}
		if fault.IsClientFault(err) {
			return nil, err
		}
		lastErr = err

		if attempt == g.cfg.MaxAttempts {
			break
		}
		delay := g.backoff(attempt)
		g.logger.Warn("operation failed, backing off",
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		g.sleep(delay)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fault.Transient(lastErr, "gateway: %d attempts exhausted", g.cfg.MaxAttempts)
}

// backoff returns 2^attempt * BaseBackoff plus up to 50% jitter.
func (g *Gateway) backoff(attempt int) time.Duration {
	delay := g.cfg.BaseBackoff * (1 << attempt)
	jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
	return delay + jitter
}

// Cached is the typed wrapper around Gateway.Cached.
func Cached[T any](ctx context.Context, g *Gateway, key string, ttl time.Duration, retrieve func(context.Context) (T, error)) (T, error) {
	value, err := g.Cached(ctx, key, ttl, func(ctx context.Context) (any, error) {
		return retrieve(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	typed, ok := value.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("gateway: cache entry %q holds %T, not %T", key, value, zero)
	}
	return typed, nil
}

// Do is the typed wrapper around Gateway.Do.
func Do[T any](ctx context.Context, g *Gateway, op func(context.Context) (T, error)) (T, error) {
	value, err := g.Do(ctx, func(ctx context.Context) (any, error) {
		return op(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return value.(T), nil
}
