package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dronemesh/internal/clock"
	"dronemesh/pkg/cache"
	"dronemesh/pkg/fault"
)

func newTestGateway(cfg Config) (*Gateway, *[]time.Duration) {
	var delays []time.Duration
	g := New(cache.NewMemory(clock.NewFake(time.Unix(0, 0))), cfg, nil,
		WithSleep(func(d time.Duration) { delays = append(delays, d) }),
	)
	return g, &delays
}

func TestCachedHitSkipsRetrieve(t *testing.T) {
	g, _ := newTestGateway(Config{})
	ctx := context.Background()

	calls := 0
	retrieve := func(context.Context) (string, error) {
		calls++
		return "fleet", nil
	}

	v, err := Cached(ctx, g, "drone:all", time.Minute, retrieve)
	require.NoError(t, err)
	assert.Equal(t, "fleet", v)

	v, err = Cached(ctx, g, "drone:all", time.Minute, retrieve)
	require.NoError(t, err)
	assert.Equal(t, "fleet", v)
	assert.Equal(t, 1, calls, "hit must not invoke the retrieval function")

	stats := g.Stats()
	assert.Equal(t, int64(1), stats.CacheHits)
	assert.Equal(t, int64(1), stats.CacheMisses)
}

func TestExpiredEntryRetrievesExactlyOnce(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	g := New(cache.NewMemory(clk), Config{}, nil, WithClock(clk))
	ctx := context.Background()

	calls := 0
	retrieve := func(context.Context) (int, error) {
		calls++
		return calls, nil
	}

	_, err := Cached(ctx, g, "k", time.Minute, retrieve)
	require.NoError(t, err)

	clk.Advance(time.Minute)

	v, err := Cached(ctx, g, "k", time.Minute, retrieve)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	assert.Equal(t, 2, calls, "expiry must force exactly one re-retrieval")
}

func TestRetrySucceedsWithinBudget(t *testing.T) {
	g, delays := newTestGateway(Config{MaxAttempts: 3})
	ctx := context.Background()

	calls := 0
	v, err := Do(ctx, g, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("store unavailable")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, calls)
	require.Len(t, *delays, 2, "one backoff per failed attempt")

	// Exponential floor: 2^1*100ms and 2^2*100ms, each plus jitter
	// below half the base delay.
	assert.GreaterOrEqual(t, (*delays)[0], 200*time.Millisecond)
	assert.LessOrEqual(t, (*delays)[0], 300*time.Millisecond)
	assert.GreaterOrEqual(t, (*delays)[1], 400*time.Millisecond)
	assert.LessOrEqual(t, (*delays)[1], 600*time.Millisecond)
}

func TestRetryExhaustionSurfacesTransient(t *testing.T) {
	g, _ := newTestGateway(Config{MaxAttempts: 3})

	calls := 0
	_, err := Do(context.Background(), g, func(context.Context) (any, error) {
		calls++
		return nil, errors.New("disk on fire")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls, "budget is attempts, not retries")
	assert.True(t, errors.Is(err, fault.ErrTransient))
	assert.Contains(t, err.Error(), "disk on fire")
	assert.Equal(t, int64(1), g.Stats().Errors)
}

func TestClientFaultsAreNotRetried(t *testing.T) {
	g, delays := newTestGateway(Config{MaxAttempts: 3})

	calls := 0
	_, err := Do(context.Background(), g, func(context.Context) (any, error) {
		calls++
		return nil, fault.Conflictf("sub-task not Pending")
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrConflict))
	assert.Equal(t, 1, calls)
	assert.Empty(t, *delays)
}

func TestCancelledContextStopsRetrying(t *testing.T) {
	g, _ := newTestGateway(Config{MaxAttempts: 5})
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	_, err := Do(ctx, g, func(context.Context) (any, error) {
		calls++
		cancel()
		return nil, errors.New("transient")
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestSemaphoreBoundsConcurrency(t *testing.T) {
	g, _ := newTestGateway(Config{MaxConcurrent: 2, MaxAttempts: 1})
	ctx := context.Background()

	var inFlight, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = Do(ctx, g, func(context.Context) (any, error) {
				n := inFlight.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				inFlight.Add(-1)
				return nil, nil
			})
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestInvalidateRemovesPrefix(t *testing.T) {
	g, _ := newTestGateway(Config{})
	ctx := context.Background()

	_, err := Cached(ctx, g, "drone:all", time.Minute, func(context.Context) (int, error) { return 1, nil })
	require.NoError(t, err)

	g.Invalidate("drone:")

	calls := 0
	_, err = Cached(ctx, g, "drone:all", time.Minute, func(context.Context) (int, error) {
		calls++
		return 2, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "invalidated key must fall through to the store")
}
