package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dronemesh/internal/clock"
	"dronemesh/pkg/cache"
	"dronemesh/pkg/fault"
	"dronemesh/pkg/gateway"
	"dronemesh/pkg/notify"
	"dronemesh/pkg/store"
	"dronemesh/pkg/types"
)

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *store.Memory, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC))
	mem := store.NewMemory()
	gw := gateway.New(cache.NewMemory(clk), gateway.Config{}, nil, gateway.WithClock(clk))
	opts = append([]Option{WithClock(clk)}, opts...)
	return New(mem, gw, nil, opts...), mem, clk
}

func seedDrone(t *testing.T, r *Registry, name string) *types.Drone {
	t.Helper()
	d := &types.Drone{ID: "id-" + name, Name: name, Status: types.DroneIdle}
	require.NoError(t, r.Upsert(context.Background(), d))
	return d
}

func TestFirstHeartbeatRegistersDrone(t *testing.T) {
	r, _, clk := newTestRegistry(t)
	ctx := context.Background()

	d, err := r.Heartbeat(ctx, Heartbeat{
		Name:          "scout-1",
		Latitude:      48.1,
		Longitude:     11.6,
		CPUPercent:    33,
		MemoryPercent: 50,
		BandwidthKbps: 1024,
	})
	require.NoError(t, err)
	assert.Equal(t, types.DroneIdle, d.Status)
	assert.Equal(t, clk.Now(), d.LastSeen)
	assert.NotEmpty(t, d.ID)

	got, err := r.GetByName(ctx, "scout-1")
	require.NoError(t, err)
	assert.Equal(t, 33.0, got.CPUPercent)
}

func TestHeartbeatKeepsStatus(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	d := seedDrone(t, r, "scout-2")
	require.NoError(t, r.SetStatus(ctx, d.ID, types.DroneActive))

	_, err := r.Heartbeat(ctx, Heartbeat{DroneID: d.ID, CPUPercent: 90})
	require.NoError(t, err)

	got, err := r.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DroneActive, got.Status, "telemetry reports must not change status")
	assert.Equal(t, 90.0, got.CPUPercent)
}

func TestUpsertInvalidatesListCache(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	seedDrone(t, r, "a")

	first, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, first, 1)

	seedDrone(t, r, "b")

	second, err := r.List(ctx)
	require.NoError(t, err)
	assert.Len(t, second, 2, "write must invalidate the all-drones key")
}

func TestCachedReadSurvivesWithinTTL(t *testing.T) {
	r, mem, _ := newTestRegistry(t)
	ctx := context.Background()
	d := seedDrone(t, r, "cached")

	_, err := r.Get(ctx, d.ID)
	require.NoError(t, err)

	// Mutate the store behind the registry's back: the cached read
	// must still serve the old value.
	raw, err := mem.GetDrone(ctx, d.ID)
	require.NoError(t, err)
	raw.Status = types.DroneError
	require.NoError(t, mem.UpsertDrone(ctx, raw))

	got, err := r.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DroneIdle, got.Status)
}

func TestSetStatusValidation(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	err := r.SetStatus(context.Background(), "whatever", "Hovering")
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrValidation))
}

func TestSetStatusUnknownDroneIsConflict(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	err := r.SetStatus(context.Background(), "ghost", types.DroneOffline)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrConflict))
}

func TestBulkRecordStatusSnapshotsFleet(t *testing.T) {
	r, mem, clk := newTestRegistry(t)
	ctx := context.Background()
	seedDrone(t, r, "a")
	seedDrone(t, r, "b")

	n, err := r.BulkRecordStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	records, err := mem.StatusRecords(ctx, "", clk.Now().Add(-time.Minute), clk.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestUpsertPublishesChangeEvent(t *testing.T) {
	b := notify.NewBroadcaster(nil)
	events, cancel := b.Subscribe(4)
	defer cancel()

	r, _, _ := newTestRegistry(t, WithNotifier(b))
	seedDrone(t, r, "noisy")

	require.Len(t, events, 1)
	ev := <-events
	assert.Equal(t, notify.EntityDrone, ev.Entity)
	assert.Equal(t, "id-noisy", ev.ID)
}

func TestIsHealthy(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	assert.True(t, r.IsHealthy(context.Background()))
}
