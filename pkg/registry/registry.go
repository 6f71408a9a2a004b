// Package registry is the source of truth for which drones exist and
// whether they are eligible for work. Reads are cached with a short
// TTL because drone status churns; every write invalidates the drone
// key space.
package registry

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"dronemesh/internal/clock"
	"dronemesh/pkg/fault"
	"dronemesh/pkg/gateway"
	"dronemesh/pkg/notify"
	"dronemesh/pkg/store"
	"dronemesh/pkg/types"
)

const (
	// DefaultTTL is deliberately short: stale eligibility data makes
	// the assignment engine hand work to dead drones.
	DefaultTTL = 2 * time.Minute

	keyPrefix = "drone:"
	keyAll    = keyPrefix + "all"
	keyByID   = keyPrefix + "id:"
	keyByName = keyPrefix + "name:"
)

// Registry wraps the drone slice of the persistence port behind the
// data gateway.
type Registry struct {
	store    store.Store
	gw       *gateway.Gateway
	notifier notify.Notifier
	clk      clock.Clock
	logger   *slog.Logger
	ttl      time.Duration
}

// Option customizes a Registry.
type Option func(*Registry)

// WithTTL overrides the cached-read TTL.
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) { r.ttl = ttl }
}

// WithClock substitutes the time source.
func WithClock(clk clock.Clock) Option {
	return func(r *Registry) { r.clk = clk }
}

// WithNotifier attaches a change-event publisher.
func WithNotifier(n notify.Notifier) Option {
	return func(r *Registry) { r.notifier = n }
}

// New returns a Registry over s, routing all store access through gw.
func New(s store.Store, gw *gateway.Gateway, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := &Registry{
		store:    s,
		gw:       gw,
		notifier: notify.Discard,
		clk:      clock.Real(),
		logger:   logger.With("component", "registry"),
		ttl:      DefaultTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// List returns all known drones, cache-aside.
func (r *Registry) List(ctx context.Context) ([]*types.Drone, error) {
	return gateway.Cached(ctx, r.gw, keyAll, r.ttl, func(ctx context.Context) ([]*types.Drone, error) {
		return r.store.ListDrones(ctx)
	})
}

// Get returns the drone with the given id.
func (r *Registry) Get(ctx context.Context, id string) (*types.Drone, error) {
	if id == "" {
		return nil, fault.Validationf("registry: drone id is required")
	}
	return gateway.Cached(ctx, r.gw, keyByID+id, r.ttl, func(ctx context.Context) (*types.Drone, error) {
		return r.store.GetDrone(ctx, id)
	})
}

// GetByName returns the drone with the given name.
func (r *Registry) GetByName(ctx context.Context, name string) (*types.Drone, error) {
	if name == "" {
		return nil, fault.Validationf("registry: drone name is required")
	}
	return gateway.Cached(ctx, r.gw, keyByName+name, r.ttl, func(ctx context.Context) (*types.Drone, error) {
		return r.store.GetDroneByName(ctx, name)
	})
}

// Upsert inserts or replaces a drone and invalidates the drone keys.
func (r *Registry) Upsert(ctx context.Context, drone *types.Drone) error {
	if err := validateDrone(drone); err != nil {
		return err
	}
	_, err := gateway.Do(ctx, r.gw, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.store.UpsertDrone(ctx, drone)
	})
	if err != nil {
		return err
	}
	r.gw.Invalidate(keyPrefix)
	r.notifier.Publish(notify.Event{Entity: notify.EntityDrone, Action: notify.ActionUpdated, ID: drone.ID})
	return nil
}

// BulkUpsert inserts or replaces a batch of drones.
func (r *Registry) BulkUpsert(ctx context.Context, drones []*types.Drone) error {
	for _, d := range drones {
		if err := validateDrone(d); err != nil {
			return err
		}
	}
	_, err := gateway.Do(ctx, r.gw, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.store.UpsertDrones(ctx, drones)
	})
	if err != nil {
		return err
	}
	r.gw.Invalidate(keyPrefix)
	for _, d := range drones {
		r.notifier.Publish(notify.Event{Entity: notify.EntityDrone, Action: notify.ActionUpdated, ID: d.ID})
	}
	return nil
}

// Heartbeat is a position/telemetry report from a drone. It updates
// LastSeen and the telemetry fields without touching Status (except on
// first contact, when the drone is created as Idle).
type Heartbeat struct {
	DroneID       string
	Name          string
	Latitude      float64
	Longitude     float64
	CPUPercent    float64
	MemoryPercent float64
	BandwidthKbps float64
	ConnectionIDs []string
}

// Heartbeat applies hb, creating the drone on first contact. Returns
// the updated record.
func (r *Registry) Heartbeat(ctx context.Context, hb Heartbeat) (*types.Drone, error) {
	if hb.DroneID == "" && hb.Name == "" {
		return nil, fault.Validationf("registry: heartbeat needs a drone id or name")
	}
	drone, err := r.lookupForWrite(ctx, hb.DroneID, hb.Name)
	if err != nil {
		if !fault.IsClientFault(err) {
			return nil, err
		}
		// First contact: register as Idle.
		id := hb.DroneID
		if id == "" {
			id = uuid.NewString()
		}
		name := hb.Name
		if name == "" {
			name = id
		}
		drone = &types.Drone{ID: id, Name: name, Status: types.DroneIdle}
		r.logger.Info("drone registered on first heartbeat", "drone", name)
	}
	drone.Latitude = hb.Latitude
	drone.Longitude = hb.Longitude
	drone.CPUPercent = hb.CPUPercent
	drone.MemoryPercent = hb.MemoryPercent
	drone.BandwidthKbps = hb.BandwidthKbps
	if hb.ConnectionIDs != nil {
		drone.ConnectionIDs = hb.ConnectionIDs
	}
	drone.LastSeen = r.clk.Now()
	if err := r.Upsert(ctx, drone); err != nil {
		return nil, err
	}
	return drone, nil
}

// SetStatus moves a drone to status. Unlike a heartbeat this is an
// explicit lifecycle operation (operator action or failure detection).
func (r *Registry) SetStatus(ctx context.Context, droneID string, status types.DroneStatus) error {
	if !status.Valid() {
		return fault.Validationf("registry: unknown drone status %q", status)
	}
	drone, err := r.lookupForWrite(ctx, droneID, "")
	if err != nil {
		return err
	}
	if drone.Status == status {
		return nil
	}
	drone.Status = status
	drone.LastSeen = r.clk.Now()
	return r.Upsert(ctx, drone)
}

// RecordStatus appends the drone's current state to the status
// history.
func (r *Registry) RecordStatus(ctx context.Context, droneID string) error {
	drone, err := r.Get(ctx, droneID)
	if err != nil {
		return err
	}
	return r.appendRecords(ctx, []*types.Drone{drone})
}

// BulkRecordStatus snapshots every known drone into the history in
// one write. Returns the number of drones recorded.
func (r *Registry) BulkRecordStatus(ctx context.Context) (int, error) {
	drones, err := r.List(ctx)
	if err != nil {
		return 0, err
	}
	if len(drones) == 0 {
		return 0, nil
	}
	if err := r.appendRecords(ctx, drones); err != nil {
		return 0, err
	}
	return len(drones), nil
}

func (r *Registry) appendRecords(ctx context.Context, drones []*types.Drone) error {
	now := r.clk.Now()
	records := make([]*types.DroneStatusRecord, 0, len(drones))
	for _, d := range drones {
		records = append(records, &types.DroneStatusRecord{
			ID:            uuid.NewString(),
			DroneID:       d.ID,
			Status:        d.Status,
			CPUPercent:    d.CPUPercent,
			MemoryPercent: d.MemoryPercent,
			BandwidthKbps: d.BandwidthKbps,
			Latitude:      d.Latitude,
			Longitude:     d.Longitude,
			RecordedAt:    now,
		})
	}
	_, err := gateway.Do(ctx, r.gw, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.store.AppendStatusRecords(ctx, records)
	})
	return err
}

// History returns status records for droneID within [from, to).
func (r *Registry) History(ctx context.Context, droneID string, from, to time.Time) ([]*types.DroneStatusRecord, error) {
	return gateway.Do(ctx, r.gw, func(ctx context.Context) ([]*types.DroneStatusRecord, error) {
		return r.store.StatusRecords(ctx, droneID, from, to)
	})
}

// Exists reports whether the drone id is known.
func (r *Registry) Exists(ctx context.Context, id string) (bool, error) {
	return gateway.Do(ctx, r.gw, func(ctx context.Context) (bool, error) {
		return r.store.DroneExists(ctx, id)
	})
}

// Count returns the number of known drones.
func (r *Registry) Count(ctx context.Context) (int, error) {
	return gateway.Do(ctx, r.gw, func(ctx context.Context) (int, error) {
		return r.store.CountDrones(ctx)
	})
}

// IsHealthy probes the backing store with a trivial count query.
func (r *Registry) IsHealthy(ctx context.Context) bool {
	return r.store.Ping(ctx) == nil
}

// lookupForWrite fetches a fresh drone record bypassing the cache, by
// id if given, otherwise by name.
func (r *Registry) lookupForWrite(ctx context.Context, id, name string) (*types.Drone, error) {
	if id != "" {
		return gateway.Do(ctx, r.gw, func(ctx context.Context) (*types.Drone, error) {
			return r.store.GetDrone(ctx, id)
		})
	}
	return gateway.Do(ctx, r.gw, func(ctx context.Context) (*types.Drone, error) {
		return r.store.GetDroneByName(ctx, name)
	})
}

func validateDrone(d *types.Drone) error {
	if d == nil {
		return fault.Validationf("registry: drone is required")
	}
	if d.ID == "" {
		return fault.Validationf("registry: drone id is required")
	}
	if d.Name == "" {
		return fault.Validationf("registry: drone name is required")
	}
	if !d.Status.Valid() {
		return fault.Validationf("registry: unknown drone status %q", d.Status)
	}
	return nil
}
