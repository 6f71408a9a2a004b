// Package store defines the persistence port consumed by the drone
// registry and task store, with SQLite and in-memory implementations.
//
// Not-found conditions surface as conflict errors from pkg/fault so
// the gateway never burns its retry budget on them. Genuine backend
// failures surface untyped and are classified by the gateway.
package store

import (
	"context"
	"time"

	"dronemesh/pkg/types"
)

// DroneStore is the durable view of the fleet.
type DroneStore interface {
	// ListDrones returns every known drone, ordered by name.
	ListDrones(ctx context.Context) ([]*types.Drone, error)

	// GetDrone returns the drone with the given id.
	GetDrone(ctx context.Context, id string) (*types.Drone, error)

	// GetDroneByName returns the drone with the given name.
	GetDroneByName(ctx context.Context, name string) (*types.Drone, error)

	// UpsertDrone inserts or replaces a drone record.
	UpsertDrone(ctx context.Context, drone *types.Drone) error

	// UpsertDrones inserts or replaces a batch of drone records.
	UpsertDrones(ctx context.Context, drones []*types.Drone) error

	// DroneExists reports whether a drone with the given id exists.
	DroneExists(ctx context.Context, id string) (bool, error)

	// CountDrones returns the number of known drones.
	CountDrones(ctx context.Context) (int, error)

	// AppendStatusRecords appends to the drone status history.
	AppendStatusRecords(ctx context.Context, records []*types.DroneStatusRecord) error

	// StatusRecords returns history entries for a drone within
	// [from, to), oldest first. An empty droneID matches all drones.
	StatusRecords(ctx context.Context, droneID string, from, to time.Time) ([]*types.DroneStatusRecord, error)
}

// TaskStore owns the MainTask/SubTask graph. MainTask fetches eagerly
// load sub-tasks and their images so dashboard callers avoid N+1
// round-trips.
type TaskStore interface {
	CreateMainTask(ctx context.Context, task *types.MainTask) error
	GetMainTask(ctx context.Context, id string) (*types.MainTask, error)
	ListMainTasks(ctx context.Context) ([]*types.MainTask, error)
	UpdateMainTask(ctx context.Context, task *types.MainTask) error

	// DeleteMainTask removes the task and cascades to its sub-tasks
	// and their images.
	DeleteMainTask(ctx context.Context, id string) error

	CreateSubTask(ctx context.Context, sub *types.SubTask) error
	GetSubTask(ctx context.Context, id string) (*types.SubTask, error)
	UpdateSubTask(ctx context.Context, sub *types.SubTask) error

	// DeleteSubTask removes a sub-task belonging to mainTaskID.
	DeleteSubTask(ctx context.Context, mainTaskID, subTaskID string) error

	// AppendImage records an image captured for a sub-task.
	AppendImage(ctx context.Context, image *types.SubTaskImage) error

	// SubTasksByStatus returns sub-tasks in the given status.
	SubTasksByStatus(ctx context.Context, status types.TaskStatus) ([]*types.SubTask, error)

	// SubTasksByDrone returns sub-tasks assigned to the given drone.
	SubTasksByDrone(ctx context.Context, droneID string) ([]*types.SubTask, error)

	// ExpiredSubTasks returns InProgress sub-tasks whose assignment is
	// older than cutoff.
	ExpiredSubTasks(ctx context.Context, cutoff time.Time) ([]*types.SubTask, error)

	// BatchUpdateSubTaskStatus moves every listed sub-task to status,
	// recording reason in the audit trail. Returns the number updated;
	// unknown ids are skipped, not an error.
	BatchUpdateSubTaskStatus(ctx context.Context, ids []string, status types.TaskStatus, reason string) (int, error)

	// CountSubTasks returns the number of sub-tasks in the given
	// status; an empty status counts all.
	CountSubTasks(ctx context.Context, status types.TaskStatus) (int, error)

	// MainTasksCompletedBetween returns tasks whose CompletedTime
	// falls within [from, to), for reporting.
	MainTasksCompletedBetween(ctx context.Context, from, to time.Time) ([]*types.MainTask, error)
}

// Store is the full persistence port.
type Store interface {
	DroneStore
	TaskStore

	// Ping performs a trivial count query, backing isHealthy probes.
	Ping(ctx context.Context) error

	Close() error
}
