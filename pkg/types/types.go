package types

import (
	"time"
)

// DroneStatus is the lifecycle state of a drone as tracked by the registry.
type DroneStatus string

const (
	DroneIdle    DroneStatus = "Idle"
	DroneActive  DroneStatus = "Active"
	DroneOffline DroneStatus = "Offline"
	DroneError   DroneStatus = "Error"
)

// Eligible reports whether a drone in this status may accept new work.
func (s DroneStatus) Eligible() bool {
	return s == DroneIdle || s == DroneActive
}

// Valid reports whether s is one of the known drone statuses.
func (s DroneStatus) Valid() bool {
	switch s {
	case DroneIdle, DroneActive, DroneOffline, DroneError:
		return true
	}
	return false
}

// TaskStatus is shared by MainTask and SubTask.
type TaskStatus string

const (
	TaskPending    TaskStatus = "Pending"
	TaskInProgress TaskStatus = "InProgress"
	TaskCompleted  TaskStatus = "Completed"
	TaskCancelled  TaskStatus = "Cancelled"
	TaskFailed     TaskStatus = "Failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskCancelled || s == TaskFailed
}

// Valid reports whether s is one of the known task statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskInProgress, TaskCompleted, TaskCancelled, TaskFailed:
		return true
	}
	return false
}

// Drone is a fleet member eligible to execute sub-tasks.
type Drone struct {
	// Stable identifier, assigned on first registration.
	ID string `json:"id"`

	// Human-readable name, unique within the fleet.
	Name string `json:"name"`

	Status DroneStatus `json:"status"`

	// Last reported position.
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`

	// Resource telemetry from the most recent heartbeat.
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryPercent float64 `json:"memoryPercent"`
	BandwidthKbps float64 `json:"bandwidthKbps"`

	// IDs of sub-tasks currently assigned to this drone. Must agree
	// with the task store's AssignedDroneID references.
	AssignedSubTaskIDs []string `json:"assignedSubTaskIDs"`

	// Peer connection ids reported by the drone.
	ConnectionIDs []string `json:"connectionIDs"`

	LastSeen time.Time `json:"lastSeen"`
}

// Carrying reports whether the drone currently lists subTaskID.
func (d *Drone) Carrying(subTaskID string) bool {
	for _, id := range d.AssignedSubTaskIDs {
		if id == subTaskID {
			return true
		}
	}
	return false
}

// DropSubTask removes subTaskID from the drone's assigned list.
func (d *Drone) DropSubTask(subTaskID string) {
	kept := d.AssignedSubTaskIDs[:0]
	for _, id := range d.AssignedSubTaskIDs {
		if id != subTaskID {
			kept = append(kept, id)
		}
	}
	d.AssignedSubTaskIDs = kept
}

// MainTask is a top-level unit of work decomposed into sub-tasks.
// Status is derived from the aggregate sub-task statuses.
type MainTask struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`

	CreatedTime   time.Time  `json:"createdTime"`
	CompletedTime *time.Time `json:"completedTime,omitempty"`

	SubTasks []*SubTask `json:"subTasks"`
}

// SubTask is an individually assignable unit of work bound to at most
// one drone at a time.
type SubTask struct {
	ID          string     `json:"id"`
	MainTaskID  string     `json:"mainTaskID"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`

	// Empty unless Status is InProgress.
	AssignedDroneID string `json:"assignedDroneID,omitempty"`

	CreatedTime   time.Time  `json:"createdTime"`
	AssignedTime  *time.Time `json:"assignedTime,omitempty"`
	CompletedTime *time.Time `json:"completedTime,omitempty"`

	// Number of failure-driven reassignments. Never decremented;
	// input to the give-up circuit breaker.
	ReassignmentCount int `json:"reassignmentCount"`

	Images []*SubTaskImage `json:"images"`
}

// SubTaskImage is an image captured by a drone while executing a sub-task.
type SubTaskImage struct {
	ID         string    `json:"id"`
	SubTaskID  string    `json:"subTaskID"`
	Path       string    `json:"path"`
	CapturedAt time.Time `json:"capturedAt"`
}

// DroneStatusRecord is an append-only status history entry.
type DroneStatusRecord struct {
	ID            string      `json:"id"`
	DroneID       string      `json:"droneID"`
	Status        DroneStatus `json:"status"`
	CPUPercent    float64     `json:"cpuPercent"`
	MemoryPercent float64     `json:"memoryPercent"`
	BandwidthKbps float64     `json:"bandwidthKbps"`
	Latitude      float64     `json:"latitude"`
	Longitude     float64     `json:"longitude"`
	RecordedAt    time.Time   `json:"recordedAt"`
}
