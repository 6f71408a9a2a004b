package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"dronemesh/pkg/fault"
	"dronemesh/pkg/types"
)

// Memory is an in-process Store used by tests and single-node
// deployments that don't need durability. All returned entities are
// deep copies, so callers can mutate results freely.
type Memory struct {
	mu        sync.RWMutex
	drones    map[string]*types.Drone
	mainTasks map[string]*types.MainTask
	subTasks  map[string]*types.SubTask
	images    map[string][]*types.SubTaskImage // subTaskID -> images
	history   []*types.DroneStatusRecord
	audit     []AuditEntry
}

// AuditEntry records one batch status update for later inspection.
type AuditEntry struct {
	SubTaskIDs []string
	Status     types.TaskStatus
	Reason     string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		drones:    make(map[string]*types.Drone),
		mainTasks: make(map[string]*types.MainTask),
		subTasks:  make(map[string]*types.SubTask),
		images:    make(map[string][]*types.SubTaskImage),
	}
}

func (m *Memory) ListDrones(ctx context.Context) ([]*types.Drone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	drones := make([]*types.Drone, 0, len(m.drones))
	for _, d := range m.drones {
		drones = append(drones, cloneDrone(d))
	}
	sort.Slice(drones, func(i, j int) bool { return drones[i].Name < drones[j].Name })
	return drones, nil
}

func (m *Memory) GetDrone(ctx context.Context, id string) (*types.Drone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drones[id]
	if !ok {
		return nil, fault.Conflictf("drone %s not found", id)
	}
	return cloneDrone(d), nil
}

func (m *Memory) GetDroneByName(ctx context.Context, name string) (*types.Drone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.drones {
		if d.Name == name {
			return cloneDrone(d), nil
		}
	}
	return nil, fault.Conflictf("drone named %q not found", name)
}

func (m *Memory) UpsertDrone(ctx context.Context, drone *types.Drone) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drones[drone.ID] = cloneDrone(drone)
	return nil
}

func (m *Memory) UpsertDrones(ctx context.Context, drones []*types.Drone) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range drones {
		m.drones[d.ID] = cloneDrone(d)
	}
	return nil
}

func (m *Memory) DroneExists(ctx context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.drones[id]
	return ok, nil
}

func (m *Memory) CountDrones(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.drones), nil
}

func (m *Memory) AppendStatusRecords(ctx context.Context, records []*types.DroneStatusRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		c := *r
		m.history = append(m.history, &c)
	}
	return nil
}

func (m *Memory) StatusRecords(ctx context.Context, droneID string, from, to time.Time) ([]*types.DroneStatusRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.DroneStatusRecord
	for _, r := range m.history {
		if droneID != "" && r.DroneID != droneID {
			continue
		}
		if r.RecordedAt.Before(from) || !r.RecordedAt.Before(to) {
			continue
		}
		c := *r
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	return out, nil
}

func (m *Memory) CreateMainTask(ctx context.Context, task *types.MainTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.mainTasks[task.ID]; ok {
		return fault.Conflictf("main task %s already exists", task.ID)
	}
	m.mainTasks[task.ID] = cloneMainTaskShallow(task)
	for _, sub := range task.SubTasks {
		m.subTasks[sub.ID] = cloneSubTaskShallow(sub)
		for _, img := range sub.Images {
			c := *img
			m.images[sub.ID] = append(m.images[sub.ID], &c)
		}
	}
	return nil
}

func (m *Memory) GetMainTask(ctx context.Context, id string) (*types.MainTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.mainTasks[id]
	if !ok {
		return nil, fault.Conflictf("main task %s not found", id)
	}
	return m.assembleMainTask(task), nil
}

func (m *Memory) ListMainTasks(ctx context.Context) ([]*types.MainTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tasks := make([]*types.MainTask, 0, len(m.mainTasks))
	for _, t := range m.mainTasks {
		tasks = append(tasks, m.assembleMainTask(t))
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedTime.Before(tasks[j].CreatedTime)
	})
	return tasks, nil
}

func (m *Memory) UpdateMainTask(ctx context.Context, task *types.MainTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.mainTasks[task.ID]; !ok {
		return fault.Conflictf("main task %s not found", task.ID)
	}
	m.mainTasks[task.ID] = cloneMainTaskShallow(task)
	return nil
}

func (m *Memory) DeleteMainTask(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.mainTasks[id]; !ok {
		return fault.Conflictf("main task %s not found", id)
	}
	delete(m.mainTasks, id)
	for subID, sub := range m.subTasks {
		if sub.MainTaskID == id {
			delete(m.subTasks, subID)
			delete(m.images, subID)
		}
	}
	return nil
}

func (m *Memory) CreateSubTask(ctx context.Context, sub *types.SubTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.mainTasks[sub.MainTaskID]; !ok {
		return fault.Conflictf("main task %s not found", sub.MainTaskID)
	}
	if _, ok := m.subTasks[sub.ID]; ok {
		return fault.Conflictf("sub-task %s already exists", sub.ID)
	}
	m.subTasks[sub.ID] = cloneSubTaskShallow(sub)
	return nil
}

func (m *Memory) GetSubTask(ctx context.Context, id string) (*types.SubTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subTasks[id]
	if !ok {
		return nil, fault.Conflictf("sub-task %s not found", id)
	}
	return m.assembleSubTask(sub), nil
}

func (m *Memory) UpdateSubTask(ctx context.Context, sub *types.SubTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subTasks[sub.ID]; !ok {
		return fault.Conflictf("sub-task %s not found", sub.ID)
	}
	m.subTasks[sub.ID] = cloneSubTaskShallow(sub)
	return nil
}

func (m *Memory) DeleteSubTask(ctx context.Context, mainTaskID, subTaskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subTasks[subTaskID]
	if !ok || sub.MainTaskID != mainTaskID {
		return fault.Conflictf("sub-task %s not found under main task %s", subTaskID, mainTaskID)
	}
	delete(m.subTasks, subTaskID)
	delete(m.images, subTaskID)
	return nil
}

func (m *Memory) AppendImage(ctx context.Context, image *types.SubTaskImage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subTasks[image.SubTaskID]; !ok {
		return fault.Conflictf("sub-task %s not found", image.SubTaskID)
	}
	c := *image
	m.images[image.SubTaskID] = append(m.images[image.SubTaskID], &c)
	return nil
}

func (m *Memory) SubTasksByStatus(ctx context.Context, status types.TaskStatus) ([]*types.SubTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterSubTasks(func(s *types.SubTask) bool { return s.Status == status }), nil
}

func (m *Memory) SubTasksByDrone(ctx context.Context, droneID string) ([]*types.SubTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterSubTasks(func(s *types.SubTask) bool { return s.AssignedDroneID == droneID }), nil
}

func (m *Memory) ExpiredSubTasks(ctx context.Context, cutoff time.Time) ([]*types.SubTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterSubTasks(func(s *types.SubTask) bool {
		return s.Status == types.TaskInProgress &&
			s.AssignedTime != nil && s.AssignedTime.Before(cutoff)
	}), nil
}

func (m *Memory) BatchUpdateSubTaskStatus(ctx context.Context, ids []string, status types.TaskStatus, reason string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	updated := 0
	for _, id := range ids {
		sub, ok := m.subTasks[id]
		if !ok {
			continue
		}
		sub.Status = status
		updated++
	}
	if updated > 0 {
		m.audit = append(m.audit, AuditEntry{SubTaskIDs: append([]string(nil), ids...), Status: status, Reason: reason})
	}
	return updated, nil
}

func (m *Memory) CountSubTasks(ctx context.Context, status types.TaskStatus) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if status == "" {
		return len(m.subTasks), nil
	}
	n := 0
	for _, s := range m.subTasks {
		if s.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *Memory) MainTasksCompletedBetween(ctx context.Context, from, to time.Time) ([]*types.MainTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.MainTask
	for _, t := range m.mainTasks {
		if t.CompletedTime == nil {
			continue
		}
		if t.CompletedTime.Before(from) || !t.CompletedTime.Before(to) {
			continue
		}
		out = append(out, m.assembleMainTask(t))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CompletedTime.Before(*out[j].CompletedTime)
	})
	return out, nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

// Audit returns a copy of the batch-update audit trail.
func (m *Memory) Audit() []AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]AuditEntry(nil), m.audit...)
}

// assembleMainTask builds a deep copy with sub-tasks and images
// attached, ordered by creation time. Caller holds at least RLock.
func (m *Memory) assembleMainTask(task *types.MainTask) *types.MainTask {
	c := cloneMainTaskShallow(task)
	for _, sub := range m.subTasks {
		if sub.MainTaskID == task.ID {
			c.SubTasks = append(c.SubTasks, m.assembleSubTask(sub))
		}
	}
	sort.Slice(c.SubTasks, func(i, j int) bool {
		a, b := c.SubTasks[i], c.SubTasks[j]
		if a.CreatedTime.Equal(b.CreatedTime) {
			return a.ID < b.ID
		}
		return a.CreatedTime.Before(b.CreatedTime)
	})
	return c
}

// assembleSubTask builds a deep copy with images attached. Caller
// holds at least RLock.
func (m *Memory) assembleSubTask(sub *types.SubTask) *types.SubTask {
	c := cloneSubTaskShallow(sub)
	for _, img := range m.images[sub.ID] {
		ic := *img
		c.Images = append(c.Images, &ic)
	}
	sort.Slice(c.Images, func(i, j int) bool { return c.Images[i].CapturedAt.Before(c.Images[j].CapturedAt) })
	return c
}

// filterSubTasks returns assembled copies matching keep, ordered by
// creation time. Caller holds at least RLock.
func (m *Memory) filterSubTasks(keep func(*types.SubTask) bool) []*types.SubTask {
	var out []*types.SubTask
	for _, s := range m.subTasks {
		if keep(s) {
			out = append(out, m.assembleSubTask(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.CreatedTime.Equal(b.CreatedTime) {
			return a.ID < b.ID
		}
		return a.CreatedTime.Before(b.CreatedTime)
	})
	return out
}

func cloneDrone(d *types.Drone) *types.Drone {
	c := *d
	c.AssignedSubTaskIDs = append([]string(nil), d.AssignedSubTaskIDs...)
	c.ConnectionIDs = append([]string(nil), d.ConnectionIDs...)
	return &c
}

func cloneMainTaskShallow(t *types.MainTask) *types.MainTask {
	c := *t
	c.SubTasks = nil
	if t.CompletedTime != nil {
		ct := *t.CompletedTime
		c.CompletedTime = &ct
	}
	return &c
}

func cloneSubTaskShallow(s *types.SubTask) *types.SubTask {
	c := *s
	c.Images = nil
	if s.AssignedTime != nil {
		at := *s.AssignedTime
		c.AssignedTime = &at
	}
	if s.CompletedTime != nil {
		ct := *s.CompletedTime
		c.CompletedTime = &ct
	}
	return &c
}
