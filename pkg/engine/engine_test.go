package engine

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
	"dronemesh/pkg/registry"
	"dronemesh/pkg/store"
	"dronemesh/pkg/tasks"
	"dronemesh/pkg/types"
)

type fixture struct {
	engine *Engine
	drones *registry.Registry
	tasks  *tasks.Service
	clk    *clock.Fake
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC))
	mem := store.NewMemory()
	gw := gateway.New(cache.NewMemory(clk), gateway.Config{}, nil, gateway.WithClock(clk))
	drones := registry.New(mem, gw, nil, registry.WithClock(clk))
	svc := tasks.New(mem, gw, nil, tasks.WithClock(clk), tasks.WithExpiry(30*time.Minute))
	return &fixture{
		engine: New(drones, svc, cfg, nil, WithClock(clk)),
		drones: drones,
		tasks:  svc,
		clk:    clk,
	}
}

func (f *fixture) seedDrone(t *testing.T, name string, status types.DroneStatus) *types.Drone {
	t.Helper()
	d := &types.Drone{ID: "id-" + name, Name: name, Status: status}
	require.NoError(t, f.drones.Upsert(context.Background(), d))
	return d
}

func (f *fixture) seedTask(t *testing.T, subDescriptions ...string) *types.MainTask {
	t.Helper()
	task, err := f.tasks.Create(context.Background(), "mission", subDescriptions)
	require.NoError(t, err)
	return task
}

func (f *fixture) subTask(t *testing.T, id string) *types.SubTask {
	t.Helper()
	sub, err := f.tasks.GetSubTask(context.Background(), id)
	require.NoError(t, err)
	return sub
}

func (f *fixture) drone(t *testing.T, id string) *types.Drone {
	t.Helper()
	d, err := f.drones.Get(context.Background(), id)
	require.NoError(t, err)
	return d
}

func TestAssignThenDroneOfflineReassigns(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	d1 := f.seedDrone(t, "D1", types.DroneIdle)
	task := f.seedTask(t, "S1")
	s1 := task.SubTasks[0]

	require.NoError(t, f.engine.Assign(ctx, s1.ID, "D1"))

	got := f.subTask(t, s1.ID)
	assert.Equal(t, types.TaskInProgress, got.Status)
	assert.Equal(t, d1.ID, got.AssignedDroneID)
	require.NotNil(t, got.AssignedTime)
	assert.True(t, f.drone(t, d1.ID).Carrying(s1.ID))
	assert.Equal(t, types.DroneActive, f.drone(t, d1.ID).Status)

	require.NoError(t, f.drones.SetStatus(ctx, d1.ID, types.DroneOffline))

	n, err := f.engine.ReassignFailedSubTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got = f.subTask(t, s1.ID)
	assert.Equal(t, types.TaskPending, got.Status)
	assert.Equal(t, 1, got.ReassignmentCount)
	assert.Empty(t, got.AssignedDroneID)
	assert.Nil(t, got.AssignedTime)
	assert.False(t, f.drone(t, d1.ID).Carrying(s1.ID))
}

func TestAssignedDroneSetOnlyWhileInProgress(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.seedDrone(t, "D1", types.DroneIdle)
	task := f.seedTask(t, "a")
	id := task.SubTasks[0].ID

	check := func() {
		sub := f.subTask(t, id)
		if sub.Status == types.TaskInProgress {
			assert.NotEmpty(t, sub.AssignedDroneID)
		} else {
			assert.Empty(t, sub.AssignedDroneID)
		}
	}

	check()
	require.NoError(t, f.engine.Assign(ctx, id, "D1"))
	check()
	require.NoError(t, f.engine.Unload(ctx, id))
	check()
	require.NoError(t, f.engine.Reload(ctx, id, "D1"))
	check()
	require.NoError(t, f.engine.Fail(ctx, id))
	check()
	require.NoError(t, f.engine.Assign(ctx, id, "D1"))
	check()
	require.NoError(t, f.engine.CompleteSubTask(ctx, task.ID, "a"))
	check()
}

func TestReassignmentCountIsMonotone(t *testing.T) {
	f := newFixture(t, Config{ReassignCeiling: 10})
	ctx := context.Background()
	f.seedDrone(t, "D1", types.DroneIdle)
	task := f.seedTask(t, "a")
	id := task.SubTasks[0].ID

	last := 0
	step := func() {
		count := f.subTask(t, id).ReassignmentCount
		assert.GreaterOrEqual(t, count, last)
		last = count
	}

	require.NoError(t, f.engine.Assign(ctx, id, "D1"))
	step()
	require.NoError(t, f.engine.Unload(ctx, id))
	step()
	assert.Equal(t, 0, last, "unload does not count as a failure")
	require.NoError(t, f.engine.Reload(ctx, id, "D1"))
	step()
	assert.Equal(t, 0, last, "reload does not count as a failure")
	require.NoError(t, f.engine.Fail(ctx, id))
	step()
	assert.Equal(t, 1, last)
	require.NoError(t, f.engine.Assign(ctx, id, "D1"))
	require.NoError(t, f.engine.Fail(ctx, id))
	step()
	assert.Equal(t, 2, last)
}

func TestReloadInProgressSameDroneIsConflict(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.seedDrone(t, "D1", types.DroneIdle)
	task := f.seedTask(t, "a")
	id := task.SubTasks[0].ID

	require.NoError(t, f.engine.Assign(ctx, id, "D1"))
	before := f.subTask(t, id)

	err := f.engine.Reload(ctx, id, "D1")
	assert.True(t, errors.Is(err, fault.ErrConflict))

	after := f.subTask(t, id)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.ReassignmentCount, after.ReassignmentCount)
	assert.Equal(t, before.AssignedDroneID, after.AssignedDroneID)
}

func TestAssignRejectsIneligibleDroneAndNonPendingSubTask(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.seedDrone(t, "down", types.DroneOffline)
	f.seedDrone(t, "broken", types.DroneError)
	f.seedDrone(t, "ok", types.DroneIdle)
	task := f.seedTask(t, "a")
	id := task.SubTasks[0].ID

	assert.True(t, errors.Is(f.engine.Assign(ctx, id, "down"), fault.ErrConflict))
	assert.True(t, errors.Is(f.engine.Assign(ctx, id, "broken"), fault.ErrConflict))
	assert.True(t, errors.Is(f.engine.Assign(ctx, id, "missing"), fault.ErrConflict))

	require.NoError(t, f.engine.Assign(ctx, id, "ok"))
	assert.True(t, errors.Is(f.engine.Assign(ctx, id, "ok"), fault.ErrConflict))
}

func TestFailAtCeilingMarksFailedAndPropagates(t *testing.T) {
	f := newFixture(t, Config{ReassignCeiling: 2})
	ctx := context.Background()
	f.seedDrone(t, "D1", types.DroneIdle)
	task := f.seedTask(t, "a")
	id := task.SubTasks[0].ID

	require.NoError(t, f.engine.Assign(ctx, id, "D1"))
	require.NoError(t, f.engine.Fail(ctx, id))
	assert.Equal(t, types.TaskPending, f.subTask(t, id).Status)

	require.NoError(t, f.engine.Assign(ctx, id, "D1"))
	require.NoError(t, f.engine.Fail(ctx, id))

	sub := f.subTask(t, id)
	assert.Equal(t, types.TaskFailed, sub.Status)
	assert.Equal(t, 2, sub.ReassignmentCount)

	parent, err := f.tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, parent.Status)
	assert.False(t, f.drone(t, "id-D1").Carrying(id))
}

func TestFailedPropagatesOnlyWhenAllTerminal(t *testing.T) {
	f := newFixture(t, Config{ReassignCeiling: 1})
	ctx := context.Background()
	f.seedDrone(t, "D1", types.DroneIdle)
	task := f.seedTask(t, "a", "b")

	require.NoError(t, f.engine.Assign(ctx, task.SubTasks[0].ID, "D1"))
	require.NoError(t, f.engine.Fail(ctx, task.SubTasks[0].ID))
	assert.Equal(t, types.TaskFailed, f.subTask(t, task.SubTasks[0].ID).Status)

	parent, err := f.tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, parent.Status, "sibling is still pending")

	require.NoError(t, f.engine.Cancel(ctx, task.SubTasks[1].ID))
	parent, err = f.tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, parent.Status)
}

func TestCompleteSubTaskAggregatesParentStatus(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.seedDrone(t, "D1", types.DroneIdle)
	task := f.seedTask(t, "a", "b", "c")

	require.NoError(t, f.engine.Cancel(ctx, task.SubTasks[2].ID))

	for _, desc := range []string{"a", "b"} {
		sub := task.SubTasks[0]
		if desc == "b" {
			sub = task.SubTasks[1]
		}
		require.NoError(t, f.engine.Assign(ctx, sub.ID, "D1"))

		parent, err := f.tasks.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.NotEqual(t, types.TaskCompleted, parent.Status)

		require.NoError(t, f.engine.CompleteSubTask(ctx, task.ID, desc))
	}

	parent, err := f.tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, parent.Status)
	require.NotNil(t, parent.CompletedTime)
	assert.Equal(t, f.clk.Now(), *parent.CompletedTime)
}

func TestCompleteSubTaskRejectsDuplicateDescriptions(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.seedDrone(t, "D1", types.DroneIdle)
	task := f.seedTask(t, "photo pass", "photo pass")

	require.NoError(t, f.engine.Assign(ctx, task.SubTasks[0].ID, "D1"))

	err := f.engine.CompleteSubTask(ctx, task.ID, "photo pass")
	require.True(t, errors.Is(err, fault.ErrConflict))
	assert.Contains(t, err.Error(), task.SubTasks[0].ID)
	assert.Contains(t, err.Error(), task.SubTasks[1].ID)

	assert.Equal(t, types.TaskInProgress, f.subTask(t, task.SubTasks[0].ID).Status)
}

func TestReassignSweepPicksUpExpiredAssignments(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.seedDrone(t, "D1", types.DroneIdle)
	task := f.seedTask(t, "stale", "fresh")

	require.NoError(t, f.engine.Assign(ctx, task.SubTasks[0].ID, "D1"))
	f.clk.Advance(25 * time.Minute)
	require.NoError(t, f.engine.Assign(ctx, task.SubTasks[1].ID, "D1"))
	f.clk.Advance(10 * time.Minute)

	n, err := f.engine.ReassignFailedSubTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, types.TaskPending, f.subTask(t, task.SubTasks[0].ID).Status)
	assert.Equal(t, types.TaskInProgress, f.subTask(t, task.SubTasks[1].ID).Status)
}

func TestReassignSweepHandlesVanishedDrone(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.seedDrone(t, "D1", types.DroneIdle)
	task := f.seedTask(t, "a")
	id := task.SubTasks[0].ID

	require.NoError(t, f.engine.Assign(ctx, id, "D1"))

	// Point the sub-task at a drone record that no longer exists.
	sub := f.subTask(t, id)
	sub.AssignedDroneID = "gone"
	require.NoError(t, f.tasks.UpdateSubTask(ctx, sub))

	n, err := f.engine.ReassignFailedSubTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, types.TaskPending, f.subTask(t, id).Status)
}

func TestCleanupDeletesOnlyOldTerminalTasks(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.seedDrone(t, "D1", types.DroneIdle)

	oldDone := f.seedTask(t, "a")
	require.NoError(t, f.engine.Assign(ctx, oldDone.SubTasks[0].ID, "D1"))
	require.NoError(t, f.engine.CompleteSubTask(ctx, oldDone.ID, "a"))

	oldCancelled := f.seedTask(t, "b")
	require.NoError(t, f.engine.Cancel(ctx, oldCancelled.SubTasks[0].ID))

	f.clk.Advance(48 * time.Hour)

	active := f.seedTask(t, "c")
	require.NoError(t, f.engine.Assign(ctx, active.SubTasks[0].ID, "D1"))

	recentDone := f.seedTask(t, "d")
	require.NoError(t, f.engine.Assign(ctx, recentDone.SubTasks[0].ID, "D1"))
	require.NoError(t, f.engine.CompleteSubTask(ctx, recentDone.ID, "d"))

	n, err := f.engine.CleanupOldCompletedTasks(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = f.tasks.Get(ctx, oldDone.ID)
	assert.True(t, errors.Is(err, fault.ErrConflict))
	_, err = f.tasks.Get(ctx, oldCancelled.ID)
	assert.True(t, errors.Is(err, fault.ErrConflict))
	_, err = f.tasks.Get(ctx, active.ID)
	assert.NoError(t, err)
	_, err = f.tasks.Get(ctx, recentDone.ID)
	assert.NoError(t, err)
}

func TestDroneReturnsToIdleWhenLastSubTaskReleased(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	d := f.seedDrone(t, "D1", types.DroneIdle)
	task := f.seedTask(t, "a", "b")

	require.NoError(t, f.engine.Assign(ctx, task.SubTasks[0].ID, "D1"))
	require.NoError(t, f.engine.Assign(ctx, task.SubTasks[1].ID, "D1"))
	assert.Equal(t, types.DroneActive, f.drone(t, d.ID).Status)

	require.NoError(t, f.engine.CompleteSubTask(ctx, task.ID, "a"))
	assert.Equal(t, types.DroneActive, f.drone(t, d.ID).Status)

	require.NoError(t, f.engine.CompleteSubTask(ctx, task.ID, "b"))
	assert.Equal(t, types.DroneIdle, f.drone(t, d.ID).Status)
}

type fakeNodeClient struct {
	started int
	source  string
	job     string
}

func (f *fakeNodeClient) StartAll(ctx context.Context, count int) (string, error) {
	f.started = count
	return "ok", nil
}

func (f *fakeNodeClient) CreateTasks(ctx context.Context, sourcePath, jobName string) (string, error) {
	f.source = sourcePath
	f.job = jobName
	return "ok", nil
}

func TestDispatchMainTaskCountsPendingWork(t *testing.T) {
	f := newFixture(t, Config{})
	nc := &fakeNodeClient{}
	f.engine.nodes = nc
	ctx := context.Background()
	f.seedDrone(t, "D1", types.DroneIdle)
	task := f.seedTask(t, "a", "b", "c")

	require.NoError(t, f.engine.Assign(ctx, task.SubTasks[0].ID, "D1"))

	require.NoError(t, f.engine.DispatchMainTask(ctx, task.ID, "/missions/bridge.json"))
	assert.Equal(t, 2, nc.started, "only pending sub-tasks count")
	assert.Equal(t, "/missions/bridge.json", nc.source)
	assert.Equal(t, "mission", nc.job)
}

func TestDispatchMainTaskWithNothingPendingIsConflict(t *testing.T) {
	f := newFixture(t, Config{})
	f.engine.nodes = &fakeNodeClient{}
	ctx := context.Background()
	task := f.seedTask(t, "a")
	require.NoError(t, f.engine.Cancel(ctx, task.SubTasks[0].ID))

	err := f.engine.DispatchMainTask(ctx, task.ID, "/missions/a.json")
	assert.True(t, errors.Is(err, fault.ErrConflict))
}

func TestCancelBeforeAssignmentNeedsNoDrone(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	task := f.seedTask(t, "a")

	require.NoError(t, f.engine.Cancel(ctx, task.SubTasks[0].ID))
	assert.Equal(t, types.TaskCancelled, f.subTask(t, task.SubTasks[0].ID).Status)

	parent, err := f.tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCancelled, parent.Status)

	err = f.engine.Cancel(ctx, task.SubTasks[0].ID)
	assert.True(t, errors.Is(err, fault.ErrConflict))
}
