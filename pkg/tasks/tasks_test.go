package tasks

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

func newTestService(t *testing.T, opts ...Option) (*Service, *store.Memory, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC))
	mem := store.NewMemory()
	gw := gateway.New(cache.NewMemory(clk), gateway.Config{}, nil, gateway.WithClock(clk))
	opts = append([]Option{WithClock(clk)}, opts...)
	return New(mem, gw, nil, opts...), mem, clk
}

func TestCreateBuildsPendingGraph(t *testing.T) {
	s, _, clk := newTestService(t)
	ctx := context.Background()

	task, err := s.Create(ctx, "survey bridge", []string{"north span", "south span"})
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, task.Status)
	assert.Equal(t, clk.Now(), task.CreatedTime)
	require.Len(t, task.SubTasks, 2)

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, got.SubTasks, 2)
	assert.Equal(t, "north span", got.SubTasks[0].Description)
	assert.Equal(t, "south span", got.SubTasks[1].Description)
	for _, sub := range got.SubTasks {
		assert.Equal(t, types.TaskPending, sub.Status)
		assert.Equal(t, task.ID, sub.MainTaskID)
		assert.Empty(t, sub.AssignedDroneID)
	}
}

func TestCreateRejectsEmptyDescriptions(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "", nil)
	assert.True(t, errors.Is(err, fault.ErrValidation))

	_, err = s.Create(ctx, "survey", []string{"ok", ""})
	assert.True(t, errors.Is(err, fault.ErrValidation))
}

func TestWriteInvalidatesCachedList(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "first", nil)
	require.NoError(t, err)

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	_, err = s.Create(ctx, "second", nil)
	require.NoError(t, err)

	all, err = s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestGetServesFromCacheWithinTTL(t *testing.T) {
	s, mem, _ := newTestService(t)
	ctx := context.Background()

	task, err := s.Create(ctx, "survey", nil)
	require.NoError(t, err)

	first, err := s.Get(ctx, task.ID)
	require.NoError(t, err)

	// Mutate the store behind the service's back; the cached copy
	// should still be served inside the TTL window.
	behind, err := mem.GetMainTask(ctx, task.ID)
	require.NoError(t, err)
	behind.Description = "changed"
	require.NoError(t, mem.UpdateMainTask(ctx, behind))

	again, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Description, again.Description)
}

func TestDeleteCascades(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()

	task, err := s.Create(ctx, "survey", []string{"span"})
	require.NoError(t, err)
	sub := task.SubTasks[0]
	_, err = s.AppendImage(ctx, sub.ID, "/captures/span-001.jpg")
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, task.ID))

	_, err = s.Get(ctx, task.ID)
	assert.True(t, errors.Is(err, fault.ErrConflict))
	_, err = s.GetSubTask(ctx, sub.ID)
	assert.True(t, errors.Is(err, fault.ErrConflict))
}

func TestDeleteSubTaskChecksParent(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()

	task, err := s.Create(ctx, "survey", []string{"span"})
	require.NoError(t, err)

	err = s.DeleteSubTask(ctx, "not-the-parent", task.SubTasks[0].ID)
	assert.True(t, errors.Is(err, fault.ErrConflict))

	require.NoError(t, s.DeleteSubTask(ctx, task.ID, task.SubTasks[0].ID))
}

func TestBatchUpdateStatusSkipsUnknownIDs(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()

	task, err := s.Create(ctx, "survey", []string{"a", "b"})
	require.NoError(t, err)

	ids := []string{task.SubTasks[0].ID, "no-such-sub", task.SubTasks[1].ID}
	n, err := s.BatchUpdateStatus(ctx, ids, types.TaskCancelled, "operator abort")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	cancelled, err := s.ByStatus(ctx, types.TaskCancelled)
	require.NoError(t, err)
	assert.Len(t, cancelled, 2)
}

func TestBatchUpdateStatusRequiresReason(t *testing.T) {
	s, _, _ := newTestService(t)

	_, err := s.BatchUpdateStatus(context.Background(), []string{"x"}, types.TaskCancelled, "")
	assert.True(t, errors.Is(err, fault.ErrValidation))
}

func TestExpiredUsesClockCutoff(t *testing.T) {
	s, mem, clk := newTestService(t, WithExpiry(10*time.Minute))
	ctx := context.Background()

	task, err := s.Create(ctx, "survey", []string{"stale", "fresh"})
	require.NoError(t, err)

	start := clk.Now()
	for i, sub := range task.SubTasks {
		sub.Status = types.TaskInProgress
		sub.AssignedDroneID = "drone-1"
		at := start
		if i == 1 {
			at = start.Add(9 * time.Minute)
		}
		sub.AssignedTime = &at
		require.NoError(t, mem.UpdateSubTask(ctx, sub))
	}
	clk.Advance(11 * time.Minute)

	expired, err := s.Expired(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "stale", expired[0].Description)
}

func TestCompletedBetween(t *testing.T) {
	s, mem, clk := newTestService(t)
	ctx := context.Background()

	task, err := s.Create(ctx, "survey", nil)
	require.NoError(t, err)

	done := clk.Now().Add(time.Hour)
	task.Status = types.TaskCompleted
	task.CompletedTime = &done
	require.NoError(t, mem.UpdateMainTask(ctx, task))
	s.invalidate()

	in, err := s.CompletedBetween(ctx, done.Add(-time.Minute), done.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, in, 1)

	out, err := s.CompletedBetween(ctx, done.Add(time.Minute), done.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestCompletionStats(t *testing.T) {
	s, mem, clk := newTestService(t)
	ctx := context.Background()
	start := clk.Now()

	finish := func(age time.Duration) {
		task, err := s.Create(ctx, "survey", nil)
		require.NoError(t, err)
		done := start.Add(age)
		task.Status = types.TaskCompleted
		task.CompletedTime = &done
		require.NoError(t, mem.UpdateMainTask(ctx, task))
	}
	finish(10 * time.Minute)
	finish(30 * time.Minute)
	s.invalidate()

	report, err := s.CompletionStats(ctx, start, start.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Completed)
	assert.Equal(t, 20*time.Minute, report.AverageDuration)
	assert.Equal(t, 30*time.Minute, report.LongestDuration)
}

func TestStatusCounts(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()

	task, err := s.Create(ctx, "survey", []string{"a", "b", "c"})
	require.NoError(t, err)
	_, err = s.BatchUpdateStatus(ctx, []string{task.SubTasks[0].ID}, types.TaskCancelled, "abort")
	require.NoError(t, err)

	counts, err := s.StatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[types.TaskPending])
	assert.Equal(t, 1, counts[types.TaskCancelled])
	assert.Equal(t, 0, counts[types.TaskInProgress])
}

func TestCreatePublishesEvent(t *testing.T) {
	b := notify.NewBroadcaster(nil)
	events, cancel := b.Subscribe(4)
	defer cancel()

	s, _, _ := newTestService(t, WithNotifier(b))
	task, err := s.Create(context.Background(), "survey", nil)
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, notify.EntityMainTask, ev.Entity)
		assert.Equal(t, notify.ActionCreated, ev.Action)
		assert.Equal(t, task.ID, ev.ID)
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}
