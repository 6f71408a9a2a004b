// Package tasks manages the MainTask/SubTask graph: CRUD, batch
// status updates with an audit reason, and the status/expiry queries
// the assignment engine sweeps over.
package tasks

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
	// DefaultTTL for cached task reads. Single-task fetches carry the
	// whole sub-task/image graph, so the cache saves real work for
	// dashboard-style polling.
	DefaultTTL = 5 * time.Minute

	// DefaultExpiry is how long a sub-task may sit InProgress before
	// the expired query reports it.
	DefaultExpiry = 30 * time.Minute

	keyPrefix = "task:"
	keyAll    = keyPrefix + "all"
	keyByID   = keyPrefix + "id:"
)

// Service wraps the task slice of the persistence port behind the
// data gateway.
type Service struct {
	store    store.Store
	gw       *gateway.Gateway
	notifier notify.Notifier
	clk      clock.Clock
	logger   *slog.Logger
	ttl      time.Duration
	expiry   time.Duration
}

// Option customizes a Service.
type Option func(*Service)

// WithTTL overrides the cached-read TTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) { s.ttl = ttl }
}

// WithExpiry overrides the InProgress staleness timeout.
func WithExpiry(d time.Duration) Option {
	return func(s *Service) { s.expiry = d }
}

// WithClock substitutes the time source.
func WithClock(clk clock.Clock) Option {
	return func(s *Service) { s.clk = clk }
}

// WithNotifier attaches a change-event publisher.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// New returns a task Service over st, routing store access through gw.
func New(st store.Store, gw *gateway.Gateway, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Service{
		store:    st,
		gw:       gw,
		notifier: notify.Discard,
		clk:      clock.Real(),
		logger:   logger.With("component", "tasks"),
		ttl:      DefaultTTL,
		expiry:   DefaultExpiry,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create builds a Pending MainTask with one Pending sub-task per
// description and persists the whole graph.
func (s *Service) Create(ctx context.Context, description string, subDescriptions []string) (*types.MainTask, error) {
	if description == "" {
		return nil, fault.Validationf("tasks: main task description is required")
	}
	now := s.clk.Now()
	task := &types.MainTask{
		ID:          uuid.NewString(),
		Description: description,
		Status:      types.TaskPending,
		CreatedTime: now,
	}
	for i, sd := range subDescriptions {
		if sd == "" {
			return nil, fault.Validationf("tasks: sub-task description %d is empty", i)
		}
		task.SubTasks = append(task.SubTasks, &types.SubTask{
			ID:          uuid.NewString(),
			MainTaskID:  task.ID,
			Description: sd,
			Status:      types.TaskPending,
			// Preserve the caller's ordering under a creation-time sort.
			CreatedTime: now.Add(time.Duration(i) * time.Microsecond),
		})
	}
	_, err := gateway.Do(ctx, s.gw, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.store.CreateMainTask(ctx, task)
	})
	if err != nil {
		return nil, err
	}
	s.invalidate()
	s.notifier.Publish(notify.Event{Entity: notify.EntityMainTask, Action: notify.ActionCreated, ID: task.ID})
	return task, nil
}

// Get returns a MainTask with its sub-tasks and images eagerly loaded.
func (s *Service) Get(ctx context.Context, id string) (*types.MainTask, error) {
	if id == "" {
		return nil, fault.Validationf("tasks: main task id is required")
	}
	return gateway.Cached(ctx, s.gw, keyByID+id, s.ttl, func(ctx context.Context) (*types.MainTask, error) {
		return s.store.GetMainTask(ctx, id)
	})
}

// List returns every MainTask with its full graph.
func (s *Service) List(ctx context.Context) ([]*types.MainTask, error) {
	return gateway.Cached(ctx, s.gw, keyAll, s.ttl, func(ctx context.Context) ([]*types.MainTask, error) {
		return s.store.ListMainTasks(ctx)
	})
}

// Update persists changed MainTask fields (description, status,
// completion time). Sub-tasks are managed through their own calls.
func (s *Service) Update(ctx context.Context, task *types.MainTask) error {
	if task == nil || task.ID == "" {
		return fault.Validationf("tasks: main task id is required")
	}
	if !task.Status.Valid() {
		return fault.Validationf("tasks: unknown task status %q", task.Status)
	}
	_, err := gateway.Do(ctx, s.gw, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.store.UpdateMainTask(ctx, task)
	})
	if err != nil {
		return err
	}
	s.invalidate()
	s.notifier.Publish(notify.Event{Entity: notify.EntityMainTask, Action: notify.ActionUpdated, ID: task.ID})
	return nil
}

// Delete removes a MainTask; sub-tasks and images go with it.
func (s *Service) Delete(ctx context.Context, id string) error {
	if id == "" {
		return fault.Validationf("tasks: main task id is required")
	}
	_, err := gateway.Do(ctx, s.gw, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.store.DeleteMainTask(ctx, id)
	})
	if err != nil {
		return err
	}
	s.invalidate()
	s.notifier.Publish(notify.Event{Entity: notify.EntityMainTask, Action: notify.ActionDeleted, ID: id})
	return nil
}

// AddSubTask appends a new Pending sub-task to an existing MainTask.
func (s *Service) AddSubTask(ctx context.Context, mainTaskID, description string) (*types.SubTask, error) {
	if mainTaskID == "" {
		return nil, fault.Validationf("tasks: main task id is required")
	}
	if description == "" {
		return nil, fault.Validationf("tasks: sub-task description is required")
	}
	sub := &types.SubTask{
		ID:          uuid.NewString(),
		MainTaskID:  mainTaskID,
		Description: description,
		Status:      types.TaskPending,
		CreatedTime: s.clk.Now(),
	}
	_, err := gateway.Do(ctx, s.gw, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.store.CreateSubTask(ctx, sub)
	})
	if err != nil {
		return nil, err
	}
	s.invalidate()
	s.notifier.Publish(notify.Event{Entity: notify.EntitySubTask, Action: notify.ActionCreated, ID: sub.ID})
	return sub, nil
}

// GetSubTask returns a sub-task with its images.
func (s *Service) GetSubTask(ctx context.Context, id string) (*types.SubTask, error) {
	if id == "" {
		return nil, fault.Validationf("tasks: sub-task id is required")
	}
	return gateway.Do(ctx, s.gw, func(ctx context.Context) (*types.SubTask, error) {
		return s.store.GetSubTask(ctx, id)
	})
}

// UpdateSubTask persists a sub-task. Used by the assignment engine;
// the engine owns the state machine, so only basic field validation
// happens here.
func (s *Service) UpdateSubTask(ctx context.Context, sub *types.SubTask) error {
	if sub == nil || sub.ID == "" {
		return fault.Validationf("tasks: sub-task id is required")
	}
	if !sub.Status.Valid() {
		return fault.Validationf("tasks: unknown task status %q", sub.Status)
	}
	_, err := gateway.Do(ctx, s.gw, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.store.UpdateSubTask(ctx, sub)
	})
	if err != nil {
		return err
	}
	s.invalidate()
	s.notifier.Publish(notify.Event{Entity: notify.EntitySubTask, Action: notify.ActionUpdated, ID: sub.ID})
	return nil
}

// DeleteSubTask removes a sub-task scoped to its parent; a mismatched
// parent id is a conflict.
func (s *Service) DeleteSubTask(ctx context.Context, mainTaskID, subTaskID string) error {
	if mainTaskID == "" || subTaskID == "" {
		return fault.Validationf("tasks: main task and sub-task ids are required")
	}
	_, err := gateway.Do(ctx, s.gw, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.store.DeleteSubTask(ctx, mainTaskID, subTaskID)
	})
	if err != nil {
		return err
	}
	s.invalidate()
	s.notifier.Publish(notify.Event{Entity: notify.EntitySubTask, Action: notify.ActionDeleted, ID: subTaskID})
	return nil
}

// AppendImage records a capture against a sub-task.
func (s *Service) AppendImage(ctx context.Context, subTaskID, path string) (*types.SubTaskImage, error) {
	if subTaskID == "" || path == "" {
		return nil, fault.Validationf("tasks: sub-task id and image path are required")
	}
	img := &types.SubTaskImage{
		ID:         uuid.NewString(),
		SubTaskID:  subTaskID,
		Path:       path,
		CapturedAt: s.clk.Now(),
	}
	_, err := gateway.Do(ctx, s.gw, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.store.AppendImage(ctx, img)
	})
	if err != nil {
		return nil, err
	}
	s.invalidate()
	return img, nil
}

// BatchUpdateStatus moves the listed sub-tasks to status and records
// reason in the audit trail. Returns the number actually updated.
func (s *Service) BatchUpdateStatus(ctx context.Context, ids []string, status types.TaskStatus, reason string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	if !status.Valid() {
		return 0, fault.Validationf("tasks: unknown task status %q", status)
	}
	if reason == "" {
		return 0, fault.Validationf("tasks: a batch update needs an audit reason")
	}
	n, err := gateway.Do(ctx, s.gw, func(ctx context.Context) (int, error) {
		return s.store.BatchUpdateSubTaskStatus(ctx, ids, status, reason)
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.invalidate()
		s.logger.Info("batch status update", "updated", n, "status", status, "reason", reason)
	}
	return n, nil
}

// ByStatus returns sub-tasks in the given status.
func (s *Service) ByStatus(ctx context.Context, status types.TaskStatus) ([]*types.SubTask, error) {
	if !status.Valid() {
		return nil, fault.Validationf("tasks: unknown task status %q", status)
	}
	return gateway.Do(ctx, s.gw, func(ctx context.Context) ([]*types.SubTask, error) {
		return s.store.SubTasksByStatus(ctx, status)
	})
}

// ByDrone returns sub-tasks assigned to droneID.
func (s *Service) ByDrone(ctx context.Context, droneID string) ([]*types.SubTask, error) {
	if droneID == "" {
		return nil, fault.Validationf("tasks: drone id is required")
	}
	return gateway.Do(ctx, s.gw, func(ctx context.Context) ([]*types.SubTask, error) {
		return s.store.SubTasksByDrone(ctx, droneID)
	})
}

// Expired returns InProgress sub-tasks older than the expiry timeout.
func (s *Service) Expired(ctx context.Context) ([]*types.SubTask, error) {
	cutoff := s.clk.Now().Add(-s.expiry)
	return gateway.Do(ctx, s.gw, func(ctx context.Context) ([]*types.SubTask, error) {
		return s.store.ExpiredSubTasks(ctx, cutoff)
	})
}

// Count returns the number of sub-tasks in status ("" counts all).
func (s *Service) Count(ctx context.Context, status types.TaskStatus) (int, error) {
	return gateway.Do(ctx, s.gw, func(ctx context.Context) (int, error) {
		return s.store.CountSubTasks(ctx, status)
	})
}

// CompletedBetween returns MainTasks completed within [from, to).
func (s *Service) CompletedBetween(ctx context.Context, from, to time.Time) ([]*types.MainTask, error) {
	return gateway.Do(ctx, s.gw, func(ctx context.Context) ([]*types.MainTask, error) {
		return s.store.MainTasksCompletedBetween(ctx, from, to)
	})
}

// CompletionReport aggregates MainTask completion latency over a time
// window.
type CompletionReport struct {
	Completed       int           `json:"completed"`
	AverageDuration time.Duration `json:"averageDuration"`
	LongestDuration time.Duration `json:"longestDuration"`
}

// CompletionStats reports how many MainTasks completed within
// [from, to) and how long they took from creation to completion.
func (s *Service) CompletionStats(ctx context.Context, from, to time.Time) (CompletionReport, error) {
	done, err := s.CompletedBetween(ctx, from, to)
	if err != nil {
		return CompletionReport{}, err
	}
	report := CompletionReport{Completed: len(done)}
	var total time.Duration
	for _, task := range done {
		d := task.CompletedTime.Sub(task.CreatedTime)
		total += d
		if d > report.LongestDuration {
			report.LongestDuration = d
		}
	}
	if report.Completed > 0 {
		report.AverageDuration = total / time.Duration(report.Completed)
	}
	return report, nil
}

// StatusCounts returns the number of sub-tasks per status.
func (s *Service) StatusCounts(ctx context.Context) (map[types.TaskStatus]int, error) {
	counts := make(map[types.TaskStatus]int, 5)
	for _, status := range []types.TaskStatus{
		types.TaskPending, types.TaskInProgress, types.TaskCompleted,
		types.TaskCancelled, types.TaskFailed,
	} {
		n, err := s.Count(ctx, status)
		if err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, nil
}

// IsHealthy probes the backing store.
func (s *Service) IsHealthy(ctx context.Context) bool {
	return s.store.Ping(ctx) == nil
}

func (s *Service) invalidate() {
	s.gw.Invalidate(keyPrefix)
}
