// Package engine owns the sub-task assignment state machine: which
// drone carries which sub-task, unload/reload, failure-driven
// reassignment, and expiry sweeps.
package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"dronemesh/internal/clock"
	"dronemesh/pkg/fault"
	"dronemesh/pkg/notify"
	"dronemesh/pkg/registry"
	"dronemesh/pkg/tasks"
	"dronemesh/pkg/types"
)

// DefaultReassignCeiling is how many reassignments a sub-task survives
// before it is declared Failed.
const DefaultReassignCeiling = 3

// Config carries the engine's tunables.
type Config struct {
	// ReassignCeiling caps ReassignmentCount; at the ceiling a
	// sub-task transitions to Failed instead of back to Pending.
	ReassignCeiling int
}

func (c Config) withDefaults() Config {
	if c.ReassignCeiling <= 0 {
		c.ReassignCeiling = DefaultReassignCeiling
	}
	return c
}

// Engine coordinates drones and sub-tasks. The registry and task
// service own their records; the engine keeps the AssignedDrone
// reference between them consistent.
type Engine struct {
	drones   *registry.Registry
	tasks    *tasks.Service
	nodes    NodeClient
	notifier notify.Notifier
	clk      clock.Clock
	logger   *slog.Logger
	cfg      Config
	locks    stripedMutex
}

// NodeClient is the slice of the node control client the engine uses
// for cluster dispatch.
type NodeClient interface {
	StartAll(ctx context.Context, count int) (string, error)
	CreateTasks(ctx context.Context, sourcePath, jobName string) (string, error)
}

// Option customizes an Engine.
type Option func(*Engine)

// WithNodeClient attaches a node cluster control client, enabling
// DispatchMainTask.
func WithNodeClient(nc NodeClient) Option {
	return func(e *Engine) { e.nodes = nc }
}

// WithClock substitutes the time source.
func WithClock(clk clock.Clock) Option {
	return func(e *Engine) { e.clk = clk }
}

// WithNotifier attaches a change-event publisher.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// New returns an Engine over the given registry and task service.
func New(drones *registry.Registry, svc *tasks.Service, cfg Config, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	e := &Engine{
		drones:   drones,
		tasks:    svc,
		notifier: notify.Discard,
		clk:      clock.Real(),
		logger:   logger.With("component", "engine"),
		cfg:      cfg.withDefaults(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Assign gives a Pending sub-task to the named drone.
func (e *Engine) Assign(ctx context.Context, subTaskID, droneName string) error {
	return e.assign(ctx, subTaskID, droneName, false)
}

// Reload re-assigns a previously unloaded sub-task. The transition is
// the same Pending to InProgress edge as Assign and does not touch
// ReassignmentCount; reloading a sub-task already in progress on the
// same drone is a conflict, not a double assignment.
func (e *Engine) Reload(ctx context.Context, subTaskID, droneName string) error {
	return e.assign(ctx, subTaskID, droneName, true)
}

func (e *Engine) assign(ctx context.Context, subTaskID, droneName string, reload bool) error {
	if subTaskID == "" {
		return fault.Validationf("engine: sub-task id is required")
	}
	if droneName == "" {
		return fault.Validationf("engine: drone name is required")
	}
	unlock := e.locks.lock(subTaskID)
	defer unlock()

	sub, err := e.tasks.GetSubTask(ctx, subTaskID)
	if err != nil {
		return err
	}
	drone, err := e.drones.GetByName(ctx, droneName)
	if err != nil {
		return err
	}
	if reload && sub.Status == types.TaskInProgress && sub.AssignedDroneID == drone.ID {
		return fault.Conflictf("engine: sub-task %s is already in progress on drone %s", sub.ID, droneName)
	}
	if sub.Status != types.TaskPending {
		return fault.Conflictf("engine: sub-task %s is %s, not pending", sub.ID, sub.Status)
	}
	if !drone.Status.Eligible() {
		return fault.Conflictf("engine: drone %s is %s and cannot accept work", droneName, drone.Status)
	}

	// Drone first, sub-task second. A crash between the two leaves a
	// drone claiming a Pending sub-task, which the reassignment sweep
	// treats as unassigned; the reverse order would leave an
	// InProgress sub-task no drone knows about.
	if err := e.attach(ctx, drone, sub.ID); err != nil {
		return err
	}
	now := e.clk.Now()
	sub.Status = types.TaskInProgress
	sub.AssignedDroneID = drone.ID
	sub.AssignedTime = &now
	sub.CompletedTime = nil
	if err := e.tasks.UpdateSubTask(ctx, sub); err != nil {
		if derr := e.detach(ctx, drone.ID, sub.ID); derr != nil {
			e.logger.Error("assignment rollback failed, drone holds a stale reference",
				"drone", drone.ID, "sub_task", sub.ID, "error", derr)
		}
		return err
	}
	e.notifier.Publish(notify.Event{Entity: notify.EntitySubTask, Action: notify.ActionAssigned, ID: sub.ID})
	e.logger.Info("sub-task assigned", "sub_task", sub.ID, "drone", droneName, "reload", reload)
	return nil
}

// Unload returns an InProgress sub-task to Pending, discarding the
// assignment without counting it as a failure.
func (e *Engine) Unload(ctx context.Context, subTaskID string) error {
	unlock := e.locks.lock(subTaskID)
	defer unlock()

	sub, err := e.tasks.GetSubTask(ctx, subTaskID)
	if err != nil {
		return err
	}
	if sub.Status != types.TaskInProgress {
		return fault.Conflictf("engine: sub-task %s is %s, not in progress", sub.ID, sub.Status)
	}
	return e.release(ctx, sub, types.TaskPending, false)
}

// Fail records a failed assignment: the sub-task returns to Pending
// with ReassignmentCount incremented and the drone reference cleared.
func (e *Engine) Fail(ctx context.Context, subTaskID string) error {
	unlock := e.locks.lock(subTaskID)
	defer unlock()

	sub, err := e.tasks.GetSubTask(ctx, subTaskID)
	if err != nil {
		return err
	}
	if sub.Status != types.TaskInProgress {
		return fault.Conflictf("engine: sub-task %s is %s, not in progress", sub.ID, sub.Status)
	}
	sub.ReassignmentCount++
	next := types.TaskPending
	if sub.ReassignmentCount >= e.cfg.ReassignCeiling {
		next = types.TaskFailed
	}
	if err := e.release(ctx, sub, next, false); err != nil {
		return err
	}
	if next == types.TaskFailed {
		return e.evaluateMainTask(ctx, sub.MainTaskID)
	}
	return nil
}

// Cancel moves any non-terminal sub-task to Cancelled and re-evaluates
// the parent's aggregate status.
func (e *Engine) Cancel(ctx context.Context, subTaskID string) error {
	unlock := e.locks.lock(subTaskID)
	defer unlock()

	sub, err := e.tasks.GetSubTask(ctx, subTaskID)
	if err != nil {
		return err
	}
	if sub.Status.Terminal() {
		return fault.Conflictf("engine: sub-task %s is already %s", sub.ID, sub.Status)
	}
	if err := e.release(ctx, sub, types.TaskCancelled, false); err != nil {
		return err
	}
	return e.evaluateMainTask(ctx, sub.MainTaskID)
}

// CompleteSubTask marks the sub-task matching description under
// mainTaskID as Completed. Lookup is by description; duplicate matches
// are reported as a conflict naming every candidate id rather than
// picking one.
func (e *Engine) CompleteSubTask(ctx context.Context, mainTaskID, description string) error {
	if mainTaskID == "" || description == "" {
		return fault.Validationf("engine: main task id and description are required")
	}
	task, err := e.tasks.Get(ctx, mainTaskID)
	if err != nil {
		return err
	}
	var matches []*types.SubTask
	for _, sub := range task.SubTasks {
		if sub.Description == description {
			matches = append(matches, sub)
		}
	}
	switch len(matches) {
	case 0:
		return fault.Conflictf("engine: no sub-task %q under task %s", description, mainTaskID)
	case 1:
	default:
		ids := make([]string, len(matches))
		for i, m := range matches {
			ids[i] = m.ID
		}
		sort.Strings(ids)
		return fault.Conflictf("engine: description %q is ambiguous under task %s, matches %s",
			description, mainTaskID, strings.Join(ids, ", "))
	}

	unlock := e.locks.lock(matches[0].ID)
	defer unlock()

	// Re-read under the lock; the cached parent graph may be stale.
	sub, err := e.tasks.GetSubTask(ctx, matches[0].ID)
	if err != nil {
		return err
	}
	if sub.Status != types.TaskInProgress {
		return fault.Conflictf("engine: sub-task %s is %s, not in progress", sub.ID, sub.Status)
	}
	if err := e.release(ctx, sub, types.TaskCompleted, true); err != nil {
		return err
	}
	e.notifier.Publish(notify.Event{Entity: notify.EntitySubTask, Action: notify.ActionCompleted, ID: sub.ID})
	return e.evaluateMainTask(ctx, mainTaskID)
}

// ReassignFailedSubTasks sweeps InProgress sub-tasks whose drone is
// Offline/Error or whose assignment has outlived the expiry timeout,
// and returns each to Pending with ReassignmentCount incremented.
// Sub-tasks at the reassignment ceiling go to Failed instead. Returns
// the number returned to Pending.
func (e *Engine) ReassignFailedSubTasks(ctx context.Context) (int, error) {
	expired, err := e.tasks.Expired(ctx)
	if err != nil {
		return 0, err
	}
	inProgress, err := e.tasks.ByStatus(ctx, types.TaskInProgress)
	if err != nil {
		return 0, err
	}

	candidates := make(map[string]struct{}, len(expired))
	for _, sub := range expired {
		candidates[sub.ID] = struct{}{}
	}
	for _, sub := range inProgress {
		if _, seen := candidates[sub.ID]; seen || sub.AssignedDroneID == "" {
			continue
		}
		drone, err := e.drones.Get(ctx, sub.AssignedDroneID)
		if err != nil {
			if fault.IsClientFault(err) {
				// Drone record is gone; the assignment is orphaned.
				candidates[sub.ID] = struct{}{}
				continue
			}
			return 0, err
		}
		if !drone.Status.Eligible() {
			candidates[sub.ID] = struct{}{}
		}
	}

	reassigned := 0
	for id := range candidates {
		requeued, err := e.reassignOne(ctx, id)
		if err != nil {
			return reassigned, err
		}
		if requeued {
			reassigned++
		}
	}
	if len(candidates) > 0 {
		e.logger.Info("reassignment sweep", "candidates", len(candidates), "requeued", reassigned)
	}
	return reassigned, nil
}

func (e *Engine) reassignOne(ctx context.Context, subTaskID string) (bool, error) {
	unlock := e.locks.lock(subTaskID)
	defer unlock()

	sub, err := e.tasks.GetSubTask(ctx, subTaskID)
	if err != nil {
		if fault.IsClientFault(err) {
			return false, nil
		}
		return false, err
	}
	if sub.Status != types.TaskInProgress {
		// Raced with a complete/cancel between the scan and the lock.
		return false, nil
	}
	sub.ReassignmentCount++
	next := types.TaskPending
	if sub.ReassignmentCount >= e.cfg.ReassignCeiling {
		next = types.TaskFailed
	}
	if err := e.release(ctx, sub, next, false); err != nil {
		return false, err
	}
	if next == types.TaskFailed {
		e.logger.Warn("sub-task exhausted its reassignment budget",
			"sub_task", sub.ID, "reassignments", sub.ReassignmentCount)
		if err := e.evaluateMainTask(ctx, sub.MainTaskID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// CleanupOldCompletedTasks deletes Completed/Cancelled MainTasks whose
// CompletedTime is older than maxAge. Pending and InProgress tasks are
// never touched regardless of age. Returns the number deleted.
func (e *Engine) CleanupOldCompletedTasks(ctx context.Context, maxAge time.Duration) (int, error) {
	all, err := e.tasks.List(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := e.clk.Now().Add(-maxAge)
	deleted := 0
	for _, task := range all {
		if task.Status != types.TaskCompleted && task.Status != types.TaskCancelled {
			continue
		}
		if task.CompletedTime == nil || !task.CompletedTime.Before(cutoff) {
			continue
		}
		if err := e.tasks.Delete(ctx, task.ID); err != nil {
			return deleted, err
		}
		deleted++
	}
	if deleted > 0 {
		e.logger.Info("cleaned up old tasks", "deleted", deleted, "max_age", maxAge)
	}
	return deleted, nil
}

// DispatchMainTask hands a MainTask's pending work to the node
// cluster backend: start one node per pending sub-task, then broadcast
// the batch under the task's description. Requires a node client.
func (e *Engine) DispatchMainTask(ctx context.Context, mainTaskID, sourcePath string) error {
	if e.nodes == nil {
		return fault.Validationf("engine: no node cluster client configured")
	}
	if sourcePath == "" {
		return fault.Validationf("engine: source path is required")
	}
	task, err := e.tasks.Get(ctx, mainTaskID)
	if err != nil {
		return err
	}
	pending := 0
	for _, sub := range task.SubTasks {
		if sub.Status == types.TaskPending {
			pending++
		}
	}
	if pending == 0 {
		return fault.Conflictf("engine: task %s has no pending sub-tasks to dispatch", mainTaskID)
	}
	if _, err := e.nodes.StartAll(ctx, pending); err != nil {
		return err
	}
	reply, err := e.nodes.CreateTasks(ctx, sourcePath, task.Description)
	if err != nil {
		return err
	}
	e.logger.Info("dispatched task to cluster",
		"task", mainTaskID, "pending", pending, "reply", reply)
	return nil
}

// release moves sub to next, clearing the drone reference on both
// sides. completed controls whether CompletedTime is stamped.
func (e *Engine) release(ctx context.Context, sub *types.SubTask, next types.TaskStatus, completed bool) error {
	droneID := sub.AssignedDroneID
	sub.Status = next
	sub.AssignedDroneID = ""
	sub.AssignedTime = nil
	if completed {
		now := e.clk.Now()
		sub.CompletedTime = &now
	}
	if err := e.tasks.UpdateSubTask(ctx, sub); err != nil {
		return err
	}
	if droneID != "" {
		if err := e.detach(ctx, droneID, sub.ID); err != nil {
			e.logger.Error("failed to clear drone reference", "drone", droneID, "sub_task", sub.ID, "error", err)
		}
	}
	return nil
}

func (e *Engine) attach(ctx context.Context, drone *types.Drone, subTaskID string) error {
	if drone.Carrying(subTaskID) {
		return nil
	}
	drone.AssignedSubTaskIDs = append(drone.AssignedSubTaskIDs, subTaskID)
	if drone.Status == types.DroneIdle {
		drone.Status = types.DroneActive
	}
	return e.drones.Upsert(ctx, drone)
}

func (e *Engine) detach(ctx context.Context, droneID, subTaskID string) error {
	drone, err := e.drones.Get(ctx, droneID)
	if err != nil {
		if fault.IsClientFault(err) {
			return nil
		}
		return err
	}
	if !drone.Carrying(subTaskID) {
		return nil
	}
	drone.DropSubTask(subTaskID)
	if len(drone.AssignedSubTaskIDs) == 0 && drone.Status == types.DroneActive {
		drone.Status = types.DroneIdle
	}
	return e.drones.Upsert(ctx, drone)
}

// evaluateMainTask derives the parent's aggregate status from its
// sub-tasks: Completed when every non-Cancelled sub-task is Completed,
// Failed when all are terminal and any Failed, Cancelled when every
// sub-task was cancelled.
func (e *Engine) evaluateMainTask(ctx context.Context, mainTaskID string) error {
	task, err := e.tasks.Get(ctx, mainTaskID)
	if err != nil {
		return err
	}
	next := aggregateStatus(task.SubTasks)
	if next == task.Status || next == "" {
		return nil
	}
	task.Status = next
	if next.Terminal() && task.CompletedTime == nil {
		now := e.clk.Now()
		task.CompletedTime = &now
	}
	if err := e.tasks.Update(ctx, task); err != nil {
		return fmt.Errorf("engine: updating task %s to %s: %w", task.ID, next, err)
	}
	e.notifier.Publish(notify.Event{Entity: notify.EntityMainTask, Action: notify.ActionUpdated, ID: task.ID})
	return nil
}

func aggregateStatus(subs []*types.SubTask) types.TaskStatus {
	if len(subs) == 0 {
		return ""
	}
	allTerminal := true
	anyFailed := false
	allCancelled := true
	allDone := true
	for _, sub := range subs {
		if !sub.Status.Terminal() {
			allTerminal = false
		}
		if sub.Status == types.TaskFailed {
			anyFailed = true
		}
		if sub.Status != types.TaskCancelled {
			allCancelled = false
			if sub.Status != types.TaskCompleted {
				allDone = false
			}
		}
	}
	switch {
	case allTerminal && anyFailed:
		return types.TaskFailed
	case allCancelled:
		return types.TaskCancelled
	case allDone:
		return types.TaskCompleted
	default:
		return ""
	}
}
