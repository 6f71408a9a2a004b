package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"dronemesh/pkg/fault"
	"dronemesh/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS drones (
	id                    TEXT PRIMARY KEY,
	name                  TEXT NOT NULL UNIQUE,
	status                TEXT NOT NULL,
	latitude              REAL NOT NULL DEFAULT 0,
	longitude             REAL NOT NULL DEFAULT 0,
	cpu_percent           REAL NOT NULL DEFAULT 0,
	memory_percent        REAL NOT NULL DEFAULT 0,
	bandwidth_kbps        REAL NOT NULL DEFAULT 0,
	assigned_sub_task_ids TEXT NOT NULL DEFAULT '[]',
	connection_ids        TEXT NOT NULL DEFAULT '[]',
	last_seen             INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS main_tasks (
	id             TEXT PRIMARY KEY,
	description    TEXT NOT NULL,
	status         TEXT NOT NULL,
	created_time   INTEGER NOT NULL,
	completed_time INTEGER
);

CREATE TABLE IF NOT EXISTS sub_tasks (
	id                 TEXT PRIMARY KEY,
	main_task_id       TEXT NOT NULL REFERENCES main_tasks(id) ON DELETE CASCADE,
	description        TEXT NOT NULL,
	status             TEXT NOT NULL,
	assigned_drone_id  TEXT,
	created_time       INTEGER NOT NULL,
	assigned_time      INTEGER,
	completed_time     INTEGER,
	reassignment_count INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_sub_tasks_main_task ON sub_tasks(main_task_id);
CREATE INDEX IF NOT EXISTS idx_sub_tasks_status ON sub_tasks(status);
CREATE INDEX IF NOT EXISTS idx_sub_tasks_drone ON sub_tasks(assigned_drone_id);

CREATE TABLE IF NOT EXISTS sub_task_images (
	id          TEXT PRIMARY KEY,
	sub_task_id TEXT NOT NULL REFERENCES sub_tasks(id) ON DELETE CASCADE,
	path        TEXT NOT NULL,
	captured_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_images_sub_task ON sub_task_images(sub_task_id);

CREATE TABLE IF NOT EXISTS drone_status_history (
	id             TEXT PRIMARY KEY,
	drone_id       TEXT NOT NULL,
	status         TEXT NOT NULL,
	cpu_percent    REAL NOT NULL DEFAULT 0,
	memory_percent REAL NOT NULL DEFAULT 0,
	bandwidth_kbps REAL NOT NULL DEFAULT 0,
	latitude       REAL NOT NULL DEFAULT 0,
	longitude      REAL NOT NULL DEFAULT 0,
	recorded_at    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_history_drone_time ON drone_status_history(drone_id, recorded_at);

CREATE TABLE IF NOT EXISTS sub_task_audit (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	sub_task_ids TEXT NOT NULL,
	status       TEXT NOT NULL,
	reason       TEXT NOT NULL,
	recorded_at  INTEGER NOT NULL
);
`

// SQLite is the durable Store implementation. Connections come from a
// fixed-size pool; the schema is created on first use of each
// connection. Cascade deletes (main task -> sub-tasks -> images) are
// enforced by the foreign keys, so callers get referential integrity
// from the persistence boundary rather than application loops.
type SQLite struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
}

// SQLiteConfig configures OpenSQLite. Path is required; ":memory:"
// works for tests if PoolSize is 1.
type SQLiteConfig struct {
	Path     string
	PoolSize int
	Logger   *slog.Logger
}

// OpenSQLite opens (creating if necessary) the database at cfg.Path.
func OpenSQLite(cfg SQLiteConfig) (*SQLite, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: Path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
		if poolSize < 4 {
			poolSize = 4
		}
	}
	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			pragmas := []string{
				"PRAGMA journal_mode=WAL",
				"PRAGMA synchronous=NORMAL",
				"PRAGMA busy_timeout=5000",
				"PRAGMA foreign_keys=ON",
			}
			for _, pragma := range pragmas {
				if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
					return fmt.Errorf("store: %s: %w", pragma, err)
				}
			}
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", cfg.Path, err)
	}
	logger.Info("sqlite store opened", "path", cfg.Path, "pool_size", poolSize)
	return &SQLite{pool: pool, logger: logger.With("component", "store")}, nil
}

func (s *SQLite) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	defer s.pool.Put(conn)
	return sqlitex.ExecuteTransient(conn, "SELECT COUNT(*) FROM drones", &sqlitex.ExecOptions{
		ResultFunc: func(*sqlite.Stmt) error { return nil },
	})
}

func (s *SQLite) ListDrones(ctx context.Context) ([]*types.Drone, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)
	var drones []*types.Drone
	err = sqlitex.Execute(conn, `SELECT id, name, status, latitude, longitude,
		cpu_percent, memory_percent, bandwidth_kbps,
		assigned_sub_task_ids, connection_ids, last_seen
		FROM drones ORDER BY name`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			d, err := scanDrone(stmt)
			if err != nil {
				return err
			}
			drones = append(drones, d)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: list drones: %w", err)
	}
	return drones, nil
}

func (s *SQLite) GetDrone(ctx context.Context, id string) (*types.Drone, error) {
	return s.getDroneBy(ctx, "id", id)
}

func (s *SQLite) GetDroneByName(ctx context.Context, name string) (*types.Drone, error) {
	return s.getDroneBy(ctx, "name", name)
}

func (s *SQLite) getDroneBy(ctx context.Context, column, value string) (*types.Drone, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)
	var drone *types.Drone
	query := fmt.Sprintf(`SELECT id, name, status, latitude, longitude,
		cpu_percent, memory_percent, bandwidth_kbps,
		assigned_sub_task_ids, connection_ids, last_seen
		FROM drones WHERE %s = ?`, column)
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{value},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			d, err := scanDrone(stmt)
			if err != nil {
				return err
			}
			drone = d
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: get drone by %s: %w", column, err)
	}
	if drone == nil {
		return nil, fault.Conflictf("drone with %s %q not found", column, value)
	}
	return drone, nil
}

func (s *SQLite) UpsertDrone(ctx context.Context, drone *types.Drone) error {
	return s.UpsertDrones(ctx, []*types.Drone{drone})
}

func (s *SQLite) UpsertDrones(ctx context.Context, drones []*types.Drone) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer endTransaction(&err)
	for _, d := range drones {
		assigned, jerr := json.Marshal(d.AssignedSubTaskIDs)
		if jerr != nil {
			return jerr
		}
		conns, jerr := json.Marshal(d.ConnectionIDs)
		if jerr != nil {
			return jerr
		}
		err = sqlitex.Execute(conn, `INSERT INTO drones
			(id, name, status, latitude, longitude, cpu_percent, memory_percent,
			 bandwidth_kbps, assigned_sub_task_ids, connection_ids, last_seen)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, status=excluded.status,
			latitude=excluded.latitude, longitude=excluded.longitude,
			cpu_percent=excluded.cpu_percent, memory_percent=excluded.memory_percent,
			bandwidth_kbps=excluded.bandwidth_kbps,
			assigned_sub_task_ids=excluded.assigned_sub_task_ids,
			connection_ids=excluded.connection_ids, last_seen=excluded.last_seen`,
			&sqlitex.ExecOptions{Args: []any{
				d.ID, d.Name, string(d.Status), d.Latitude, d.Longitude,
				d.CPUPercent, d.MemoryPercent, d.BandwidthKbps,
				string(assigned), string(conns), d.LastSeen.UnixNano(),
			}})
		if err != nil {
			err = fmt.Errorf("store: upsert drone %s: %w", d.ID, err)
			return err
		}
	}
	return nil
}

func (s *SQLite) DroneExists(ctx context.Context, id string) (bool, error) {
	n, err := s.countQuery(ctx, "SELECT COUNT(*) FROM drones WHERE id = ?", id)
	return n > 0, err
}

func (s *SQLite) CountDrones(ctx context.Context) (int, error) {
	return s.countQuery(ctx, "SELECT COUNT(*) FROM drones")
}

func (s *SQLite) AppendStatusRecords(ctx context.Context, records []*types.DroneStatusRecord) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer endTransaction(&err)
	for _, r := range records {
		err = sqlitex.Execute(conn, `INSERT INTO drone_status_history
			(id, drone_id, status, cpu_percent, memory_percent, bandwidth_kbps,
			 latitude, longitude, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				r.ID, r.DroneID, string(r.Status), r.CPUPercent, r.MemoryPercent,
				r.BandwidthKbps, r.Latitude, r.Longitude, r.RecordedAt.UnixNano(),
			}})
		if err != nil {
			err = fmt.Errorf("store: append status record: %w", err)
			return err
		}
	}
	return nil
}

func (s *SQLite) StatusRecords(ctx context.Context, droneID string, from, to time.Time) ([]*types.DroneStatusRecord, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)
	query := `SELECT id, drone_id, status, cpu_percent, memory_percent,
		bandwidth_kbps, latitude, longitude, recorded_at
		FROM drone_status_history
		WHERE recorded_at >= ? AND recorded_at < ?`
	args := []any{from.UnixNano(), to.UnixNano()}
	if droneID != "" {
		query += " AND drone_id = ?"
		args = append(args, droneID)
	}
	query += " ORDER BY recorded_at"
	var records []*types.DroneStatusRecord
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			records = append(records, &types.DroneStatusRecord{
				ID:            stmt.ColumnText(0),
				DroneID:       stmt.ColumnText(1),
				Status:        types.DroneStatus(stmt.ColumnText(2)),
				CPUPercent:    stmt.ColumnFloat(3),
				MemoryPercent: stmt.ColumnFloat(4),
				BandwidthKbps: stmt.ColumnFloat(5),
				Latitude:      stmt.ColumnFloat(6),
				Longitude:     stmt.ColumnFloat(7),
				RecordedAt:    time.Unix(0, stmt.ColumnInt64(8)),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: status records: %w", err)
	}
	return records, nil
}

func (s *SQLite) CreateMainTask(ctx context.Context, task *types.MainTask) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer endTransaction(&err)
	err = sqlitex.Execute(conn, `INSERT INTO main_tasks
		(id, description, status, created_time, completed_time)
		VALUES (?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			task.ID, task.Description, string(task.Status),
			task.CreatedTime.UnixNano(), nanosOrNil(task.CompletedTime),
		}})
	if err != nil {
		err = fmt.Errorf("store: create main task %s: %w", task.ID, err)
		return err
	}
	for _, sub := range task.SubTasks {
		if err = insertSubTask(conn, sub); err != nil {
			return err
		}
		for _, img := range sub.Images {
			if err = insertImage(conn, img); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *SQLite) GetMainTask(ctx context.Context, id string) (*types.MainTask, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)
	task, err := readMainTask(conn, id)
	if err != nil {
		return nil, err
	}
	if err := attachSubTasks(conn, task); err != nil {
		return nil, err
	}
	return task, nil
}

func (s *SQLite) ListMainTasks(ctx context.Context) ([]*types.MainTask, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)
	var tasks []*types.MainTask
	err = sqlitex.Execute(conn, `SELECT id, description, status, created_time, completed_time
		FROM main_tasks ORDER BY created_time`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			tasks = append(tasks, scanMainTask(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: list main tasks: %w", err)
	}
	for _, task := range tasks {
		if err := attachSubTasks(conn, task); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

func (s *SQLite) UpdateMainTask(ctx context.Context, task *types.MainTask) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	err = sqlitex.Execute(conn, `UPDATE main_tasks SET
		description = ?, status = ?, completed_time = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{
			task.Description, string(task.Status), nanosOrNil(task.CompletedTime), task.ID,
		}})
	if err != nil {
		return fmt.Errorf("store: update main task %s: %w", task.ID, err)
	}
	if conn.Changes() == 0 {
		return fault.Conflictf("main task %s not found", task.ID)
	}
	return nil
}

func (s *SQLite) DeleteMainTask(ctx context.Context, id string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	err = sqlitex.Execute(conn, "DELETE FROM main_tasks WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{id}})
	if err != nil {
		return fmt.Errorf("store: delete main task %s: %w", id, err)
	}
	if conn.Changes() == 0 {
		return fault.Conflictf("main task %s not found", id)
	}
	return nil
}

func (s *SQLite) CreateSubTask(ctx context.Context, sub *types.SubTask) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	exists, err := rowExists(conn, "SELECT COUNT(*) FROM main_tasks WHERE id = ?", sub.MainTaskID)
	if err != nil {
		return err
	}
	if !exists {
		return fault.Conflictf("main task %s not found", sub.MainTaskID)
	}
	return insertSubTask(conn, sub)
}

func (s *SQLite) GetSubTask(ctx context.Context, id string) (*types.SubTask, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)
	return readSubTask(conn, id)
}

func (s *SQLite) UpdateSubTask(ctx context.Context, sub *types.SubTask) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	err = sqlitex.Execute(conn, `UPDATE sub_tasks SET
		description = ?, status = ?, assigned_drone_id = ?,
		assigned_time = ?, completed_time = ?, reassignment_count = ?
		WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{
			sub.Description, string(sub.Status), textOrNil(sub.AssignedDroneID),
			nanosOrNil(sub.AssignedTime), nanosOrNil(sub.CompletedTime),
			sub.ReassignmentCount, sub.ID,
		}})
	if err != nil {
		return fmt.Errorf("store: update sub-task %s: %w", sub.ID, err)
	}
	if conn.Changes() == 0 {
		return fault.Conflictf("sub-task %s not found", sub.ID)
	}
	return nil
}

func (s *SQLite) DeleteSubTask(ctx context.Context, mainTaskID, subTaskID string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	err = sqlitex.Execute(conn, "DELETE FROM sub_tasks WHERE id = ? AND main_task_id = ?",
		&sqlitex.ExecOptions{Args: []any{subTaskID, mainTaskID}})
	if err != nil {
		return fmt.Errorf("store: delete sub-task %s: %w", subTaskID, err)
	}
	if conn.Changes() == 0 {
		return fault.Conflictf("sub-task %s not found under main task %s", subTaskID, mainTaskID)
	}
	return nil
}

func (s *SQLite) AppendImage(ctx context.Context, image *types.SubTaskImage) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	exists, err := rowExists(conn, "SELECT COUNT(*) FROM sub_tasks WHERE id = ?", image.SubTaskID)
	if err != nil {
		return err
	}
	if !exists {
		return fault.Conflictf("sub-task %s not found", image.SubTaskID)
	}
	return insertImage(conn, image)
}

func (s *SQLite) SubTasksByStatus(ctx context.Context, status types.TaskStatus) ([]*types.SubTask, error) {
	return s.querySubTasks(ctx, "WHERE status = ?", string(status))
}

func (s *SQLite) SubTasksByDrone(ctx context.Context, droneID string) ([]*types.SubTask, error) {
	return s.querySubTasks(ctx, "WHERE assigned_drone_id = ?", droneID)
}

func (s *SQLite) ExpiredSubTasks(ctx context.Context, cutoff time.Time) ([]*types.SubTask, error) {
	return s.querySubTasks(ctx,
		"WHERE status = ? AND assigned_time IS NOT NULL AND assigned_time < ?",
		string(types.TaskInProgress), cutoff.UnixNano())
}

func (s *SQLite) BatchUpdateSubTaskStatus(ctx context.Context, ids []string, status types.TaskStatus, reason string) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("store: begin transaction: %w", err)
	}
	defer endTransaction(&err)
	updated := 0
	for _, id := range ids {
		err = sqlitex.Execute(conn, "UPDATE sub_tasks SET status = ? WHERE id = ?",
			&sqlitex.ExecOptions{Args: []any{string(status), id}})
		if err != nil {
			err = fmt.Errorf("store: batch update %s: %w", id, err)
			return 0, err
		}
		updated += conn.Changes()
	}
	if updated > 0 {
		idsJSON, jerr := json.Marshal(ids)
		if jerr != nil {
			err = jerr
			return 0, err
		}
		err = sqlitex.Execute(conn, `INSERT INTO sub_task_audit
			(sub_task_ids, status, reason, recorded_at) VALUES (?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				string(idsJSON), string(status), reason, time.Now().UnixNano(),
			}})
		if err != nil {
			err = fmt.Errorf("store: audit batch update: %w", err)
			return 0, err
		}
	}
	return updated, nil
}

func (s *SQLite) CountSubTasks(ctx context.Context, status types.TaskStatus) (int, error) {
	if status == "" {
		return s.countQuery(ctx, "SELECT COUNT(*) FROM sub_tasks")
	}
	return s.countQuery(ctx, "SELECT COUNT(*) FROM sub_tasks WHERE status = ?", string(status))
}

func (s *SQLite) MainTasksCompletedBetween(ctx context.Context, from, to time.Time) ([]*types.MainTask, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)
	var tasks []*types.MainTask
	err = sqlitex.Execute(conn, `SELECT id, description, status, created_time, completed_time
		FROM main_tasks
		WHERE completed_time IS NOT NULL AND completed_time >= ? AND completed_time < ?
		ORDER BY completed_time`, &sqlitex.ExecOptions{
		Args: []any{from.UnixNano(), to.UnixNano()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			tasks = append(tasks, scanMainTask(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: completed between: %w", err)
	}
	for _, task := range tasks {
		if err := attachSubTasks(conn, task); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

func (s *SQLite) querySubTasks(ctx context.Context, where string, args ...any) ([]*types.SubTask, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)
	var subs []*types.SubTask
	query := `SELECT id, main_task_id, description, status, assigned_drone_id,
		created_time, assigned_time, completed_time, reassignment_count
		FROM sub_tasks ` + where + " ORDER BY created_time, id"
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			subs = append(subs, scanSubTask(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: query sub-tasks: %w", err)
	}
	for _, sub := range subs {
		if err := attachImages(conn, sub); err != nil {
			return nil, err
		}
	}
	return subs, nil
}

func (s *SQLite) countQuery(ctx context.Context, query string, args ...any) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)
	n := 0
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			n = int(stmt.ColumnInt64(0))
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("store: count: %w", err)
	}
	return n, nil
}

func insertSubTask(conn *sqlite.Conn, sub *types.SubTask) error {
	err := sqlitex.Execute(conn, `INSERT INTO sub_tasks
		(id, main_task_id, description, status, assigned_drone_id,
		 created_time, assigned_time, completed_time, reassignment_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			sub.ID, sub.MainTaskID, sub.Description, string(sub.Status),
			textOrNil(sub.AssignedDroneID), sub.CreatedTime.UnixNano(),
			nanosOrNil(sub.AssignedTime), nanosOrNil(sub.CompletedTime),
			sub.ReassignmentCount,
		}})
	if err != nil {
		return fmt.Errorf("store: insert sub-task %s: %w", sub.ID, err)
	}
	return nil
}

func insertImage(conn *sqlite.Conn, img *types.SubTaskImage) error {
	err := sqlitex.Execute(conn, `INSERT INTO sub_task_images
		(id, sub_task_id, path, captured_at) VALUES (?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			img.ID, img.SubTaskID, img.Path, img.CapturedAt.UnixNano(),
		}})
	if err != nil {
		return fmt.Errorf("store: insert image %s: %w", img.ID, err)
	}
	return nil
}

func readMainTask(conn *sqlite.Conn, id string) (*types.MainTask, error) {
	var task *types.MainTask
	err := sqlitex.Execute(conn, `SELECT id, description, status, created_time, completed_time
		FROM main_tasks WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			task = scanMainTask(stmt)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: get main task %s: %w", id, err)
	}
	if task == nil {
		return nil, fault.Conflictf("main task %s not found", id)
	}
	return task, nil
}

func readSubTask(conn *sqlite.Conn, id string) (*types.SubTask, error) {
	var sub *types.SubTask
	err := sqlitex.Execute(conn, `SELECT id, main_task_id, description, status, assigned_drone_id,
		created_time, assigned_time, completed_time, reassignment_count
		FROM sub_tasks WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			sub = scanSubTask(stmt)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: get sub-task %s: %w", id, err)
	}
	if sub == nil {
		return nil, fault.Conflictf("sub-task %s not found", id)
	}
	if err := attachImages(conn, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

func attachSubTasks(conn *sqlite.Conn, task *types.MainTask) error {
	err := sqlitex.Execute(conn, `SELECT id, main_task_id, description, status, assigned_drone_id,
		created_time, assigned_time, completed_time, reassignment_count
		FROM sub_tasks WHERE main_task_id = ? ORDER BY created_time, id`, &sqlitex.ExecOptions{
		Args: []any{task.ID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			task.SubTasks = append(task.SubTasks, scanSubTask(stmt))
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("store: sub-tasks of %s: %w", task.ID, err)
	}
	for _, sub := range task.SubTasks {
		if err := attachImages(conn, sub); err != nil {
			return err
		}
	}
	return nil
}

func attachImages(conn *sqlite.Conn, sub *types.SubTask) error {
	err := sqlitex.Execute(conn, `SELECT id, sub_task_id, path, captured_at
		FROM sub_task_images WHERE sub_task_id = ? ORDER BY captured_at`, &sqlitex.ExecOptions{
		Args: []any{sub.ID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			sub.Images = append(sub.Images, &types.SubTaskImage{
				ID:         stmt.ColumnText(0),
				SubTaskID:  stmt.ColumnText(1),
				Path:       stmt.ColumnText(2),
				CapturedAt: time.Unix(0, stmt.ColumnInt64(3)),
			})
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("store: images of %s: %w", sub.ID, err)
	}
	return nil
}

func scanDrone(stmt *sqlite.Stmt) (*types.Drone, error) {
	d := &types.Drone{
		ID:            stmt.ColumnText(0),
		Name:          stmt.ColumnText(1),
		Status:        types.DroneStatus(stmt.ColumnText(2)),
		Latitude:      stmt.ColumnFloat(3),
		Longitude:     stmt.ColumnFloat(4),
		CPUPercent:    stmt.ColumnFloat(5),
		MemoryPercent: stmt.ColumnFloat(6),
		BandwidthKbps: stmt.ColumnFloat(7),
		LastSeen:      time.Unix(0, stmt.ColumnInt64(10)),
	}
	if err := json.Unmarshal([]byte(stmt.ColumnText(8)), &d.AssignedSubTaskIDs); err != nil {
		return nil, fmt.Errorf("store: drone %s assigned list: %w", d.ID, err)
	}
	if err := json.Unmarshal([]byte(stmt.ColumnText(9)), &d.ConnectionIDs); err != nil {
		return nil, fmt.Errorf("store: drone %s connection list: %w", d.ID, err)
	}
	return d, nil
}

func scanMainTask(stmt *sqlite.Stmt) *types.MainTask {
	return &types.MainTask{
		ID:            stmt.ColumnText(0),
		Description:   stmt.ColumnText(1),
		Status:        types.TaskStatus(stmt.ColumnText(2)),
		CreatedTime:   time.Unix(0, stmt.ColumnInt64(3)),
		CompletedTime: timeOrNil(stmt, 4),
	}
}

func scanSubTask(stmt *sqlite.Stmt) *types.SubTask {
	return &types.SubTask{
		ID:                stmt.ColumnText(0),
		MainTaskID:        stmt.ColumnText(1),
		Description:       stmt.ColumnText(2),
		Status:            types.TaskStatus(stmt.ColumnText(3)),
		AssignedDroneID:   stmt.ColumnText(4),
		CreatedTime:       time.Unix(0, stmt.ColumnInt64(5)),
		AssignedTime:      timeOrNil(stmt, 6),
		CompletedTime:     timeOrNil(stmt, 7),
		ReassignmentCount: int(stmt.ColumnInt64(8)),
	}
}

func rowExists(conn *sqlite.Conn, query string, args ...any) (bool, error) {
	n := 0
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			n = int(stmt.ColumnInt64(0))
			return nil
		},
	})
	if err != nil {
		return false, fmt.Errorf("store: existence check: %w", err)
	}
	return n > 0, nil
}

func nanosOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func textOrNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func timeOrNil(stmt *sqlite.Stmt, col int) *time.Time {
	if stmt.ColumnType(col) == sqlite.TypeNull {
		return nil
	}
	t := time.Unix(0, stmt.ColumnInt64(col))
	return &t
}
