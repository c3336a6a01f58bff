package store

import (
	"database/sql"
	"time"

	"github.com/kilnhq/kiln/internal/kerr"
)

const workerColumns = `id, status, current_domain, worktree_path, branch, session_id, window_id,
	current_task_id, last_heartbeat_at, launched_at, tasks_completed, claimed_by, claimed_at`

// RegisterWorker upserts a worker slot: idempotent over repeated
// registrations.
func (s *Store) RegisterWorker(id int) (*Worker, error) {
	existing, err := s.GetWorker(id)
	if err == nil && existing != nil {
		return existing, nil
	}
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}

	_, err = s.db.Exec(
		`INSERT INTO workers (id, status, tasks_completed) VALUES (?, ?, 0)`,
		id, WorkerIdle)
	if err != nil {
		return nil, err
	}
	return s.GetWorker(id)
}

// GetWorker fetches a worker by id.
func (s *Store) GetWorker(id int) (*Worker, error) {
	row := s.db.QueryRow(`SELECT `+workerColumns+` FROM workers WHERE id = ?`, id)
	return scanWorker(row)
}

// ListIdle lists workers with status=idle and claimed_by null.
func (s *Store) ListIdle() ([]*Worker, error) {
	rows, err := s.db.Query(
		`SELECT ` + workerColumns + ` FROM workers WHERE status = 'idle' AND claimed_by IS NULL ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWorkers(rows)
}

// ListAll lists every registered worker.
func (s *Store) ListAll() ([]*Worker, error) {
	rows, err := s.db.Query(`SELECT ` + workerColumns + ` FROM workers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWorkers(rows)
}

// ClaimWorker atomically sets claimed_by iff the worker is idle and
// unclaimed. Returns kerr.ConflictingStateError on failure.
func (s *Store) ClaimWorker(id int, claimer string) error {
	res, err := s.db.Exec(
		`UPDATE workers SET claimed_by = ?, claimed_at = ? WHERE id = ? AND status = 'idle' AND claimed_by IS NULL`,
		claimer, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return kerr.ConflictingState("worker_not_claimable")
	}
	return nil
}

// ReleaseWorker clears claimed_by and claimed_at.
func (s *Store) ReleaseWorker(id int) error {
	_, err := s.db.Exec(`UPDATE workers SET claimed_by = NULL, claimed_at = NULL WHERE id = ?`, id)
	return err
}

// UpdateWorker applies the non-nil fields of opts to worker id.
func (s *Store) UpdateWorker(id int, opts WorkerUpdate) error {
	fields := map[string]any{}
	if opts.Status != nil {
		fields["status"] = *opts.Status
	}
	if opts.CurrentDomain != nil {
		fields["current_domain"] = *opts.CurrentDomain
	}
	if opts.WorktreePath != nil {
		fields["worktree_path"] = *opts.WorktreePath
	}
	if opts.Branch != nil {
		fields["branch"] = *opts.Branch
	}
	if opts.SessionID != nil {
		fields["session_id"] = *opts.SessionID
	}
	if opts.WindowID != nil {
		fields["window_id"] = *opts.WindowID
	}
	if opts.ClearCurrentTaskID {
		fields["current_task_id"] = nil
	} else if opts.CurrentTaskID != nil {
		fields["current_task_id"] = *opts.CurrentTaskID
	}
	if opts.LastHeartbeatAt != nil {
		fields["last_heartbeat_at"] = *opts.LastHeartbeatAt
	}
	if opts.LaunchedAt != nil {
		fields["launched_at"] = *opts.LaunchedAt
	}
	if opts.TasksCompleted != nil {
		fields["tasks_completed"] = *opts.TasksCompleted
	}
	if opts.ClearClaimedBy {
		fields["claimed_by"] = nil
	} else if opts.ClaimedBy != nil {
		fields["claimed_by"] = *opts.ClaimedBy
	}
	if opts.ClearClaimedAt {
		fields["claimed_at"] = nil
	} else if opts.ClaimedAt != nil {
		fields["claimed_at"] = *opts.ClaimedAt
	}

	return applyUpdate(s.db, "workers", "id", id, fields)
}

// RequeueDeadWorkerTask performs the watchdog's single conditional UPDATE
//: requeues taskID to ready iff it is
// not already terminal, avoiding a race with a concurrent complete-task.
func (s *Store) RequeueDeadWorkerTask(taskID int) error {
	_, err := s.db.Exec(
		`UPDATE tasks SET status = 'ready', assigned_to = NULL, updated_at = ?
		 WHERE id = ? AND status NOT IN ('completed', 'failed')`,
		time.Now().UTC(), taskID)
	return err
}

func scanWorkers(rows *sql.Rows) ([]*Worker, error) {
	var out []*Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func scanWorker(row scanner) (*Worker, error) {
	var w Worker
	var currentDomain, worktreePath, branch, sessionID, windowID, claimedBy sql.NullString
	var currentTaskID sql.NullInt64
	var lastHeartbeatAt, launchedAt, claimedAt sql.NullTime

	err := row.Scan(&w.ID, &w.Status, &currentDomain, &worktreePath, &branch, &sessionID,
		&windowID, &currentTaskID, &lastHeartbeatAt, &launchedAt, &w.TasksCompleted, &claimedBy, &claimedAt)
	if err != nil {
		return nil, err
	}

	if currentDomain.Valid {
		w.CurrentDomain = &currentDomain.String
	}
	if worktreePath.Valid {
		w.WorktreePath = &worktreePath.String
	}
	if branch.Valid {
		w.Branch = &branch.String
	}
	if sessionID.Valid {
		w.SessionID = &sessionID.String
	}
	if windowID.Valid {
		w.WindowID = &windowID.String
	}
	if currentTaskID.Valid {
		v := int(currentTaskID.Int64)
		w.CurrentTaskID = &v
	}
	if lastHeartbeatAt.Valid {
		w.LastHeartbeatAt = &lastHeartbeatAt.Time
	}
	if launchedAt.Valid {
		w.LaunchedAt = &launchedAt.Time
	}
	if claimedBy.Valid {
		w.ClaimedBy = &claimedBy.String
	}
	if claimedAt.Valid {
		w.ClaimedAt = &claimedAt.Time
	}

	return &w, nil
}
