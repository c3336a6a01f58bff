package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/kilnhq/kiln/internal/kerr"
)

const taskColumns = `id, request_id, subject, description, domain, files, priority, tier,
	depends_on, assigned_to, status, pr_url, branch, validation,
	created_at, updated_at, completed_at, result_summary`

// NewTask describes the fields needed to create a Task.
type NewTask struct {
	RequestID   string
	Subject     string
	Description string
	Domain      *string
	Files       []string
	Priority    TaskPriority
	Tier        int
	DependsOn   []int
	Validation  *Validation
}

// CreateTask inserts a new task. If it has no dependencies, it is
// promoted directly to ready.
func (s *Store) CreateTask(in NewTask) (*Task, error) {
	now := time.Now().UTC()

	filesJSON, err := marshalOrNil(in.Files)
	if err != nil {
		return nil, kerr.InvalidInputf("encoding files", err)
	}
	dependsJSON, err := marshalOrNil(in.DependsOn)
	if err != nil {
		return nil, kerr.InvalidInputf("encoding depends_on", err)
	}
	validationJSON, err := marshalOrNil(in.Validation)
	if err != nil {
		return nil, kerr.InvalidInputf("encoding validation", err)
	}

	status := TaskPendingStatus
	if len(in.DependsOn) == 0 {
		status = TaskReady
	}

	res, err := s.db.Exec(
		`INSERT INTO tasks (request_id, subject, description, domain, files, priority, tier,
		    depends_on, assigned_to, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, ?)`,
		in.RequestID, in.Subject, in.Description, in.Domain, filesJSON, in.Priority, in.Tier,
		dependsJSON, status, now, now)
	if err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	if validationJSON != nil {
		if _, err := s.db.Exec(`UPDATE tasks SET validation = ? WHERE id = ?`, validationJSON, id); err != nil {
			return nil, err
		}
	}

	return s.GetTask(int(id))
}

// GetTask fetches a task by id.
func (s *Store) GetTask(id int) (*Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Status    *TaskStatus
	RequestID *string
	Assignee  *int
}

// ListTasks lists tasks matching filter.
func (s *Store) ListTasks(filter TaskFilter) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if filter.Status != nil {
		query += ` AND status = ?`
		args = append(args, *filter.Status)
	}
	if filter.RequestID != nil {
		query += ` AND request_id = ?`
		args = append(args, *filter.RequestID)
	}
	if filter.Assignee != nil {
		query += ` AND assigned_to = ?`
		args = append(args, *filter.Assignee)
	}
	query += ` ORDER BY id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetReady returns tasks with status=ready and no assignee, ordered by
// priority (urgent > high > normal > low) then id.
func (s *Store) GetReady() ([]*Task, error) {
	rows, err := s.db.Query(
		`SELECT ` + taskColumns + ` FROM tasks WHERE status = 'ready' AND assigned_to IS NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sortByPriorityThenID(out)
	return out, nil
}

func sortByPriorityThenID(tasks []*Task) {
	for i := 1; i < len(tasks); i++ {
		j := i
		for j > 0 && less(tasks[j], tasks[j-1]) {
			tasks[j], tasks[j-1] = tasks[j-1], tasks[j]
			j--
		}
	}
}

func less(a, b *Task) bool {
	ra, rb := priorityRank(a.Priority), priorityRank(b.Priority)
	if ra != rb {
		return ra < rb
	}
	return a.ID < b.ID
}

// CheckAndPromoteTasks scans pending tasks and promotes any whose
// dependencies are all completed to ready. Never moves a task backward.
func (s *Store) CheckAndPromoteTasks() (int, error) {
	rows, err := s.db.Query(
		`SELECT id, depends_on FROM tasks WHERE status = 'pending'`)
	if err != nil {
		return 0, err
	}

	type pending struct {
		id        int
		dependsOn []int
	}
	var candidates []pending
	for rows.Next() {
		var id int
		var dependsJSON sql.NullString
		if err := rows.Scan(&id, &dependsJSON); err != nil {
			_ = rows.Close()
			return 0, err
		}
		var deps []int
		if dependsJSON.Valid && dependsJSON.String != "" {
			if err := json.Unmarshal([]byte(dependsJSON.String), &deps); err != nil {
				_ = rows.Close()
				return 0, err
			}
		}
		candidates = append(candidates, pending{id: id, dependsOn: deps})
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	_ = rows.Close()

	promoted := 0
	for _, c := range candidates {
		if len(c.dependsOn) == 0 {
			continue // created-with-no-deps tasks are already ready at insert time
		}
		allDone, err := s.allDependenciesCompleted(c.dependsOn)
		if err != nil {
			return promoted, err
		}
		if allDone {
			if _, err := s.db.Exec(
				`UPDATE tasks SET status = 'ready', updated_at = ? WHERE id = ? AND status = 'pending'`,
				time.Now().UTC(), c.id); err != nil {
				return promoted, err
			}
			promoted++
		}
	}
	return promoted, nil
}

func (s *Store) allDependenciesCompleted(ids []int) (bool, error) {
	for _, id := range ids {
		var status TaskStatus
		err := s.db.QueryRow(`SELECT status FROM tasks WHERE id = ?`, id).Scan(&status)
		if err != nil {
			return false, err
		}
		if status != TaskCompleted {
			return false, nil
		}
	}
	return true, nil
}

// AssignTask atomically assigns task to worker, but only if the task is
// still ready with no assignee and the worker is still idle (the TOCTOU
// guard). Returns kerr.ConflictingStateError on failure; no state
// changes in that case.
func (s *Store) AssignTask(ctx context.Context, taskID, workerID int) error {
	ctx, span := tracer.Start(ctx, "store.AssignTask")
	defer span.End()
	span.SetAttributes(attribute.Int("task_id", taskID), attribute.Int("worker_id", workerID))

	err := s.assignTask(ctx, taskID, workerID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return err
}

func (s *Store) assignTask(_ context.Context, taskID, workerID int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	var taskStatus TaskStatus
	var assignedTo sql.NullInt64
	if err := tx.QueryRow(`SELECT status, assigned_to FROM tasks WHERE id = ?`, taskID).
		Scan(&taskStatus, &assignedTo); err != nil {
		return err
	}
	if taskStatus != TaskReady || assignedTo.Valid {
		return kerr.ConflictingState("task_not_ready")
	}

	var workerStatus WorkerStatus
	var claimedBy sql.NullString
	if err := tx.QueryRow(`SELECT status, claimed_by FROM workers WHERE id = ?`, workerID).
		Scan(&workerStatus, &claimedBy); err != nil {
		return err
	}
	if workerStatus != WorkerIdle {
		return kerr.ConflictingState("worker_not_idle")
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(
		`UPDATE tasks SET status = 'assigned', assigned_to = ?, updated_at = ? WHERE id = ?`,
		workerID, now, taskID); err != nil {
		return err
	}

	var taskDomain sql.NullString
	if err := tx.QueryRow(`SELECT domain FROM tasks WHERE id = ?`, taskID).Scan(&taskDomain); err != nil {
		return err
	}
	domainArg := any(nil)
	if taskDomain.Valid {
		domainArg = taskDomain.String
	}

	if _, err := tx.Exec(
		`UPDATE workers SET status = 'assigned', current_task_id = ?, current_domain = COALESCE(?, current_domain), claimed_by = NULL WHERE id = ?`,
		taskID, domainArg, workerID); err != nil {
		return err
	}

	return tx.Commit()
}

// UpdateTask applies the non-nil fields of opts to task id.
func (s *Store) UpdateTask(id int, opts TaskUpdate) error {
	fields := map[string]any{}
	if opts.Domain != nil {
		fields["domain"] = *opts.Domain
	}
	if opts.ClearAssignee {
		fields["assigned_to"] = nil
	} else if opts.AssignedTo != nil {
		fields["assigned_to"] = *opts.AssignedTo
	}
	if opts.Status != nil {
		fields["status"] = *opts.Status
	}
	if opts.PRURL != nil {
		fields["pr_url"] = *opts.PRURL
	}
	if opts.Branch != nil {
		fields["branch"] = *opts.Branch
	}
	if opts.CompletedAt != nil {
		fields["completed_at"] = *opts.CompletedAt
	}
	if opts.ResultSummary != nil {
		fields["result_summary"] = *opts.ResultSummary
	}
	fields["updated_at"] = time.Now().UTC()

	return applyUpdate(s.db, "tasks", "id", id, fields)
}

func marshalOrNil(v any) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case []string:
		if len(x) == 0 {
			return nil, nil
		}
	case []int:
		if len(x) == 0 {
			return nil, nil
		}
	case *Validation:
		if x == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

func scanTask(row scanner) (*Task, error) {
	var t Task
	var domain, filesJSON, dependsJSON, prURL, branch, validationJSON, resultSummary sql.NullString
	var assignedTo sql.NullInt64
	var completedAt sql.NullTime

	err := row.Scan(&t.ID, &t.RequestID, &t.Subject, &t.Description, &domain, &filesJSON,
		&t.Priority, &t.Tier, &dependsJSON, &assignedTo, &t.Status, &prURL, &branch,
		&validationJSON, &t.CreatedAt, &t.UpdatedAt, &completedAt, &resultSummary)
	if err != nil {
		return nil, err
	}

	if domain.Valid {
		t.Domain = &domain.String
	}
	if filesJSON.Valid && filesJSON.String != "" {
		if err := json.Unmarshal([]byte(filesJSON.String), &t.Files); err != nil {
			return nil, err
		}
	}
	if dependsJSON.Valid && dependsJSON.String != "" {
		if err := json.Unmarshal([]byte(dependsJSON.String), &t.DependsOn); err != nil {
			return nil, err
		}
	}
	if assignedTo.Valid {
		v := int(assignedTo.Int64)
		t.AssignedTo = &v
	}
	if prURL.Valid {
		t.PRURL = &prURL.String
	}
	if branch.Valid {
		t.Branch = &branch.String
	}
	if validationJSON.Valid && validationJSON.String != "" {
		var v Validation
		if err := json.Unmarshal([]byte(validationJSON.String), &v); err != nil {
			return nil, err
		}
		t.Validation = &v
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	if resultSummary.Valid {
		t.ResultSummary = &resultSummary.String
	}

	return &t, nil
}
