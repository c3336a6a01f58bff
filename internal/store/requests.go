package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/kilnhq/kiln/internal/kerr"
)

const requestColumns = `id, description, tier, status, created_at, updated_at, completed_at, result_summary`

// CreateRequest inserts a new request in status pending, with an opaque
// id of the form "req-<uuid>".
func (s *Store) CreateRequest(description string, tier int) (*Request, error) {
	now := time.Now().UTC()
	id := "req-" + uuid.NewString()

	_, err := s.db.Exec(
		`INSERT INTO requests (id, description, tier, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, description, tier, RequestPending, now, now)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	return s.GetRequest(id)
}

// CreateFixRequestAndTask creates a tier-2 fix request together with its
// one ready task in a single transaction: a crash between the two
// inserts can never leave an orphaned request or a task with no parent
// request. The request is inserted directly in status decomposed,
// since a fix request skips architect triage and has nothing to
// decompose.
func (s *Store) CreateFixRequestAndTask(ctx context.Context, description string, task NewTask) (*Request, *Task, error) {
	_, span := tracer.Start(ctx, "store.CreateFixRequestAndTask")
	defer span.End()

	req, createdTask, err := s.createFixRequestAndTask(description, task)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.String("request_id", req.ID), attribute.Int("task_id", createdTask.ID))
		span.SetStatus(codes.Ok, "")
	}
	return req, createdTask, err
}

func (s *Store) createFixRequestAndTask(description string, task NewTask) (*Request, *Task, error) {
	now := time.Now().UTC()
	reqID := "req-" + uuid.NewString()

	filesJSON, err := marshalOrNil(task.Files)
	if err != nil {
		return nil, nil, kerr.InvalidInputf("encoding files", err)
	}
	dependsJSON, err := marshalOrNil(task.DependsOn)
	if err != nil {
		return nil, nil, kerr.InvalidInputf("encoding depends_on", err)
	}
	validationJSON, err := marshalOrNil(task.Validation)
	if err != nil {
		return nil, nil, kerr.InvalidInputf("encoding validation", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(
		`INSERT INTO requests (id, description, tier, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		reqID, description, 2, RequestDecomposed, now, now); err != nil {
		return nil, nil, fmt.Errorf("creating request: %w", err)
	}

	res, err := tx.Exec(
		`INSERT INTO tasks (request_id, subject, description, domain, files, priority, tier,
		    depends_on, assigned_to, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, ?)`,
		reqID, task.Subject, task.Description, task.Domain, filesJSON, task.Priority, task.Tier,
		dependsJSON, TaskReady, now, now)
	if err != nil {
		return nil, nil, fmt.Errorf("creating task: %w", err)
	}
	taskID, err := res.LastInsertId()
	if err != nil {
		return nil, nil, err
	}
	if validationJSON != nil {
		if _, err := tx.Exec(`UPDATE tasks SET validation = ? WHERE id = ?`, validationJSON, taskID); err != nil {
			return nil, nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}

	req, err := s.GetRequest(reqID)
	if err != nil {
		return nil, nil, err
	}
	createdTask, err := s.GetTask(int(taskID))
	if err != nil {
		return nil, nil, err
	}
	return req, createdTask, nil
}

// GetRequest fetches a request by id.
func (s *Store) GetRequest(id string) (*Request, error) {
	row := s.db.QueryRow(`SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)
	return scanRequest(row)
}

// ListRequests lists requests, optionally filtered by status, newest first.
func (s *Store) ListRequests(status *RequestStatus) ([]*Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests`
	args := []any{}
	if status != nil {
		query += ` WHERE status = ?`
		args = append(args, *status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateRequest applies the non-nil fields of opts to request id. A request
// that has reached completed never transitions to another status again:
// a status change on an already-completed request is rejected rather than
// silently dropped, since a caller asking to move it is operating on stale
// information.
func (s *Store) UpdateRequest(id string, opts RequestUpdate) error {
	if opts.Status != nil && *opts.Status != RequestCompleted {
		current, err := s.GetRequest(id)
		if err != nil {
			return err
		}
		if current.Status == RequestCompleted {
			return kerr.ConflictingState("request already completed")
		}
	}

	fields := map[string]any{}
	if opts.Tier != nil {
		fields["tier"] = *opts.Tier
	}
	if opts.Status != nil {
		fields["status"] = *opts.Status
	}
	if opts.CompletedAt != nil {
		fields["completed_at"] = *opts.CompletedAt
	}
	if opts.ResultSummary != nil {
		fields["result_summary"] = *opts.ResultSummary
	}
	fields["updated_at"] = time.Now().UTC()

	return applyUpdate(s.db, "requests", "id", id, fields)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (*Request, error) {
	var r Request
	var completedAt sql.NullTime
	var resultSummary sql.NullString

	err := row.Scan(&r.ID, &r.Description, &r.Tier, &r.Status, &r.CreatedAt, &r.UpdatedAt,
		&completedAt, &resultSummary)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	if resultSummary.Valid {
		r.ResultSummary = &resultSummary.String
	}
	return &r, nil
}
