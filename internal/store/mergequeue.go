package store

import (
	"database/sql"
	"time"
)

const mergeQueueColumns = `id, request_id, task_id, pr_url, branch, status, priority,
	created_at, merged_at, error`

// EnqueueMerge adds a completed PR to the merge queue in status pending.
func (s *Store) EnqueueMerge(requestID string, taskID int, prURL, branch string, priority int) (*MergeQueueEntry, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(
		`INSERT INTO merge_queue (request_id, task_id, pr_url, branch, status, priority, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		requestID, taskID, prURL, branch, MergePending, priority, now)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetMergeQueueEntry(int(id))
}

// GetMergeQueueEntry fetches a merge queue entry by id.
func (s *Store) GetMergeQueueEntry(id int) (*MergeQueueEntry, error) {
	row := s.db.QueryRow(`SELECT `+mergeQueueColumns+` FROM merge_queue WHERE id = ?`, id)
	return scanMergeQueueEntry(row)
}

// GetNextMerge returns the highest-priority pending entry (ties broken by
// id, i.e. enqueue order), or nil if none is pending.
func (s *Store) GetNextMerge() (*MergeQueueEntry, error) {
	row := s.db.QueryRow(
		`SELECT ` + mergeQueueColumns + ` FROM merge_queue
		 WHERE status = 'pending' ORDER BY priority DESC, id ASC LIMIT 1`)
	entry, err := scanMergeQueueEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return entry, err
}

// ListMergeQueueByRequest lists every merge queue entry for a request.
func (s *Store) ListMergeQueueByRequest(requestID string) ([]*MergeQueueEntry, error) {
	rows, err := s.db.Query(
		`SELECT `+mergeQueueColumns+` FROM merge_queue WHERE request_id = ? ORDER BY id`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*MergeQueueEntry
	for rows.Next() {
		e, err := scanMergeQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpdateMergeQueueEntry applies the non-nil fields of opts to entry id.
func (s *Store) UpdateMergeQueueEntry(id int, opts MergeQueueUpdate) error {
	fields := map[string]any{}
	if opts.Status != nil {
		fields["status"] = *opts.Status
	}
	if opts.MergedAt != nil {
		fields["merged_at"] = *opts.MergedAt
	}
	if opts.Error != nil {
		fields["error"] = *opts.Error
	}
	return applyUpdate(s.db, "merge_queue", "id", id, fields)
}

func scanMergeQueueEntry(row scanner) (*MergeQueueEntry, error) {
	var e MergeQueueEntry
	var mergedAt sql.NullTime
	var errText sql.NullString

	err := row.Scan(&e.ID, &e.RequestID, &e.TaskID, &e.PRURL, &e.Branch, &e.Status, &e.Priority,
		&e.CreatedAt, &mergedAt, &errText)
	if err != nil {
		return nil, err
	}
	if mergedAt.Valid {
		e.MergedAt = &mergedAt.Time
	}
	if errText.Valid {
		e.Error = &errText.String
	}
	return &e, nil
}
