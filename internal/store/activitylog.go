package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// AppendActivity appends an audit entry. details may be nil.
func (s *Store) AppendActivity(actor, action string, details any) error {
	var detailsJSON []byte
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			return err
		}
		detailsJSON = b
	}
	_, err := s.db.Exec(
		`INSERT INTO activity_log (actor, action, details, created_at) VALUES (?, ?, ?, ?)`,
		actor, action, detailsJSON, time.Now().UTC())
	return err
}

// QueryActivityByActor returns the most recent activity log entries for
// actor, newest first, up to limit.
func (s *Store) QueryActivityByActor(actor string, limit int) ([]*ActivityLogEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, actor, action, details, created_at FROM activity_log
		 WHERE actor = ? ORDER BY id DESC LIMIT ?`, actor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanActivityRows(rows)
}

// QueryActivity returns the most recent activity log entries, newest
// first, up to limit.
func (s *Store) QueryActivity(limit int) ([]*ActivityLogEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, actor, action, details, created_at FROM activity_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanActivityRows(rows)
}

// PurgeActivityOlderThan deletes activity log rows older than the given
// age in days.
func (s *Store) PurgeActivityOlderThan(days int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	res, err := s.db.Exec(`DELETE FROM activity_log WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanActivityRows(rows *sql.Rows) ([]*ActivityLogEntry, error) {
	var out []*ActivityLogEntry
	for rows.Next() {
		var e ActivityLogEntry
		var details sql.NullString
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &details, &e.CreatedAt); err != nil {
			return nil, err
		}
		if details.Valid {
			e.Details = []byte(details.String)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
