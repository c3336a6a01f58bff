package store

import (
	"database/sql"
	"time"
)

const mailColumns = `id, recipient, kind, payload, consumed, created_at`

// SendMail inserts a new message addressed to recipient.
func (s *Store) SendMail(recipient string, kind MailKind, payload []byte) (*Mail, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(
		`INSERT INTO mail (recipient, kind, payload, consumed, created_at) VALUES (?, ?, ?, 0, ?)`,
		recipient, kind, payload, now)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &Mail{ID: id, Recipient: recipient, Kind: kind, Payload: payload, CreatedAt: now}, nil
}

// CheckMail atomically returns all unconsumed messages for recipient and
// marks them consumed, in one transaction.
func (s *Store) CheckMail(recipient string) ([]*Mail, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.Query(
		`SELECT `+mailColumns+` FROM mail WHERE recipient = ? AND consumed = 0 ORDER BY id`,
		recipient)
	if err != nil {
		return nil, err
	}
	msgs, err := scanMailRows(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, tx.Commit()
	}

	ids := make([]any, len(msgs))
	placeholders := ""
	for i, m := range msgs {
		ids[i] = m.ID
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
	}
	if _, err := tx.Exec(`UPDATE mail SET consumed = 1 WHERE id IN (`+placeholders+`)`, ids...); err != nil {
		return nil, err
	}
	for _, m := range msgs {
		m.Consumed = true
	}

	return msgs, tx.Commit()
}

// PeekMail returns unconsumed messages for recipient without consuming them.
func (s *Store) PeekMail(recipient string) ([]*Mail, error) {
	rows, err := s.db.Query(
		`SELECT `+mailColumns+` FROM mail WHERE recipient = ? AND consumed = 0 ORDER BY id`,
		recipient)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMailRows(rows)
}

// PurgeMailOlderThan deletes all mail, consumed or not, older than the
// given number of days.
func (s *Store) PurgeMailOlderThan(days int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	res, err := s.db.Exec(`DELETE FROM mail WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanMailRows(rows *sql.Rows) ([]*Mail, error) {
	var out []*Mail
	for rows.Next() {
		var m Mail
		var consumed int
		if err := rows.Scan(&m.ID, &m.Recipient, &m.Kind, &m.Payload, &consumed, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Consumed = consumed != 0
		out = append(out, &m)
	}
	return out, rows.Err()
}
