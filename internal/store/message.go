package store

import (
	"database/sql"
	"errors"
	"strings"
)

// statusRank orders statuses so an upsert never moves a message backwards
// (a late "sent" confirmation must not undo "read").
const statusRank = `CASE %s WHEN 'read' THEN 3 WHEN 'sent' THEN 2 WHEN 'received' THEN 2 WHEN 'sending' THEN 1 ELSE 0 END`

func rankOf(col string) string {
	return strings.Replace(statusRank, "%s", col, 1)
}

const messageColumns = `id, match_id, msg_id, client_msg_id, sender_id, receiver_id, content, from_me, status, timestamp, read_at`

func scanMessage(sc interface{ Scan(...any) error }) (Message, error) {
	var m Message
	err := sc.Scan(&m.ID, &m.MatchID, &m.MsgID, &m.ClientMsgID, &m.SenderID, &m.ReceiverID,
		&m.Content, &m.FromMe, &m.Status, &m.Timestamp, &m.ReadAt)
	return m, err
}

// UpsertMessage inserts or updates a message (idempotent on match_id + msg_id).
func (db *DB) UpsertMessage(m *Message) error {
	_, err := db.Exec(`
		INSERT INTO messages (match_id, msg_id, client_msg_id, sender_id, receiver_id, content, from_me, status, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(match_id, msg_id) DO UPDATE SET
			client_msg_id = CASE WHEN excluded.client_msg_id != '' THEN excluded.client_msg_id ELSE messages.client_msg_id END,
			content = excluded.content,
			status = CASE WHEN `+rankOf("excluded.status")+` >= `+rankOf("messages.status")+` THEN excluded.status ELSE messages.status END`,
		m.MatchID, m.MsgID, m.ClientMsgID, m.SenderID, m.ReceiverID, m.Content, m.FromMe, m.Status, m.Timestamp, db.nowMilli())
	return err
}

// ConfirmSent rewrites the optimistic row keyed by the client message id
// to carry the server id and "sent" status. When no optimistic row exists
// the confirmed message is inserted. Returns whether a pending row was found.
func (db *DB) ConfirmSent(m *Message) (bool, error) {
	tx, err := db.Begin()
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var rowID int64
	err = tx.QueryRow(`SELECT id FROM messages WHERE match_id = ? AND client_msg_id = ? AND client_msg_id != ''`,
		m.MatchID, m.ClientMsgID).Scan(&rowID)
	found := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}

	if found {
		// The server copy may already have landed via a new_message echo.
		if _, err := tx.Exec(`DELETE FROM messages WHERE match_id = ? AND msg_id = ? AND id != ?`, m.MatchID, m.MsgID, rowID); err != nil {
			return false, err
		}
		if _, err := tx.Exec(`
			UPDATE messages SET
				msg_id = ?,
				status = CASE WHEN status = 'read' THEN status ELSE 'sent' END,
				timestamp = CASE WHEN ? > 0 THEN ? ELSE timestamp END
			WHERE id = ?`, m.MsgID, m.Timestamp, m.Timestamp, rowID); err != nil {
			return false, err
		}
	} else {
		if _, err := tx.Exec(`
			INSERT INTO messages (match_id, msg_id, client_msg_id, sender_id, receiver_id, content, from_me, status, timestamp, created_at)
			VALUES (?, ?, ?, ?, ?, ?, 1, 'sent', ?, ?)
			ON CONFLICT(match_id, msg_id) DO UPDATE SET client_msg_id = excluded.client_msg_id`,
			m.MatchID, m.MsgID, m.ClientMsgID, m.SenderID, m.ReceiverID, m.Content, m.Timestamp, db.nowMilli()); err != nil {
			return false, err
		}
	}
	return found, tx.Commit()
}

// MarkFailed flags an optimistic row whose envelope was cancelled.
func (db *DB) MarkFailed(clientMsgID string) error {
	_, err := db.Exec(`UPDATE messages SET status = 'failed' WHERE client_msg_id = ? AND status = 'sending'`, clientMsgID)
	return err
}

// MarkRead sets status "read" on the given messages of a match. Returns
// how many rows changed.
func (db *DB) MarkRead(matchID string, msgIDs []string, readAt int64) (int64, error) {
	if len(msgIDs) == 0 {
		return 0, nil
	}
	args := []any{readAt, matchID}
	for _, id := range msgIDs {
		args = append(args, id)
	}
	res, err := db.Exec(`
		UPDATE messages SET status = 'read', read_at = ?
		WHERE match_id = ? AND status != 'read' AND msg_id IN (?`+strings.Repeat(",?", len(msgIDs)-1)+`)`, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetMessage returns a message by id, or nil when unknown.
func (db *DB) GetMessage(matchID, msgID string) (*Message, error) {
	m, err := scanMessage(db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE match_id = ? AND msg_id = ?`, matchID, msgID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns messages for a match using keyset pagination by
// timestamp, newest first.
func (db *DB) ListMessages(matchID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = db.nowMilli() + 1
	}
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE match_id = ? AND timestamp < ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, matchID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// SearchMessages does a case-insensitive substring search over content.
func (db *DB) SearchMessages(query, matchID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	pattern := "%" + strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(query) + "%"
	q := `SELECT ` + messageColumns + ` FROM messages WHERE content LIKE ? ESCAPE '\'`
	args := []any{pattern}
	if matchID != "" {
		q += ` AND match_id = ?`
		args = append(args, matchID)
	}
	q += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
