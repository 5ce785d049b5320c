package store

import (
	"database/sql"
	"errors"
)

// UpsertConversation records activity in a match thread. The latest
// message wins the preview; the unread counter is added to.
func (db *DB) UpsertConversation(c *Conversation) error {
	_, err := db.Exec(`
		INSERT INTO conversations (match_id, peer_id, unread_count, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(match_id) DO UPDATE SET
			peer_id = CASE WHEN excluded.peer_id != '' THEN excluded.peer_id ELSE conversations.peer_id END,
			unread_count = conversations.unread_count + excluded.unread_count,
			last_message_preview = CASE WHEN excluded.last_message_at >= conversations.last_message_at THEN excluded.last_message_preview ELSE conversations.last_message_preview END,
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			updated_at = excluded.updated_at`,
		c.MatchID, c.PeerID, c.UnreadCount, c.LastMessageAt, c.LastMessagePreview, db.nowMilli())
	return err
}

// ClearUnread resets the unread counter of a match.
func (db *DB) ClearUnread(matchID string) error {
	_, err := db.Exec(`UPDATE conversations SET unread_count = 0, updated_at = ? WHERE match_id = ?`, db.nowMilli(), matchID)
	return err
}

// ListConversations returns conversations sorted by last activity, newest first.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT match_id, peer_id, unread_count, last_message_at, last_message_preview
		FROM conversations
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.MatchID, &c.PeerID, &c.UnreadCount, &c.LastMessageAt, &c.LastMessagePreview); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetConversation returns a conversation, or nil when unknown.
func (db *DB) GetConversation(matchID string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT match_id, peer_id, unread_count, last_message_at, last_message_preview
		FROM conversations WHERE match_id = ?`, matchID).
		Scan(&c.MatchID, &c.PeerID, &c.UnreadCount, &c.LastMessageAt, &c.LastMessagePreview)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ConversationCount returns the number of known conversations.
func (db *DB) ConversationCount() (int64, error) {
	var n int64
	err := db.QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&n)
	return n, err
}

// MessageCount returns the number of stored messages.
func (db *DB) MessageCount() (int64, error) {
	var n int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&n)
	return n, err
}
