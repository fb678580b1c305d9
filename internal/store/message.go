package store

import "time"

// UpsertMessage inserts or updates a message (idempotent on
// conversation_key + msg_id). server_id is only ever filled in, never
// cleared, so a delivery confirmation cannot lose the assigned ID.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (conversation_key, msg_id, server_id, sender_id, recipient_id, sender_name, recipient_name, content, message_type, status, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_key, msg_id) DO UPDATE SET
			server_id = CASE WHEN excluded.server_id != '' THEN excluded.server_id ELSE messages.server_id END,
			sender_name = excluded.sender_name,
			recipient_name = excluded.recipient_name,
			content = excluded.content,
			status = excluded.status`,
		m.ConversationKey, m.MsgID, m.ServerID, m.SenderID, m.RecipientID, m.SenderName, m.RecipientName, m.Content, m.Type, m.Status, m.Timestamp, now)
	return err
}

// SetMessageStatus updates the status (and optionally the server ID) of
// one message.
func (db *DB) SetMessageStatus(conversationKey, msgID, status, serverID string) error {
	_, err := db.Exec(`
		UPDATE messages SET
			status = ?,
			server_id = CASE WHEN ? != '' THEN ? ELSE server_id END
		WHERE conversation_key = ? AND msg_id = ?`,
		status, serverID, serverID, conversationKey, msgID)
	return err
}

// ListMessages returns messages for a conversation using keyset
// pagination by timestamp, newest page first. Results within the page are
// ascending by timestamp.
func (db *DB) ListMessages(conversationKey string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, conversation_key, msg_id, server_id, sender_id, recipient_id, sender_name, recipient_name, content, message_type, status, timestamp
		FROM (
			SELECT * FROM messages
			WHERE conversation_key = ? AND timestamp < ?
			ORDER BY timestamp DESC, id DESC
			LIMIT ?
		) ORDER BY timestamp ASC, id ASC`, conversationKey, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationKey, &m.MsgID, &m.ServerID, &m.SenderID, &m.RecipientID, &m.SenderName, &m.RecipientName, &m.Content, &m.Type, &m.Status, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MessageCount returns the total number of cached messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}
