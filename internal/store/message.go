package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertMessage inserts a message or merges it onto an existing row by dedup
// key. A server echo carrying the correlation client id updates the
// optimistic row in place instead of appending, so the message never appears
// twice. Status is only written on insert; transitions go through
// MarkMessageState so the delivery tracker stays authoritative.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	if m.CreatedAt == 0 {
		m.CreatedAt = now
	}

	if m.ClientMsgID != "" {
		res, err := db.Exec(`
			UPDATE messages SET
				server_msg_id = CASE WHEN ? <> '' THEN ? ELSE server_msg_id END,
				sender_id = CASE WHEN ? <> '' THEN ? ELSE sender_id END,
				body = ?,
				server_ts = CASE WHEN ? > 0 THEN ? ELSE server_ts END
			WHERE conversation_id = ? AND client_msg_id = ?`,
			m.ServerMsgID, m.ServerMsgID, m.SenderID, m.SenderID, m.Body,
			m.ServerTS, m.ServerTS, m.ConversationID, m.ClientMsgID)
		if err != nil {
			return fmt.Errorf("merge by client id: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
	}

	if m.ServerMsgID != "" {
		res, err := db.Exec(`
			UPDATE messages SET
				body = ?,
				sender_id = CASE WHEN ? <> '' THEN ? ELSE sender_id END,
				server_ts = CASE WHEN ? > 0 THEN ? ELSE server_ts END
			WHERE conversation_id = ? AND server_msg_id = ?`,
			m.Body, m.SenderID, m.SenderID, m.ServerTS, m.ServerTS,
			m.ConversationID, m.ServerMsgID)
		if err != nil {
			return fmt.Errorf("merge by server id: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
	}

	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, client_msg_id, server_msg_id, sender_id, body, kind, status, created_at, server_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ConversationID, m.ClientMsgID, m.ServerMsgID, m.SenderID, m.Body,
		m.Kind, m.Status, m.CreatedAt, m.ServerTS)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ReconcileServerID attaches the authoritative server id and timestamp to an
// optimistic entry identified by its client id.
func (db *DB) ReconcileServerID(conversationID, clientMsgID, serverMsgID string, serverTS int64) error {
	_, err := db.Exec(`
		UPDATE messages SET server_msg_id = ?, server_ts = ?
		WHERE conversation_id = ? AND client_msg_id = ?`,
		serverMsgID, serverTS, conversationID, clientMsgID)
	return err
}

// MarkMessageState sets the delivery state of a message addressed by either
// dedup key.
func (db *DB) MarkMessageState(conversationID, msgID, status string) error {
	_, err := db.Exec(`
		UPDATE messages SET status = ?
		WHERE conversation_id = ? AND (client_msg_id = ? OR server_msg_id = ?)`,
		status, conversationID, msgID, msgID)
	return err
}

// GetMessage returns a message by client or server id, or nil if absent.
func (db *DB) GetMessage(conversationID, msgID string) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT id, conversation_id, client_msg_id, server_msg_id, sender_id, body, kind, status, created_at, server_ts
		FROM messages
		WHERE conversation_id = ? AND (client_msg_id = ? OR server_msg_id = ?)`,
		conversationID, msgID, msgID).
		Scan(&m.ID, &m.ConversationID, &m.ClientMsgID, &m.ServerMsgID, &m.SenderID,
			&m.Body, &m.Kind, &m.Status, &m.CreatedAt, &m.ServerTS)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns the newest messages in render order: server timestamp
// when known, client clock otherwise. limit bounds the in-memory window;
// older history stays fetchable from the history service.
func (db *DB) ListMessages(conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, client_msg_id, server_msg_id, sender_id, body, kind, status, created_at, server_ts
		FROM (
			SELECT *, CASE WHEN server_ts > 0 THEN server_ts ELSE created_at END AS ord
			FROM messages WHERE conversation_id = ?
			ORDER BY ord DESC, id DESC
			LIMIT ?
		)
		ORDER BY ord ASC, id ASC`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.ClientMsgID, &m.ServerMsgID, &m.SenderID,
			&m.Body, &m.Kind, &m.Status, &m.CreatedAt, &m.ServerTS); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
