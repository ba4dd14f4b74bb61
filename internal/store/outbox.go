package store

import (
	"database/sql"
	"time"
)

// QueueOutbox adds an outgoing message to the send queue.
func (db *DB) QueueOutbox(clientMsgID, conversationID, body, kind string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (client_msg_id, conversation_id, body, kind, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'queued', ?, ?)`,
		clientMsgID, conversationID, body, kind, now, now)
	return err
}

// PendingOutbox returns queued entries eligible for transmission at the
// given time, in enqueue order.
func (db *DB) PendingOutbox(conversationID string, now int64) ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, client_msg_id, conversation_id, body, kind, status, attempt_count, next_retry_at, error_message, created_at
		FROM outbox
		WHERE conversation_id = ? AND status = 'queued' AND next_retry_at <= ?
		ORDER BY id ASC`, conversationID, now)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.ClientMsgID, &e.ConversationID, &e.Body, &e.Kind,
			&e.Status, &e.AttemptCount, &e.NextRetryAt, &e.ErrorMessage, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PeekOutbox returns the head of the queue (queued or inflight), or nil.
func (db *DB) PeekOutbox(conversationID string) (*OutboxEntry, error) {
	var e OutboxEntry
	err := db.QueryRow(`
		SELECT id, client_msg_id, conversation_id, body, kind, status, attempt_count, next_retry_at, error_message, created_at
		FROM outbox
		WHERE conversation_id = ? AND status IN ('queued', 'inflight')
		ORDER BY id ASC LIMIT 1`, conversationID).
		Scan(&e.ID, &e.ClientMsgID, &e.ConversationID, &e.Body, &e.Kind,
			&e.Status, &e.AttemptCount, &e.NextRetryAt, &e.ErrorMessage, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// MarkOutboxInflight marks an entry as transmitted but not yet acknowledged.
func (db *DB) MarkOutboxInflight(clientMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'inflight', updated_at = ? WHERE client_msg_id = ?`, now, clientMsgID)
	return err
}

// RequeueInflight returns unacknowledged entries to the queue after a
// connection drop, preserving their position and retry budget. Returns the
// affected client ids in enqueue order.
func (db *DB) RequeueInflight(conversationID string) ([]string, error) {
	rows, err := db.Query(`
		SELECT client_msg_id FROM outbox
		WHERE conversation_id = ? AND status = 'inflight'
		ORDER BY id ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		UPDATE outbox SET status = 'queued', updated_at = ?
		WHERE conversation_id = ? AND status = 'inflight'`, now, conversationID)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// IncrementOutboxAttempt records a failed transmission attempt and schedules
// the next one. Returns the new attempt count.
func (db *DB) IncrementOutboxAttempt(clientMsgID string, nextRetryAt int64) (int, error) {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET attempt_count = attempt_count + 1, next_retry_at = ?, status = 'queued', updated_at = ?
		WHERE client_msg_id = ?`, nextRetryAt, now, clientMsgID)
	if err != nil {
		return 0, err
	}
	var attempts int
	err = db.QueryRow(`SELECT attempt_count FROM outbox WHERE client_msg_id = ?`, clientMsgID).Scan(&attempts)
	return attempts, err
}

// MarkOutboxFailed removes an entry from active retry, keeping the row for
// diagnostics and manual retry.
func (db *DB) MarkOutboxFailed(clientMsgID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE client_msg_id = ?`, errMsg, now, clientMsgID)
	return err
}

// ResetOutbox requeues a failed entry with a fresh retry budget (user retry).
func (db *DB) ResetOutbox(clientMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = 'queued', attempt_count = 0, next_retry_at = 0, error_message = '', updated_at = ?
		WHERE client_msg_id = ?`, now, clientMsgID)
	return err
}

// DeleteOutbox removes an acknowledged entry.
func (db *DB) DeleteOutbox(clientMsgID string) error {
	_, err := db.Exec(`DELETE FROM outbox WHERE client_msg_id = ?`, clientMsgID)
	return err
}

// NextRetryAt returns the earliest retry deadline among queued entries, or
// false when nothing is queued.
func (db *DB) NextRetryAt(conversationID string) (int64, bool, error) {
	var at sql.NullInt64
	err := db.QueryRow(`
		SELECT MIN(next_retry_at) FROM outbox
		WHERE conversation_id = ? AND status = 'queued'`, conversationID).Scan(&at)
	if err != nil {
		return 0, false, err
	}
	if !at.Valid {
		return 0, false, nil
	}
	return at.Int64, true, nil
}

// OutboxDepth counts entries still awaiting acknowledgment.
func (db *DB) OutboxDepth(conversationID string) (int, error) {
	var n int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM outbox
		WHERE conversation_id = ? AND status IN ('queued', 'inflight')`, conversationID).Scan(&n)
	return n, err
}
