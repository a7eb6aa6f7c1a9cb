package store

import (
	"database/sql"
	"errors"
	"time"
)

// QueueOutbox adds a message to the send outbox.
func (db *DB) QueueOutbox(e OutboxEntry) error {
	now := time.Now().UnixMilli()
	attachments := string(e.Attachments)
	if attachments == "" || attachments == "null" {
		attachments = "[]"
	}
	_, err := db.Exec(`
		INSERT INTO outbox (client_id, conversation_id, body, attachments, parent_message_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'queued', ?, ?)`,
		e.ClientID, e.ConversationID, e.Body, attachments, e.ParentMessageID, now, now)
	return err
}

// MarkOutboxSending updates an outbox entry to 'sending' status.
func (db *DB) MarkOutboxSending(clientID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sending', updated_at = ? WHERE client_id = ?`, now, clientID)
	return err
}

// MarkOutboxSent records that the transport accepted the entry.
func (db *DB) MarkOutboxSent(clientID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', error_message = '', updated_at = ? WHERE client_id = ?`, now, clientID)
	return err
}

// ConfirmOutbox attaches the server message id once the echo arrives.
func (db *DB) ConfirmOutbox(clientID, serverID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', server_id = ?, updated_at = ? WHERE client_id = ?`, serverID, now, clientID)
	return err
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(clientID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE client_id = ?`, errMsg, now, clientID)
	return err
}

// RequeueOutbox puts a failed entry back in the queue. It reports whether an
// entry was requeued.
func (db *DB) RequeueOutbox(clientID string) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`UPDATE outbox SET status = 'queued', error_message = '', updated_at = ? WHERE client_id = ? AND status = 'failed'`, now, clientID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RecoverOutbox requeues entries left in 'sending' by a crash.
func (db *DB) RecoverOutbox() (int64, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`UPDATE outbox SET status = 'queued', updated_at = ? WHERE status = 'sending'`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const outboxColumns = `id, client_id, conversation_id, body, attachments, parent_message_id, status, error_message, server_id, created_at`

func scanOutbox(row interface{ Scan(...any) error }) (OutboxEntry, error) {
	var e OutboxEntry
	var attachments string
	var created int64
	err := row.Scan(&e.ID, &e.ClientID, &e.ConversationID, &e.Body, &attachments, &e.ParentMessageID, &e.Status, &e.ErrorMessage, &e.ServerID, &created)
	e.Attachments = []byte(attachments)
	e.CreatedAt = fromMillis(created)
	return e, err
}

// PendingOutbox returns outbox entries that are still queued.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	rows, err := db.Query(`SELECT ` + outboxColumns + ` FROM outbox WHERE status = 'queued' ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetOutbox returns one entry by client id, or nil if absent.
func (db *DB) GetOutbox(clientID string) (*OutboxEntry, error) {
	e, err := scanOutbox(db.QueryRow(`SELECT `+outboxColumns+` FROM outbox WHERE client_id = ?`, clientID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}
