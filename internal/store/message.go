package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/chat"
)

// UpsertMessage inserts or updates a message (idempotent on conversation +
// message id). The stored status never moves backwards.
func (db *DB) UpsertMessage(m chat.Message) error {
	return upsertMessage(db, m)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func upsertMessage(ex execer, m chat.Message) error {
	_, err := ex.Exec(`
		INSERT INTO messages (conversation_id, message_id, client_id, sender_id, body, attachments, metadata, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, message_id) DO UPDATE SET
			body = excluded.body,
			attachments = excluded.attachments,
			metadata = excluded.metadata,
			status = CASE
				WHEN `+statusRank("excluded.status")+` > `+statusRank("messages.status")+` THEN excluded.status
				ELSE messages.status END`,
		m.ConversationID, m.ID, m.ClientID, m.SenderID, m.Text,
		encodeJSON(m.Attachments, "[]"), encodeJSON(m.Metadata, "{}"),
		string(m.Status), toMillis(m.CreatedAt))
	return err
}

func statusRank(col string) string {
	return fmt.Sprintf("(CASE %s WHEN 'seen' THEN 3 WHEN 'delivered' THEN 2 WHEN 'sent' THEN 1 ELSE 0 END)", col)
}

// ReplaceClientMessage swaps an optimistic row for the server's copy.
func (db *DB) ReplaceClientMessage(clientID string, m chat.Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ? AND message_id = ?`, m.ConversationID, clientID); err != nil {
		return fmt.Errorf("drop optimistic message: %w", err)
	}
	if err := upsertMessage(tx, m); err != nil {
		return fmt.Errorf("insert server message: %w", err)
	}
	return tx.Commit()
}

// ListMessages returns up to limit messages of a conversation created
// before the given instant, oldest first. A zero before means now.
func (db *DB) ListMessages(conversationID string, before time.Time, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	beforeMs := toMillis(before)
	if beforeMs <= 0 {
		beforeMs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT message_id, client_id, conversation_id, sender_id, body, attachments, metadata, status, created_at
		FROM (
			SELECT * FROM messages
			WHERE conversation_id = ? AND created_at < ?
			ORDER BY created_at DESC
			LIMIT ?
		) ORDER BY created_at ASC`, conversationID, beforeMs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []chat.Message
	for rows.Next() {
		var m chat.Message
		var attachments, metadata, status string
		var created int64
		if err := rows.Scan(&m.ID, &m.ClientID, &m.ConversationID, &m.SenderID, &m.Text, &attachments, &metadata, &status, &created); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(attachments), &m.Attachments)
		_ = json.Unmarshal([]byte(metadata), &m.Metadata)
		m.Status = chat.Status(status)
		m.CreatedAt = fromMillis(created)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// SetMessageStatus advances a cached message's status.
func (db *DB) SetMessageStatus(conversationID, messageID string, s chat.Status) error {
	_, err := db.Exec(`
		UPDATE messages SET status = ?
		WHERE conversation_id = ? AND message_id = ? AND `+statusRank("?")+` > `+statusRank("status"),
		string(s), conversationID, messageID, string(s))
	return err
}
