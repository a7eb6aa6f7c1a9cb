package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/chat"
)

// UpsertConversation inserts or updates a conversation row.
func (db *DB) UpsertConversation(c chat.Conversation) error {
	_, err := db.Exec(`
		INSERT INTO conversations (id, title, last_message, last_message_at, unread_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = CASE WHEN excluded.title != '' THEN excluded.title ELSE conversations.title END,
			last_message = excluded.last_message,
			last_message_at = excluded.last_message_at,
			unread_count = excluded.unread_count,
			updated_at = excluded.updated_at`,
		c.ID, c.Title, c.LastMessage, toMillis(c.LastMessageAt), c.UnreadCount, time.Now().UnixMilli())
	return err
}

// ReplaceConversations makes the table match list, keeping cached messages
// and summaries of conversations that survive.
func (db *DB) ReplaceConversations(list []chat.Conversation) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`CREATE TEMP TABLE IF NOT EXISTS keep_ids (id TEXT PRIMARY KEY)`); err != nil {
		return fmt.Errorf("temp table: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM keep_ids`); err != nil {
		return fmt.Errorf("clear temp table: %w", err)
	}
	now := time.Now().UnixMilli()
	for _, c := range list {
		if _, err := tx.Exec(`
			INSERT INTO conversations (id, title, last_message, last_message_at, unread_count, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				title = excluded.title,
				last_message = excluded.last_message,
				last_message_at = excluded.last_message_at,
				unread_count = excluded.unread_count,
				updated_at = excluded.updated_at`,
			c.ID, c.Title, c.LastMessage, toMillis(c.LastMessageAt), c.UnreadCount, now); err != nil {
			return fmt.Errorf("upsert conversation %s: %w", c.ID, err)
		}
		if _, err := tx.Exec(`INSERT OR IGNORE INTO keep_ids (id) VALUES (?)`, c.ID); err != nil {
			return fmt.Errorf("mark conversation %s: %w", c.ID, err)
		}
	}
	if _, err := tx.Exec(`DELETE FROM conversations WHERE id NOT IN (SELECT id FROM keep_ids)`); err != nil {
		return fmt.Errorf("prune conversations: %w", err)
	}
	return tx.Commit()
}

// ListConversations returns conversations most recent first.
func (db *DB) ListConversations(limit int) ([]chat.Conversation, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.Query(`
		SELECT id, title, last_message, last_message_at, unread_count
		FROM conversations
		ORDER BY last_message_at DESC, id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []chat.Conversation
	for rows.Next() {
		var c chat.Conversation
		var at int64
		if err := rows.Scan(&c.ID, &c.Title, &c.LastMessage, &at, &c.UnreadCount); err != nil {
			return nil, err
		}
		c.LastMessageAt = fromMillis(at)
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetConversation returns a single conversation, or nil if absent.
func (db *DB) GetConversation(id string) (*chat.Conversation, error) {
	var c chat.Conversation
	var at int64
	err := db.QueryRow(`
		SELECT id, title, last_message, last_message_at, unread_count
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.Title, &c.LastMessage, &at, &c.UnreadCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.LastMessageAt = fromMillis(at)
	return &c, nil
}

// DeleteConversation removes a conversation with its cached messages and
// summaries.
func (db *DB) DeleteConversation(id string) error {
	_, err := db.Exec(`DELETE FROM conversations WHERE id = ?`, id)
	return err
}
