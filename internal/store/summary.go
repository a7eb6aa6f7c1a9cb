package store

import (
	"encoding/json"
	"fmt"

	"github.com/matheus3301/chatsync/internal/summary"
)

// SaveSummaries upserts summary records for a conversation.
func (db *DB) SaveSummaries(conversationID string, records []summary.Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode summary %s: %w", r.ID, err)
		}
		if _, err := tx.Exec(`
			INSERT INTO summaries (conversation_id, id, record, sort_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(conversation_id, id) DO UPDATE SET
				record = excluded.record,
				sort_at = excluded.sort_at`,
			conversationID, r.ID, string(data), toMillis(r.SortKey())); err != nil {
			return fmt.Errorf("upsert summary %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// DeleteSummary removes one record, e.g. a synthetic one superseded by the
// server copy.
func (db *DB) DeleteSummary(conversationID, id string) error {
	_, err := db.Exec(`DELETE FROM summaries WHERE conversation_id = ? AND id = ?`, conversationID, id)
	return err
}

// ListSummaries returns a conversation's cached summaries in display order.
func (db *DB) ListSummaries(conversationID string) ([]summary.Record, error) {
	rows, err := db.Query(`SELECT record FROM summaries WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var recs []summary.Record
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var r summary.Record
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("decode summary: %w", err)
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return summary.Merge(nil, recs...), nil
}
