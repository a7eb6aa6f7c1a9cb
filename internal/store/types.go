package store

import (
	"encoding/json"
	"time"
)

// Outbox entry states.
const (
	OutboxQueued  = "queued"
	OutboxSending = "sending"
	OutboxSent    = "sent"
	OutboxFailed  = "failed"
)

// OutboxEntry represents an outgoing message.
type OutboxEntry struct {
	ID              int64
	ClientID        string
	ConversationID  string
	Body            string
	Attachments     json.RawMessage
	ParentMessageID string
	Status          string
	ErrorMessage    string
	ServerID        string
	CreatedAt       time.Time
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func encodeJSON(v any, empty string) string {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return empty
	}
	return string(data)
}
