package bus

import "time"

// Kind names an event. Namespaces are dot-separated prefixes.
type Kind string

const (
	ConnectionStatusChanged Kind = "connection.status_changed"
	ConnectionError         Kind = "connection.error"

	ConversationUpdated Kind = "conversation.updated"
	ConversationRead    Kind = "conversation.read"
	ConversationDeleted Kind = "conversation.deleted"
	ConversationTyping  Kind = "conversation.typing"
	ConversationSummary Kind = "conversation.summary"

	MessageUpserted   Kind = "message.upserted"
	MessageStatus     Kind = "message.status"
	MessageSendAck    Kind = "message.send_ack"
	MessageSendFailed Kind = "message.send_failed"

	PresenceChanged Kind = "presence.changed"

	Alert Kind = "alert"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      Kind
	Timestamp time.Time
	Payload   any
}

// ConversationUpdate is the payload of ConversationUpdated. Exactly one of
// UnreadCount and UnreadIncrement is set.
type ConversationUpdate struct {
	ConversationID  string
	LastMessage     string
	LastMessageAt   time.Time
	UnreadCount     *int
	UnreadIncrement *int
	Created         bool
}

// ConversationReadNotice is the payload of ConversationRead.
type ConversationReadNotice struct {
	ConversationID string
}

// ConversationDeletion is the payload of ConversationDeleted.
type ConversationDeletion struct {
	ConversationID string
	DeletedBy      string
	// WasOpen reports that the deleted conversation was the open window and
	// the window must redirect to the list.
	WasOpen bool
	// ByOther reports that another participant performed the deletion.
	ByOther bool
}

// TypingChange is the payload of ConversationTyping.
type TypingChange struct {
	ConversationID string
	UserIDs        []string
}

// SummaryChange is the payload of ConversationSummary.
type SummaryChange struct {
	ConversationID string
	Pending        bool
	Error          string
	Count          int
}

// MessageRef identifies a message inside a conversation.
type MessageRef struct {
	ConversationID string
	MessageID      string
	ClientID       string
	Status         string
}

// SendFailure is the payload of MessageSendFailed.
type SendFailure struct {
	ConversationID string
	ClientID       string
	Error          string
}

// Presence is the payload of PresenceChanged.
type Presence struct {
	UserID string
	Online bool
}

// AlertNotice is the payload of Alert. It is an actionable user-facing error.
type AlertNotice struct {
	Source  string
	Message string
}

// IntPtr returns a pointer to n. Used for the optional unread fields.
func IntPtr(n int) *int {
	return &n
}
