package chat

import "time"

// Status is the delivery status of a message. Statuses only move forward:
// sent -> delivered -> seen.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusSeen      Status = "seen"
)

var statusRank = map[Status]int{
	StatusSent:      1,
	StatusDelivered: 2,
	StatusSeen:      3,
}

// Rank orders statuses. Unknown statuses rank 0.
func (s Status) Rank() int {
	return statusRank[s]
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s.Rank() > 0
}

// Advances reports whether moving from s to next is a forward transition.
// Equal or earlier statuses never advance.
func (s Status) Advances(next Status) bool {
	return next.Valid() && next.Rank() > s.Rank()
}

// Attachment is an opaque reference to uploaded media.
type Attachment struct {
	URL         string `json:"url"`
	Name        string `json:"name,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// Message is a chat message. Only Status changes after creation.
type Message struct {
	ID             string         `json:"id"`
	ClientID       string         `json:"clientId,omitempty"`
	ConversationID string         `json:"conversationId"`
	SenderID       string         `json:"senderId"`
	Text           string         `json:"text"`
	Attachments    []Attachment   `json:"attachments,omitempty"`
	Status         Status         `json:"status"`
	CreatedAt      time.Time      `json:"createdAt"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Conversation is the minimal conversation shape returned by the initial fetch.
type Conversation struct {
	ID            string    `json:"id"`
	Title         string    `json:"title,omitempty"`
	LastMessage   string    `json:"lastMessage,omitempty"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	UnreadCount   int       `json:"unreadCount"`
}
