package transport

import (
	"encoding/json"

	"github.com/matheus3301/chatsync/internal/chat"
)

// Wire event names.
const (
	EventRegisterPresence    = "register-presence"
	EventSendMessage         = "send-message"
	EventMessageReceived     = "message-received"
	EventTyping              = "typing"
	EventMessageDelivered    = "message-delivered"
	EventMessageSeen         = "message-seen"
	EventMessageStatusUpdate = "message-status-update"
	EventUserOnline          = "user-online"
	EventUserOffline         = "user-offline"
	EventSummaryGenerated    = "summary-generated"
	EventConversationDeleted = "conversation-deleted"
	EventError               = "error"
)

// Local lifecycle events. They never travel over the wire.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"
)

// Envelope is one frame on the wire.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type PresencePayload struct {
	UserID string `json:"userId"`
}

type SendMessagePayload struct {
	ConversationID  string            `json:"conversationId"`
	Text            string            `json:"text"`
	Attachments     []chat.Attachment `json:"attachments"`
	ParentMessageID string            `json:"parentMessageId,omitempty"`
	ClientID        string            `json:"clientId,omitempty"`
}

type MessageReceivedPayload struct {
	Message chat.Message `json:"message"`
}

type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// AckPayload is shared by message-delivered and message-seen.
type AckPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

type StatusUpdatePayload struct {
	MessageID      string      `json:"messageId"`
	Status         chat.Status `json:"status"`
	ConversationID string      `json:"conversationId"`
}

type UserPresencePayload struct {
	UserID string `json:"userId"`
}

// SummaryGeneratedPayload signals that a summary is ready. Summary is set when
// the server pushes the record inline; otherwise the client refetches.
type SummaryGeneratedPayload struct {
	ConversationID string         `json:"conversationId"`
	Summary        map[string]any `json:"summary,omitempty"`
}

type ConversationDeletedPayload struct {
	ConversationID string `json:"conversationId"`
	DeletedBy      string `json:"deletedBy"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
