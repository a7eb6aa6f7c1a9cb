// Package api serves the daemon's local control API.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/summary"
	chatsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/view"
)

// Synchronizer is the part of the synchronizer the API drives.
type Synchronizer interface {
	Snapshot() []chatsync.ConversationState
	Conversation(id string) (chatsync.ConversationState, bool)
	Window() (string, []chat.Message)
	UnreadTotal() int
	Online(userID string) bool
	OpenConversation(ctx context.Context, id string, messages []chat.Message) error
	CloseConversation(ctx context.Context)
	DeleteConversation(ctx context.Context, id string) error
	SendMessage(ctx context.Context, conversationID, text string, attachments []chat.Attachment, parentID string) (chat.Message, error)
	Keystroke(ctx context.Context, conversationID string) error
	StopTyping(ctx context.Context) error
	GenerateSummary(ctx context.Context, conversationID string) (summary.Record, error)
	RefreshSummaries(ctx context.Context, conversationID string) ([]summary.Record, error)
}

// Connection reports the transport state.
type Connection interface {
	State() status.Snapshot
}

// Retrier requeues a failed outbox entry.
type Retrier interface {
	Retry(clientID string) error
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Session           string `json:"session"`
	UserID            string `json:"userId"`
	Connection        string `json:"connection"`
	ReconnectAttempts int    `json:"reconnectAttempts"`
	UnreadTotal       int    `json:"unreadTotal"`
	OpenConversation  string `json:"openConversation,omitempty"`
	UptimeMs          int64  `json:"uptimeMs"`
}

// WindowResponse is the open conversation with its messages.
type WindowResponse struct {
	view.WindowState
	Messages []chat.Message `json:"messages"`
	Warning  string         `json:"warning,omitempty"`
}

// SendRequest is the body of POST /conversations/:id/messages.
type SendRequest struct {
	Text            string            `json:"text"`
	Attachments     []chat.Attachment `json:"attachments"`
	ParentMessageID string            `json:"parentMessageId"`
}

// TypingRequest is the body of POST /conversations/:id/typing.
type TypingRequest struct {
	Typing bool `json:"typing"`
}

// Handler serves control endpoints.
type Handler struct {
	session string
	userID  string
	started time.Time
	sync    Synchronizer
	conn    Connection
	outbox  Retrier
	list    *view.List
	window  *view.Window
}

// NewHandler builds a Handler. outbox may be nil.
func NewHandler(session, userID string, s Synchronizer, conn Connection, outbox Retrier, list *view.List, window *view.Window) *Handler {
	return &Handler{
		session: session,
		userID:  userID,
		started: time.Now(),
		sync:    s,
		conn:    conn,
		outbox:  outbox,
		list:    list,
		window:  window,
	}
}

// Status reports connection and session state.
func (h *Handler) Status(c *gin.Context) {
	snap := h.conn.State()
	open, _ := h.sync.Window()
	c.JSON(http.StatusOK, StatusResponse{
		Session:           h.session,
		UserID:            h.userID,
		Connection:        string(snap.Status),
		ReconnectAttempts: snap.ReconnectAttempts,
		UnreadTotal:       h.sync.UnreadTotal(),
		OpenConversation:  open,
		UptimeMs:          time.Since(h.started).Milliseconds(),
	})
}

// ListConversations returns the list projection, most recent first.
func (h *Handler) ListConversations(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"conversations": h.list.Entries(),
		"unreadTotal":   h.list.UnreadTotal(),
	})
}

// GetConversation returns one conversation with its summaries.
func (h *Handler) GetConversation(c *gin.Context) {
	conv, ok := h.sync.Conversation(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	c.JSON(http.StatusOK, conv)
}

// OpenConversation makes a conversation the open window.
func (h *Handler) OpenConversation(c *gin.Context) {
	id := c.Param("id")
	if _, ok := h.sync.Conversation(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	// Failed seen acks leave the window open.
	var warning string
	if err := h.sync.OpenConversation(c.Request.Context(), id, nil); err != nil {
		warning = err.Error()
	}
	h.window.Open(id)
	h.writeWindow(c, warning)
}

// CloseConversation returns the window to the list.
func (h *Handler) CloseConversation(c *gin.Context) {
	h.sync.CloseConversation(c.Request.Context())
	h.window.Close()
	c.Status(http.StatusNoContent)
}

// GetWindow returns the open conversation.
func (h *Handler) GetWindow(c *gin.Context) {
	h.writeWindow(c, "")
}

func (h *Handler) writeWindow(c *gin.Context, warning string) {
	_, msgs := h.sync.Window()
	if msgs == nil {
		msgs = []chat.Message{}
	}
	c.JSON(http.StatusOK, WindowResponse{WindowState: h.window.State(), Messages: msgs, Warning: warning})
}

// DeleteConversation deletes a conversation server-side.
func (h *Handler) DeleteConversation(c *gin.Context) {
	if err := h.sync.DeleteConversation(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SendMessage queues a message and returns the optimistic copy.
func (h *Handler) SendMessage(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	msg, err := h.sync.SendMessage(c.Request.Context(), c.Param("id"), req.Text, req.Attachments, req.ParentMessageID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, msg)
}

// Typing reports local composing activity.
func (h *Handler) Typing(c *gin.Context) {
	var req TypingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	var err error
	if req.Typing {
		err = h.sync.Keystroke(c.Request.Context(), c.Param("id"))
	} else {
		err = h.sync.StopTyping(c.Request.Context())
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListSummaries returns cached summaries, refetching when refresh=true.
func (h *Handler) ListSummaries(c *gin.Context) {
	id := c.Param("id")
	if c.Query("refresh") == "true" {
		recs, err := h.sync.RefreshSummaries(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"summaries": recs})
		return
	}
	conv, ok := h.sync.Conversation(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"summaries": conv.Summaries,
		"pending":   conv.SummaryPending,
		"error":     conv.SummaryError,
	})
}

// GenerateSummary requests a new summary and waits for it.
func (h *Handler) GenerateSummary(c *gin.Context) {
	rec, err := h.sync.GenerateSummary(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// RetrySend requeues a failed outbox entry.
func (h *Handler) RetrySend(c *gin.Context) {
	if h.outbox == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "outbox not configured"})
		return
	}
	if err := h.outbox.Retry(c.Param("clientId")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusAccepted)
}

// Presence reports whether a user is online.
func (h *Handler) Presence(c *gin.Context) {
	id := c.Param("id")
	c.JSON(http.StatusOK, gin.H{"userId": id, "online": h.sync.Online(id)})
}

func writeError(c *gin.Context, err error) {
	code := http.StatusBadGateway
	switch {
	case errors.Is(err, chatsync.ErrUnknownConversation):
		code = http.StatusNotFound
	case errors.Is(err, chatsync.ErrEmptyMessage):
		code = http.StatusBadRequest
	case errors.Is(err, chatsync.ErrSummaryPending):
		code = http.StatusConflict
	case errors.Is(err, chatsync.ErrNotConfigured):
		code = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}
	c.JSON(code, gin.H{"error": err.Error()})
}
