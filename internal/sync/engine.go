// Package sync keeps the conversation list, the open conversation window,
// delivery status, typing presence and summaries consistent under
// reordered, duplicated and partially observed transport events.
package sync

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	gosync "sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/delivery"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/summary"
	"github.com/matheus3301/chatsync/internal/transport"
	"github.com/matheus3301/chatsync/internal/typing"
)

var (
	// ErrUnknownConversation is returned for operations on a conversation
	// missing from the list.
	ErrUnknownConversation = errors.New("sync: unknown conversation")
	// ErrSummaryPending is returned when a generation request is in flight.
	ErrSummaryPending = errors.New("sync: summary generation already pending")
	ErrEmptyMessage   = errors.New("sync: message has no text or attachments")
	ErrNotConfigured  = errors.New("sync: collaborator not configured")
)

const (
	windowLimit   = 50
	previewLength = 100
	clientPrefix  = "tmp-"
)

// ConversationAPI is the request/response collaborator for the initial list
// fetch and conversation deletion.
type ConversationAPI interface {
	List(ctx context.Context) ([]chat.Conversation, error)
	Delete(ctx context.Context, conversationID string) error
}

// SummaryService generates and fetches summaries.
type SummaryService interface {
	Generate(ctx context.Context, conversationID string, opts summary.GenerateOptions) (summary.Record, error)
	Fetch(ctx context.Context, conversationID string) ([]summary.Record, error)
}

// Outbox delivers optimistic sends to the transport.
type Outbox interface {
	Enqueue(clientID, conversationID, text string, attachments []chat.Attachment, parentID string) error
	Confirm(clientID, serverID string) error
	Wake()
}

// Options configures an Engine. Only Self, Bus and Sender are required.
type Options struct {
	Self          string
	Bus           *bus.Bus
	Sender        delivery.Sender
	Conversations ConversationAPI
	Summaries     SummaryService
	Outbox        Outbox
	Reconciler    *Reconciler
	TypingTimeout time.Duration
	Logger        *zap.Logger
}

// ConversationState is a copy of one conversation as the engine sees it.
type ConversationState struct {
	chat.Conversation
	TypingUserIDs  []string         `json:"typingUserIds"`
	Summaries      []summary.Record `json:"summaries"`
	SummaryPending bool             `json:"summaryPending"`
	SummaryError   string           `json:"summaryError,omitempty"`
}

// Engine is the conversation synchronizer. It is the only writer of
// conversation state; every handler runs to completion under one mutex and
// views observe the result through bus events.
type Engine struct {
	mu gosync.Mutex

	self          string
	bus           *bus.Bus
	sender        delivery.Sender
	convAPI       ConversationAPI
	sumAPI        SummaryService
	outbox        Outbox
	rec           *Reconciler
	typingTimeout time.Duration
	logger        *zap.Logger
	cancel        context.CancelFunc

	convs  map[string]*chat.Conversation
	order  []string
	open   string
	window []chat.Message
	online map[string]bool
	// gen counts local mutations; liveGen records the last one per
	// conversation so Load keeps entries created while it was fetching.
	gen     uint64
	liveGen map[string]uint64

	delivery  *delivery.Tracker
	typing    *typing.Tracker
	emitter   *typing.Emitter
	summaries *summary.Cache
}

// NewEngine creates a synchronizer for the signed-in user.
func NewEngine(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	rec := opts.Reconciler
	if rec == nil {
		rec = NewReconciler(nil, logger)
	}
	e := &Engine{
		self:          opts.Self,
		bus:           opts.Bus,
		sender:        opts.Sender,
		convAPI:       opts.Conversations,
		sumAPI:        opts.Summaries,
		outbox:        opts.Outbox,
		rec:           rec,
		typingTimeout: opts.TypingTimeout,
		logger:        logger,
	}
	e.resetLocked()
	return e
}

// Start subscribes to outbox results on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.SubscribeNamed("sync.engine", "message.send_", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.MessageSendAck:
		if ref, ok := evt.Payload.(bus.MessageRef); ok {
			e.markOptimistic(ref.ConversationID, ref.ClientID, func(m *chat.Message) {
				if m.Status.Advances(chat.StatusSent) {
					m.Status = chat.StatusSent
				}
				delete(m.Metadata, "sendError")
			})
		}
	case bus.MessageSendFailed:
		if f, ok := evt.Payload.(bus.SendFailure); ok {
			e.markOptimistic(f.ConversationID, f.ClientID, func(m *chat.Message) {
				if m.Metadata == nil {
					m.Metadata = map[string]any{}
				}
				m.Metadata["sendError"] = f.Error
			})
		}
	}
}

func (e *Engine) markOptimistic(conversationID, clientID string, fn func(*chat.Message)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if conversationID != e.open {
		return
	}
	for i := range e.window {
		if e.window[i].ID == clientID {
			// Window copies share the map.
			e.window[i].Metadata = maps.Clone(e.window[i].Metadata)
			fn(&e.window[i])
			e.publish(bus.MessageUpserted, bus.MessageRef{
				ConversationID: conversationID,
				MessageID:      clientID,
				ClientID:       clientID,
				Status:         string(e.window[i].Status),
			})
			return
		}
	}
}

// Reset recreates all per-session state, e.g. on logout.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.emitter != nil {
		_ = e.emitter.Stop(context.Background())
	}
	if e.typing != nil {
		e.typing.Reset()
	}
	e.resetLocked()
	metrics.SetUnread(0)
}

func (e *Engine) resetLocked() {
	e.convs = make(map[string]*chat.Conversation)
	e.order = nil
	e.open = ""
	e.window = nil
	e.online = make(map[string]bool)
	e.liveGen = make(map[string]uint64)
	e.delivery = delivery.NewTracker(e.self, e.sender, e.bus, e.logger)
	e.typing = typing.NewTracker(e.typingTimeout, e.typingExpired)
	e.emitter = typing.NewEmitter(e.self, e.sender, e.typingTimeout, e.logger)
	e.summaries = summary.NewCache()
}

// typingExpired runs on a timer goroutine without any engine lock.
func (e *Engine) typingExpired(conversationID string, userIDs []string) {
	e.publish(bus.ConversationTyping, bus.TypingChange{ConversationID: conversationID, UserIDs: userIDs})
}

// HandleMessage reconciles one inbound message into the window and the list.
func (e *Engine) HandleMessage(ctx context.Context, msg chat.Message) error {
	if msg.ID == "" || msg.ConversationID == "" {
		return fmt.Errorf("sync: message without id or conversation")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	fromSelf := msg.SenderID == e.self
	_, duplicate := e.delivery.Status(msg.ID)
	convID := msg.ConversationID

	if convID == e.open {
		c := e.ensureLocked(convID)
		clientID := e.mergeWindowLocked(msg)
		e.touchLocked(c, msg)
		c.UnreadCount = 0
		e.moveToFrontLocked(convID)
		e.rec.conversation(*c)
		e.persistMessageLocked(msg, clientID)
		e.publishUpdateLocked(c, bus.IntPtr(0), nil, false)
		e.publish(bus.MessageUpserted, bus.MessageRef{ConversationID: convID, MessageID: msg.ID, ClientID: msg.ClientID, Status: string(msg.Status)})
		metrics.SetUnread(e.unreadTotalLocked())

		if fromSelf {
			e.delivery.Observe(msg)
			return nil
		}
		err := e.delivery.OnInbound(ctx, msg)
		if acked, serr := e.delivery.MarkSeen(ctx, convID, []chat.Message{msg}); serr != nil {
			err = errors.Join(err, serr)
		} else if len(acked) > 0 {
			e.setWindowStatusLocked(msg.ID, chat.StatusSeen)
			e.rec.status(convID, msg.ID, chat.StatusSeen)
		}
		return err
	}

	c, known := e.convs[convID]
	switch {
	case !known && fromSelf:
		// The conversation exists server-side and arrives with the next full load.
		e.logger.Debug("dropping own message for unknown conversation",
			zap.String("conversation_id", convID), zap.String("msg_id", msg.ID))
		e.delivery.Observe(msg)
		return nil
	case !known:
		c = &chat.Conversation{ID: convID, UnreadCount: 1}
		e.convs[convID] = c
		e.touchLocked(c, msg)
		e.moveToFrontLocked(convID)
		e.rec.conversation(*c)
		e.publishUpdateLocked(c, bus.IntPtr(1), nil, true)
	case !fromSelf && !duplicate:
		c.UnreadCount++
		e.touchLocked(c, msg)
		e.moveToFrontLocked(convID)
		e.rec.conversation(*c)
		e.publishUpdateLocked(c, nil, bus.IntPtr(1), false)
	default:
		e.touchLocked(c, msg)
		e.moveToFrontLocked(convID)
		e.rec.conversation(*c)
		e.publishUpdateLocked(c, bus.IntPtr(c.UnreadCount), nil, false)
	}
	e.persistMessageLocked(msg, msg.ClientID)
	e.publish(bus.MessageUpserted, bus.MessageRef{ConversationID: convID, MessageID: msg.ID, ClientID: msg.ClientID, Status: string(msg.Status)})
	metrics.SetUnread(e.unreadTotalLocked())

	if fromSelf {
		e.delivery.Observe(msg)
		return nil
	}
	return e.delivery.OnInbound(ctx, msg)
}

// persistMessageLocked stores msg, replacing the optimistic copy when the
// message is the echo of a local send.
func (e *Engine) persistMessageLocked(msg chat.Message, clientID string) {
	if clientID == "" || msg.SenderID != e.self {
		e.rec.message(msg)
		return
	}
	e.rec.echo(clientID, msg)
	if e.outbox != nil {
		if err := e.outbox.Confirm(clientID, msg.ID); err != nil {
			e.logger.Warn("failed to confirm outbox entry", zap.Error(err), zap.String("client_id", clientID))
		}
	}
}

// mergeWindowLocked updates the window in place by message id, or by client
// id for the echo of an optimistic send, else appends. It returns the client
// id of a replaced optimistic message.
func (e *Engine) mergeWindowLocked(msg chat.Message) string {
	if s, ok := e.delivery.Status(msg.ID); ok && s.Rank() > msg.Status.Rank() {
		msg.Status = s
	}
	for i, m := range e.window {
		switch {
		case m.ID == msg.ID:
			if m.Status.Rank() > msg.Status.Rank() {
				msg.Status = m.Status
			}
			e.window[i] = msg
			return ""
		case msg.ClientID != "" && m.ID == msg.ClientID:
			e.window[i] = msg
			return msg.ClientID
		}
	}
	e.window = append(e.window, msg)
	return ""
}

func (e *Engine) setWindowStatusLocked(messageID string, s chat.Status) bool {
	for i := range e.window {
		if e.window[i].ID == messageID {
			if !e.window[i].Status.Advances(s) {
				return false
			}
			e.window[i].Status = s
			return true
		}
	}
	return false
}

// OpenConversation makes id the open window. A nil messages slice loads the
// window from the local cache. Every visible message from another sender is
// acknowledged as seen and the conversation's unread count drops to zero.
func (e *Engine) OpenConversation(ctx context.Context, id string, messages []chat.Message) error {
	if id == "" {
		return ErrUnknownConversation
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.open != id {
		if err := e.emitter.Stop(ctx); err != nil {
			e.logger.Debug("typing stop failed", zap.Error(err))
		}
	}
	if messages == nil {
		messages = e.rec.Messages(id, windowLimit)
	}
	c := e.ensureLocked(id)
	e.open = id
	e.window = make([]chat.Message, 0, len(messages))
	for _, m := range messages {
		if m.ConversationID == "" {
			m.ConversationID = id
		}
		if m.ConversationID != id || m.ID == "" {
			continue
		}
		if s, ok := e.delivery.Status(m.ID); ok && s.Rank() > m.Status.Rank() {
			m.Status = s
		} else {
			e.delivery.Observe(m)
		}
		e.window = append(e.window, m)
	}
	slices.SortStableFunc(e.window, func(a, b chat.Message) int { return a.CreatedAt.Compare(b.CreatedAt) })
	if n := len(e.window); n > 0 {
		e.touchLocked(c, e.window[n-1])
	}
	c.UnreadCount = 0
	e.typing.SetActive(id)

	e.rec.conversation(*c)
	for _, m := range e.window {
		e.rec.message(m)
	}

	acked, err := e.delivery.MarkSeen(ctx, id, e.window)
	for _, mid := range acked {
		e.setWindowStatusLocked(mid, chat.StatusSeen)
		e.rec.status(id, mid, chat.StatusSeen)
	}
	e.publish(bus.ConversationRead, bus.ConversationReadNotice{ConversationID: id})
	e.publishUpdateLocked(c, bus.IntPtr(0), nil, false)
	metrics.SetUnread(e.unreadTotalLocked())
	if err != nil {
		return fmt.Errorf("seen acks: %w", err)
	}
	return nil
}

// CloseConversation clears the open window.
func (e *Engine) CloseConversation(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.emitter.Stop(ctx); err != nil {
		e.logger.Debug("typing stop failed", zap.Error(err))
	}
	e.open = ""
	e.window = nil
	e.typing.SetActive("")
}

// HandleDeleted removes a conversation deleted by anyone. It reports whether
// the conversation was known.
func (e *Engine) HandleDeleted(conversationID, deletedBy string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, known := e.convs[conversationID]
	wasOpen := e.open == conversationID
	if !known && !wasOpen {
		return false
	}
	e.removeLocked(conversationID)
	if wasOpen {
		e.open = ""
		e.window = nil
		e.typing.SetActive("")
	}
	e.publish(bus.ConversationDeleted, bus.ConversationDeletion{
		ConversationID: conversationID,
		DeletedBy:      deletedBy,
		WasOpen:        wasOpen,
		ByOther:        deletedBy != "" && deletedBy != e.self,
	})
	metrics.SetUnread(e.unreadTotalLocked())
	return true
}

func (e *Engine) removeLocked(conversationID string) {
	delete(e.convs, conversationID)
	delete(e.liveGen, conversationID)
	e.order = slices.DeleteFunc(e.order, func(id string) bool { return id == conversationID })
	e.summaries.Forget(conversationID)
	e.rec.deleted(conversationID)
}

// DeleteConversation asks the server to delete a conversation. On failure an
// alert is published and local state is left unchanged.
func (e *Engine) DeleteConversation(ctx context.Context, conversationID string) error {
	if e.convAPI == nil {
		return ErrNotConfigured
	}
	e.mu.Lock()
	_, ok := e.convs[conversationID]
	e.mu.Unlock()
	if !ok {
		return ErrUnknownConversation
	}

	if err := e.convAPI.Delete(ctx, conversationID); err != nil {
		e.logger.Warn("conversation delete failed", zap.Error(err), zap.String("conversation_id", conversationID))
		e.publish(bus.Alert, bus.AlertNotice{
			Source:  "conversation.delete",
			Message: fmt.Sprintf("could not delete conversation: %v", err),
		})
		return fmt.Errorf("delete conversation %s: %w", conversationID, err)
	}
	e.HandleDeleted(conversationID, e.self)
	return nil
}

// SendMessage shows an optimistic message at once and hands it to the
// outbox. The server echo replaces it in place.
func (e *Engine) SendMessage(ctx context.Context, conversationID, text string, attachments []chat.Attachment, parentID string) (chat.Message, error) {
	if strings.TrimSpace(text) == "" && len(attachments) == 0 {
		return chat.Message{}, ErrEmptyMessage
	}
	if e.outbox == nil {
		return chat.Message{}, ErrNotConfigured
	}

	e.mu.Lock()
	c, ok := e.convs[conversationID]
	if !ok {
		e.mu.Unlock()
		return chat.Message{}, ErrUnknownConversation
	}
	clientID := clientPrefix + uuid.NewString()
	msg := chat.Message{
		ID:             clientID,
		ClientID:       clientID,
		ConversationID: conversationID,
		SenderID:       e.self,
		Text:           text,
		Attachments:    attachments,
		CreatedAt:      time.Now().UTC(),
	}
	if parentID != "" {
		msg.Metadata = map[string]any{"parentMessageId": parentID}
	}
	if e.open == conversationID {
		e.window = append(e.window, msg)
	}
	e.touchLocked(c, msg)
	e.moveToFrontLocked(conversationID)
	e.rec.conversation(*c)
	e.rec.message(msg)
	e.publishUpdateLocked(c, bus.IntPtr(c.UnreadCount), nil, false)
	e.publish(bus.MessageUpserted, bus.MessageRef{ConversationID: conversationID, MessageID: clientID, ClientID: clientID})
	if err := e.emitter.Stop(ctx); err != nil {
		e.logger.Debug("typing stop failed", zap.Error(err))
	}
	e.mu.Unlock()

	if err := e.outbox.Enqueue(clientID, conversationID, text, attachments, parentID); err != nil {
		e.publish(bus.MessageSendFailed, bus.SendFailure{ConversationID: conversationID, ClientID: clientID, Error: err.Error()})
		return msg, fmt.Errorf("queue message: %w", err)
	}
	return msg, nil
}

// HandleStatusUpdate applies a status propagated back to the sender.
func (e *Engine) HandleStatusUpdate(u transport.StatusUpdatePayload) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.delivery.OnStatusUpdate(u) {
		return false
	}
	if u.ConversationID == e.open {
		e.setWindowStatusLocked(u.MessageID, u.Status)
	}
	if _, known := e.convs[u.ConversationID]; known {
		e.rec.status(u.ConversationID, u.MessageID, u.Status)
	}
	return true
}

// HandleTyping applies an inbound typing event. Events for conversations
// other than the open one are ignored.
func (e *Engine) HandleTyping(conversationID, userID string, isTyping bool) bool {
	if userID == "" || userID == e.self {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.typing.SetTyping(conversationID, userID, isTyping) {
		return false
	}
	e.publish(bus.ConversationTyping, bus.TypingChange{
		ConversationID: conversationID,
		UserIDs:        e.typing.Typing(conversationID),
	})
	return true
}

// Keystroke reports local composing activity in a conversation.
func (e *Engine) Keystroke(ctx context.Context, conversationID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.convs[conversationID]; !ok {
		return ErrUnknownConversation
	}
	return e.emitter.Keystroke(ctx, conversationID)
}

// StopTyping emits the local stop signal at once.
func (e *Engine) StopTyping(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.emitter.Stop(ctx)
}

// HandleSummaryGenerated merges a pushed summary and resolves a pending
// request. A push without a usable record triggers a refetch. Pushes for
// conversations not in the list are ignored.
func (e *Engine) HandleSummaryGenerated(ctx context.Context, conversationID string, raw map[string]any) error {
	e.mu.Lock()
	_, known := e.convs[conversationID]
	e.mu.Unlock()
	if !known {
		e.logger.Debug("ignoring summary for unknown conversation", zap.String("conversation_id", conversationID))
		return nil
	}
	if len(raw) > 0 {
		if rec, ok := summary.Normalize(raw, conversationID); ok {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.applySummariesLocked(conversationID, rec)
			e.summaries.Resolve(conversationID)
			e.publishSummaryLocked(conversationID)
			return nil
		}
		metrics.IncSummaryRejected()
	}

	e.mu.Lock()
	if e.summaries.Resolve(conversationID) {
		e.publishSummaryLocked(conversationID)
	}
	e.mu.Unlock()
	if e.sumAPI == nil {
		return nil
	}
	_, err := e.RefreshSummaries(ctx, conversationID)
	return err
}

// GenerateSummary requests a new summary. The pending marker is cleared by
// whichever of the direct response and the push arrives first; on failure
// the error is kept for inline display and the request may be retried.
func (e *Engine) GenerateSummary(ctx context.Context, conversationID string) (summary.Record, error) {
	if e.sumAPI == nil {
		return summary.Record{}, ErrNotConfigured
	}
	e.mu.Lock()
	c, ok := e.convs[conversationID]
	if !ok {
		e.mu.Unlock()
		return summary.Record{}, ErrUnknownConversation
	}
	if !e.summaries.Begin(conversationID) {
		e.mu.Unlock()
		return summary.Record{}, ErrSummaryPending
	}
	opts := summary.GenerateOptions{RequestedBy: e.self}
	if !c.LastMessageAt.IsZero() {
		end := c.LastMessageAt
		opts.RangeEnd = &end
	}
	e.publishSummaryLocked(conversationID)
	e.mu.Unlock()

	rec, err := e.sumAPI.Generate(ctx, conversationID, opts)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		metrics.IncSummaryRequest("error")
		if e.summaries.Fail(conversationID, err) {
			e.publishSummaryLocked(conversationID)
		}
		return summary.Record{}, fmt.Errorf("generate summary: %w", err)
	}
	metrics.IncSummaryRequest("ok")
	e.applySummariesLocked(conversationID, rec)
	if !e.summaries.Resolve(conversationID) {
		e.logger.Debug("summary already resolved by push", zap.String("conversation_id", conversationID))
	}
	e.publishSummaryLocked(conversationID)
	return rec, nil
}

// RefreshSummaries fetches the stored summaries and merges them.
func (e *Engine) RefreshSummaries(ctx context.Context, conversationID string) ([]summary.Record, error) {
	if e.sumAPI == nil {
		return nil, ErrNotConfigured
	}
	recs, err := e.sumAPI.Fetch(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("fetch summaries: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	merged := e.applySummariesLocked(conversationID, recs...)
	e.publishSummaryLocked(conversationID)
	return merged, nil
}

func (e *Engine) applySummariesLocked(conversationID string, recs ...summary.Record) []summary.Record {
	before := e.summaries.State(conversationID).Records
	after := e.summaries.Merge(conversationID, recs...)
	if _, known := e.convs[conversationID]; known {
		e.rec.summaries(conversationID, before, after)
	}
	return after
}

func (e *Engine) publishSummaryLocked(conversationID string) {
	st := e.summaries.State(conversationID)
	e.publish(bus.ConversationSummary, bus.SummaryChange{
		ConversationID: conversationID,
		Pending:        st.Pending,
		Error:          st.Error,
		Count:          len(st.Records),
	})
}

// HandlePresence records a user-online or user-offline broadcast.
func (e *Engine) HandlePresence(userID string, online bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.online[userID] == online {
		return
	}
	if online {
		e.online[userID] = true
	} else {
		delete(e.online, userID)
	}
	e.publish(bus.PresenceChanged, bus.Presence{UserID: userID, Online: online})
}

// Online reports whether userID was last seen online.
func (e *Engine) Online(userID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online[userID]
}

// HandleTransportError surfaces a protocol error as an alert. Optimistic
// state is left as is.
func (e *Engine) HandleTransportError(message string) {
	e.logger.Warn("transport error event", zap.String("message", message))
	e.publish(bus.Alert, bus.AlertNotice{Source: "transport", Message: message})
}

// HandleConnected runs after every successful handshake. Typing state does
// not survive a reconnect and queued sends are flushed.
func (e *Engine) HandleConnected() {
	e.mu.Lock()
	active := e.typing.Active()
	had := len(e.typing.Typing(active)) > 0
	e.typing.Reset()
	e.typing.SetActive(active)
	if had {
		e.publish(bus.ConversationTyping, bus.TypingChange{ConversationID: active})
	}
	e.mu.Unlock()
	if e.outbox != nil {
		e.outbox.Wake()
	}
}

// Load fetches the conversation list. When the fetch fails the local cache
// is used instead and the fetch error is only logged. Conversations the
// server did not return are removed unless they changed while the fetch was
// in flight.
func (e *Engine) Load(ctx context.Context) error {
	e.mu.Lock()
	startGen := e.gen
	e.mu.Unlock()

	var list []chat.Conversation
	err := ErrNotConfigured
	if e.convAPI != nil {
		list, err = e.convAPI.List(ctx)
	}
	fromServer := err == nil
	if fromServer {
		e.rec.Loaded(list, time.Now())
	} else {
		e.logger.Warn("conversation fetch failed, using local cache", zap.Error(err))
		cached, cerr := e.rec.Restore()
		if cerr != nil {
			return fmt.Errorf("load conversations: %w", errors.Join(err, cerr))
		}
		list = cached
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	seen := make(map[string]bool, len(list))
	for _, in := range list {
		if in.ID == "" {
			continue
		}
		seen[in.ID] = true
		c, ok := e.convs[in.ID]
		if !ok {
			c = &chat.Conversation{ID: in.ID}
			e.convs[in.ID] = c
		}
		// Events that arrived while the fetch was in flight are newer.
		if !ok || !in.LastMessageAt.Before(c.LastMessageAt) {
			*c = in
		} else if in.Title != "" {
			c.Title = in.Title
		}
		if c.ID == e.open {
			c.UnreadCount = 0
		}
		if recs := e.rec.Summaries(c.ID); len(recs) > 0 {
			e.summaries.Merge(c.ID, recs...)
		}
	}
	if fromServer {
		for id := range e.convs {
			if !seen[id] && id != e.open && e.liveGen[id] <= startGen {
				e.removeLocked(id)
				e.publish(bus.ConversationDeleted, bus.ConversationDeletion{ConversationID: id})
			}
		}
	}

	e.order = e.order[:0]
	for id := range e.convs {
		e.order = append(e.order, id)
	}
	slices.SortFunc(e.order, func(a, b string) int {
		if c := e.convs[b].LastMessageAt.Compare(e.convs[a].LastMessageAt); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	for _, id := range e.order {
		c := e.convs[id]
		e.publishUpdateLocked(c, bus.IntPtr(c.UnreadCount), nil, false)
	}
	metrics.SetUnread(e.unreadTotalLocked())
	e.logger.Info("conversations loaded", zap.Int("count", len(e.order)), zap.Bool("from_server", fromServer))
	return nil
}

// Snapshot returns every conversation, most recent first.
func (e *Engine) Snapshot() []ConversationState {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ConversationState, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.stateLocked(e.convs[id]))
	}
	return out
}

// Conversation returns one conversation.
func (e *Engine) Conversation(id string) (ConversationState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.convs[id]
	if !ok {
		return ConversationState{}, false
	}
	return e.stateLocked(c), true
}

// Window returns the open conversation id and a copy of its messages.
func (e *Engine) Window() (string, []chat.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.open, slices.Clone(e.window)
}

// UnreadTotal sums unread counts across the list.
func (e *Engine) UnreadTotal() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.unreadTotalLocked()
}

func (e *Engine) stateLocked(c *chat.Conversation) ConversationState {
	st := e.summaries.State(c.ID)
	return ConversationState{
		Conversation:   *c,
		TypingUserIDs:  e.typing.Typing(c.ID),
		Summaries:      st.Records,
		SummaryPending: st.Pending,
		SummaryError:   st.Error,
	}
}

func (e *Engine) unreadTotalLocked() int {
	n := 0
	for _, c := range e.convs {
		n += c.UnreadCount
	}
	return n
}

func (e *Engine) ensureLocked(id string) *chat.Conversation {
	c, ok := e.convs[id]
	if !ok {
		c = &chat.Conversation{ID: id}
		e.convs[id] = c
		e.order = append(e.order, id)
		e.markLiveLocked(id)
	}
	return c
}

func (e *Engine) markLiveLocked(id string) {
	e.gen++
	e.liveGen[id] = e.gen
}

func (e *Engine) moveToFrontLocked(id string) {
	e.markLiveLocked(id)
	i := slices.Index(e.order, id)
	switch {
	case i == 0:
		return
	case i > 0:
		e.order = slices.Delete(e.order, i, i+1)
	}
	e.order = slices.Insert(e.order, 0, id)
}

// touchLocked updates the preview unless msg is older than the current one.
func (e *Engine) touchLocked(c *chat.Conversation, msg chat.Message) {
	at := msg.CreatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if !c.LastMessageAt.IsZero() && at.Before(c.LastMessageAt) {
		return
	}
	c.LastMessage = preview(msg)
	c.LastMessageAt = at
}

func preview(msg chat.Message) string {
	text := strings.TrimSpace(msg.Text)
	if text == "" && len(msg.Attachments) > 0 {
		return "[attachment]"
	}
	if utf8.RuneCountInString(text) <= previewLength {
		return text
	}
	return string([]rune(text)[:previewLength])
}

func (e *Engine) publishUpdateLocked(c *chat.Conversation, count, increment *int, created bool) {
	e.publish(bus.ConversationUpdated, bus.ConversationUpdate{
		ConversationID:  c.ID,
		LastMessage:     c.LastMessage,
		LastMessageAt:   c.LastMessageAt,
		UnreadCount:     count,
		UnreadIncrement: increment,
		Created:         created,
	})
}

func (e *Engine) publish(kind bus.Kind, payload any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
