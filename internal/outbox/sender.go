package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/transport"
)

// DefaultInterval is how often the outbox is polled when nothing wakes it.
const DefaultInterval = 500 * time.Millisecond

// Transport is the part of the connection manager the sender needs.
type Transport interface {
	Send(ctx context.Context, event string, payload any) error
	State() status.Snapshot
}

// Sender drains the outbox into the transport while the session is
// connected. Entries survive restarts in the local database.
type Sender struct {
	db        *store.DB
	transport Transport
	bus       *bus.Bus
	logger    *zap.Logger
	interval  time.Duration
	wake      chan struct{}
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewSender creates a new outbox sender.
func NewSender(db *store.DB, t Transport, b *bus.Bus, logger *zap.Logger, interval time.Duration) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sender{
		db:        db,
		transport: t,
		bus:       b,
		logger:    logger,
		interval:  interval,
		wake:      make(chan struct{}, 1),
	}
}

// Enqueue stores a message for sending and wakes the loop.
func (s *Sender) Enqueue(clientID, conversationID, text string, attachments []chat.Attachment, parentID string) error {
	raw, err := json.Marshal(attachments)
	if err != nil {
		return fmt.Errorf("encode attachments: %w", err)
	}
	if err := s.db.QueueOutbox(store.OutboxEntry{
		ClientID:        clientID,
		ConversationID:  conversationID,
		Body:            text,
		Attachments:     raw,
		ParentMessageID: parentID,
	}); err != nil {
		return fmt.Errorf("queue outbox: %w", err)
	}
	s.notify()
	return nil
}

// Retry requeues a failed entry.
func (s *Sender) Retry(clientID string) error {
	ok, err := s.db.RequeueOutbox(clientID)
	if err != nil {
		return fmt.Errorf("requeue %s: %w", clientID, err)
	}
	if !ok {
		return fmt.Errorf("requeue %s: no failed entry", clientID)
	}
	s.notify()
	return nil
}

// Confirm records the server id once the echo of a sent message arrives.
func (s *Sender) Confirm(clientID, serverID string) error {
	return s.db.ConfirmOutbox(clientID, serverID)
}

// Wake triggers an immediate drain, e.g. after reconnecting.
func (s *Sender) Wake() { s.notify() }

func (s *Sender) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start begins polling the outbox for pending messages.
func (s *Sender) Start(ctx context.Context) {
	if n, err := s.db.RecoverOutbox(); err != nil {
		s.logger.Error("failed to recover outbox", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("requeued interrupted sends", zap.Int64("count", n))
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop stops the sender loop and waits for it to exit.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Sender) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.processPending(ctx)
		select {
		case <-ticker.C:
		case <-s.wake:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	if s.transport.State().Status != status.Connected {
		return
	}
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if ctx.Err() != nil {
			return
		}
		if err := s.db.MarkOutboxSending(entry.ClientID); err != nil {
			s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_id", entry.ClientID))
			continue
		}

		var attachments []chat.Attachment
		_ = json.Unmarshal(entry.Attachments, &attachments)
		err := s.transport.Send(ctx, transport.EventSendMessage, transport.SendMessagePayload{
			ConversationID:  entry.ConversationID,
			Text:            entry.Body,
			Attachments:     attachments,
			ParentMessageID: entry.ParentMessageID,
			ClientID:        entry.ClientID,
		})
		if errors.Is(err, transport.ErrNotConnected) {
			// The transport queue is full; put the entry back and wait.
			if _, rerr := s.db.RecoverOutbox(); rerr != nil {
				s.logger.Error("failed to requeue", zap.Error(rerr), zap.String("client_id", entry.ClientID))
			}
			metrics.IncOutboxSend("deferred")
			return
		}
		if err != nil {
			s.logger.Error("failed to send message", zap.Error(err), zap.String("client_id", entry.ClientID))
			_ = s.db.MarkOutboxFailed(entry.ClientID, err.Error())
			metrics.IncOutboxSend("failed")
			s.bus.Publish(bus.Event{
				Kind:      bus.MessageSendFailed,
				Timestamp: time.Now(),
				Payload: bus.SendFailure{
					ConversationID: entry.ConversationID,
					ClientID:       entry.ClientID,
					Error:          err.Error(),
				},
			})
			continue
		}

		if err := s.db.MarkOutboxSent(entry.ClientID); err != nil {
			s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_id", entry.ClientID))
		}
		metrics.IncOutboxSend("sent")
		s.logger.Debug("message sent", zap.String("client_id", entry.ClientID), zap.String("conversation_id", entry.ConversationID))
		s.bus.Publish(bus.Event{
			Kind:      bus.MessageSendAck,
			Timestamp: time.Now(),
			Payload: bus.MessageRef{
				ConversationID: entry.ConversationID,
				ClientID:       entry.ClientID,
				Status:         string(chat.StatusSent),
			},
		})
	}
}
