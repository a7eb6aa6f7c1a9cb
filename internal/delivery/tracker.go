package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/transport"
)

// Sender emits transport events.
type Sender interface {
	Send(ctx context.Context, event string, payload any) error
}

// Tracker holds the delivery status of every message the session has seen
// and emits delivery and read acknowledgments. Status only moves forward, so
// reordered or duplicated acknowledgments are absorbed.
type Tracker struct {
	mu       sync.Mutex
	self     string
	statuses map[string]chat.Status
	sender   Sender
	bus      *bus.Bus
	logger   *zap.Logger
}

// NewTracker creates a tracker for the signed-in user self.
func NewTracker(self string, sender Sender, b *bus.Bus, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		self:     self,
		statuses: make(map[string]chat.Status),
		sender:   sender,
		bus:      b,
		logger:   logger,
	}
}

// Status returns the recorded status of a message.
func (t *Tracker) Status(messageID string) (chat.Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.statuses[messageID]
	return s, ok
}

// Apply advances a message to s. It returns false, changing nothing, when s is
// equal to or earlier than the recorded status.
func (t *Tracker) Apply(messageID string, s chat.Status) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.applyLocked(messageID, s)
}

func (t *Tracker) applyLocked(messageID string, s chat.Status) bool {
	if messageID == "" {
		return false
	}
	if !t.statuses[messageID].Advances(s) {
		return false
	}
	t.statuses[messageID] = s
	return true
}

// advance records the status msg arrived with and then moves it to target.
// It returns the status to restore if the acknowledgment cannot be sent.
func (t *Tracker) advance(msg chat.Message, target chat.Status) (chat.Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.applyLocked(msg.ID, msg.Status)
	prev, ok := t.statuses[msg.ID]
	if !ok {
		prev = chat.StatusSent
	}
	return prev, t.applyLocked(msg.ID, target)
}

// rollback undoes advance after a failed send so the next attempt acks
// again. A status that moved on in the meantime is kept. The message stays
// known so duplicates are still recognized.
func (t *Tracker) rollback(messageID string, target, prev chat.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.statuses[messageID] == target {
		t.statuses[messageID] = prev
	}
}

// Observe records the status a message arrived with.
func (t *Tracker) Observe(msg chat.Message) {
	t.Apply(msg.ID, msg.Status)
}

// OnInbound acknowledges delivery of a message authored by someone else.
// Messages already delivered or seen are not acknowledged again.
func (t *Tracker) OnInbound(ctx context.Context, msg chat.Message) error {
	if msg.SenderID == t.self {
		t.Observe(msg)
		return nil
	}
	prev, advanced := t.advance(msg, chat.StatusDelivered)
	if !advanced {
		return nil
	}
	if err := t.sender.Send(ctx, transport.EventMessageDelivered, transport.AckPayload{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
	}); err != nil {
		t.rollback(msg.ID, chat.StatusDelivered, prev)
		return fmt.Errorf("delivery ack %s: %w", msg.ID, err)
	}
	metrics.IncAckSent(string(chat.StatusDelivered))
	return nil
}

// MarkSeen acknowledges every message from another sender that is not yet
// seen, one acknowledgment per message. It returns the acknowledged ids.
func (t *Tracker) MarkSeen(ctx context.Context, conversationID string, msgs []chat.Message) ([]string, error) {
	var acked []string
	var errs []error
	for _, msg := range msgs {
		if msg.SenderID == t.self || msg.ID == "" {
			continue
		}
		prev, advanced := t.advance(msg, chat.StatusSeen)
		if !advanced {
			continue
		}
		if err := t.sender.Send(ctx, transport.EventMessageSeen, transport.AckPayload{
			MessageID:      msg.ID,
			ConversationID: conversationID,
		}); err != nil {
			t.rollback(msg.ID, chat.StatusSeen, prev)
			errs = append(errs, fmt.Errorf("seen ack %s: %w", msg.ID, err))
			continue
		}
		metrics.IncAckSent(string(chat.StatusSeen))
		acked = append(acked, msg.ID)
	}
	return acked, errors.Join(errs...)
}

// OnStatusUpdate applies a status propagated back to the sender. Stale or
// duplicate updates are ignored.
func (t *Tracker) OnStatusUpdate(u transport.StatusUpdatePayload) bool {
	if !t.Apply(u.MessageID, u.Status) {
		t.logger.Debug("ignoring non-advancing status",
			zap.String("msg_id", u.MessageID), zap.String("status", string(u.Status)))
		return false
	}
	if t.bus != nil {
		t.bus.Publish(bus.Event{
			Kind:      bus.MessageStatus,
			Timestamp: time.Now(),
			Payload: bus.MessageRef{
				ConversationID: u.ConversationID,
				MessageID:      u.MessageID,
				Status:         string(u.Status),
			},
		})
	}
	return true
}

// Reset forgets every recorded status.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.statuses = make(map[string]chat.Status)
	t.mu.Unlock()
}
