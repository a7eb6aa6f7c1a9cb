package typing

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/transport"
)

// Sender emits transport events.
type Sender interface {
	Send(ctx context.Context, event string, payload any) error
}

// Emitter debounces the local user's keystrokes into typing events. The first
// keystroke emits isTyping=true; after a quiet period without keystrokes it
// emits isTyping=false on its own.
type Emitter struct {
	mu           sync.Mutex
	self         string
	sender       Sender
	quiet        time.Duration
	logger       *zap.Logger
	conversation string
	typing       bool
	timer        *time.Timer
	seq          uint64
}

// NewEmitter creates an emitter for the signed-in user.
func NewEmitter(self string, sender Sender, quiet time.Duration, logger *zap.Logger) *Emitter {
	if quiet <= 0 {
		quiet = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{self: self, sender: sender, quiet: quiet, logger: logger}
}

// Keystroke records composing activity in conversationID.
func (e *Emitter) Keystroke(ctx context.Context, conversationID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.typing && e.conversation != conversationID {
		if err := e.emitLocked(ctx, false); err != nil {
			return err
		}
	}
	e.conversation = conversationID
	if !e.typing {
		if err := e.emitLocked(ctx, true); err != nil {
			return err
		}
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.seq++
	seq := e.seq
	e.timer = time.AfterFunc(e.quiet, func() { e.expire(seq) })
	return nil
}

// Stop emits isTyping=false immediately, e.g. when the message is sent.
func (e *Emitter) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.seq++
	if !e.typing {
		return nil
	}
	return e.emitLocked(ctx, false)
}

// Typing reports whether a start event is outstanding.
func (e *Emitter) Typing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.typing
}

func (e *Emitter) expire(seq uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.seq != seq || e.timer == nil || !e.typing {
		return
	}
	e.timer = nil
	if err := e.emitLocked(context.Background(), false); err != nil {
		e.logger.Warn("typing stop failed", zap.Error(err), zap.String("conversation_id", e.conversation))
	}
}

func (e *Emitter) emitLocked(ctx context.Context, isTyping bool) error {
	// The flag flips even if the send fails so a later keystroke retries the start.
	e.typing = isTyping
	return e.sender.Send(ctx, transport.EventTyping, transport.TypingPayload{
		ConversationID: e.conversation,
		UserID:         e.self,
		IsTyping:       isTyping,
	})
}
