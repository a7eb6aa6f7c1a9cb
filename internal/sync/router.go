package sync

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/transport"
)

// EventSource registers transport event handlers.
type EventSource interface {
	On(event string, h transport.Handler) func()
}

// Router decodes inbound transport events and dispatches them to the engine.
type Router struct {
	engine *Engine
	logger *zap.Logger
	unsubs []func()
}

// NewRouter creates a router for engine.
func NewRouter(engine *Engine, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{engine: engine, logger: logger}
}

// Bind registers the router's handlers on src. Handlers run on the
// transport's read goroutine, one event at a time.
func (r *Router) Bind(src EventSource) {
	ctx := context.Background()
	r.on(src, transport.EventConnect, func(json.RawMessage) {
		r.engine.HandleConnected()
	})
	r.on(src, transport.EventMessageReceived, func(data json.RawMessage) {
		var p transport.MessageReceivedPayload
		if !r.decode(transport.EventMessageReceived, data, &p) {
			return
		}
		if err := r.engine.HandleMessage(ctx, p.Message); err != nil {
			r.logger.Warn("message handling failed", zap.Error(err), zap.String("msg_id", p.Message.ID))
		}
	})
	r.on(src, transport.EventMessageStatusUpdate, func(data json.RawMessage) {
		var p transport.StatusUpdatePayload
		if r.decode(transport.EventMessageStatusUpdate, data, &p) {
			r.engine.HandleStatusUpdate(p)
		}
	})
	r.on(src, transport.EventTyping, func(data json.RawMessage) {
		var p transport.TypingPayload
		if r.decode(transport.EventTyping, data, &p) {
			r.engine.HandleTyping(p.ConversationID, p.UserID, p.IsTyping)
		}
	})
	r.on(src, transport.EventUserOnline, func(data json.RawMessage) {
		var p transport.UserPresencePayload
		if r.decode(transport.EventUserOnline, data, &p) {
			r.engine.HandlePresence(p.UserID, true)
		}
	})
	r.on(src, transport.EventUserOffline, func(data json.RawMessage) {
		var p transport.UserPresencePayload
		if r.decode(transport.EventUserOffline, data, &p) {
			r.engine.HandlePresence(p.UserID, false)
		}
	})
	r.on(src, transport.EventSummaryGenerated, func(data json.RawMessage) {
		var p transport.SummaryGeneratedPayload
		if !r.decode(transport.EventSummaryGenerated, data, &p) {
			return
		}
		// Refetching goes over HTTP; keep it off the read goroutine.
		go func() {
			if err := r.engine.HandleSummaryGenerated(ctx, p.ConversationID, p.Summary); err != nil {
				r.logger.Warn("summary refresh failed", zap.Error(err), zap.String("conversation_id", p.ConversationID))
			}
		}()
	})
	r.on(src, transport.EventConversationDeleted, func(data json.RawMessage) {
		var p transport.ConversationDeletedPayload
		if r.decode(transport.EventConversationDeleted, data, &p) {
			r.engine.HandleDeleted(p.ConversationID, p.DeletedBy)
		}
	})
	r.on(src, transport.EventError, func(data json.RawMessage) {
		var p transport.ErrorPayload
		if r.decode(transport.EventError, data, &p) {
			r.engine.HandleTransportError(p.Message)
		}
	})
}

// Unbind removes every handler registered by Bind.
func (r *Router) Unbind() {
	for _, u := range r.unsubs {
		u()
	}
	r.unsubs = nil
}

func (r *Router) on(src EventSource, event string, h transport.Handler) {
	r.unsubs = append(r.unsubs, src.On(event, h))
}

func (r *Router) decode(event string, data json.RawMessage, v any) bool {
	if err := json.Unmarshal(data, v); err != nil {
		r.logger.Warn("malformed event payload", zap.String("event", event), zap.Error(err))
		return false
	}
	return true
}
