package export

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/metrics"
)

const publishTimeout = 5 * time.Second

// Namespaces lists the bus namespaces that are exported.
var Namespaces = []string{"connection.", "conversation.", "message.", "presence."}

// Envelope is the exported form of a bus event.
type Envelope struct {
	EventType  string    `json:"event_type"`
	Session    string    `json:"session"`
	UserID     string    `json:"user_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload"`
}

// Forwarder copies bus events to a Publisher.
type Forwarder struct {
	pub     Publisher
	session string
	userID  string
	logger  *zap.Logger
}

// NewForwarder creates a forwarder tagging events with session and user.
func NewForwarder(pub Publisher, session, userID string, logger *zap.Logger) *Forwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Forwarder{pub: pub, session: session, userID: userID, logger: logger}
}

// Run forwards events until ctx is done.
func (f *Forwarder) Run(ctx context.Context, b *bus.Bus) {
	ch, unsub := b.SubscribeNamed("export", "", 1024)
	defer unsub()
	for {
		select {
		case evt := <-ch:
			f.Forward(ctx, evt)
		case <-ctx.Done():
			return
		}
	}
}

// Forward publishes one event if it belongs to an exported namespace.
// Publish failures are counted and logged, never returned.
func (f *Forwarder) Forward(ctx context.Context, evt bus.Event) bool {
	if !exported(evt.Kind) {
		return false
	}
	at := evt.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	err := f.pub.Publish(ctx, string(evt.Kind), Envelope{
		EventType:  string(evt.Kind),
		Session:    f.session,
		UserID:     f.userID,
		OccurredAt: at.UTC(),
		Payload:    evt.Payload,
	})
	if err != nil {
		metrics.IncExportError()
		f.logger.Warn("event export failed", zap.String("kind", string(evt.Kind)), zap.Error(err))
		return false
	}
	return true
}

func exported(kind bus.Kind) bool {
	for _, ns := range Namespaces {
		if strings.HasPrefix(string(kind), ns) {
			return true
		}
	}
	return false
}
