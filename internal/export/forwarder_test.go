package export

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
)

type recordingPublisher struct {
	mu   sync.Mutex
	keys []string
	envs []Envelope
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, routingKey string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.keys = append(p.keys, routingKey)
	p.envs = append(p.envs, event.(Envelope))
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

func TestForwardFiltersNamespaces(t *testing.T) {
	pub := &recordingPublisher{}
	f := NewForwarder(pub, "main", "u1", nil)

	if !f.Forward(context.Background(), bus.Event{Kind: bus.ConversationRead, Payload: bus.ConversationReadNotice{ConversationID: "c"}}) {
		t.Error("conversation event not forwarded")
	}
	if f.Forward(context.Background(), bus.Event{Kind: bus.Alert}) {
		t.Error("alert forwarded")
	}
	if pub.keys[0] != string(bus.ConversationRead) {
		t.Errorf("routing key = %q", pub.keys[0])
	}
	env := pub.envs[0]
	if env.Session != "main" || env.UserID != "u1" || env.OccurredAt.IsZero() {
		t.Errorf("envelope = %+v", env)
	}
}

func TestForwardSwallowsErrors(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("channel closed")}
	f := NewForwarder(pub, "main", "u1", nil)
	if f.Forward(context.Background(), bus.Event{Kind: bus.ConversationUpdated}) {
		t.Error("failed publish reported as forwarded")
	}
}

func TestRunForwardsBusEvents(t *testing.T) {
	b := bus.New()
	pub := &recordingPublisher{}
	f := NewForwarder(pub, "main", "u1", nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx, b)

	deadline := time.Now().Add(2 * time.Second)
	for len(b.Subscribers()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	b.Publish(bus.Event{Kind: bus.ConnectionStatusChanged})
	b.Publish(bus.Event{Kind: bus.Alert})
	b.Publish(bus.Event{Kind: bus.PresenceChanged})

	for pub.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := pub.count(); n != 2 {
		t.Errorf("forwarded = %d, want 2", n)
	}
}

func TestNoopPublisherWhenURLEmpty(t *testing.T) {
	p := NewPublisher("", "chatsync.events", nil)
	if Mode(p) != "noop" || NoopReason(p) != "empty amqp url" {
		t.Errorf("mode = %s reason = %q", Mode(p), NoopReason(p))
	}
	if err := p.Publish(context.Background(), "k", nil); err != nil {
		t.Error(err)
	}
}
