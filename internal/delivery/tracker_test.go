package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/transport"
)

type sentEvent struct {
	Event   string
	Payload transport.AckPayload
}

// mockSender records calls and returns a configurable error. failures
// makes the next n sends fail with err.
type mockSender struct {
	mu       sync.Mutex
	calls    []sentEvent
	err      error
	failures int
}

func (m *mockSender) Send(_ context.Context, event string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return m.err
	}
	if m.err != nil {
		return m.err
	}
	p, _ := payload.(transport.AckPayload)
	m.calls = append(m.calls, sentEvent{Event: event, Payload: p})
	return nil
}

func msg(id, sender string, s chat.Status) chat.Message {
	return chat.Message{ID: id, ConversationID: "c1", SenderID: sender, Status: s}
}

func TestApplyIsMonotonic(t *testing.T) {
	tr := NewTracker("me", &mockSender{}, nil, nil)

	if !tr.Apply("m1", chat.StatusSent) {
		t.Fatal("first sent should apply")
	}
	if !tr.Apply("m1", chat.StatusDelivered) {
		t.Error("delivered after sent should apply")
	}
	if !tr.Apply("m1", chat.StatusSeen) {
		t.Error("seen after delivered should apply")
	}
	if tr.Apply("m1", chat.StatusDelivered) {
		t.Error("delivered after seen must be a no-op")
	}
	if tr.Apply("m1", chat.StatusSeen) {
		t.Error("same status twice must be a no-op")
	}
	if s, _ := tr.Status("m1"); s != chat.StatusSeen {
		t.Errorf("status = %q, want seen", s)
	}
}

func TestOnInboundAcksForeignMessagesOnce(t *testing.T) {
	sender := &mockSender{}
	tr := NewTracker("me", sender, nil, nil)
	ctx := context.Background()

	if err := tr.OnInbound(ctx, msg("m1", "u2", chat.StatusSent)); err != nil {
		t.Fatal(err)
	}
	// Duplicate delivery of the same event.
	if err := tr.OnInbound(ctx, msg("m1", "u2", chat.StatusSent)); err != nil {
		t.Fatal(err)
	}
	// Own message from another device.
	if err := tr.OnInbound(ctx, msg("m2", "me", chat.StatusSent)); err != nil {
		t.Fatal(err)
	}

	if len(sender.calls) != 1 {
		t.Fatalf("got %d acks, want 1", len(sender.calls))
	}
	if sender.calls[0].Event != transport.EventMessageDelivered || sender.calls[0].Payload.MessageID != "m1" {
		t.Errorf("ack = %+v, want message-delivered for m1", sender.calls[0])
	}
}

func TestMarkSeenSkipsOwnAndAlreadySeen(t *testing.T) {
	sender := &mockSender{}
	tr := NewTracker("me", sender, nil, nil)

	msgs := []chat.Message{
		msg("m1", "u2", chat.StatusDelivered),
		msg("m2", "me", chat.StatusSent),
		msg("m3", "u2", chat.StatusSeen),
		msg("m4", "u3", chat.StatusSent),
	}
	acked, err := tr.MarkSeen(context.Background(), "c1", msgs)
	if err != nil {
		t.Fatal(err)
	}
	if len(acked) != 2 || acked[0] != "m1" || acked[1] != "m4" {
		t.Errorf("acked = %v, want [m1 m4]", acked)
	}

	// A second pass over the same window sends nothing.
	acked, _ = tr.MarkSeen(context.Background(), "c1", msgs)
	if len(acked) != 0 {
		t.Errorf("second pass acked %v, want none", acked)
	}
	for _, c := range sender.calls {
		if c.Event != transport.EventMessageSeen {
			t.Errorf("event = %q, want message-seen", c.Event)
		}
	}
}

func TestMarkSeenReportsSendErrors(t *testing.T) {
	tr := NewTracker("me", &mockSender{err: errors.New("offline")}, nil, nil)
	acked, err := tr.MarkSeen(context.Background(), "c1", []chat.Message{msg("m1", "u2", chat.StatusSent)})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(acked) != 0 {
		t.Errorf("acked = %v, want none", acked)
	}
}

func TestMarkSeenRetriesAfterSendError(t *testing.T) {
	sender := &mockSender{err: errors.New("write: broken pipe"), failures: 1}
	tr := NewTracker("me", sender, nil, nil)
	msgs := []chat.Message{msg("m1", "u2", chat.StatusDelivered)}

	if _, err := tr.MarkSeen(context.Background(), "c1", msgs); err == nil {
		t.Fatal("expected error on first attempt")
	}
	if s, _ := tr.Status("m1"); s != chat.StatusDelivered {
		t.Errorf("status after failed ack = %q, want %q", s, chat.StatusDelivered)
	}

	acked, err := tr.MarkSeen(context.Background(), "c1", msgs)
	if err != nil {
		t.Fatalf("retry error = %v", err)
	}
	if len(acked) != 1 || acked[0] != "m1" {
		t.Errorf("acked = %v, want [m1]", acked)
	}
	if len(sender.calls) != 1 || sender.calls[0].Event != transport.EventMessageSeen {
		t.Errorf("calls = %+v, want one message-seen", sender.calls)
	}
}

func TestOnInboundRetriesAfterSendError(t *testing.T) {
	sender := &mockSender{err: errors.New("write: broken pipe"), failures: 1}
	tr := NewTracker("me", sender, nil, nil)
	m := msg("m1", "u2", "")

	if err := tr.OnInbound(context.Background(), m); err == nil {
		t.Fatal("expected error on first attempt")
	}
	if _, known := tr.Status("m1"); !known {
		t.Error("message should stay known after a failed ack")
	}

	if err := tr.OnInbound(context.Background(), m); err != nil {
		t.Fatalf("retry error = %v", err)
	}
	if len(sender.calls) != 1 || sender.calls[0].Event != transport.EventMessageDelivered {
		t.Errorf("calls = %+v, want one message-delivered", sender.calls)
	}
	if s, _ := tr.Status("m1"); s != chat.StatusDelivered {
		t.Errorf("status = %q, want %q", s, chat.StatusDelivered)
	}
}

func TestOnStatusUpdateIgnoresRegression(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()
	tr := NewTracker("me", &mockSender{}, b, nil)

	tr.Observe(msg("m1", "me", chat.StatusSent))
	if !tr.OnStatusUpdate(transport.StatusUpdatePayload{MessageID: "m1", Status: chat.StatusSeen, ConversationID: "c1"}) {
		t.Fatal("seen should apply")
	}
	// A delayed delivered ack arrives after seen.
	if tr.OnStatusUpdate(transport.StatusUpdatePayload{MessageID: "m1", Status: chat.StatusDelivered, ConversationID: "c1"}) {
		t.Error("delivered after seen must be ignored")
	}

	select {
	case evt := <-ch:
		ref := evt.Payload.(bus.MessageRef)
		if ref.Status != string(chat.StatusSeen) {
			t.Errorf("status = %q, want seen", ref.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message.status event")
	}
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}
