package view

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
)

// DeletedByOtherNotice is shown after the open conversation was deleted by
// another participant.
const DeletedByOtherNotice = "This conversation was deleted by another participant"

const noticeTTL = 5 * time.Second

// SummaryStatus mirrors the summary state of the open conversation.
type SummaryStatus struct {
	Pending bool   `json:"pending"`
	Error   string `json:"error,omitempty"`
	Count   int    `json:"count"`
}

// WindowState is a copy of the open-conversation projection.
type WindowState struct {
	ConversationID string        `json:"conversationId"`
	TypingUserIDs  []string      `json:"typingUserIds"`
	Summary        SummaryStatus `json:"summary"`
	// Redirect is set once the open conversation was deleted and the
	// window must return to the list.
	Redirect bool   `json:"redirect"`
	Notice   string `json:"notice,omitempty"`
}

// Window projects the open conversation.
type Window struct {
	mu      sync.RWMutex
	open    string
	typing  []string
	summary SummaryStatus
	// redirect stays set until the next Open.
	redirect bool
	Flash    Flash

	refreshCh chan struct{}
}

// NewWindow creates a window projection with nothing open.
func NewWindow() *Window {
	return &Window{refreshCh: make(chan struct{}, 1)}
}

// RefreshCh returns the channel that signals a change.
func (w *Window) RefreshCh() <-chan struct{} {
	return w.refreshCh
}

func (w *Window) signalRefresh() {
	select {
	case w.refreshCh <- struct{}{}:
	default:
	}
}

// Open points the window at a conversation.
func (w *Window) Open(conversationID string) {
	w.mu.Lock()
	if w.open != conversationID {
		w.typing = nil
		w.summary = SummaryStatus{}
	}
	w.open = conversationID
	w.redirect = false
	w.mu.Unlock()
	w.signalRefresh()
}

// Close returns the window to the list.
func (w *Window) Close() {
	w.Open("")
}

// Run applies conversation events until ctx is done.
func (w *Window) Run(ctx context.Context, b *bus.Bus) {
	ch, unsub := b.SubscribeNamed("view.window", "conversation.", 256)
	defer unsub()
	for {
		select {
		case evt := <-ch:
			w.Apply(evt)
		case <-ctx.Done():
			return
		}
	}
}

// Apply folds one event into the projection. Events for other
// conversations are ignored.
func (w *Window) Apply(evt bus.Event) {
	w.mu.Lock()
	changed := false
	switch p := evt.Payload.(type) {
	case bus.TypingChange:
		if p.ConversationID == w.open && w.open != "" {
			w.typing = slices.Clone(p.UserIDs)
			changed = true
		}
	case bus.SummaryChange:
		if p.ConversationID == w.open && w.open != "" {
			w.summary = SummaryStatus{Pending: p.Pending, Error: p.Error, Count: p.Count}
			changed = true
		}
	case bus.ConversationDeletion:
		if p.ConversationID == w.open && w.open != "" {
			w.open = ""
			w.typing = nil
			w.summary = SummaryStatus{}
			w.redirect = true
			if p.ByOther {
				w.Flash.Set(DeletedByOtherNotice, noticeTTL)
			}
			changed = true
		}
	}
	w.mu.Unlock()
	if changed {
		w.signalRefresh()
	}
}

// State returns a copy of the projection.
func (w *Window) State() WindowState {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WindowState{
		ConversationID: w.open,
		TypingUserIDs:  slices.Clone(w.typing),
		Summary:        w.summary,
		Redirect:       w.redirect,
		Notice:         w.Flash.Get(),
	}
}
