// Package view holds read-only projections of synchronizer state. Each
// projection subscribes to the bus on its own and converges on the same
// state as the synchronizer because every event it applies is idempotent
// or absolute.
package view

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
)

// Entry is one row of the conversation list.
type Entry struct {
	ID            string    `json:"id"`
	LastMessage   string    `json:"lastMessage"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	UnreadCount   int       `json:"unreadCount"`
}

// List projects the conversation list.
type List struct {
	mu      sync.RWMutex
	entries map[string]*Entry

	refreshCh chan struct{}
}

// NewList creates an empty list projection.
func NewList() *List {
	return &List{
		entries:   make(map[string]*Entry),
		refreshCh: make(chan struct{}, 1),
	}
}

// RefreshCh returns the channel that signals a change.
func (l *List) RefreshCh() <-chan struct{} {
	return l.refreshCh
}

func (l *List) signalRefresh() {
	select {
	case l.refreshCh <- struct{}{}:
	default:
	}
}

// Run applies conversation events until ctx is done.
func (l *List) Run(ctx context.Context, b *bus.Bus) {
	ch, unsub := b.SubscribeNamed("view.list", "conversation.", 256)
	defer unsub()
	for {
		select {
		case evt := <-ch:
			l.Apply(evt)
		case <-ctx.Done():
			return
		}
	}
}

// Apply folds one event into the projection.
func (l *List) Apply(evt bus.Event) {
	l.mu.Lock()
	switch p := evt.Payload.(type) {
	case bus.ConversationUpdate:
		e, ok := l.entries[p.ConversationID]
		if !ok {
			e = &Entry{ID: p.ConversationID}
			l.entries[p.ConversationID] = e
		}
		if !p.LastMessageAt.Before(e.LastMessageAt) {
			e.LastMessage = p.LastMessage
			e.LastMessageAt = p.LastMessageAt
		}
		switch {
		case p.UnreadCount != nil:
			e.UnreadCount = *p.UnreadCount
		case p.UnreadIncrement != nil:
			e.UnreadCount += *p.UnreadIncrement
		}
	case bus.ConversationReadNotice:
		if e, ok := l.entries[p.ConversationID]; ok {
			e.UnreadCount = 0
		}
	case bus.ConversationDeletion:
		delete(l.entries, p.ConversationID)
	default:
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()
	l.signalRefresh()
}

// Entries returns the list most recent first.
func (l *List) Entries() []Entry {
	l.mu.RLock()
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, *e)
	}
	l.mu.RUnlock()
	slices.SortFunc(out, func(a, b Entry) int {
		if c := b.LastMessageAt.Compare(a.LastMessageAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// UnreadTotal sums unread counts.
func (l *List) UnreadTotal() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, e := range l.entries {
		n += e.UnreadCount
	}
	return n
}
