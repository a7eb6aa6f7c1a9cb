package typing

import (
	"slices"
	"sync"
	"time"
)

// DefaultTimeout is the quiet period after which a typing user is dropped.
const DefaultTimeout = time.Second

// ExpireFunc is called, without locks held, when a user's typing state expires.
type ExpireFunc func(conversationID string, userIDs []string)

// Tracker keeps the set of users typing in the active conversation. Each user
// carries a timer re-armed by every typing event; if no stop event arrives the
// timer removes the user.
type Tracker struct {
	mu      sync.Mutex
	timeout time.Duration
	active  string
	users   map[string]*entry
	onExp   ExpireFunc
}

type entry struct {
	timer *time.Timer
}

// NewTracker creates a tracker. onExpire may be nil.
func NewTracker(timeout time.Duration, onExpire ExpireFunc) *Tracker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Tracker{
		timeout: timeout,
		users:   make(map[string]*entry),
		onExp:   onExpire,
	}
}

// SetActive points the tracker at a conversation. State for the previous
// conversation is discarded.
func (t *Tracker) SetActive(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == conversationID {
		return
	}
	t.clearLocked()
	t.active = conversationID
}

// Active returns the conversation currently tracked.
func (t *Tracker) Active() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// SetTyping records a typing event. Events for any conversation other than
// the active one are ignored and report false.
func (t *Tracker) SetTyping(conversationID, userID string, isTyping bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if conversationID == "" || conversationID != t.active || userID == "" {
		return false
	}
	if old, ok := t.users[userID]; ok {
		old.timer.Stop()
		delete(t.users, userID)
	}
	if !isTyping {
		return true
	}
	e := &entry{}
	e.timer = time.AfterFunc(t.timeout, func() { t.expire(conversationID, userID, e) })
	t.users[userID] = e
	return true
}

func (t *Tracker) expire(conversationID, userID string, e *entry) {
	t.mu.Lock()
	if t.active != conversationID || t.users[userID] != e {
		t.mu.Unlock()
		return
	}
	delete(t.users, userID)
	users := t.snapshotLocked()
	onExp := t.onExp
	t.mu.Unlock()

	if onExp != nil {
		onExp(conversationID, users)
	}
}

// Typing returns the sorted ids typing in conversationID.
func (t *Tracker) Typing(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if conversationID != t.active {
		return nil
	}
	return t.snapshotLocked()
}

// Reset drops all typing state. Called on reconnect.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clearLocked()
}

func (t *Tracker) clearLocked() {
	for id, e := range t.users {
		e.timer.Stop()
		delete(t.users, id)
	}
}

func (t *Tracker) snapshotLocked() []string {
	out := make([]string, 0, len(t.users))
	for id := range t.users {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
