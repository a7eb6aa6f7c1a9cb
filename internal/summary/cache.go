package summary

import (
	"slices"
	"sync"
)

type entry struct {
	records []Record
	pending bool
	err     string
}

// State is a copy of one conversation's summary state.
type State struct {
	Records []Record `json:"records"`
	Pending bool     `json:"pending"`
	Error   string   `json:"error,omitempty"`
}

// Active returns the display summary.
func (s State) Active() (Record, bool) { return Active(s.Records) }

// Cache keeps merged summaries, the pending marker and the last generation
// error per conversation.
type Cache struct {
	mu    sync.Mutex
	convs map[string]*entry
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{convs: make(map[string]*entry)}
}

func (c *Cache) entryLocked(conversationID string) *entry {
	e, ok := c.convs[conversationID]
	if !ok {
		e = &entry{}
		c.convs[conversationID] = e
	}
	return e
}

// Begin marks a generation request as in flight and clears the previous
// error. It reports false if one was already pending.
func (c *Cache) Begin(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entryLocked(conversationID)
	if e.pending {
		return false
	}
	e.pending = true
	e.err = ""
	return true
}

// Resolve clears the pending marker. Only the first caller after Begin gets
// true, whether it is the push path or the direct response.
func (c *Cache) Resolve(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.convs[conversationID]
	if !ok || !e.pending {
		return false
	}
	e.pending = false
	return true
}

// Fail resolves a pending request and records err for inline display. It
// does nothing if the request was already resolved.
func (c *Cache) Fail(conversationID string, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.convs[conversationID]
	if !ok || !e.pending {
		return false
	}
	e.pending = false
	if err != nil {
		e.err = err.Error()
	}
	return true
}

// Merge folds records into the conversation's list and returns the result.
func (c *Cache) Merge(conversationID string, records ...Record) []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entryLocked(conversationID)
	e.records = Merge(e.records, records...)
	if len(records) > 0 {
		e.err = ""
	}
	return slices.Clone(e.records)
}

// State returns a copy of the conversation's summary state.
func (c *Cache) State(conversationID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.convs[conversationID]
	if !ok {
		return State{}
	}
	return State{Records: slices.Clone(e.records), Pending: e.pending, Error: e.err}
}

// Forget drops a conversation.
func (c *Cache) Forget(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.convs, conversationID)
}

// Reset drops every conversation.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.convs = make(map[string]*entry)
}
