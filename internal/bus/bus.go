package bus

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
// It is the only channel through which components outside the synchronizer
// learn about conversation changes.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*subscription
	next    int
	dropped atomic.Int64
}

type subscription struct {
	name      string
	namespace string
	ch        chan Event
}

// Subscriber describes a registered subscription.
type Subscriber struct {
	Name      string
	Namespace string
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Publish sends an event to all subscribers whose namespace is a prefix of event.Kind.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if strings.HasPrefix(string(evt.Kind), sub.namespace) {
			select {
			case sub.ch <- evt:
			default:
				// Drop event if subscriber is full (non-blocking).
				b.dropped.Add(1)
			}
		}
	}
}

// Subscribe returns a channel that receives events matching the given namespace prefix.
// bufSize controls the channel buffer. Returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	return b.SubscribeNamed("", namespace, bufSize)
}

// SubscribeNamed is Subscribe with a name reported by Subscribers.
func (b *Bus) SubscribeNamed(name, namespace string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{name: name, namespace: namespace, ch: ch}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Subscribers lists the current subscriptions ordered by name then namespace.
func (b *Bus) Subscribers() []Subscriber {
	b.mu.RLock()
	out := make([]Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		out = append(out, Subscriber{Name: s.name, Namespace: s.namespace})
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Namespace < out[j].Namespace
	})
	return out
}

// Dropped returns how many deliveries were skipped because a subscriber buffer was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
