package bus

import (
	"strings"
	"sync"
	"time"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	namespace string
	convID    int64
	ch        chan Event
}

func (s *subscription) matches(evt Event) bool {
	if !strings.HasPrefix(evt.Kind, s.namespace) {
		return false
	}
	return s.convID == 0 || s.convID == evt.ConversationID
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Publish sends an event to all matching subscribers. A zero Timestamp is
// set to the current time.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.matches(evt) {
			select {
			case sub.ch <- evt:
			default:
				// Drop event if subscriber is full (non-blocking).
			}
		}
	}
}

// Subscribe returns a channel that receives events matching the given namespace prefix.
// bufSize controls the channel buffer. Returns the channel and an unsubscribe function
// that closes the channel.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	return b.subscribe(namespace, 0, bufSize)
}

// SubscribeConversation is like Subscribe but only delivers events scoped to convID.
func (b *Bus) SubscribeConversation(namespace string, convID int64, bufSize int) (<-chan Event, func()) {
	return b.subscribe(namespace, convID, bufSize)
}

func (b *Bus) subscribe(namespace string, convID int64, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{namespace: namespace, convID: convID, ch: ch}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}
