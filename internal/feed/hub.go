package feed

import (
	"slices"
	"sync"
)

const subscriberBuffer = 64

// Hub fans changes out to per-conversation subscribers. OnFirst and OnLast
// fire outside the lock when a conversation gains its first subscriber or
// loses its last one.
type Hub struct {
	mu   sync.Mutex
	subs map[int64]map[int]chan Change
	next int

	OnFirst func(convID int64)
	OnLast  func(convID int64)
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int64]map[int]chan Change)}
}

// Subscribe implements Feed.
func (h *Hub) Subscribe(convID int64) (<-chan Change, func()) {
	ch := make(chan Change, subscriberBuffer)
	h.mu.Lock()
	set, ok := h.subs[convID]
	if !ok {
		set = make(map[int]chan Change)
		h.subs[convID] = set
	}
	id := h.next
	h.next++
	set[id] = ch
	first := !ok
	h.mu.Unlock()

	if first && h.OnFirst != nil {
		h.OnFirst(convID)
	}

	var once sync.Once
	return ch, func() {
		once.Do(func() { h.unsubscribe(convID, id) })
	}
}

func (h *Hub) unsubscribe(convID int64, id int) {
	h.mu.Lock()
	set := h.subs[convID]
	ch, ok := set[id]
	if ok {
		delete(set, id)
		close(ch)
	}
	last := ok && len(set) == 0
	if last {
		delete(h.subs, convID)
	}
	h.mu.Unlock()

	if last && h.OnLast != nil {
		h.OnLast(convID)
	}
}

// Publish delivers c to every subscriber of its conversation. It reports
// how many subscribers were full and missed the change.
func (h *Hub) Publish(c Change) (dropped int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[c.ConversationID] {
		select {
		case ch <- c:
		default:
			dropped++
		}
	}
	return dropped
}

// Conversations lists conversations with at least one subscriber.
func (h *Hub) Conversations() []int64 {
	h.mu.Lock()
	ids := make([]int64, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	slices.Sort(ids)
	return ids
}
