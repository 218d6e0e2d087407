// Package cache holds the process-wide conversation state shared by every
// open view: message arrays per conversation, the inbox list and profiles.
package cache

import (
	"slices"
	"sync"

	"github.com/gymlink/gymchat/internal/bus"
	"github.com/gymlink/gymchat/internal/model"
)

type entry struct {
	msgs    []model.Message
	version uint64
}

// Store is the local conversation cache. Every write replaces the stored
// slice; callers never see a slice that is later mutated in place.
type Store struct {
	mu       sync.Mutex
	messages map[int64]*entry
	convs    []model.Conversation
	profiles map[string]model.Profile
	bus      *bus.Bus
}

// New creates an empty store. b may be nil.
func New(b *bus.Bus) *Store {
	return &Store{
		messages: make(map[int64]*entry),
		profiles: make(map[string]model.Profile),
		bus:      b,
	}
}

// Messages returns the cached messages for convID, the current version, and
// whether anything has been cached for the conversation.
func (s *Store) Messages(convID int64) ([]model.Message, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.messages[convID]
	if !ok {
		return nil, 0, false
	}
	return e.msgs, e.version, true
}

// SetMessages replaces the cached messages unconditionally and returns the new version.
func (s *Store) SetMessages(convID int64, msgs []model.Message) uint64 {
	s.mu.Lock()
	e := s.entryLocked(convID)
	e.msgs = slices.Clone(msgs)
	e.version++
	v := e.version
	s.mu.Unlock()

	s.publishMessages(convID, v)
	return v
}

// ReplaceIfVersion replaces the cached messages only when the version is
// still basedOn. It reports whether the replace happened.
func (s *Store) ReplaceIfVersion(convID int64, basedOn uint64, msgs []model.Message) bool {
	s.mu.Lock()
	e := s.entryLocked(convID)
	if e.version != basedOn {
		s.mu.Unlock()
		return false
	}
	e.msgs = slices.Clone(msgs)
	e.version++
	v := e.version
	s.mu.Unlock()

	s.publishMessages(convID, v)
	return true
}

// Update applies fn to the current messages under the store lock. When fn
// returns prev itself (same backing array and length) nothing changes and
// no event is published.
func (s *Store) Update(convID int64, fn func(prev []model.Message) []model.Message) ([]model.Message, bool) {
	s.mu.Lock()
	var prev []model.Message
	if e, ok := s.messages[convID]; ok {
		prev = e.msgs
	}
	next := fn(prev)
	if sameSlice(prev, next) {
		s.mu.Unlock()
		return prev, false
	}
	e := s.entryLocked(convID)
	e.msgs = next
	e.version++
	v := e.version
	s.mu.Unlock()

	s.publishMessages(convID, v)
	return next, true
}

// Forget drops the cached messages for convID.
func (s *Store) Forget(convID int64) {
	s.mu.Lock()
	e, ok := s.messages[convID]
	delete(s.messages, convID)
	s.mu.Unlock()
	if ok {
		s.publishMessages(convID, e.version+1)
	}
}

func (s *Store) entryLocked(convID int64) *entry {
	e, ok := s.messages[convID]
	if !ok {
		e = &entry{}
		s.messages[convID] = e
	}
	return e
}

func sameSlice(a, b []model.Message) bool {
	if len(a) != len(b) {
		return false
	}
	if len(a) == 0 {
		return (a == nil) == (b == nil)
	}
	return &a[0] == &b[0]
}

func (s *Store) publishMessages(convID int64, version uint64) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{
		Kind:           bus.KindMessagesChanged,
		ConversationID: convID,
		Payload:        version,
	})
}

func (s *Store) publishConversations() {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Kind: bus.KindConversationsChanged})
}
