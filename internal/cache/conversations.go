package cache

import (
	"slices"

	"github.com/gymlink/gymchat/internal/model"
)

// Conversations returns the cached inbox, most recent first.
func (s *Store) Conversations() []model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convs
}

// Conversation looks up one cached conversation.
func (s *Store) Conversation(id int64) (model.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.convIndexLocked(id)
	if i < 0 {
		return model.Conversation{}, false
	}
	return s.convs[i], true
}

// SetConversations replaces the inbox.
func (s *Store) SetConversations(convs []model.Conversation) {
	next := slices.Clone(convs)
	model.SortConversations(next)
	s.mu.Lock()
	s.convs = next
	s.mu.Unlock()
	s.publishConversations()
}

// RemoveConversation drops a conversation from the inbox along with its
// cached messages. The removed entry is returned so it can be restored.
func (s *Store) RemoveConversation(id int64) (model.Conversation, bool) {
	s.mu.Lock()
	i := s.convIndexLocked(id)
	var removed model.Conversation
	if i >= 0 {
		removed = s.convs[i]
		s.convs = slices.Delete(slices.Clone(s.convs), i, i+1)
	}
	s.mu.Unlock()
	s.Forget(id)
	if i < 0 {
		return model.Conversation{}, false
	}
	s.publishConversations()
	return removed, true
}

// RestoreConversation puts a removed conversation back into the inbox.
func (s *Store) RestoreConversation(c model.Conversation) {
	s.mu.Lock()
	if s.convIndexLocked(c.ID) >= 0 {
		s.mu.Unlock()
		return
	}
	next := append(slices.Clone(s.convs), c)
	model.SortConversations(next)
	s.convs = next
	s.mu.Unlock()
	s.publishConversations()
}

// UpsertConversationPreview records msg as the newest activity of its
// conversation. Older messages do not overwrite a newer preview.
func (s *Store) UpsertConversationPreview(convID int64, msg model.Message) {
	s.mu.Lock()
	i := s.convIndexLocked(convID)
	if i < 0 {
		s.mu.Unlock()
		return
	}
	c := s.convs[i]
	if !msg.CreatedAt.IsZero() && msg.CreatedAt.Before(c.LastMessageAt) {
		s.mu.Unlock()
		return
	}
	c.LastMessage = msg.Preview()
	c.LastMessageAt = msg.CreatedAt
	c.LastSenderID = msg.SenderID
	next := slices.Clone(s.convs)
	next[i] = c
	model.SortConversations(next)
	s.convs = next
	s.mu.Unlock()
	s.publishConversations()
}

// ClearUnread zeroes the unread counter of a conversation.
func (s *Store) ClearUnread(convID int64) bool {
	s.mu.Lock()
	i := s.convIndexLocked(convID)
	if i < 0 || s.convs[i].UnreadCount == 0 {
		s.mu.Unlock()
		return false
	}
	next := slices.Clone(s.convs)
	next[i].UnreadCount = 0
	s.convs = next
	s.mu.Unlock()
	s.publishConversations()
	return true
}

// Profile returns a cached profile.
func (s *Store) Profile(id string) (model.Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	return p, ok
}

// PutProfiles caches profiles by id.
func (s *Store) PutProfiles(profiles ...model.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range profiles {
		if p.ID == "" {
			continue
		}
		s.profiles[p.ID] = p
	}
}

func (s *Store) convIndexLocked(id int64) int {
	return slices.IndexFunc(s.convs, func(c model.Conversation) bool { return c.ID == id })
}
