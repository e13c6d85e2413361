package worker

import (
	"sync"
	"time"

	"unichat/internal/models"
)

type cachedHistory struct {
	userID   int64
	messages []models.Message
	expires  time.Time
}

// historyState is the in-process conversation history cache.
type historyState struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]*cachedHistory
	now     func() time.Time
}

func newHistoryState(ttl time.Duration) *historyState {
	if ttl <= 0 {
		ttl = historyTTL
	}
	return &historyState{
		ttl:     ttl,
		entries: make(map[string]*cachedHistory),
		now:     time.Now,
	}
}

func (s *historyState) get(userID int64, conversationID string) ([]models.Message, bool) {
	s.mu.RLock()
	entry, ok := s.entries[conversationID]
	s.mu.RUnlock()
	if !ok || entry.userID != userID {
		return nil, false
	}
	if s.now().After(entry.expires) {
		s.purge(conversationID)
		return nil, false
	}
	return append([]models.Message(nil), entry.messages...), true
}

func (s *historyState) set(userID int64, conversationID string, history []models.Message) {
	s.mu.Lock()
	s.entries[conversationID] = &cachedHistory{
		userID:   userID,
		messages: append([]models.Message(nil), history...),
		expires:  s.now().Add(s.ttl),
	}
	s.mu.Unlock()
}

// appendMessages extends a cached history. It reports false when nothing is cached.
func (s *historyState) appendMessages(userID int64, conversationID string, msgs ...models.Message) ([]models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[conversationID]
	if !ok || entry.userID != userID {
		return nil, false
	}
	entry.messages = append(entry.messages, msgs...)
	entry.expires = s.now().Add(s.ttl)
	return append([]models.Message(nil), entry.messages...), true
}

func (s *historyState) purge(conversationID string) {
	s.mu.Lock()
	delete(s.entries, conversationID)
	s.mu.Unlock()
}

func (s *historyState) purgeUser(userID int64) {
	s.mu.Lock()
	for id, entry := range s.entries {
		if entry.userID == userID {
			delete(s.entries, id)
		}
	}
	s.mu.Unlock()
}

func (s *historyState) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
