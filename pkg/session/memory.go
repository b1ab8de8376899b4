package session

import (
	"context"
	"sync"

	"github.com/mosaic-ai/mosaic/pkg/agent"
)

// memoryStore keeps the history in a slice guarded by a mutex.
type memoryStore struct {
	sessionID string

	mu       sync.RWMutex
	messages []agent.ConversationMessage
	closed   bool
}

// NewMemoryStore creates an in-memory store for the given session.
func NewMemoryStore(sessionID string) Store {
	return &memoryStore{sessionID: sessionID}
}

func (s *memoryStore) SessionID() string {
	return s.sessionID
}

func (s *memoryStore) History(_ context.Context) ([]agent.ConversationMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	out := make([]agent.ConversationMessage, len(s.messages))
	copy(out, s.messages)
	return out, nil
}

func (s *memoryStore) Append(_ context.Context, messages ...agent.ConversationMessage) error {
	if len(messages) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	s.messages = append(s.messages, messages...)
	return nil
}

// Close drops the history. Closing twice is safe.
func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.messages = nil
	return nil
}
