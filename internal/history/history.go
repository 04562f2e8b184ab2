// Package history keeps the ordered, append-only log of one chat session.
// Nothing is persisted: a Session lives exactly as long as its owner keeps it.
package history

import (
	"slices"
	"sync"

	"github.com/google/uuid"
)

// Session is the visible conversation of one interactive session. It never
// holds the system instruction.
type Session struct {
	id string

	mu       sync.RWMutex
	messages []Message
}

// New creates an empty session with a fresh identifier.
func New() *Session {
	return &Session{id: uuid.NewString()}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Append adds a message at the end of the log.
func (s *Session) Append(msg Message) {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
}

// All returns a copy of every message in chronological order.
func (s *Session) All() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.messages)
}

// Len returns the number of messages.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Tail returns a copy of the last n messages. n <= 0 returns everything.
// The result never starts with an assistant message.
func (s *Session) Tail(n int) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := 0
	if n > 0 && len(s.messages) > n {
		start = len(s.messages) - n
	}
	for start < len(s.messages) && s.messages[start].Role == RoleAssistant {
		start++
	}
	return slices.Clone(s.messages[start:])
}
