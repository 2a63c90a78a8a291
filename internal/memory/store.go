// Package memory stores conversation sessions: the ordered messages of
// one logical thread, keyed by client or channel identity.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/nugget/agentcore/internal/llm"
)

// DefaultMaxMessages bounds how many messages a session keeps.
const DefaultMaxMessages = 200

// Session is one conversation thread.
type Session struct {
	Key       string        `json:"key"`
	Messages  []llm.Message `json:"messages"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// SessionStore persists sessions. Append is the only serialization
// point between runs that share a key.
type SessionStore interface {
	// History returns the session's messages in chronological order.
	// An unknown key yields an empty slice and no error.
	History(ctx context.Context, key string) ([]llm.Message, error)
	// Append adds messages to the end of the session, creating it if
	// needed.
	Append(ctx context.Context, key string, msgs ...llm.Message) error
	// Clear deletes the session.
	Clear(ctx context.Context, key string) error
}

// Store is an in-memory SessionStore.
type Store struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	maxMessages int
}

// NewStore creates an in-memory store keeping at most maxMessages per
// session. Zero or negative uses DefaultMaxMessages.
func NewStore(maxMessages int) *Store {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	return &Store{
		sessions:    make(map[string]*Session),
		maxMessages: maxMessages,
	}
}

// Session returns a copy of the session, or nil if it does not exist.
func (s *Store) Session(key string) *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[key]
	if !ok {
		return nil
	}
	cp := *sess
	cp.Messages = slices.Clone(sess.Messages)
	return &cp
}

// History implements SessionStore.
func (s *Store) History(_ context.Context, key string) ([]llm.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[key]
	if !ok {
		return []llm.Message{}, nil
	}
	return slices.Clone(sess.Messages), nil
}

// Append implements SessionStore.
func (s *Store) Append(_ context.Context, key string, msgs ...llm.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	sess, ok := s.sessions[key]
	if !ok {
		sess = &Session{Key: key, CreatedAt: now}
		s.sessions[key] = sess
	}
	sess.Messages = append(sess.Messages, msgs...)
	sess.UpdatedAt = now
	sess.Messages = trim(sess.Messages, s.maxMessages)
	return nil
}

// Clear implements SessionStore.
func (s *Store) Clear(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, key)
	return nil
}

// Keys returns the keys of all sessions, sorted.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.sessions))
	for k := range s.sessions {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Stats returns store statistics.
func (s *Store) Stats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, sess := range s.sessions {
		total += len(sess.Messages)
	}
	return map[string]any{
		"sessions":     len(s.sessions),
		"messages":     total,
		"max_per_sess": s.maxMessages,
		"storage":      "memory",
	}
}

// trim keeps the newest max messages. A kept suffix never starts with
// a tool message, since its assistant call would be gone.
func trim(msgs []llm.Message, max int) []llm.Message {
	if len(msgs) <= max {
		return msgs
	}
	start := len(msgs) - max
	for start < len(msgs) && msgs[start].Role == llm.RoleTool {
		start++
	}
	return slices.Clone(msgs[start:])
}
