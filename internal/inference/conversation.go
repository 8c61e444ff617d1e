package inference

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/evermind-ai/persona-server/internal/types"
)

// ConversationStore keeps one bounded message ring per user. Contexts live
// in memory only; a restart starts every user fresh.
type ConversationStore struct {
	limit int
	m     *xsync.MapOf[string, *conversation]
}

type conversation struct {
	mu      sync.Mutex
	entries []types.Message
}

func NewConversationStore(limit int) *ConversationStore {
	if limit <= 0 {
		limit = 10
	}
	return &ConversationStore{
		limit: limit,
		m:     xsync.NewMapOf[string, *conversation](),
	}
}

func (s *ConversationStore) get(userID string) *conversation {
	c, _ := s.m.LoadOrCompute(userID, func() *conversation {
		return &conversation{}
	})
	return c
}

// Seed installs history into a user's context, but only when the context is
// empty. A live context is never overwritten by request-supplied history.
func (s *ConversationStore) Seed(userID string, history []types.Message) {
	if len(history) == 0 {
		return
	}

	c := s.get(userID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) > 0 {
		return
	}
	for _, msg := range history {
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now().UTC()
		}
		c.appendLocked(msg, s.limit)
	}
}

// Append adds messages to a user's context, dropping the oldest entries
// beyond the ring limit.
func (s *ConversationStore) Append(userID string, msgs ...types.Message) {
	c := s.get(userID)
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, msg := range msgs {
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now().UTC()
		}
		c.appendLocked(msg, s.limit)
	}
}

// Snapshot copies a user's current context, oldest first.
func (s *ConversationStore) Snapshot(userID string) []types.Message {
	c, ok := s.m.Load(userID)
	if !ok {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.Message(nil), c.entries...)
}

func (c *conversation) appendLocked(msg types.Message, limit int) {
	c.entries = append(c.entries, msg)
	if len(c.entries) > limit {
		c.entries = c.entries[len(c.entries)-limit:]
	}
}
