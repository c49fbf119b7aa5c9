package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps history in process for local use and tests.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string][]TurnRecord
	// perConversation caps each history; zero keeps everything.
	perConversation int
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string][]TurnRecord), perConversation: 500}
}

func (s *InMemoryStore) SaveTurn(_ context.Context, record TurnRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	arr := append(s.records[record.ConversationID], record)
	if s.perConversation > 0 && len(arr) > s.perConversation {
		arr = append([]TurnRecord(nil), arr[len(arr)-s.perConversation:]...)
	}
	s.records[record.ConversationID] = arr
	return nil
}

func (s *InMemoryStore) RecentContext(_ context.Context, conversationID string, limit int) ([]TurnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.records[conversationID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]TurnRecord, limit)
	copy(out, arr[len(arr)-limit:])
	return out, nil
}

func (s *InMemoryStore) Ping(context.Context) error { return nil }

func (s *InMemoryStore) Close() error { return nil }
