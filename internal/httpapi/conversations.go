package httpapi

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ent0n29/convmode/internal/coordinator"
)

var ErrConversationNotFound = errors.New("conversation not found")

// Builder constructs the coordinator for a new conversation. The returned
// cleanup runs after the coordinator is closed.
type Builder func(id string) (c *coordinator.Coordinator, cleanup func())

type conversation struct {
	c       *coordinator.Coordinator
	cleanup func()
}

// Conversations owns one isolated coordinator per conversation id.
type Conversations struct {
	mu    sync.RWMutex
	items map[string]conversation
	build Builder
}

func NewConversations(build Builder) *Conversations {
	return &Conversations{items: make(map[string]conversation), build: build}
}

// Create starts a conversation. An empty id gets a generated one; an id that
// is already live returns the existing coordinator.
func (cs *Conversations) Create(id string) (*coordinator.Coordinator, bool) {
	id = strings.TrimSpace(id)
	if id == "" {
		id = uuid.NewString()
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if existing, ok := cs.items[id]; ok {
		return existing.c, false
	}
	c, cleanup := cs.build(id)
	cs.items[id] = conversation{c: c, cleanup: cleanup}
	return c, true
}

func (cs *Conversations) Get(id string) (*coordinator.Coordinator, error) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	conv, ok := cs.items[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return conv.c, nil
}

// Close ends one conversation and releases its resources.
func (cs *Conversations) Close(id string) error {
	cs.mu.Lock()
	conv, ok := cs.items[id]
	delete(cs.items, id)
	cs.mu.Unlock()
	if !ok {
		return ErrConversationNotFound
	}
	conv.c.Close()
	if conv.cleanup != nil {
		conv.cleanup()
	}
	return nil
}

func (cs *Conversations) IDs() []string {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	ids := make([]string, 0, len(cs.items))
	for id := range cs.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CloseAll ends every conversation, e.g. on shutdown.
func (cs *Conversations) CloseAll() {
	for _, id := range cs.IDs() {
		_ = cs.Close(id)
	}
}
