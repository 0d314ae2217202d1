package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/danielkorat/vllm-chat/pkg/chat"
)

// MemoryStore is an in-memory Store. Conversations are kept as
// serialized JSON so stored state never aliases live objects the
// controller is still mutating.
type MemoryStore struct {
	mu    sync.RWMutex
	convs map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{convs: make(map[string][]byte)}
}

func (s *MemoryStore) Save(_ context.Context, conv *chat.Conversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[conv.ID] = data
	return nil
}

func (s *MemoryStore) Load(_ context.Context, id string) (*chat.Conversation, error) {
	s.mu.RLock()
	data, ok := s.convs[id]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound{ID: id}
	}

	var conv chat.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("unmarshal conversation: %w", err)
	}
	return &conv, nil
}

func (s *MemoryStore) List(_ context.Context) ([]*chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	convs := make([]*chat.Conversation, 0, len(s.convs))
	for id, data := range s.convs {
		var conv chat.Conversation
		if err := json.Unmarshal(data, &conv); err != nil {
			return nil, fmt.Errorf("unmarshal conversation %s: %w", id, err)
		}
		convs = append(convs, &conv)
	}

	sort.Slice(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})

	return convs, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convs, id)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
