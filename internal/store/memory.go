package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"loom/internal/ids"
	"loom/pkg/types"
)

// MemoryStore keeps everything in process. It is the reference
// implementation the other backends are tested against and the default for
// development.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*types.Conversation
	messages      map[string]*types.Message
	order         map[string][]string // conversationID -> message ids, append order
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*types.Conversation),
		messages:      make(map[string]*types.Message),
		order:         make(map[string][]string),
	}
}

func (s *MemoryStore) CreateConversation(_ context.Context, userID, projectID string) (*types.Conversation, error) {
	if userID == "" {
		return nil, fmt.Errorf("create conversation: missing user id")
	}
	nowAt := time.Now()
	conv := &types.Conversation{
		ID:        ids.NewConversationID(),
		UserID:    userID,
		ProjectID: projectID,
		CreatedAt: nowAt,
		UpdatedAt: nowAt,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conv.ID] = conv
	s.order[conv.ID] = nil
	copied := *conv
	return &copied, nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id string) (*types.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	copied := *conv
	return &copied, nil
}

func (s *MemoryStore) ListConversations(_ context.Context, userID string) ([]*types.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Conversation, 0)
	for _, conv := range s.conversations {
		if userID == "" || conv.UserID == userID {
			copied := *conv
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, msg *types.Message) error {
	if msg == nil || msg.ID == "" || msg.ConversationID == "" {
		return fmt.Errorf("append message: missing ids")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[msg.ConversationID]
	if !ok {
		return fmt.Errorf("conversation %s: %w", msg.ConversationID, ErrNotFound)
	}
	if _, exists := s.messages[msg.ID]; exists {
		return fmt.Errorf("message %s already exists", msg.ID)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	copied := *msg
	copied.Metadata = msg.Metadata.Clone()
	s.messages[msg.ID] = &copied
	s.order[msg.ConversationID] = append(s.order[msg.ConversationID], msg.ID)
	conv.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id string) (*types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	copied := *msg
	copied.Metadata = msg.Metadata.Clone()
	return &copied, nil
}

func (s *MemoryStore) UpdateMessage(_ context.Context, id string, content string, meta types.MessageMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	msg.Content = content
	msg.Metadata = meta.Clone()
	if conv, ok := s.conversations[msg.ConversationID]; ok {
		conv.UpdatedAt = time.Now()
	}
	return nil
}

func (s *MemoryStore) Messages(_ context.Context, conversationID string) ([]types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	idsInOrder := s.order[conversationID]
	out := make([]types.Message, 0, len(idsInOrder))
	for _, id := range idsInOrder {
		if msg, ok := s.messages[id]; ok {
			copied := *msg
			copied.Metadata = msg.Metadata.Clone()
			out = append(out, copied)
		}
	}
	return out, nil
}

func (s *MemoryStore) Close(context.Context) error {
	return nil
}
