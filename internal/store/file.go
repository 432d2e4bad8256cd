package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"loom/internal/ids"
	"loom/internal/logging"
	"loom/pkg/types"
)

// FileStore persists one JSON document per conversation under a base
// directory. It is meant for single-process deployments; cross-process
// locking is out of scope.
type FileStore struct {
	baseDir string
	logger  logging.Logger

	mu sync.Mutex
	// messageIndex maps message id -> conversation id so UpdateMessage does
	// not scan the directory. Rebuilt lazily from disk.
	messageIndex map[string]string
	indexReady   bool
}

var _ Store = (*FileStore)(nil)

// conversationDoc is the on-disk layout.
type conversationDoc struct {
	Conversation types.Conversation `json:"conversation"`
	Messages     []types.Message    `json:"messages"`
}

// NewFileStore creates baseDir if needed. A leading ~/ expands to the home
// directory.
func NewFileStore(baseDir string, logger logging.Logger) (*FileStore, error) {
	if strings.HasPrefix(baseDir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		baseDir = filepath.Join(home, baseDir[2:])
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir %s: %w", baseDir, err)
	}
	return &FileStore{
		baseDir:      baseDir,
		logger:       logging.OrNop(logger),
		messageIndex: make(map[string]string),
	}, nil
}

func (s *FileStore) CreateConversation(_ context.Context, userID, projectID string) (*types.Conversation, error) {
	if userID == "" {
		return nil, fmt.Errorf("create conversation: missing user id")
	}
	nowAt := time.Now()
	doc := conversationDoc{
		Conversation: types.Conversation{
			ID:        ids.NewConversationID(),
			UserID:    userID,
			ProjectID: projectID,
			CreatedAt: nowAt,
			UpdatedAt: nowAt,
		},
		Messages: []types.Message{},
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.saveLocked(doc); err != nil {
		return nil, err
	}
	conv := doc.Conversation
	return &conv, nil
}

func (s *FileStore) GetConversation(_ context.Context, id string) (*types.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.loadLocked(id)
	if err != nil {
		return nil, err
	}
	conv := doc.Conversation
	return &conv, nil
}

func (s *FileStore) ListConversations(_ context.Context, userID string) ([]*types.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("list store dir: %w", err)
	}
	out := make([]*types.Conversation, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		doc, err := s.loadLocked(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			s.logger.Warn("skipping unreadable conversation file %s: %v", entry.Name(), err)
			continue
		}
		if userID == "" || doc.Conversation.UserID == userID {
			conv := doc.Conversation
			out = append(out, &conv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *FileStore) AppendMessage(_ context.Context, msg *types.Message) error {
	if msg == nil || msg.ID == "" || msg.ConversationID == "" {
		return fmt.Errorf("append message: missing ids")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadLocked(msg.ConversationID)
	if err != nil {
		return err
	}
	for _, existing := range doc.Messages {
		if existing.ID == msg.ID {
			return fmt.Errorf("message %s already exists", msg.ID)
		}
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	copied := *msg
	copied.Metadata = msg.Metadata.Clone()
	doc.Messages = append(doc.Messages, copied)
	doc.Conversation.UpdatedAt = time.Now()
	if err := s.saveLocked(doc); err != nil {
		return err
	}
	s.messageIndex[msg.ID] = msg.ConversationID
	return nil
}

func (s *FileStore) GetMessage(ctx context.Context, id string) (*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	convID, err := s.conversationForLocked(id)
	if err != nil {
		return nil, err
	}
	doc, err := s.loadLocked(convID)
	if err != nil {
		return nil, err
	}
	for i := range doc.Messages {
		if doc.Messages[i].ID == id {
			copied := doc.Messages[i]
			copied.Metadata = doc.Messages[i].Metadata.Clone()
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
}

func (s *FileStore) UpdateMessage(_ context.Context, id string, content string, meta types.MessageMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	convID, err := s.conversationForLocked(id)
	if err != nil {
		return err
	}
	doc, err := s.loadLocked(convID)
	if err != nil {
		return err
	}
	for i := range doc.Messages {
		if doc.Messages[i].ID == id {
			doc.Messages[i].Content = content
			doc.Messages[i].Metadata = meta.Clone()
			doc.Conversation.UpdatedAt = time.Now()
			return s.saveLocked(doc)
		}
	}
	return fmt.Errorf("message %s: %w", id, ErrNotFound)
}

func (s *FileStore) Messages(_ context.Context, conversationID string) ([]types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.loadLocked(conversationID)
	if err != nil {
		return nil, err
	}
	out := make([]types.Message, len(doc.Messages))
	for i := range doc.Messages {
		out[i] = doc.Messages[i]
		out[i].Metadata = doc.Messages[i].Metadata.Clone()
	}
	return out, nil
}

func (s *FileStore) Close(context.Context) error {
	return nil
}

func (s *FileStore) path(conversationID string) string {
	return filepath.Join(s.baseDir, conversationID+".json")
}

func (s *FileStore) loadLocked(conversationID string) (conversationDoc, error) {
	data, err := os.ReadFile(s.path(conversationID))
	if err != nil {
		if os.IsNotExist(err) {
			return conversationDoc{}, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
		}
		return conversationDoc{}, fmt.Errorf("read conversation %s: %w", conversationID, err)
	}
	var doc conversationDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return conversationDoc{}, fmt.Errorf("decode conversation %s: %w", conversationID, err)
	}
	return doc, nil
}

func (s *FileStore) saveLocked(doc conversationDoc) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode conversation %s: %w", doc.Conversation.ID, err)
	}
	path := s.path(doc.Conversation.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write conversation %s: %w", doc.Conversation.ID, err)
	}
	return os.Rename(tmp, path)
}

// conversationForLocked resolves which conversation a message belongs to,
// rebuilding the index from disk on first use after startup.
func (s *FileStore) conversationForLocked(messageID string) (string, error) {
	if convID, ok := s.messageIndex[messageID]; ok {
		return convID, nil
	}
	if !s.indexReady {
		entries, err := os.ReadDir(s.baseDir)
		if err != nil {
			return "", fmt.Errorf("index store dir: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			doc, err := s.loadLocked(strings.TrimSuffix(entry.Name(), ".json"))
			if err != nil {
				continue
			}
			for _, msg := range doc.Messages {
				s.messageIndex[msg.ID] = doc.Conversation.ID
			}
		}
		s.indexReady = true
		if convID, ok := s.messageIndex[messageID]; ok {
			return convID, nil
		}
	}
	return "", fmt.Errorf("message %s: %w", messageID, ErrNotFound)
}
