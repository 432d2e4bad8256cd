package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/pkg/types"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	return s
}

func TestFileStoreRoundTrip(t *testing.T) {
	s := newTestFileStore(t)
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, "user-1", "workspace")
	require.NoError(t, err)

	msg := &types.Message{
		ID: "msg_1", ConversationID: conv.ID, Role: types.RoleUser, Content: "hi",
	}
	require.NoError(t, s.AppendMessage(ctx, msg))
	require.NoError(t, s.UpdateMessage(ctx, "msg_1", "hi there", types.MessageMetadata{Completed: true}))

	got, err := s.GetMessage(ctx, "msg_1")
	require.NoError(t, err)
	assert.Equal(t, "hi there", got.Content)
	assert.True(t, got.Metadata.Completed)

	msgs, err := s.Messages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	_, err = s.GetConversation(ctx, "conv_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewFileStore(dir, nil)
	require.NoError(t, err)
	conv, err := s.CreateConversation(ctx, "user-1", "")
	require.NoError(t, err)
	require.NoError(t, s.AppendMessage(ctx, &types.Message{
		ID: "msg_1", ConversationID: conv.ID, Role: types.RoleAgent, Content: "persisted",
		Metadata: types.MessageMetadata{Completed: true, Model: "llama3:8b"},
	}))

	// A fresh store over the same directory sees everything, including the
	// message index needed for UpdateMessage.
	reopened, err := NewFileStore(dir, nil)
	require.NoError(t, err)

	got, err := reopened.GetMessage(ctx, "msg_1")
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.Content)
	assert.Equal(t, "llama3:8b", got.Metadata.Model)

	require.NoError(t, reopened.UpdateMessage(ctx, "msg_1", "updated after reopen", types.MessageMetadata{Completed: true}))
	got, err = reopened.GetMessage(ctx, "msg_1")
	require.NoError(t, err)
	assert.Equal(t, "updated after reopen", got.Content)
}

func TestFileStoreListsPerUserNewestFirst(t *testing.T) {
	s := newTestFileStore(t)
	ctx := context.Background()

	older, err := s.CreateConversation(ctx, "user-1", "")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	newer, err := s.CreateConversation(ctx, "user-1", "")
	require.NoError(t, err)
	_, err = s.CreateConversation(ctx, "user-2", "")
	require.NoError(t, err)

	list, err := s.ListConversations(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, newer.ID, list[0].ID)
	assert.Equal(t, older.ID, list[1].ID)
}

func TestFileStoreSkipsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.CreateConversation(ctx, "user-1", "")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "conv_broken.json"), []byte("{not json"), 0o644))

	list, err := s.ListConversations(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, list, 1, "corrupt files are skipped, not fatal")
}

func TestFileStoreUpdateUnknownMessage(t *testing.T) {
	s := newTestFileStore(t)
	err := s.UpdateMessage(context.Background(), "msg_missing", "x", types.MessageMetadata{})
	assert.ErrorIs(t, err, ErrNotFound)
}
