// Package store persists conversations and messages. Three backends share
// one contract: an in-memory store for tests and embedding, a file store for
// single-node deployments, and a Postgres store. The Coalescer in this
// package batches the high-frequency message updates streaming generations
// produce.
package store

import (
	"context"
	"errors"

	"loom/pkg/types"
)

// ErrNotFound reports a missing conversation or message.
var ErrNotFound = errors.New("not found")

// MessageWriter is the slice of Store the Coalescer needs.
type MessageWriter interface {
	UpdateMessage(ctx context.Context, id string, content string, meta types.MessageMetadata) error
}

// Store is the persistence contract.
//
// AppendMessage and UpdateMessage bump the owning conversation's UpdatedAt;
// callers never manage that timestamp themselves. Lookups against an unknown
// conversation or message report ErrNotFound, including Messages.
type Store interface {
	MessageWriter

	CreateConversation(ctx context.Context, userID, projectID string) (*types.Conversation, error)
	GetConversation(ctx context.Context, id string) (*types.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]*types.Conversation, error)

	AppendMessage(ctx context.Context, msg *types.Message) error
	GetMessage(ctx context.Context, id string) (*types.Message, error)
	Messages(ctx context.Context, conversationID string) ([]types.Message, error)

	Close(ctx context.Context) error
}
