package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"loom/internal/ids"
	"loom/internal/logging"
	"loom/pkg/types"
)

// PostgresStore keeps conversations and messages in two tables. Message
// metadata lands in a JSONB column so the schema survives metadata growth.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects a pool. Call EnsureSchema before first use.
func NewPostgresStore(ctx context.Context, dsn string, logger logging.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool, logger: logging.OrNop(logger)}, nil
}

// EnsureSchema creates the tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("postgres store not initialized")
	}
	query := `
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    project_id TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_user_updated ON conversations (user_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    role TEXT NOT NULL,
    content TEXT NOT NULL DEFAULT '',
    metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, created_at);
`
	_, err := s.pool.Exec(ctx, query)
	return err
}

func (s *PostgresStore) CreateConversation(ctx context.Context, userID, projectID string) (*types.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
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
	_, err := s.pool.Exec(ctx, `
INSERT INTO conversations (id, user_id, project_id, title, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
`, conv.ID, conv.UserID, conv.ProjectID, conv.Title, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	return conv, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*types.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var conv types.Conversation
	err := s.pool.QueryRow(ctx, `
SELECT id, user_id, project_id, title, created_at, updated_at
FROM conversations
WHERE id = $1
`, id).Scan(&conv.ID, &conv.UserID, &conv.ProjectID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &conv, nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, userID string) ([]*types.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	query := `
SELECT id, user_id, project_id, title, created_at, updated_at
FROM conversations
`
	args := []any{}
	if userID != "" {
		query += "WHERE user_id = $1\n"
		args = append(args, userID)
	}
	query += "ORDER BY updated_at DESC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Conversation
	for rows.Next() {
		var conv types.Conversation
		if err := rows.Scan(&conv.ID, &conv.UserID, &conv.ProjectID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &conv)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendMessage(ctx context.Context, msg *types.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg == nil || msg.ID == "" || msg.ConversationID == "" {
		return fmt.Errorf("append message: missing ids")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
INSERT INTO messages (id, conversation_id, role, content, metadata, created_at)
VALUES ($1, $2, $3, $4, $5::jsonb, $6)
`, msg.ID, msg.ConversationID, msg.Role, msg.Content, metadata, msg.CreatedAt); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	tag, err := tx.Exec(ctx, `UPDATE conversations SET updated_at = $2 WHERE id = $1`, msg.ConversationID, time.Now())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversation %s: %w", msg.ConversationID, ErrNotFound)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*types.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		msg          types.Message
		metadataJSON []byte
	)
	err := s.pool.QueryRow(ctx, `
SELECT id, conversation_id, role, content, metadata, created_at
FROM messages
WHERE id = $1
`, id).Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &metadataJSON, &msg.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &msg.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &msg, nil
}

func (s *PostgresStore) UpdateMessage(ctx context.Context, id string, content string, meta types.MessageMetadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	metadata, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var conversationID string
	err = tx.QueryRow(ctx, `
UPDATE messages SET content = $2, metadata = $3::jsonb
WHERE id = $1
RETURNING conversation_id
`, id, content, metadata).Scan(&conversationID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("message %s: %w", id, ErrNotFound)
		}
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE conversations SET updated_at = $2 WHERE id = $1`, conversationID, time.Now()); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) Messages(ctx context.Context, conversationID string) ([]types.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM conversations WHERE id = $1)`, conversationID,
	).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, conversation_id, role, content, metadata, created_at
FROM messages
WHERE conversation_id = $1
ORDER BY created_at, id
`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Message
	for rows.Next() {
		var (
			msg          types.Message
			metadataJSON []byte
		)
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &metadataJSON, &msg.CreatedAt); err != nil {
			return nil, err
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &msg.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata for %s: %w", msg.ID, err)
			}
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close(context.Context) error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
