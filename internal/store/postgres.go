package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool the store needs. Tests substitute a
// fake.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore implements Store on top of a pgx pool.
type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateConversation(ctx context.Context, c *Conversation) error {
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err := s.db.Exec(ctx, `
		INSERT INTO conversations (id, title, provider, model, system_prompt, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.Title, c.Provider, c.Model, c.SystemPrompt, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var c Conversation
	err := s.db.QueryRow(ctx, `
		SELECT id, title, provider, model, system_prompt, created_at, updated_at
		FROM conversations WHERE id = $1`, id).
		Scan(&c.ID, &c.Title, &c.Provider, &c.Model, &c.SystemPrompt, &c.CreatedAt, &c.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) ListConversations(ctx context.Context) ([]*Conversation, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, title, provider, model, system_prompt, created_at, updated_at
		FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()
	return scanConversations(rows)
}

// SearchConversations matches the query as a case-insensitive substring of
// the conversation title or any of its message bodies.
func (s *PostgresStore) SearchConversations(ctx context.Context, query string) ([]*Conversation, error) {
	rows, err := s.db.Query(ctx, `
		SELECT c.id, c.title, c.provider, c.model, c.system_prompt, c.created_at, c.updated_at
		FROM conversations c
		WHERE c.title ILIKE $1
			OR EXISTS (
				SELECT 1 FROM messages m
				WHERE m.conversation_id = c.id AND m.content ILIKE $1
			)
		ORDER BY c.updated_at DESC`,
		"%"+escapeLike(query)+"%")
	if err != nil {
		return nil, fmt.Errorf("search conversations: %w", err)
	}
	defer rows.Close()
	return scanConversations(rows)
}

func (s *PostgresStore) UpdateConversation(ctx context.Context, c *Conversation) error {
	c.UpdatedAt = time.Now().UTC()

	tag, err := s.db.Exec(ctx, `
		UPDATE conversations
		SET title = $2, provider = $3, model = $4, system_prompt = $5, updated_at = $6
		WHERE id = $1`,
		c.ID, c.Title, c.Provider, c.Model, c.SystemPrompt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConversation removes the conversation and its messages.
func (s *PostgresStore) DeleteConversation(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM messages WHERE conversation_id = $1`, id); err != nil {
		return fmt.Errorf("delete conversation messages: %w", err)
	}

	tag, err := s.db.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreateMessage(ctx context.Context, m *Message) error {
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now
	if m.Status == "" {
		m.Status = StatusPending
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, provider, model, status,
			input_tokens, output_tokens, cost_usd, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		m.ID, m.ConversationID, m.Role, m.Content, m.Provider, m.Model, m.Status,
		m.InputTokens, m.OutputTokens, m.CostUSD, m.Error, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}

	_, err = s.db.Exec(ctx, `UPDATE conversations SET updated_at = $2 WHERE id = $1`,
		m.ConversationID, now)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateMessage(ctx context.Context, id string, patch MessagePatch) error {
	query, args := buildMessagePatch(id, patch, time.Now().UTC())
	if query == "" {
		return nil
	}

	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, conversation_id, role, content, provider, model, status,
			input_tokens, output_tokens, cost_usd, error, created_at, updated_at
		FROM messages WHERE conversation_id = $1 ORDER BY created_at ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.Provider,
			&m.Model, &m.Status, &m.InputTokens, &m.OutputTokens, &m.CostUSD,
			&m.Error, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}

// buildMessagePatch assembles an UPDATE touching only the set fields. It
// returns an empty query when the patch is empty.
func buildMessagePatch(id string, patch MessagePatch, now time.Time) (string, []any) {
	var sets []string
	args := []any{id}

	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.Content != nil {
		add("content", *patch.Content)
	}
	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.InputTokens != nil {
		add("input_tokens", *patch.InputTokens)
	}
	if patch.OutputTokens != nil {
		add("output_tokens", *patch.OutputTokens)
	}
	if patch.CostUSD != nil {
		add("cost_usd", *patch.CostUSD)
	}
	if patch.Error != nil {
		add("error", *patch.Error)
	}
	if len(sets) == 0 {
		return "", nil
	}
	add("updated_at", now)

	return "UPDATE messages SET " + strings.Join(sets, ", ") + " WHERE id = $1", args
}

func scanConversations(rows pgx.Rows) ([]*Conversation, error) {
	var conversations []*Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Title, &c.Provider, &c.Model, &c.SystemPrompt,
			&c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conversations = append(conversations, &c)
	}
	return conversations, rows.Err()
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}
