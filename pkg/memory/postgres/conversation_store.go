package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Eden-sudo/umebot/pkg/memory"
)

// pgErrForeignKeyViolation is the PostgreSQL error code raised when an
// interaction references a conversation that was never started.
const pgErrForeignKeyViolation = "23503"

// ConversationStoreImpl is the L1 memory layer backed by the conversations
// and interactions tables, with a GIN full-text search index on content.
//
// Obtain one via [Store.Conversations] rather than constructing directly.
// All methods are safe for concurrent use.
type ConversationStoreImpl struct {
	pool *pgxpool.Pool
}

// StartConversation implements [memory.ConversationStore]. Re-starting an
// existing conversation leaves its timestamps untouched.
func (s *ConversationStoreImpl) StartConversation(ctx context.Context, id, userID, summary string) error {
	const q = `
		INSERT INTO conversations (conversation_id, user_id, summary)
		VALUES ($1, $2, $3)
		ON CONFLICT (conversation_id) DO NOTHING`

	if _, err := s.pool.Exec(ctx, q, id, userID, summary); err != nil {
		return fmt.Errorf("conversation store: start conversation: %w", err)
	}
	return nil
}

// ConversationExists implements [memory.ConversationStore].
func (s *ConversationStoreImpl) ConversationExists(ctx context.Context, id string) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM conversations WHERE conversation_id = $1)`

	var exists bool
	if err := s.pool.QueryRow(ctx, q, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("conversation store: conversation exists: %w", err)
	}
	return exists, nil
}

// AddInteraction implements [memory.ConversationStore]. The interaction
// insert and the conversation's last_updated bump happen in one transaction.
func (s *ConversationStoreImpl) AddInteraction(ctx context.Context, conversationID, role, content, modelUsed string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("conversation store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const insert = `
		INSERT INTO interactions (conversation_id, role, content, model_used)
		VALUES ($1, $2, $3, $4)`
	if _, err := tx.Exec(ctx, insert, conversationID, role, content, modelUsed); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgErrForeignKeyViolation {
			return fmt.Errorf("conversation store: %w: %s", memory.ErrNoConversation, conversationID)
		}
		return fmt.Errorf("conversation store: add interaction: %w", err)
	}

	const bump = `UPDATE conversations SET last_updated = now() WHERE conversation_id = $1`
	if _, err := tx.Exec(ctx, bump, conversationID); err != nil {
		return fmt.Errorf("conversation store: bump last_updated: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("conversation store: commit: %w", err)
	}
	return nil
}

// GetInteractions implements [memory.ConversationStore]. The window is the
// newest limit rows, returned in chronological order: an inner query selects
// them newest-first, the outer query flips them back.
func (s *ConversationStoreImpl) GetInteractions(ctx context.Context, conversationID string, limit int) ([]memory.Interaction, error) {
	q := `
		SELECT id, conversation_id, role, content, model_used, timestamp
		FROM   interactions
		WHERE  conversation_id = $1
		ORDER  BY id`
	args := []any{conversationID}

	if limit > 0 {
		q = `
		SELECT id, conversation_id, role, content, model_used, timestamp
		FROM (
		    SELECT id, conversation_id, role, content, model_used, timestamp
		    FROM   interactions
		    WHERE  conversation_id = $1
		    ORDER  BY id DESC
		    LIMIT  $2
		) AS recent
		ORDER BY id`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("conversation store: get interactions: %w", err)
	}
	return collectInteractions(rows)
}

// UserMessages implements [memory.ConversationStore]. Results are ordered
// newest first.
func (s *ConversationStoreImpl) UserMessages(ctx context.Context, opts ...memory.QueryOpt) ([]memory.Interaction, error) {
	params := memory.ApplyQueryOpts(opts)

	args := []any{params.Role}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{"role = $1"}
	if params.ExcludeConversation != "" {
		conditions = append(conditions, "conversation_id <> "+next(params.ExcludeConversation))
	}

	q := "SELECT id, conversation_id, role, content, model_used, timestamp\n" +
		"FROM   interactions\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY id DESC"

	if params.Limit > 0 {
		args = append(args, params.Limit)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("conversation store: user messages: %w", err)
	}
	return collectInteractions(rows)
}

// Search implements [memory.ConversationStore]. It performs a PostgreSQL
// full-text search over the content column and applies optional filters from
// opts.
//
// The query is passed to plainto_tsquery so no special operator syntax is
// required. The FTS configuration matches the GIN index ('spanish').
func (s *ConversationStoreImpl) Search(ctx context.Context, query string, opts memory.SearchOpts) ([]memory.Interaction, error) {
	args := []any{query} // $1 = FTS query string
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{
		"to_tsvector('spanish', content) @@ plainto_tsquery('spanish', $1)",
	}
	if opts.ConversationID != "" {
		conditions = append(conditions, "conversation_id = "+next(opts.ConversationID))
	}
	if opts.Role != "" {
		conditions = append(conditions, "role = "+next(opts.Role))
	}
	if !opts.After.IsZero() {
		conditions = append(conditions, "timestamp > "+next(opts.After))
	}
	if !opts.Before.IsZero() {
		conditions = append(conditions, "timestamp < "+next(opts.Before))
	}

	q := "SELECT id, conversation_id, role, content, model_used, timestamp\n" +
		"FROM   interactions\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY timestamp"

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("conversation store: search: %w", err)
	}
	return collectInteractions(rows)
}

// ListConversations implements [memory.ConversationStore].
func (s *ConversationStoreImpl) ListConversations(ctx context.Context, limit int) ([]memory.Conversation, error) {
	const defaultLimit = 50
	if limit <= 0 {
		limit = defaultLimit
	}

	const q = `
		SELECT conversation_id, user_id, summary, start_time, last_updated
		FROM   conversations
		ORDER  BY last_updated DESC
		LIMIT  $1`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("conversation store: list conversations: %w", err)
	}

	convs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Conversation, error) {
		var c memory.Conversation
		err := row.Scan(&c.ID, &c.UserID, &c.Summary, &c.StartTime, &c.LastUpdated)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("conversation store: scan conversations: %w", err)
	}
	if convs == nil {
		convs = []memory.Conversation{}
	}
	return convs, nil
}

// DeleteConversation implements [memory.ConversationStore]. Interactions go
// with it via ON DELETE CASCADE.
func (s *ConversationStoreImpl) DeleteConversation(ctx context.Context, id string) error {
	const q = `DELETE FROM conversations WHERE conversation_id = $1`

	if _, err := s.pool.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("conversation store: delete conversation: %w", err)
	}
	return nil
}

// collectInteractions scans pgx rows into a slice of Interaction values.
func collectInteractions(rows pgx.Rows) ([]memory.Interaction, error) {
	interactions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Interaction, error) {
		var in memory.Interaction
		if err := row.Scan(
			&in.ID,
			&in.ConversationID,
			&in.Role,
			&in.Content,
			&in.ModelUsed,
			&in.Timestamp,
		); err != nil {
			return memory.Interaction{}, err
		}
		return in, nil
	})
	if err != nil {
		return nil, fmt.Errorf("conversation store: scan rows: %w", err)
	}
	if interactions == nil {
		interactions = []memory.Interaction{}
	}
	return interactions, nil
}
