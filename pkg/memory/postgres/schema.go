// Package postgres provides a PostgreSQL-backed implementation of the two-layer
// conversation memory (L1 conversation log, L2 semantic index).
//
// Both layers share a single [pgxpool.Pool] connection pool. The pgvector
// extension must be available in the target database; [Migrate] installs it
// automatically via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 1536)
//	if err != nil { … }
//
//	// L1
//	_ = store.Conversations().StartConversation(ctx, convID, userID, "")
//	_ = store.Conversations().AddInteraction(ctx, convID, memory.RoleUser, "hola", "")
//
//	// L2
//	_ = store.Semantic().IndexChunk(ctx, chunk)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// L1 DDL — conversation log
// ─────────────────────────────────────────────────────────────────────────────

const ddlConversations = `
CREATE TABLE IF NOT EXISTS conversations (
    conversation_id  TEXT         PRIMARY KEY,
    user_id          TEXT         NOT NULL DEFAULT '',
    summary          TEXT         NOT NULL DEFAULT '',
    start_time       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    last_updated     TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversations_last_updated
    ON conversations (last_updated DESC);

CREATE TABLE IF NOT EXISTS interactions (
    id               BIGSERIAL    PRIMARY KEY,
    conversation_id  TEXT         NOT NULL
        REFERENCES conversations (conversation_id) ON DELETE CASCADE,
    role             TEXT         NOT NULL
        CHECK (role IN ('user', 'assistant', 'system')),
    content          TEXT         NOT NULL,
    model_used       TEXT         NOT NULL DEFAULT '',
    timestamp        TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_interactions_conversation
    ON interactions (conversation_id, id);

CREATE INDEX IF NOT EXISTS idx_interactions_role_timestamp
    ON interactions (role, timestamp DESC);

CREATE INDEX IF NOT EXISTS idx_interactions_fts
    ON interactions USING GIN (to_tsvector('spanish', content));
`

// ddlL2 returns the L2 DDL with the embedding dimension substituted.
// The vector dimension is baked into the column type at schema creation time.
func ddlL2(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS interaction_chunks (
    id               TEXT         PRIMARY KEY,
    conversation_id  TEXT         NOT NULL,
    content          TEXT         NOT NULL,
    embedding        vector(%d),
    role             TEXT         NOT NULL DEFAULT '',
    timestamp        TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_interaction_chunks_conversation
    ON interaction_chunks (conversation_id);

CREATE INDEX IF NOT EXISTS idx_interaction_chunks_embedding
    ON interaction_chunks USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures all required database tables and extensions exist.
// It is idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS) and
// safe to call on every application start.
//
// embeddingDimensions must match the vector model configured for your deployment
// (e.g., 1536 for OpenAI text-embedding-3-small, 768 for nomic-embed-text).
// Changing this value after the first migration requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlConversations,
		ddlL2(embeddingDimensions),
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
