// Package memory defines the two-layer conversation memory used by the robot
// assistant.
//
//   - L1 – Conversation Store ([ConversationStore]): durable log of
//     conversations and their interactions. Supplies the recent-history
//     window for prompts and the candidate pool for keyword recall.
//   - L2 – Semantic Index ([SemanticIndex]): vector store for embedding-based
//     similarity search over past interactions, used when an embeddings
//     provider is configured.
//
// All interfaces are public so that external packages can supply alternative
// storage backends (Postgres/pgvector, in-memory, …) without depending on
// internals.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"errors"
	"time"
)

// ErrNoConversation is returned by interaction writes against a conversation
// ID that was never started.
var ErrNoConversation = errors.New("memory: conversation does not exist")

// ─────────────────────────────────────────────────────────────────────────────
// L1 supporting types
// ─────────────────────────────────────────────────────────────────────────────

// SearchOpts configures a keyword / full-text search over interactions (L1).
// All non-zero fields are applied as AND conditions.
type SearchOpts struct {
	// ConversationID restricts the search to a single conversation.
	// An empty string searches across all conversations.
	ConversationID string

	// Role restricts results to interactions with this role.
	// An empty string matches all roles.
	Role string

	// After filters interactions recorded after this instant (exclusive).
	// A zero Time disables the lower bound.
	After time.Time

	// Before filters interactions recorded before this instant (exclusive).
	// A zero Time disables the upper bound.
	Before time.Time

	// Limit caps the number of results returned.
	// A value of 0 means the implementation may apply its own default.
	Limit int
}

// ─────────────────────────────────────────────────────────────────────────────
// L2 supporting types
// ─────────────────────────────────────────────────────────────────────────────

// Chunk is an interaction prepared for semantic indexing (L2). A Chunk
// carries its pre-computed embedding so the index does not need to re-embed
// on insertion.
type Chunk struct {
	// ID is the unique identifier for this chunk (e.g., a UUID).
	ID string

	// ConversationID is the conversation this chunk came from.
	ConversationID string

	// Content is the raw text of the chunk.
	Content string

	// Embedding is the vector representation of Content.
	// Dimension must match the index configuration (e.g., 1536 for OpenAI
	// text-embedding-3-small, 768 for nomic-embed-text).
	Embedding []float32

	// Role is the interaction role the chunk was derived from.
	Role string

	// Timestamp is when the underlying interaction was recorded.
	Timestamp time.Time
}

// ChunkFilter narrows a semantic search to a subset of indexed chunks (L2).
// All non-zero fields are applied as AND conditions.
type ChunkFilter struct {
	// ConversationID restricts results to a single conversation.
	ConversationID string

	// ExcludeConversationID drops chunks from the given conversation,
	// typically the one currently in progress.
	ExcludeConversationID string

	// Role restricts results to chunks derived from this role.
	Role string

	// After filters chunks recorded after this instant (exclusive).
	After time.Time

	// Before filters chunks recorded before this instant (exclusive).
	Before time.Time
}

// ChunkResult pairs a retrieved chunk with its vector-space distance from the
// query embedding (L2). Lower Distance values indicate higher semantic similarity.
type ChunkResult struct {
	// Chunk is the retrieved segment.
	Chunk Chunk

	// Distance is the cosine distance to the query embedding.
	Distance float64
}

// ─────────────────────────────────────────────────────────────────────────────
// L1 – Conversation Store interface
// ─────────────────────────────────────────────────────────────────────────────

// ConversationStore is the L1 memory layer: a durable log of conversations
// and their time-ordered interactions.
//
// Implementations must be safe for concurrent use.
type ConversationStore interface {
	// StartConversation registers a new conversation under id for userID
	// with an optional summary. Starting an already-existing conversation
	// is not an error and leaves the stored record untouched.
	StartConversation(ctx context.Context, id, userID, summary string) error

	// ConversationExists reports whether a conversation with id was started.
	ConversationExists(ctx context.Context, id string) (bool, error)

	// AddInteraction appends an interaction to the given conversation and
	// bumps the conversation's LastUpdated in the same atomic operation.
	// Returns [ErrNoConversation] when the conversation was never started.
	AddInteraction(ctx context.Context, conversationID, role, content, modelUsed string) error

	// GetInteractions returns the last limit interactions of the
	// conversation in chronological order (oldest of the window first).
	// limit <= 0 returns the whole conversation.
	// Returns an empty (non-nil) slice when the conversation is empty.
	GetInteractions(ctx context.Context, conversationID string, limit int) ([]Interaction, error)

	// UserMessages returns recent user-role interactions across past
	// conversations, newest first. It feeds the keyword-recall candidate
	// pool; use [WithExcludeConversation] to drop the conversation currently
	// in progress and [WithLimit] to cap the pool size.
	// Returns an empty (non-nil) slice when nothing matches.
	UserMessages(ctx context.Context, opts ...QueryOpt) ([]Interaction, error)

	// Search performs keyword / full-text search over stored interactions.
	// The query string is matched against the Content field.
	// Returns an empty (non-nil) slice when no interactions match.
	Search(ctx context.Context, query string, opts SearchOpts) ([]Interaction, error)

	// ListConversations returns conversations ordered by LastUpdated,
	// newest first. limit <= 0 applies an implementation default.
	ListConversations(ctx context.Context, limit int) ([]Conversation, error)

	// DeleteConversation removes a conversation and all its interactions.
	// Deleting a non-existent conversation is not an error.
	DeleteConversation(ctx context.Context, id string) error
}

// ─────────────────────────────────────────────────────────────────────────────
// L2 – Semantic Index interface
// ─────────────────────────────────────────────────────────────────────────────

// SemanticIndex is the L2 memory layer: a vector store for embedding-based
// similarity search over past interactions.
//
// Callers are responsible for producing embeddings before calling IndexChunk or
// Search. Implementations must be safe for concurrent use.
type SemanticIndex interface {
	// IndexChunk stores a pre-embedded [Chunk] in the vector index.
	// If a chunk with the same ID already exists it must be replaced (upsert).
	IndexChunk(ctx context.Context, chunk Chunk) error

	// Search finds the topK chunks whose embeddings are closest to the query
	// embedding, filtered by filter.
	// Results are ordered by ascending Distance (most similar first).
	// Returns an empty (non-nil) slice when no chunks match.
	Search(ctx context.Context, embedding []float32, topK int, filter ChunkFilter) ([]ChunkResult, error)
}
