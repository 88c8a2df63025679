package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/Eden-sudo/umebot/pkg/memory"
	"github.com/Eden-sudo/umebot/pkg/memory/postgres"
)

const testEmbeddingDim = 4

// testDSN returns the test database DSN from the environment, or skips the
// test if UMEBOT_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("UMEBOT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("UMEBOT_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] with a clean schema.
// It calls t.Cleanup to close the store when the test finishes.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	// Use a bare pool to drop and recreate the schema.
	cleanPool := mustPool(t, ctx, dsn)
	t.Cleanup(cleanPool.Close)
	dropSchema(t, ctx, cleanPool)

	store, err := postgres.NewStore(ctx, dsn, testEmbeddingDim)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

// mustPool opens a pgxpool with pgvector types registered (needed for the HNSW
// index to not refuse our connection during dropSchema).
func mustPool(t *testing.T, ctx context.Context, dsn string) *pgxpool.Pool {
	t.Helper()
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		// best-effort: pgvector may not be installed yet on a fresh DB
		_ = pgxvec.RegisterTypes(ctx, conn)
		return nil
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	return pool
}

// dropSchema removes all tables created by Migrate in reverse dependency order.
func dropSchema(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS interaction_chunks CASCADE",
		"DROP TABLE IF EXISTS interactions CASCADE",
		"DROP TABLE IF EXISTS conversations CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("dropSchema %q: %v", stmt, err)
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// L1 — ConversationStore
// ─────────────────────────────────────────────────────────────────────────────

func TestConversationLifecycle(t *testing.T) {
	store := newTestStore(t)
	convs := store.Conversations()
	ctx := context.Background()

	exists, err := convs.ConversationExists(ctx, "conv_1")
	if err != nil {
		t.Fatalf("ConversationExists: %v", err)
	}
	if exists {
		t.Error("conversation should not exist before StartConversation")
	}

	if err := convs.StartConversation(ctx, "conv_1", "user_1", ""); err != nil {
		t.Fatalf("StartConversation: %v", err)
	}
	// Re-starting must be a no-op.
	if err := convs.StartConversation(ctx, "conv_1", "user_1", ""); err != nil {
		t.Fatalf("second StartConversation: %v", err)
	}

	exists, err = convs.ConversationExists(ctx, "conv_1")
	if err != nil {
		t.Fatalf("ConversationExists: %v", err)
	}
	if !exists {
		t.Error("conversation should exist after StartConversation")
	}
}

func TestAddInteraction_UnknownConversation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.Conversations().AddInteraction(ctx, "ghost", memory.RoleUser, "hola", "")
	if !errors.Is(err, memory.ErrNoConversation) {
		t.Fatalf("expected ErrNoConversation, got %v", err)
	}
}

func TestAddInteraction_BumpsLastUpdated(t *testing.T) {
	store := newTestStore(t)
	convs := store.Conversations()
	ctx := context.Background()

	if err := convs.StartConversation(ctx, "conv_1", "user_1", ""); err != nil {
		t.Fatalf("StartConversation: %v", err)
	}
	before, err := convs.ListConversations(ctx, 1)
	if err != nil || len(before) != 1 {
		t.Fatalf("ListConversations: %v (%d rows)", err, len(before))
	}

	time.Sleep(10 * time.Millisecond)
	if err := convs.AddInteraction(ctx, "conv_1", memory.RoleUser, "hola robot", ""); err != nil {
		t.Fatalf("AddInteraction: %v", err)
	}

	after, err := convs.ListConversations(ctx, 1)
	if err != nil || len(after) != 1 {
		t.Fatalf("ListConversations: %v (%d rows)", err, len(after))
	}
	if !after[0].LastUpdated.After(before[0].LastUpdated) {
		t.Error("AddInteraction should bump last_updated")
	}
}

func TestGetInteractions_WindowIsChronological(t *testing.T) {
	store := newTestStore(t)
	convs := store.Conversations()
	ctx := context.Background()

	if err := convs.StartConversation(ctx, "conv_1", "user_1", ""); err != nil {
		t.Fatalf("StartConversation: %v", err)
	}
	texts := []string{"uno", "dos", "tres", "cuatro", "cinco"}
	for i, text := range texts {
		role := memory.RoleUser
		if i%2 == 1 {
			role = memory.RoleAssistant
		}
		if err := convs.AddInteraction(ctx, "conv_1", role, text, ""); err != nil {
			t.Fatalf("AddInteraction %q: %v", text, err)
		}
	}

	got, err := convs.GetInteractions(ctx, "conv_1", 3)
	if err != nil {
		t.Fatalf("GetInteractions: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 interactions, got %d", len(got))
	}
	// The newest 3, oldest of the window first.
	for i, want := range []string{"tres", "cuatro", "cinco"} {
		if got[i].Content != want {
			t.Errorf("window[%d]: got %q, want %q", i, got[i].Content, want)
		}
	}

	all, err := convs.GetInteractions(ctx, "conv_1", 0)
	if err != nil {
		t.Fatalf("GetInteractions all: %v", err)
	}
	if len(all) != len(texts) {
		t.Errorf("expected %d interactions without limit, got %d", len(texts), len(all))
	}
}

func TestUserMessages_FiltersAndOrder(t *testing.T) {
	store := newTestStore(t)
	convs := store.Conversations()
	ctx := context.Background()

	for _, conv := range []string{"conv_old", "conv_current"} {
		if err := convs.StartConversation(ctx, conv, "user_1", ""); err != nil {
			t.Fatalf("StartConversation %s: %v", conv, err)
		}
	}
	seed := []struct{ conv, role, text string }{
		{"conv_old", memory.RoleUser, "me gusta el futbol"},
		{"conv_old", memory.RoleAssistant, "que bien"},
		{"conv_old", memory.RoleUser, "odio la lluvia"},
		{"conv_current", memory.RoleUser, "hola de nuevo"},
	}
	for _, s := range seed {
		if err := convs.AddInteraction(ctx, s.conv, s.role, s.text, ""); err != nil {
			t.Fatalf("AddInteraction: %v", err)
		}
	}

	got, err := convs.UserMessages(ctx,
		memory.WithExcludeConversation("conv_current"),
		memory.WithLimit(10),
	)
	if err != nil {
		t.Fatalf("UserMessages: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 user messages, got %d", len(got))
	}
	if got[0].Content != "odio la lluvia" {
		t.Errorf("expected newest first, got %q", got[0].Content)
	}
	for _, in := range got {
		if in.Role != memory.RoleUser {
			t.Errorf("unexpected role %q", in.Role)
		}
		if in.ConversationID == "conv_current" {
			t.Error("excluded conversation leaked into results")
		}
	}
}

func TestSearch_FullText(t *testing.T) {
	store := newTestStore(t)
	convs := store.Conversations()
	ctx := context.Background()

	if err := convs.StartConversation(ctx, "conv_1", "user_1", ""); err != nil {
		t.Fatalf("StartConversation: %v", err)
	}
	for _, text := range []string{
		"los robots humanoides caminan despacio",
		"hoy hace mucho calor",
	} {
		if err := convs.AddInteraction(ctx, "conv_1", memory.RoleUser, text, ""); err != nil {
			t.Fatalf("AddInteraction: %v", err)
		}
	}

	got, err := convs.Search(ctx, "robots", memory.SearchOpts{ConversationID: "conv_1"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(got))
	}
	if got[0].Content != "los robots humanoides caminan despacio" {
		t.Errorf("unexpected hit %q", got[0].Content)
	}
}

func TestDeleteConversation_Cascades(t *testing.T) {
	store := newTestStore(t)
	convs := store.Conversations()
	ctx := context.Background()

	if err := convs.StartConversation(ctx, "conv_1", "user_1", ""); err != nil {
		t.Fatalf("StartConversation: %v", err)
	}
	if err := convs.AddInteraction(ctx, "conv_1", memory.RoleUser, "hola", ""); err != nil {
		t.Fatalf("AddInteraction: %v", err)
	}

	if err := convs.DeleteConversation(ctx, "conv_1"); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}
	// Deleting again is not an error.
	if err := convs.DeleteConversation(ctx, "conv_1"); err != nil {
		t.Fatalf("second DeleteConversation: %v", err)
	}

	got, err := convs.GetInteractions(ctx, "conv_1", 0)
	if err != nil {
		t.Fatalf("GetInteractions: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected cascade delete of interactions, found %d", len(got))
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// L2 — SemanticIndex
// ─────────────────────────────────────────────────────────────────────────────

func TestSemanticIndex_UpsertAndSearch(t *testing.T) {
	store := newTestStore(t)
	sem := store.Semantic()
	ctx := context.Background()

	chunks := []memory.Chunk{
		{ID: "c1", ConversationID: "conv_a", Content: "me gusta el futbol",
			Embedding: []float32{1, 0, 0, 0}, Role: memory.RoleUser, Timestamp: time.Now()},
		{ID: "c2", ConversationID: "conv_b", Content: "odio la lluvia",
			Embedding: []float32{0, 1, 0, 0}, Role: memory.RoleUser, Timestamp: time.Now()},
	}
	for _, c := range chunks {
		if err := sem.IndexChunk(ctx, c); err != nil {
			t.Fatalf("IndexChunk %s: %v", c.ID, err)
		}
	}
	// Upsert replaces content for the same ID.
	chunks[0].Content = "me encanta el futbol"
	if err := sem.IndexChunk(ctx, chunks[0]); err != nil {
		t.Fatalf("IndexChunk upsert: %v", err)
	}

	got, err := sem.Search(ctx, []float32{1, 0, 0, 0}, 10, memory.ChunkFilter{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
	if got[0].Chunk.ID != "c1" {
		t.Errorf("expected c1 closest, got %s", got[0].Chunk.ID)
	}
	if got[0].Chunk.Content != "me encanta el futbol" {
		t.Errorf("upsert did not replace content: %q", got[0].Chunk.Content)
	}
	if got[0].Distance >= got[1].Distance {
		t.Error("results should be ordered by ascending distance")
	}

	scoped, err := sem.Search(ctx, []float32{1, 0, 0, 0}, 10, memory.ChunkFilter{
		ExcludeConversationID: "conv_a",
	})
	if err != nil {
		t.Fatalf("Search with exclusion: %v", err)
	}
	if len(scoped) != 1 || scoped[0].Chunk.ID != "c2" {
		t.Errorf("exclusion filter failed: %+v", scoped)
	}
}
