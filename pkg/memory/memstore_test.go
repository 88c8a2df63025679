package memory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/Eden-sudo/umebot/pkg/memory"
)

func TestMemStore_InteractionOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memory.NewMemStore()

	if err := s.StartConversation(ctx, "conv_1", "user_a", ""); err != nil {
		t.Fatalf("StartConversation: %v", err)
	}
	turns := []struct{ role, content string }{
		{memory.RoleUser, "hola"},
		{memory.RoleAssistant, "^runTag(happy) ¡Hola!"},
		{memory.RoleUser, "¿qué tal?"},
		{memory.RoleAssistant, "Muy bien."},
	}
	for _, turn := range turns {
		if err := s.AddInteraction(ctx, "conv_1", turn.role, turn.content, ""); err != nil {
			t.Fatalf("AddInteraction(%q): %v", turn.content, err)
		}
	}

	got, err := s.GetInteractions(ctx, "conv_1", 0)
	if err != nil {
		t.Fatalf("GetInteractions: %v", err)
	}
	if len(got) != len(turns) {
		t.Fatalf("interactions: got %d, want %d", len(got), len(turns))
	}
	for i, it := range got {
		if it.Content != turns[i].content {
			t.Errorf("interaction %d: got %q, want %q", i, it.Content, turns[i].content)
		}
	}

	// A window keeps the newest interactions, still chronological.
	window, err := s.GetInteractions(ctx, "conv_1", 2)
	if err != nil {
		t.Fatalf("GetInteractions(limit=2): %v", err)
	}
	if len(window) != 2 || window[0].Content != "¿qué tal?" {
		t.Errorf("window: got %+v", window)
	}
}

func TestMemStore_AddInteractionUnknownConversation(t *testing.T) {
	t.Parallel()
	s := memory.NewMemStore()
	err := s.AddInteraction(context.Background(), "missing", memory.RoleUser, "hola", "")
	if !errors.Is(err, memory.ErrNoConversation) {
		t.Fatalf("got %v, want ErrNoConversation", err)
	}
}

func TestMemStore_StartConversationIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memory.NewMemStore()

	if err := s.StartConversation(ctx, "conv_1", "user_a", "first"); err != nil {
		t.Fatalf("StartConversation: %v", err)
	}
	if err := s.StartConversation(ctx, "conv_1", "user_b", "second"); err != nil {
		t.Fatalf("StartConversation again: %v", err)
	}

	convs, err := s.ListConversations(ctx, 0)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(convs) != 1 {
		t.Fatalf("conversations: got %d, want 1", len(convs))
	}
	if convs[0].UserID != "user_a" || convs[0].Summary != "first" {
		t.Errorf("restart overwrote record: %+v", convs[0])
	}
}

func TestMemStore_UserMessagesExcludesConversation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memory.NewMemStore()

	for _, id := range []string{"conv_old", "conv_current"} {
		if err := s.StartConversation(ctx, id, "user_a", ""); err != nil {
			t.Fatalf("StartConversation(%s): %v", id, err)
		}
	}
	s.AddInteraction(ctx, "conv_old", memory.RoleUser, "me gusta el ajedrez", "")
	s.AddInteraction(ctx, "conv_old", memory.RoleAssistant, "qué bien", "cloud_gpt-4o")
	s.AddInteraction(ctx, "conv_current", memory.RoleUser, "hola otra vez", "")

	got, err := s.UserMessages(ctx, memory.WithExcludeConversation("conv_current"))
	if err != nil {
		t.Fatalf("UserMessages: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("messages: got %d, want 1", len(got))
	}
	if got[0].Content != "me gusta el ajedrez" {
		t.Errorf("got %q", got[0].Content)
	}
}

func TestMemStore_SearchFilters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memory.NewMemStore()

	s.StartConversation(ctx, "conv_1", "user_a", "")
	s.AddInteraction(ctx, "conv_1", memory.RoleUser, "Háblame del Ajedrez", "")
	s.AddInteraction(ctx, "conv_1", memory.RoleAssistant, "El ajedrez es un juego", "cloud_gpt-4o")

	got, err := s.Search(ctx, "ajedrez", memory.SearchOpts{Role: memory.RoleUser})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0].Role != memory.RoleUser {
		t.Fatalf("got %+v, want single user hit", got)
	}
}

func TestMemStore_DeleteConversation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memory.NewMemStore()

	s.StartConversation(ctx, "conv_1", "user_a", "")
	s.AddInteraction(ctx, "conv_1", memory.RoleUser, "hola", "")

	if err := s.DeleteConversation(ctx, "conv_1"); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}
	if err := s.DeleteConversation(ctx, "conv_1"); err != nil {
		t.Fatalf("DeleteConversation again: %v", err)
	}

	exists, err := s.ConversationExists(ctx, "conv_1")
	if err != nil {
		t.Fatalf("ConversationExists: %v", err)
	}
	if exists {
		t.Error("conversation still exists after delete")
	}
	got, err := s.GetInteractions(ctx, "conv_1", 0)
	if err != nil {
		t.Fatalf("GetInteractions: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("interactions survived delete: %+v", got)
	}
}
