package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// defaultListLimit caps ListConversations when the caller passes no limit.
const defaultListLimit = 50

// MemStore is an in-memory [ConversationStore]. It backs deployments that
// run without a database: conversations live for the process lifetime and
// are lost on restart. Safe for concurrent use.
type MemStore struct {
	mu            sync.Mutex
	conversations map[string]*Conversation
	interactions  []Interaction
	nextID        int64
}

var _ ConversationStore = (*MemStore)(nil)

// NewMemStore creates an empty in-memory conversation store.
func NewMemStore() *MemStore {
	return &MemStore{conversations: map[string]*Conversation{}}
}

// StartConversation registers a conversation. Re-starting an existing one
// leaves the stored record untouched.
func (s *MemStore) StartConversation(_ context.Context, id, userID, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[id]; ok {
		return nil
	}
	now := time.Now()
	s.conversations[id] = &Conversation{
		ID:          id,
		UserID:      userID,
		Summary:     summary,
		StartTime:   now,
		LastUpdated: now,
	}
	return nil
}

// ConversationExists reports whether id was started.
func (s *MemStore) ConversationExists(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.conversations[id]
	return ok, nil
}

// AddInteraction appends an interaction and bumps the conversation's
// LastUpdated. Returns [ErrNoConversation] for unknown conversations.
func (s *MemStore) AddInteraction(_ context.Context, conversationID, role, content, modelUsed string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return ErrNoConversation
	}
	s.nextID++
	now := time.Now()
	s.interactions = append(s.interactions, Interaction{
		ID:             s.nextID,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		ModelUsed:      modelUsed,
		Timestamp:      now,
	})
	conv.LastUpdated = now
	return nil
}

// GetInteractions returns the last limit interactions of the conversation in
// chronological order. limit <= 0 returns the whole conversation.
func (s *MemStore) GetInteractions(_ context.Context, conversationID string, limit int) ([]Interaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Interaction{}
	for _, it := range s.interactions {
		if it.ConversationID == conversationID {
			out = append(out, it)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// UserMessages returns recent interactions matching the query options,
// newest first.
func (s *MemStore) UserMessages(_ context.Context, opts ...QueryOpt) ([]Interaction, error) {
	params := ApplyQueryOpts(opts)

	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Interaction{}
	for i := len(s.interactions) - 1; i >= 0; i-- {
		it := s.interactions[i]
		if params.Role != "" && it.Role != params.Role {
			continue
		}
		if params.ExcludeConversation != "" && it.ConversationID == params.ExcludeConversation {
			continue
		}
		out = append(out, it)
		if params.Limit > 0 && len(out) == params.Limit {
			break
		}
	}
	return out, nil
}

// Search performs a case-insensitive substring match over interaction
// content, newest first.
func (s *MemStore) Search(_ context.Context, query string, opts SearchOpts) ([]Interaction, error) {
	needle := strings.ToLower(query)

	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Interaction{}
	for i := len(s.interactions) - 1; i >= 0; i-- {
		it := s.interactions[i]
		if opts.ConversationID != "" && it.ConversationID != opts.ConversationID {
			continue
		}
		if opts.Role != "" && it.Role != opts.Role {
			continue
		}
		if !opts.After.IsZero() && !it.Timestamp.After(opts.After) {
			continue
		}
		if !opts.Before.IsZero() && !it.Timestamp.Before(opts.Before) {
			continue
		}
		if !strings.Contains(strings.ToLower(it.Content), needle) {
			continue
		}
		out = append(out, it)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

// ListConversations returns conversations ordered by LastUpdated, newest
// first.
func (s *MemStore) ListConversations(_ context.Context, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastUpdated.After(out[j].LastUpdated)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteConversation removes a conversation and its interactions. Deleting
// an unknown conversation is not an error.
func (s *MemStore) DeleteConversation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, id)
	kept := s.interactions[:0]
	for _, it := range s.interactions {
		if it.ConversationID != id {
			kept = append(kept, it)
		}
	}
	s.interactions = kept
	return nil
}
