// Package mock provides in-memory test doubles for the memory layer interfaces.
//
// ConversationStore is a functional in-memory implementation: writes are
// visible to subsequent reads, so the conversation layer can be exercised
// end to end without PostgreSQL. Error injection fields force failures, and
// every method call is recorded for assertion in tests. All mocks are safe
// for concurrent use via an internal [sync.Mutex].
//
// Typical usage:
//
//	store := mock.NewConversationStore()
//	_ = store.StartConversation(ctx, "conv_1", "user_1", "")
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("AddInteraction"); got != 2 {
//	    t.Errorf("expected 2 AddInteraction calls, got %d", got)
//	}
package mock

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Eden-sudo/umebot/pkg/memory"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// ─────────────────────────────────────────────────────────────────────────────
// ConversationStore mock (L1)
// ─────────────────────────────────────────────────────────────────────────────

// ConversationStore is an in-memory implementation of
// [memory.ConversationStore] with call recording and error injection.
type ConversationStore struct {
	mu sync.Mutex

	// Err, if non-nil, is returned by every method. Use it to simulate a
	// storage outage.
	Err error

	// ErrOn, if non-empty, limits Err to methods whose name is in the set.
	ErrOn map[string]bool

	conversations map[string]*memory.Conversation
	interactions  []memory.Interaction
	nextID        int64
	calls         []Call
}

var _ memory.ConversationStore = (*ConversationStore)(nil)

// NewConversationStore creates an empty in-memory conversation store.
func NewConversationStore() *ConversationStore {
	return &ConversationStore{
		conversations: map[string]*memory.Conversation{},
		nextID:        1,
	}
}

func (s *ConversationStore) fail(method string) error {
	if s.Err == nil {
		return nil
	}
	if len(s.ErrOn) > 0 && !s.ErrOn[method] {
		return nil
	}
	return s.Err
}

func (s *ConversationStore) record(method string, args ...any) {
	s.calls = append(s.calls, Call{Method: method, Args: args})
}

// CallCount returns how many times the named method was invoked.
func (s *ConversationStore) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Calls returns a copy of all recorded calls in order.
func (s *ConversationStore) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// StartConversation implements [memory.ConversationStore].
func (s *ConversationStore) StartConversation(_ context.Context, id, userID, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("StartConversation", id, userID, summary)
	if err := s.fail("StartConversation"); err != nil {
		return err
	}
	if _, ok := s.conversations[id]; ok {
		return nil
	}
	now := time.Now()
	s.conversations[id] = &memory.Conversation{
		ID:          id,
		UserID:      userID,
		Summary:     summary,
		StartTime:   now,
		LastUpdated: now,
	}
	return nil
}

// ConversationExists implements [memory.ConversationStore].
func (s *ConversationStore) ConversationExists(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("ConversationExists", id)
	if err := s.fail("ConversationExists"); err != nil {
		return false, err
	}
	_, ok := s.conversations[id]
	return ok, nil
}

// AddInteraction implements [memory.ConversationStore].
func (s *ConversationStore) AddInteraction(_ context.Context, conversationID, role, content, modelUsed string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("AddInteraction", conversationID, role, content, modelUsed)
	if err := s.fail("AddInteraction"); err != nil {
		return err
	}
	conv, ok := s.conversations[conversationID]
	if !ok {
		return fmt.Errorf("%w: %s", memory.ErrNoConversation, conversationID)
	}
	s.interactions = append(s.interactions, memory.Interaction{
		ID:             s.nextID,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		ModelUsed:      modelUsed,
		Timestamp:      time.Now(),
	})
	s.nextID++
	conv.LastUpdated = time.Now()
	return nil
}

// GetInteractions implements [memory.ConversationStore].
func (s *ConversationStore) GetInteractions(_ context.Context, conversationID string, limit int) ([]memory.Interaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("GetInteractions", conversationID, limit)
	if err := s.fail("GetInteractions"); err != nil {
		return nil, err
	}
	var out []memory.Interaction
	for _, in := range s.interactions {
		if in.ConversationID == conversationID {
			out = append(out, in)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	if out == nil {
		out = []memory.Interaction{}
	}
	return out, nil
}

// UserMessages implements [memory.ConversationStore].
func (s *ConversationStore) UserMessages(_ context.Context, opts ...memory.QueryOpt) ([]memory.Interaction, error) {
	params := memory.ApplyQueryOpts(opts)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("UserMessages", params)
	if err := s.fail("UserMessages"); err != nil {
		return nil, err
	}
	out := []memory.Interaction{}
	for i := len(s.interactions) - 1; i >= 0; i-- {
		in := s.interactions[i]
		if in.Role != params.Role {
			continue
		}
		if params.ExcludeConversation != "" && in.ConversationID == params.ExcludeConversation {
			continue
		}
		out = append(out, in)
		if params.Limit > 0 && len(out) == params.Limit {
			break
		}
	}
	return out, nil
}

// Search implements [memory.ConversationStore] with a case-insensitive
// substring match standing in for full-text search.
func (s *ConversationStore) Search(_ context.Context, query string, opts memory.SearchOpts) ([]memory.Interaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("Search", query, opts)
	if err := s.fail("Search"); err != nil {
		return nil, err
	}
	needle := strings.ToLower(query)
	out := []memory.Interaction{}
	for _, in := range s.interactions {
		if !strings.Contains(strings.ToLower(in.Content), needle) {
			continue
		}
		if opts.ConversationID != "" && in.ConversationID != opts.ConversationID {
			continue
		}
		if opts.Role != "" && in.Role != opts.Role {
			continue
		}
		if !opts.After.IsZero() && !in.Timestamp.After(opts.After) {
			continue
		}
		if !opts.Before.IsZero() && !in.Timestamp.Before(opts.Before) {
			continue
		}
		out = append(out, in)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

// ListConversations implements [memory.ConversationStore].
func (s *ConversationStore) ListConversations(_ context.Context, limit int) ([]memory.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("ListConversations", limit)
	if err := s.fail("ListConversations"); err != nil {
		return nil, err
	}
	out := make([]memory.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUpdated.After(out[j].LastUpdated) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteConversation implements [memory.ConversationStore].
func (s *ConversationStore) DeleteConversation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("DeleteConversation", id)
	if err := s.fail("DeleteConversation"); err != nil {
		return err
	}
	delete(s.conversations, id)
	kept := s.interactions[:0]
	for _, in := range s.interactions {
		if in.ConversationID != id {
			kept = append(kept, in)
		}
	}
	s.interactions = kept
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// SemanticIndex mock (L2)
// ─────────────────────────────────────────────────────────────────────────────

// SemanticIndex is a mock implementation of [memory.SemanticIndex]. Indexed
// chunks are recorded; Search returns the configured SearchResult.
type SemanticIndex struct {
	mu sync.Mutex

	// IndexErr, if non-nil, is returned by IndexChunk.
	IndexErr error

	// SearchResult is returned by Search.
	SearchResult []memory.ChunkResult

	// SearchErr, if non-nil, is returned by Search.
	SearchErr error

	// Indexed records every chunk passed to IndexChunk.
	Indexed []memory.Chunk

	// SearchCalls records the (topK, filter) pairs passed to Search.
	SearchCalls []memory.ChunkFilter
}

var _ memory.SemanticIndex = (*SemanticIndex)(nil)

// IndexedChunks returns a copy of all chunks passed to IndexChunk so far.
// Safe to call while IndexChunk runs on another goroutine.
func (s *SemanticIndex) IndexedChunks() []memory.Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]memory.Chunk, len(s.Indexed))
	copy(out, s.Indexed)
	return out
}

// Filters returns a copy of the filters passed to Search so far.
func (s *SemanticIndex) Filters() []memory.ChunkFilter {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]memory.ChunkFilter, len(s.SearchCalls))
	copy(out, s.SearchCalls)
	return out
}

// IndexChunk implements [memory.SemanticIndex].
func (s *SemanticIndex) IndexChunk(_ context.Context, chunk memory.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.IndexErr != nil {
		return s.IndexErr
	}
	s.Indexed = append(s.Indexed, chunk)
	return nil
}

// Search implements [memory.SemanticIndex].
func (s *SemanticIndex) Search(_ context.Context, _ []float32, _ int, filter memory.ChunkFilter) ([]memory.ChunkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SearchCalls = append(s.SearchCalls, filter)
	if s.SearchErr != nil {
		return nil, s.SearchErr
	}
	out := make([]memory.ChunkResult, len(s.SearchResult))
	copy(out, s.SearchResult)
	return out, nil
}
