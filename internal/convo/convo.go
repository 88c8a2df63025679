// Package convo implements the conversation core of the robot assistant: it
// owns the active personality, the active LLM backend, and the current
// conversation, and turns a user utterance into an annotated reply.
//
// A reply is produced in four steps:
//
//  1. Retrieval — fuzzy keyword lookup over the Q&A knowledge base, plus
//     semantic recall over past conversations when an embeddings provider and
//     vector index are configured.
//  2. Prompt assembly — system message (personality, retrieved context, file
//     context, footer) + recent interaction history + the new user message.
//  3. Backend dispatch — a single completion against the active [Backend].
//  4. Persistence — the user turn and the assistant turn are stored in strict
//     order, with the model_used marker on the assistant turn.
//
// Every failure path degrades to a speakable, tagged fallback string; callers
// of [Manager.GetResponse] always get text they can hand to the expression
// controller.
package convo

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/Eden-sudo/umebot/pkg/memory"
	"github.com/Eden-sudo/umebot/pkg/provider/embeddings"
)

// Speakable fallback strings. Each carries an expression tag so the robot
// still animates when something goes wrong.
const (
	replyNoBackend = "^runTag(confused) Lo siento, ahora mismo no tengo ningún " +
		"modelo de lenguaje configurado."
	replyNoConversation = "^runTag(confused) Lo siento, todavía no hay una " +
		"conversación activa."
	replyBackendError = "^runTag(sad) Vaya, he tenido un problema al pensar mi " +
		"respuesta. ¿Puedes repetírmelo?"
	replyEmpty = "^runTag(confused) No estoy seguro de qué responder a eso."
)

// modelUsedEmptyFallback marks assistant turns where the backend returned an
// empty completion.
const modelUsedEmptyFallback = "fallback_empty"

// Config wires a [Manager]. Store is required; everything else is optional.
type Config struct {
	// Store is the L1 conversation log. Required.
	Store memory.ConversationStore

	// Semantic and Embedder enable semantic recall and interaction indexing
	// when both are set. Leaving either nil degrades retrieval to
	// lexical-only without error.
	Semantic memory.SemanticIndex
	Embedder embeddings.Provider

	// Catalogue is the personality catalogue. Nil means built-in default only.
	Catalogue *Catalogue

	// KnowledgeBase is the curated Q&A store for lexical retrieval. Nil
	// disables knowledge base lookup.
	KnowledgeBase *KnowledgeBase

	// RobotName appears in the system prompt footer. Defaults to "Ume".
	RobotName string

	// FileContext is operator-provided background text injected into every
	// system prompt when non-empty.
	FileContext string

	// HistoryLimit is the number of prior user/assistant exchange pairs
	// included in the prompt. Defaults to 10.
	HistoryLimit int

	// RetrievalTopN caps knowledge base hits per prompt. Defaults to 3.
	RetrievalTopN int

	// SemanticTopK caps semantic recall results per prompt. Defaults to 3.
	SemanticTopK int

	// Logger receives structured logs. Defaults to [slog.Default].
	Logger *slog.Logger
}

// Manager is the conversation core. All state transitions (personality,
// backend, conversation) and response generation are serialised on an
// internal mutex, so concurrent callers are safe but replies are produced one
// at a time.
type Manager struct {
	cfg Config
	log *slog.Logger

	mu             sync.Mutex
	personalityKey string
	personality    Personality
	backend        *Backend
	conversationID string
}

// NewManager creates a conversation core with the default personality active
// and no backend or conversation.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("convo: Config.Store must not be nil")
	}
	if cfg.Catalogue == nil {
		cfg.Catalogue = NewCatalogue(nil)
	}
	if cfg.RobotName == "" {
		cfg.RobotName = "Ume"
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 10
	}
	if cfg.RetrievalTopN <= 0 {
		cfg.RetrievalTopN = 3
	}
	if cfg.SemanticTopK <= 0 {
		cfg.SemanticTopK = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	p, _ := cfg.Catalogue.Get(DefaultPersonalityKey)
	return &Manager{
		cfg:            cfg,
		log:            cfg.Logger.With("component", "convo"),
		personalityKey: DefaultPersonalityKey,
		personality:    p,
	}, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// State transitions
// ─────────────────────────────────────────────────────────────────────────────

// SetPersonality activates the personality stored under key and reports
// whether the key exists. The current conversation is kept; only the system
// prompt of subsequent turns changes. Unknown keys leave the active
// personality untouched.
func (m *Manager) SetPersonality(key string) bool {
	p, ok := m.cfg.Catalogue.Get(key)
	if !ok {
		m.log.Warn("unknown personality key", "key", key)
		return false
	}

	m.mu.Lock()
	m.personalityKey = key
	m.personality = p
	m.mu.Unlock()

	m.log.Info("personality changed", "key", key, "name", p.Name)
	return true
}

// PersonalityKey returns the key of the active personality.
func (m *Manager) PersonalityKey() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.personalityKey
}

// SetBackend swaps the active backend. The previous backend's provider is
// closed when it implements [io.Closer]. Passing nil leaves the core without
// a backend; [Manager.GetResponse] then returns a canned fallback.
func (m *Manager) SetBackend(b *Backend) {
	m.mu.Lock()
	prev := m.backend
	m.backend = b
	m.mu.Unlock()

	if prev != nil && prev != b {
		if closer, ok := prev.provider.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				m.log.Warn("closing previous backend", "model", prev.Model(), "error", err)
			}
		}
	}
	if b != nil {
		m.log.Info("backend changed", "kind", b.Kind(), "model", b.Model())
	} else {
		m.log.Info("backend cleared")
	}
}

// Backend returns the active backend, or nil when none is set.
func (m *Manager) Backend() *Backend {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backend
}

// StartNewConversation registers a fresh conversation for userID and makes it
// current. Subsequent [Manager.GetResponse] calls append to it.
func (m *Manager) StartNewConversation(ctx context.Context, userID string) (string, error) {
	id := "conv_" + time.Now().Format("20060102_150405")

	if err := m.cfg.Store.StartConversation(ctx, id, userID, ""); err != nil {
		return "", fmt.Errorf("convo: start conversation: %w", err)
	}

	m.mu.Lock()
	m.conversationID = id
	m.mu.Unlock()

	m.log.Info("conversation started", "conversation_id", id, "user_id", userID)
	return id, nil
}

// CurrentConversationID returns the active conversation ID, or "" when no
// conversation has been started.
func (m *Manager) CurrentConversationID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conversationID
}

// ─────────────────────────────────────────────────────────────────────────────
// Response generation
// ─────────────────────────────────────────────────────────────────────────────

// GetResponse turns a user utterance into an annotated reply. source labels
// where the input came from ("local", "robot", "tablet") and is used for
// logging only. imageURLs are attached to the prompt when the active backend
// supports vision; otherwise they are dropped with a log entry.
//
// GetResponse always returns speakable text: precondition failures and
// backend errors yield tagged fallback strings instead of errors. Calls are
// serialised; a second caller blocks until the first reply is produced.
func (m *Manager) GetResponse(ctx context.Context, userInput, source string, imageURLs []string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	backend := m.backend
	convID := m.conversationID
	personality := m.personality

	if backend == nil {
		m.log.Warn("response requested without active backend", "source", source)
		return replyNoBackend
	}
	if convID == "" {
		m.log.Warn("response requested without active conversation", "source", source)
		return replyNoConversation
	}

	start := time.Now()

	// Retrieval. Both branches are best-effort.
	var kbHits []ScoredPair
	if m.cfg.KnowledgeBase != nil {
		kbHits = m.cfg.KnowledgeBase.Lookup(userInput, m.cfg.RetrievalTopN)
	}
	recalled := semanticRecall(ctx, m.cfg.Embedder, m.cfg.Semantic,
		userInput, convID, m.cfg.SemanticTopK, m.log)

	history, err := m.cfg.Store.GetInteractions(ctx, convID, m.cfg.HistoryLimit*2)
	if err != nil {
		m.log.Error("loading interaction history, continuing without",
			"conversation_id", convID, "error", err)
		history = nil
	}

	// The user turn is stored before dispatch so the log order always matches
	// the dialogue order, even when generation fails.
	if err := m.cfg.Store.AddInteraction(ctx, convID, memory.RoleUser, userInput, ""); err != nil {
		m.log.Error("persisting user interaction", "conversation_id", convID, "error", err)
	}

	var imageURL string
	if len(imageURLs) > 0 {
		if backend.SupportsImages() {
			imageURL = imageURLs[0]
			if len(imageURLs) > 1 {
				m.log.Warn("multiple images attached, using first only", "count", len(imageURLs))
			}
		} else {
			m.log.Warn("backend does not support images, dropping",
				"kind", backend.Kind(), "model", backend.Model(), "count", len(imageURLs))
		}
	}

	messages := buildMessages(promptInput{
		personality: personality,
		robotName:   m.cfg.RobotName,
		now:         time.Now(),
		kbHits:      kbHits,
		recalled:    recalled,
		fileContext: m.cfg.FileContext,
		history:     history,
		userInput:   userInput,
		imageURL:    imageURL,
	})

	reply := replyBackendError
	modelUsed := backend.ModelUsed()

	text, err := backend.Generate(ctx, messages)
	switch {
	case err != nil:
		m.log.Error("backend completion failed", "model", backend.Model(), "error", err)
	case text == "":
		m.log.Warn("backend returned empty completion", "model", backend.Model())
		reply = replyEmpty
		modelUsed = modelUsedEmptyFallback
	default:
		reply = text
	}

	if err := m.cfg.Store.AddInteraction(ctx, convID, memory.RoleAssistant, reply, modelUsed); err != nil {
		m.log.Error("persisting assistant interaction", "conversation_id", convID, "error", err)
	}

	m.indexTurn(ctx, convID, userInput, reply)

	m.log.Info("response generated",
		"source", source,
		"conversation_id", convID,
		"model_used", modelUsed,
		"duration", time.Since(start),
	)
	return reply
}

// indexTurn pushes the user and assistant texts of the finished turn into the
// semantic index so later conversations can recall them. Indexing runs in the
// background and never affects the reply.
func (m *Manager) indexTurn(ctx context.Context, convID, userInput, reply string) {
	if m.cfg.Embedder == nil || m.cfg.Semantic == nil {
		return
	}

	texts := []string{userInput, reply}
	roles := []string{memory.RoleUser, memory.RoleAssistant}
	now := time.Now()

	go func() {
		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()

		vecs, err := m.cfg.Embedder.EmbedBatch(bg, texts)
		if err != nil {
			m.log.Warn("semantic indexing: embedding failed", "conversation_id", convID, "error", err)
			return
		}
		for i, vec := range vecs {
			chunk := memory.Chunk{
				ID:             fmt.Sprintf("%s_%d_%d", convID, now.UnixNano(), i),
				ConversationID: convID,
				Content:        texts[i],
				Embedding:      vec,
				Role:           roles[i],
				Timestamp:      now,
			}
			if err := m.cfg.Semantic.IndexChunk(bg, chunk); err != nil {
				m.log.Warn("semantic indexing: store failed", "conversation_id", convID, "error", err)
				return
			}
		}
	}()
}
