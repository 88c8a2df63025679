package convo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Eden-sudo/umebot/pkg/provider/llm"
)

// BackendKind distinguishes where the language model runs. Cloud backends
// accept multimodal input (images); local backends are text-only.
type BackendKind string

const (
	// BackendCloud is a hosted API model (OpenAI, Anthropic, Gemini, …).
	BackendCloud BackendKind = "cloud"

	// BackendLocal is an on-device model (Ollama, llama.cpp, llamafile).
	BackendLocal BackendKind = "local"
)

// IsValid reports whether k is a known backend kind.
func (k BackendKind) IsValid() bool {
	return k == BackendCloud || k == BackendLocal
}

// Backend binds an [llm.Provider] to the kind and model name the conversation
// core needs for dispatch decisions and model_used bookkeeping.
type Backend struct {
	kind     BackendKind
	model    string
	provider llm.Provider
}

// NewBackend wraps provider as a conversation backend.
// model is the identifier recorded in model_used (e.g., "gpt-4o", "llama-3").
func NewBackend(kind BackendKind, model string, provider llm.Provider) (*Backend, error) {
	if !kind.IsValid() {
		return nil, fmt.Errorf("convo: unknown backend kind %q", kind)
	}
	if model == "" {
		return nil, errors.New("convo: backend model must not be empty")
	}
	if provider == nil {
		return nil, errors.New("convo: backend provider must not be nil")
	}
	return &Backend{kind: kind, model: model, provider: provider}, nil
}

// Kind returns the backend's kind.
func (b *Backend) Kind() BackendKind { return b.kind }

// Model returns the backend's model identifier.
func (b *Backend) Model() string { return b.model }

// ModelUsed returns the "<kind>_<model>" marker persisted with assistant
// interactions produced by this backend.
func (b *Backend) ModelUsed() string {
	return string(b.kind) + "_" + b.model
}

// SupportsImages reports whether image parts may be attached to the user
// message. Only cloud backends whose provider advertises vision qualify.
func (b *Backend) SupportsImages() bool {
	return b.kind == BackendCloud && b.provider.Capabilities().SupportsVision
}

// Generate runs a single completion over the assembled messages and returns
// the reply text with surrounding whitespace trimmed.
func (b *Backend) Generate(ctx context.Context, messages []llm.Message) (string, error) {
	resp, err := b.provider.Complete(ctx, llm.CompletionRequest{Messages: messages})
	if err != nil {
		return "", fmt.Errorf("convo: %s backend %q: %w", b.kind, b.model, err)
	}
	if resp == nil {
		return "", nil
	}
	return strings.TrimSpace(resp.Content), nil
}
