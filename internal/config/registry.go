package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Eden-sudo/umebot/pkg/audio"
	"github.com/Eden-sudo/umebot/pkg/provider/embeddings"
	"github.com/Eden-sudo/umebot/pkg/provider/llm"
	"github.com/Eden-sudo/umebot/pkg/provider/stt"
	"github.com/Eden-sudo/umebot/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. The application registers the implementations it links in
// (whisper, energy VAD, the cloud LLM adapters) and the orchestrator
// instantiates them from configuration. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	llm        map[string]func(BackendConfig) (llm.Provider, error)
	embeddings map[string]func(SemanticRecallConfig) (embeddings.Provider, error)
	stt        map[RecognitionEngine]func(RecognitionConfig) (stt.Engine, error)
	vad        map[string]func(VADConfig) (vad.Engine, error)
	audio      map[string]func(AudioConfig) (audio.CapturePlatform, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:        make(map[string]func(BackendConfig) (llm.Provider, error)),
		embeddings: make(map[string]func(SemanticRecallConfig) (embeddings.Provider, error)),
		stt:        make(map[RecognitionEngine]func(RecognitionConfig) (stt.Engine, error)),
		vad:        make(map[string]func(VADConfig) (vad.Engine, error)),
		audio:      make(map[string]func(AudioConfig) (audio.CapturePlatform, error)),
	}
}

// RegisterLLM registers a chat-completion provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory func(BackendConfig) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterEmbeddings registers an embeddings provider factory under name.
func (r *Registry) RegisterEmbeddings(name string, factory func(SemanticRecallConfig) (embeddings.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings[name] = factory
}

// RegisterSTT registers a transcription engine factory under engine.
func (r *Registry) RegisterSTT(engine RecognitionEngine, factory func(RecognitionConfig) (stt.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[engine] = factory
}

// RegisterVAD registers a voice-activity-detection engine factory under name.
func (r *Registry) RegisterVAD(name string, factory func(VADConfig) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// RegisterAudio registers a capture platform factory under name.
func (r *Registry) RegisterAudio(name string, factory func(AudioConfig) (audio.CapturePlatform, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[name] = factory
}

// CreateLLM instantiates the chat-completion provider named by cfg.Provider.
// Returns [ErrProviderNotRegistered] if no factory is registered for it.
func (r *Registry) CreateLLM(cfg BackendConfig) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, cfg.Provider)
	}
	return factory(cfg)
}

// CreateEmbeddings instantiates the embeddings provider named by
// cfg.EmbedProvider.
func (r *Registry) CreateEmbeddings(cfg SemanticRecallConfig) (embeddings.Provider, error) {
	r.mu.RLock()
	factory, ok := r.embeddings[cfg.EmbedProvider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: embeddings/%q", ErrProviderNotRegistered, cfg.EmbedProvider)
	}
	return factory(cfg)
}

// CreateSTT instantiates the transcription engine named by cfg.Engine.
func (r *Registry) CreateSTT(cfg RecognitionConfig) (stt.Engine, error) {
	r.mu.RLock()
	factory, ok := r.stt[cfg.Engine]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt/%q", ErrProviderNotRegistered, cfg.Engine)
	}
	return factory(cfg)
}

// CreateVAD instantiates the voice-activity-detection engine named by name.
func (r *Registry) CreateVAD(name string, cfg VADConfig) (vad.Engine, error) {
	r.mu.RLock()
	factory, ok := r.vad[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrProviderNotRegistered, name)
	}
	return factory(cfg)
}

// CreateAudio instantiates the capture platform named by name.
func (r *Registry) CreateAudio(name string, cfg AudioConfig) (audio.CapturePlatform, error) {
	r.mu.RLock()
	factory, ok := r.audio[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: audio/%q", ErrProviderNotRegistered, name)
	}
	return factory(cfg)
}
