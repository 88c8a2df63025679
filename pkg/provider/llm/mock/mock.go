// Package mock is a configurable llm.Provider double for tests of the
// conversation layer. Set the response fields before use; methods record
// their requests for later inspection.
package mock

import (
	"context"
	"sync"

	"github.com/Eden-sudo/umebot/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

// CompleteCall holds one recorded Complete invocation.
type CompleteCall struct {
	Req llm.CompletionRequest
}

// Provider fakes an LLM backend. The zero value answers every call with zero
// values and nil errors.
type Provider struct {
	mu sync.Mutex

	// CompleteResponse and CompleteErr are returned by Complete unless
	// CompleteFunc is set, which takes over entirely. call is 1-based and
	// counted after recording, so a blocking CompleteFunc is visible in
	// CompleteCalls while it runs.
	CompleteResponse *llm.CompletionResponse
	CompleteErr      error
	CompleteFunc     func(call int, req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// StreamChunks are emitted in order on the channel StreamCompletion
	// returns; StreamErr short-circuits the call instead.
	StreamChunks []llm.Chunk
	StreamErr    error

	TokenCount        int
	CountTokensErr    error
	ModelCapabilities llm.ModelCapabilities

	CompleteCalls []CompleteCall
	StreamCalls   []llm.CompletionRequest
}

func (p *Provider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Req: req})
	call := len(p.CompleteCalls)
	fn, resp, err := p.CompleteFunc, p.CompleteResponse, p.CompleteErr
	p.mu.Unlock()

	if fn != nil {
		return fn(call, req)
	}
	return resp, err
}

func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, req)
	chunks := make([]llm.Chunk, len(p.StreamChunks))
	copy(chunks, p.StreamChunks)
	streamErr := p.StreamErr
	p.mu.Unlock()

	if streamErr != nil {
		return nil, streamErr
	}

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

func (p *Provider) CountTokens([]llm.Message) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.TokenCount, p.CountTokensErr
}

func (p *Provider) Capabilities() llm.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelCapabilities
}
