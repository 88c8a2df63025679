// Package embeddings abstracts text-embedding backends behind a single
// Provider interface. The conversation layer uses it to vectorize turns for
// semantic recall: past interactions are embedded, stored in the pgvector
// index, and searched by cosine distance when building prompt context.
//
// Two implementations ship with umebot: openai for the hosted models and
// ollama for fully on-device operation next to a local llama.cpp backend.
package embeddings

import "context"

// Provider turns text into dense float32 vectors. Every vector from one
// Provider instance has length Dimensions; vectors from different providers
// or models live in different spaces and must not be compared against each
// other. Implementations must be safe for concurrent use.
type Provider interface {
	// Embed vectorizes a single text. Text is passed to the model verbatim;
	// any model-specific prefixing ("query: " and the like) is the caller's
	// job.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch vectorizes texts in one backend call, with result i
	// matching texts[i]. No partial results: any failure returns a nil
	// slice and the error.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions is the length of every vector this provider produces,
	// fixed by the underlying model.
	Dimensions() int

	// ModelID names the embedding model, for logs and for checking that an
	// existing index was built with the same model.
	ModelID() string
}
