package gateway

import "context"

// NoopProvider stands in when no provider is configured. Completions report
// ErrProviderUnavailable and embeddings report ErrEmbeddingUnavailable.
type NoopProvider struct{}

// Complete always fails with ErrProviderUnavailable.
func (NoopProvider) Complete(context.Context, []Message, CompleteOptions) (Completion, error) {
	return Completion{}, ErrProviderUnavailable
}

// Embed always fails with ErrEmbeddingUnavailable.
func (NoopProvider) Embed(context.Context, string) (Embedding, error) {
	return Embedding{}, ErrEmbeddingUnavailable
}

// Dimensions returns 0.
func (NoopProvider) Dimensions() int { return 0 }
