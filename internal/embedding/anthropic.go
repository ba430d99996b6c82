package embedding

import "context"

// AnthropicNoEmbedAdapter documents, in code, that the Anthropic backend has
// no embeddings endpoint: callers that reach for embeddings while routed
// through Anthropic get ErrUnavailable and must degrade to keyword/tag
// search rather than stall waiting on a capability that will never arrive.
type AnthropicNoEmbedAdapter struct{}

func (AnthropicNoEmbedAdapter) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, ErrUnavailable
}

func (AnthropicNoEmbedAdapter) Cosine(a, b []float32) float64 { return Cosine(a, b) }
