package embedding

import (
	"context"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/kortexai/kortex/internal/toolerrors"
)

// OpenAIEmbedder calls the OpenAI embeddings endpoint.
type OpenAIEmbedder struct {
	client openai.Client
	model  string
}

// NewOpenAIEmbedder constructs an OpenAIEmbedder. apiKey may be empty if the
// process environment already carries OPENAI_API_KEY; model defaults to
// "text-embedding-3-small" when empty.
func NewOpenAIEmbedder(apiKey, model string) *OpenAIEmbedder {
	if model == "" {
		model = "text-embedding-3-small"
	}
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &OpenAIEmbedder{client: openai.NewClient(opts...), model: model}
}

// Embed returns the embedding vector for text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: e.model,
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
	})
	if err != nil {
		return nil, toolerrors.Wrap(toolerrors.KindTransientBackend, "openai embeddings request failed", err)
	}
	if len(resp.Data) == 0 {
		return nil, toolerrors.New(toolerrors.KindTransientBackend, "openai embeddings returned no data")
	}
	vec := make([]float32, len(resp.Data[0].Embedding))
	for i, f := range resp.Data[0].Embedding {
		vec[i] = float32(f)
	}
	return vec, nil
}

// Cosine delegates to the package-level Cosine helper.
func (e *OpenAIEmbedder) Cosine(a, b []float32) float64 { return Cosine(a, b) }
