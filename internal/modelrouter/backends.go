package modelrouter

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go"
	openaioption "github.com/openai/openai-go/option"

	"github.com/kortexai/kortex/internal/toolerrors"
)

// AnthropicBackend completes prompts via the Anthropic Messages API.
type AnthropicBackend struct {
	client anthropic.Client
}

// NewAnthropicBackend constructs an AnthropicBackend. apiKey may be empty if
// ANTHROPIC_API_KEY is already set in the environment.
func NewAnthropicBackend(apiKey string) *AnthropicBackend {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &AnthropicBackend{client: anthropic.NewClient(opts...)}
}

func (b *AnthropicBackend) Complete(ctx context.Context, model, prompt string) (string, error) {
	resp, err := b.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: 4096,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", toolerrors.Wrap(toolerrors.KindTransientBackend, "anthropic completion failed", err)
	}
	var out string
	for _, block := range resp.Content {
		if block.Type == "text" {
			out += block.Text
		}
	}
	return out, nil
}

// OpenAIBackend completes prompts via the OpenAI Chat Completions API.
type OpenAIBackend struct {
	client openai.Client
}

// NewOpenAIBackend constructs an OpenAIBackend. apiKey may be empty if
// OPENAI_API_KEY is already set in the environment.
func NewOpenAIBackend(apiKey string) *OpenAIBackend {
	opts := []openaioption.RequestOption{}
	if apiKey != "" {
		opts = append(opts, openaioption.WithAPIKey(apiKey))
	}
	return &OpenAIBackend{client: openai.NewClient(opts...)}
}

func (b *OpenAIBackend) Complete(ctx context.Context, model, prompt string) (string, error) {
	resp, err := b.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
	})
	if err != nil {
		return "", toolerrors.Wrap(toolerrors.KindTransientBackend, "openai completion failed", err)
	}
	if len(resp.Choices) == 0 {
		return "", toolerrors.New(toolerrors.KindTransientBackend, "openai completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
