package modelrouter

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/kortexai/kortex/internal/toolerrors"
)

// BedrockBackend completes prompts via Amazon Bedrock's Converse API,
// giving the router a route to models with no first-party SDK (on-prem
// fine-tunes, third-party foundation models hosted on Bedrock).
type BedrockBackend struct {
	client *bedrockruntime.Client
	region string
}

// NewBedrockBackend constructs a BedrockBackend for the given AWS region,
// loading credentials from the default provider chain.
func NewBedrockBackend(ctx context.Context, region string) (*BedrockBackend, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, toolerrors.Wrap(toolerrors.KindTransientBackend, "load aws config for bedrock", err)
	}
	return &BedrockBackend{client: bedrockruntime.NewFromConfig(cfg), region: region}, nil
}

func (b *BedrockBackend) Complete(ctx context.Context, model, prompt string) (string, error) {
	resp, err := b.client.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId: aws.String(model),
		Messages: []types.Message{
			{
				Role:    types.ConversationRoleUser,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: prompt}},
			},
		},
	})
	if err != nil {
		return "", toolerrors.Wrap(classifyBedrockError(err), "bedrock converse failed", err)
	}
	output, ok := resp.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return "", toolerrors.New(toolerrors.KindTransientBackend, "bedrock converse: unexpected output shape")
	}
	var out string
	for _, block := range output.Value.Content {
		if textBlock, ok := block.(*types.ContentBlockMemberText); ok {
			out += textBlock.Value
		}
	}
	return out, nil
}

// classifyBedrockError distinguishes permanent Bedrock faults (a malformed
// request, a model ID the caller has no access to) from transient ones
// (throttling, a momentarily unavailable model), so the router's
// timeout-fallback chain doesn't burn a hop retrying something a retry
// can't fix.
func classifyBedrockError(err error) toolerrors.Kind {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ValidationException", "AccessDeniedException", "ResourceNotFoundException":
			return toolerrors.KindToolInvocation
		}
	}
	return toolerrors.KindTransientBackend
}
