// Grounded on features/model/bedrock/client.go: the Converse API's tagged-
// union content blocks (brtypes.ContentBlockMemberText, ConverseOutputMember
// Message) and the RuntimeClient-narrowing pattern shared with the other two
// adapters.
package llmprovider

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/shinkai-labs/shinkai-node/internal/shinkaierrors"
)

// BedrockRuntimeClient is the subset of the AWS Bedrock runtime client used
// by BedrockProvider, satisfied by *bedrockruntime.Client.
type BedrockRuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockLimits declares one model's token budget.
type BedrockLimits struct {
	MaxInputTokens  int
	MaxOutputTokens int
}

// BedrockProvider implements Provider via AWS Bedrock's Converse API.
type BedrockProvider struct {
	runtime       BedrockRuntimeClient
	limits        map[string]BedrockLimits
	DefaultLimits BedrockLimits
}

// NewBedrockProvider builds a Provider from runtime and a per-model limits
// table.
func NewBedrockProvider(runtime BedrockRuntimeClient, limits map[string]BedrockLimits, defaultLimits BedrockLimits) (*BedrockProvider, error) {
	if runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	return &BedrockProvider{runtime: runtime, limits: limits, DefaultLimits: defaultLimits}, nil
}

func (p *BedrockProvider) limitsFor(model string) BedrockLimits {
	if l, ok := p.limits[model]; ok {
		return l
	}
	return p.DefaultLimits
}

func (p *BedrockProvider) MaxInputTokens(model string) int  { return p.limitsFor(model).MaxInputTokens }
func (p *BedrockProvider) MaxOutputTokens(model string) int { return p.limitsFor(model).MaxOutputTokens }

func (p *BedrockProvider) Call(ctx context.Context, model string, wire WireMessages, maxOutput int) (string, error) {
	var messages []brtypes.Message
	var system []brtypes.SystemContentBlock
	for _, m := range wire {
		switch m.Role {
		case WireSystem:
			system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Text})
		case WireUser:
			messages = append(messages, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Text}},
			})
		case WireAssistant:
			messages = append(messages, brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Text}},
			})
		}
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(model),
		Messages: messages,
	}
	if len(system) > 0 {
		input.System = system
	}
	if maxOutput > 0 {
		input.InferenceConfig = &brtypes.InferenceConfiguration{MaxTokens: aws.Int32(int32(maxOutput))}
	}

	output, err := p.runtime.Converse(ctx, input)
	if err != nil {
		return "", shinkaierrors.Wrap(shinkaierrors.KindProviderRateLimited, "bedrock converse call failed", err)
	}
	msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return "", shinkaierrors.New(shinkaierrors.KindResponseParseError, "bedrock response had no message output")
	}
	var out string
	for _, block := range msg.Value.Content {
		if tb, ok := block.(*brtypes.ContentBlockMemberText); ok {
			out += tb.Value
		}
	}
	return out, nil
}
