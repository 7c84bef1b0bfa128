// Grounded on features/model/anthropic/*.go: a narrow MessagesClient
// interface over *anthropic.MessageService so tests substitute a fake
// without a network dependency, plus a small model->limits table (the
// teacher hardcodes DefaultModel/HighModel/SmallModel; this generalizes
// that into a lookup keyed by model identifier per spec.md §4.H's
// per-model MaxInputTokens/MaxOutputTokens contract).
package llmprovider

import (
	"context"
	"errors"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/shinkai-labs/shinkai-node/internal/shinkaierrors"
)

// AnthropicMessagesClient is the subset of the Anthropic SDK used by
// AnthropicProvider, satisfied by *sdk.MessageService.
type AnthropicMessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicLimits declares one model's token budget.
type AnthropicLimits struct {
	MaxInputTokens  int
	MaxOutputTokens int
}

// AnthropicProvider implements Provider via Anthropic's Messages API.
type AnthropicProvider struct {
	msg    AnthropicMessagesClient
	limits map[string]AnthropicLimits
	// DefaultLimits is used for models absent from Limits.
	DefaultLimits AnthropicLimits
}

// NewAnthropicProvider builds a Provider from msg and a per-model limits
// table; models absent from limits fall back to defaultLimits.
func NewAnthropicProvider(msg AnthropicMessagesClient, limits map[string]AnthropicLimits, defaultLimits AnthropicLimits) (*AnthropicProvider, error) {
	if msg == nil {
		return nil, errors.New("anthropic messages client is required")
	}
	return &AnthropicProvider{msg: msg, limits: limits, DefaultLimits: defaultLimits}, nil
}

func (p *AnthropicProvider) limitsFor(model string) AnthropicLimits {
	if l, ok := p.limits[model]; ok {
		return l
	}
	return p.DefaultLimits
}

func (p *AnthropicProvider) MaxInputTokens(model string) int  { return p.limitsFor(model).MaxInputTokens }
func (p *AnthropicProvider) MaxOutputTokens(model string) int { return p.limitsFor(model).MaxOutputTokens }

func (p *AnthropicProvider) Call(ctx context.Context, model string, wire WireMessages, maxOutput int) (string, error) {
	var system []sdk.TextBlockParam
	var messages []sdk.MessageParam
	for _, m := range wire {
		switch m.Role {
		case WireSystem:
			system = append(system, sdk.TextBlockParam{Text: m.Text})
		case WireUser:
			messages = append(messages, sdk.NewUserMessage(sdk.NewTextBlock(m.Text)))
		case WireAssistant:
			messages = append(messages, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Text)))
		}
	}

	resp, err := p.msg.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(maxOutput),
		System:    system,
		Messages:  messages,
	})
	if err != nil {
		return "", shinkaierrors.Wrap(shinkaierrors.KindProviderRateLimited, "anthropic messages call failed", err)
	}
	var out string
	for _, block := range resp.Content {
		if block.Type == "text" && block.Text != "" {
			out += block.Text
		}
	}
	return out, nil
}
