// Grounded on other_examples' NeboLoop openai.go adapter (the pack's only
// direct usage of github.com/openai/openai-go v1, confirming the
// client.Chat.Completions.New call shape and SystemMessage/UserMessage/
// AssistantMessage helpers this file reuses). Also serves Ollama's
// OpenAI-compatible endpoint via option.WithBaseURL, matching spec.md
// §4.H's note that this one adapter covers both providers.
package llmprovider

import (
	"errors"

	"context"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/shinkai-labs/shinkai-node/internal/shinkaierrors"
)

// OpenAIChatClient is the subset of the SDK's chat completions surface
// this adapter drives.
type OpenAIChatClient interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// OpenAILimits declares one model's token budget.
type OpenAILimits struct {
	MaxInputTokens  int
	MaxOutputTokens int
}

// OpenAIProvider implements Provider via the OpenAI (or OpenAI-compatible,
// e.g. Ollama) Chat Completions API.
type OpenAIProvider struct {
	chat          OpenAIChatClient
	limits        map[string]OpenAILimits
	DefaultLimits OpenAILimits
}

// NewOpenAIProvider builds a Provider from chat and a per-model limits
// table.
func NewOpenAIProvider(chat OpenAIChatClient, limits map[string]OpenAILimits, defaultLimits OpenAILimits) (*OpenAIProvider, error) {
	if chat == nil {
		return nil, errors.New("openai chat client is required")
	}
	return &OpenAIProvider{chat: chat, limits: limits, DefaultLimits: defaultLimits}, nil
}

// NewOllamaProvider builds a Provider targeting an Ollama instance's
// OpenAI-compatible endpoint at baseURL (spec.md §4.H: "also serves
// Ollama's OpenAI-compatible endpoint with a configurable base URL").
func NewOllamaProvider(baseURL string, limits map[string]OpenAILimits, defaultLimits OpenAILimits) (*OpenAIProvider, error) {
	client := openai.NewClient(option.WithBaseURL(baseURL), option.WithAPIKey("ollama"))
	return NewOpenAIProvider(&client.Chat.Completions, limits, defaultLimits)
}

func (p *OpenAIProvider) limitsFor(model string) OpenAILimits {
	if l, ok := p.limits[model]; ok {
		return l
	}
	return p.DefaultLimits
}

func (p *OpenAIProvider) MaxInputTokens(model string) int  { return p.limitsFor(model).MaxInputTokens }
func (p *OpenAIProvider) MaxOutputTokens(model string) int { return p.limitsFor(model).MaxOutputTokens }

func (p *OpenAIProvider) Call(ctx context.Context, model string, wire WireMessages, maxOutput int) (string, error) {
	var messages []openai.ChatCompletionMessageParamUnion
	for _, m := range wire {
		switch m.Role {
		case WireSystem:
			messages = append(messages, openai.SystemMessage(m.Text))
		case WireUser:
			messages = append(messages, openai.UserMessage(m.Text))
		case WireAssistant:
			messages = append(messages, openai.AssistantMessage(m.Text))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: messages,
	}
	if maxOutput > 0 {
		params.MaxCompletionTokens = openai.Int(int64(maxOutput))
	}

	resp, err := p.chat.New(ctx, params)
	if err != nil {
		return "", shinkaierrors.Wrap(shinkaierrors.KindProviderRateLimited, "openai chat completion call failed", err)
	}
	if len(resp.Choices) == 0 {
		return "", shinkaierrors.New(shinkaierrors.KindResponseParseError, "openai response had no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
