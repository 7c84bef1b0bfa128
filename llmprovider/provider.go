// Package llmprovider implements the LLM Provider Adapters (spec.md §4.H):
// a uniform contract over OpenAI-compatible, Bedrock, and Anthropic-hosted
// providers — prompt in, typed JSON reply out, under a token budget.
//
// Grounded on the teacher's per-provider model.Client adapters
// (features/model/{anthropic,openai,bedrock,gateway}), which each wrapped
// one SDK behind a narrow interface (e.g. anthropic.MessagesClient) so
// tests could substitute a fake without a network dependency. This package
// keeps that shape but narrows the contract to exactly what spec.md §4.H
// names: token accounting, prompt normalization, a single call, and JSON
// extraction — rather than the teacher's full streaming/tool-loop surface
// (that richer loop lives in jobmanager, which drives this contract).
package llmprovider

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/shinkai-labs/shinkai-node/internal/shinkaierrors"
	"github.com/shinkai-labs/shinkai-node/prompt"
)

// WireRole is the role tag a provider's wire format expects, after
// NormalizePrompt folds spec.md's four SubPrompt roles down to whatever
// the concrete provider speaks (most providers only know system/user/
// assistant; ExtraContext is folded into user turns per spec.md §4.H).
type WireRole string

const (
	WireSystem    WireRole = "system"
	WireUser      WireRole = "user"
	WireAssistant WireRole = "assistant"
)

// WireMessage is one message in the normalized, provider-ready sequence.
type WireMessage struct {
	Role  WireRole
	Text  string
	Asset []byte // paired image/document bytes, carried with their textual caption
}

// WireMessages is the normalized sequence NormalizePrompt produces and
// Call consumes.
type WireMessages []WireMessage

// Provider is the uniform contract every concrete adapter satisfies
// (spec.md §4.H).
type Provider interface {
	// MaxInputTokens returns model's input token budget.
	MaxInputTokens(model string) int
	// MaxOutputTokens returns model's output token cap.
	MaxOutputTokens(model string) int
	// Call sends wire to model and returns the raw completion text.
	Call(ctx context.Context, model string, wire WireMessages, maxOutput int) (string, error)
}

// NormalizePrompt translates subPrompts (already trimmed to budget by the
// Prompt Assembler) into WireMessages: System stays System, User/Assistant
// keep their role, and ExtraContext sub-prompts are folded into a User
// turn immediately preceding the final user message, matching spec.md
// §4.H "folds ExtraContext sub-prompts into user-role messages, and pairs
// image assets with their textual carrier".
func NormalizePrompt(subPrompts []prompt.SubPrompt) WireMessages {
	var out WireMessages
	var extraBuf strings.Builder

	flushExtra := func() {
		if extraBuf.Len() == 0 {
			return
		}
		out = append(out, WireMessage{Role: WireUser, Text: extraBuf.String()})
		extraBuf.Reset()
	}

	for _, sp := range subPrompts {
		switch sp.Role {
		case prompt.RoleSystem:
			out = append(out, WireMessage{Role: WireSystem, Text: sp.Content})
		case prompt.RoleExtraContext:
			if extraBuf.Len() > 0 {
				extraBuf.WriteString("\n\n")
			}
			extraBuf.WriteString(sp.Content)
		case prompt.RoleUser:
			flushExtra()
			out = append(out, WireMessage{Role: WireUser, Text: sp.Content, Asset: sp.Asset})
		case prompt.RoleAssistant:
			flushExtra()
			out = append(out, WireMessage{Role: WireAssistant, Text: sp.Content})
		}
	}
	flushExtra()
	return out
}

// ExtractFirstJSONObject locates the first balanced {...} in raw — tolerating
// markdown code fences providers commonly wrap JSON in — and returns the
// bytes of the first balanced object that is valid JSON, skipping balanced
// candidates that do not parse. Returns ResponseParseError if no balanced,
// parseable object is found.
func ExtractFirstJSONObject(raw string) ([]byte, error) {
	start := -1
	depth := 0
	inString := false
	escape := false
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if start == -1 {
			if c == '{' {
				start = i
				depth = 1
				inString = false
				escape = false
			}
			continue
		}
		if inString {
			switch {
			case escape:
				escape = false
			case c == '\\':
				escape = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				candidate := []byte(raw[start : i+1])
				if json.Valid(candidate) {
					return candidate, nil
				}
				i = start
				start = -1
			}
		}
	}
	return nil, shinkaierrors.New(shinkaierrors.KindResponseParseError, "no balanced JSON object found in provider response")
}

// EstimateTokens is the model-family-agnostic fallback: 4 characters per
// token, plus a 10% safety margin (spec.md §4.H).
func EstimateTokens(text string) int {
	return int(float64(len(text)) / 4.0 * 1.1)
}
