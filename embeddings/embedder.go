// Package embeddings implements the Embedding Generator (spec.md §4.E): a
// small adapter contract over whatever embedding endpoint is configured,
// shaped after the teacher's provider-agnostic model.Client interface
// (runtime/agent/model/model.go) generalized from chat completion to
// embedding vectors.
package embeddings

import (
	"context"

	"github.com/shinkai-labs/shinkai-node/internal/shinkaierrors"
)

// Model describes an embedding model's declared shape.
type Model struct {
	Name                string
	Dim                 int
	MaxInputTokens      int
	NormalizationFactor float64 // multiplicative scalar applied to each embedding vector component; 0 treated as 1
}

func (m Model) normalization() float64 {
	if m.NormalizationFactor == 0 {
		return 1
	}
	return m.NormalizationFactor
}

// Embedder is the uniform embedding contract every adapter implements.
type Embedder interface {
	// Embed returns a vector of length model.Dim for text, or
	// InputTooLarge if text's estimated token length exceeds
	// model.MaxInputTokens.
	Embed(ctx context.Context, text string, model Model) ([]float32, error)

	// EmbedMany embeds every text in order, preserving index
	// correspondence between input and output (spec.md §4.E "must
	// preserve order").
	EmbedMany(ctx context.Context, texts []string, model Model) ([][]float32, error)
}

// estimateTokens is the shared 4-chars-per-token-plus-10%-margin fallback
// tokenizer spec.md §4.H also specifies for LLM provider adapters, reused
// here since this layer has no model-family tokenizer either.
func estimateTokens(text string) int {
	estimate := float64(len(text)) / 4.0
	return int(estimate * 1.1)
}

// checkInputSize rejects text whose estimated token length exceeds
// model.MaxInputTokens.
func checkInputSize(text string, model Model) error {
	if model.MaxInputTokens <= 0 {
		return nil
	}
	if estimateTokens(text) > model.MaxInputTokens {
		return shinkaierrors.New(shinkaierrors.KindInputTooLarge, "input exceeds model max_input_tokens")
	}
	return nil
}

// applyNormalization scales every component of vec by model's
// normalization factor.
func applyNormalization(vec []float32, model Model) []float32 {
	factor := model.normalization()
	if factor == 1 {
		return vec
	}
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = v * float32(factor)
	}
	return out
}
