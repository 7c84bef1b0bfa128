package embeddings

import (
	"context"
	"hash/fnv"
)

// Stub is a deterministic test double: it hashes text into a vector of
// model.Dim components so tests exercise VecFS/search code paths without
// a network dependency, while still honoring the InputTooLarge contract.
type Stub struct{}

func (Stub) Embed(_ context.Context, text string, model Model) ([]float32, error) {
	if err := checkInputSize(text, model); err != nil {
		return nil, err
	}
	return applyNormalization(hashVector(text, model.Dim), model), nil
}

func (s Stub) EmbedMany(ctx context.Context, texts []string, model Model) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := s.Embed(ctx, t, model)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// hashVector deterministically derives a dim-length unit-ish vector from
// text using FNV-1a over successive salted digests, so semantically
// identical text always produces the same vector within a test run.
func hashVector(text string, dim int) []float32 {
	if dim <= 0 {
		dim = 8
	}
	out := make([]float32, dim)
	for i := 0; i < dim; i++ {
		h := fnv.New32a()
		h.Write([]byte(text))
		h.Write([]byte{byte(i), byte(i >> 8)})
		sum := h.Sum32()
		// Map the hash into [-1, 1].
		out[i] = float32(sum%2000)/1000.0 - 1.0
	}
	return out
}
