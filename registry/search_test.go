package registry

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCosineSimilarityClampsDegenerate(t *testing.T) {
	require.Equal(t, 0.0, cosineSimilarity(nil, []float32{1}))
	require.Equal(t, 0.0, cosineSimilarity([]float32{0, 0}, []float32{1, 1}))
	require.Equal(t, 0.0, cosineSimilarity([]float32{1, -1}, []float32{-1, 1})) // negative -> clamped to 0
}

func TestSearchByEmbeddingRanksByScore(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	close := sampleManifest("close-tool", "1.0.0")
	close.Embedding = []float32{1, 0}
	_, err := reg.Install(ctx, "alice", close)
	require.NoError(t, err)

	far := sampleManifest("far-tool", "1.0.0")
	far.Embedding = []float32{0, 1}
	_, err = reg.Install(ctx, "alice", far)
	require.NoError(t, err)

	results, err := reg.SearchByEmbedding(ctx, "alice", []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "close_tool", results[0].Manifest.RouterKey)
	require.InDelta(t, 1.0, results[0].Score, 1e-9)
	require.True(t, math.Abs(results[1].Score) < 1e-9)
}

func TestSearchByEmbeddingRespectsK(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	for _, name := range []string{"a", "b", "c"} {
		m := sampleManifest(name, "1.0.0")
		m.Embedding = []float32{1, 0}
		_, err := reg.Install(ctx, "alice", m)
		require.NoError(t, err)
	}

	results, err := reg.SearchByEmbedding(ctx, "alice", []float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
}
