package vecfs

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCosineSimilarityClampsNaNAndNegative(t *testing.T) {
	require.Equal(t, 0.0, cosineSimilarity([]float32{0, 0}, []float32{1, 1}))
	require.Equal(t, 0.0, cosineSimilarity(nil, nil))

	score := cosineSimilarity([]float32{1, 0}, []float32{-1, 0})
	require.Equal(t, 0.0, score)

	score = cosineSimilarity([]float32{1, 0}, []float32{1, 0})
	require.InDelta(t, 1.0, score, 1e-9)
	require.False(t, math.IsNaN(score))
}

func seedItem(t *testing.T, fs *FS, profile, folder, name string, embedding []float32, nodes ...ResourceNode) {
	t.Helper()
	resource := &BaseVectorResource{
		ResourceID:        name,
		Kind:              ResourceDocument,
		EmbeddingModel:    "test-model",
		EmbeddingDim:      len(embedding),
		ResourceEmbedding: embedding,
		Nodes:             nodes,
	}
	require.NoError(t, fs.InsertItem(context.Background(), profile, profile, VRPath(folder), name, resource, nil))
}

func TestVectorSearchExhaustiveRanksByScore(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS()
	require.NoError(t, fs.CreateFolder(ctx, "bob", "bob", "/", "docs"))

	seedItem(t, fs, "bob", "/docs", "close.pdf", []float32{1, 0},
		ResourceNode{Content: "a", Embedding: []float32{1, 0}})
	seedItem(t, fs, "bob", "/docs", "far.pdf", []float32{0, 1},
		ResourceNode{Content: "b", Embedding: []float32{0, 1}})

	results, err := fs.VectorSearch(ctx, "bob", "bob", []VRPath{"/docs"}, []float32{1, 0}, 10, TraversalExhaustive)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.InDelta(t, 1.0, results[0].Score, 1e-9)
	require.InDelta(t, 0.0, results[1].Score, 1e-9)
}

func TestVectorSearchRespectsK(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS()
	require.NoError(t, fs.CreateFolder(ctx, "bob", "bob", "/", "docs"))
	for i := 0; i < 5; i++ {
		seedItem(t, fs, "bob", "/docs", string(rune('a'+i))+".pdf", []float32{1, 0},
			ResourceNode{Content: "x", Embedding: []float32{1, 0}})
	}

	results, err := fs.VectorSearch(ctx, "bob", "bob", []VRPath{"/docs"}, []float32{1, 0}, 2, TraversalExhaustive)
	require.NoError(t, err)
	require.Len(t, results, 2)
}

func TestVectorSearchZeroKReturnsEmptyWithoutTouchingIndex(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS()
	// No profile root exists for "ghost" at all; if VectorSearch
	// touched the index before checking k, this would fail resolving
	// the profile root instead of short-circuiting.
	results, err := fs.VectorSearch(ctx, "ghost", "ghost", []VRPath{"/docs"}, []float32{1, 0}, 0, TraversalExhaustive)
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestVectorSearchNegativeKIsRejected(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS()
	require.NoError(t, fs.CreateFolder(ctx, "bob", "bob", "/", "docs"))

	_, err := fs.VectorSearch(ctx, "bob", "bob", []VRPath{"/docs"}, []float32{1, 0}, -1, TraversalExhaustive)
	require.Error(t, err)
}

func TestVectorSearchTieBreakShorterPathThenLexicographic(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS()
	require.NoError(t, fs.CreateFolder(ctx, "bob", "bob", "/", "docs"))
	require.NoError(t, fs.CreateFolder(ctx, "bob", "bob", "/docs", "nested"))

	seedItem(t, fs, "bob", "/docs", "b.pdf", []float32{1, 0},
		ResourceNode{Content: "x", Embedding: []float32{1, 0}})
	seedItem(t, fs, "bob", "/docs", "a.pdf", []float32{1, 0},
		ResourceNode{Content: "x", Embedding: []float32{1, 0}})
	seedItem(t, fs, "bob", "/docs/nested", "c.pdf", []float32{1, 0},
		ResourceNode{Content: "x", Embedding: []float32{1, 0}})

	results, err := fs.VectorSearch(ctx, "bob", "bob", []VRPath{"/docs"}, []float32{1, 0}, 10, TraversalExhaustive)
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.Equal(t, VRPath("/docs/a.pdf"), results[0].Path)
	require.Equal(t, VRPath("/docs/b.pdf"), results[1].Path)
	require.Equal(t, VRPath("/docs/nested/c.pdf"), results[2].Path)
}

func TestVectorSearchHierarchicalNarrowsBeforeScoringNodes(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS()
	fs.HierarchicalFanout = 1
	require.NoError(t, fs.CreateFolder(ctx, "bob", "bob", "/", "docs"))

	// close.pdf has the best item-level embedding but a weak chunk, while
	// far.pdf's item-level embedding is weak but its chunk would win if
	// scored directly. With fanout 1 only close.pdf survives pre-selection,
	// so far.pdf's strong chunk never gets a chance to rank.
	seedItem(t, fs, "bob", "/docs", "close.pdf", []float32{1, 0},
		ResourceNode{Content: "a", Embedding: []float32{0, 1}})
	seedItem(t, fs, "bob", "/docs", "far.pdf", []float32{0, 1},
		ResourceNode{Content: "b", Embedding: []float32{1, 0}})

	results, err := fs.VectorSearch(ctx, "bob", "bob", []VRPath{"/docs"}, []float32{1, 0}, 10, TraversalHierarchical)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, VRPath("/docs/close.pdf"), results[0].Path)
}

func TestVectorSearchSkipsUnreadablePaths(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS()
	require.NoError(t, fs.CreateFolder(ctx, "bob", "bob", "/", "docs"))
	seedItem(t, fs, "bob", "/docs", "a.pdf", []float32{1, 0},
		ResourceNode{Content: "x", Embedding: []float32{1, 0}})

	results, err := fs.VectorSearch(ctx, "bob", "alice", []VRPath{"/docs"}, []float32{1, 0}, 10, TraversalExhaustive)
	require.NoError(t, err)
	require.Empty(t, results)
}
