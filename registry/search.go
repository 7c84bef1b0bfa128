package registry

import (
	"context"
	"fmt"
	"math"
	"sort"
)

// ScoredManifest pairs a manifest with its cosine similarity to a query
// embedding.
type ScoredManifest struct {
	Manifest Manifest
	Score    float64
}

// SearchByEmbedding ranks profile's installed manifests by cosine
// similarity between queryEmbedding and each manifest's embedding, and
// returns the top k (spec.md §4.F). Ties break by router_key for a stable
// order, mirroring vecfs's tie-break discipline.
func (r *Registry) SearchByEmbedding(ctx context.Context, profile string, queryEmbedding []float32, k int) ([]ScoredManifest, error) {
	ms, err := r.store.List(ctx, profile)
	if err != nil {
		return nil, fmt.Errorf("list manifests: %w", err)
	}

	scored := make([]ScoredManifest, 0, len(ms))
	for _, m := range ms {
		scored = append(scored, ScoredManifest{Manifest: *m, Score: cosineSimilarity(queryEmbedding, m.Embedding)})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Manifest.RouterKey < scored[j].Manifest.RouterKey
	})
	if k > 0 && len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

// cosineSimilarity mirrors vecfs's scoring: dot(a,b) / (||a|| * ||b||),
// clamped to 0 for degenerate (zero-length or NaN) inputs.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	score := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if math.IsNaN(score) || score < 0 {
		return 0
	}
	return score
}
