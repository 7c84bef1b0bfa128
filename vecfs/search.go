package vecfs

import (
	"context"
	"math"
	"sort"

	"github.com/shinkai-labs/shinkai-node/internal/shinkaierrors"
)

// Traversal selects how VectorSearch walks the scoped subtrees.
type Traversal string

const (
	// TraversalExhaustive scores every ResourceNode under scope.
	TraversalExhaustive Traversal = "Exhaustive"
	// TraversalHierarchical scores each item's top-level resource
	// embedding first, then recurses into the best HierarchicalFanout
	// items for fine-grained ResourceNode scoring.
	TraversalHierarchical Traversal = "Hierarchical"
)

// HierarchicalFanout is the default M in "recurse into the best M"
// (spec.md §4.D); not specified numerically upstream, fixed here as a
// product default.
const HierarchicalFanout = 8

// cosineSimilarity computes dot(a,b) / (‖a‖·‖b‖), clamping NaN and
// negative results to 0 (spec.md §4.D).
func cosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	score := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if math.IsNaN(score) || score < 0 {
		return 0
	}
	return score
}

type scopedItem struct {
	path     VRPath
	resource *BaseVectorResource
}

// collectItems gathers every Item reachable under root, recursively,
// that identity has read permission on.
func collectItems(root *Node, folder *Node, folderPath VRPath, owner, identity string, out *[]scopedItem) {
	for _, name := range sortedChildNames(folder) {
		child := folder.Children[name]
		childPath := folderPath.Join(name)
		if !checkPermission(root, childPath, owner, identity, ModeRead) {
			continue
		}
		switch child.Kind {
		case NodeItem:
			if child.Resource != nil {
				*out = append(*out, scopedItem{path: childPath, resource: child.Resource})
			}
		case NodeFolder:
			collectItems(root, child, childPath, owner, identity, out)
		}
	}
}

// VectorSearch scores ResourceNodes under the given scope roots and
// returns at most k results, ranked by cosine similarity, ties broken by
// shorter path then lexicographic order (spec.md §4.D).
func (fs *FS) VectorSearch(ctx context.Context, profile, identity string, scope []VRPath, query []float32, k int, traversal Traversal) ([]RetrievedNode, error) {
	if k == 0 {
		return nil, nil
	}
	if k < 0 {
		return nil, shinkaierrors.New(shinkaierrors.KindPathInvalid, "k must not be negative")
	}

	root, err := fs.profileRoot(ctx, profile)
	if err != nil {
		return nil, err
	}

	var items []scopedItem
	for _, scopeRoot := range scope {
		folder, err := navigate(root, scopeRoot)
		if err != nil {
			return nil, err
		}
		if !checkPermission(root, scopeRoot, profile, identity, ModeRead) {
			continue
		}
		collectItems(root, folder, scopeRoot, profile, identity, &items)
	}

	if traversal == TraversalHierarchical {
		fanout := fs.HierarchicalFanout
		if fanout <= 0 {
			fanout = HierarchicalFanout
		}
		items = narrowHierarchical(items, query, fanout)
	}

	var results []RetrievedNode
	for _, item := range items {
		for _, node := range item.resource.Nodes {
			score := cosineSimilarity(query, node.Embedding)
			results = append(results, RetrievedNode{Path: item.path, Node: node, Score: score})
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		li, lj := len(results[i].Path), len(results[j].Path)
		if li != lj {
			return li < lj
		}
		return results[i].Path < results[j].Path
	})

	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// narrowHierarchical scores each item's own resource_embedding against
// query and keeps the best m.
func narrowHierarchical(items []scopedItem, query []float32, m int) []scopedItem {
	type scored struct {
		item  scopedItem
		score float64
	}
	scoredItems := make([]scored, 0, len(items))
	for _, it := range items {
		scoredItems = append(scoredItems, scored{item: it, score: cosineSimilarity(query, it.resource.ResourceEmbedding)})
	}
	sort.SliceStable(scoredItems, func(i, j int) bool {
		if scoredItems[i].score != scoredItems[j].score {
			return scoredItems[i].score > scoredItems[j].score
		}
		return len(scoredItems[i].item.path) < len(scoredItems[j].item.path)
	})
	if len(scoredItems) > m {
		scoredItems = scoredItems[:m]
	}
	out := make([]scopedItem, 0, len(scoredItems))
	for _, s := range scoredItems {
		out = append(out, s.item)
	}
	return out
}
