// Package vecfs implements the Vector Filesystem (spec.md §4.D): a
// per-profile hierarchical store of embedded, chunked documents with
// path-addressed permissions and similarity search.
//
// The tree is held in memory per profile (Design Note: an explicit tree,
// not a KV-iterator-order-coupled structure) and snapshotted into the
// Persistent Store's VecFS column family after every mutating call.
// Scoring is grounded on runtime/registry/search.go's sort/filter shape,
// generalized from keyword relevance to cosine similarity over embedding
// vectors.
package vecfs

import (
	"sort"
	"strings"
)

// VRPath is a slash-separated path into a profile's vector filesystem,
// always beginning with "/". The root folder's path is "/".
type VRPath string

// Segments splits the path into its non-empty components.
func (p VRPath) Segments() []string {
	trimmed := strings.Trim(string(p), "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// Parent returns the path one level up; the parent of "/" is "/".
func (p VRPath) Parent() VRPath {
	segs := p.Segments()
	if len(segs) <= 1 {
		return "/"
	}
	return VRPath("/" + strings.Join(segs[:len(segs)-1], "/"))
}

// Join appends name as a child of p.
func (p VRPath) Join(name string) VRPath {
	if p == "/" {
		return VRPath("/" + name)
	}
	return VRPath(string(p) + "/" + name)
}

// Ancestors returns p's ancestor paths, root first, p itself last.
func (p VRPath) Ancestors() []VRPath {
	segs := p.Segments()
	out := make([]VRPath, 0, len(segs)+1)
	out = append(out, "/")
	cur := ""
	for _, s := range segs {
		cur += "/" + s
		out = append(out, VRPath(cur))
	}
	return out
}

// NodeKind distinguishes a Folder from an Item (spec.md "Data Model: VecFS
// Node"). Dispatch is by this explicit tag, not by interface type
// assertion or reflection (Design Note: tagged-variant dispatch).
type NodeKind string

const (
	NodeFolder NodeKind = "Folder"
	NodeItem   NodeKind = "Item"
)

// SourceFileRef records where an Item's content originated, if uploaded
// from a file rather than synthesized.
type SourceFileRef struct {
	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

// DistributionInfo records whether and how an Item participates in
// subscription sharing; populated by the Subscription Manager, read (not
// mutated) by vecfs.
type DistributionInfo struct {
	ContentHash string `json:"content_hash,omitempty"`
}

// Node is one entry in the tree: a Folder or an Item, discriminated by
// Kind. Folder fields are populated when Kind == NodeFolder; Item fields
// when Kind == NodeItem.
type Node struct {
	Kind       NodeKind
	Name       string
	CreatedAt  int64 // unix nanos
	ModifiedAt int64

	// Folder fields.
	Children   map[string]*Node // keyed by sanitized name
	ChildOrder []string         // insertion order, for ordered listing
	// Permission is this folder's explicit permission entry, or nil if it
	// inherits its nearest ancestor's (spec.md "Permission Index" invariant).
	Permission *PermEntry

	// Item fields.
	Resource     *BaseVectorResource
	SourceFile   *SourceFileRef
	Distribution DistributionInfo
}

// ResourceKind distinguishes the two BaseVectorResource shapes.
type ResourceKind string

const (
	ResourceDocument ResourceKind = "Document" // ordered sequence
	ResourceMap      ResourceKind = "Map"      // string-keyed
)

// ResourceNode is one embedded unit inside a BaseVectorResource. Every
// ResourceNode's Embedding dimension must equal its resource's declared
// model dimension (spec.md "Data Model: BaseVectorResource" invariant).
type ResourceNode struct {
	Key       string // non-empty only when the owning resource is ResourceMap
	Content   string
	Embedding []float32
	DataTag   string
}

// BaseVectorResource is the embedded content owned by an Item.
type BaseVectorResource struct {
	ResourceID       string
	Kind             ResourceKind
	Name             string
	Description      string
	Source           string
	EmbeddingModel   string
	EmbeddingDim     int
	ResourceEmbedding []float32
	Nodes            []ResourceNode
	DataTags         []string
}

// RetrievedNode is a scored search result: a path into the tree, the
// resource node found there, and its similarity score.
type RetrievedNode struct {
	Path  VRPath
	Node  ResourceNode
	Score float64
}

// sortedChildNames returns fr's children sorted lexicographically, used
// wherever a deterministic traversal order matters (e.g. tie-breaking).
func sortedChildNames(f *Node) []string {
	names := make([]string, 0, len(f.Children))
	for n := range f.Children {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
