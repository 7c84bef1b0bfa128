package vecfs

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// chainSpec describes a path of folders, each optionally carrying an
// explicit PermEntry, used to build a synthetic tree for the properties
// below without going through the full FS/store machinery.
type chainSpec struct {
	entries []*PermEntry
}

func genChainSpec() gopter.Gen {
	var noEntry *PermEntry
	privateEntry := &PermEntry{Read: Private(), Write: Private()}
	publicEntry := &PermEntry{Read: Public(), Write: Private()}
	return gen.SliceOfN(5, gen.OneConstOf(noEntry, privateEntry, publicEntry)).
		Map(func(entries []*PermEntry) chainSpec {
			return chainSpec{entries: entries}
		})
}

// buildChain constructs a root-to-leaf folder chain, one Node per entry in
// spec.entries, applying each slot's Permission (nil means "inherit").
func buildChain(spec chainSpec) (*Node, VRPath) {
	root := &Node{Kind: NodeFolder, Name: "/", Children: map[string]*Node{}}
	cur := root
	path := VRPath("/")
	for i, entry := range spec.entries {
		cur.Permission = entry
		name := "seg"
		child := &Node{Kind: NodeFolder, Name: name, Children: map[string]*Node{}}
		cur.Children[name] = child
		cur.ChildOrder = append(cur.ChildOrder, name)
		cur = child
		path = path.Join(name)
		_ = i
	}
	return root, path
}

// TestOwnerAlwaysHasAccessProperty verifies spec.md §4.D's permission
// invariant from the other direction than the unit tests in
// vecfs_test.go: no configuration of explicit Private/Public entries
// along a path can ever deny the tree's own owner, since every PolicySet's
// allows() special-cases identity == owner.
func TestOwnerAlwaysHasAccessProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("owner can always read and write their own tree", prop.ForAll(
		func(spec chainSpec) bool {
			root, path := buildChain(spec)
			const owner = "alice"
			if !checkPermission(root, path, owner, owner, ModeRead) {
				return false
			}
			return checkPermission(root, path, owner, owner, ModeWrite)
		},
		genChainSpec(),
	))

	properties.TestingRun(t)
}

// TestPublicAncestorGrantsAnyReaderProperty verifies that when the leaf
// itself carries an explicit Public read policy, an arbitrary identity can
// read it, regardless of what private entries exist above it
// (nearest-ancestor-wins, spec.md §4.D).
func TestPublicAncestorGrantsAnyReaderProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("a public entry at the leaf grants any identity read access", prop.ForAll(
		func(prefix chainSpec, identity string) bool {
			root, prefixPath := buildChain(prefix)
			leafName := "public_leaf"
			cur := navigateMust(root, prefixPath)
			cur.Children[leafName] = &Node{
				Kind:       NodeFolder,
				Name:       leafName,
				Children:   map[string]*Node{},
				Permission: &PermEntry{Read: Public(), Write: Private()},
			}
			cur.ChildOrder = append(cur.ChildOrder, leafName)
			leafPath := prefixPath.Join(leafName)
			return checkPermission(root, leafPath, "alice", identity, ModeRead)
		},
		genChainSpec(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func navigateMust(root *Node, path VRPath) *Node {
	cur := root
	for _, seg := range path.Segments() {
		cur = cur.Children[seg]
	}
	return cur
}
