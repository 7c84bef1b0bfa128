package vecfs

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/shinkai-labs/shinkai-node/eventbus"
	"github.com/shinkai-labs/shinkai-node/internal/shinkaierrors"
	"github.com/shinkai-labs/shinkai-node/store"
	"github.com/shinkai-labs/shinkai-node/telemetry"
)

var nameSanitizer = regexp.MustCompile(`[^a-z0-9_\-.]+`)

// SanitizeName lowercases and strips anything outside [a-z0-9_-.] from a
// proposed child name, matching spec.md §6's key-sanitization rule.
func SanitizeName(name string) string {
	return nameSanitizer.ReplaceAllString(strings.ToLower(name), "_")
}

// FS is a node's Vector Filesystem: one tree per profile, held in memory
// and snapshotted into the Persistent Store's VecFS column family after
// every mutating call (Design Note: state persists after each
// transition). Mutating operations take an exclusive per-(profile,
// top-level path segment) stripe lock so concurrent writers under
// disjoint top-level subtrees never block each other (spec.md §5).
type FS struct {
	store  store.Store
	bus    eventbus.Bus
	logger telemetry.Logger

	mu    sync.RWMutex
	roots map[string]*Node // profile -> root folder, lazily loaded

	stripes  sync.Map // stripe key -> *sync.Mutex
	lastRead *LastReadIndex

	// HierarchicalFanout overrides the default M in hierarchical traversal
	// (spec.md §4.D "recurse into the best M"); tests shrink this to make
	// pre-selection behavior deterministic to assert on.
	HierarchicalFanout int
}

// New constructs an FS backed by s, publishing VecFSItemChangedEvent on
// the given bus after mutations.
func New(s store.Store, bus eventbus.Bus, logger telemetry.Logger) *FS {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &FS{
		store:              s,
		bus:                bus,
		roots:              make(map[string]*Node),
		lastRead:           NewLastReadIndex(),
		HierarchicalFanout: HierarchicalFanout,
	}
}

// LastReadIndex exposes the read-tracking index as a narrow type rather
// than a back-reference into FS.
func (fs *FS) LastReadIndex() *LastReadIndex { return fs.lastRead }

func snapshotKey(profile string) string { return profile + "|root" }

type treeSnapshot struct {
	Root *Node `json:"root"`
}

func newRoot() *Node {
	return &Node{Kind: NodeFolder, Name: "/", Children: map[string]*Node{}}
}

// profileRoot returns the in-memory root for profile, loading it from
// the store on first access.
func (fs *FS) profileRoot(ctx context.Context, profile string) (*Node, error) {
	fs.mu.RLock()
	root, ok := fs.roots[profile]
	fs.mu.RUnlock()
	if ok {
		return root, nil
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if root, ok := fs.roots[profile]; ok {
		return root, nil
	}

	raw, found, err := fs.store.Get(ctx, store.CFVecFS, snapshotKey(profile))
	if err != nil {
		return nil, err
	}
	if !found {
		root := newRoot()
		fs.roots[profile] = root
		return root, nil
	}
	var snap treeSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, shinkaierrors.Wrap(shinkaierrors.KindStoreCorrupted, "decode vecfs snapshot", err)
	}
	if snap.Root == nil {
		snap.Root = newRoot()
	}
	fs.roots[profile] = snap.Root
	return snap.Root, nil
}

func (fs *FS) persist(ctx context.Context, profile string, root *Node) error {
	data, err := json.Marshal(treeSnapshot{Root: root})
	if err != nil {
		return shinkaierrors.Wrap(shinkaierrors.KindMalformed, "encode vecfs snapshot", err)
	}
	return fs.store.Put(ctx, store.CFVecFS, snapshotKey(profile), data)
}

// stripeKey derives a lock stripe from the topmost path segment, so
// disjoint top-level subtrees serialize independently.
func stripeKey(profile string, path VRPath) string {
	segs := path.Segments()
	top := ""
	if len(segs) > 0 {
		top = segs[0]
	}
	return profile + "\x00" + top
}

func (fs *FS) lockFor(profile string, path VRPath) *sync.Mutex {
	key := stripeKey(profile, path)
	v, _ := fs.stripes.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (fs *FS) publish(ctx context.Context, profile string, path VRPath) {
	if fs.bus == nil {
		return
	}
	if err := fs.bus.Publish(ctx, eventbus.VecFSItemChangedEvent{Profile: profile, Path: string(path)}); err != nil {
		fs.logger.Warn(ctx, "vecfs change event publish failed", "profile", profile, "path", string(path), "error", err)
	}
}

// navigate walks root to the folder at path, failing with PathNotFound
// if any segment is missing or is not a Folder.
func navigate(root *Node, path VRPath) (*Node, error) {
	cur := root
	for _, seg := range path.Segments() {
		child, ok := cur.Children[seg]
		if !ok {
			return nil, shinkaierrors.New(shinkaierrors.KindPathNotFound, "path not found: "+string(path))
		}
		if child.Kind != NodeFolder {
			return nil, shinkaierrors.New(shinkaierrors.KindPathInvalid, "path segment is not a folder: "+string(path))
		}
		cur = child
	}
	return cur, nil
}

// requireWrite verifies identity has write permission on every ancestor
// of path, root to leaf, per spec.md §4.D "traverse root-to-leaf,
// verifying write permission at every level".
func requireWrite(root *Node, path VRPath, owner, identity string) error {
	for _, anc := range path.Ancestors() {
		if !checkPermission(root, anc, owner, identity, ModeWrite) {
			return shinkaierrors.New(shinkaierrors.KindPermissionDenied, "write denied at "+string(anc))
		}
	}
	return nil
}

func requireRead(root *Node, path VRPath, owner, identity string) error {
	if !checkPermission(root, path, owner, identity, ModeRead) {
		return shinkaierrors.New(shinkaierrors.KindPermissionDenied, "read denied at "+string(path))
	}
	return nil
}

// CreateFolder creates a new folder named name under parentPath.
func (fs *FS) CreateFolder(ctx context.Context, profile, identity string, parentPath VRPath, name string) error {
	lock := fs.lockFor(profile, parentPath)
	lock.Lock()
	defer lock.Unlock()

	root, err := fs.profileRoot(ctx, profile)
	if err != nil {
		return err
	}
	if err := requireWrite(root, parentPath, profile, identity); err != nil {
		return err
	}
	parent, err := navigate(root, parentPath)
	if err != nil {
		return shinkaierrors.Wrap(shinkaierrors.KindPathInvalid, "parent missing", err)
	}
	sanitized := SanitizeName(name)
	if _, exists := parent.Children[sanitized]; exists {
		return shinkaierrors.New(shinkaierrors.KindPathAlreadyExists, "folder already exists: "+sanitized)
	}
	now := time.Now().UnixNano()
	parent.Children[sanitized] = &Node{
		Kind:       NodeFolder,
		Name:       sanitized,
		CreatedAt:  now,
		ModifiedAt: now,
		Children:   map[string]*Node{},
	}
	parent.ChildOrder = append(parent.ChildOrder, sanitized)
	parent.ModifiedAt = now

	if err := fs.persist(ctx, profile, root); err != nil {
		return err
	}
	fs.publish(ctx, profile, parentPath.Join(sanitized))
	return nil
}

// Delete removes the node at path (folder or item), failing with
// PathNotFound if absent.
func (fs *FS) Delete(ctx context.Context, profile, identity string, path VRPath) error {
	lock := fs.lockFor(profile, path)
	lock.Lock()
	defer lock.Unlock()

	root, err := fs.profileRoot(ctx, profile)
	if err != nil {
		return err
	}
	if err := requireWrite(root, path, profile, identity); err != nil {
		return err
	}
	parent, err := navigate(root, path.Parent())
	if err != nil {
		return err
	}
	segs := path.Segments()
	if len(segs) == 0 {
		return shinkaierrors.New(shinkaierrors.KindPathInvalid, "cannot delete root")
	}
	leaf := segs[len(segs)-1]
	if _, ok := parent.Children[leaf]; !ok {
		return shinkaierrors.New(shinkaierrors.KindPathNotFound, "path not found: "+string(path))
	}
	delete(parent.Children, leaf)
	parent.ChildOrder = removeName(parent.ChildOrder, leaf)
	parent.ModifiedAt = time.Now().UnixNano()

	if err := fs.persist(ctx, profile, root); err != nil {
		return err
	}
	fs.publish(ctx, profile, path)
	return nil
}

// Move relocates the node at src to dst (dst is the full destination
// path, including the new name). Both src and dst's ancestor chains
// require write permission.
func (fs *FS) Move(ctx context.Context, profile, identity string, src, dst VRPath) error {
	return fs.relocate(ctx, profile, identity, src, dst, true)
}

// Copy duplicates the node at src to dst, leaving src intact.
func (fs *FS) Copy(ctx context.Context, profile, identity string, src, dst VRPath) error {
	return fs.relocate(ctx, profile, identity, src, dst, false)
}

func (fs *FS) relocate(ctx context.Context, profile, identity string, src, dst VRPath, remove bool) error {
	lockA, lockB := fs.lockFor(profile, src), fs.lockFor(profile, dst)
	if lockA == lockB {
		lockA.Lock()
		defer lockA.Unlock()
	} else {
		// Lock in a stable order to avoid deadlocks between concurrent
		// relocations that cross each other's stripes.
		first, second := lockA, lockB
		if stripeKey(profile, dst) < stripeKey(profile, src) {
			first, second = lockB, lockA
		}
		first.Lock()
		defer first.Unlock()
		second.Lock()
		defer second.Unlock()
	}

	root, err := fs.profileRoot(ctx, profile)
	if err != nil {
		return err
	}
	if err := requireWrite(root, src, profile, identity); err != nil {
		return err
	}
	if err := requireWrite(root, dst, profile, identity); err != nil {
		return err
	}
	srcParent, err := navigate(root, src.Parent())
	if err != nil {
		return err
	}
	srcSegs := src.Segments()
	if len(srcSegs) == 0 {
		return shinkaierrors.New(shinkaierrors.KindPathInvalid, "cannot relocate root")
	}
	srcLeaf := srcSegs[len(srcSegs)-1]
	node, ok := srcParent.Children[srcLeaf]
	if !ok {
		return shinkaierrors.New(shinkaierrors.KindPathNotFound, "path not found: "+string(src))
	}

	dstParent, err := navigate(root, dst.Parent())
	if err != nil {
		return shinkaierrors.Wrap(shinkaierrors.KindPathInvalid, "destination parent missing", err)
	}
	dstSegs := dst.Segments()
	if len(dstSegs) == 0 {
		return shinkaierrors.New(shinkaierrors.KindPathInvalid, "cannot relocate to root")
	}
	dstLeaf := SanitizeName(dstSegs[len(dstSegs)-1])
	if _, exists := dstParent.Children[dstLeaf]; exists {
		return shinkaierrors.New(shinkaierrors.KindPathAlreadyExists, "destination already exists: "+string(dst))
	}

	placed := node
	if !remove {
		placed = cloneNode(node)
	}
	placed.Name = dstLeaf
	now := time.Now().UnixNano()
	placed.ModifiedAt = now
	dstParent.Children[dstLeaf] = placed
	dstParent.ChildOrder = append(dstParent.ChildOrder, dstLeaf)
	dstParent.ModifiedAt = now

	if remove {
		delete(srcParent.Children, srcLeaf)
		srcParent.ChildOrder = removeName(srcParent.ChildOrder, srcLeaf)
		srcParent.ModifiedAt = now
	}

	if err := fs.persist(ctx, profile, root); err != nil {
		return err
	}
	fs.publish(ctx, profile, dst)
	if remove {
		fs.publish(ctx, profile, src)
	}
	return nil
}

// InsertItem inserts item as a new Item child of folderPath. If the
// item's resource was embedded with a model outside the parent folder's
// supported set, callers must re-embed before calling InsertItem — this
// method stores the resource as given (spec.md §4.D: re-embedding is the
// caller's responsibility, driven by the Embedding Generator).
func (fs *FS) InsertItem(ctx context.Context, profile, identity string, folderPath VRPath, name string, resource *BaseVectorResource, source *SourceFileRef) error {
	lock := fs.lockFor(profile, folderPath)
	lock.Lock()
	defer lock.Unlock()

	root, err := fs.profileRoot(ctx, profile)
	if err != nil {
		return err
	}
	if err := requireWrite(root, folderPath, profile, identity); err != nil {
		return err
	}
	folder, err := navigate(root, folderPath)
	if err != nil {
		return err
	}
	sanitized := SanitizeName(name)
	now := time.Now().UnixNano()
	if resource != nil && resource.ResourceID == "" {
		resource.ResourceID = ulid.Make().String()
	}
	folder.Children[sanitized] = &Node{
		Kind:       NodeItem,
		Name:       sanitized,
		CreatedAt:  now,
		ModifiedAt: now,
		Resource:   resource,
		SourceFile: source,
	}
	if !containsName(folder.ChildOrder, sanitized) {
		folder.ChildOrder = append(folder.ChildOrder, sanitized)
	}
	folder.ModifiedAt = now

	if err := fs.persist(ctx, profile, root); err != nil {
		return err
	}
	fs.publish(ctx, profile, folderPath.Join(sanitized))
	return nil
}

// RetrieveItem returns the Item at path, updating the last-read index.
func (fs *FS) RetrieveItem(ctx context.Context, profile, identity string, path VRPath) (*Node, error) {
	root, err := fs.profileRoot(ctx, profile)
	if err != nil {
		return nil, err
	}
	if err := requireRead(root, path, profile, identity); err != nil {
		return nil, err
	}
	parent, err := navigate(root, path.Parent())
	if err != nil {
		return nil, err
	}
	segs := path.Segments()
	if len(segs) == 0 {
		return nil, shinkaierrors.New(shinkaierrors.KindPathNotFound, "root is not an item")
	}
	node, ok := parent.Children[segs[len(segs)-1]]
	if !ok || node.Kind != NodeItem {
		return nil, shinkaierrors.New(shinkaierrors.KindPathNotFound, "item not found: "+string(path))
	}
	fs.lastRead.MarkRead(profile, path, identity)
	return node, nil
}

// RetrieveFolder returns the Folder at path. depth counts levels of
// children to include below path: 0 returns the folder alone with its
// children omitted, 1 includes immediate children (themselves childless),
// and so on; a negative depth is unbounded.
func (fs *FS) RetrieveFolder(ctx context.Context, profile, identity string, path VRPath, depth int) (*Node, error) {
	root, err := fs.profileRoot(ctx, profile)
	if err != nil {
		return nil, err
	}
	if err := requireRead(root, path, profile, identity); err != nil {
		return nil, err
	}
	folder, err := navigate(root, path)
	if err != nil {
		return nil, err
	}
	fs.lastRead.MarkRead(profile, path, identity)
	return pruneDepth(folder, depth), nil
}

// pruneDepth returns a shallow view of n truncated to depth levels of
// children so callers cannot mutate the live tree through the result.
func pruneDepth(n *Node, depth int) *Node {
	if n.Kind != NodeFolder || depth == 0 {
		clone := *n
		clone.Children = nil
		clone.ChildOrder = nil
		return &clone
	}
	clone := *n
	clone.Children = make(map[string]*Node, len(n.Children))
	for name, child := range n.Children {
		nextDepth := depth - 1
		if depth < 0 {
			nextDepth = -1
		}
		clone.Children[name] = pruneDepth(child, nextDepth)
	}
	clone.ChildOrder = append([]string(nil), n.ChildOrder...)
	return &clone
}

// CheckPermission exposes the permission walk for callers outside vecfs
// (e.g. the Subscription Manager verifying share-folder write authority).
func (fs *FS) CheckPermission(ctx context.Context, profile, identity string, path VRPath, mode Mode) (bool, error) {
	root, err := fs.profileRoot(ctx, profile)
	if err != nil {
		return false, err
	}
	return checkPermission(root, path, profile, identity, mode), nil
}

// SetPermission installs an explicit PermEntry at path, requiring write
// permission on every ancestor first.
func (fs *FS) SetPermission(ctx context.Context, profile, identity string, path VRPath, entry PermEntry) error {
	lock := fs.lockFor(profile, path)
	lock.Lock()
	defer lock.Unlock()

	root, err := fs.profileRoot(ctx, profile)
	if err != nil {
		return err
	}
	if err := requireWrite(root, path, profile, identity); err != nil {
		return err
	}
	var node *Node
	if path == "/" {
		node = root
	} else {
		node, err = navigate(root, path)
		if err != nil {
			return err
		}
	}
	node.Permission = &entry
	return fs.persist(ctx, profile, root)
}

func cloneNode(n *Node) *Node {
	clone := *n
	if n.Children != nil {
		clone.Children = make(map[string]*Node, len(n.Children))
		for name, child := range n.Children {
			clone.Children[name] = cloneNode(child)
		}
		clone.ChildOrder = append([]string(nil), n.ChildOrder...)
	}
	if n.Resource != nil {
		res := *n.Resource
		res.Nodes = append([]ResourceNode(nil), n.Resource.Nodes...)
		clone.Resource = &res
	}
	return &clone
}

func removeName(names []string, target string) []string {
	out := names[:0]
	for _, n := range names {
		if n != target {
			out = append(out, n)
		}
	}
	return out
}

func containsName(names []string, target string) bool {
	for _, n := range names {
		if n == target {
			return true
		}
	}
	return false
}
