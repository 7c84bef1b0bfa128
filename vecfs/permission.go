package vecfs

// Mode is the access mode checked by CheckPermission.
type Mode string

const (
	ModeRead  Mode = "Read"
	ModeWrite Mode = "Write"
)

// PolicyKind discriminates the PolicySet variants.
type PolicyKind string

const (
	PolicyPrivate      PolicyKind = "Private"
	PolicyNodeProfiles PolicyKind = "NodeProfiles"
	PolicyWhitelist    PolicyKind = "Whitelist"
	PolicyPublic       PolicyKind = "Public"
)

// PolicySet is one access policy: Private (owning profile only),
// NodeProfiles/Whitelist (an explicit allow-set of profile names), or
// Public (anyone).
type PolicySet struct {
	Kind    PolicyKind
	Members map[string]bool // populated for NodeProfiles and Whitelist
}

func Private() PolicySet { return PolicySet{Kind: PolicyPrivate} }
func Public() PolicySet  { return PolicySet{Kind: PolicyPublic} }

func NodeProfiles(names ...string) PolicySet {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return PolicySet{Kind: PolicyNodeProfiles, Members: m}
}

func Whitelist(names ...string) PolicySet {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return PolicySet{Kind: PolicyWhitelist, Members: m}
}

// allows reports whether identity satisfies this policy. owner is the
// profile that owns the filesystem being checked.
func (p PolicySet) allows(identity, owner string) bool {
	switch p.Kind {
	case PolicyPublic:
		return true
	case PolicyPrivate:
		return identity == owner
	case PolicyNodeProfiles, PolicyWhitelist:
		return identity == owner || p.Members[identity]
	default:
		return false
	}
}

// PermEntry is the read/write policy pair attached to a folder.
type PermEntry struct {
	Read  PolicySet
	Write PolicySet
}

// DefaultPermission is applied to any path with no explicit ancestor
// entry: Private, restricted to the owning profile (spec.md §4.D
// "Permissions").
func DefaultPermission() PermEntry {
	return PermEntry{Read: Private(), Write: Private()}
}

// checkPermission walks from path toward the root, returning the first
// folder with an explicit Permission entry; if none is found, the
// default Private policy applies (spec.md §4.D).
func checkPermission(root *Node, path VRPath, owner, identity string, mode Mode) bool {
	entry := resolvePermission(root, path)
	switch mode {
	case ModeWrite:
		return entry.Write.allows(identity, owner)
	default:
		return entry.Read.allows(identity, owner)
	}
}

// resolvePermission returns the effective PermEntry for path: the
// nearest ancestor's explicit entry (path itself counts as its own
// ancestor), walking root-to-leaf and remembering the last explicit
// entry seen, or DefaultPermission() if none is set anywhere on the
// path.
func resolvePermission(root *Node, path VRPath) PermEntry {
	effective := DefaultPermission()
	cur := root
	if cur.Permission != nil {
		effective = *cur.Permission
	}
	for _, seg := range path.Segments() {
		child, ok := cur.Children[seg]
		if !ok {
			break
		}
		if child.Permission != nil {
			effective = *child.Permission
		}
		cur = child
	}
	return effective
}
