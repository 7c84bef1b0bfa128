// Package shinkainame implements ShinkaiName, the hierarchical identifier
// (spec.md §3) every durable entity is keyed by:
// `@@node/profile[/agent-or-device/name]`.
package shinkainame

import (
	"fmt"
	"strings"

	"github.com/shinkai-labs/shinkai-node/internal/shinkaierrors"
)

// Name is a parsed, comparable ShinkaiName.
type Name struct {
	raw     string
	Node    string
	Profile string
	// Subidentity is the optional trailing "/agent-or-device/name" path
	// component, split into segments. Empty when the name addresses a node
	// or profile only.
	Subidentity []string
}

// Parse validates and parses s into a Name.
//
// Grammar: "@@" node "/" profile ["/" sub]*
func Parse(s string) (Name, error) {
	if !strings.HasPrefix(s, "@@") {
		return Name{}, shinkaierrors.New(shinkaierrors.KindMalformed, "shinkai name must start with @@")
	}
	body := strings.TrimPrefix(s, "@@")
	if body == "" {
		return Name{}, shinkaierrors.New(shinkaierrors.KindMalformed, "shinkai name missing node component")
	}
	parts := strings.Split(body, "/")
	for _, p := range parts {
		if p == "" {
			return shinkainameEmptySegmentErr(s)
		}
	}
	n := Name{raw: s, Node: parts[0]}
	if len(parts) > 1 {
		n.Profile = parts[1]
	}
	if len(parts) > 2 {
		n.Subidentity = append([]string(nil), parts[2:]...)
	}
	return n, nil
}

func shinkainameEmptySegmentErr(s string) (Name, error) {
	return Name{}, shinkaierrors.New(shinkaierrors.KindMalformed, fmt.Sprintf("shinkai name %q has an empty path segment", s))
}

// String returns the canonical wire representation.
func (n Name) String() string { return n.raw }

// HasProfile reports whether this name addresses at least a profile.
func (n Name) HasProfile() bool { return n.Profile != "" }

// NodeName returns the `@@node` name with no profile or subidentity.
func (n Name) NodeName() Name {
	return Name{raw: "@@" + n.Node, Node: n.Node}
}

// ProfileName returns the `@@node/profile` name with any subidentity
// dropped.
func (n Name) ProfileName() Name {
	raw := "@@" + n.Node
	if n.Profile != "" {
		raw += "/" + n.Profile
	}
	return Name{raw: raw, Node: n.Node, Profile: n.Profile}
}

// Equal reports exact equality.
func (n Name) Equal(other Name) bool { return n.raw == other.raw }

// IsPrefixOf reports whether n is an ancestor of (or equal to) other —
// same node, same profile, and n's subidentity segments are a prefix of
// other's. Used by the VecFS permission index to find the nearest ancestor
// with an explicit permission entry when walking toward root, and more
// generally anywhere ShinkaiName values need "comparable by prefix"
// semantics (spec.md §3).
func (n Name) IsPrefixOf(other Name) bool {
	if n.Node != other.Node || n.Profile != other.Profile {
		return false
	}
	if len(n.Subidentity) > len(other.Subidentity) {
		return false
	}
	for i, seg := range n.Subidentity {
		if other.Subidentity[i] != seg {
			return false
		}
	}
	return true
}
