package subscription

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shinkai-labs/shinkai-node/internal/shinkaierrors"
	"github.com/shinkai-labs/shinkai-node/vecfs"
)

// encodeResource serializes a VecFS resource for upload. Deterministic
// field order matters only for the content hash, computed separately in
// manager.go's contentHash; this is a plain transport encoding.
func encodeResource(resource *vecfs.BaseVectorResource) ([]byte, error) {
	data, err := json.Marshal(resource)
	if err != nil {
		return nil, shinkaierrors.Wrap(shinkaierrors.KindMalformed, "encode resource for upload", err)
	}
	return data, nil
}

// decodeResource is encodeResource's inverse, used when a subscriber
// downloads a manifest entry's bytes.
func decodeResource(data []byte) (*vecfs.BaseVectorResource, error) {
	var resource vecfs.BaseVectorResource
	if err := json.Unmarshal(data, &resource); err != nil {
		return nil, shinkaierrors.Wrap(shinkaierrors.KindMalformed, "decode downloaded resource", err)
	}
	return &resource, nil
}

// signManifest signs the manifest's canonical form (path/hash pairs
// sorted by path, independent of Entries' traversal order) with the
// streamer's signing key, so two manifests with the same content sign
// identically.
func signManifest(sk ed25519.PrivateKey, m *Manifest) []byte {
	entries := append([]ManifestEntry(nil), m.Entries...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	var canonical []byte
	for _, e := range entries {
		canonical = append(canonical, []byte(fmt.Sprintf("%s|%s\n", e.Path, e.ContentHash))...)
	}
	return ed25519.Sign(sk, canonical)
}

// VerifyManifest checks a manifest's signature against the streamer's
// known public key.
func VerifyManifest(pk ed25519.PublicKey, m *Manifest) bool {
	if m == nil || len(m.Signature) == 0 {
		return false
	}
	entries := append([]ManifestEntry(nil), m.Entries...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	var canonical []byte
	for _, e := range entries {
		canonical = append(canonical, []byte(fmt.Sprintf("%s|%s\n", e.Path, e.ContentHash))...)
	}
	return ed25519.Verify(pk, canonical, m.Signature)
}
