package identity

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/shinkai-labs/shinkai-node/internal/shinkaierrors"
	"github.com/shinkai-labs/shinkai-node/store"
)

// CodeKind is the kind of identity a registration code grants.
type CodeKind string

const (
	CodeKindProfile CodeKind = "Profile"
	CodeKindDevice  CodeKind = "Device" // carries an owning profile name
	CodeKindMain    CodeKind = "Main"
)

// Permission is the permission level a registration code grants.
type Permission string

const (
	PermissionAdmin    Permission = "Admin"
	PermissionStandard Permission = "Standard"
	PermissionNone     Permission = "None"
)

// RegistrationCode is a single-use code issued for onboarding a new
// profile, device, or main identity (spec.md §4.A).
type RegistrationCode struct {
	Code       string     `json:"code"`
	Kind       CodeKind   `json:"kind"`
	Profile    string     `json:"profile,omitempty"` // required when Kind == Device
	Permission Permission `json:"permission"`
	Used       bool       `json:"used"`
}

// IdentityRecord is what use_code installs once a code is successfully
// consumed: the new keypair's public halves bound to a kind/permission.
type IdentityRecord struct {
	Name       string     `json:"name"`
	Kind       CodeKind   `json:"kind"`
	Permission Permission `json:"permission"`
	SigningPublic    []byte `json:"signing_public"`
	EncryptionPublic []byte `json:"encryption_public"`
}

// Registry issues and consumes registration codes through the Persistent
// Store's Identity column family.
type Registry struct {
	store store.Store
	mu    sync.Mutex // serializes UseCode's get-check-put
}

// NewRegistry constructs a Registry backed by s.
func NewRegistry(s store.Store) *Registry {
	return &Registry{store: s}
}

// IssueCode stores a fresh, unused registration code.
func (r *Registry) IssueCode(ctx context.Context, code string, kind CodeKind, profile string, perm Permission) error {
	rc := RegistrationCode{Code: code, Kind: kind, Profile: profile, Permission: perm}
	data, err := json.Marshal(rc)
	if err != nil {
		return shinkaierrors.Wrap(shinkaierrors.KindMalformed, "marshal registration code", err)
	}
	return r.store.Put(ctx, store.CFIdentity, codeKey(code), data)
}

// UseCode atomically consumes code: verifies it exists, is unused, and that
// requestedKind/requestedPerm match what was issued, then installs an
// IdentityRecord under the requested name. The get-check-put runs under the
// Registry's mutex and its two writes commit as one WriteBatch, so a
// concurrent double-use of the same code through this Registry cannot both
// succeed.
func (r *Registry) UseCode(ctx context.Context, code string, name string, signingPub, encPub []byte, requestedKind CodeKind, requestedPerm Permission) (IdentityRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	raw, ok, err := r.store.Get(ctx, store.CFIdentity, codeKey(code))
	if err != nil {
		return IdentityRecord{}, err
	}
	if !ok {
		return IdentityRecord{}, shinkaierrors.New(shinkaierrors.KindPathNotFound, "registration code not found")
	}
	var rc RegistrationCode
	if err := json.Unmarshal(raw, &rc); err != nil {
		return IdentityRecord{}, shinkaierrors.Wrap(shinkaierrors.KindStoreCorrupted, "decode registration code", err)
	}
	if rc.Used {
		return IdentityRecord{}, shinkaierrors.New(shinkaierrors.KindCodeAlreadyUsed, "registration code already used")
	}
	if rc.Kind != requestedKind {
		return IdentityRecord{}, shinkaierrors.New(shinkaierrors.KindRegistryMismatch, "registration code kind mismatch")
	}
	if !permissionSatisfies(rc.Permission, requestedPerm) {
		return IdentityRecord{}, shinkaierrors.New(shinkaierrors.KindPermissionDenied, "requested permission exceeds code grant")
	}

	rc.Used = true
	usedData, err := json.Marshal(rc)
	if err != nil {
		return IdentityRecord{}, shinkaierrors.Wrap(shinkaierrors.KindMalformed, "marshal consumed code", err)
	}
	record := IdentityRecord{
		Name:             name,
		Kind:             rc.Kind,
		Permission:       rc.Permission,
		SigningPublic:    signingPub,
		EncryptionPublic: encPub,
	}
	recordData, err := json.Marshal(record)
	if err != nil {
		return IdentityRecord{}, shinkaierrors.Wrap(shinkaierrors.KindMalformed, "marshal identity record", err)
	}

	err = r.store.WriteBatch(ctx, []store.WriteOp{
		{CF: store.CFIdentity, Key: codeKey(code), Value: usedData},
		{CF: store.CFIdentity, Key: identityKey(name), Value: recordData},
	})
	if err != nil {
		return IdentityRecord{}, err
	}
	return record, nil
}

// permissionSatisfies reports whether a code granting `granted` is
// sufficient to install `requested`. Admin satisfies Standard and None;
// Standard satisfies Standard and None; None satisfies only None.
func permissionSatisfies(granted, requested Permission) bool {
	rank := map[Permission]int{PermissionNone: 0, PermissionStandard: 1, PermissionAdmin: 2}
	return rank[granted] >= rank[requested]
}

func codeKey(code string) string     { return "registration_code_" + code }
func identityKey(name string) string { return "identity_record_" + name }
