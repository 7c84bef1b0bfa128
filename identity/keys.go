// Package identity holds a node's long-lived signing and encryption
// keypairs plus derived profile/device keypairs, and issues/validates
// registration codes (spec.md §4.A). Constructed once per process into an
// Environment-held value (Design Note: no process-wide singletons) rather
// than read from a package-level global.
package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/curve25519"

	"github.com/shinkai-labs/shinkai-node/internal/shinkaierrors"
	"github.com/shinkai-labs/shinkai-node/store"
)

// KeyPair bundles a node's (or profile's, or device's) signing and
// encryption keys. SigningPrivate/EncryptionPrivate are zeroed from any
// representation that crosses a process boundary (e.g. registration code
// responses only ever carry the public halves).
type KeyPair struct {
	SigningPublic     ed25519.PublicKey
	SigningPrivate    ed25519.PrivateKey
	EncryptionPublic  []byte // X25519 public key, 32 bytes
	EncryptionPrivate []byte // X25519 private (scalar) key, 32 bytes
}

// Generate creates a fresh signing + encryption keypair using crypto/rand.
func Generate() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, shinkaierrors.Wrap(shinkaierrors.KindKeyStoreCorrupted, "generate ed25519 keypair", err)
	}
	encPriv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(encPriv); err != nil {
		return KeyPair{}, shinkaierrors.Wrap(shinkaierrors.KindKeyStoreCorrupted, "generate x25519 scalar", err)
	}
	// Clamp per RFC 7748 so the scalar is a valid X25519 private key.
	encPriv[0] &= 248
	encPriv[31] &= 127
	encPriv[31] |= 64
	encPub, err := curve25519.X25519(encPriv, curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, shinkaierrors.Wrap(shinkaierrors.KindKeyStoreCorrupted, "derive x25519 public key", err)
	}
	return KeyPair{
		SigningPublic:     pub,
		SigningPrivate:    priv,
		EncryptionPublic:  encPub,
		EncryptionPrivate: encPriv,
	}, nil
}

// PublicOnly strips private key material, safe to hand to callers that
// should never see it (e.g. registration code issuance responses).
func (k KeyPair) PublicOnly() KeyPair {
	return KeyPair{SigningPublic: k.SigningPublic, EncryptionPublic: k.EncryptionPublic}
}

// nodeKeyStoreKey is where LoadOrGenerate persists the node's own keypair
// in the Identity column family, distinct from per-profile/device
// IdentityRecords.
const nodeKeyStoreKey = "node_keypair"

// identityFileName is the secrets file LoadOrGenerate reads/writes under
// NODE_STORAGE_PATH (spec.md §4.A: "loaded from a secrets file or
// environment, otherwise freshly generated").
const identityFileName = "identity.json"

// LoadOrGenerate loads the node's long-lived keypair, preferring
// storagePath's identity.json secrets file, then st's Identity column
// family, and only generating a fresh keypair if neither holds one. A
// freshly generated keypair is persisted to both so a later restart
// recovers it from whichever is available. storagePath and st are each
// optional (empty/nil skips that source).
func LoadOrGenerate(ctx context.Context, st store.Store, storagePath string) (KeyPair, error) {
	if storagePath != "" {
		kp, ok, err := loadFromDisk(storagePath)
		if err != nil {
			return KeyPair{}, err
		}
		if ok {
			return kp, nil
		}
	}
	if st != nil {
		kp, ok, err := loadFromStore(ctx, st)
		if err != nil {
			return KeyPair{}, err
		}
		if ok {
			return kp, nil
		}
	}

	kp, err := Generate()
	if err != nil {
		return KeyPair{}, err
	}
	if st != nil {
		if err := saveToStore(ctx, st, kp); err != nil {
			return KeyPair{}, err
		}
	}
	if storagePath != "" {
		if err := saveToDisk(storagePath, kp); err != nil {
			return KeyPair{}, err
		}
	}
	return kp, nil
}

func identityFilePath(storagePath string) string {
	return filepath.Join(storagePath, identityFileName)
}

func loadFromDisk(storagePath string) (KeyPair, bool, error) {
	raw, err := os.ReadFile(identityFilePath(storagePath))
	if os.IsNotExist(err) {
		return KeyPair{}, false, nil
	}
	if err != nil {
		return KeyPair{}, false, shinkaierrors.Wrap(shinkaierrors.KindKeyStoreCorrupted, "read identity secrets file", err)
	}
	var kp KeyPair
	if err := json.Unmarshal(raw, &kp); err != nil {
		return KeyPair{}, false, shinkaierrors.Wrap(shinkaierrors.KindKeyStoreCorrupted, "decode identity secrets file", err)
	}
	return kp, true, nil
}

func saveToDisk(storagePath string, kp KeyPair) error {
	if err := os.MkdirAll(storagePath, 0o700); err != nil {
		return shinkaierrors.Wrap(shinkaierrors.KindKeyStoreCorrupted, "create node storage path", err)
	}
	raw, err := json.Marshal(kp)
	if err != nil {
		return shinkaierrors.Wrap(shinkaierrors.KindKeyStoreCorrupted, "encode identity secrets file", err)
	}
	if err := os.WriteFile(identityFilePath(storagePath), raw, 0o600); err != nil {
		return shinkaierrors.Wrap(shinkaierrors.KindKeyStoreCorrupted, "write identity secrets file", err)
	}
	return nil
}

func loadFromStore(ctx context.Context, st store.Store) (KeyPair, bool, error) {
	raw, ok, err := st.Get(ctx, store.CFIdentity, nodeKeyStoreKey)
	if err != nil {
		return KeyPair{}, false, err
	}
	if !ok {
		return KeyPair{}, false, nil
	}
	var kp KeyPair
	if err := json.Unmarshal(raw, &kp); err != nil {
		return KeyPair{}, false, shinkaierrors.Wrap(shinkaierrors.KindStoreCorrupted, "decode node keypair", err)
	}
	return kp, true, nil
}

func saveToStore(ctx context.Context, st store.Store, kp KeyPair) error {
	raw, err := json.Marshal(kp)
	if err != nil {
		return shinkaierrors.Wrap(shinkaierrors.KindMalformed, "encode node keypair", err)
	}
	return st.Put(ctx, store.CFIdentity, nodeKeyStoreKey, raw)
}

// SelfSignedCert derives a self-signed TLS certificate from kp's signing
// keypair (spec.md §4.A: the node's keys plus "a derived self-signed
// HTTPS certificate"), valid for ten years from issuance.
func SelfSignedCert(kp KeyPair) (tls.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, shinkaierrors.Wrap(shinkaierrors.KindKeyStoreCorrupted, "generate certificate serial", err)
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "shinkai-node"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, kp.SigningPublic, kp.SigningPrivate)
	if err != nil {
		return tls.Certificate{}, shinkaierrors.Wrap(shinkaierrors.KindKeyStoreCorrupted, "create self-signed certificate", err)
	}
	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  kp.SigningPrivate,
	}, nil
}
