// Package envelope implements the Message Envelope (spec.md §4.B): the
// canonical signed, optionally-encrypted message format exchanged between
// nodes and between a node and its local clients.
//
// Grounded on the teacher's custom deterministic marshaling approach
// (runtime/agent/model/json_marshal.go builds JSON by hand so field order
// and shape are exactly controlled) generalized here to the envelope's
// canonical-form + blanked-signature scheme.
package envelope

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"

	"github.com/shinkai-labs/shinkai-node/internal/shinkaierrors"
)

// Version is the envelope wire version (spec.md §6).
type Version string

const VersionV1_0 Version = "V1_0"

// EncryptionMethod names the body/outer encryption scheme.
type EncryptionMethod string

const (
	EncryptionNone                       EncryptionMethod = "None"
	EncryptionDiffieHellmanChaChaPoly1305 EncryptionMethod = "DiffieHellmanChaChaPoly1305"
)

// MessageData is the inner payload: either opaque encrypted bytes or an
// unencrypted {raw_content, schema_type} pair.
type MessageData struct {
	Encrypted  []byte `json:"encrypted,omitempty"`
	RawContent string `json:"raw_content,omitempty"`
	SchemaType string `json:"schema_type,omitempty"`
}

func (m MessageData) isEncrypted() bool { return m.Encrypted != nil }

// Body is either opaque encrypted bytes, or an unencrypted
// {message_data, internal_metadata} pair.
type Body struct {
	Encrypted        []byte            `json:"encrypted,omitempty"`
	MessageData      MessageData       `json:"message_data,omitzero"`
	InternalMetadata map[string]string `json:"internal_metadata,omitempty"`
	// InnerSignature covers the unencrypted body with this field itself
	// blanked (spec.md §3 invariant ii).
	InnerSignature string `json:"inner_signature"`
}

func (b Body) isEncrypted() bool { return b.Encrypted != nil }

// ExternalMetadata carries routing and the outer signature (spec.md §6).
type ExternalMetadata struct {
	Sender        string `json:"sender"`
	Recipient     string `json:"recipient"`
	ScheduledTime string `json:"scheduled_time"` // ISO-8601 basic, UTC, ns precision
	Signature     string `json:"signature"`       // hex, blanked during hashing
	Other         string `json:"other,omitempty"`
	IntraSender   string `json:"intra_sender,omitempty"`
}

// Envelope is the full wire message.
type Envelope struct {
	Body             Body             `json:"body"`
	ExternalMetadata ExternalMetadata `json:"external_metadata"`
	EncryptionMethod EncryptionMethod `json:"encryption_method"`
	Version          Version          `json:"version"`
}

// BuildParams configures Build.
type BuildParams struct {
	RawContent string
	SchemaType string
	Sender     string
	Recipient  string
	SenderSK   ed25519.PrivateKey
	ReceiverPK []byte // X25519 public key; required when InnerEncrypt is set
	SenderEncryptionSK []byte // X25519 private key; required when InnerEncrypt is set
	InnerEncrypt bool
	Other        string
	IntraSender  string
	Now          func() time.Time
}

// Build assembles an Envelope per spec.md §4.B: blank both signature
// fields, canonicalize, sign inner over the body, encrypt the body if
// requested, then sign outer.
//
// spec.md's build also names an outer_enc flag ("then encrypts outer if
// requested"), but the wire format it defines (§6) has no field to hold
// outer ciphertext distinct from the body: external_metadata is always a
// plain struct on the wire, and encryption_method already names the one
// scheme applied to the body. A second encryption pass over the same
// body under the same ECDH scheme is indistinguishable from InnerEncrypt
// itself, so outer_enc is not a separate parameter here (see DESIGN.md
// Open Question decisions).
func Build(p BuildParams) (Envelope, error) {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	body := Body{
		MessageData: MessageData{RawContent: p.RawContent, SchemaType: p.SchemaType},
		InnerSignature: "",
	}
	innerCanon, err := canonicalBodyForSigning(body)
	if err != nil {
		return Envelope{}, err
	}
	innerSig := ed25519.Sign(p.SenderSK, innerCanon)
	body.InnerSignature = encodeHex(innerSig)

	if p.InnerEncrypt {
		plain, err := json.Marshal(body)
		if err != nil {
			return Envelope{}, shinkaierrors.Wrap(shinkaierrors.KindMalformed, "marshal body for encryption", err)
		}
		ct, err := encryptECDH(p.SenderEncryptionSK, p.ReceiverPK, plain)
		if err != nil {
			return Envelope{}, err
		}
		body = Body{Encrypted: ct}
	}

	env := Envelope{
		Body:             body,
		EncryptionMethod: EncryptionNone,
		Version:          VersionV1_0,
		ExternalMetadata: ExternalMetadata{
			Sender:        p.Sender,
			Recipient:     p.Recipient,
			ScheduledTime: now().UTC().Format("20060102T150405.000000000Z"),
			Other:         p.Other,
			IntraSender:   p.IntraSender,
		},
	}
	if p.InnerEncrypt {
		env.EncryptionMethod = EncryptionDiffieHellmanChaChaPoly1305
	}

	outerCanon, err := canonicalEnvelopeForSigning(env)
	if err != nil {
		return Envelope{}, err
	}
	outerSig := ed25519.Sign(p.SenderSK, outerCanon)
	env.ExternalMetadata.Signature = encodeHex(outerSig)

	return env, nil
}

// VerifyOuter recomputes the canonical hash with the outer signature
// blanked and checks it against senderPK.
func VerifyOuter(env Envelope, senderPK ed25519.PublicKey) error {
	sigHex := env.ExternalMetadata.Signature
	sig, err := decodeHex(sigHex)
	if err != nil {
		return shinkaierrors.Wrap(shinkaierrors.KindMalformed, "decode outer signature", err)
	}
	blanked := env
	blanked.ExternalMetadata.Signature = ""
	canon, err := canonicalEnvelopeForSigning(blanked)
	if err != nil {
		return err
	}
	if !ed25519.Verify(senderPK, canon, sig) {
		return shinkaierrors.New(shinkaierrors.KindSignatureInvalid, "outer signature verification failed")
	}
	return nil
}

// DecryptBody decrypts env.Body via ECDH(mySK, senderPK) +
// ChaCha20-Poly1305 when the body is encrypted; returns it unchanged
// otherwise.
func DecryptBody(env Envelope, mySK []byte, senderPK []byte) (Body, error) {
	if !env.Body.isEncrypted() {
		return env.Body, nil
	}
	plain, err := decryptECDH(mySK, senderPK, env.Body.Encrypted)
	if err != nil {
		return Body{}, shinkaierrors.Wrap(shinkaierrors.KindDecryptionFailed, "decrypt body", err)
	}
	var body Body
	if err := json.Unmarshal(plain, &body); err != nil {
		return Body{}, shinkaierrors.Wrap(shinkaierrors.KindMalformed, "unmarshal decrypted body", err)
	}
	return body, nil
}

// VerifyInner checks the inner signature on an unencrypted body.
func VerifyInner(body Body, senderPK ed25519.PublicKey) error {
	if body.isEncrypted() {
		return shinkaierrors.New(shinkaierrors.KindMalformed, "cannot verify inner signature of an encrypted body")
	}
	sig, err := decodeHex(body.InnerSignature)
	if err != nil {
		return shinkaierrors.Wrap(shinkaierrors.KindMalformed, "decode inner signature", err)
	}
	blanked := body
	blanked.InnerSignature = ""
	canon, err := canonicalBodyForSigning(blanked)
	if err != nil {
		return err
	}
	if !ed25519.Verify(senderPK, canon, sig) {
		return shinkaierrors.New(shinkaierrors.KindSignatureInvalid, "inner signature verification failed")
	}
	return nil
}

// ContentHashForPagination returns a blake2b-256 hash of the canonical
// form of the envelope as given — used as a pagination cursor over the
// conversation inbox. The hash covers the body in whatever encryption
// state it is in, so an encrypted envelope and its decrypted form hash
// differently. blake2b substitutes spec.md's
// blake3 (see DESIGN.md: no blake3 implementation is available in the
// example corpus; golang.org/x/crypto, which IS a direct corpus
// dependency, ships blake2b).
func ContentHashForPagination(env Envelope) ([]byte, error) {
	canon, err := canonicalEnvelopeForSigning(env)
	if err != nil {
		return nil, err
	}
	sum := blake2b.Sum256(canon)
	return sum[:], nil
}

func canonicalBodyForSigning(b Body) ([]byte, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, shinkaierrors.Wrap(shinkaierrors.KindMalformed, "canonicalize body", err)
	}
	return data, nil
}

func canonicalEnvelopeForSigning(e Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, shinkaierrors.Wrap(shinkaierrors.KindMalformed, "canonicalize envelope", err)
	}
	return data, nil
}

func encryptECDH(mySK []byte, theirPK []byte, plaintext []byte) ([]byte, error) {
	shared, err := curve25519.X25519(mySK, theirPK)
	if err != nil {
		return nil, shinkaierrors.Wrap(shinkaierrors.KindMalformed, "derive shared secret", err)
	}
	var key [chacha20poly1305.KeySize]byte
	copy(key[:], shared)
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, shinkaierrors.Wrap(shinkaierrors.KindMalformed, "init aead", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, shinkaierrors.Wrap(shinkaierrors.KindMalformed, "generate nonce", err)
	}
	ct := aead.Seal(nonce, nonce, plaintext, nil)
	return ct, nil
}

func decryptECDH(mySK []byte, theirPK []byte, ciphertext []byte) ([]byte, error) {
	shared, err := curve25519.X25519(mySK, theirPK)
	if err != nil {
		return nil, err
	}
	var key [chacha20poly1305.KeySize]byte
	copy(key[:], shared)
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, shinkaierrors.New(shinkaierrors.KindMalformed, "ciphertext shorter than nonce")
	}
	nonce, ct := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	return aead.Open(nil, nonce, ct, nil)
}

func encodeHex(b []byte) string { return hex.EncodeToString(b) }

func decodeHex(s string) ([]byte, error) { return hex.DecodeString(s) }
