package subscription

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shinkai-labs/shinkai-node/eventbus"
	"github.com/shinkai-labs/shinkai-node/internal/shinkaierrors"
	"github.com/shinkai-labs/shinkai-node/retry"
	"github.com/shinkai-labs/shinkai-node/store"
	"github.com/shinkai-labs/shinkai-node/telemetry"
	"github.com/shinkai-labs/shinkai-node/vecfs"
)

// VecFSAccessor is the narrow VecFS surface the Subscription Manager
// drives: listing a shared folder's contents, inserting downloaded
// items into an inbound folder, and checking write permission before a
// share transition (Design Note: no back-reference into vecfs.FS).
// Satisfied by *vecfs.FS.
type VecFSAccessor interface {
	RetrieveFolder(ctx context.Context, profile, identity string, path vecfs.VRPath, depth int) (*vecfs.Node, error)
	RetrieveItem(ctx context.Context, profile, identity string, path vecfs.VRPath) (*vecfs.Node, error)
	InsertItem(ctx context.Context, profile, identity string, folderPath vecfs.VRPath, name string, resource *vecfs.BaseVectorResource, source *vecfs.SourceFileRef) error
	CheckPermission(ctx context.Context, profile, identity string, path vecfs.VRPath, mode vecfs.Mode) (bool, error)
}

// PaymentVerifier checks a subscriber's payment proof against an
// invoice. A wallet/on-chain settlement client is out of scope (spec.md
// §1); this interface is the boundary the core calls across.
type PaymentVerifier interface {
	VerifyPayment(ctx context.Context, invoiceID string, proof []byte) (bool, error)
}

// Downloader fetches a manifest entry's bytes given its signed URL, for
// entries that are not gs:// references (e.g. a streamer on a plain HTTP
// object store). Grounded on embeddings/http.go's klient usage.
type Downloader interface {
	Download(ctx context.Context, signedURL string) ([]byte, error)
}

// Config wires a Manager's collaborators.
type Config struct {
	Store    store.Store
	Bus      eventbus.Bus
	VecFS    VecFSAccessor
	Objects  ObjectStore
	HTTP     Downloader
	Verifier PaymentVerifier

	// NodeName identifies this node as a manifest signer.
	NodeName   string
	SigningKey ed25519.PrivateKey

	UploadInterval time.Duration
	RetryPolicy    retry.Policy

	Logger telemetry.Logger
	Tracer telemetry.Tracer

	Now func() time.Time
}

// Manager implements spec.md §4.K's two state machines plus the upload
// scheduler.
type Manager struct {
	cfg Config

	mu       sync.Mutex
	syncLock map[string]*sync.Mutex // inbound key -> stripe lock (invariant i)
}

// New constructs a Manager from cfg.
func New(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Bus == nil {
		return nil, errors.New("bus is required")
	}
	if cfg.VecFS == nil {
		return nil, errors.New("vecfs is required")
	}
	if cfg.UploadInterval <= 0 {
		cfg.UploadInterval = DefaultUploadInterval
	}
	if cfg.RetryPolicy == nil {
		cfg.RetryPolicy = retry.DefaultLLMPolicy
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NewNoopLogger()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.NewNoopTracer()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{cfg: cfg, syncLock: make(map[string]*sync.Mutex)}, nil
}

func (m *Manager) stripeFor(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.syncLock[key]
	if !ok {
		l = &sync.Mutex{}
		m.syncLock[key] = l
	}
	return l
}

// Storage key helpers. Record fields are joined with "_"; the profile, node
// name and folder path are embedded as given, without sanitization, so a
// folder path keeps its "/" separators.
func outboundKey(profile, folderPath string) string {
	return fmt.Sprintf("outbound_sub_%s_%s_prefix_", profile, folderPath)
}

func inboundKey(subscriberProfile, streamerNode, folderPath string) string {
	return fmt.Sprintf("inbound_sub_%s_%s_%s_prefix_", subscriberProfile, streamerNode, folderPath)
}

func invoiceKey(id string) string        { return "tool_micropayments_tool_invoice_" + id + "_prefix_" }
func internalInvoiceKey(id string) string { return "tool_micropayments_internal_invoice_" + id + "_prefix_" }

func (m *Manager) getOutbound(ctx context.Context, profile, folderPath string) (*OutboundShare, bool, error) {
	raw, ok, err := m.cfg.Store.Get(ctx, store.CFSubscriptions, outboundKey(profile, folderPath))
	if err != nil || !ok {
		return nil, ok, err
	}
	var share OutboundShare
	if err := json.Unmarshal(raw, &share); err != nil {
		return nil, false, shinkaierrors.Wrap(shinkaierrors.KindStoreCorrupted, "decode outbound share", err)
	}
	return &share, true, nil
}

func (m *Manager) putOutbound(ctx context.Context, share *OutboundShare) error {
	raw, err := json.Marshal(share)
	if err != nil {
		return shinkaierrors.Wrap(shinkaierrors.KindMalformed, "encode outbound share", err)
	}
	return m.cfg.Store.Put(ctx, store.CFSubscriptions, outboundKey(share.Profile, share.FolderPath), raw)
}

func (m *Manager) getInbound(ctx context.Context, subscriberProfile, streamerNode, folderPath string) (*InboundSubscription, bool, error) {
	raw, ok, err := m.cfg.Store.Get(ctx, store.CFSubscriptions, inboundKey(subscriberProfile, streamerNode, folderPath))
	if err != nil || !ok {
		return nil, ok, err
	}
	var sub InboundSubscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, false, shinkaierrors.Wrap(shinkaierrors.KindStoreCorrupted, "decode inbound subscription", err)
	}
	return &sub, true, nil
}

func (m *Manager) putInbound(ctx context.Context, sub *InboundSubscription) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return shinkaierrors.Wrap(shinkaierrors.KindMalformed, "encode inbound subscription", err)
	}
	if err := m.cfg.Store.Put(ctx, store.CFSubscriptions, inboundKey(sub.SubscriberProfile, sub.StreamerNode, sub.FolderPath), raw); err != nil {
		return err
	}
	_ = m.cfg.Bus.Publish(ctx, eventbus.SubscriptionChangedEvent{
		Streamer:   sub.StreamerNode,
		FolderPath: sub.FolderPath,
		State:      string(sub.State),
	})
	return nil
}

// contentHash deterministically hashes a vector resource's content for
// manifest delta computation and post-download verification (spec.md
// §4.K "identified by content hash" / "verifying each against its
// advertised hash").
func contentHash(resource *vecfs.BaseVectorResource) string {
	if resource == nil {
		return ""
	}
	h := sha256.New()
	h.Write([]byte(resource.ResourceID))
	h.Write([]byte(resource.Name))
	for _, n := range resource.Nodes {
		h.Write([]byte(n.Key))
		h.Write([]byte(n.Content))
	}
	return hex.EncodeToString(h.Sum(nil))
}
