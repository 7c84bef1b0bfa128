package subscription

import (
	"context"

	"github.com/shinkai-labs/shinkai-node/internal/shinkaierrors"
	"github.com/shinkai-labs/shinkai-node/retry"
	"github.com/shinkai-labs/shinkai-node/vecfs"
)

// StreamerClient is the narrow surface a subscriber uses to reach the
// streamer node: fetch its current manifest, and (for paid folders)
// request an invoice. The peer transport itself (libp2p, or the
// Message Envelope over it) is out of scope (spec.md §1); this
// interface is the boundary the core calls across.
type StreamerClient interface {
	FetchManifest(ctx context.Context, streamerNode, folderPath string) (*Manifest, error)
	RequestInvoice(ctx context.Context, streamerNode, folderPath, requesterName string) (*Invoice, error)
}

// RequestSubscription starts an inbound subscription to
// streamerNode's folderPath. Free subscriptions skip the invoice
// phases and land directly in Syncing; paid ones land in
// AwaitingInvoice until the streamer issues an invoice (spec.md §4.K
// "Free subscriptions skip the invoice phases").
func (m *Manager) RequestSubscription(ctx context.Context, subscriberProfile, streamerNode, folderPath string, opt PaymentOption, streamer StreamerClient) (*InboundSubscription, error) {
	if existing, ok, err := m.getInbound(ctx, subscriberProfile, streamerNode, folderPath); err != nil {
		return nil, err
	} else if ok && existing.State != InboundFailed {
		return nil, shinkaierrors.New(shinkaierrors.KindDuplicateSubscription, "subscription already exists for this folder")
	}

	sub := &InboundSubscription{
		SubscriberProfile: subscriberProfile,
		StreamerNode:      streamerNode,
		FolderPath:        folderPath,
		PaymentOption:     opt,
		HTTPPreferred:     true,
		State:             InboundRequesting,
	}
	if opt.Free {
		sub.State = InboundSyncing
	} else {
		inv, err := streamer.RequestInvoice(ctx, streamerNode, folderPath, subscriberProfile)
		if err != nil {
			return nil, shinkaierrors.Wrap(shinkaierrors.KindNetworkTimeout, "request invoice", err)
		}
		sub.InvoiceID = inv.InvoiceID
		sub.State = InboundAwaitingInvoice
	}
	if err := m.putInbound(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// AdvancePaid moves a paid subscription from AwaitingInvoice/Paying to
// Syncing once its invoice is Paid (spec.md §8 scenario 4 "streamer
// observes payment ... then accepts sync").
func (m *Manager) AdvancePaid(ctx context.Context, subscriberProfile, streamerNode, folderPath string, getInvoice func(ctx context.Context, invoiceID string) (*Invoice, error)) (*InboundSubscription, error) {
	sub, ok, err := m.getInbound(ctx, subscriberProfile, streamerNode, folderPath)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, shinkaierrors.New(shinkaierrors.KindInvoiceNotFound, "no inbound subscription")
	}
	if sub.State != InboundAwaitingInvoice && sub.State != InboundPaying {
		return sub, nil
	}
	inv, err := getInvoice(ctx, sub.InvoiceID)
	if err != nil {
		return nil, err
	}
	switch inv.Status {
	case InvoicePaid:
		sub.State = InboundSyncing
	case InvoiceFailed:
		sub.State = InboundFailed
	default:
		sub.State = InboundPaying
	}
	if err := m.putInbound(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// GetInboundSubscription returns the current inbound record, if any.
func (m *Manager) GetInboundSubscription(ctx context.Context, subscriberProfile, streamerNode, folderPath string) (*InboundSubscription, bool, error) {
	return m.getInbound(ctx, subscriberProfile, streamerNode, folderPath)
}

// SyncOnce runs one sync cycle for sub: fetch the streamer's manifest,
// diff against local state, download and verify missing/changed items,
// and insert them into the subscriber's VecFS under folderPath. At most
// one concurrent sync per (streamer, folder) runs at a time (spec.md §8,
// invariant i); a second call while one is in flight blocks on the
// stripe lock rather than racing it.
func (m *Manager) SyncOnce(ctx context.Context, subscriberProfile, streamerNode, folderPath string, streamer StreamerClient) error {
	sub, ok, err := m.getInbound(ctx, subscriberProfile, streamerNode, folderPath)
	if err != nil {
		return err
	}
	if !ok {
		return shinkaierrors.New(shinkaierrors.KindInvoiceNotFound, "no inbound subscription")
	}
	if sub.State != InboundSyncing {
		return nil
	}

	lock := m.stripeFor(sub.key())
	lock.Lock()
	defer lock.Unlock()

	err = retry.Do(ctx, m.cfg.RetryPolicy, shinkaierrors.Retriable, func(ctx context.Context) error {
		return m.syncCycle(ctx, sub, streamer)
	})
	if err != nil {
		sub.ConsecutiveFailures++
		sub.RetryCount++
		if sub.ConsecutiveFailures >= MaxConsecutiveFailures {
			sub.State = InboundFailed
		}
		_ = m.putInbound(ctx, sub)
		return err
	}
	sub.ConsecutiveFailures = 0
	sub.State = InboundSyncDone
	sub.LastSyncTime = m.cfg.Now()
	return m.putInbound(ctx, sub)
}

// syncCycle performs the actual fetch-diff-download-verify-insert work,
// observing the manifest as it stood at cycle start (spec.md §5
// "a cycle observes the manifest at cycle start").
func (m *Manager) syncCycle(ctx context.Context, sub *InboundSubscription, streamer StreamerClient) error {
	manifest, err := streamer.FetchManifest(ctx, sub.StreamerNode, sub.FolderPath)
	if err != nil {
		return shinkaierrors.Wrap(shinkaierrors.KindNetworkTimeout, "fetch manifest", err)
	}

	local, err := m.localHashes(ctx, sub)
	if err != nil {
		return err
	}

	for _, entry := range manifest.Entries {
		if existingHash, ok := local[entry.Path]; ok && existingHash == entry.ContentHash {
			continue
		}
		if err := m.downloadAndInsert(ctx, sub, entry); err != nil {
			return err
		}
	}
	return nil
}

// localHashes returns path -> content hash for every item already
// present under the subscriber's mirrored folder.
func (m *Manager) localHashes(ctx context.Context, sub *InboundSubscription) (map[string]string, error) {
	out := make(map[string]string)
	folder, err := m.cfg.VecFS.RetrieveFolder(ctx, sub.SubscriberProfile, sub.SubscriberProfile, vecfs.VRPath(sub.FolderPath), -1)
	if err != nil {
		if shinkaierrors.Is(err, shinkaierrors.KindPathNotFound) {
			return out, nil
		}
		return nil, err
	}
	var walk func(node *vecfs.Node, path string)
	walk = func(node *vecfs.Node, path string) {
		if node.Kind == vecfs.NodeItem {
			out[path] = contentHash(node.Resource)
			return
		}
		for _, name := range node.ChildOrder {
			if child, ok := node.Children[name]; ok {
				walk(child, path+"/"+name)
			}
		}
	}
	walk(folder, sub.FolderPath)
	return out, nil
}

// downloadAndInsert fetches one manifest entry's bytes, verifies its
// hash, and inserts it into the subscriber's VecFS. Downloaded items are
// only ever written under sub.FolderPath — a subscription never writes
// outside its designated inbound folder (spec.md §4.K invariant iii).
// VecFS.InsertItem itself is transactional at the path level (spec.md
// §4.D), which gives the "staging then rename" atomicity invariant ii
// asks for without this package re-implementing a temp-file dance.
func (m *Manager) downloadAndInsert(ctx context.Context, sub *InboundSubscription, entry ManifestEntry) error {
	data, err := m.fetchObject(ctx, entry.SignedURL)
	if err != nil {
		return err
	}
	resource, err := decodeResource(data)
	if err != nil {
		return err
	}
	if contentHash(resource) != entry.ContentHash {
		return shinkaierrors.New(shinkaierrors.KindMalformed, "downloaded item hash mismatch: "+entry.Path)
	}
	name := itemName(entry.Path)
	return m.cfg.VecFS.InsertItem(ctx, sub.SubscriberProfile, sub.SubscriberProfile, vecfs.VRPath(sub.FolderPath), name, resource, nil)
}

func (m *Manager) fetchObject(ctx context.Context, signedURL string) ([]byte, error) {
	if m.cfg.Objects != nil {
		if data, err := m.cfg.Objects.Download(ctx, signedURL); err == nil {
			return data, nil
		}
	}
	if m.cfg.HTTP != nil {
		return m.cfg.HTTP.Download(ctx, signedURL)
	}
	return nil, shinkaierrors.New(shinkaierrors.KindConfigMissing, "no object store or http downloader configured")
}

func itemName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
