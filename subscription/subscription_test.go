package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shinkai-labs/shinkai-node/eventbus"
	"github.com/shinkai-labs/shinkai-node/internal/shinkaierrors"
	"github.com/shinkai-labs/shinkai-node/store/inmem"
	"github.com/shinkai-labs/shinkai-node/vecfs"
)

// memObjectStore is an in-memory ObjectStore used by tests in place of
// GCS, grounded on the same map-backed fake pattern as store/inmem.
type memObjectStore struct {
	objects map[string][]byte
}

func newMemObjectStore() *memObjectStore { return &memObjectStore{objects: make(map[string][]byte)} }

func (m *memObjectStore) Upload(ctx context.Context, bucket, key string, data []byte, expiry time.Time) (string, error) {
	url := "mem://" + bucket + "/" + key
	m.objects[url] = append([]byte(nil), data...)
	return url, nil
}

func (m *memObjectStore) Download(ctx context.Context, signedURL string) ([]byte, error) {
	data, ok := m.objects[signedURL]
	if !ok {
		return nil, shinkaierrors.New(shinkaierrors.KindPathNotFound, "object not found")
	}
	return data, nil
}

// stubStreamer plays the streamer side of sync: it serves whatever
// manifest the test installs and answers invoice requests from an
// injected Manager.
type stubStreamer struct {
	manifest    *Manifest
	streamerMgr *Manager
	streamerProfile string
	folderPath  string
}

func (s *stubStreamer) FetchManifest(ctx context.Context, streamerNode, folderPath string) (*Manifest, error) {
	return s.manifest, nil
}

func (s *stubStreamer) RequestInvoice(ctx context.Context, streamerNode, folderPath, requesterName string) (*Invoice, error) {
	return s.streamerMgr.CreateInvoice(ctx, requesterName, folderPath)
}

func newTestManager(t *testing.T, objects ObjectStore) (*Manager, *vecfs.FS) {
	t.Helper()
	st := inmem.New()
	bus := eventbus.New()
	fs := vecfs.New(st, bus, nil)
	mgr, err := New(Config{
		Store:   st,
		Bus:     bus,
		VecFS:   fs,
		Objects: objects,
		Now:     time.Now,
	})
	require.NoError(t, err)
	return mgr, fs
}

func mkResource(id, content string) *vecfs.BaseVectorResource {
	return &vecfs.BaseVectorResource{
		ResourceID: id,
		Kind:       vecfs.ResourceDocument,
		Nodes:      []vecfs.ResourceNode{{Content: content}},
	}
}

// TestFreeHTTPSubscriptionSync exercises spec.md §8 scenario 3: a free,
// HTTP-shared folder with two files syncs fully into the subscriber's
// VecFS and the subscription lands in SyncDone.
func TestFreeHTTPSubscriptionSync(t *testing.T) {
	ctx := context.Background()
	objects := newMemObjectStore()

	streamerMgr, streamerFS := newTestManager(t, objects)
	require.NoError(t, streamerFS.CreateFolder(ctx, "alice", "alice", "/", "shared_test_folder"))
	require.NoError(t, streamerFS.InsertItem(ctx, "alice", "alice", "/shared_test_folder", "shinkai_intro.pdf", mkResource("r1", "intro"), nil))
	require.NoError(t, streamerFS.InsertItem(ctx, "alice", "alice", "/shared_test_folder", "zeko_mini.pdf", mkResource("r2", "zeko"), nil))
	require.NoError(t, streamerMgr.ShareFolder(ctx, "alice", "alice", "/shared_test_folder", SubscriptionRequest{Free: true, HTTP: true}))
	require.NoError(t, streamerMgr.RunUploadCycle(ctx, "alice", "/shared_test_folder", "test-bucket"))

	share, ok, err := streamerMgr.GetOutboundShare(ctx, "alice", "/shared_test_folder")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, share.LastManifest)
	require.Len(t, share.LastManifest.Entries, 2)

	subMgr, subFS := newTestManager(t, objects)
	require.NoError(t, subFS.CreateFolder(ctx, "bob", "bob", "/", "shared_test_folder"))

	streamer := &stubStreamer{manifest: share.LastManifest}
	sub, err := subMgr.RequestSubscription(ctx, "bob", "alice", "/shared_test_folder", PaymentOption{Free: true}, streamer)
	require.NoError(t, err)
	require.Equal(t, InboundSyncing, sub.State)

	require.NoError(t, subMgr.SyncOnce(ctx, "bob", "alice", "/shared_test_folder", streamer))

	got, err := subFS.RetrieveFolder(ctx, "bob", "bob", "/shared_test_folder", 1)
	require.NoError(t, err)
	require.Len(t, got.Children, 2)

	final, ok, err := subMgr.GetInboundSubscription(ctx, "bob", "alice", "/shared_test_folder")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, InboundSyncDone, final.State)
	require.Zero(t, final.ConsecutiveFailures)
}

// TestPaidInvoiceRoundTrip exercises spec.md §8 scenario 4: an invoice
// transitions Pending -> Paid exactly once, and a second payment attempt
// is rejected.
func TestPaidInvoiceRoundTrip(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t, nil)
	mgr.cfg.Verifier = alwaysVerify{}

	inv, err := mgr.CreateInvoice(ctx, "bob", "/paid_folder")
	require.NoError(t, err)
	require.Equal(t, InvoicePending, inv.Status)

	paid, err := mgr.PayInvoice(ctx, inv.InvoiceID, []byte("proof"))
	require.NoError(t, err)
	require.Equal(t, InvoicePaid, paid.Status)

	_, err = mgr.PayInvoice(ctx, inv.InvoiceID, []byte("proof-again"))
	require.Error(t, err)
	require.True(t, shinkaierrors.Is(err, shinkaierrors.KindVersionConflict))
}

type alwaysVerify struct{}

func (alwaysVerify) VerifyPayment(ctx context.Context, invoiceID string, proof []byte) (bool, error) {
	return true, nil
}

func TestShareFolderRequiresWritePermission(t *testing.T) {
	ctx := context.Background()
	mgr, fs := newTestManager(t, nil)
	require.NoError(t, fs.CreateFolder(ctx, "alice", "alice", "/", "docs"))
	err := mgr.ShareFolder(ctx, "alice", "mallory", "/docs", SubscriptionRequest{Free: true})
	require.True(t, shinkaierrors.Is(err, shinkaierrors.KindPermissionDenied))
}

func TestDuplicateSubscriptionRejected(t *testing.T) {
	ctx := context.Background()
	mgr, fs := newTestManager(t, nil)
	require.NoError(t, fs.CreateFolder(ctx, "bob", "bob", "/", "f"))
	streamer := &stubStreamer{manifest: &Manifest{FolderPath: "/f"}}
	_, err := mgr.RequestSubscription(ctx, "bob", "alice", "/f", PaymentOption{Free: true}, streamer)
	require.NoError(t, err)
	_, err = mgr.RequestSubscription(ctx, "bob", "alice", "/f", PaymentOption{Free: true}, streamer)
	require.True(t, shinkaierrors.Is(err, shinkaierrors.KindDuplicateSubscription))
}
