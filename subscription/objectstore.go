package subscription

import (
	"context"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"

	"github.com/shinkai-labs/shinkai-node/internal/shinkaierrors"
)

// ObjectStore is the narrow object-storage contract the upload scheduler
// and sync downloader depend on, so a future S3 backend is a second
// adapter rather than a rewrite (SPEC_FULL.md §4.K addition).
type ObjectStore interface {
	// Upload writes data to bucket/key and returns a signed URL valid
	// until expiry.
	Upload(ctx context.Context, bucket, key string, data []byte, expiry time.Time) (signedURL string, err error)
	// Download fetches the object addressed by a previously issued signed
	// URL.
	Download(ctx context.Context, signedURL string) ([]byte, error)
}

// GCSObjectStore implements ObjectStore on top of Google Cloud Storage.
type GCSObjectStore struct {
	client *storage.Client
	// SignerEmail/PrivateKey: when both are set, Upload returns a signed
	// GET URL for the object; left empty, Upload returns the object's
	// gs:// reference instead (suitable for local/dev buckets with uniform
	// bucket-level access).
	SignerEmail string
	PrivateKey  []byte
}

// NewGCSObjectStore wraps an existing *storage.Client (constructed by the
// collaborator that owns GCP credentials; this package only consumes it).
func NewGCSObjectStore(client *storage.Client) *GCSObjectStore {
	return &GCSObjectStore{client: client}
}

func (g *GCSObjectStore) Upload(ctx context.Context, bucket, key string, data []byte, expiry time.Time) (string, error) {
	w := g.client.Bucket(bucket).Object(key).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", shinkaierrors.Wrap(shinkaierrors.KindNetworkTimeout, "gcs upload write", err)
	}
	if err := w.Close(); err != nil {
		return "", shinkaierrors.Wrap(shinkaierrors.KindNetworkTimeout, "gcs upload close", err)
	}
	if g.SignerEmail != "" && len(g.PrivateKey) > 0 {
		url, err := storage.SignedURL(bucket, key, &storage.SignedURLOptions{
			GoogleAccessID: g.SignerEmail,
			PrivateKey:     g.PrivateKey,
			Method:         "GET",
			Expires:        expiry,
		})
		if err != nil {
			return "", shinkaierrors.Wrap(shinkaierrors.KindNetworkTimeout, "gcs sign url", err)
		}
		return url, nil
	}
	return fmt.Sprintf("gs://%s/%s", bucket, key), nil
}

func (g *GCSObjectStore) Download(ctx context.Context, signedURL string) ([]byte, error) {
	bucket, key, ok := parseGSURL(signedURL)
	if !ok {
		return nil, shinkaierrors.New(shinkaierrors.KindMalformed, "object store: not a gs:// reference; use an HTTP downloader for signed URLs")
	}
	r, err := g.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, shinkaierrors.Wrap(shinkaierrors.KindNetworkTimeout, "gcs download open", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, shinkaierrors.Wrap(shinkaierrors.KindNetworkTimeout, "gcs download read", err)
	}
	return data, nil
}

func parseGSURL(u string) (bucket, key string, ok bool) {
	const prefix = "gs://"
	if len(u) <= len(prefix) || u[:len(prefix)] != prefix {
		return "", "", false
	}
	rest := u[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i], rest[i+1:], true
		}
	}
	return rest, "", true
}
