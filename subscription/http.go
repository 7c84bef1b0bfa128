package subscription

import (
	"context"
	"io"
	"net/http"

	"github.com/worldline-go/klient"

	"github.com/shinkai-labs/shinkai-node/internal/shinkaierrors"
)

// HTTPDownloader fetches manifest entries and item bytes over plain
// HTTP(S) signed URLs, grounded on embeddings/http.go's klient
// construction.
type HTTPDownloader struct {
	client *klient.Client
}

// NewHTTPDownloader constructs a Downloader with no base URL — every
// call supplies a full signed URL (spec.md §4.K "downloads missing
// items").
func NewHTTPDownloader() (*HTTPDownloader, error) {
	client, err := klient.New(klient.WithDisableEnvValues(true))
	if err != nil {
		return nil, shinkaierrors.Wrap(shinkaierrors.KindConfigMissing, "construct subscription http client", err)
	}
	return &HTTPDownloader{client: client}, nil
}

func (d *HTTPDownloader) Download(ctx context.Context, signedURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, signedURL, nil)
	if err != nil {
		return nil, shinkaierrors.Wrap(shinkaierrors.KindMalformed, "build download request", err)
	}
	var data []byte
	if err := d.client.Do(req, func(r *http.Response) error {
		if r.StatusCode >= 300 {
			return shinkaierrors.New(shinkaierrors.KindNetworkTimeout, "download failed: "+r.Status)
		}
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		data = raw
		return nil
	}); err != nil {
		return nil, shinkaierrors.Wrap(shinkaierrors.KindNetworkTimeout, "download request", err)
	}
	return data, nil
}
