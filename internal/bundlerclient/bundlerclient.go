// Package bundlerclient uploads compressed rollup bundles to the external
// bundler (permanent object store) service and retrieves them back for
// trailer verification, retrying uploads with exponential backoff.
package bundlerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/meridiandb/node/internal/apierrors"
)

// Client uploads and fetches rollup bundles from the bundler service.
type Client struct {
	endpoint string
	http     *retryablehttp.Client
}

// NewClient constructs a Client against endpoint with up to maxRetries
// retries after the first attempt and a per-attempt timeout.
func NewClient(endpoint string, timeout time.Duration, maxRetries int) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = maxRetries
	rc.HTTPClient.Timeout = timeout

	return &Client{endpoint: endpoint, http: rc}
}

type uploadResponse struct {
	BlobID string `json:"blob_id"`
	Cost   int64  `json:"cost"`
}

// Upload sends the compressed bundle bytes to the bundler and returns an
// opaque blob id plus the storage cost the bundler charged. Duplicate
// uploads are safe because the bundler address is content-derived:
// retrying an upload that already landed is a no-op on the bundler side.
func (c *Client) Upload(ctx context.Context, bundle []byte) (blobID string, cost int64, err error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/bundles", bytes.NewReader(bundle))
	if err != nil {
		return "", 0, apierrors.BundlerUnavailable("bundlerclient: build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", 0, apierrors.BundlerUnavailable("bundlerclient: upload: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", 0, apierrors.BundlerUnavailable("bundlerclient: upload returned status %d", resp.StatusCode)
	}

	var ur uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&ur); err != nil {
		return "", 0, apierrors.BundlerUnavailable("bundlerclient: decode upload response: %v", err)
	}
	return ur.BlobID, ur.Cost, nil
}

// Fetch retrieves a previously uploaded bundle by its blob id.
func (c *Client) Fetch(ctx context.Context, blobID string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/bundles/"+blobID, nil)
	if err != nil {
		return nil, apierrors.BundlerUnavailable("bundlerclient: build request: %v", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apierrors.BundlerUnavailable("bundlerclient: fetch: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apierrors.BundlerUnavailable("bundlerclient: fetch returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierrors.BundlerUnavailable("bundlerclient: read fetch body: %v", err)
	}
	return data, nil
}
