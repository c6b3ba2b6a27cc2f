package assets

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	defaultFetchTimeout = 60 * time.Second
	defaultProbeTimeout = 2 * time.Second
	maxAssetSize        = 512 << 20
)

// Fetcher downloads asset blobs from the network
type Fetcher interface {
	Fetch(ctx context.Context, asset Asset) ([]byte, error)
}

// Probe reports whether the network is currently reachable
type Probe interface {
	Online(ctx context.Context) bool
}

// StaticProbe always reports the same availability
type StaticProbe bool

func (p StaticProbe) Online(context.Context) bool {
	return bool(p)
}

// HTTPFetcher downloads assets with plain GET requests
type HTTPFetcher struct {
	client *http.Client
	logger *zap.Logger
}

// NewHTTPFetcher creates a fetcher. A nil client gets a default timeout.
func NewHTTPFetcher(client *http.Client, logger *zap.Logger) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: defaultFetchTimeout}
	}
	return &HTTPFetcher{client: client, logger: logger}
}

// Fetch implements Fetcher
func (f *HTTPFetcher) Fetch(ctx context.Context, asset Asset) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("asset server returned %d: %s", resp.StatusCode, string(body))
	}

	blob, err := io.ReadAll(io.LimitReader(resp.Body, maxAssetSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read asset body: %w", err)
	}

	f.logger.Debug("Fetched asset",
		zap.String("asset", asset.Key().String()),
		zap.Int("bytes", len(blob)))
	return blob, nil
}

// HTTPProbe checks connectivity with a HEAD request to a known URL
type HTTPProbe struct {
	url    string
	client *http.Client
}

// NewHTTPProbe creates a probe against url
func NewHTTPProbe(url string, timeout time.Duration) *HTTPProbe {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	return &HTTPProbe{url: url, client: &http.Client{Timeout: timeout}}
}

// Online implements Probe. Any HTTP response counts as reachable.
func (p *HTTPProbe) Online(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}
