package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// IsRemote reports whether p is an http(s) URL rather than a local path.
func IsRemote(p string) bool {
	return strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://")
}

// Fetcher downloads remote inputs and generation results to local files.
type Fetcher struct {
	client    *http.Client
	retryBase time.Duration
}

func NewFetcher() *Fetcher {
	return &Fetcher{
		client:    &http.Client{Timeout: downloadTimeout},
		retryBase: baseRetryDelay,
	}
}

// Fetch streams url into dst, retrying transient failures. A partial file
// is removed on failure.
func (f *Fetcher) Fetch(ctx context.Context, url, dst string) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("download cancelled: %w", ctx.Err())
			case <-time.After(retryDelay(f.retryBase, attempt)):
			}
		}

		retry, err := f.fetchOnce(ctx, url, dst)
		if err == nil {
			return nil
		}
		os.Remove(dst)
		lastErr = err
		if !retry {
			return err
		}
	}
	return fmt.Errorf("download failed after %d attempts: %w", maxRetries+1, lastErr)
}

func (f *Fetcher) fetchOnce(ctx context.Context, url, dst string) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return isRetryableError(err) && ctx.Err() == nil, fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return isRetryableStatus(resp.StatusCode), fmt.Errorf("download returned status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	out, err := os.Create(dst)
	if err != nil {
		return false, err
	}
	n, err := io.Copy(out, resp.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return isRetryableError(err), fmt.Errorf("failed to write download: %w", err)
	}
	if n == 0 {
		return false, fmt.Errorf("downloaded file is empty")
	}
	return false, nil
}
