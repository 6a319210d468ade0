package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	appLog "calfetch/internal/log"
	"calfetch/internal/model"
)

const defaultTimeout = 15 * time.Second

// FetchResult contains the outcome of fetching a single ICS feed.
type FetchResult struct {
	URL       string
	Body      []byte // ICS payload (either freshly fetched or from cache)
	FromCache bool   // true if we reused the cached body
}

// cacheEntry holds HTTP cache metadata for a single ICS URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Client fetches ICS feeds with HTTP caching (ETag / Last-Modified). The
// last good body is kept on disk to answer 304 revalidations.
type Client struct {
	base     http.RoundTripper
	timeout  time.Duration
	cacheDir string
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithTransport replaces the underlying round tripper (default http.DefaultTransport).
func WithTransport(rt http.RoundTripper) ClientOption {
	return func(c *Client) { c.base = rt }
}

// WithTimeout bounds a single request.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// NewClient creates a new ICS Client.
//
// cacheDir is the base directory where per-URL cache subdirectories and
// metadata will be stored. An empty cacheDir disables the disk cache.
func NewClient(cacheDir string, opts ...ClientOption) *Client {
	c := &Client{
		base:     http.DefaultTransport,
		timeout:  defaultTimeout,
		cacheDir: cacheDir,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch fetches a single ICS feed, honoring ETag and Last-Modified. The
// cached body is only served for 304 Not Modified; any other failure is an
// error.
func (c *Client) Fetch(ctx context.Context, r model.Request) (FetchResult, error) {
	if r.URL == "" {
		return FetchResult{}, errors.New("source URL is empty")
	}

	transport, err := NewTransport(r.Auth, c.base)
	if err != nil {
		return FetchResult{}, err
	}
	client := &http.Client{Transport: transport, Timeout: c.timeout}

	var (
		cachePath  string
		meta       cacheEntry
		cachedBody []byte
	)
	if c.cacheDir != "" {
		cachePath = c.cachePathForURL(r.URL)
		if err := os.MkdirAll(cachePath, 0o700); err != nil {
			return FetchResult{}, err
		}
		meta, _ = c.loadCacheMeta(cachePath)
		cachedBody, _ = c.loadCacheBody(cachePath)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return FetchResult{}, err
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	// net/http negotiates gzip transparently unless Accept-Encoding is set.
	if !r.Gzip {
		req.Header.Set("Accept-Encoding", "identity")
	}

	// Conditional headers only make sense when we can serve the cached body.
	if len(cachedBody) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	appLog.Debug("ics fetch start", "url", RedactURL(r.URL))

	resp, err := client.Do(req)
	if err != nil {
		return FetchResult{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return FetchResult{}, readErr
		}

		if cachePath != "" {
			newMeta := cacheEntry{
				URL:          r.URL,
				ETag:         resp.Header.Get("ETag"),
				LastModified: resp.Header.Get("Last-Modified"),
			}
			if err := c.saveCache(cachePath, newMeta, body); err != nil {
				// Log but still return the freshly fetched body.
				appLog.Error("ics cache save failed", err, "url", RedactURL(r.URL))
			}
		}

		appLog.Debug("ics fetch success", "url", RedactURL(r.URL), "status", resp.StatusCode, "bytes", len(body))
		return FetchResult{URL: r.URL, Body: body}, nil

	case http.StatusNotModified:
		if len(cachedBody) == 0 {
			return FetchResult{}, errors.New("received 304 Not Modified but no cached body available")
		}
		appLog.Debug("ics fetch not modified; using cache", "url", RedactURL(r.URL))
		return FetchResult{URL: r.URL, Body: cachedBody, FromCache: true}, nil

	default:
		// Failures are reported, never papered over with the cached body:
		// the caller keeps its last good list itself.
		return FetchResult{}, fmt.Errorf("ics fetch: %s", resp.Status)
	}
}

func (c *Client) cachePathForURL(url string) string {
	sum := sha256.Sum256([]byte(url))
	// Use first 16 hex chars as directory name.
	return filepath.Join(c.cacheDir, hex.EncodeToString(sum[:8]))
}

func (c *Client) loadCacheMeta(cachePath string) (cacheEntry, error) {
	var meta cacheEntry
	data, err := os.ReadFile(filepath.Join(cachePath, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheEntry{}, err
	}
	return meta, nil
}

func (c *Client) loadCacheBody(cachePath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(cachePath, "body.ics"))
}

func (c *Client) saveCache(cachePath string, meta cacheEntry, body []byte) error {
	// Write body first so meta never points at missing body.
	if err := os.WriteFile(filepath.Join(cachePath, "body.ics"), body, 0o600); err != nil {
		return err
	}

	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(cachePath, "meta.json"), data, 0o600)
}

// RedactURL hides sensitive parts of a feed URL for logging purposes.
//
//	https://example.com/path/to/private.ics?token=abcd
//	-> https://example.com/...(redacted)
func RedactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	scheme, rest, ok := strings.Cut(u, "://")
	if !ok {
		return "ics://...(redacted)"
	}
	// Drop userinfo, keep scheme://host.
	host := rest
	if i := strings.IndexAny(host, "/?#"); i >= 0 {
		host = host[:i]
	}
	if at := strings.LastIndex(host, "@"); at >= 0 {
		host = host[at+1:]
	}
	return scheme + "://" + host + redactedSuffix
}
