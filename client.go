// Package tardisgo replays historical tick-level cryptocurrency
// market-data messages for a named venue and time range, via a lazy,
// time-ordered sequence of (local_timestamp, message) records sourced from
// a remote HTTP data service and mediated by a local on-disk cache.
package tardisgo

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tardisgo/internal/cache"
	"tardisgo/internal/errs"
	"tardisgo/internal/fetcher"
	"tardisgo/internal/manifest"
	"tardisgo/internal/replay"
	"tardisgo/internal/slice"
)

// Filter narrows a replay to one channel and, optionally, a set of
// symbols. An empty Symbols slice means "all symbols for that channel".
type Filter = slice.Filter

// Record is the decoded form of a single replayed message: a UTC
// local_timestamp and the opaque JSON body as received.
type Record = replay.Record

const (
	defaultBaseURL     = "https://api.tardis.dev/v1/data-feeds"
	defaultConcurrency = 6
	defaultWindow      = 16
)

// Client replays historical market data. Build one with NewClient.
type Client struct {
	apiKey      string
	cacheDir    string
	baseURL     string
	concurrency int
	window      int
	httpClient  *http.Client

	store        *cache.Store
	fetcher      *fetcher.Fetcher
	manifest     *manifest.Manifest
	manifestPath string
}

// Option configures a Client built by NewClient.
type Option func(*Client)

// WithAPIKey sets the Authorization: Bearer token sent with every request.
func WithAPIKey(key string) Option { return func(c *Client) { c.apiKey = key } }

// WithCacheDir overrides the on-disk cache root (default: the OS temp
// directory joined with ".tardis-cache").
func WithCacheDir(dir string) Option { return func(c *Client) { c.cacheDir = dir } }

// WithBaseURL overrides the remote data-feed base URL.
func WithBaseURL(url string) Option { return func(c *Client) { c.baseURL = url } }

// WithConcurrency overrides the Replay Pipeline's worker-pool size.
func WithConcurrency(n int) Option { return func(c *Client) { c.concurrency = n } }

// WithWindow overrides the Replay Pipeline's prefetch window size.
func WithWindow(n int) Option { return func(c *Client) { c.window = n } }

// WithHTTPClient overrides the HTTP client used for slice fetches.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.httpClient = hc } }

func defaultCacheDir() string {
	return filepath.Join(os.TempDir(), ".tardis-cache")
}

// NewClient builds a Client, opening (and creating if absent) its cache
// directory and supplemental manifest database.
func NewClient(opts ...Option) (*Client, error) {
	c := &Client{
		cacheDir:    defaultCacheDir(),
		baseURL:     defaultBaseURL,
		concurrency: defaultConcurrency,
		window:      defaultWindow,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.store = cache.New(c.cacheDir)
	f := fetcher.New(c.store, c.baseURL, c.apiKey)
	if c.httpClient != nil {
		f.HTTPClient = c.httpClient
	}

	if err := os.MkdirAll(c.cacheDir, 0o755); err != nil {
		return nil, errs.New(errs.KindIO, "create cache dir", err)
	}
	c.manifestPath = filepath.Join(c.cacheDir, "manifest.db")
	m, err := manifest.Open(c.manifestPath)
	if err != nil {
		return nil, err
	}
	f.Manifest = m

	c.manifest = m
	c.fetcher = f
	return c, nil
}

// Replay returns a lazy, time-ordered stream of records for exchange over
// [fromDate, toDate), optionally narrowed by filters. fromDate and toDate
// accept an ISO-8601 date (treated as midnight UTC) or a full RFC3339
// datetime.
func (c *Client) Replay(ctx context.Context, exchange, fromDate, toDate string, filters ...Filter) (*replay.Stream, error) {
	if strings.TrimSpace(exchange) == "" {
		return nil, errs.New(errs.KindInvalidArgument, "exchange must not be empty", nil)
	}

	from, err := parseDate(fromDate)
	if err != nil {
		return nil, errs.New(errs.KindInvalidArgument, "invalid from_date "+fromDate, err)
	}
	to, err := parseDate(toDate)
	if err != nil {
		return nil, errs.New(errs.KindInvalidArgument, "invalid to_date "+toDate, err)
	}
	if !from.Before(to) {
		return nil, errs.New(errs.KindInvalidArgument, "from must be before to", nil)
	}

	return replay.NewStream(ctx, c.fetcher, strings.ToLower(exchange), from, to, filters, c.concurrency, c.window), nil
}

// parseDate accepts "YYYY-MM-DD" (midnight UTC) or a full RFC3339 instant.
func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// ClearCache deletes every cached slice and resets the supplemental
// manifest. Safe to call while no replay is in progress.
func (c *Client) ClearCache() error {
	if c.manifest != nil {
		c.manifest.Close()
	}
	if err := c.store.Clear(); err != nil {
		return err
	}
	if err := os.MkdirAll(c.cacheDir, 0o755); err != nil {
		return errs.New(errs.KindIO, "recreate cache dir", err)
	}

	m, err := manifest.Open(c.manifestPath)
	if err != nil {
		return err
	}
	c.manifest = m
	c.fetcher.Manifest = m
	return nil
}

// CacheStats reports aggregate bookkeeping over fetched slices: count,
// total bytes, and oldest/newest fetch time. It has no bearing on replay
// correctness, only observability.
func (c *Client) CacheStats(ctx context.Context) (manifest.Stats, error) {
	return c.manifest.Stats(ctx)
}
