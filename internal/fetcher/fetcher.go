// Package fetcher implements the Slice Fetcher: it ensures a slice address
// is present in the Cache Store by downloading and decompressing it from
// the remote service, with retry and authenticated request headers.
package fetcher

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"time"

	"tardisgo/internal/cache"
	"tardisgo/internal/circuitbreaker"
	"tardisgo/internal/errs"
	"tardisgo/internal/manifest"
	"tardisgo/internal/ratelimit"
	"tardisgo/internal/slice"
)

const (
	userAgent    = "tardisgo/1 (+https://github.com/tardis-dev/tardis-python)"
	initialDelay = 250 * time.Millisecond
	maxDelay     = 5 * time.Second
	maxAttempts  = 5
)

// Fetcher ensures slice addresses are present in a cache.Store.
type Fetcher struct {
	HTTPClient *http.Client
	Store      *cache.Store
	BaseURL    string
	APIKey     string
	Limiter    *ratelimit.Limiter
	Breakers   *circuitbreaker.Registry

	// Manifest is optional bookkeeping; when set, every successful fetch
	// records its size and timestamp for Client.CacheStats.
	Manifest *manifest.Manifest
}

// New builds a Fetcher with a default HTTP client, a 10 req/s rate limiter
// (burst 5), and a circuit breaker registry keyed per remote host.
func New(store *cache.Store, baseURL, apiKey string) *Fetcher {
	return &Fetcher{
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
		Store:      store,
		BaseURL:    baseURL,
		APIKey:     apiKey,
		Limiter:    ratelimit.New(5, 10),
		Breakers:   circuitbreaker.NewRegistry(isHostFailure, circuitbreaker.DefaultConfig()),
	}
}

// isHostFailure classifies an Ensure attempt's error for the circuit
// breaker: only KindUnavailable reflects on the remote host's health.
// Unauthorized/NotFound/BadRequest/InvalidArgument say something about the
// request, not the host, and must not trip the breaker.
func isHostFailure(err error) bool {
	var e *errs.Error
	if errors.As(err, &e) {
		return e.Kind == errs.KindUnavailable
	}
	return true
}

// hostOf extracts the breaker key from a base URL; a malformed base URL
// falls back to using the raw string itself as the key.
func hostOf(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return baseURL
	}
	return u.Host
}

// Ensure guarantees addr is present in the Cache Store, fetching it from
// the remote service if necessary. It returns nil once the slice is
// committed, or a terminal *errs.Error after exhausting retries.
func (f *Fetcher) Ensure(ctx context.Context, addr slice.Address) error {
	path := addr.CachePath(f.Store.Dir)
	if f.Store.Has(path) {
		return nil
	}

	remoteURL, err := addr.RemoteURL(f.BaseURL)
	if err != nil {
		return errs.New(errs.KindInvalidArgument, "build remote url", err)
	}

	var breaker *circuitbreaker.Breaker
	if f.Breakers != nil {
		breaker = f.Breakers.For(hostOf(f.BaseURL))
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoff(attempt)
			slog.Warn("retrying slice fetch", slog.String("slice", addr.String()), slog.Int("attempt", attempt), slog.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return errs.New(errs.KindIO, "fetch cancelled", ctx.Err())
			case <-time.After(delay):
			}
		}

		if breaker != nil && !breaker.Allow() {
			return errs.New(errs.KindUnavailable, "circuit breaker open for "+f.BaseURL, nil)
		}

		if f.Limiter != nil {
			if err := f.Limiter.Wait(ctx); err != nil {
				return errs.New(errs.KindIO, "rate limiter wait cancelled", err)
			}
		}

		err := f.attempt(ctx, remoteURL, path)
		if breaker != nil {
			breaker.Report(err)
		}
		if err == nil {
			return nil
		}

		var terminal *errs.Error
		if errors.As(err, &terminal) && terminal.Kind != errs.KindUnavailable {
			// Unauthorized, NotFound, BadRequest: no point retrying.
			return err
		}

		lastErr = err
	}

	return errs.New(errs.KindUnavailable, fmt.Sprintf("exhausted %d attempts for %s", maxAttempts, addr.String()), lastErr)
}

// attempt performs exactly one GET + decode + publish cycle.
func (f *Fetcher) attempt(ctx context.Context, remoteURL, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, remoteURL, nil)
	if err != nil {
		return errs.New(errs.KindInvalidArgument, "build request", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if f.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.APIKey)
	}

	resp, err := f.HTTPClient.Do(req)
	if err != nil {
		return errs.New(errs.KindUnavailable, "http request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode below
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errs.New(errs.KindUnauthorized, fmt.Sprintf("status %d from %s", resp.StatusCode, remoteURL), nil)
	case resp.StatusCode == http.StatusNotFound:
		return errs.New(errs.KindNotFound, fmt.Sprintf("status %d from %s", resp.StatusCode, remoteURL), nil)
	case resp.StatusCode >= 500:
		return errs.New(errs.KindUnavailable, fmt.Sprintf("status %d from %s", resp.StatusCode, remoteURL), nil)
	case resp.StatusCode >= 400:
		return errs.New(errs.KindBadRequest, fmt.Sprintf("status %d from %s", resp.StatusCode, remoteURL), nil)
	default:
		return errs.New(errs.KindUnavailable, fmt.Sprintf("unexpected status %d from %s", resp.StatusCode, remoteURL), nil)
	}

	gz, err := gzip.NewReader(resp.Body)
	if err != nil {
		return errs.New(errs.KindUnavailable, "open gzip stream", err)
	}
	defer gz.Close()

	if err := f.Store.Publish(path, gz); err != nil {
		// A read error mid-body surfaces here too (io.Copy inside Publish
		// returns it); treat as transient so the outer loop retries and
		// Publish has already discarded the partial temp file.
		return errs.New(errs.KindUnavailable, "publish slice", err)
	}

	if f.Manifest != nil {
		if info, statErr := os.Stat(path); statErr == nil {
			if err := f.Manifest.RecordFetch(ctx, path, info.Size(), time.Now().UTC()); err != nil {
				slog.Warn("manifest record failed", slog.String("path", path), slog.Any("err", err))
			}
		}
	}
	return nil
}

// backoff returns the delay before the given retry attempt (1-indexed):
// initialDelay * 2^(attempt-1), capped at maxDelay, plus a small jitter to
// avoid thundering-herd retries across concurrent fetch workers.
func backoff(attempt int) time.Duration {
	d := initialDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			d = maxDelay
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 4))
	return d + jitter
}
