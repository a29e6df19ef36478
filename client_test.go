package tardisgo

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type roundTripFunc func(req *http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func gzipOf(s string) *bytesBody {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	gw.Write([]byte(s))
	gw.Close()
	return &bytesBody{Reader: bytes.NewReader(buf.Bytes())}
}

type bytesBody struct{ *bytes.Reader }

func (b *bytesBody) Close() error { return nil }

func newTestClient(t *testing.T, rt http.RoundTripper) *Client {
	t.Helper()
	c, err := NewClient(
		WithCacheDir(t.TempDir()),
		WithHTTPClient(&http.Client{Transport: rt}),
	)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestNewClientAppliesDefaults(t *testing.T) {
	c, err := NewClient(WithCacheDir(t.TempDir()))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if c.concurrency != defaultConcurrency || c.window != defaultWindow {
		t.Errorf("unexpected defaults: concurrency=%d window=%d", c.concurrency, c.window)
	}
	if c.baseURL != defaultBaseURL {
		t.Errorf("baseURL = %q, want %q", c.baseURL, defaultBaseURL)
	}
}

func TestNewClientCreatesCacheDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "cache")
	if _, err := NewClient(WithCacheDir(dir)); err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if !info.IsDir() {
		t.Fatalf("expected %s to be a directory", dir)
	}
}

func TestReplayRejectsEmptyExchange(t *testing.T) {
	c := newTestClient(t, roundTripFunc(func(req *http.Request) (*http.Response, error) {
		t.Fatal("expected no HTTP calls")
		return nil, nil
	}))

	_, err := c.Replay(context.Background(), "", "2019-06-01", "2019-06-02")
	var e *Error
	if !errors.As(err, &e) || e.Kind != InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestReplayRejectsFromNotBeforeTo(t *testing.T) {
	c := newTestClient(t, roundTripFunc(func(req *http.Request) (*http.Response, error) {
		t.Fatal("expected no HTTP calls")
		return nil, nil
	}))

	_, err := c.Replay(context.Background(), "bitmex", "2019-06-02", "2019-06-01")
	var e *Error
	if !errors.As(err, &e) || e.Kind != InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestReplayRejectsMalformedDate(t *testing.T) {
	c := newTestClient(t, roundTripFunc(func(req *http.Request) (*http.Response, error) {
		t.Fatal("expected no HTTP calls")
		return nil, nil
	}))

	_, err := c.Replay(context.Background(), "bitmex", "not-a-date", "2019-06-02")
	var e *Error
	if !errors.As(err, &e) || e.Kind != InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestReplayYieldsRecordsWithinWindow(t *testing.T) {
	c := newTestClient(t, roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: 200,
			Header:     make(http.Header),
			Body:       gzipOf("2019-06-01T00:00:10.000000Z {\"a\":1}\n"),
		}, nil
	}))

	s, err := c.Replay(context.Background(), "bitmex", "2019-06-01", "2019-06-01T00:01:00Z")
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	defer s.Close()

	rec, ok, err := s.Next(context.Background())
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	if string(rec.Message) != `{"a":1}` {
		t.Errorf("unexpected message: %s", rec.Message)
	}

	_, ok, err = s.Next(context.Background())
	if ok || err != nil {
		t.Fatalf("expected end of stream, got ok=%v err=%v", ok, err)
	}
}

func TestClearCacheRemovesEntriesAndResetsStats(t *testing.T) {
	c := newTestClient(t, roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: 200,
			Header:     make(http.Header),
			Body:       gzipOf("2019-06-01T00:00:10.000000Z {\"a\":1}\n"),
		}, nil
	}))

	s, err := c.Replay(context.Background(), "bitmex", "2019-06-01", "2019-06-01T00:01:00Z")
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	for {
		_, ok, err := s.Next(context.Background())
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
	}
	s.Close()

	stats, err := c.CacheStats(context.Background())
	if err != nil {
		t.Fatalf("CacheStats: %v", err)
	}
	if stats.SliceCount == 0 {
		t.Fatal("expected at least one recorded slice before ClearCache")
	}

	if err := c.ClearCache(); err != nil {
		t.Fatalf("ClearCache: %v", err)
	}

	stats, err = c.CacheStats(context.Background())
	if err != nil {
		t.Fatalf("CacheStats after clear: %v", err)
	}
	if stats.SliceCount != 0 {
		t.Errorf("expected 0 slices after ClearCache, got %d", stats.SliceCount)
	}
}

func TestReplayFromDateTimeRFC3339(t *testing.T) {
	c := newTestClient(t, roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: 200,
			Header:     make(http.Header),
			Body:       gzipOf("2019-06-01T00:00:40.000000Z {\"a\":1}\n"),
		}, nil
	}))

	from := time.Date(2019, 6, 1, 0, 0, 30, 0, time.UTC).Format(time.RFC3339)
	to := time.Date(2019, 6, 1, 0, 1, 0, 0, time.UTC).Format(time.RFC3339)

	s, err := c.Replay(context.Background(), "bitmex", from, to)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	defer s.Close()

	rec, ok, err := s.Next(context.Background())
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	if string(rec.Message) != `{"a":1}` {
		t.Errorf("unexpected message: %s", rec.Message)
	}
}
