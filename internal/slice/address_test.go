package slice

import (
	"strings"
	"testing"
	"time"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse time: %v", err)
	}
	return ts
}

func TestNewLowercasesExchange(t *testing.T) {
	at := mustTime(t, "2019-06-01T00:00:30Z")
	addr := New("BitMEX", at, nil)
	if addr.Exchange != "bitmex" {
		t.Errorf("Exchange = %q, want %q", addr.Exchange, "bitmex")
	}
	if !addr.Minute.Equal(mustTime(t, "2019-06-01T00:00:00Z")) {
		t.Errorf("Minute = %v, want truncated to the minute", addr.Minute)
	}
}

func TestDigestStableAndDistinguishing(t *testing.T) {
	at := mustTime(t, "2019-06-01T00:00:00Z")

	none1 := New("bitmex", at, nil)
	none2 := New("bitmex", at, []Filter{})
	if none1.Digest() != none2.Digest() {
		t.Errorf("nil and empty filter slices should hash the same: %q vs %q", none1.Digest(), none2.Digest())
	}

	f1 := New("bitmex", at, []Filter{{Channel: "trade", Symbols: []string{"XBTUSD", "ETHUSD"}}})
	f2 := New("bitmex", at, []Filter{{Channel: "trade", Symbols: []string{"ETHUSD", "XBTUSD"}}})
	if f1.Digest() == f2.Digest() {
		t.Error("differently-ordered symbol lists must produce different digests")
	}

	f3 := New("bitmex", at, []Filter{
		{Channel: "trade", Symbols: []string{"XBTUSD"}},
		{Channel: "orderBookL2", Symbols: []string{"XBTUSD"}},
	})
	f4 := New("bitmex", at, []Filter{
		{Channel: "orderBookL2", Symbols: []string{"XBTUSD"}},
		{Channel: "trade", Symbols: []string{"XBTUSD"}},
	})
	if f3.Digest() == f4.Digest() {
		t.Error("differently-ordered channel lists must produce different digests")
	}

	if f1.Digest() != none1.Digest() && len(f1.Digest()) != 64 {
		t.Errorf("digest should be a 64-char hex sha256, got len %d", len(f1.Digest()))
	}
}

func TestCachePathIsDeterministicAndZeroPadded(t *testing.T) {
	at := mustTime(t, "2019-06-01T05:07:00Z")
	addr := New("bitmex", at, nil)
	p := addr.CachePath("/var/cache")

	if !strings.HasPrefix(p, "/var/cache/bitmex/") {
		t.Errorf("path should be rooted under cache dir and exchange: %s", p)
	}
	if !strings.Contains(p, "/2019/06/01/05/07.ndjson") {
		t.Errorf("path should contain zero-padded calendar fields: %s", p)
	}

	again := New("bitmex", at, nil).CachePath("/var/cache")
	if p != again {
		t.Errorf("CachePath is not deterministic: %s vs %s", p, again)
	}
}

func TestRemoteURLEncodesFilters(t *testing.T) {
	at := mustTime(t, "2019-06-01T00:00:00Z")
	addr := New("bitmex", at, []Filter{{Channel: "trade", Symbols: []string{"XBTUSD"}}})

	u, err := addr.RemoteURL("https://api.tardis.dev/v1/data-feeds")
	if err != nil {
		t.Fatalf("RemoteURL: %v", err)
	}
	if !strings.HasPrefix(u, "https://api.tardis.dev/v1/data-feeds/bitmex/2019/06/01/00/00.json.gz?") {
		t.Errorf("unexpected url shape: %s", u)
	}
	if !strings.Contains(u, "filters=") {
		t.Errorf("expected filters query param, got: %s", u)
	}

	noFilter := New("bitmex", at, nil)
	u2, err := noFilter.RemoteURL("https://api.tardis.dev/v1/data-feeds")
	if err != nil {
		t.Fatalf("RemoteURL: %v", err)
	}
	if strings.Contains(u2, "filters=") {
		t.Errorf("unfiltered url should have no filters param: %s", u2)
	}
}

func TestRemoteURLDifferentSlicesDifferentPaths(t *testing.T) {
	base := "https://api.tardis.dev/v1/data-feeds"
	a := New("bitmex", mustTime(t, "2019-06-01T00:00:00Z"), nil)
	b := New("bitmex", mustTime(t, "2019-06-01T00:01:00Z"), nil)

	ua, _ := a.RemoteURL(base)
	ub, _ := b.RemoteURL(base)
	if ua == ub {
		t.Error("consecutive minute slices must have distinct remote URLs")
	}
}
