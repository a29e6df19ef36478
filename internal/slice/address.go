// Package slice implements slice addressing: the pure, deterministic
// mapping from an exchange, a UTC minute, and a filter list to a cache
// path and a remote URL.
package slice

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"
)

// Filter narrows a replay to one channel and, optionally, a set of symbols.
// An empty Symbols slice means "all symbols for that channel". Order is
// preserved as supplied by the caller; it is part of the slice identity.
type Filter struct {
	Channel string
	Symbols []string
}

// filterJSON mirrors the field names the remote service expects
// ("channel", "symbols"), matching the original client's serialization.
type filterJSON struct {
	Channel string   `json:"channel"`
	Symbols []string `json:"symbols"`
}

// Address identifies exactly one minute of data for one (exchange, filters)
// tuple. Addresses are immutable once built.
type Address struct {
	Exchange string
	Minute   time.Time // truncated to the minute, UTC
	Filters  []Filter
	digest   string
}

// New builds the address for the given exchange, UTC instant (truncated
// down to the containing minute), and filter list.
func New(exchange string, at time.Time, filters []Filter) Address {
	return Address{
		Exchange: strings.ToLower(exchange),
		Minute:   at.UTC().Truncate(time.Minute),
		Filters:  filters,
		digest:   filtersDigest(filters),
	}
}

// filtersDigest returns the SHA-256 hex digest of the filter list
// serialized as a JSON array of {"channel","symbols"} objects, in the
// order supplied. An empty or nil filter list hashes the empty JSON array,
// giving a stable, reserved path segment for "no filter" without a special
// case anywhere that consumes it.
func filtersDigest(filters []Filter) string {
	serializable := make([]filterJSON, 0, len(filters))
	for _, f := range filters {
		symbols := f.Symbols
		if symbols == nil {
			symbols = []string{}
		}
		serializable = append(serializable, filterJSON{Channel: f.Channel, Symbols: symbols})
	}
	// json.Marshal of a slice never errors for these field types.
	b, _ := json.Marshal(serializable)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Digest returns the stable filter-list digest embedded in the address.
func (a Address) Digest() string {
	return a.digest
}

// datePath returns the zero-padded "<exchange>/<digest>/<Y>/<M>/<D>/<H>/<Min>" path segments.
func (a Address) datePath() []string {
	return []string{
		a.Exchange,
		a.digest,
		fmt.Sprintf("%04d", a.Minute.Year()),
		fmt.Sprintf("%02d", int(a.Minute.Month())),
		fmt.Sprintf("%02d", a.Minute.Day()),
		fmt.Sprintf("%02d", a.Minute.Hour()),
		fmt.Sprintf("%02d", a.Minute.Minute()),
	}
}

// CachePath returns the on-disk path for this slice below the given cache
// root, e.g. "<root>/bitmex/<digest>/2019/06/01/00/00.ndjson".
func (a Address) CachePath(root string) string {
	segments := a.datePath()
	last := len(segments) - 1
	segments[last] = segments[last] + ".ndjson"
	return path.Join(append([]string{root}, segments...)...)
}

// RemoteURL returns the remote GET URL for this slice below the given base
// URL, e.g. "<base>/bitmex/2019/06/01/00/00.json.gz?filters=...".
//
// The filters query parameter carries the same JSON array used to compute
// the digest, URL-encoded; it is therefore deterministic for a given
// filter list but is not required to be byte-identical to any particular
// wire format the remote service documents, only to be decodable by it.
func (a Address) RemoteURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("slice: parse base url: %w", err)
	}
	segments := []string{
		a.Exchange,
		fmt.Sprintf("%04d", a.Minute.Year()),
		fmt.Sprintf("%02d", int(a.Minute.Month())),
		fmt.Sprintf("%02d", a.Minute.Day()),
		fmt.Sprintf("%02d", a.Minute.Hour()),
	}
	u.Path = path.Join(u.Path, path.Join(segments...), fmt.Sprintf("%02d.json.gz", a.Minute.Minute()))

	if len(a.Filters) > 0 {
		serializable := make([]filterJSON, 0, len(a.Filters))
		for _, f := range a.Filters {
			symbols := f.Symbols
			if symbols == nil {
				symbols = []string{}
			}
			serializable = append(serializable, filterJSON{Channel: f.Channel, Symbols: symbols})
		}
		b, err := json.Marshal(serializable)
		if err != nil {
			return "", fmt.Errorf("slice: marshal filters: %w", err)
		}
		q := u.Query()
		q.Set("filters", string(b))
		u.RawQuery = q.Encode()
	}

	return u.String(), nil
}

// String returns a human-readable identifier, useful for logging.
func (a Address) String() string {
	return path.Join(a.datePath()...)
}
