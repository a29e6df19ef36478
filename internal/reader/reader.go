// Package reader implements the Slice Reader: a streaming, line-by-line
// parser over a committed cache entry that yields trimmed, ordered records.
package reader

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
	"time"

	"tardisgo/internal/errs"
)

const (
	initialBufSize = 64 * 1024
	maxLineSize    = 8 * 1024 * 1024
)

// timestampLayout matches the wire format: UTC ISO-8601 with microsecond
// precision, e.g. "2019-06-01T00:00:00.123456Z".
const timestampLayout = "2006-01-02T15:04:05.999999Z"

// Record is the decoded form of a single line: a local_timestamp and an
// opaque parsed JSON value. Message is kept as raw bytes; it is never
// unmarshalled into a domain type.
type Record struct {
	LocalTimestamp time.Time
	Message        json.RawMessage
}

// Reader streams records out of a single committed cache entry, trimming to
// a [from, to) window. It does not buffer the whole file in memory.
type Reader struct {
	scanner *bufio.Scanner
	from    time.Time
	to      time.Time
	done    bool
}

// New wraps rc (typically the result of cache.Store.OpenForRead) in a
// Reader that yields only records with from <= local_timestamp < to. The
// caller remains responsible for closing rc.
func New(rc io.Reader, from, to time.Time) *Reader {
	s := bufio.NewScanner(rc)
	s.Buffer(make([]byte, initialBufSize), maxLineSize)
	return &Reader{scanner: s, from: from, to: to}
}

// Next returns the next record within the window, advancing past any
// records before from and stopping (ok=false, err=nil) at the first record
// at or after to, or at end of file. A malformed line surfaces as a
// KindCorruptCache error.
func (r *Reader) Next() (Record, bool, error) {
	if r.done {
		return Record{}, false, nil
	}

	for r.scanner.Scan() {
		line := r.scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		rec, err := parseLine(line)
		if err != nil {
			r.done = true
			return Record{}, false, err
		}

		if rec.LocalTimestamp.Before(r.from) {
			continue
		}
		if !rec.LocalTimestamp.Before(r.to) {
			// Records are non-decreasing within a slice, so once we reach
			// `to` every remaining line is also out of range.
			r.done = true
			return Record{}, false, nil
		}
		return rec, true, nil
	}

	r.done = true
	if err := r.scanner.Err(); err != nil {
		return Record{}, false, errs.New(errs.KindCorruptCache, "read cache entry", err)
	}
	return Record{}, false, nil
}

// parseLine splits a line on its first space into a timestamp prefix and a
// JSON message suffix.
func parseLine(line string) (Record, error) {
	idx := strings.IndexByte(line, ' ')
	if idx < 0 {
		return Record{}, errs.New(errs.KindCorruptCache, "malformed line: no timestamp separator", nil)
	}
	tsPart, msgPart := line[:idx], line[idx+1:]

	ts, err := time.Parse(timestampLayout, tsPart)
	if err != nil {
		return Record{}, errs.New(errs.KindCorruptCache, "malformed line: bad timestamp "+tsPart, err)
	}

	msg := json.RawMessage(msgPart)
	if !json.Valid(msg) {
		return Record{}, errs.New(errs.KindCorruptCache, "malformed line: invalid json body", nil)
	}

	return Record{LocalTimestamp: ts.UTC(), Message: msg}, nil
}
