// Package replay implements the Replay Pipeline: it turns a time range and
// filter set into an ordered, pull-based stream of records, prefetching
// slices concurrently while delivering them strictly in slice order.
package replay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"tardisgo/internal/errs"
	"tardisgo/internal/fetcher"
	"tardisgo/internal/reader"
	"tardisgo/internal/safe"
	"tardisgo/internal/slice"
)

// Record is the unit yielded by Stream.Next.
type Record = reader.Record

// item carries either a delivered record or a terminal error down the
// internal channel; exactly one of the two is meaningful.
type item struct {
	rec reader.Record
	err error
}

// Stream is a single-consumer, pull-based sequence of records covering
// [from, to). Call Next repeatedly until ok is false, then Close.
type Stream struct {
	ctx    context.Context
	cancel context.CancelFunc
	items  chan item

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewStream builds the ordered slice list for [from, to) and starts the
// background dispatcher/delivery loop. concurrency bounds how many Slice
// Fetcher calls run at once; window bounds how many slices may be
// completed-but-undrained ahead of the delivery cursor.
func NewStream(ctx context.Context, f *fetcher.Fetcher, exchange string, from, to time.Time, filters []slice.Filter, concurrency, window int) *Stream {
	if concurrency < 1 {
		concurrency = 1
	}
	if window < 1 {
		window = 1
	}

	addrs := enumerateSlices(exchange, from, to, filters)

	runCtx, cancel := context.WithCancel(ctx)
	s := &Stream{
		ctx:    runCtx,
		cancel: cancel,
		items:  make(chan item),
	}

	s.wg.Add(1)
	go s.run(f, addrs, from, to, concurrency, window)
	return s
}

// enumerateSlices returns the ordered slice addresses covering [from, to):
// the minute containing from, through the minute containing to (exclusive
// if to itself is minute-aligned, inclusive otherwise).
func enumerateSlices(exchange string, from, to time.Time, filters []slice.Filter) []slice.Address {
	first := from.UTC().Truncate(time.Minute)
	toTrunc := to.UTC().Truncate(time.Minute)

	last := toTrunc
	if to.UTC().Equal(toTrunc) {
		last = toTrunc.Add(-time.Minute)
	}
	if last.Before(first) {
		return nil
	}

	count := int64(last.Sub(first) / time.Minute)
	n := safe.AddCount(count, 1)

	addrs := make([]slice.Address, 0, n)
	for i := int64(0); i < n; i++ {
		minute := first.Add(time.Duration(i) * time.Minute)
		addrs = append(addrs, slice.New(exchange, minute, filters))
	}
	return addrs
}

// run owns the dispatcher and delivery loop. It is the only writer to
// s.items and closes it on every exit path.
func (s *Stream) run(f *fetcher.Fetcher, addrs []slice.Address, from, to time.Time, concurrency, window int) {
	defer s.wg.Done()
	defer close(s.items)

	n := len(addrs)
	if n == 0 {
		return
	}

	completions := make([]chan error, n)
	for i := range completions {
		completions[i] = make(chan error, 1)
	}

	// fetchCtx, not s.ctx directly, gates individual fetch operations. It
	// is cancelled only by Close() or by this loop once it has drained up
	// to and surfaced a failing slice's error, never automatically by
	// another in-flight fetch's own failure. errgroup.WithContext would
	// cancel every goroutine the instant any one of them errors, aborting
	// a slice still mid-fetch near the front of the window just because a
	// slice far ahead of the delivery cursor hit a quick terminal error.
	// eg here is a plain Group: it only joins goroutines and reports the
	// first error, it does not cancel anything itself.
	fetchCtx, cancelFetches := context.WithCancel(s.ctx)
	defer cancelFetches()

	sem := semaphore.NewWeighted(int64(concurrency))
	var eg errgroup.Group

	scheduled := 0
	scheduleUpTo := func(target int) {
		for scheduled < target && scheduled < n {
			idx := scheduled
			scheduled++
			addr := addrs[idx]
			done := completions[idx]

			eg.Go(func() error {
				path := addr.CachePath(f.Store.Dir)
				if f.Store.Has(path) {
					// Fast path: already cached, no worker slot consumed.
					if f.Manifest != nil {
						if err := f.Manifest.RecordAccess(fetchCtx, path, time.Now().UTC()); err != nil {
							slog.Warn("manifest record access failed", slog.String("path", path), slog.Any("err", err))
						}
					}
					done <- nil
					return nil
				}
				if err := sem.Acquire(fetchCtx, 1); err != nil {
					done <- err
					return err
				}
				defer sem.Release(1)

				err := f.Ensure(fetchCtx, addr)
				done <- err
				return err
			})
		}
	}

	scheduleUpTo(min(window, n))

	for cursor := 0; cursor < n; cursor++ {
		var fetchErr error
		select {
		case fetchErr = <-completions[cursor]:
		case <-s.ctx.Done():
			return
		}

		if fetchErr != nil {
			s.emit(item{err: fetchErr})
			return
		}

		if err := s.deliverSlice(f, addrs[cursor], from, to); err != nil {
			s.emit(item{err: err})
			return
		}

		scheduleUpTo(min(cursor+1+window, n))
	}

	if err := eg.Wait(); err != nil {
		slog.Debug("replay: background fetch error after stream drained", slog.Any("err", err))
	}
}

// deliverSlice reads a committed slice in full, then streams its trimmed
// records onto s.items, blocking between sends so the consumer's pull rate
// sets the pace (backpressure).
//
// A slice is read fully before anything is emitted so that a corrupt entry
// can be deleted and refetched once, and the whole slice re-read from
// scratch, without ever delivering the same record twice: once a record
// has reached s.items there is no going back and re-reading from the start
// of a repaired entry would duplicate it.
func (s *Stream) deliverSlice(f *fetcher.Fetcher, addr slice.Address, from, to time.Time) error {
	path := addr.CachePath(f.Store.Dir)

	recs, err := readSlice(f, path, from, to)
	if err != nil {
		var cacheErr *errs.Error
		if errors.As(err, &cacheErr) && cacheErr.Kind == errs.KindCorruptCache {
			slog.Warn("corrupt cache entry, deleting and refetching once",
				slog.String("slice", addr.String()), slog.Any("err", err))
			if rmErr := f.Store.Remove(path); rmErr != nil {
				return rmErr
			}
			if fetchErr := f.Ensure(s.ctx, addr); fetchErr != nil {
				return fetchErr
			}
			recs, err = readSlice(f, path, from, to)
		}
		if err != nil {
			return err
		}
	}

	for _, rec := range recs {
		if !s.emit(item{rec: rec}) {
			return errs.New(errs.KindIO, "stream closed by consumer", nil)
		}
	}
	return nil
}

// readSlice opens a committed cache entry and fully drains the reader into
// memory. Slices are bounded to one minute of data, so buffering one is
// cheap and lets deliverSlice recover from corruption before it has
// emitted anything downstream.
func readSlice(f *fetcher.Fetcher, path string, from, to time.Time) ([]reader.Record, error) {
	rc, err := f.Store.OpenForRead(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	rr := reader.New(rc, from, to)
	var recs []reader.Record
	for {
		rec, ok, err := rr.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return recs, nil
		}
		recs = append(recs, rec)
	}
}

// emit sends it on s.items, returning false if the stream was cancelled
// before the send completed.
func (s *Stream) emit(it item) bool {
	select {
	case s.items <- it:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// Next blocks until the next record is available, the stream is
// exhausted (ok=false, err=nil), or a terminal error occurs.
func (s *Stream) Next(ctx context.Context) (Record, bool, error) {
	select {
	case it, open := <-s.items:
		if !open {
			return Record{}, false, nil
		}
		if it.err != nil {
			return Record{}, false, it.err
		}
		return it.rec, true, nil
	case <-ctx.Done():
		return Record{}, false, ctx.Err()
	case <-s.ctx.Done():
		return Record{}, false, nil
	}
}

// Close cancels all in-flight fetches and waits for the background loop to
// exit. It is safe to call more than once and safe to call without having
// drained the stream.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
	return nil
}
