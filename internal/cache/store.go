// Package cache implements the Cache Store: an on-disk, content-addressed
// store of committed slice payloads, with atomic publish.
package cache

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"tardisgo/internal/errs"
)

// Store is a directory tree rooted at Dir, holding one file per slice
// address. All operations are safe for concurrent use by multiple goroutines,
// including concurrent Publish calls for the same path (the last successful
// rename wins; both payloads are byte-identical by contract).
type Store struct {
	Dir string
}

// New returns a Store rooted at dir. The directory is created lazily by
// the first Publish, not here.
func New(dir string) *Store {
	return &Store{Dir: dir}
}

// Has reports whether a committed entry exists at path, without opening it.
func (s *Store) Has(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// OpenForRead opens a committed entry for sequential reading. It returns a
// KindNotFound *errs.Error if the entry does not exist.
func (s *Store) OpenForRead(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New(errs.KindNotFound, "cache entry not found: "+path, err)
		}
		return nil, errs.New(errs.KindIO, "open cache entry: "+path, err)
	}
	return f, nil
}

// Publish persists payload at path atomically: it is written to a unique
// temporary sibling file, then renamed into place. A crash or error mid-write
// leaves no partially-committed entry at path — at worst an orphaned,
// never-renamed temp file.
func (s *Store) Publish(path string, payload io.Reader) (err error) {
	dir := filepath.Dir(path)
	if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
		return errs.New(errs.KindIO, "create cache directory: "+dir, mkErr)
	}

	tmpPath := fmt.Sprintf("%s.%s.unconfirmed", path, uuid.NewString())
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return errs.New(errs.KindIO, "create temp cache file: "+tmpPath, err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err = io.Copy(tmp, payload); err != nil {
		return errs.New(errs.KindIO, "write temp cache file: "+tmpPath, err)
	}
	if err = tmp.Close(); err != nil {
		return errs.New(errs.KindIO, "close temp cache file: "+tmpPath, err)
	}

	if err = os.Rename(tmpPath, path); err != nil {
		return errs.New(errs.KindIO, "publish cache entry: "+path, err)
	}
	return nil
}

// Remove deletes a single committed entry, used when a CorruptCache error
// requires a delete-and-refetch.
func (s *Store) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errs.New(errs.KindIO, "remove cache entry: "+path, err)
	}
	return nil
}

// Clear removes the entire cache directory and its contents.
func (s *Store) Clear() error {
	if err := os.RemoveAll(s.Dir); err != nil {
		return errs.New(errs.KindIO, "clear cache dir: "+s.Dir, err)
	}
	return nil
}
