// Package manifest is a supplemental SQLite-backed ledger of which slices
// have been fetched and when. It is purely observational: deleting the
// database file does not affect replay correctness, only CacheStats.
package manifest

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"tardisgo/internal/errs"
)

// Stats summarizes the manifest's contents.
type Stats struct {
	SliceCount  int64
	TotalBytes  int64
	OldestFetch time.Time
	NewestFetch time.Time
}

// Manifest records per-slice fetch bookkeeping in a SQLite database.
type Manifest struct {
	db *sql.DB
}

// Open opens (creating if absent) the manifest database at dbPath.
func Open(dbPath string) (*Manifest, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errs.New(errs.KindIO, "open manifest db", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, errs.New(errs.KindIO, "set manifest pragma", err)
		}
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS slices (
			address     TEXT PRIMARY KEY,
			fetched_at  INTEGER NOT NULL,
			byte_size   INTEGER NOT NULL,
			last_access INTEGER NOT NULL
		);
	`)
	if err != nil {
		db.Close()
		return nil, errs.New(errs.KindIO, "create manifest table", err)
	}

	return &Manifest{db: db}, nil
}

// RecordFetch upserts a row for a successfully published slice.
func (m *Manifest) RecordFetch(ctx context.Context, address string, byteSize int64, at time.Time) error {
	ts := at.Unix()
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO slices (address, fetched_at, byte_size, last_access)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			fetched_at=excluded.fetched_at,
			byte_size=excluded.byte_size,
			last_access=excluded.last_access
	`, address, ts, byteSize, ts)
	if err != nil {
		return errs.New(errs.KindIO, "record slice fetch", err)
	}
	return nil
}

// RecordAccess bumps last_access for a slice served from the Cache Store
// without a fetch (a cache hit).
func (m *Manifest) RecordAccess(ctx context.Context, address string, at time.Time) error {
	_, err := m.db.ExecContext(ctx,
		"UPDATE slices SET last_access = ? WHERE address = ?", at.Unix(), address)
	if err != nil {
		return errs.New(errs.KindIO, "record slice access", err)
	}
	return nil
}

// Stats summarizes the manifest's current contents.
func (m *Manifest) Stats(ctx context.Context) (Stats, error) {
	var (
		count          sql.NullInt64
		totalBytes     sql.NullInt64
		oldest, newest sql.NullInt64
	)
	err := m.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(byte_size), 0), MIN(fetched_at), MAX(fetched_at)
		FROM slices
	`).Scan(&count, &totalBytes, &oldest, &newest)
	if err != nil {
		return Stats{}, errs.New(errs.KindIO, "query manifest stats", err)
	}

	stats := Stats{SliceCount: count.Int64, TotalBytes: totalBytes.Int64}
	if oldest.Valid {
		stats.OldestFetch = time.Unix(oldest.Int64, 0).UTC()
	}
	if newest.Valid {
		stats.NewestFetch = time.Unix(newest.Int64, 0).UTC()
	}
	return stats, nil
}

// Close closes the underlying database handle.
func (m *Manifest) Close() error {
	if err := m.db.Close(); err != nil {
		return errs.New(errs.KindIO, "close manifest db", err)
	}
	return nil
}
