// Package filecache stores downloaded binary attachments (report PDFs,
// submission uploads, profile images) in SQLite so they open while
// offline. Every blob carries a BLAKE2b checksum; a copy that fails
// verification is discarded rather than served.
package filecache

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/hazyhaar/offsync/cachegate"
)

// Entry is one cached file.
type Entry struct {
	URL        string
	Blob       []byte
	MimeType   string
	Size       int64
	Checksum   string // hex BLAKE2b-256 of Blob
	OwnerID    string // entity the file belongs to, "" when unowned
	CachedAt   time.Time
	LastAccess time.Time
}

// ErrTooLarge rejects downloads over the configured size ceiling.
type ErrTooLarge struct {
	URL  string
	Size int64
}

func (e *ErrTooLarge) Error() string {
	return fmt.Sprintf("filecache: %s is %d bytes, over the cache ceiling", e.URL, e.Size)
}

// ErrDownload wraps a failed fetch of the file itself.
type ErrDownload struct {
	URL    string
	Status int // 0 when the transport failed before a response
	Cause  error
}

func (e *ErrDownload) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("filecache: download %s: status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("filecache: download %s: %v", e.URL, e.Cause)
}

func (e *ErrDownload) Unwrap() error { return e.Cause }

// Options configures a Cache.
type Options struct {
	// HTTPClient performs downloads. Nil uses http.DefaultClient.
	HTTPClient *http.Client

	// Quota, when set, gates writes the same way the response cache is
	// gated. A refused write fails DownloadAndCache with ErrQuotaExceeded.
	Quota *cachegate.QuotaMonitor

	// MaxFileSize rejects larger downloads. Zero means 10 MiB.
	MaxFileSize int64

	Logger *slog.Logger
	Clock  func() time.Time
}

func (o *Options) defaults() {
	if o.HTTPClient == nil {
		o.HTTPClient = http.DefaultClient
	}
	if o.MaxFileSize == 0 {
		o.MaxFileSize = 10 << 20
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// Cache is the SQLite-backed file store.
type Cache struct {
	db   *sql.DB
	opts Options
}

// New creates a cache handle. Call EnsureTable once at startup.
func New(db *sql.DB, opts Options) *Cache {
	opts.defaults()
	return &Cache{db: db, opts: opts}
}

// EnsureTable creates the file_cache table and LRU index if absent.
func (c *Cache) EnsureTable(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS file_cache (
			url         TEXT PRIMARY KEY,
			blob        BLOB NOT NULL,
			mime_type   TEXT NOT NULL DEFAULT '',
			size        INTEGER NOT NULL,
			checksum    TEXT NOT NULL,
			owner_id    TEXT NOT NULL DEFAULT '',
			cached_at   INTEGER NOT NULL,
			last_access INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_file_cache_lru ON file_cache (last_access);
		CREATE INDEX IF NOT EXISTS idx_file_cache_owner ON file_cache (owner_id);
	`)
	if err != nil {
		return fmt.Errorf("filecache: ensure table: %w", err)
	}
	return nil
}

// DownloadAndCache fetches the URL and stores it. The write is a single
// statement, so a crash mid-download leaves no partial entry. Re-caching
// an existing URL overwrites it.
func (c *Cache) DownloadAndCache(ctx context.Context, url, ownerID string) error {
	if c.opts.Quota != nil {
		if err := c.opts.Quota.AdmitWrite(ctx); err != nil {
			return err
		}
	}

	blob, mime, err := c.download(ctx, url)
	if err != nil {
		return err
	}

	now := c.opts.Clock().UnixMilli()
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO file_cache (url, blob, mime_type, size, checksum, owner_id, cached_at, last_access)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT (url) DO UPDATE SET
			blob = excluded.blob,
			mime_type = excluded.mime_type,
			size = excluded.size,
			checksum = excluded.checksum,
			owner_id = excluded.owner_id,
			cached_at = excluded.cached_at,
			last_access = excluded.last_access`,
		url, blob, mime, int64(len(blob)), checksum(blob), ownerID, now, now)
	if err != nil {
		return fmt.Errorf("filecache: store %s: %w", url, err)
	}
	return nil
}

func (c *Cache) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", &ErrDownload{URL: url, Cause: err}
	}
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, "", &ErrDownload{URL: url, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", &ErrDownload{URL: url, Status: resp.StatusCode}
	}
	if resp.ContentLength > c.opts.MaxFileSize {
		return nil, "", &ErrTooLarge{URL: url, Size: resp.ContentLength}
	}

	// Read one byte past the ceiling to catch bodies with no declared length.
	blob, err := io.ReadAll(io.LimitReader(resp.Body, c.opts.MaxFileSize+1))
	if err != nil {
		return nil, "", &ErrDownload{URL: url, Cause: err}
	}
	if int64(len(blob)) > c.opts.MaxFileSize {
		return nil, "", &ErrTooLarge{URL: url, Size: int64(len(blob))}
	}
	return blob, resp.Header.Get("Content-Type"), nil
}

// GetCached returns the cached entry, or nil when the URL is absent. A
// blob that fails checksum verification is deleted and reported as absent
// so the caller refetches instead of serving corruption.
func (c *Cache) GetCached(ctx context.Context, url string) (*Entry, error) {
	var (
		e          Entry
		cachedAt   int64
		lastAccess int64
	)
	err := c.db.QueryRowContext(ctx, `
		SELECT url, blob, mime_type, size, checksum, owner_id, cached_at, last_access
		FROM file_cache WHERE url = ?`, url).
		Scan(&e.URL, &e.Blob, &e.MimeType, &e.Size, &e.Checksum, &e.OwnerID, &cachedAt, &lastAccess)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("filecache: get %s: %w", url, err)
	}
	e.CachedAt = time.UnixMilli(cachedAt)
	e.LastAccess = time.UnixMilli(lastAccess)

	if checksum(e.Blob) != e.Checksum {
		c.opts.Logger.Warn("filecache: checksum mismatch, discarding", "url", url)
		if err := c.Delete(ctx, url); err != nil {
			return nil, err
		}
		return nil, nil
	}

	now := c.opts.Clock().UnixMilli()
	if _, err := c.db.ExecContext(ctx,
		`UPDATE file_cache SET last_access = ? WHERE url = ?`, now, url); err != nil {
		return nil, fmt.Errorf("filecache: touch %s: %w", url, err)
	}
	return &e, nil
}

// GetOrFetch serves from cache, downloading on a miss.
func (c *Cache) GetOrFetch(ctx context.Context, url, ownerID string) (*Entry, error) {
	if e, err := c.GetCached(ctx, url); err != nil || e != nil {
		return e, err
	}
	if err := c.DownloadAndCache(ctx, url, ownerID); err != nil {
		return nil, err
	}
	return c.GetCached(ctx, url)
}

// EvictLRU deletes least-recently-accessed files until at least
// targetBytes have been reclaimed. Returns the bytes actually freed.
func (c *Cache) EvictLRU(ctx context.Context, targetBytes int64) (int64, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT url, size FROM file_cache ORDER BY last_access ASC`)
	if err != nil {
		return 0, fmt.Errorf("filecache: evict scan: %w", err)
	}
	type victim struct {
		url  string
		size int64
	}
	var victims []victim
	var freed int64
	for rows.Next() {
		var v victim
		if err := rows.Scan(&v.url, &v.size); err != nil {
			rows.Close()
			return 0, fmt.Errorf("filecache: evict scan: %w", err)
		}
		victims = append(victims, v)
		freed += v.size
		if freed >= targetBytes {
			break
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("filecache: evict scan: %w", err)
	}

	freed = 0
	for _, v := range victims {
		if _, err := c.db.ExecContext(ctx, `DELETE FROM file_cache WHERE url = ?`, v.url); err != nil {
			return freed, fmt.Errorf("filecache: evict %s: %w", v.url, err)
		}
		freed += v.size
		c.opts.Logger.Info("filecache: evicted", "url", v.url, "size", v.size)
	}
	return freed, nil
}

// Stats reports the file count and total blob bytes held.
func (c *Cache) Stats(ctx context.Context) (files, bytes int64, err error) {
	err = c.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM file_cache`).Scan(&files, &bytes)
	if err != nil {
		return 0, 0, fmt.Errorf("filecache: stats: %w", err)
	}
	return files, bytes, nil
}

// Delete removes one cached file.
func (c *Cache) Delete(ctx context.Context, url string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM file_cache WHERE url = ?`, url); err != nil {
		return fmt.Errorf("filecache: delete %s: %w", url, err)
	}
	return nil
}

// Clear removes everything.
func (c *Cache) Clear(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM file_cache`); err != nil {
		return fmt.Errorf("filecache: clear: %w", err)
	}
	return nil
}

func checksum(blob []byte) string {
	sum := blake2b.Sum256(blob)
	return hex.EncodeToString(sum[:])
}
