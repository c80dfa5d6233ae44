package cachegate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// entry is one cached response.
type entry struct {
	Body       []byte
	Headers    map[string]string
	CachedAt   time.Time
	LastAccess time.Time
}

// cacheStore is the persistence behind the engine. Both implementations
// are only ever called from the engine goroutine, so they need no locking
// beyond what the backing store provides.
type cacheStore interface {
	get(ctx context.Context, class Class, key string) (*entry, bool, error)
	put(ctx context.Context, class Class, key string, e *entry) error
	touch(ctx context.Context, class Class, key string, at time.Time) error
	trimLRU(ctx context.Context, class Class, maxEntries int) (int64, error)
	clear(ctx context.Context, class Class) error
	count(ctx context.Context, class Class) (int64, error)
}

type sqliteStore struct {
	db *sql.DB
}

func newSQLiteStore(ctx context.Context, db *sql.DB) (*sqliteStore, error) {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS read_cache (
			class       TEXT NOT NULL,
			key         TEXT NOT NULL,
			body        BLOB NOT NULL,
			headers     TEXT NOT NULL DEFAULT '{}',
			cached_at   INTEGER NOT NULL,
			last_access INTEGER NOT NULL,
			PRIMARY KEY (class, key)
		);
		CREATE INDEX IF NOT EXISTS idx_read_cache_lru ON read_cache (class, last_access);
	`)
	if err != nil {
		return nil, fmt.Errorf("cachegate: ensure table: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) get(ctx context.Context, class Class, key string) (*entry, bool, error) {
	var (
		e          entry
		headers    string
		cachedAt   int64
		lastAccess int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT body, headers, cached_at, last_access
		FROM read_cache WHERE class = ? AND key = ?`, string(class), key).
		Scan(&e.Body, &headers, &cachedAt, &lastAccess)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cachegate: get %s/%s: %w", class, key, err)
	}
	if err := json.Unmarshal([]byte(headers), &e.Headers); err != nil {
		return nil, false, fmt.Errorf("cachegate: headers for %s/%s: %w", class, key, err)
	}
	e.CachedAt = time.UnixMilli(cachedAt)
	e.LastAccess = time.UnixMilli(lastAccess)
	return &e, true, nil
}

func (s *sqliteStore) put(ctx context.Context, class Class, key string, e *entry) error {
	headers, err := json.Marshal(e.Headers)
	if err != nil {
		return fmt.Errorf("cachegate: marshal headers: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO read_cache (class, key, body, headers, cached_at, last_access)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT (class, key) DO UPDATE SET
			body = excluded.body,
			headers = excluded.headers,
			cached_at = excluded.cached_at,
			last_access = excluded.last_access`,
		string(class), key, e.Body, string(headers),
		e.CachedAt.UnixMilli(), e.LastAccess.UnixMilli())
	if err != nil {
		return fmt.Errorf("cachegate: put %s/%s: %w", class, key, err)
	}
	return nil
}

func (s *sqliteStore) touch(ctx context.Context, class Class, key string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE read_cache SET last_access = ? WHERE class = ? AND key = ?`,
		at.UnixMilli(), string(class), key)
	if err != nil {
		return fmt.Errorf("cachegate: touch %s/%s: %w", class, key, err)
	}
	return nil
}

// trimLRU deletes least-recently-used rows until the class holds at most
// maxEntries. Returns the number of rows removed.
func (s *sqliteStore) trimLRU(ctx context.Context, class Class, maxEntries int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM read_cache
		WHERE class = ?1 AND key NOT IN (
			SELECT key FROM read_cache WHERE class = ?1
			ORDER BY last_access DESC LIMIT ?2
		)`, string(class), maxEntries)
	if err != nil {
		return 0, fmt.Errorf("cachegate: trim %s: %w", class, err)
	}
	return res.RowsAffected()
}

func (s *sqliteStore) clear(ctx context.Context, class Class) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM read_cache WHERE class = ?`, string(class))
	if err != nil {
		return fmt.Errorf("cachegate: clear %s: %w", class, err)
	}
	return nil
}

func (s *sqliteStore) count(ctx context.Context, class Class) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM read_cache WHERE class = ?`, string(class)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("cachegate: count %s: %w", class, err)
	}
	return n, nil
}
