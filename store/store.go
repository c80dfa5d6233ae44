// Package store is the local persistent store: transactional, partitioned
// key-value storage on SQLite that everything else in the engine builds on.
//
// Records cross a strict serialization boundary on the way in: they are
// marshaled to JSON before storage, so no live references (functions,
// channels, open handles) can leak into persisted state. Reads hand back the
// serialized form; typed helpers in this package decode the engine's own
// record types.
//
// Opening is idempotent. Partition registration doubles as schema migration:
// registering a partition that already exists merges any newly declared
// indexes and backfills their rows from existing payloads, never dropping
// data.
//
// When the underlying database is unavailable every call fails with an error
// wrapping ErrStorageUnavailable; Memory() provides the same contract backed
// by process memory so the application degrades instead of crashing.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/hazyhaar/offsync/dbopen"
)

// Partition declares a named record class and the JSON fields it indexes.
type Partition struct {
	Name    string
	Indexes []string
}

// Store is the database handle. Safe for concurrent use; concurrent writers
// to the same partition are queued by SQLite (WAL + busy_timeout), not by
// application code.
type Store struct {
	db    *sql.DB
	mem   *memStore
	log   *slog.Logger
	parts map[string]*Partition
}

// Options configures Open.
type Options struct {
	// Partitions registered at open, in addition to any already present in
	// the database. Default: none.
	Partitions []Partition
	// Logger overrides the default slog logger.
	Logger *slog.Logger
	// DB overrides the dbopen options (tests use this for :memory:).
	DBOpts []dbopen.Option
}

func (o *Options) defaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Open opens (or creates) the store at path and runs migration. It is safe
// to call with a database created by an older engine version: new partitions
// and indexes are added without touching existing rows.
func Open(path string, opts Options) (*Store, error) {
	opts.defaults()

	allOpts := append([]dbopen.Option{
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(Schema),
	}, opts.DBOpts...)

	db, err := dbopen.Open(path, allOpts...)
	if err != nil {
		return nil, storageErr("open", err)
	}

	s := &Store{db: db, log: opts.Logger, parts: make(map[string]*Partition)}
	if err := s.migrate(context.Background(), opts.Partitions); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Memory returns a store backed entirely by process memory. It honours the
// full Store contract (including the serialization boundary) but loses
// everything on process exit. Used when Open fails and the application
// degrades to online-only operation.
func Memory(opts Options) *Store {
	opts.defaults()
	s := &Store{mem: newMemStore(), log: opts.Logger, parts: make(map[string]*Partition)}
	for _, p := range opts.Partitions {
		cp := p
		s.parts[p.Name] = &cp
	}
	return s
}

// Durable reports whether records survive a process restart.
func (s *Store) Durable() bool { return s.db != nil }

// DB exposes the underlying handle for components that own their own tables
// (pending actions, file blobs, read cache, sync journal). Nil in memory mode.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database. No-op in memory mode.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context, wanted []Partition) error {
	var ver int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&ver); err != nil {
		return storageErr("migrate: read user_version", err)
	}
	if ver > schemaVersion {
		return storageErr("migrate", fmt.Errorf("database schema version %d is newer than engine version %d", ver, schemaVersion))
	}

	// Load partitions registered by previous runs.
	rows, err := s.db.QueryContext(ctx, `SELECT name, indexes FROM partitions`)
	if err != nil {
		return storageErr("migrate: load partitions", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name, idxJSON string
		if err := rows.Scan(&name, &idxJSON); err != nil {
			return storageErr("migrate: scan partition", err)
		}
		p := &Partition{Name: name}
		if err := json.Unmarshal([]byte(idxJSON), &p.Indexes); err != nil {
			return storageErr("migrate: decode indexes", err)
		}
		s.parts[name] = p
	}
	if err := rows.Err(); err != nil {
		return storageErr("migrate: load partitions", err)
	}

	for _, p := range wanted {
		if err := s.registerPartition(ctx, p); err != nil {
			return err
		}
	}

	if ver != schemaVersion {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
			return storageErr("migrate: write user_version", err)
		}
	}
	return nil
}

// registerPartition records a partition and backfills rows for indexes it
// did not previously declare.
func (s *Store) registerPartition(ctx context.Context, p Partition) error {
	existing := s.parts[p.Name]
	if existing == nil {
		now := time.Now().UnixMilli()
		idx, _ := json.Marshal(p.Indexes)
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO partitions (name, indexes, created_at) VALUES (?,?,?)`,
			p.Name, string(idx), now); err != nil {
			return storageErr("register partition", err)
		}
		cp := p
		s.parts[p.Name] = &cp
		return nil
	}

	var added []string
	for _, idx := range p.Indexes {
		if !slices.Contains(existing.Indexes, idx) {
			added = append(added, idx)
		}
	}
	if len(added) == 0 {
		return nil
	}

	merged := append(slices.Clone(existing.Indexes), added...)
	idxJSON, _ := json.Marshal(merged)
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE partitions SET indexes = ? WHERE name = ?`, string(idxJSON), p.Name); err != nil {
			return err
		}
		return backfillIndexes(ctx, tx, p.Name, added)
	})
	if err != nil {
		return storageErr("register partition: merge indexes", err)
	}
	existing.Indexes = merged
	s.log.Info("store: partition indexes migrated", "partition", p.Name, "added", added)
	return nil
}

func backfillIndexes(ctx context.Context, tx *sql.Tx, partition string, indexes []string) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT key, payload FROM records WHERE partition = ?`, partition)
	if err != nil {
		return err
	}
	type rec struct{ key, payload string }
	var recs []rec
	for rows.Next() {
		var r rec
		if err := rows.Scan(&r.key, &r.payload); err != nil {
			rows.Close()
			return err
		}
		recs = append(recs, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, r := range recs {
		fields := map[string]any{}
		if err := json.Unmarshal([]byte(r.payload), &fields); err != nil {
			continue // non-object payloads carry no index values
		}
		for _, idx := range indexes {
			v, ok := fields[idx]
			if !ok {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO record_index (partition, idx, value, key) VALUES (?,?,?,?)`,
				partition, idx, indexValue(v), r.key); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) partition(name string) (*Partition, error) {
	p, ok := s.parts[name]
	if !ok {
		return nil, &ErrUnknownPartition{Partition: name}
	}
	return p, nil
}

// serialize enforces the serialization boundary: the record is marshaled to
// JSON, and its index values are extracted from the serialized form, not
// from the live object.
func serialize(partition string, record any) (payload []byte, fields map[string]any, err error) {
	payload, err = json.Marshal(record)
	if err != nil {
		return nil, nil, &ErrNotSerializable{Partition: partition, Cause: err}
	}
	fields = map[string]any{}
	// Non-object records are storable, they just carry no index values.
	_ = json.Unmarshal(payload, &fields)
	return payload, fields, nil
}

// indexValue renders an extracted JSON value as its index key. Strings index
// as-is; numbers use their canonical JSON rendering.
func indexValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		b, _ := json.Marshal(t)
		return string(b)
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

// Save writes one record. Atomic and durable on return.
func (s *Store) Save(ctx context.Context, partition, key string, record any) error {
	p, err := s.partition(partition)
	if err != nil {
		return err
	}
	payload, fields, err := serialize(partition, record)
	if err != nil {
		return err
	}
	if s.mem != nil {
		s.mem.save(partition, key, payload, p.Indexes, fields)
		return nil
	}

	err = dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		return saveTx(ctx, tx, p, key, payload, fields)
	})
	if err != nil {
		return storageErr("save", err)
	}
	return nil
}

// Record pairs a key with its record for SaveMany.
type Record struct {
	Key   string
	Value any
}

// SaveMany writes a batch in one transaction: either every record persists
// or none do.
func (s *Store) SaveMany(ctx context.Context, partition string, records []Record) error {
	p, err := s.partition(partition)
	if err != nil {
		return err
	}

	type prepared struct {
		key     string
		payload []byte
		fields  map[string]any
	}
	batch := make([]prepared, 0, len(records))
	for _, r := range records {
		payload, fields, err := serialize(partition, r.Value)
		if err != nil {
			return err
		}
		batch = append(batch, prepared{r.Key, payload, fields})
	}

	if s.mem != nil {
		for _, b := range batch {
			s.mem.save(partition, b.key, b.payload, p.Indexes, b.fields)
		}
		return nil
	}

	err = dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, b := range batch {
			if err := saveTx(ctx, tx, p, b.key, b.payload, b.fields); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return storageErr("save many", err)
	}
	return nil
}

func saveTx(ctx context.Context, tx *sql.Tx, p *Partition, key string, payload []byte, fields map[string]any) error {
	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO records (partition, key, payload, cached_at) VALUES (?,?,?,?)`,
		p.Name, key, string(payload), now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM record_index WHERE partition = ? AND key = ?`, p.Name, key); err != nil {
		return err
	}
	for _, idx := range p.Indexes {
		v, ok := fields[idx]
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO record_index (partition, idx, value, key) VALUES (?,?,?,?)`,
			p.Name, idx, indexValue(v), key); err != nil {
			return err
		}
	}
	return nil
}

// Get decodes the record at key into dest. The second return is false when
// no record exists.
func (s *Store) Get(ctx context.Context, partition, key string, dest any) (bool, error) {
	if _, err := s.partition(partition); err != nil {
		return false, err
	}
	if s.mem != nil {
		payload, ok := s.mem.get(partition, key)
		if !ok {
			return false, nil
		}
		return true, json.Unmarshal(payload, dest)
	}

	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM records WHERE partition = ? AND key = ?`,
		partition, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("get", err)
	}
	return true, json.Unmarshal([]byte(payload), dest)
}

// GetAll returns every record in the partition in key order, still
// serialized. Typed helpers decode.
func (s *Store) GetAll(ctx context.Context, partition string) ([]json.RawMessage, error) {
	if _, err := s.partition(partition); err != nil {
		return nil, err
	}
	if s.mem != nil {
		return s.mem.getAll(partition), nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM records WHERE partition = ? ORDER BY key`, partition)
	if err != nil {
		return nil, storageErr("get all", err)
	}
	defer rows.Close()
	return collectPayloads(rows)
}

// GetByIndex returns every record whose declared index field equals value.
func (s *Store) GetByIndex(ctx context.Context, partition, index, value string) ([]json.RawMessage, error) {
	p, err := s.partition(partition)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(p.Indexes, index) {
		return nil, &ErrUnknownIndex{Partition: partition, Index: index}
	}
	if s.mem != nil {
		return s.mem.getByIndex(partition, index, value), nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT r.payload FROM records r
		JOIN record_index i ON i.partition = r.partition AND i.key = r.key
		WHERE r.partition = ? AND i.idx = ? AND i.value = ?
		ORDER BY r.key`, partition, index, value)
	if err != nil {
		return nil, storageErr("get by index", err)
	}
	defer rows.Close()
	return collectPayloads(rows)
}

// Delete removes the record at key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, partition, key string) error {
	if _, err := s.partition(partition); err != nil {
		return err
	}
	if s.mem != nil {
		s.mem.delete(partition, key)
		return nil
	}

	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM records WHERE partition = ? AND key = ?`, partition, key); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`DELETE FROM record_index WHERE partition = ? AND key = ?`, partition, key)
		return err
	})
	if err != nil {
		return storageErr("delete", err)
	}
	return nil
}

// Clear removes every record in the partition.
func (s *Store) Clear(ctx context.Context, partition string) error {
	if _, err := s.partition(partition); err != nil {
		return err
	}
	if s.mem != nil {
		s.mem.clear(partition)
		return nil
	}

	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM records WHERE partition = ?`, partition); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`DELETE FROM record_index WHERE partition = ?`, partition)
		return err
	})
	if err != nil {
		return storageErr("clear", err)
	}
	return nil
}

// Count returns the number of records in the partition.
func (s *Store) Count(ctx context.Context, partition string) (int, error) {
	if _, err := s.partition(partition); err != nil {
		return 0, err
	}
	if s.mem != nil {
		return s.mem.count(partition), nil
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE partition = ?`, partition).Scan(&n)
	if err != nil {
		return 0, storageErr("count", err)
	}
	return n, nil
}

func collectPayloads(rows *sql.Rows) ([]json.RawMessage, error) {
	var out []json.RawMessage
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, storageErr("scan payload", err)
		}
		out = append(out, json.RawMessage(payload))
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate payloads", err)
	}
	return out, nil
}
