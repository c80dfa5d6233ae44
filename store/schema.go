package store

// Schema contains the DDL for the generic partition tables. Component-owned
// tables (pending actions, file blobs, read cache, sync journal) ship their
// own EnsureTable and are not part of this schema.
const Schema = `
-- Partition registry: which partitions exist and which JSON fields they index.
CREATE TABLE IF NOT EXISTS partitions (
    name       TEXT PRIMARY KEY,
    indexes    TEXT NOT NULL DEFAULT '[]',
    created_at INTEGER NOT NULL
);

-- Records: one row per (partition, key). Payload is the serialized record.
CREATE TABLE IF NOT EXISTS records (
    partition  TEXT NOT NULL,
    key        TEXT NOT NULL,
    payload    TEXT NOT NULL,
    cached_at  INTEGER NOT NULL,
    PRIMARY KEY (partition, key)
);

-- Secondary index values extracted from record payloads at write time.
CREATE TABLE IF NOT EXISTS record_index (
    partition TEXT NOT NULL,
    idx       TEXT NOT NULL,
    value     TEXT NOT NULL,
    key       TEXT NOT NULL,
    PRIMARY KEY (partition, idx, key)
);
CREATE INDEX IF NOT EXISTS idx_record_index_lookup ON record_index (partition, idx, value);
`

// schemaVersion is written to PRAGMA user_version after migration. Bump it
// when the DDL above changes shape; migrate() only ever adds tables and
// indexes, never drops, so an upgrade can't lose data.
const schemaVersion = 1
