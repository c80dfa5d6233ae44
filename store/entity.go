package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// Default partitions registered by the engine.
const (
	PartEntities  = "entities"
	PartSnapshots = "page_snapshots"
)

// EnginePartitions returns the partitions the engine registers at Open.
func EnginePartitions() []Partition {
	return []Partition{
		{Name: PartEntities, Indexes: []string{"store_name"}},
		{Name: PartSnapshots, Indexes: []string{"view"}},
	}
}

// CachedEntity is the last known state of a domain object. Version is a
// monotonically increasing counter owned by the server: it only ever
// advances by a value the server returned, never by local guessing. Each
// (StoreName, ID) pair owns its own version sequence.
type CachedEntity struct {
	StoreName string          `json:"store_name"`
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	Version   int64           `json:"version"`
	CachedAt  int64           `json:"cached_at"`
}

func entityKey(storeName, id string) string {
	return storeName + "/" + id
}

// SaveEntity writes the entity record. Local writes are last-writer-wins at
// this level; cross-process conflicts are server-mediated through versions.
func (s *Store) SaveEntity(ctx context.Context, e CachedEntity) error {
	if e.StoreName == "" || e.ID == "" {
		return fmt.Errorf("store: entity needs store_name and id")
	}
	return s.Save(ctx, PartEntities, entityKey(e.StoreName, e.ID), e)
}

// Entity fetches one entity. Found is false when it was never cached.
func (s *Store) Entity(ctx context.Context, storeName, id string) (CachedEntity, bool, error) {
	var e CachedEntity
	found, err := s.Get(ctx, PartEntities, entityKey(storeName, id), &e)
	return e, found, err
}

// EntitiesByStore returns every cached entity of one domain type.
func (s *Store) EntitiesByStore(ctx context.Context, storeName string) ([]CachedEntity, error) {
	raws, err := s.GetByIndex(ctx, PartEntities, "store_name", storeName)
	if err != nil {
		return nil, err
	}
	out := make([]CachedEntity, 0, len(raws))
	for _, raw := range raws {
		var e CachedEntity
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("store: decode entity: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// DeleteEntity removes one entity from the cache.
func (s *Store) DeleteEntity(ctx context.Context, storeName, id string) error {
	return s.Delete(ctx, PartEntities, entityKey(storeName, id))
}
