package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// PageSnapshot is a renderable view captured after a successful online
// navigation, keyed by normalized path. A fresh visit to the same path
// overwrites the previous snapshot; history is never appended.
type PageSnapshot struct {
	Path      string          `json:"path"`
	View      string          `json:"view"`
	Props     json.RawMessage `json:"props"`
	ServerTag string          `json:"server_tag,omitempty"`
	CachedAt  int64           `json:"cached_at"`
}

// SaveSnapshot overwrites the snapshot for its path.
func (s *Store) SaveSnapshot(ctx context.Context, snap PageSnapshot) error {
	if snap.Path == "" {
		return fmt.Errorf("store: snapshot needs a path")
	}
	return s.Save(ctx, PartSnapshots, snap.Path, snap)
}

// Snapshot fetches the snapshot for a normalized path.
func (s *Store) Snapshot(ctx context.Context, path string) (PageSnapshot, bool, error) {
	var snap PageSnapshot
	found, err := s.Get(ctx, PartSnapshots, path, &snap)
	return snap, found, err
}

// DeleteSnapshot removes the snapshot for a path.
func (s *Store) DeleteSnapshot(ctx context.Context, path string) error {
	return s.Delete(ctx, PartSnapshots, path)
}
