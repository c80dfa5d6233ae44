package store_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/offsync/store"
)

func openEngineStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.db")
	s, err := store.Open(path, store.Options{Partitions: store.EnginePartitions()})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEntityRoundTrip(t *testing.T) {
	s := openEngineStore(t)
	ctx := context.Background()

	e := store.CachedEntity{
		StoreName: "courses",
		ID:        "c1",
		Payload:   json.RawMessage(`{"title":"Algebra"}`),
		Version:   4,
		CachedAt:  1000,
	}
	if err := s.SaveEntity(ctx, e); err != nil {
		t.Fatal(err)
	}

	got, found, err := s.Entity(ctx, "courses", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("entity not found")
	}
	if got.Version != 4 || got.StoreName != "courses" {
		t.Fatalf("got %+v", got)
	}
}

func TestEntityVersionSequencesAreIndependent(t *testing.T) {
	s := openEngineStore(t)
	ctx := context.Background()

	s.SaveEntity(ctx, store.CachedEntity{StoreName: "courses", ID: "x", Version: 9})
	s.SaveEntity(ctx, store.CachedEntity{StoreName: "events", ID: "x", Version: 2})

	course, _, _ := s.Entity(ctx, "courses", "x")
	event, _, _ := s.Entity(ctx, "events", "x")
	if course.Version != 9 || event.Version != 2 {
		t.Fatalf("versions bled across stores: course=%d event=%d", course.Version, event.Version)
	}
}

func TestEntitiesByStore(t *testing.T) {
	s := openEngineStore(t)
	ctx := context.Background()

	s.SaveEntity(ctx, store.CachedEntity{StoreName: "courses", ID: "a", Version: 1})
	s.SaveEntity(ctx, store.CachedEntity{StoreName: "courses", ID: "b", Version: 1})
	s.SaveEntity(ctx, store.CachedEntity{StoreName: "grades", ID: "g", Version: 1})

	got, err := s.EntitiesByStore(ctx, "courses")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d courses, want 2", len(got))
	}
}

func TestSnapshotOverwrite(t *testing.T) {
	s := openEngineStore(t)
	ctx := context.Background()

	first := store.PageSnapshot{Path: "/dashboard", View: "Dashboard", Props: json.RawMessage(`{"count":1}`)}
	if err := s.SaveSnapshot(ctx, first); err != nil {
		t.Fatal(err)
	}
	second := store.PageSnapshot{Path: "/dashboard", View: "Dashboard", Props: json.RawMessage(`{"count":3}`)}
	if err := s.SaveSnapshot(ctx, second); err != nil {
		t.Fatal(err)
	}

	got, found, err := s.Snapshot(ctx, "/dashboard")
	if err != nil || !found {
		t.Fatalf("snapshot: found=%v err=%v", found, err)
	}

	var props struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(got.Props, &props); err != nil {
		t.Fatal(err)
	}
	if got.View != "Dashboard" || props.Count != 3 {
		t.Fatalf("got view=%q count=%d, want Dashboard/3", got.View, props.Count)
	}
}
