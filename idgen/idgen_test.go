package idgen_test

import (
	"strings"
	"testing"

	"github.com/hazyhaar/offsync/idgen"
)

func TestUUIDv7Unique(t *testing.T) {
	gen := idgen.UUIDv7()
	seen := make(map[string]bool)
	for range 100 {
		id := gen()
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestPrefixed(t *testing.T) {
	gen := idgen.Prefixed("run_", idgen.UUIDv7())
	id := gen()
	if !strings.HasPrefix(id, "run_") {
		t.Fatalf("id %q lacks prefix", id)
	}
	if len(id) <= len("run_") {
		t.Fatalf("id %q has no body", id)
	}
}

func TestTimestamped(t *testing.T) {
	gen := idgen.Timestamped(idgen.UUIDv7())
	id := gen()
	if !strings.Contains(id, "_") {
		t.Fatalf("id %q lacks separator", id)
	}
	if !strings.Contains(id, "T") || !strings.Contains(id, "Z") {
		t.Fatalf("id %q lacks timestamp part", id)
	}
}
