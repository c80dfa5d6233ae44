package shell_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/hazyhaar/offsync/shell"
	"github.com/hazyhaar/offsync/store"
	_ "modernc.org/sqlite"
)

func openShell(t *testing.T, views ...string) *shell.Shell {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "shell.db"), store.Options{
		Partitions: store.EnginePartitions(),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return shell.New(st, shell.Options{Views: views})
}

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"https://app.example.com/grades?term=2":   "/grades",
		"https://app.example.com/grades/#section": "/grades",
		"/students/42/":           "/students/42",
		"/":                       "/",
		"https://app.example.com": "/",
		"/reports///":             "/reports",
	}
	for raw, want := range cases {
		got, err := shell.Normalize(raw)
		if err != nil {
			t.Fatalf("%q: %v", raw, err)
		}
		if got != want {
			t.Errorf("Normalize(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestCaptureThenResolve(t *testing.T) {
	sh := openShell(t, "Grades/Index")
	props := json.RawMessage(`{"term":"2025-S2"}`)

	err := sh.Capture(context.Background(), "https://app.example.com/grades?term=2", "Grades/Index", props, "etag-1")
	if err != nil {
		t.Fatal(err)
	}

	// Query differences must not matter: same normalized path.
	plan, err := sh.Resolve(context.Background(), "/grades?term=999")
	if err != nil {
		t.Fatal(err)
	}
	if plan.Kind != shell.RenderSnapshot {
		t.Fatalf("kind = %v, reason %q", plan.Kind, plan.Reason)
	}
	if plan.View != "Grades/Index" || string(plan.Props) != string(props) {
		t.Fatalf("plan = %+v", plan)
	}
}

func TestCaptureOverwrites(t *testing.T) {
	sh := openShell(t, "Grades/Index")
	for _, props := range []string{`{"v":1}`, `{"v":2}`} {
		if err := sh.Capture(context.Background(), "/grades", "Grades/Index", json.RawMessage(props), ""); err != nil {
			t.Fatal(err)
		}
	}
	plan, err := sh.Resolve(context.Background(), "/grades")
	if err != nil {
		t.Fatal(err)
	}
	if string(plan.Props) != `{"v":2}` {
		t.Fatalf("props = %s, want the latest capture", plan.Props)
	}
}

func TestResolveNoSnapshotFallsBack(t *testing.T) {
	sh := openShell(t, "Grades/Index")
	plan, err := sh.Resolve(context.Background(), "/never-visited")
	if err != nil {
		t.Fatal(err)
	}
	if plan.Kind != shell.RenderFallback {
		t.Fatal("missing snapshot did not fall back")
	}
	if plan.Reason != "no snapshot" {
		t.Fatalf("reason = %q", plan.Reason)
	}
}

func TestResolveUnregisteredViewFallsBack(t *testing.T) {
	sh := openShell(t) // no views registered
	if err := sh.Capture(context.Background(), "/grades", "Removed/View", nil, ""); err != nil {
		t.Fatal(err)
	}
	plan, err := sh.Resolve(context.Background(), "/grades")
	if err != nil {
		t.Fatal(err)
	}
	if plan.Kind != shell.RenderFallback || plan.Reason != "unregistered view" {
		t.Fatalf("plan = %+v", plan)
	}
}

func TestRegisterViewAfterConstruction(t *testing.T) {
	sh := openShell(t)
	if err := sh.Capture(context.Background(), "/grades", "Grades/Index", nil, ""); err != nil {
		t.Fatal(err)
	}
	sh.RegisterView("Grades/Index")
	plan, err := sh.Resolve(context.Background(), "/grades")
	if err != nil {
		t.Fatal(err)
	}
	if plan.Kind != shell.RenderSnapshot {
		t.Fatalf("plan = %+v", plan)
	}
}

func TestForget(t *testing.T) {
	sh := openShell(t, "Grades/Index")
	if err := sh.Capture(context.Background(), "/grades", "Grades/Index", nil, ""); err != nil {
		t.Fatal(err)
	}
	if err := sh.Forget(context.Background(), "/grades"); err != nil {
		t.Fatal(err)
	}
	plan, err := sh.Resolve(context.Background(), "/grades")
	if err != nil {
		t.Fatal(err)
	}
	if plan.Kind != shell.RenderFallback {
		t.Fatal("forgotten snapshot still resolves")
	}
}
