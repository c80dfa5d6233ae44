package offsync

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	cfg.defaults()

	if cfg.DBPath != "offsync.db" {
		t.Fatalf("db path = %q", cfg.DBPath)
	}
	if cfg.Remote.HealthPath != "/up" || cfg.Remote.Timeout.Std() != 30*time.Second {
		t.Fatalf("remote defaults = %+v", cfg.Remote)
	}
	if cfg.Sync.Interval.Std() != time.Minute || cfg.Sync.Retention.Std() != 24*time.Hour || cfg.Sync.MaxAttempts != 5 {
		t.Fatalf("sync defaults = %+v", cfg.Sync)
	}
	if cfg.Cache.APIMaxEntries != 100 || cfg.Cache.APIMaxAge.Std() != 10*time.Minute || cfg.Cache.NetworkTimeout.Std() != 5*time.Second {
		t.Fatalf("cache defaults = %+v", cfg.Cache)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offsync.yaml")
	raw := `
db_path: /var/lib/offsync/engine.db
remote:
  base_url: https://grades.example.edu
  timeout: 10s
  headers:
    Authorization: Bearer token-1
sync:
  interval: 30s
  max_attempts: 3
cache:
  quota_bytes: 52428800
prefetch:
  - /dashboard
  - /grades
views:
  - Grades/Index
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DBPath != "/var/lib/offsync/engine.db" {
		t.Fatalf("db path = %q", cfg.DBPath)
	}
	if cfg.Remote.BaseURL != "https://grades.example.edu" || cfg.Remote.Timeout.Std() != 10*time.Second {
		t.Fatalf("remote = %+v", cfg.Remote)
	}
	if cfg.Remote.Headers["Authorization"] != "Bearer token-1" {
		t.Fatalf("headers = %+v", cfg.Remote.Headers)
	}
	if cfg.Sync.Interval.Std() != 30*time.Second || cfg.Sync.MaxAttempts != 3 {
		t.Fatalf("sync = %+v", cfg.Sync)
	}
	if cfg.Cache.QuotaBytes != 52428800 {
		t.Fatalf("quota = %d", cfg.Cache.QuotaBytes)
	}
	if len(cfg.Prefetch) != 2 || cfg.Prefetch[1] != "/grades" {
		t.Fatalf("prefetch = %v", cfg.Prefetch)
	}
	if len(cfg.Views) != 1 {
		t.Fatalf("views = %v", cfg.Views)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig("/nonexistent/offsync.yaml"); err == nil {
		t.Fatal("missing file did not error")
	}
}
