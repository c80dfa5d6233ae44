package offsync

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "24h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("offsync: bad duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts back to a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the engine's YAML-loadable configuration. Zero values mean
// "use the default"; every section has a defaults() applied at New.
type Config struct {
	// DBPath is the SQLite database file. Everything the engine persists
	// lives in this one file.
	DBPath string `yaml:"db_path"`

	Remote RemoteConfig `yaml:"remote"`
	Sync   SyncConfig   `yaml:"sync"`
	Cache  CacheConfig  `yaml:"cache"`
	Files  FilesConfig  `yaml:"files"`

	// Prefetch lists core navigation paths warmed on startup and on every
	// reconnection, so first offline visits find a cached page.
	Prefetch []string `yaml:"prefetch"`

	// Views are the renderable view names snapshots may reference.
	Views []string `yaml:"views"`
}

// RemoteConfig describes the server the engine syncs against.
type RemoteConfig struct {
	BaseURL string `yaml:"base_url"`

	// HealthPath is probed to detect reachability. Default: /up.
	HealthPath string `yaml:"health_path"`
	// ProbeInterval is how often reachability is probed. Default: 30s.
	ProbeInterval Duration `yaml:"probe_interval"`

	// Timeout bounds each request. Default: 30s.
	Timeout Duration `yaml:"timeout"`
	// MaxRetries is the per-request retry count inside one dispatch.
	// Default: 2.
	MaxRetries int `yaml:"max_retries"`
	// Backoff is the base retry backoff. Default: 500ms.
	Backoff Duration `yaml:"backoff"`

	// BreakerThreshold opens the circuit after this many consecutive
	// network failures. Default: 5.
	BreakerThreshold int `yaml:"breaker_threshold"`
	// BreakerReset is how long the circuit stays open. Default: 30s.
	BreakerReset Duration `yaml:"breaker_reset"`

	// Headers are sent on every request (auth tokens, client id).
	Headers map[string]string `yaml:"headers"`
}

// SyncConfig tunes the drain loop.
type SyncConfig struct {
	// Interval is the periodic drain tick while work is pending.
	// Default: 60s.
	Interval Duration `yaml:"interval"`
	// Retention keeps synced actions and journal rows this long.
	// Default: 24h.
	Retention Duration `yaml:"retention"`
	// MaxAttempts is the retry budget before dead-lettering. Default: 5.
	MaxAttempts int `yaml:"max_attempts"`
}

// CacheConfig tunes the response cache.
type CacheConfig struct {
	// APIMaxEntries bounds the api-read class. Default: 100.
	APIMaxEntries int `yaml:"api_max_entries"`
	// APIMaxAge is the api-read shelf life. Default: 10m.
	APIMaxAge Duration `yaml:"api_max_age"`
	// NetworkTimeout is the network-first budget. Default: 5s.
	NetworkTimeout Duration `yaml:"network_timeout"`
	// PageMaxEntries bounds the page class. Default: 100.
	PageMaxEntries int `yaml:"page_max_entries"`

	// QuotaBytes is the storage budget the quota monitor enforces.
	// Zero disables quota handling.
	QuotaBytes int64 `yaml:"quota_bytes"`
	// QuotaInterval is the usage poll interval. Default: 60s.
	QuotaInterval Duration `yaml:"quota_interval"`
}

// FilesConfig tunes the file cache.
type FilesConfig struct {
	// MaxFileSize rejects larger downloads. Default: 10 MiB.
	MaxFileSize int64 `yaml:"max_file_size"`
}

func (c *Config) defaults() {
	if c.DBPath == "" {
		c.DBPath = "offsync.db"
	}
	c.Remote.defaults()
	c.Sync.defaults()
	c.Cache.defaults()
}

func (c *RemoteConfig) defaults() {
	if c.HealthPath == "" {
		c.HealthPath = "/up"
	}
	if c.ProbeInterval == 0 {
		c.ProbeInterval = Duration(30 * time.Second)
	}
	if c.Timeout == 0 {
		c.Timeout = Duration(30 * time.Second)
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.Backoff == 0 {
		c.Backoff = Duration(500 * time.Millisecond)
	}
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerReset == 0 {
		c.BreakerReset = Duration(30 * time.Second)
	}
}

func (c *SyncConfig) defaults() {
	if c.Interval == 0 {
		c.Interval = Duration(time.Minute)
	}
	if c.Retention == 0 {
		c.Retention = Duration(24 * time.Hour)
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
}

func (c *CacheConfig) defaults() {
	if c.APIMaxEntries == 0 {
		c.APIMaxEntries = 100
	}
	if c.APIMaxAge == 0 {
		c.APIMaxAge = Duration(10 * time.Minute)
	}
	if c.NetworkTimeout == 0 {
		c.NetworkTimeout = Duration(5 * time.Second)
	}
	if c.PageMaxEntries == 0 {
		c.PageMaxEntries = 100
	}
	if c.QuotaInterval == 0 {
		c.QuotaInterval = Duration(time.Minute)
	}
}

// LoadConfig reads a YAML config file. A missing file is an error; use the
// zero Config for an all-defaults engine.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("offsync: read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("offsync: parse config %s: %w", path, err)
	}
	return cfg, nil
}
