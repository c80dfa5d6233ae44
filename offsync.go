// Package offsync is an offline-first synchronization engine: a local
// SQLite store for domain entities, a durable queue for mutations made
// while disconnected, cache strategies for reads, file and page-snapshot
// caches, and a drain loop that replays queued work when connectivity
// returns, resolving version conflicts in the server's favor.
package offsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/hazyhaar/offsync/actionq"
	"github.com/hazyhaar/offsync/cachegate"
	"github.com/hazyhaar/offsync/filecache"
	"github.com/hazyhaar/offsync/netstate"
	"github.com/hazyhaar/offsync/oplog"
	"github.com/hazyhaar/offsync/remote"
	"github.com/hazyhaar/offsync/shell"
	"github.com/hazyhaar/offsync/store"
	"github.com/hazyhaar/offsync/syncer"
)

// Options are the non-configuration dependencies of an Engine.
type Options struct {
	Logger *slog.Logger

	// HTTPClient is used for cache fills, file downloads, and the
	// reachability probe. Nil uses http.DefaultClient.
	HTTPClient *http.Client

	// Handlers extends the action-type registry beyond the built-in
	// entity handler. Keys must not collide with ActionTypeEntity.
	Handlers map[string]syncer.Handler
}

// Engine wires every component over one SQLite database.
type Engine struct {
	cfg Config
	log *slog.Logger

	store   *store.Store
	queue   actionq.Queue
	net     *netstate.Monitor
	gate    *cachegate.Engine
	files   *filecache.Cache
	shell   *shell.Shell
	sync    *syncer.Syncer
	journal *oplog.Log
	quota   *cachegate.QuotaMonitor
	breaker *remote.CircuitBreaker

	httpClient *http.Client

	startOnce sync.Once
	cancel    context.CancelFunc
}

// New builds an engine. A database that cannot be opened degrades the
// engine to memory-only operation instead of failing: reads and writes
// keep working for the life of the process, they just do not survive a
// restart.
func New(cfg Config, opts Options) (*Engine, error) {
	cfg.defaults()
	if cfg.Remote.BaseURL == "" {
		return nil, fmt.Errorf("offsync: remote.base_url is required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	e := &Engine{cfg: cfg, log: log, httpClient: httpClient}

	storeOpts := store.Options{Partitions: store.EnginePartitions(), Logger: log}
	st, err := store.Open(cfg.DBPath, storeOpts)
	if err != nil {
		log.Error("offsync: storage unavailable, degrading to memory-only mode",
			"path", cfg.DBPath, "error", err)
		st = store.Memory(storeOpts)
	}
	e.store = st

	ctx := context.Background()
	if st.Durable() {
		if err := e.initDurable(ctx); err != nil {
			log.Error("offsync: storage unavailable, degrading to memory-only mode",
				"path", cfg.DBPath, "error", err)
			st.Close()
			st = store.Memory(storeOpts)
			e.store = st
			e.queue = actionq.NewMem(actionq.Options{MaxAttempts: cfg.Sync.MaxAttempts})
			e.journal = nil
			e.files = nil
			e.quota = nil
		}
	} else {
		e.queue = actionq.NewMem(actionq.Options{MaxAttempts: cfg.Sync.MaxAttempts})
	}

	e.net = netstate.New(log)
	e.breaker = remote.NewBreaker(
		remote.WithBreakerThreshold(cfg.Remote.BreakerThreshold),
		remote.WithBreakerResetTimeout(cfg.Remote.BreakerReset.Std()),
	)

	client := remote.New(cfg.Remote.BaseURL, remote.Options{
		HTTPClient: httpClient,
		Headers:    cfg.Remote.Headers,
	})
	doer := remote.Chain(client.Do,
		remote.WithBreaker(e.breaker),
		remote.WithRetry(cfg.Remote.MaxRetries, cfg.Remote.Backoff.Std(), log),
		remote.WithTimeout(cfg.Remote.Timeout.Std()),
	)

	gate, err := cachegate.New(ctx, st.DB(), cachegate.Options{
		Routes: map[cachegate.Class]cachegate.Route{
			cachegate.ClassStatic: {Strategy: cachegate.CacheFirst},
			cachegate.ClassAPIRead: {
				Strategy:   cachegate.NetworkFirst,
				Timeout:    cfg.Cache.NetworkTimeout.Std(),
				MaxAge:     cfg.Cache.APIMaxAge.Std(),
				MaxEntries: cfg.Cache.APIMaxEntries,
			},
			cachegate.ClassPage: {
				Strategy:   cachegate.StaleWhileRevalidate,
				MaxEntries: cfg.Cache.PageMaxEntries,
			},
		},
		Fetcher: e.fillCache,
		Quota:   e.quota,
		Logger:  log,
	})
	if err != nil {
		return nil, err
	}
	e.gate = gate

	e.shell = shell.New(st, shell.Options{Views: cfg.Views, Logger: log})

	handlers := map[string]syncer.Handler{
		ActionTypeEntity: NewEntityHandler(st, log),
	}
	for typ, h := range opts.Handlers {
		if typ == ActionTypeEntity {
			return nil, fmt.Errorf("offsync: handler type %q is reserved", typ)
		}
		handlers[typ] = h
	}
	e.sync = syncer.New(e.queue, doer, e.net, syncer.Options{
		Handlers:  handlers,
		Interval:  cfg.Sync.Interval.Std(),
		Retention: cfg.Sync.Retention.Std(),
		Journal:   e.journal,
		Logger:    log,
	})

	return e, nil
}

// initDurable wires the components that live in the SQLite database. Any
// failure is treated the same as an unopenable database: the caller falls
// back to memory-only operation.
func (e *Engine) initDurable(ctx context.Context) error {
	db := e.store.DB()
	q := actionq.New(db, actionq.Options{MaxAttempts: e.cfg.Sync.MaxAttempts})
	if err := q.EnsureTable(ctx); err != nil {
		return err
	}
	e.queue = q

	journal := oplog.New(db)
	if err := journal.EnsureTable(ctx); err != nil {
		return err
	}
	e.journal = journal

	if e.cfg.Cache.QuotaBytes > 0 {
		e.quota = cachegate.NewQuotaMonitor(e.quotaUsage, e.evict, e.log)
	}

	files := filecache.New(db, filecache.Options{
		HTTPClient:  e.httpClient,
		Quota:       e.quota,
		MaxFileSize: e.cfg.Files.MaxFileSize,
		Logger:      e.log,
	})
	if err := files.EnsureTable(ctx); err != nil {
		return err
	}
	e.files = files
	return nil
}

// Start launches the background loops: the drain loop, the cache engine,
// the reachability probe, quota polling, and reconnect prefetch. Call once;
// Close stops everything.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		ctx, e.cancel = context.WithCancel(ctx)

		go e.gate.Run(ctx)
		go e.sync.Run(ctx)
		go e.net.Probe(ctx, e.cfg.Remote.ProbeInterval.Std(), e.probe)
		if e.quota != nil {
			go e.quota.Run(ctx, e.cfg.Cache.QuotaInterval.Std())
		}
		if len(e.cfg.Prefetch) > 0 {
			e.net.Subscribe(func(online bool) {
				if online {
					go e.shell.Prefetch(ctx, e.gate, e.cfg.Prefetch)
				}
			})
		}
		e.log.Info("offsync: engine started",
			"db", e.cfg.DBPath, "durable", e.store.Durable(), "remote", e.cfg.Remote.BaseURL)
	})
}

// Close stops background loops and closes the database.
func (e *Engine) Close() error {
	if e.cancel != nil {
		e.cancel()
	}
	return e.store.Close()
}

// Durable reports whether local state survives a restart.
func (e *Engine) Durable() bool { return e.store.Durable() }

// Store exposes the entity and snapshot store.
func (e *Engine) Store() *store.Store { return e.store }

// Queue exposes the pending-action queue.
func (e *Engine) Queue() actionq.Queue { return e.queue }

// Cache exposes the response cache engine.
func (e *Engine) Cache() *cachegate.Engine { return e.gate }

// Files exposes the file cache; nil in memory-only mode.
func (e *Engine) Files() *filecache.Cache { return e.files }

// Shell exposes the offline navigation shell.
func (e *Engine) Shell() *shell.Shell { return e.shell }

// Syncer exposes the drain loop for observers and conflict notices.
func (e *Engine) Syncer() *syncer.Syncer { return e.sync }

// Journal exposes the sync run journal; nil in memory-only mode.
func (e *Engine) Journal() *oplog.Log { return e.journal }

// Net exposes the reachability monitor.
func (e *Engine) Net() *netstate.Monitor { return e.net }

// Mutation is an intended change to server state, recorded locally first.
type Mutation struct {
	Method   string
	Endpoint string
	Payload  json.RawMessage

	// StoreName/EntityID tie the mutation to a cached entity so the
	// engine can record server versions and refresh it on conflicts.
	// Leave empty for fire-and-forget endpoints.
	StoreName string
	EntityID  string

	// ExpectedVersion enables optimistic concurrency when HasVersion is
	// set: the server rejects the write if the entity moved past it.
	ExpectedVersion int64
	HasVersion      bool
}

// Submit durably queues a mutation and, when online, requests a drain.
// The returned id identifies the queued action. Optimistic local state
// (applying the change to the cached entity immediately) is the caller's
// choice; confirmed state always comes back through the entity handler.
func (e *Engine) Submit(ctx context.Context, m Mutation) (int64, error) {
	meta, err := json.Marshal(entityMeta{
		StoreName:       m.StoreName,
		ID:              m.EntityID,
		ExpectedVersion: m.ExpectedVersion,
		HasVersion:      m.HasVersion,
	})
	if err != nil {
		return 0, fmt.Errorf("offsync: encode metadata: %w", err)
	}
	id, err := e.queue.Enqueue(ctx, ActionTypeEntity, m.Method, m.Endpoint, m.Payload, meta)
	if err != nil {
		return 0, err
	}
	e.log.Debug("offsync: mutation queued", "id", id, "endpoint", m.Endpoint)
	if e.net.Online() {
		e.sync.TriggerSync()
	}
	return id, nil
}

// Status reports the sync position and pending count for UI badges.
func (e *Engine) Status(ctx context.Context) (syncer.Status, error) {
	return e.sync.Status(ctx)
}

// TriggerSync requests an immediate drain.
func (e *Engine) TriggerSync() bool { return e.sync.TriggerSync() }

// ClearAll wipes every piece of offline state: queue, entities, snapshots,
// response caches, and cached files. An in-flight sync stops before
// touching further actions.
func (e *Engine) ClearAll(ctx context.Context) error {
	if err := e.sync.Clear(ctx); err != nil {
		return err
	}
	for _, part := range []string{store.PartEntities, store.PartSnapshots} {
		if err := e.store.Clear(ctx, part); err != nil {
			return err
		}
	}
	for _, class := range []cachegate.Class{cachegate.ClassStatic, cachegate.ClassAPIRead, cachegate.ClassPage} {
		if err := e.gate.Clear(ctx, class); err != nil {
			return err
		}
	}
	if e.files != nil {
		if err := e.files.Clear(ctx); err != nil {
			return err
		}
	}
	e.log.Info("offsync: offline data cleared")
	return nil
}

// fillCache is the cachegate fetcher: a plain GET against the remote,
// keyed by path.
func (e *Engine) fillCache(ctx context.Context, req cachegate.Request) (*cachegate.Upstream, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, e.cfg.Remote.BaseURL+req.Key, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range e.cfg.Remote.Headers {
		httpReq.Header.Set(k, v)
	}
	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("offsync: fetch %s: status %d", req.Key, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	headers := map[string]string{}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		headers["Content-Type"] = ct
	}
	if etag := resp.Header.Get("ETag"); etag != "" {
		headers["ETag"] = etag
	}
	return &cachegate.Upstream{Body: body, Headers: headers}, nil
}

// probe checks remote reachability with a cheap HEAD.
func (e *Engine) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, e.cfg.Remote.BaseURL+e.cfg.Remote.HealthPath, nil)
	if err != nil {
		return false
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

// quotaUsage reports database file size against the configured budget.
func (e *Engine) quotaUsage(ctx context.Context) (used, total int64, err error) {
	for _, suffix := range []string{"", "-wal"} {
		info, statErr := os.Stat(e.cfg.DBPath + suffix)
		if statErr != nil {
			continue
		}
		used += info.Size()
	}
	return used, e.cfg.Cache.QuotaBytes, nil
}

// evict frees file-cache space under quota pressure.
func (e *Engine) evict(ctx context.Context, targetBytes int64) error {
	if e.files == nil {
		return nil
	}
	freed, err := e.files.EvictLRU(ctx, targetBytes)
	if err != nil {
		return err
	}
	e.log.Info("offsync: quota eviction", "freed", freed, "target", targetBytes)
	return nil
}
