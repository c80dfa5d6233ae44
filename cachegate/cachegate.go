// Package cachegate is the read-path policy engine: it decides, per
// resource class, whether a fetch is answered from the response cache, the
// network, or both. The engine runs on its own goroutine and callers talk
// to it over a channel, so cache bookkeeping is single-writer and races on
// eviction cannot happen.
package cachegate

import (
	"context"
	"log/slog"
	"time"
)

// Class groups resources that share a caching policy.
type Class string

const (
	// ClassStatic covers versioned assets: immutable once fetched.
	ClassStatic Class = "static"
	// ClassAPIRead covers GET API responses: freshness matters.
	ClassAPIRead Class = "api-read"
	// ClassPage covers navigable page payloads: show fast, refresh behind.
	ClassPage Class = "page"
)

// Strategy is the fetch policy for a class.
type Strategy int

const (
	// CacheFirst serves from cache when present, fetching only on a miss.
	CacheFirst Strategy = iota
	// NetworkFirst tries the network within a timeout and falls back to
	// the cache on failure.
	NetworkFirst
	// StaleWhileRevalidate serves the cached copy immediately and
	// refreshes it in the background.
	StaleWhileRevalidate
)

func (s Strategy) String() string {
	switch s {
	case CacheFirst:
		return "cache-first"
	case NetworkFirst:
		return "network-first"
	case StaleWhileRevalidate:
		return "stale-while-revalidate"
	default:
		return "unknown"
	}
}

// Route binds a class to a strategy and its bounds.
type Route struct {
	Strategy   Strategy
	Timeout    time.Duration // network budget for NetworkFirst
	MaxEntries int           // LRU bound, 0 = unbounded
	MaxAge     time.Duration // entries older than this are not served, 0 = forever
}

// DefaultRoutes is the policy table the engine ships with: static assets
// are cache-first, API reads are network-first with a five second budget
// and a ten minute shelf life, pages are stale-while-revalidate.
func DefaultRoutes() map[Class]Route {
	return map[Class]Route{
		ClassStatic:  {Strategy: CacheFirst},
		ClassAPIRead: {Strategy: NetworkFirst, Timeout: 5 * time.Second, MaxAge: 10 * time.Minute, MaxEntries: 100},
		ClassPage:    {Strategy: StaleWhileRevalidate, MaxEntries: 100},
	}
}

// Source says where a response body came from.
type Source int

const (
	FromNetwork Source = iota
	FromCache
	FromStaleCache // cache hit past MaxAge served because the network failed
)

func (s Source) String() string {
	switch s {
	case FromNetwork:
		return "network"
	case FromCache:
		return "cache"
	case FromStaleCache:
		return "stale-cache"
	default:
		return "unknown"
	}
}

// Request identifies one cacheable resource.
type Request struct {
	Class Class
	Key   string // URL or API path, the cache key within the class
}

// Response is the engine's answer.
type Response struct {
	Body     []byte
	Headers  map[string]string
	Source   Source
	CachedAt time.Time // zero for FromNetwork
}

// Upstream is what a Fetcher returns on success.
type Upstream struct {
	Body    []byte
	Headers map[string]string
}

// Fetcher performs the actual network fetch for a request. It must honor
// its context; the engine applies the route's timeout before calling it.
type Fetcher func(ctx context.Context, req Request) (*Upstream, error)

// Options configures an Engine.
type Options struct {
	// Routes maps classes to policies. Nil uses DefaultRoutes. A request
	// for an unrouted class is an error, not a silent passthrough.
	Routes map[Class]Route

	// Fetcher is required.
	Fetcher Fetcher

	// Quota, when set, gates cache writes. A refused write degrades the
	// request to network-only; it never fails the fetch itself.
	Quota *QuotaMonitor

	Logger *slog.Logger

	// Clock is injectable for tests. Nil uses time.Now.
	Clock func() time.Time
}

func (o *Options) defaults() {
	if o.Routes == nil {
		o.Routes = DefaultRoutes()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}
