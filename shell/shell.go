// Package shell is the offline navigation layer: it captures a renderable
// snapshot of every page visited online and resolves later navigations
// from those snapshots when the network is gone. A path whose view was
// never registered, or that was never visited, resolves to the fallback
// plan — the shell shows what it has or says it has nothing, it never
// invents page data.
package shell

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/offsync/cachegate"
	"github.com/hazyhaar/offsync/store"
)

// PlanKind says how a Resolve answer should be rendered.
type PlanKind int

const (
	// RenderSnapshot means Plan carries a usable captured page.
	RenderSnapshot PlanKind = iota
	// RenderFallback means no snapshot (or no registered view) exists
	// for the path; show the offline fallback page.
	RenderFallback
)

// Plan is the answer to an offline navigation.
type Plan struct {
	Kind PlanKind
	Path string // normalized

	// Set when Kind is RenderSnapshot.
	View     string
	Props    json.RawMessage
	CachedAt time.Time

	// Reason explains a fallback: "no snapshot", "unregistered view".
	Reason string
}

// Shell resolves navigations against captured snapshots.
type Shell struct {
	store *store.Store
	log   *slog.Logger

	mu    sync.RWMutex
	views map[string]struct{}

	clock func() time.Time
}

// Options configures a Shell.
type Options struct {
	// Views are the renderable view names known to this build. Resolve
	// refuses snapshots whose view is not in the set, so a stale capture
	// from an older build cannot crash the renderer.
	Views []string

	Logger *slog.Logger
	Clock  func() time.Time
}

// New creates a shell over the persistent store.
func New(st *store.Store, opts Options) *Shell {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	views := make(map[string]struct{}, len(opts.Views))
	for _, v := range opts.Views {
		views[v] = struct{}{}
	}
	return &Shell{store: st, log: opts.Logger, views: views, clock: opts.Clock}
}

// RegisterView adds a view name to the registry after construction.
func (s *Shell) RegisterView(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.views[name] = struct{}{}
}

func (s *Shell) viewKnown(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.views[name]
	return ok
}

// Normalize reduces a raw URL to the snapshot key: path only, query and
// fragment stripped, trailing slash removed, "" becomes "/".
func Normalize(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("shell: bad url %q: %w", rawURL, err)
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
		if path == "" {
			path = "/"
		}
	}
	return path, nil
}

// Capture records the snapshot for a visited page, overwriting any
// previous capture of the same normalized path.
func (s *Shell) Capture(ctx context.Context, rawURL, view string, props json.RawMessage, serverTag string) error {
	path, err := Normalize(rawURL)
	if err != nil {
		return err
	}
	snap := store.PageSnapshot{
		Path:      path,
		View:      view,
		Props:     props,
		ServerTag: serverTag,
		CachedAt:  s.clock().UnixMilli(),
	}
	if err := s.store.SaveSnapshot(ctx, snap); err != nil {
		return err
	}
	s.log.Debug("shell: captured", "path", path, "view", view)
	return nil
}

// Resolve answers an offline navigation. Storage failures degrade to the
// fallback plan rather than erroring: a broken cache reads the same as an
// empty one.
func (s *Shell) Resolve(ctx context.Context, rawURL string) (Plan, error) {
	path, err := Normalize(rawURL)
	if err != nil {
		return Plan{}, err
	}

	snap, found, err := s.store.Snapshot(ctx, path)
	if err != nil {
		s.log.Warn("shell: snapshot lookup failed", "path", path, "error", err)
		return Plan{Kind: RenderFallback, Path: path, Reason: "storage unavailable"}, nil
	}
	if !found {
		return Plan{Kind: RenderFallback, Path: path, Reason: "no snapshot"}, nil
	}
	if !s.viewKnown(snap.View) {
		s.log.Warn("shell: snapshot view unregistered", "path", path, "view", snap.View)
		return Plan{Kind: RenderFallback, Path: path, Reason: "unregistered view"}, nil
	}
	return Plan{
		Kind:     RenderSnapshot,
		Path:     path,
		View:     snap.View,
		Props:    snap.Props,
		CachedAt: time.UnixMilli(snap.CachedAt),
	}, nil
}

// Forget removes the snapshot for a path.
func (s *Shell) Forget(ctx context.Context, rawURL string) error {
	path, err := Normalize(rawURL)
	if err != nil {
		return err
	}
	return s.store.DeleteSnapshot(ctx, path)
}

// Prefetch warms the response cache for the core navigation paths so
// snapshots and page payloads exist before the first offline visit. Run
// on startup and on reconnection; individual failures are logged, not
// fatal.
func (s *Shell) Prefetch(ctx context.Context, gate *cachegate.Engine, paths []string) {
	for _, p := range paths {
		_, err := gate.Fetch(ctx, cachegate.Request{Class: cachegate.ClassPage, Key: p})
		if err != nil {
			s.log.Debug("shell: prefetch failed", "path", p, "error", err)
			continue
		}
		s.log.Debug("shell: prefetched", "path", p)
	}
}
