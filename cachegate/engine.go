package cachegate

import (
	"context"
	"database/sql"
)

// Engine serves Fetch requests according to the route table. All cache
// reads and writes happen on the Run goroutine; Fetch and Clear submit
// work to it over a channel and wait for the answer.
type Engine struct {
	store cacheStore
	opts  Options
	ops   chan func(ctx context.Context)
}

// New creates an engine backed by db. A nil db selects the in-memory
// store, the degraded mode used when SQLite is unavailable.
func New(ctx context.Context, db *sql.DB, opts Options) (*Engine, error) {
	opts.defaults()
	if opts.Fetcher == nil {
		return nil, &ErrNoRoute{Class: "(no fetcher configured)"}
	}
	var (
		cs  cacheStore
		err error
	)
	if db != nil {
		cs, err = newSQLiteStore(ctx, db)
		if err != nil {
			return nil, err
		}
	} else {
		cs = newMemStore()
	}
	return &Engine{
		store: cs,
		opts:  opts,
		ops:   make(chan func(ctx context.Context)),
	}, nil
}

// Run processes requests until ctx is cancelled. Exactly one Run must be
// active for Fetch to make progress.
func (e *Engine) Run(ctx context.Context) {
	e.opts.Logger.Info("cachegate: engine started")
	for {
		select {
		case <-ctx.Done():
			e.opts.Logger.Info("cachegate: engine stopped")
			return
		case op := <-e.ops:
			op(ctx)
		}
	}
}

type fetchReply struct {
	resp *Response
	err  error
}

// Fetch resolves one resource through its class's strategy.
func (e *Engine) Fetch(ctx context.Context, req Request) (*Response, error) {
	reply := make(chan fetchReply, 1)
	op := func(runCtx context.Context) {
		e.handle(ctx, runCtx, req, reply)
	}
	select {
	case e.ops <- op:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Clear drops every cached entry of the class.
func (e *Engine) Clear(ctx context.Context, class Class) error {
	reply := make(chan error, 1)
	op := func(runCtx context.Context) {
		reply <- e.store.clear(runCtx, class)
	}
	select {
	case e.ops <- op:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Count reports how many entries the class currently holds.
func (e *Engine) Count(ctx context.Context, class Class) (int64, error) {
	type countReply struct {
		n   int64
		err error
	}
	reply := make(chan countReply, 1)
	op := func(runCtx context.Context) {
		n, err := e.store.count(runCtx, class)
		reply <- countReply{n: n, err: err}
	}
	select {
	case e.ops <- op:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.n, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// handle runs on the engine goroutine and sends exactly one reply. Cache
// reads stay on this goroutine; network legs run on their own goroutine so
// one slow upstream never stalls other requests, and any resulting write is
// submitted back through ops to keep the store single-writer. callerCtx
// bounds the network fetch, runCtx owns background work that outlives the
// caller.
func (e *Engine) handle(callerCtx, runCtx context.Context, req Request, reply chan<- fetchReply) {
	route, ok := e.opts.Routes[req.Class]
	if !ok {
		reply <- fetchReply{err: &ErrNoRoute{Class: req.Class}}
		return
	}
	switch route.Strategy {
	case NetworkFirst:
		e.networkFirst(callerCtx, runCtx, req, route, reply)
	case StaleWhileRevalidate:
		e.staleWhileRevalidate(callerCtx, runCtx, req, route, reply)
	default:
		e.cacheFirst(callerCtx, runCtx, req, route, reply)
	}
}

func (e *Engine) cacheFirst(callerCtx, runCtx context.Context, req Request, route Route, reply chan<- fetchReply) {
	hit, ok, err := e.store.get(callerCtx, req.Class, req.Key)
	if err != nil {
		e.opts.Logger.Warn("cachegate: cache read failed", "class", req.Class, "key", req.Key, "error", err)
	}
	if ok && e.fresh(hit, route) {
		e.store.touch(callerCtx, req.Class, req.Key, e.opts.Clock())
		reply <- fetchReply{resp: cached(hit, FromCache)}
		return
	}

	go func() {
		up, err := e.opts.Fetcher(callerCtx, req)
		if err != nil {
			if ok {
				// Expired copy beats nothing when the network is down.
				reply <- fetchReply{resp: cached(hit, FromStaleCache)}
				return
			}
			reply <- fetchReply{err: &ErrMiss{Class: req.Class, Key: req.Key, Cause: err}}
			return
		}
		// Write before replying so a follow-up request observes the entry.
		e.submitWrite(runCtx, req, route, up)
		reply <- fetchReply{resp: fetched(up)}
	}()
}

func (e *Engine) networkFirst(callerCtx, runCtx context.Context, req Request, route Route, reply chan<- fetchReply) {
	hit, ok, getErr := e.store.get(callerCtx, req.Class, req.Key)
	if getErr != nil {
		e.opts.Logger.Warn("cachegate: cache read failed", "class", req.Class, "key", req.Key, "error", getErr)
	}

	go func() {
		fetchCtx := callerCtx
		if route.Timeout > 0 {
			var cancel context.CancelFunc
			fetchCtx, cancel = context.WithTimeout(callerCtx, route.Timeout)
			defer cancel()
		}
		up, err := e.opts.Fetcher(fetchCtx, req)
		if err == nil {
			e.submitWrite(runCtx, req, route, up)
			reply <- fetchReply{resp: fetched(up)}
			return
		}
		if !ok {
			reply <- fetchReply{err: &ErrMiss{Class: req.Class, Key: req.Key, Cause: err}}
			return
		}
		e.submitTouch(runCtx, req)
		if e.fresh(hit, route) {
			reply <- fetchReply{resp: cached(hit, FromCache)}
			return
		}
		reply <- fetchReply{resp: cached(hit, FromStaleCache)}
	}()
}

func (e *Engine) staleWhileRevalidate(callerCtx, runCtx context.Context, req Request, route Route, reply chan<- fetchReply) {
	hit, ok, err := e.store.get(callerCtx, req.Class, req.Key)
	if err != nil {
		e.opts.Logger.Warn("cachegate: cache read failed", "class", req.Class, "key", req.Key, "error", err)
	}
	if !ok {
		go func() {
			up, err := e.opts.Fetcher(callerCtx, req)
			if err != nil {
				reply <- fetchReply{err: &ErrMiss{Class: req.Class, Key: req.Key, Cause: err}}
				return
			}
			e.submitWrite(runCtx, req, route, up)
			reply <- fetchReply{resp: fetched(up)}
		}()
		return
	}

	e.store.touch(callerCtx, req.Class, req.Key, e.opts.Clock())
	e.revalidate(runCtx, req, route)
	if e.fresh(hit, route) {
		reply <- fetchReply{resp: cached(hit, FromCache)}
		return
	}
	reply <- fetchReply{resp: cached(hit, FromStaleCache)}
}

// revalidate refreshes an entry in the background.
func (e *Engine) revalidate(runCtx context.Context, req Request, route Route) {
	go func() {
		up, err := e.opts.Fetcher(runCtx, req)
		if err != nil {
			e.opts.Logger.Debug("cachegate: revalidation failed", "class", req.Class, "key", req.Key, "error", err)
			return
		}
		e.submitWrite(runCtx, req, route, up)
	}()
}

// submitWrite hands a network result to the engine goroutine and waits for
// the write to land, so a caller that has seen its reply can rely on the
// entry being stored.
func (e *Engine) submitWrite(runCtx context.Context, req Request, route Route, up *Upstream) {
	done := make(chan struct{})
	op := func(ctx context.Context) {
		defer close(done)
		e.storeEntry(ctx, req, route, up)
	}
	select {
	case e.ops <- op:
	case <-runCtx.Done():
		return
	}
	select {
	case <-done:
	case <-runCtx.Done():
	}
}

func (e *Engine) submitTouch(runCtx context.Context, req Request) {
	done := make(chan struct{})
	op := func(ctx context.Context) {
		defer close(done)
		e.store.touch(ctx, req.Class, req.Key, e.opts.Clock())
	}
	select {
	case e.ops <- op:
	case <-runCtx.Done():
		return
	}
	select {
	case <-done:
	case <-runCtx.Done():
	}
}

// storeEntry writes an upstream response into the cache, honoring quota
// admission and the class's LRU bound. A refused or failed write is logged
// and swallowed: the caller already has the body.
func (e *Engine) storeEntry(ctx context.Context, req Request, route Route, up *Upstream) {
	if e.opts.Quota != nil {
		if err := e.opts.Quota.AdmitWrite(ctx); err != nil {
			e.opts.Logger.Warn("cachegate: write refused", "class", req.Class, "key", req.Key, "error", err)
			return
		}
	}
	now := e.opts.Clock()
	err := e.store.put(ctx, req.Class, req.Key, &entry{
		Body:       up.Body,
		Headers:    up.Headers,
		CachedAt:   now,
		LastAccess: now,
	})
	if err != nil {
		e.opts.Logger.Warn("cachegate: cache write failed", "class", req.Class, "key", req.Key, "error", err)
		return
	}
	if route.MaxEntries > 0 {
		if n, err := e.store.trimLRU(ctx, req.Class, route.MaxEntries); err != nil {
			e.opts.Logger.Warn("cachegate: trim failed", "class", req.Class, "error", err)
		} else if n > 0 {
			e.opts.Logger.Debug("cachegate: evicted", "class", req.Class, "entries", n)
		}
	}
}

func (e *Engine) fresh(hit *entry, route Route) bool {
	return route.MaxAge == 0 || e.opts.Clock().Sub(hit.CachedAt) < route.MaxAge
}

func cached(hit *entry, src Source) *Response {
	return &Response{Body: hit.Body, Headers: hit.Headers, Source: src, CachedAt: hit.CachedAt}
}

func fetched(up *Upstream) *Response {
	return &Response{Body: up.Body, Headers: up.Headers, Source: FromNetwork}
}
