// Package syncer drains the pending-action queue against the remote API.
// A drain runs when connectivity returns, on a periodic tick while work is
// pending, or on explicit request; only one drain is ever active. Each
// action is dispatched through the handler registered for its type and its
// outcome decides the queue transition: confirmed, retried, dead-lettered,
// or dropped on a stale-write conflict after the local copy is refreshed
// from the server.
package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/offsync/actionq"
	"github.com/hazyhaar/offsync/conflict"
	"github.com/hazyhaar/offsync/netstate"
	"github.com/hazyhaar/offsync/oplog"
	"github.com/hazyhaar/offsync/remote"
)

// Handler turns queued actions of one type into network requests and
// applies their outcomes to local state. The registry is closed at
// construction: an action type without a handler is a programming error
// and dead-letters immediately.
type Handler interface {
	// Request builds the wire request for an action.
	Request(action actionq.Action) (remote.Request, error)
	// OnAccepted runs after server confirmation, before the action is
	// marked synced. Typical work: store the server-issued version.
	OnAccepted(ctx context.Context, action actionq.Action, res conflict.Result) error
	// OnStale refreshes local state from the winning server copy before
	// the losing action is dropped.
	OnStale(ctx context.Context, action actionq.Action, res conflict.Result) error
}

// Summary is the outcome of one drain.
type Summary struct {
	Trigger   oplog.Trigger
	Success   int
	Failed    int // retryable failures and dead-letters
	Conflicts int
	Dropped   int // validation rejections and unknown types
}

// Notice is a surfaced conflict: the user's action lost to a concurrent
// server-side write.
type Notice struct {
	Action          actionq.Action
	ResolvedVersion int64
}

// SyncState is the engine's externally visible position.
type SyncState int

const (
	StateOffline SyncState = iota
	StateSyncing
	StatePending // online, idle, work queued
	StateSynced  // online, idle, queue clean
)

func (s SyncState) String() string {
	switch s {
	case StateOffline:
		return "offline"
	case StateSyncing:
		return "syncing"
	case StatePending:
		return "pending"
	case StateSynced:
		return "synced"
	default:
		return "unknown"
	}
}

// Status pairs the state with the pending count for badges.
type Status struct {
	State   SyncState
	Pending int
}

// Options configures a Syncer.
type Options struct {
	// Handlers maps action types to their handlers. Required.
	Handlers map[string]Handler

	// Interval is the periodic drain tick while work is pending.
	// Default: 60s.
	Interval time.Duration

	// Retention is how long synced actions and journal rows are kept.
	// Default: 24h.
	Retention time.Duration

	// Journal, when set, records one row per drain.
	Journal *oplog.Log

	Logger *slog.Logger
	Clock  func() time.Time
}

func (o *Options) defaults() {
	if o.Interval == 0 {
		o.Interval = time.Minute
	}
	if o.Retention == 0 {
		o.Retention = 24 * time.Hour
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// Syncer owns the drain loop.
type Syncer struct {
	queue actionq.Queue
	do    remote.Doer
	net   *netstate.Monitor
	opts  Options

	syncing    atomic.Bool
	generation atomic.Int64 // bumped by Clear to stop an active drain
	triggers   chan oplog.Trigger

	mu        sync.Mutex
	observers []func(Summary)
	notices   []func(Notice)
}

// New wires a syncer. do is the composed remote pipeline (client with
// timeout, retry, and breaker middleware already applied).
func New(queue actionq.Queue, do remote.Doer, net *netstate.Monitor, opts Options) *Syncer {
	opts.defaults()
	s := &Syncer{
		queue:    queue,
		do:       do,
		net:      net,
		opts:     opts,
		triggers: make(chan oplog.Trigger, 1),
	}
	net.Subscribe(func(online bool) {
		if online {
			s.request(oplog.TriggerOnline)
		}
	})
	return s
}

// Observe registers a callback for drain summaries.
func (s *Syncer) Observe(fn func(Summary)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// OnConflict registers a callback for surfaced conflicts.
func (s *Syncer) OnConflict(fn func(Notice)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notices = append(s.notices, fn)
}

// TriggerSync requests a drain. Returns false when one is already active
// or already requested; the caller's work is covered either way.
func (s *Syncer) TriggerSync() bool {
	if s.syncing.Load() {
		return false
	}
	return s.request(oplog.TriggerManual)
}

func (s *Syncer) request(trigger oplog.Trigger) bool {
	select {
	case s.triggers <- trigger:
		return true
	default:
		return false
	}
}

// Status reports the current position.
func (s *Syncer) Status(ctx context.Context) (Status, error) {
	counts, err := s.queue.Counts(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{Pending: counts.Pending()}
	switch {
	case s.syncing.Load():
		st.State = StateSyncing
	case !s.net.Online():
		st.State = StateOffline
	case st.Pending > 0:
		st.State = StatePending
	default:
		st.State = StateSynced
	}
	return st, nil
}

// Clear wipes the queue. An in-flight dispatch may still complete, but the
// active drain stops before touching any further action.
func (s *Syncer) Clear(ctx context.Context) error {
	s.generation.Add(1)
	return s.queue.Clear(ctx)
}

// Run is the drain loop. It blocks until ctx is cancelled.
func (s *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.opts.Logger.Info("syncer: started", "interval", s.opts.Interval)
	for {
		select {
		case <-ctx.Done():
			s.opts.Logger.Info("syncer: stopped")
			return
		case trigger := <-s.triggers:
			s.Drain(ctx, trigger)
		case <-ticker.C:
			if !s.net.Online() {
				continue
			}
			counts, err := s.queue.Counts(ctx)
			if err != nil {
				s.opts.Logger.Warn("syncer: counts failed", "error", err)
				continue
			}
			if counts.Pending() > 0 {
				s.Drain(ctx, oplog.TriggerPeriodic)
			}
		}
	}
}

// Drain processes every pending action once. Reentrant calls return
// immediately. Exposed for callers that manage their own scheduling.
func (s *Syncer) Drain(ctx context.Context, trigger oplog.Trigger) Summary {
	summary := Summary{Trigger: trigger}
	if !s.syncing.CompareAndSwap(false, true) {
		return summary
	}
	defer s.syncing.Store(false)

	if !s.net.Online() {
		return summary
	}

	start := s.opts.Clock()
	gen := s.generation.Load()

	actions, err := s.queue.ListPending(ctx)
	if err != nil {
		s.opts.Logger.Error("syncer: list pending failed", "error", err)
		return summary
	}
	if len(actions) == 0 {
		return summary
	}
	s.opts.Logger.Info("syncer: drain started", "trigger", trigger, "pending", len(actions))

	for _, action := range actions {
		if ctx.Err() != nil {
			break
		}
		if s.generation.Load() != gen {
			s.opts.Logger.Info("syncer: queue cleared mid-drain, stopping")
			break
		}
		if s.dispatch(ctx, action, &summary) {
			break
		}
	}

	s.finish(ctx, trigger, start, summary)
	return summary
}

// dispatch processes one action. Returns true when the drain should stop:
// the network is provably down and the rest of the queue would only burn
// retry budget.
func (s *Syncer) dispatch(ctx context.Context, action actionq.Action, summary *Summary) (stop bool) {
	log := s.opts.Logger.With("action_id", action.ID, "type", action.Type)

	handler, ok := s.opts.Handlers[action.Type]
	if !ok {
		log.Error("syncer: no handler for action type, dropping")
		if err := s.queue.Drop(ctx, action.ID); err != nil {
			log.Error("syncer: drop failed", "error", err)
		}
		summary.Dropped++
		return false
	}

	if err := s.queue.MarkInflight(ctx, action.ID); err != nil {
		log.Error("syncer: claim failed", "error", err)
		return false
	}

	req, err := handler.Request(action)
	if err != nil {
		log.Error("syncer: unbuildable request, dropping", "error", err)
		if err := s.queue.Drop(ctx, action.ID); err != nil {
			log.Error("syncer: drop failed", "error", err)
		}
		summary.Dropped++
		return false
	}

	resp, doErr := s.do(ctx, req)
	res := conflict.Evaluate(resp, doErr)

	switch res.Outcome {
	case conflict.Accepted:
		if err := handler.OnAccepted(ctx, action, res); err != nil {
			// Server applied it; local bookkeeping failing must not
			// replay the mutation.
			log.Error("syncer: post-sync hook failed", "error", err)
		}
		if err := s.queue.MarkSynced(ctx, action.ID); err != nil {
			log.Error("syncer: mark synced failed", "error", err)
			return false
		}
		summary.Success++

	case conflict.Stale:
		if err := handler.OnStale(ctx, action, res); err != nil {
			log.Error("syncer: conflict refresh failed", "error", err)
		}
		if err := s.queue.Drop(ctx, action.ID); err != nil {
			log.Error("syncer: drop failed", "error", err)
			return false
		}
		summary.Conflicts++
		log.Warn("syncer: action lost to concurrent write", "server_version", res.ResolvedVersion)
		s.surface(Notice{Action: action, ResolvedVersion: res.ResolvedVersion})

	case conflict.Rejected:
		log.Warn("syncer: server rejected action, dropping", "reason", res.Reason)
		if err := s.queue.Drop(ctx, action.ID); err != nil {
			log.Error("syncer: drop failed", "error", err)
			return false
		}
		summary.Dropped++

	case conflict.Retry:
		dead, err := s.queue.MarkFailed(ctx, action.ID, res.Reason)
		if err != nil {
			log.Error("syncer: mark failed errored", "error", err)
			return false
		}
		summary.Failed++
		if dead {
			log.Error("syncer: retry budget exhausted, dead-lettered", "reason", res.Reason)
		} else {
			log.Warn("syncer: transient failure, will retry", "reason", res.Reason)
		}
		var netErr *remote.ErrNetwork
		if errors.As(doErr, &netErr) {
			// The transport just proved we are offline. Stop the drain
			// and let the reconnect trigger resume it.
			s.net.Set(false)
			return true
		}
		var open *remote.ErrCircuitOpen
		if errors.As(doErr, &open) {
			return true
		}
	}
	return false
}

func (s *Syncer) finish(ctx context.Context, trigger oplog.Trigger, start time.Time, summary Summary) {
	s.opts.Logger.Info("syncer: drain finished",
		"trigger", trigger,
		"success", summary.Success,
		"failed", summary.Failed,
		"conflicts", summary.Conflicts,
		"dropped", summary.Dropped)

	if s.opts.Journal != nil {
		if _, err := s.opts.Journal.Record(ctx, trigger, start, summary.Success, summary.Failed, summary.Conflicts); err != nil {
			s.opts.Logger.Warn("syncer: journal write failed", "error", err)
		}
		if _, err := s.opts.Journal.PurgeOlderThan(ctx, s.opts.Retention); err != nil {
			s.opts.Logger.Warn("syncer: journal purge failed", "error", err)
		}
	}
	if n, err := s.queue.PurgeOlderThan(ctx, s.opts.Retention); err != nil {
		s.opts.Logger.Warn("syncer: queue purge failed", "error", err)
	} else if n > 0 {
		s.opts.Logger.Debug("syncer: purged synced actions", "count", n)
	}

	s.mu.Lock()
	observers := make([]func(Summary), len(s.observers))
	copy(observers, s.observers)
	s.mu.Unlock()
	for _, fn := range observers {
		fn(summary)
	}
}

func (s *Syncer) surface(n Notice) {
	s.mu.Lock()
	notices := make([]func(Notice), len(s.notices))
	copy(notices, s.notices)
	s.mu.Unlock()
	for _, fn := range notices {
		fn(n)
	}
}
