// Package netstate tracks whether the remote API is reachable and tells
// interested parties when that changes. Reachability is a reported fact,
// not a guess: callers feed transitions in via Set (from a transport error,
// a successful response, or an explicit probe) and the monitor dedupes and
// fans them out.
package netstate

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Listener is called on every online/offline transition. Listeners run on
// the caller's goroutine that triggered the transition; keep them short.
type Listener func(online bool)

// Monitor holds the current reachability state. The zero value is not
// usable; construct with New. Safe for concurrent use.
type Monitor struct {
	mu        sync.Mutex
	online    bool
	listeners []Listener
	log       *slog.Logger
}

// New creates a monitor. The engine starts offline until something proves
// otherwise — a cold start with no network must not trigger a drain.
func New(logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{log: logger}
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records the current reachability. Listeners fire only on an actual
// transition; repeated reports of the same state are ignored.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	m.log.Info("netstate: transition", "online", online)
	for _, fn := range listeners {
		fn(online)
	}
}

// Subscribe registers a listener for future transitions. It does not replay
// the current state; call Online for that.
func (m *Monitor) Subscribe(fn Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Probe polls the given check at the interval and feeds the result into
// Set. It blocks until ctx is cancelled; run it in a goroutine:
//
//	go monitor.Probe(ctx, 30*time.Second, check)
//
// The check should be cheap — a HEAD against the API's health endpoint —
// and must honor its context.
func (m *Monitor) Probe(ctx context.Context, interval time.Duration, check func(ctx context.Context) bool) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.Set(check(ctx))

	for {
		select {
		case <-ctx.Done():
			m.log.Info("netstate: probe stopped")
			return
		case <-ticker.C:
			m.Set(check(ctx))
		}
	}
}
