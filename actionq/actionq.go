// Package actionq implements the durable pending-action queue backed by
// SQLite.
//
// Every mutating user operation performed while offline (or whose online
// attempt failed) becomes a row here the instant it happens. Enqueue is
// synchronous-durable: when it returns, the action survives a process kill.
// The sync orchestrator is the only writer of sync state.
//
// An action is always in exactly one state:
//
//	queued   → waiting for the next drain
//	inflight → claimed by the active drain
//	synced   → confirmed by the server, retained for the purge window
//	dead     → retry budget exhausted, set aside for inspection
//
// Rows are never silently lost: dropping an action is an explicit operation
// reserved for hard validation rejections and stale-write conflicts.
//
// Expected schema (created by EnsureTable):
//
//	CREATE TABLE IF NOT EXISTS pending_actions (
//	    id            INTEGER PRIMARY KEY AUTOINCREMENT,
//	    type          TEXT NOT NULL,
//	    method        TEXT NOT NULL,
//	    endpoint      TEXT NOT NULL,
//	    payload       TEXT,
//	    metadata      TEXT,
//	    created_at    INTEGER NOT NULL,           -- milliseconds since epoch
//	    sync_attempts INTEGER NOT NULL DEFAULT 0,
//	    state         TEXT NOT NULL DEFAULT 'queued',
//	    synced_at     INTEGER,
//	    last_error    TEXT NOT NULL DEFAULT ''
//	);
package actionq

import (
	"context"
	"encoding/json"
	"time"
)

// State is the lifecycle position of an action.
type State string

const (
	StateQueued   State = "queued"
	StateInflight State = "inflight"
	StateSynced   State = "synced"
	StateDead     State = "dead"
)

// Action is a row in the queue: an intended mutation not yet confirmed by
// the server. Payload and Metadata stay serialized; the handler registered
// for Type knows how to reconstruct the network request from them.
type Action struct {
	ID           int64
	Type         string
	Method       string
	Endpoint     string
	Payload      json.RawMessage
	Metadata     json.RawMessage
	CreatedAt    time.Time
	SyncAttempts int
	State        State
	SyncedAt     time.Time // zero unless synced
	LastError    string
}

// Counts summarises the queue by state.
type Counts struct {
	Queued   int
	Inflight int
	Synced   int
	Dead     int
}

// Pending is the number of actions still awaiting confirmation.
func (c Counts) Pending() int { return c.Queued + c.Inflight }

// Queue is the pending-action contract. The SQLite implementation (Q) is
// the normal path; Mem provides the degraded in-memory variant used when
// local storage is unavailable.
type Queue interface {
	// Enqueue durably appends an action and returns its id.
	Enqueue(ctx context.Context, typ, method, endpoint string, payload, metadata json.RawMessage) (int64, error)
	// ListPending returns queued and inflight actions ordered by creation
	// time ascending. Inflight rows appear so a drain interrupted by a
	// crash resumes them.
	ListPending(ctx context.Context) ([]Action, error)
	// MarkInflight claims an action for the active drain.
	MarkInflight(ctx context.Context, id int64) error
	// MarkSynced records server confirmation.
	MarkSynced(ctx context.Context, id int64) error
	// MarkFailed records a retryable failure: the attempt counter is
	// incremented and the action returns to queued, or moves to dead when
	// the retry budget is exhausted. Reports whether the action was
	// dead-lettered.
	MarkFailed(ctx context.Context, id int64, cause string) (dead bool, err error)
	// Drop removes an action outright. Reserved for hard validation
	// rejections and conflict-stale actions that must not be replayed.
	Drop(ctx context.Context, id int64) error
	// PurgeOlderThan deletes synced actions whose confirmation is older
	// than the retention window. Returns the number deleted.
	PurgeOlderThan(ctx context.Context, retention time.Duration) (int64, error)
	// Counts summarises the queue by state.
	Counts(ctx context.Context) (Counts, error)
	// DeadLettered lists actions that exhausted their retry budget.
	DeadLettered(ctx context.Context) ([]Action, error)
	// Clear wipes the queue in one transaction.
	Clear(ctx context.Context) error
}

// Options configures queue behaviour.
type Options struct {
	// MaxAttempts is the retry budget before an action is dead-lettered.
	// Default: 5.
	MaxAttempts int
}

func (o *Options) defaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
}
