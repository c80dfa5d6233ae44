// Package oplog keeps the sync run journal: one row per drain with its
// trigger, outcome counts, and duration. SQLite is already the durability
// layer, so observability lives next to the data it observes and survives
// restarts with it.
package oplog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hazyhaar/offsync/idgen"
)

// Trigger says what started a sync run.
type Trigger string

const (
	TriggerOnline   Trigger = "online"   // offline→online transition
	TriggerPeriodic Trigger = "periodic" // background ticker with work pending
	TriggerManual   Trigger = "manual"   // explicit TriggerSync call
)

// Run is one journaled drain.
type Run struct {
	RunID      string
	Trigger    Trigger
	StartedAt  time.Time
	FinishedAt time.Time
	Success    int
	Failed     int
	Conflicts  int
}

// Log writes sync runs.
type Log struct {
	db    *sql.DB
	newID idgen.Generator
	clock func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithIDGenerator overrides the run ID generator.
func WithIDGenerator(g idgen.Generator) Option {
	return func(l *Log) { l.newID = g }
}

// WithClock overrides the clock (for testing).
func WithClock(fn func() time.Time) Option {
	return func(l *Log) { l.clock = fn }
}

// New creates a journal handle. Call EnsureTable once at startup.
func New(db *sql.DB, opts ...Option) *Log {
	l := &Log{
		db:    db,
		newID: idgen.Prefixed("run_", idgen.UUIDv7()),
		clock: time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// EnsureTable creates the sync_runs table if absent.
func (l *Log) EnsureTable(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sync_runs (
			run_id         TEXT PRIMARY KEY,
			"trigger"      TEXT NOT NULL,
			started_at     INTEGER NOT NULL,
			finished_at    INTEGER NOT NULL,
			success_count  INTEGER NOT NULL DEFAULT 0,
			fail_count     INTEGER NOT NULL DEFAULT 0,
			conflict_count INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_sync_runs_started ON sync_runs (started_at);
	`)
	if err != nil {
		return fmt.Errorf("oplog: ensure table: %w", err)
	}
	return nil
}

// Record journals one finished run and returns its ID.
func (l *Log) Record(ctx context.Context, trigger Trigger, startedAt time.Time, success, failed, conflicts int) (string, error) {
	id := l.newID()
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO sync_runs (run_id, "trigger", started_at, finished_at, success_count, fail_count, conflict_count)
		VALUES (?,?,?,?,?,?,?)`,
		id, string(trigger), startedAt.UnixMilli(), l.clock().UnixMilli(), success, failed, conflicts)
	if err != nil {
		return "", fmt.Errorf("oplog: record run: %w", err)
	}
	return id, nil
}

// Recent returns the latest runs, newest first.
func (l *Log) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT run_id, "trigger", started_at, finished_at, success_count, fail_count, conflict_count
		FROM sync_runs ORDER BY started_at DESC, run_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("oplog: recent: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r                 Run
			trigger           string
			started, finished int64
		)
		if err := rows.Scan(&r.RunID, &trigger, &started, &finished, &r.Success, &r.Failed, &r.Conflicts); err != nil {
			return nil, fmt.Errorf("oplog: scan run: %w", err)
		}
		r.Trigger = Trigger(trigger)
		r.StartedAt = time.UnixMilli(started)
		r.FinishedAt = time.UnixMilli(finished)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// PurgeOlderThan drops journal rows older than the retention window.
func (l *Log) PurgeOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := l.clock().Add(-retention).UnixMilli()
	res, err := l.db.ExecContext(ctx, `DELETE FROM sync_runs WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("oplog: purge: %w", err)
	}
	return res.RowsAffected()
}
