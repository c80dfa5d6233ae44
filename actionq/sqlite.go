package actionq

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hazyhaar/offsync/dbopen"
)

// Q is the SQLite-backed queue.
type Q struct {
	db   *sql.DB
	opts Options
}

// New creates a queue handle. Call EnsureTable once at startup.
func New(db *sql.DB, opts Options) *Q {
	opts.defaults()
	return &Q{db: db, opts: opts}
}

// EnsureTable creates the pending_actions table and index if absent.
func (q *Q) EnsureTable(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS pending_actions (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			type          TEXT NOT NULL,
			method        TEXT NOT NULL,
			endpoint      TEXT NOT NULL,
			payload       TEXT,
			metadata      TEXT,
			created_at    INTEGER NOT NULL,
			sync_attempts INTEGER NOT NULL DEFAULT 0,
			state         TEXT NOT NULL DEFAULT 'queued',
			synced_at     INTEGER,
			last_error    TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_pending_state ON pending_actions (state, created_at);
	`)
	return err
}

func (q *Q) Enqueue(ctx context.Context, typ, method, endpoint string, payload, metadata json.RawMessage) (int64, error) {
	now := time.Now().UnixMilli()
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO pending_actions (type, method, endpoint, payload, metadata, created_at)
		VALUES (?,?,?,?,?,?)`,
		typ, method, endpoint, nullable(payload), nullable(metadata), now)
	if err != nil {
		return 0, fmt.Errorf("actionq: enqueue: %w", err)
	}
	return res.LastInsertId()
}

func (q *Q) ListPending(ctx context.Context) ([]Action, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, type, method, endpoint, payload, metadata, created_at,
		       sync_attempts, state, synced_at, last_error
		FROM pending_actions
		WHERE state IN ('queued', 'inflight')
		ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("actionq: list pending: %w", err)
	}
	defer rows.Close()
	return scanActions(rows)
}

func (q *Q) MarkInflight(ctx context.Context, id int64) error {
	return q.setState(ctx, id, StateInflight, "mark inflight")
}

func (q *Q) MarkSynced(ctx context.Context, id int64) error {
	now := time.Now().UnixMilli()
	_, err := q.db.ExecContext(ctx,
		`UPDATE pending_actions SET state = 'synced', synced_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return fmt.Errorf("actionq: mark synced: %w", err)
	}
	return nil
}

func (q *Q) MarkFailed(ctx context.Context, id int64, cause string) (bool, error) {
	var dead bool
	err := dbopen.RunTx(ctx, q.db, func(tx *sql.Tx) error {
		var attempts int
		err := tx.QueryRowContext(ctx,
			`SELECT sync_attempts FROM pending_actions WHERE id = ?`, id).Scan(&attempts)
		if err != nil {
			return err
		}
		attempts++
		state := StateQueued
		if attempts >= q.opts.MaxAttempts {
			state = StateDead
			dead = true
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE pending_actions
			SET sync_attempts = ?, state = ?, last_error = ?
			WHERE id = ?`, attempts, string(state), cause, id)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("actionq: mark failed: %w", err)
	}
	return dead, nil
}

func (q *Q) Drop(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM pending_actions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("actionq: drop: %w", err)
	}
	return nil
}

func (q *Q) PurgeOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM pending_actions WHERE state = 'synced' AND synced_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("actionq: purge: %w", err)
	}
	return res.RowsAffected()
}

func (q *Q) Counts(ctx context.Context) (Counts, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM pending_actions GROUP BY state`)
	if err != nil {
		return Counts{}, fmt.Errorf("actionq: counts: %w", err)
	}
	defer rows.Close()

	var c Counts
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return Counts{}, fmt.Errorf("actionq: counts: %w", err)
		}
		switch State(state) {
		case StateQueued:
			c.Queued = n
		case StateInflight:
			c.Inflight = n
		case StateSynced:
			c.Synced = n
		case StateDead:
			c.Dead = n
		}
	}
	return c, rows.Err()
}

func (q *Q) DeadLettered(ctx context.Context) ([]Action, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, type, method, endpoint, payload, metadata, created_at,
		       sync_attempts, state, synced_at, last_error
		FROM pending_actions
		WHERE state = 'dead'
		ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("actionq: dead lettered: %w", err)
	}
	defer rows.Close()
	return scanActions(rows)
}

func (q *Q) Clear(ctx context.Context) error {
	err := dbopen.RunTx(ctx, q.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM pending_actions`)
		return err
	})
	if err != nil {
		return fmt.Errorf("actionq: clear: %w", err)
	}
	return nil
}

func (q *Q) setState(ctx context.Context, id int64, state State, op string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE pending_actions SET state = ? WHERE id = ?`, string(state), id)
	if err != nil {
		return fmt.Errorf("actionq: %s: %w", op, err)
	}
	return nil
}

func scanActions(rows *sql.Rows) ([]Action, error) {
	var out []Action
	for rows.Next() {
		var a Action
		var payload, metadata sql.NullString
		var createdAt int64
		var syncedAt sql.NullInt64
		var state string
		if err := rows.Scan(&a.ID, &a.Type, &a.Method, &a.Endpoint, &payload, &metadata,
			&createdAt, &a.SyncAttempts, &state, &syncedAt, &a.LastError); err != nil {
			return nil, fmt.Errorf("actionq: scan: %w", err)
		}
		if payload.Valid {
			a.Payload = json.RawMessage(payload.String)
		}
		if metadata.Valid {
			a.Metadata = json.RawMessage(metadata.String)
		}
		a.CreatedAt = time.UnixMilli(createdAt)
		a.State = State(state)
		if syncedAt.Valid {
			a.SyncedAt = time.UnixMilli(syncedAt.Int64)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// nullable maps an empty raw message to NULL so the column stays NULL for
// actions without a body.
func nullable(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
